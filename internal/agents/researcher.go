package agents

import (
	"context"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/Kocoro-lab/research-orchestrator/internal/degradation"
	"github.com/Kocoro-lab/research-orchestrator/internal/knowledge"
	"github.com/Kocoro-lab/research-orchestrator/internal/providers"
)

const ResearcherName = "researcher"

// ResearcherConfig bounds a gathering pass.
type ResearcherConfig struct {
	MaxConcurrentRequests int  `mapstructure:"max_concurrent_requests"`
	MaxSourcesPerPass     int  `mapstructure:"max_sources_per_pass"`
	MinContentLength      int  `mapstructure:"min_content_length"`
	SkipLowQuality        bool `mapstructure:"skip_low_quality"`
}

func DefaultResearcherConfig() ResearcherConfig {
	return ResearcherConfig{
		MaxConcurrentRequests: 4,
		MaxSourcesPerPass:     8,
		SkipLowQuality:        true,
	}
}

var lowQualityTitles = []string{
	"home page", "homepage", "welcome to", "about us", "contact us",
	"privacy policy", "terms of service", "sitemap",
}

// Researcher queries every provider with every planned query in parallel
// and records the distinct content it finds.
type Researcher struct {
	providers []providers.Provider
	retrier   *Retrier
	scorer    CredibilityScorer
	cfg       ResearcherConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewResearcher(ps []providers.Provider, retrier *Retrier, scorer CredibilityScorer, cfg ResearcherConfig, logger *zap.Logger) *Researcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retrier == nil {
		retrier = NewRetrier(DefaultRetryPolicy(), logger)
	}
	if scorer == nil {
		scorer = HeuristicScorer{Trust: DefaultTrustScorer()}
	}
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = DefaultResearcherConfig().MaxConcurrentRequests
	}
	return &Researcher{providers: ps, retrier: retrier, scorer: scorer, cfg: cfg, logger: logger, now: time.Now}
}

func (r *Researcher) Name() string  { return ResearcherName }
func (r *Researcher) Phase() string { return PhaseGathering }

type searchCall struct {
	provider providers.Provider
	query    string
}

type searchResult struct {
	searchCall
	items []providers.Result
	err   error
}

func (r *Researcher) Run(ctx context.Context, task Task, store *knowledge.Store) (Result, error) {
	prior, err := store.GetByCategory(task.ID, knowledge.CategorySources)
	if err != nil {
		return Result{}, err
	}
	seen := make(map[string]struct{}, len(prior))
	for _, s := range knowledge.Sources(prior) {
		seen[s.ContentHash] = struct{}{}
	}

	calls := lo.FlatMap(r.providers, func(p providers.Provider, _ int) []searchCall {
		return lo.Map(task.SearchQueries(), func(q string, _ int) searchCall {
			return searchCall{provider: p, query: q}
		})
	})

	results := make([]searchResult, len(calls))
	p := pool.New().WithMaxGoroutines(r.cfg.MaxConcurrentRequests)
	for i, c := range calls {
		p.Go(func() {
			var items []providers.Result
			_, err := r.retrier.Do(ctx, task, c.provider.Name(), func(actx context.Context) error {
				res, err := c.provider.Search(actx, c.query)
				if err != nil {
					return err
				}
				items = res
				return nil
			})
			results[i] = searchResult{searchCall: c, items: items, err: err}
		})
	}
	p.Wait()

	if task.IsCancelled() {
		return Result{}, ErrCancelled
	}

	partials := make([]degradation.PartialResult, 0, len(results))
	var order []string
	merged := make(map[string]*knowledge.SourceRecord)
	now := r.now()

	for _, res := range results {
		partials = append(partials, degradation.PartialResult{
			Source:    res.provider.Name(),
			Success:   res.err == nil,
			Items:     len(res.items),
			Err:       res.err,
			Timestamp: now,
		})
		if res.err != nil {
			continue
		}
		for _, item := range res.items {
			if !r.acceptable(item) {
				continue
			}
			text := item.Text()
			hash := contentHash(text)
			if _, dup := seen[hash]; dup {
				continue
			}
			if rec, ok := merged[hash]; ok {
				if !lo.Contains(rec.Providers, res.provider.Name()) {
					rec.Providers = append(rec.Providers, res.provider.Name())
				}
				continue
			}
			provider := item.Provider
			if provider == "" {
				provider = res.provider.Name()
			}
			merged[hash] = &knowledge.SourceRecord{
				Title:       item.Title,
				URL:         item.URL,
				Snippet:     item.Snippet,
				Content:     text,
				ContentHash: hash,
				Provider:    provider,
				Providers:   []string{provider},
				Query:       res.query,
				RetrievedAt: now,
			}
			order = append(order, hash)
		}
	}

	agg := degradation.Aggregate(partials)
	if agg.SuccessCount == 0 && agg.Total > 0 {
		return Result{}, r.gatherFailure(agg.Errors)
	}

	records := make([]knowledge.SourceRecord, 0, len(order))
	for _, h := range order {
		rec := *merged[h]
		rec.Credibility = r.scorer.Score(rec)
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Credibility > records[j].Credibility
	})
	if r.cfg.MaxSourcesPerPass > 0 && len(records) > r.cfg.MaxSourcesPerPass {
		records = records[:r.cfg.MaxSourcesPerPass]
	}

	out := Result{Payloads: make([]knowledge.Payload, 0, len(records))}
	for _, rec := range records {
		out.Payloads = append(out.Payloads, rec)
	}
	if agg.Degraded() {
		out.Degraded = agg.Warning()
		degradation.RecordPartialResults(ResearcherName, agg.Level)
	}

	r.logger.Info("Gathering pass complete",
		zap.String("task_id", task.ID),
		zap.Int("pass", task.Pass),
		zap.Int("calls", agg.Total),
		zap.Int("failed_calls", agg.FailureCount),
		zap.Int("sources", len(records)),
	)
	return out, nil
}

// gatherFailure picks the error for a pass in which every call failed.
// Cancellation and phase expiry take precedence over provider errors.
func (r *Researcher) gatherFailure(errs []error) error {
	for _, err := range errs {
		if errors.Is(err, ErrCancelled) {
			return ErrCancelled
		}
	}
	for _, err := range errs {
		var pt *PhaseTimeoutError
		if errors.As(err, &pt) {
			return pt
		}
	}
	return &GatherError{Failures: errs}
}

func (r *Researcher) acceptable(item providers.Result) bool {
	text := item.Text()
	if strings.TrimSpace(text) == "" {
		return false
	}
	if r.cfg.MinContentLength > 0 && len(text) < r.cfg.MinContentLength {
		return false
	}
	if r.cfg.SkipLowQuality {
		title := strings.ToLower(item.Title)
		if lo.SomeBy(lowQualityTitles, func(s string) bool { return strings.Contains(title, s) }) {
			return false
		}
	}
	return true
}

func contentHash(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
