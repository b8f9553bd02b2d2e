package policy

import (
	"container/list"
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/orchestrator"
)

// PolicyInput is the document handed to the admission policy as input.
type PolicyInput struct {
	Query       string    `json:"query"`
	UserID      string    `json:"user_id,omitempty"`
	Providers   []string  `json:"providers"`
	ActiveTasks int       `json:"active_tasks"`
	Environment string    `json:"environment"`
	Timestamp   time.Time `json:"timestamp"`
}

// Decision represents the policy evaluation result
type Decision struct {
	Allow         bool   `json:"allow"`
	Reason        string `json:"reason,omitempty"`
	PolicyVersion string `json:"policy_version,omitempty"`
}

// OPAEngine evaluates research admission policies written in rego.
type OPAEngine struct {
	config *Config
	logger *zap.Logger

	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
	version  string
	enabled  bool
	cache    *decisionCache
}

// NewOPAEngine creates a new OPA-based policy engine
func NewOPAEngine(config *Config, logger *zap.Logger) (*OPAEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := &OPAEngine{
		config:  config,
		logger:  logger,
		enabled: config.Enabled && config.Mode != ModeOff,
		cache:   newDecisionCache(1000, time.Minute),
	}

	if engine.enabled {
		if err := engine.LoadPolicies(); err != nil {
			if config.FailClosed {
				return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
			}
			logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
			engine.enabled = false
		}
	}
	return engine, nil
}

// LoadPolicies loads and compiles all policy files from the configured directory
func (e *OPAEngine) LoadPolicies() error {
	if !e.config.Enabled {
		return nil
	}

	policies := make(map[string]string)
	err := filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") || strings.HasSuffix(info.Name(), "_test.rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		relPath, _ := filepath.Rel(e.config.Path, path)
		policies[strings.TrimSuffix(relPath, ".rego")] = string(content)
		e.logger.Debug("Loaded policy file", zap.String("path", path))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk policy directory: %w", err)
	}
	if len(policies) == 0 {
		return fmt.Errorf("no policy files found in %s", e.config.Path)
	}
	return e.compile(policies)
}

func (e *OPAEngine) compile(policies map[string]string) error {
	opts := []func(*rego.Rego){rego.Query(DecisionQuery)}
	for name, content := range policies {
		opts = append(opts, rego.Module(name, content))
	}
	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		policyErrors.WithLabelValues("compile").Inc()
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	version := policyVersion(policies)
	e.mu.Lock()
	e.compiled = &compiled
	e.version = version
	e.mu.Unlock()
	e.cache.Clear()

	policyFilesLoaded.WithLabelValues(e.config.Path).Set(float64(len(policies)))
	e.logger.Info("Policies loaded and compiled successfully",
		zap.Int("policy_count", len(policies)),
		zap.String("decision_query", DecisionQuery),
		zap.String("version", version),
	)
	return nil
}

// Evaluate runs the admission policy against input.
func (e *OPAEngine) Evaluate(ctx context.Context, input *PolicyInput) (*Decision, error) {
	start := time.Now()
	e.mu.RLock()
	compiled, version := e.compiled, e.version
	e.mu.RUnlock()

	if !e.enabled || compiled == nil {
		return &Decision{Allow: !e.config.FailClosed, Reason: "policy engine disabled or no policies loaded"}, nil
	}

	if d, ok := e.cache.Get(input); ok {
		policyCacheLookups.WithLabelValues("hit").Inc()
		return d, nil
	}
	policyCacheLookups.WithLabelValues("miss").Inc()

	inputMap, err := toMap(input)
	if err != nil {
		policyErrors.WithLabelValues("input_conversion").Inc()
		return e.failure("input conversion failed", err)
	}
	results, err := compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		policyErrors.WithLabelValues("evaluation").Inc()
		return e.failure("policy evaluation error", err)
	}

	decision := parseResults(results)
	decision.PolicyVersion = version
	recordEvaluation(decision.Allow, e.config.Mode, time.Since(start).Seconds())
	e.logger.Debug("Policy evaluated",
		zap.Bool("allow", decision.Allow),
		zap.String("reason", decision.Reason),
		zap.String("user_id", input.UserID),
	)

	e.cache.Set(input, decision)
	return decision, nil
}

func (e *OPAEngine) failure(reason string, err error) (*Decision, error) {
	if e.config.FailClosed {
		return &Decision{Allow: false, Reason: reason}, err
	}
	return &Decision{Allow: true, Reason: reason}, nil
}

// Admit implements orchestrator.Admitter. In dry-run mode denials are
// logged and counted but the query is admitted.
func (e *OPAEngine) Admit(ctx context.Context, req orchestrator.AdmissionRequest) error {
	d, err := e.Evaluate(ctx, &PolicyInput{
		Query:       req.Query,
		UserID:      req.UserID,
		Providers:   req.Providers,
		ActiveTasks: req.ActiveTasks,
		Environment: e.config.Environment,
		Timestamp:   time.Now(),
	})
	if err != nil && (d == nil || !d.Allow) {
		return fmt.Errorf("%w: %v", orchestrator.ErrAdmissionDenied, err)
	}
	if d.Allow {
		return nil
	}
	if e.config.Mode == ModeDryRun {
		policyDryRunDivergence.Inc()
		e.logger.Info("Dry-run policy would deny query", zap.String("reason", d.Reason), zap.String("user_id", req.UserID))
		return nil
	}
	return fmt.Errorf("%w: %s", orchestrator.ErrAdmissionDenied, d.Reason)
}

// IsEnabled returns whether the policy engine is enabled and ready
func (e *OPAEngine) IsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled && e.compiled != nil
}

// Mode returns the configured enforcement mode for the engine
func (e *OPAEngine) Mode() Mode { return e.config.Mode }

func toMap(input *PolicyInput) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// parseResults accepts either a {"allow", "reason"} object or a bare
// boolean from the decision rule.
func parseResults(results rego.ResultSet) *Decision {
	decision := &Decision{Allow: false, Reason: "no matching policy rules"}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision
	}
	switch value := results[0].Expressions[0].Value.(type) {
	case map[string]interface{}:
		if allow, ok := value["allow"].(bool); ok {
			decision.Allow = allow
		}
		if reason, ok := value["reason"].(string); ok {
			decision.Reason = reason
		}
	case bool:
		decision.Allow = value
		decision.Reason = "denied by policy"
		if value {
			decision.Reason = "allowed by policy"
		}
	}
	return decision
}

func policyVersion(policies map[string]string) string {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)
	h := md5.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte(policies[name]))
	}
	return fmt.Sprintf("%x", h.Sum(nil))[:12]
}

// --- decision cache (LRU with TTL) ---

type decisionCache struct {
	cap  int
	ttl  time.Duration
	mu   sync.Mutex
	list *list.List // MRU at front
	m    map[string]*list.Element
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  *Decision
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	return &decisionCache{cap: cap, ttl: ttl, list: list.New(), m: make(map[string]*list.Element)}
}

// makeKey ignores the timestamp; the active task count is part of the key
// because policies may cap concurrency.
func (c *decisionCache) makeKey(input *PolicyInput) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(input.Query)))
	return fmt.Sprintf("%s|%s|%d|%s|%x",
		input.Environment, input.UserID, input.ActiveTasks, strings.Join(input.Providers, ","), h.Sum64())
}

func (c *decisionCache) Get(input *PolicyInput) (*Decision, bool) {
	key := c.makeKey(input)
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.m[key]
	if !ok {
		return nil, false
	}
	ce := el.Value.(cacheEntry)
	if ce.expiresAt.Before(time.Now()) {
		c.list.Remove(el)
		delete(c.m, key)
		return nil, false
	}
	c.list.MoveToFront(el)
	return ce.decision, true
}

func (c *decisionCache) Set(input *PolicyInput, d *Decision) {
	key := c.makeKey(input)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d}
	if el, ok := c.m[key]; ok {
		el.Value = entry
		c.list.MoveToFront(el)
		return
	}
	c.m[key] = c.list.PushFront(entry)
	if c.list.Len() > c.cap {
		lru := c.list.Back()
		delete(c.m, lru.Value.(cacheEntry).key)
		c.list.Remove(lru)
	}
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.m = make(map[string]*list.Element)
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}
