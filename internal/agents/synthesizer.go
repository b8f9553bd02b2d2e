package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/knowledge"
)

const SynthesizerName = "synthesizer"

// ReasonNoAcceptedInsights is the partial reason of a Synthesis run that
// had nothing validated to report.
const ReasonNoAcceptedInsights = "no accepted insights"

// Synthesizer turns the accepted insights of the final pass into report
// sections. It always produces a report.
type Synthesizer struct {
	highCredibility float64
	goodConfidence  float64
	logger          *zap.Logger
}

func NewSynthesizer(logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{highCredibility: 0.7, goodConfidence: 0.6, logger: logger}
}

func (s *Synthesizer) Name() string  { return SynthesizerName }
func (s *Synthesizer) Phase() string { return PhaseSynthesis }

type finding struct {
	insight knowledge.InsightView
	cites   []knowledge.SourceRecord
	cred    float64
	latest  time.Time
}

func (s *Synthesizer) Run(_ context.Context, task Task, store *knowledge.Store) (Result, error) {
	insightEntries, err := store.GetByCategory(task.ID, knowledge.CategoryInsights)
	if err != nil {
		return Result{}, err
	}
	noteEntries, err := store.GetByCategory(task.ID, knowledge.CategoryValidation)
	if err != nil {
		return Result{}, err
	}
	sourceEntries, err := store.GetByCategory(task.ID, knowledge.CategorySources)
	if err != nil {
		return Result{}, err
	}

	insights := knowledge.Insights(knowledge.InPass(insightEntries, task.Pass))
	notes := knowledge.Notes(knowledge.InPass(noteEntries, task.Pass))
	sources := make(map[string]knowledge.SourceView)
	for _, src := range knowledge.Sources(sourceEntries) {
		sources[src.EntryID] = src
	}

	verdicts := make(map[string]knowledge.ValidationNote, len(notes))
	for _, n := range notes {
		verdicts[n.InsightID] = n.ValidationNote
	}

	var findings []finding
	rejected, unresolved, contradictions := 0, 0, 0
	for _, in := range insights {
		note := verdicts[in.EntryID]
		if note.Contradicts != "" {
			contradictions++
		}
		switch note.Verdict {
		case knowledge.VerdictAccepted:
		case knowledge.VerdictNeedsMoreData:
			unresolved++
			continue
		default:
			rejected++
			continue
		}
		f := finding{insight: in}
		var views []knowledge.SourceView
		for _, id := range in.SourceIDs {
			if src, ok := sources[id]; ok {
				views = append(views, src)
			}
		}
		sort.SliceStable(views, func(i, j int) bool { return views[i].Credibility > views[j].Credibility })
		for _, v := range views {
			f.cites = append(f.cites, v.SourceRecord)
			if v.RetrievedAt.After(f.latest) {
				f.latest = v.RetrievedAt
			}
		}
		f.cred = meanCredibility(views)
		findings = append(findings, f)
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].cred != findings[j].cred {
			return findings[i].cred > findings[j].cred
		}
		return findings[i].latest.After(findings[j].latest)
	})

	out := Result{}
	out.Payloads = append(out.Payloads, s.summary(task.Query, findings, rejected, unresolved))

	if len(findings) == 0 {
		out.Payloads = append(out.Payloads, knowledge.ReportSection{
			Kind:    knowledge.SectionNotice,
			Order:   1,
			Heading: "Insufficient validated findings",
			Body: fmt.Sprintf("None of the %d candidate finding(s) passed validation (%d rejected, %d without enough corroboration).",
				len(insights), rejected, unresolved),
		})
		out.Degraded = ReasonNoAcceptedInsights
	}
	for i, f := range findings {
		out.Payloads = append(out.Payloads, knowledge.ReportSection{
			Kind:       knowledge.SectionFinding,
			Order:      i + 1,
			Heading:    clip(f.insight.Claim, 100),
			Body:       findingBody(f.insight.InsightRecord),
			InsightID:  f.insight.EntryID,
			Confidence: f.insight.Confidence,
			Citations:  f.cites,
		})
	}

	if caveats := s.caveats(findings, rejected, unresolved, contradictions); len(caveats) > 0 {
		out.Payloads = append(out.Payloads, knowledge.ReportSection{
			Kind:    knowledge.SectionCaveats,
			Heading: "Caveats",
			Body:    strings.Join(caveats, "\n"),
		})
	}

	s.logger.Info("Synthesis complete",
		zap.String("task_id", task.ID),
		zap.Int("findings", len(findings)),
		zap.Int("rejected", rejected),
		zap.Int("unresolved", unresolved),
	)
	return out, nil
}

func (s *Synthesizer) summary(query string, findings []finding, rejected, unresolved int) knowledge.ReportSection {
	sec := knowledge.ReportSection{Kind: knowledge.SectionSummary, Heading: "Executive Summary"}
	if len(findings) == 0 {
		sec.Body = fmt.Sprintf("No findings about %q could be validated.", query)
		return sec
	}
	cited := make(map[string]struct{})
	conf := 0.0
	for _, f := range findings {
		for _, c := range f.cites {
			cited[c.ContentHash] = struct{}{}
		}
		conf += f.insight.Confidence
	}
	sec.Confidence = conf / float64(len(findings))
	sec.Body = fmt.Sprintf("Research on %q produced %d validated finding(s) drawn from %d source(s). Top finding: %s",
		query, len(findings), len(cited), findings[0].insight.Claim)
	if dropped := rejected + unresolved; dropped > 0 {
		sec.Body += fmt.Sprintf(" %d further candidate finding(s) did not pass validation.", dropped)
	}
	return sec
}

func findingBody(in knowledge.InsightRecord) string {
	var b strings.Builder
	b.WriteString(in.Claim)
	if in.Summary != "" && in.Summary != in.Claim {
		b.WriteString("\n\n")
		b.WriteString(in.Summary)
	}
	if len(in.KeyPoints) > 0 {
		b.WriteString("\n")
		for _, p := range in.KeyPoints {
			b.WriteString("\n- ")
			b.WriteString(p)
		}
	}
	return b.String()
}

func (s *Synthesizer) caveats(findings []finding, rejected, unresolved, contradictions int) []string {
	var out []string
	if rejected > 0 {
		out = append(out, fmt.Sprintf("Insufficient fact verification: %d finding(s) were rejected", rejected))
	}
	if unresolved > 0 {
		out = append(out, fmt.Sprintf("%d finding(s) still lacked corroboration when the re-gather budget ran out", unresolved))
	}
	if contradictions > 0 {
		out = append(out, "Potential bias detected: sources disagree on some claims")
	}
	if len(findings) == 0 {
		return out
	}

	high, total, conf := 0, 0, 0.0
	for _, f := range findings {
		conf += f.insight.Confidence
		for _, c := range f.cites {
			total++
			if c.Credibility > s.highCredibility {
				high++
			}
		}
	}
	if conf/float64(len(findings)) < s.goodConfidence {
		out = append(out, "Low overall confidence in sources")
	}
	if total > 0 && high*2 < total {
		out = append(out, "Limited high-credibility sources")
	}
	return out
}
