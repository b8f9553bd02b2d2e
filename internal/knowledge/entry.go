package knowledge

import (
	"time"
)

// Category groups entries of the same record kind inside a task partition.
type Category string

const (
	CategorySources    Category = "sources"
	CategoryInsights   Category = "insights"
	CategoryValidation Category = "validation"
	CategoryReport     Category = "report"
)

// Payload is implemented only by the record kinds of this package.
type Payload interface {
	Category() Category
	clone() Payload
}

// Entry is one immutable record in a task's log.
type Entry struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	Phase     string    `json:"phase"`
	Pass      int       `json:"pass"`
	Category  Category  `json:"category"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

func (e Entry) clone() Entry {
	if e.Payload != nil {
		e.Payload = e.Payload.clone()
	}
	return e
}

// SourceRecord is a piece of gathered external content.
type SourceRecord struct {
	Title       string    `json:"title,omitempty"`
	URL         string    `json:"url,omitempty"`
	Snippet     string    `json:"snippet,omitempty"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	Provider    string    `json:"provider"`
	Providers   []string  `json:"providers,omitempty"`
	Credibility float64   `json:"credibility"`
	Query       string    `json:"query,omitempty"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

func (SourceRecord) Category() Category { return CategorySources }

func (s SourceRecord) clone() Payload {
	s.Providers = append([]string(nil), s.Providers...)
	return s
}

// InsightRecord is a claim extracted from one or more sources.
type InsightRecord struct {
	Claim         string   `json:"claim"`
	Summary       string   `json:"summary,omitempty"`
	KeyPoints     []string `json:"key_points,omitempty"`
	SourceIDs     []string `json:"source_ids"`
	Confidence    float64  `json:"confidence"`
	Corroboration int      `json:"corroboration"`
}

func (InsightRecord) Category() Category { return CategoryInsights }

func (i InsightRecord) clone() Payload {
	i.KeyPoints = append([]string(nil), i.KeyPoints...)
	i.SourceIDs = append([]string(nil), i.SourceIDs...)
	return i
}

// Verdict is the critic's decision on one insight.
type Verdict string

const (
	VerdictAccepted      Verdict = "accepted"
	VerdictRejected      Verdict = "rejected"
	VerdictNeedsMoreData Verdict = "needs-more-data"
)

// ValidationNote records the verdict for one InsightRecord.
type ValidationNote struct {
	InsightID         string  `json:"insight_id"`
	Verdict           Verdict `json:"verdict"`
	Rationale         string  `json:"rationale"`
	SupportingSources int     `json:"supporting_sources"`
	Contradicts       string  `json:"contradicts,omitempty"`
}

func (ValidationNote) Category() Category { return CategoryValidation }

func (v ValidationNote) clone() Payload { return v }

// SectionKind distinguishes the executive summary and caveats from findings.
type SectionKind string

const (
	SectionSummary SectionKind = "summary"
	SectionFinding SectionKind = "finding"
	SectionNotice  SectionKind = "notice"
	// SectionCaveats carries one caveat per body line.
	SectionCaveats SectionKind = "caveats"
)

// ReportSection is one block of the synthesized report.
type ReportSection struct {
	Kind       SectionKind    `json:"kind"`
	Order      int            `json:"order"`
	Heading    string         `json:"heading"`
	Body       string         `json:"body"`
	InsightID  string         `json:"insight_id,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Citations  []SourceRecord `json:"citations,omitempty"`
}

func (ReportSection) Category() Category { return CategoryReport }

func (r ReportSection) clone() Payload {
	if r.Citations != nil {
		cites := make([]SourceRecord, len(r.Citations))
		for i, c := range r.Citations {
			cites[i] = c.clone().(SourceRecord)
		}
		r.Citations = cites
	}
	return r
}
