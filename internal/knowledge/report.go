package knowledge

import (
	"sort"
	"strings"
	"time"
)

// Completeness marks whether every phase finished without degradation.
type Completeness string

const (
	CompletenessFull    Completeness = "full"
	CompletenessPartial Completeness = "partial"
)

// Report is the final research output handed to callers.
type Report struct {
	TaskID          string          `json:"task_id"`
	Query           string          `json:"query"`
	Summary         *ReportSection  `json:"summary,omitempty"`
	Sections        []ReportSection `json:"sections"`
	Caveats         []string        `json:"caveats,omitempty"`
	Completeness    Completeness    `json:"completeness"`
	DegradedReasons []string        `json:"degraded_reasons,omitempty"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

// Partial reports whether the report was produced with degraded phases.
func (r *Report) Partial() bool { return r.Completeness == CompletenessPartial }

// AssembleReport builds a report from the report-category entries of the
// given pass. The summary and caveats are kept apart from Sections.
func AssembleReport(taskID, query string, entries []Entry, pass int) *Report {
	rep := &Report{
		TaskID:       taskID,
		Query:        query,
		Completeness: CompletenessFull,
		Sections:     []ReportSection{},
		GeneratedAt:  time.Now(),
	}
	for _, e := range entries {
		if e.Pass != pass {
			continue
		}
		sec, ok := e.Payload.(ReportSection)
		if !ok {
			continue
		}
		switch sec.Kind {
		case SectionSummary:
			s := sec
			rep.Summary = &s
			continue
		case SectionCaveats:
			for _, line := range strings.Split(sec.Body, "\n") {
				if line = strings.TrimSpace(line); line != "" {
					rep.Caveats = append(rep.Caveats, line)
				}
			}
			continue
		}
		rep.Sections = append(rep.Sections, sec)
	}
	sort.SliceStable(rep.Sections, func(i, j int) bool {
		return rep.Sections[i].Order < rep.Sections[j].Order
	})
	return rep
}
