package degradation

import (
	"fmt"
	"strings"
	"time"
)

// Level is the severity of a degraded fan-out.
type Level int

const (
	LevelNone Level = iota
	LevelMinor
	LevelModerate
	LevelSevere
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelMinor:
		return "minor"
	case LevelModerate:
		return "moderate"
	case LevelSevere:
		return "severe"
	default:
		return "unknown"
	}
}

// PartialResult is the outcome of one component of a fan-out, such as a
// single provider call for a single query.
type PartialResult struct {
	Source    string
	Success   bool
	Items     int
	Err       error
	Timestamp time.Time
}

// Aggregated summarizes a fan-out.
type Aggregated struct {
	Total        int
	SuccessCount int
	FailureCount int
	Items        int
	Failed       []string
	Errors       []error
	Level        Level
}

// Aggregate combines results. Level is derived from the failure ratio:
// any failure is minor, half or more is moderate, all is severe.
func Aggregate(results []PartialResult) Aggregated {
	agg := Aggregated{Total: len(results)}
	for _, r := range results {
		if r.Success {
			agg.SuccessCount++
			agg.Items += r.Items
			continue
		}
		agg.FailureCount++
		agg.Failed = append(agg.Failed, r.Source)
		if r.Err != nil {
			agg.Errors = append(agg.Errors, r.Err)
		}
	}

	switch {
	case agg.FailureCount == 0:
		agg.Level = LevelNone
	case agg.SuccessCount == 0:
		agg.Level = LevelSevere
	case agg.FailureCount*2 >= agg.Total:
		agg.Level = LevelModerate
	default:
		agg.Level = LevelMinor
	}
	return agg
}

// Degraded reports whether some but not all components failed.
func (a Aggregated) Degraded() bool {
	return a.FailureCount > 0 && a.SuccessCount > 0
}

// Warning describes the failures, or returns "" when nothing failed.
func (a Aggregated) Warning() string {
	if a.FailureCount == 0 {
		return ""
	}
	msgs := make([]string, 0, len(a.Errors))
	for _, err := range a.Errors {
		msgs = append(msgs, err.Error())
	}
	w := fmt.Sprintf("%d of %d search calls failed", a.FailureCount, a.Total)
	if len(msgs) > 0 {
		w += ": " + strings.Join(msgs, "; ")
	}
	return w
}
