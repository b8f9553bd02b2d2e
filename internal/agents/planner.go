package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Planner turns the user query into the search queries of the first
// Gathering pass.
type Planner interface {
	Plan(ctx context.Context, query string) []string
}

// SingleQuery searches for the query as given.
type SingleQuery struct{}

func (SingleQuery) Plan(_ context.Context, query string) []string {
	return []string{strings.TrimSpace(query)}
}

var timeSensitive = []string{"news", "latest", "recent", "current", "today"}

// ExpandingPlanner adds date-anchored variants for time-sensitive queries
// and broader phrasings for AI topics.
type ExpandingPlanner struct {
	MaxQueries int
	Now        func() time.Time
}

func (p ExpandingPlanner) Plan(_ context.Context, query string) []string {
	query = strings.TrimSpace(query)
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	limit := p.MaxQueries
	if limit <= 0 {
		limit = 3
	}

	lower := strings.ToLower(query)
	queries := []string{query}

	if lo.SomeBy(timeSensitive, func(w string) bool { return containsWord(lower, w) }) {
		t := now()
		queries = append(queries,
			fmt.Sprintf("%s %d", query, t.Year()),
			fmt.Sprintf("%s %s %d", query, t.Month().String(), t.Year()),
		)
		rewritten := strings.NewReplacer("latest", "recent", "news", "developments").Replace(lower)
		if rewritten != lower {
			queries = append(queries, rewritten)
		}
	}

	if containsWord(lower, "ai") || strings.Contains(lower, "artificial intelligence") {
		queries = append(queries,
			replaceWord(lower, "ai", "artificial intelligence"),
			query+" machine learning",
			query+" technology trends",
		)
	}

	queries = lo.Uniq(lo.Map(queries, func(q string, _ int) string { return strings.TrimSpace(q) }))
	if len(queries) > limit {
		queries = queries[:limit]
	}
	return queries
}

func containsWord(s, w string) bool {
	return lo.Contains(words(s), w)
}

func replaceWord(s, from, to string) string {
	fields := strings.Fields(s)
	for i, f := range fields {
		if strings.Trim(f, ".,;:!?") == from {
			fields[i] = strings.Replace(f, from, to, 1)
		}
	}
	return strings.Join(fields, " ")
}
