package providers

import (
	"context"
	"fmt"
	"strings"
)

// Static returns a fixed result set for every query. It backs offline runs
// and tests.
type Static struct {
	name    string
	results []Result
	err     error
}

func NewStatic(name string, results []Result) *Static {
	return &Static{name: name, results: results}
}

// NewFailing returns a provider whose every call fails with err.
func NewFailing(name string, err error) *Static {
	return &Static{name: name, err: err}
}

func (s *Static) Name() string { return s.name }

func (s *Static) Search(ctx context.Context, _ string) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, FromTransport(s.name, err)
	}
	if s.err != nil {
		return nil, s.err
	}
	out := make([]Result, len(s.results))
	for i, r := range s.results {
		r.Provider = s.name
		out[i] = r
	}
	return out, nil
}

// Simulated fabricates two plausible sources per query. It stands in for
// real providers when no API key is configured.
type Simulated struct{}

func (Simulated) Name() string { return "simulated" }

func (Simulated) Search(ctx context.Context, query string) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, FromTransport("simulated", err)
	}
	slug := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(query)), " ", "-")
	return []Result{
		{
			Title:    fmt.Sprintf("Article about %s from Example.com (Simulated)", query),
			URL:      fmt.Sprintf("http://example.com/%s-simulated", slug),
			Snippet:  fmt.Sprintf("This is some dummy content about %s from Example.com.", query),
			Content:  fmt.Sprintf("This is some dummy content about %s from Example.com. It contains various details and keywords related to the topic.", query),
			Provider: "simulated",
		},
		{
			Title:    fmt.Sprintf("News report on %s from NewsSite.org (Simulated)", query),
			URL:      fmt.Sprintf("http://newssite.org/%s-report-simulated", slug),
			Snippet:  fmt.Sprintf("A recent report indicates new findings regarding %s.", query),
			Content:  fmt.Sprintf("A recent report indicates new findings regarding %s. This content is from NewsSite.org.", query),
			Provider: "simulated",
		},
	}, nil
}
