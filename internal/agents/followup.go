package agents

import (
	"sort"
	"strings"

	"github.com/Kocoro-lab/research-orchestrator/internal/knowledge"
)

// FollowUpDeriver narrows the query of a re-gather pass to the gaps the
// Critic flagged.
type FollowUpDeriver interface {
	Derive(query string, flagged []knowledge.InsightView) string
}

// DistinctiveTerms appends the most frequent claim words of the flagged
// insights that the query does not already contain.
type DistinctiveTerms struct {
	MaxTerms int
}

func (d DistinctiveTerms) Derive(query string, flagged []knowledge.InsightView) string {
	limit := d.MaxTerms
	if limit <= 0 {
		limit = 4
	}
	inQuery := newTokenSet(query)
	freq := make(map[string]int)
	for _, in := range flagged {
		for t := range newTokenSet(in.Claim) {
			if _, ok := inQuery[t]; !ok {
				freq[t]++
			}
		}
	}
	if len(freq) == 0 {
		return query
	}

	terms := make([]string, 0, len(freq))
	for t := range freq {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > limit {
		terms = terms[:limit]
	}
	return strings.TrimSpace(query) + " " + strings.Join(terms, " ")
}
