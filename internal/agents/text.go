package agents

import (
	"strings"
	"unicode"

	"github.com/samber/lo"
)

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "was": {}, "were": {}, "with": {},
	"that": {}, "this": {}, "from": {}, "have": {}, "has": {}, "had": {}, "its": {},
	"into": {}, "than": {}, "then": {}, "there": {}, "their": {}, "they": {}, "them": {},
	"been": {}, "being": {}, "which": {}, "while": {}, "about": {}, "also": {}, "can": {},
	"could": {}, "would": {}, "should": {}, "will": {}, "may": {}, "might": {}, "such": {},
	"more": {}, "most": {}, "some": {}, "any": {}, "all": {}, "each": {}, "other": {},
	"over": {}, "under": {}, "between": {}, "after": {}, "before": {}, "our": {}, "your": {},
	"these": {}, "those": {}, "what": {}, "when": {}, "where": {}, "how": {}, "why": {},
	"who": {}, "not": {}, "does": {}, "did": {}, "doesn": {}, "don": {}, "isn": {},
	"aren": {}, "wasn": {}, "weren": {}, "cannot": {}, "never": {}, "nor": {}, "but": {},
	"per": {}, "via": {}, "one": {}, "two": {}, "new": {},
}

var negations = map[string]struct{}{
	"not": {}, "no": {}, "never": {}, "cannot": {}, "doesn": {}, "don": {}, "isn": {},
	"aren": {}, "wasn": {}, "weren": {}, "fails": {}, "failed": {}, "nor": {}, "without": {},
	"neither": {}, "unlikely": {}, "false": {},
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokens returns the content words of s: lowercased, stopwords and very
// short words removed.
func tokens(s string) []string {
	return lo.Filter(words(s), func(w string, _ int) bool {
		if len([]rune(w)) < 3 {
			return false
		}
		_, stop := stopwords[w]
		return !stop
	})
}

type tokenSet map[string]struct{}

func newTokenSet(s string) tokenSet {
	set := make(tokenSet)
	for _, t := range tokens(s) {
		set[t] = struct{}{}
	}
	return set
}

func jaccard(a, b tokenSet) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// coverage is the share of a's tokens that also appear in b.
func coverage(a, b tokenSet) float64 {
	if len(a) == 0 {
		return 0
	}
	hit := 0
	for t := range a {
		if _, ok := b[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(a))
}

func negated(s string) bool {
	for _, w := range words(s) {
		if _, ok := negations[w]; ok {
			return true
		}
	}
	return false
}

// sentences splits text on terminal punctuation followed by whitespace.
func sentences(text string) []string {
	text = strings.Join(strings.Fields(text), " ")
	var out []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && runes[i+1] != ' ' {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

// leadSentence returns the first sentence with at least three content words.
func leadSentence(text string) string {
	all := sentences(text)
	for _, s := range all {
		if len(tokens(s)) >= 3 {
			return s
		}
	}
	if len(all) > 0 {
		return all[0]
	}
	return ""
}

// clip shortens s to at most max runes, cutting at the last whitespace
// when there is one and marking the cut with "...".
func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return strings.Repeat(".", max)
	}
	cut := max - 3
	for i := cut - 1; i > 0; i-- {
		if unicode.IsSpace(runes[i]) {
			cut = i
			break
		}
	}
	return strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace) + "..."
}
