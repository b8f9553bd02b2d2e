package formatting

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Kocoro-lab/research-orchestrator/internal/knowledge"
)

var citationRe = regexp.MustCompile(`\[(\d{1,3})\]`)

// FormatReportWithCitations ensures that the report ends with a Sources
// section listing every citation. It removes any existing "## Sources"
// section and rebuilds it from citationsList (one "[n] ..." line per
// source), marking which sources were referenced inline.
func FormatReportWithCitations(body string, citationsList string) string {
	s := strings.TrimSpace(body)
	if s == "" {
		return body
	}

	cut := s
	if idx := strings.LastIndex(strings.ToLower(s), "## sources"); idx != -1 {
		cut = strings.TrimSpace(s[:idx])
	}

	used := map[int]bool{}
	for _, m := range citationRe.FindAllStringSubmatch(cut, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			used[n] = true
		}
	}

	var rebuilt []string
	for _, ln := range strings.Split(strings.TrimSpace(citationsList), "\n") {
		t := strings.TrimSpace(ln)
		if t == "" {
			continue
		}
		label := "Additional source"
		if used[leadingIndex(t)] {
			label = "Used inline"
		}
		rebuilt = append(rebuilt, t+" - "+label)
	}
	if len(rebuilt) == 0 {
		return cut
	}
	sort.SliceStable(rebuilt, func(i, j int) bool { return leadingIndex(rebuilt[i]) < leadingIndex(rebuilt[j]) })

	var b strings.Builder
	b.WriteString(strings.TrimRight(cut, "\n"))
	b.WriteString("\n\n## Sources\n")
	b.WriteString(strings.Join(rebuilt, "\n"))
	return b.String()
}

func leadingIndex(s string) int {
	if m := citationRe.FindStringSubmatch(s); len(m) == 2 {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

// CredibilityLabel buckets a source credibility score.
func CredibilityLabel(score float64) string {
	switch {
	case score > 0.8:
		return "High Credibility"
	case score > 0.6:
		return "Medium Credibility"
	default:
		return "Standard Credibility"
	}
}

// Markdown renders a report as a Markdown document. Citations are numbered
// in order of first use across findings.
func Markdown(rep *knowledge.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Research Report: %s\n\n", rep.Query)
	if rep.Partial() {
		b.WriteString("> **Partial report.** Some research phases were degraded.\n")
		for _, r := range rep.DegradedReasons {
			fmt.Fprintf(&b, "> - %s\n", r)
		}
		b.WriteString("\n")
	}

	if rep.Summary != nil {
		b.WriteString("## Executive Summary\n\n")
		b.WriteString(strings.TrimSpace(rep.Summary.Body))
		b.WriteString("\n\n")
	}

	index := map[string]int{}
	var sources []string
	cite := func(src knowledge.SourceRecord) int {
		key := src.ContentHash
		if key == "" {
			key = src.URL
		}
		if n, ok := index[key]; ok {
			return n
		}
		n := len(sources) + 1
		index[key] = n
		title := src.Title
		if title == "" {
			title = src.URL
		}
		line := fmt.Sprintf("[%d] %s", n, title)
		if src.URL != "" && src.URL != title {
			line += " (" + src.URL + ")"
		}
		line += " - " + CredibilityLabel(src.Credibility)
		sources = append(sources, line)
		return n
	}

	if len(rep.Sections) > 0 {
		b.WriteString("## Key Findings\n\n")
	}
	for _, sec := range rep.Sections {
		fmt.Fprintf(&b, "### %s\n\n", sec.Heading)
		body := strings.TrimSpace(sec.Body)
		if len(sec.Citations) > 0 {
			refs := make([]string, 0, len(sec.Citations))
			for _, c := range sec.Citations {
				refs = append(refs, fmt.Sprintf("[%d]", cite(c)))
			}
			body += " " + strings.Join(refs, "")
		}
		b.WriteString(body)
		if sec.Kind == knowledge.SectionFinding {
			fmt.Fprintf(&b, "\n\n_Confidence: %.0f%%_", sec.Confidence*100)
		}
		b.WriteString("\n\n")
	}

	if len(rep.Caveats) > 0 {
		b.WriteString("## Caveats\n\n")
		for _, c := range rep.Caveats {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}

	return FormatReportWithCitations(b.String(), strings.Join(sources, "\n")) + "\n"
}
