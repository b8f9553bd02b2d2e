package formatting

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Kocoro-lab/research-orchestrator/internal/knowledge"
)

func TestFormatReportWithCitations(t *testing.T) {
	body := "Finding one [1].\n\n## Sources\nold list"
	out := FormatReportWithCitations(body, "[2] Two\n[1] One\n")
	assert.NotContains(t, out, "old list")
	assert.True(t, strings.HasSuffix(out, "## Sources\n[1] One - Used inline\n[2] Two - Additional source"))

	assert.Equal(t, "plain", FormatReportWithCitations("plain", ""))
	assert.Equal(t, "", FormatReportWithCitations("", "[1] x"))
}

func TestCredibilityLabel(t *testing.T) {
	assert.Equal(t, "High Credibility", CredibilityLabel(0.9))
	assert.Equal(t, "Medium Credibility", CredibilityLabel(0.7))
	assert.Equal(t, "Standard Credibility", CredibilityLabel(0.6))
}

func TestMarkdown(t *testing.T) {
	a := knowledge.SourceRecord{Title: "Carbon pricing", URL: "https://a.example", ContentHash: "h1", Credibility: 0.9}
	b := knowledge.SourceRecord{Title: "Taxes", URL: "https://b.example", ContentHash: "h2", Credibility: 0.5}
	rep := &knowledge.Report{
		Query:   "climate change mitigation",
		Summary: &knowledge.ReportSection{Kind: knowledge.SectionSummary, Body: "Two findings."},
		Sections: []knowledge.ReportSection{
			{Kind: knowledge.SectionFinding, Heading: "Pricing works", Body: "Carbon pricing cuts emissions.", Confidence: 0.72, Citations: []knowledge.SourceRecord{a, b}},
			{Kind: knowledge.SectionFinding, Heading: "Industry responds", Body: "Steel responds fastest.", Confidence: 0.5, Citations: []knowledge.SourceRecord{a}},
		},
		Caveats:         []string{"Limited high-credibility sources"},
		Completeness:    knowledge.CompletenessPartial,
		DegradedReasons: []string{"gathering: 1 of 2 search calls failed"},
	}

	md := Markdown(rep)
	assert.True(t, strings.HasPrefix(md, "# Research Report: climate change mitigation\n"))
	assert.Contains(t, md, "> **Partial report.**")
	assert.Contains(t, md, "> - gathering: 1 of 2 search calls failed")
	assert.Contains(t, md, "## Executive Summary\n\nTwo findings.")
	assert.Contains(t, md, "### Pricing works\n\nCarbon pricing cuts emissions. [1][2]")
	assert.Contains(t, md, "Steel responds fastest. [1]")
	assert.Contains(t, md, "_Confidence: 72%_")
	assert.Contains(t, md, "## Caveats\n\n- Limited high-credibility sources")
	assert.Contains(t, md, "[1] Carbon pricing (https://a.example) - High Credibility - Used inline")
	assert.Contains(t, md, "[2] Taxes (https://b.example) - Standard Credibility - Used inline")
	assert.Equal(t, 1, strings.Count(md, "## Sources"))
}

func TestMarkdownWithoutFindings(t *testing.T) {
	rep := &knowledge.Report{
		Query:        "q",
		Sections:     []knowledge.ReportSection{{Kind: knowledge.SectionNotice, Heading: "Insufficient validated findings", Body: "Nothing held up."}},
		Completeness: knowledge.CompletenessFull,
	}
	md := Markdown(rep)
	assert.Contains(t, md, "### Insufficient validated findings")
	assert.NotContains(t, md, "Confidence")
	assert.NotContains(t, md, "## Sources")
}
