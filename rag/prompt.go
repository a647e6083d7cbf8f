package rag

import (
	"fmt"
	"strings"
)

const defaultContextHeader = "Relevant context:"

// ApplyLimits drops documents under the score floor, caps the count, and
// truncates content to the configured document and total lengths.
func ApplyLimits(in Result, cfg Config) Result {
	out := Result{Query: in.Query, Summary: in.Summary}
	minScore := cfg.MinScoreOrDefault()
	maxResults := cfg.MaxResultsOrDefault()
	remaining := cfg.MaxTotalContentLength

	for _, d := range in.Documents {
		if len(out.Documents) >= maxResults {
			break
		}
		if d.Score < minScore {
			continue
		}
		if cfg.HasDocumentLengthLimit() {
			d.Content = truncateRunes(d.Content, cfg.MaxDocumentLength)
		}
		if cfg.HasTotalContentLengthLimit() {
			if remaining <= 0 {
				break
			}
			d.Content = truncateRunes(d.Content, remaining)
			remaining -= len([]rune(d.Content))
		}
		out.Documents = append(out.Documents, d)
	}
	return out
}

// FormatContext renders retrieved documents as a block suitable for a system
// prompt. It returns "" when nothing should be injected.
func FormatContext(res Result, cfg Config) string {
	if res.Empty() || !cfg.IncludeInPromptOrDefault() {
		return ""
	}
	if cfg.EnableSmartSummary && strings.TrimSpace(res.Summary) != "" {
		return defaultContextHeader + "\n" + res.Summary + "\n"
	}

	var sb strings.Builder
	sb.WriteString(defaultContextHeader)
	sb.WriteString("\n")
	for i, d := range res.Documents {
		sb.WriteString(fmt.Sprintf("\n[%d]", i+1))
		if d.DocName != "" {
			sb.WriteString(" [" + d.DocName + "]")
		}
		sb.WriteString(fmt.Sprintf(" (score: %.2f)\n%s\n", d.Score, d.Content))
	}
	return sb.String()
}

// Summary concatenates document contents when the retriever provided none.
func Summary(res Result) string {
	if strings.TrimSpace(res.Summary) != "" {
		return res.Summary
	}
	var sb strings.Builder
	for _, d := range res.Documents {
		if d.Content != "" {
			sb.WriteString(d.Content)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
