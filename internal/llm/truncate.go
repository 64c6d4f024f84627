package llm

import "strings"

// estimateTokens approximates tokenizer output at 4 characters per token,
// the usual rule of thumb for English prose and markdown.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// truncateToBudget trims content to at most budget tokens, dropping whole
// sections from the end rather than cutting mid-sentence. Sections are
// markdown heading blocks; a document with no headings falls back to
// paragraphs, then to a hard character cut.
func truncateToBudget(content string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if estimateTokens(content) <= budget {
		return content
	}

	sections := splitSections(content)
	var b strings.Builder
	used := 0
	for _, sec := range sections {
		cost := estimateTokens(sec)
		if used+cost > budget {
			break
		}
		b.WriteString(sec)
		used += cost
	}

	// Pathological case: the first section alone blows the budget.
	if b.Len() == 0 {
		max := budget * 4
		if max > len(content) {
			max = len(content)
		}
		return content[:max]
	}
	return b.String()
}

// splitSections splits on markdown headings, keeping each heading with its
// body. Falls back to blank-line paragraphs when there are no headings.
func splitSections(content string) []string {
	lines := strings.SplitAfter(content, "\n")

	var sections []string
	var current strings.Builder
	sawHeading := false
	for _, line := range lines {
		if strings.HasPrefix(line, "#") && current.Len() > 0 {
			sawHeading = true
			sections = append(sections, current.String())
			current.Reset()
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		sections = append(sections, current.String())
	}
	if sawHeading {
		return sections
	}

	paras := strings.SplitAfter(content, "\n\n")
	if len(paras) > 1 {
		return paras
	}
	return sections
}
