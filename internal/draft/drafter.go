package draft

import (
	"context"
	"fmt"
	"strings"

	"runway/internal/domain"
)

// TemplateDrafter is the built-in rule-based drafting function. It
// extracts a summary and acceptance criteria from the trigger text with
// simple heuristics and scores confidence by how much structure it
// found. An LLM-backed Drafter can be swapped in without touching the
// loop.
type TemplateDrafter struct {
	ProjectKey string
	IssueType  string
}

func (t TemplateDrafter) Draft(ctx context.Context, source SourceMaterial) (Result, error) {
	if strings.TrimSpace(source.Text) == "" {
		return Result{}, fmt.Errorf("empty source material")
	}
	lines := splitLines(source.Text)

	issueType := t.IssueType
	if issueType == "" {
		issueType = "Task"
	}
	d := domain.CanonicalDraft{
		ProjectKey: t.ProjectKey,
		IssueType:  issueType,
		Summary:    truncate(lines[0], 120),
		Priority:   domain.PriorityP2,
		Citations:  source.Citations,
	}

	var criteria []string
	var body []string
	for _, line := range lines[1:] {
		if item, ok := bulletItem(line); ok {
			criteria = append(criteria, item)
			continue
		}
		body = append(body, line)
	}
	if source.SummaryOnly {
		d.DescriptionMd = truncate(strings.Join(body, "\n"), 500)
	} else {
		d.DescriptionMd = strings.Join(body, "\n")
		d.AcceptanceCriteria = criteria
	}

	usage := usageFor(source.Text, d)
	return Result{Draft: d, TokenUsage: usage, Confidence: confidence(d, source)}, nil
}

func splitLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	if len(out) == 0 {
		out = []string{strings.TrimSpace(text)}
	}
	return out
}

func bulletItem(line string) (string, bool) {
	for _, prefix := range []string{"- ", "* ", "+ "} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(line[len(prefix):]), true
		}
	}
	return "", false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// confidence scores the draft by structure: a summary alone is weak,
// acceptance criteria and citations raise the score. Review feedback
// from earlier iterations cannot improve a rule-based draft, so the
// score is stable across iterations.
func confidence(d domain.CanonicalDraft, source SourceMaterial) float64 {
	score := 0.5
	if len(d.AcceptanceCriteria) > 0 {
		score += 0.2
	}
	if len(d.Citations) > 0 {
		score += 0.2
	}
	if len(d.DescriptionMd) > 40 {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

// usageFor approximates token counts at four characters per token.
func usageFor(input string, d domain.CanonicalDraft) domain.TokenUsage {
	prompt := len(input) / 4
	completion := (len(d.Summary) + len(d.DescriptionMd)) / 4
	return domain.TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}
