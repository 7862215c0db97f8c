package tracker

import (
	"strings"

	"runway/internal/domain"
)

// fieldMappings is the fixed projection from canonical draft fields to
// external field paths. Unmapped canonical fields are dropped silently;
// this is a best-effort projection, not a validation failure.
var fieldMappings = []struct {
	canonical string
	path      string
	value     func(domain.CanonicalDraft) (any, bool)
}{
	{"summary", "fields.summary", func(d domain.CanonicalDraft) (any, bool) {
		return d.Summary, d.Summary != ""
	}},
	{"descriptionMd", "fields.description", func(d domain.CanonicalDraft) (any, bool) {
		if d.DescriptionMd == "" && len(d.AcceptanceCriteria) == 0 {
			return nil, false
		}
		md := d.DescriptionMd
		if len(d.AcceptanceCriteria) > 0 {
			var b strings.Builder
			b.WriteString(md)
			if md != "" {
				b.WriteString("\n\n")
			}
			b.WriteString("## Acceptance Criteria\n")
			for _, c := range d.AcceptanceCriteria {
				b.WriteString("- " + c + "\n")
			}
			md = b.String()
		}
		return MarkdownToRichText(md), true
	}},
	{"issueType", "fields.issuetype.name", func(d domain.CanonicalDraft) (any, bool) {
		return d.IssueType, d.IssueType != ""
	}},
	{"projectKey", "fields.project.key", func(d domain.CanonicalDraft) (any, bool) {
		return d.ProjectKey, d.ProjectKey != ""
	}},
	{"priority", "fields.priority.name", func(d domain.CanonicalDraft) (any, bool) {
		return priorityName(d.Priority)
	}},
	{"labels", "fields.labels", func(d domain.CanonicalDraft) (any, bool) {
		return d.Labels, len(d.Labels) > 0
	}},
	{"components", "fields.components[].name", func(d domain.CanonicalDraft) (any, bool) {
		if len(d.Components) == 0 {
			return nil, false
		}
		out := make([]map[string]any, 0, len(d.Components))
		for _, c := range d.Components {
			out = append(out, map[string]any{"name": c})
		}
		return out, true
	}},
	{"dueDate", "fields.duedate", func(d domain.CanonicalDraft) (any, bool) {
		return d.DueDate, d.DueDate != ""
	}},
}

// priorityName maps canonical P0..P3 to tracker priority names.
func priorityName(p domain.Priority) (any, bool) {
	switch p {
	case domain.PriorityP0:
		return "Highest", true
	case domain.PriorityP1:
		return "High", true
	case domain.PriorityP2:
		return "Medium", true
	case domain.PriorityP3:
		return "Low", true
	}
	return nil, false
}

// BuildFields projects a canonical draft onto the external field
// structure. The returned map nests under the path segments, with a
// trailing "[]" segment already expanded by the value function.
func BuildFields(d domain.CanonicalDraft) map[string]any {
	out := map[string]any{}
	for _, m := range fieldMappings {
		v, ok := m.value(d)
		if !ok {
			continue
		}
		setPath(out, m.path, v)
	}
	return out
}

func setPath(root map[string]any, path string, value any) {
	segs := strings.Split(path, ".")
	cur := root
	for i, seg := range segs {
		// An array segment terminates the walk: the value function has
		// already expanded the per-element tail of the path.
		if array := strings.HasSuffix(seg, "[]"); array || i == len(segs)-1 {
			cur[strings.TrimSuffix(seg, "[]")] = value
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
}
