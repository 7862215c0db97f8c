package tracker

import "strings"

// MarkdownToRichText converts markdown into the tracker's rich-text
// document structure (versioned doc with paragraph, heading and bullet
// list nodes). Deliberately small: paragraphs, #/## headings and "-"
// bullets cover what drafts produce.
func MarkdownToRichText(md string) map[string]any {
	var content []map[string]any
	var bullets []map[string]any

	flushBullets := func() {
		if len(bullets) == 0 {
			return
		}
		content = append(content, map[string]any{
			"type":    "bulletList",
			"content": bullets,
		})
		bullets = nil
	}

	for _, block := range strings.Split(md, "\n") {
		line := strings.TrimRight(block, " \t")
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			flushBullets()
		case strings.HasPrefix(trimmed, "- "), strings.HasPrefix(trimmed, "* "):
			bullets = append(bullets, map[string]any{
				"type": "listItem",
				"content": []map[string]any{
					paragraph(strings.TrimSpace(trimmed[2:])),
				},
			})
		case strings.HasPrefix(trimmed, "#"):
			flushBullets()
			level := 0
			for level < len(trimmed) && trimmed[level] == '#' {
				level++
			}
			if level > 6 {
				level = 6
			}
			content = append(content, map[string]any{
				"type":    "heading",
				"attrs":   map[string]any{"level": level},
				"content": textNodes(strings.TrimSpace(trimmed[level:])),
			})
		default:
			flushBullets()
			content = append(content, paragraph(trimmed))
		}
	}
	flushBullets()

	return map[string]any{
		"type":    "doc",
		"version": 1,
		"content": content,
	}
}

func paragraph(text string) map[string]any {
	return map[string]any{
		"type":    "paragraph",
		"content": textNodes(text),
	}
}

func textNodes(text string) []map[string]any {
	if text == "" {
		return nil
	}
	return []map[string]any{{"type": "text", "text": text}}
}
