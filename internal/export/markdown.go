package export

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// MarkdownToHTML converts article markdown to HTML for the export
// template. It covers the subset curators actually write: headings,
// paragraphs, lists, blockquotes, fenced code, rules, and the inline
// marks handled by renderInline.
func MarkdownToHTML(markdown string) string {
	lines := strings.Split(strings.ReplaceAll(markdown, "\r\n", "\n"), "\n")

	var out strings.Builder
	var paragraph []string
	listTag := ""
	inCode := false

	flushParagraph := func() {
		if len(paragraph) == 0 {
			return
		}
		out.WriteString("<p>" + renderInline(strings.Join(paragraph, " ")) + "</p>\n")
		paragraph = nil
	}
	closeList := func() {
		if listTag != "" {
			out.WriteString("</" + listTag + ">\n")
			listTag = ""
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") {
			flushParagraph()
			closeList()
			if inCode {
				out.WriteString("</code></pre>\n")
			} else {
				out.WriteString("<pre><code>")
			}
			inCode = !inCode
			continue
		}
		if inCode {
			out.WriteString(html.EscapeString(line) + "\n")
			continue
		}

		switch {
		case trimmed == "":
			flushParagraph()
			closeList()
		case trimmed == "---" || trimmed == "***":
			flushParagraph()
			closeList()
			out.WriteString("<hr>\n")
		case strings.HasPrefix(trimmed, "#"):
			flushParagraph()
			closeList()
			level := 0
			for level < len(trimmed) && trimmed[level] == '#' && level < 6 {
				level++
			}
			text := strings.TrimSpace(trimmed[level:])
			out.WriteString(fmt.Sprintf("<h%d>%s</h%d>\n", level, renderInline(text), level))
		case strings.HasPrefix(trimmed, "> "):
			flushParagraph()
			closeList()
			out.WriteString("<blockquote><p>" + renderInline(trimmed[2:]) + "</p></blockquote>\n")
		case strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* "):
			flushParagraph()
			if listTag != "ul" {
				closeList()
				out.WriteString("<ul>\n")
				listTag = "ul"
			}
			out.WriteString("<li>" + renderInline(trimmed[2:]) + "</li>\n")
		case orderedItem.MatchString(trimmed):
			flushParagraph()
			if listTag != "ol" {
				closeList()
				out.WriteString("<ol>\n")
				listTag = "ol"
			}
			out.WriteString("<li>" + renderInline(orderedItem.ReplaceAllString(trimmed, "")) + "</li>\n")
		default:
			paragraph = append(paragraph, trimmed)
		}
	}
	flushParagraph()
	closeList()
	if inCode {
		out.WriteString("</code></pre>\n")
	}
	return out.String()
}

var (
	orderedItem = regexp.MustCompile(`^\d+\.\s+`)
	inlineImage = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]+)\)`)
	inlineLink  = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	inlineBold  = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	inlineEm    = regexp.MustCompile(`\*([^*]+)\*|_([^_]+)_`)
	inlineCode  = regexp.MustCompile("`([^`]+)`")
)

// renderInline escapes the text and then applies inline marks. The
// replacements run on escaped text, so mark payloads stay escaped.
func renderInline(text string) string {
	escaped := html.EscapeString(text)

	escaped = inlineImage.ReplaceAllString(escaped, `<img src="$2" alt="$1">`)
	escaped = inlineLink.ReplaceAllString(escaped, `<a href="$2">$1</a>`)
	escaped = inlineCode.ReplaceAllString(escaped, "<code>$1</code>")
	escaped = inlineBold.ReplaceAllString(escaped, "<strong>$1</strong>")
	escaped = inlineEm.ReplaceAllStringFunc(escaped, func(match string) string {
		inner := strings.Trim(match, "*_")
		return "<em>" + inner + "</em>"
	})
	return escaped
}
