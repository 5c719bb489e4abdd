package retrieve

import (
	"strings"
)

// extractText pulls readable text out of a response body. HTML bodies
// are stripped of markup, script, and style content; anything else is
// treated as plain text.
func extractText(body, contentType string) (text, title string) {
	if !strings.Contains(contentType, "html") && !looksLikeHTML(body) {
		return normalizeWhitespace(body), ""
	}
	return stripHTML(body)
}

func looksLikeHTML(body string) bool {
	head := body
	if len(head) > 512 {
		head = head[:512]
	}
	head = strings.ToLower(head)
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

// stripHTML removes tags and the contents of script and style elements,
// capturing the document title along the way. A full DOM parse is
// deliberately out of scope: summarization tolerates residual markup
// noise far better than it tolerates a missing page.
func stripHTML(body string) (text, title string) {
	var (
		b         strings.Builder
		inTag     bool
		skipUntil string
		tagStart  int
	)
	lower := strings.ToLower(body)

	for i := 0; i < len(body); i++ {
		c := body[i]

		if skipUntil != "" {
			if c == '<' && strings.HasPrefix(lower[i:], skipUntil) {
				skipUntil = ""
				inTag = true
				tagStart = i
			}
			continue
		}

		switch {
		case c == '<':
			inTag = true
			tagStart = i
		case c == '>' && inTag:
			inTag = false
			tag := lower[tagStart+1 : i]
			switch {
			case strings.HasPrefix(tag, "script"):
				skipUntil = "</script"
			case strings.HasPrefix(tag, "style"):
				skipUntil = "</style"
			case strings.HasPrefix(tag, "title"):
				if end := strings.Index(lower[i:], "</title"); end > 0 {
					title = strings.TrimSpace(body[i+1 : i+end])
				}
			case isBlockTag(tag):
				b.WriteByte('\n')
			}
		case !inTag:
			b.WriteByte(c)
		}
	}

	return normalizeWhitespace(unescapeEntities(b.String())), title
}

func isBlockTag(tag string) bool {
	tag = strings.TrimPrefix(tag, "/")
	for _, t := range []string{"p", "div", "br", "li", "h1", "h2", "h3", "h4", "h5", "h6", "tr", "section", "article"} {
		if tag == t || strings.HasPrefix(tag, t+" ") || strings.HasPrefix(tag, t+"/") {
			return true
		}
	}
	return false
}

var entityReplacer = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&apos;", "'",
	"&nbsp;", " ",
)

func unescapeEntities(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	return entityReplacer.Replace(s)
}

// normalizeWhitespace collapses runs of whitespace so word counts and
// checksums are stable across formatting-only changes at the origin.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
