package harness

import (
	"fmt"
	"regexp"
	"strings"
)

// Extractor locates the first fenced code block tagged with a language.
type Extractor struct {
	lang    string
	pattern *regexp.Regexp
}

// NewExtractor creates an extractor for blocks tagged with lang (e.g. "python").
func NewExtractor(lang string) *Extractor {
	// Opening fence: ```lang, optional trailing blanks, newline. Body is lazy up to the next fence.
	expr := fmt.Sprintf("(?s)```%s[ \\t]*\\r?\\n(.*?)```", regexp.QuoteMeta(lang))
	return &Extractor{
		lang:    lang,
		pattern: regexp.MustCompile(expr),
	}
}

// Language returns the fence tag this extractor matches.
func (e *Extractor) Language() string { return e.lang }

// Extract returns the body of the first tagged block.
// An unterminated or whitespace-only block is reported as absent.
func (e *Extractor) Extract(text string) (string, bool) {
	m := e.pattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	code := strings.TrimRight(m[1], "\r\n")
	if strings.TrimSpace(code) == "" {
		return "", false
	}
	return code, true
}

// Fence wraps code in a block tagged with the extractor's language.
func (e *Extractor) Fence(code string) string {
	return "```" + e.lang + "\n" + code + "\n```"
}
