package app

import (
	"regexp"
	"strings"
)

var unsafeMarkdown = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)\bon\w+\s*=`),
}

// sanitizeMarkdown strips script blocks, javascript: URLs and inline event
// handlers until none remain, so removals cannot splice a new match
// together. Everything else, markdown included, is kept as written.
func sanitizeMarkdown(text string) string {
	for {
		stripped := text
		for _, pattern := range unsafeMarkdown {
			stripped = pattern.ReplaceAllString(stripped, "")
		}
		if stripped == text {
			return strings.TrimSpace(text)
		}
		text = stripped
	}
}
