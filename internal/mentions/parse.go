// Package mentions extracts @email mentions from comment text and resolves
// them to partner identities.
package mentions

import "regexp"

var mentionPattern = regexp.MustCompile(`@([a-zA-Z0-9._-]+@[a-zA-Z0-9._-]+\.[a-zA-Z0-9_-]+)`)

// Parse returns the distinct emails mentioned in text, in order of first
// appearance. Matching is case-sensitive.
func Parse(text string) []string {
	if text == "" {
		return nil
	}
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]struct{}, len(matches))
	emails := make([]string, 0, len(matches))
	for _, m := range matches {
		email := m[1]
		if _, ok := seen[email]; ok {
			continue
		}
		seen[email] = struct{}{}
		emails = append(emails, email)
	}
	return emails
}
