// Package contact normalizes contact fields returned by the extraction model.
package contact

import (
	"regexp"
	"strings"
)

var emailPattern = regexp.MustCompile(`[\w.-]+@[\w.-]+\.\w+`)

// Normalize cleans a raw contact field while preserving email addresses.
// Empty input becomes "Unknown". When plain addresses are present, their
// "[at]"-obfuscated and entity-encoded forms elsewhere in the text are
// replaced with the plain address, because the model sometimes reproduces
// the obfuscation it saw on the page instead of the literal email.
func Normalize(raw string) string {
	if raw == "" {
		return "Unknown"
	}

	emails := emailPattern.FindAllString(raw, -1)

	cleaned := strings.ReplaceAll(raw, `\n`, " ")
	cleaned = collapseWhitespace(cleaned)
	if len(emails) == 0 {
		return cleaned
	}

	for _, email := range emails {
		obfuscated := strings.ReplaceAll(email, "@", "[at]")
		cleaned = strings.ReplaceAll(cleaned, obfuscated, email)
		encoded := strings.ReplaceAll(email, "@", "&#64;")
		cleaned = strings.ReplaceAll(cleaned, encoded, email)
	}
	return cleaned
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
