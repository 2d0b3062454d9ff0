package contact_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/impactmap/entity-scraper/internal/contact"
)

func TestNormalizeEmptyInput(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Unknown", contact.Normalize(""))
}

func TestNormalizeRepairsObfuscatedEmail(t *testing.T) {
	t.Parallel()

	in := "Write to jane@example.com or jane[at]example.com for partnerships"
	out := contact.Normalize(in)

	assert.Equal(t, "Write to jane@example.com or jane@example.com for partnerships", out)
	assert.NotContains(t, out, "[at]")
}

func TestNormalizeRepairsEntityEncodedEmail(t *testing.T) {
	t.Parallel()

	in := "hello@picha.example.my (shown as hello&#64;picha.example.my on site)"
	out := contact.Normalize(in)

	assert.Equal(t, "hello@picha.example.my (shown as hello@picha.example.my on site)", out)
}

func TestNormalizeCollapsesWhitespaceAndEscapedNewlines(t *testing.T) {
	t.Parallel()

	out := contact.Normalize(`Reach us\nat   info@example.org  today`)

	assert.Equal(t, "Reach us at info@example.org today", out)
}

func TestNormalizeNoEmailFound(t *testing.T) {
	t.Parallel()

	out := contact.Normalize("Contact form only,\\nno email listed")

	assert.Equal(t, "Contact form only, no email listed", out)
}

func TestNormalizeObfuscatedOnlyFormIsLeftAlone(t *testing.T) {
	t.Parallel()

	// Without a plain address anywhere in the text there is nothing to
	// repair the obfuscated form against.
	out := contact.Normalize("jane[at]example.com")

	assert.Equal(t, "jane[at]example.com", out)
}

func TestNormalizePlainEmailPassesThrough(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "team@impact.example.com", contact.Normalize("team@impact.example.com"))
}
