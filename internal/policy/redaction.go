// Package policy masks sensitive content before transcripts leave the
// process.
package policy

import "regexp"

// Category names one class of masked content.
type Category string

const (
	CategoryEmail  Category = "email"
	CategoryCard   Category = "card"
	CategoryPhone  Category = "phone"
	CategorySecret Category = "secret"
)

type rule struct {
	category    Category
	pattern     *regexp.Regexp
	replacement string
}

// Rules run in order: cards before phones so long digit runs are not
// classified as phone numbers, secrets first so keys never reach the
// other patterns.
var rules = []rule{
	{CategorySecret, regexp.MustCompile(`\b(?:sk|ek|rk)[-_][A-Za-z0-9_\-]{16,}\b`), "[REDACTED_SECRET]"},
	{CategoryEmail, regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{CategoryCard, regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{CategoryPhone, regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// Redact masks every known category and reports which ones matched.
func Redact(input string) (string, []Category) {
	out := input
	var hits []Category
	for _, r := range rules {
		next := r.pattern.ReplaceAllString(out, r.replacement)
		if next != out {
			hits = append(hits, r.category)
			out = next
		}
	}
	return out, hits
}

// RedactPII is Redact without the category detail.
func RedactPII(input string) (redacted string, changed bool) {
	out, hits := Redact(input)
	return out, len(hits) > 0
}
