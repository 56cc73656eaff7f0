// Package sanitize implements C2, the input sanitizer and PII detector.
//
// Sanitize runs, in order: HTML/script stripping, removal of inline event
// handlers and data URIs, whitespace normalization, non-printable-byte
// removal, and length capping. Sanitize then scans the sanitized text for
// injection indicators in control position and for PII classes.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/koriath/raketh/internal/errs"
)

// PIIClass identifies a category of personally identifiable information.
type PIIClass string

const (
	PIIEmail          PIIClass = "email"
	PIINationalID     PIIClass = "national_id"
	PIIPaymentCard    PIIClass = "payment_card"
	PIIPhone          PIIClass = "phone"
	PIIPassport       PIIClass = "passport"
	PIIDateOfBirth    PIIClass = "date_of_birth"
)

var piiMatchers = []struct {
	class PIIClass
	re    *regexp.Regexp
}{
	{PIIEmail, regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)},
	{PIINationalID, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{PIIPaymentCard, regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)},
	{PIIPhone, regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?\(?\d{3}\)?[ .-]?\d{3}[ .-]?\d{4}\b`)},
	{PIIPassport, regexp.MustCompile(`\b[A-PR-WY][0-9]{6,9}\b`)},
	{PIIDateOfBirth, regexp.MustCompile(`\b(19|20)\d{2}[-/](0[1-9]|1[0-2])[-/](0[1-9]|[12]\d|3[01])\b`)},
}

// controlTokens are SQL-shaped and document-store-shaped operator tokens
// that are rejected only when they appear as a top-level field name or
// query operator (a "control position"), never merely within payload text.
var controlTokens = regexp.MustCompile(`(?i)^\s*(\$where|\$ne|\$gt|\$gte|\$lt|\$lte|\$regex|\$expr|;?\s*(drop|delete|update|insert)\s+|--|\bunion\s+select\b)`)

var (
	htmlTagPattern     = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</\s*\1\s*>`)
	anyTagPattern      = regexp.MustCompile(`(?s)<[^>]*>`)
	eventHandlerPattern = regexp.MustCompile(`(?i)\son[a-z]+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
	dataURIPattern     = regexp.MustCompile(`(?i)data:[a-z/+.\-]+;base64,[a-z0-9+/=]+`)
)

// Result is the outcome of Sanitize.
type Result struct {
	Sanitized  string
	Warnings   []string
	PIIClasses []PIIClass
}

// Config bounds sanitizer behavior.
type Config struct {
	MaxInputBytes int
}

// Sanitizer performs input cleaning and PII/injection detection.
type Sanitizer struct {
	cfg Config
}

// New constructs a Sanitizer.
func New(cfg Config) *Sanitizer {
	if cfg.MaxInputBytes <= 0 {
		cfg.MaxInputBytes = 10_000_000
	}
	return &Sanitizer{cfg: cfg}
}

// Sanitize cleans input and reports detected PII classes. It never rejects
// by itself for PII (policy is the caller's: ingest rejects, query logs and
// proceeds, per §4.2); it does reject (via error) when an injection
// indicator appears in control position.
func (s *Sanitizer) Sanitize(input string) (Result, error) {
	cleaned := htmlTagPattern.ReplaceAllString(input, "")
	cleaned = eventHandlerPattern.ReplaceAllString(cleaned, "")
	cleaned = dataURIPattern.ReplaceAllString(cleaned, "")
	cleaned = anyTagPattern.ReplaceAllString(cleaned, " ")
	cleaned = normalizeWhitespace(cleaned)
	cleaned = stripNonPrintable(cleaned)
	if len(cleaned) > s.cfg.MaxInputBytes {
		cleaned = cleaned[:s.cfg.MaxInputBytes]
	}

	if isControlPosition(cleaned) {
		return Result{}, errs.New(errs.KindValidation, "injection indicator in control position")
	}

	var warnings []string
	if cleaned != strings.TrimSpace(input) {
		warnings = append(warnings, "input was modified during sanitization")
	}

	classes := detectPII(cleaned)

	return Result{
		Sanitized:  cleaned,
		Warnings:   warnings,
		PIIClasses: classes,
	}, nil
}

// isControlPosition reports whether input begins with (after leading
// whitespace) an operator-shaped token, i.e. it is being used as a field
// name or query operator rather than appearing inside ordinary payload
// text.
func isControlPosition(input string) bool {
	return controlTokens.MatchString(input)
}

func stripNonPrintable(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.Is(unicode.C, r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func normalizeWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastWasSpace := false
	for _, r := range s {
		if unicode.Is(unicode.Zs, r) || r == '\t' {
			if !lastWasSpace {
				b.WriteRune(' ')
			}
			lastWasSpace = true
			continue
		}
		lastWasSpace = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

func detectPII(s string) []PIIClass {
	var classes []PIIClass
	for _, m := range piiMatchers {
		if m.re.MatchString(s) {
			classes = append(classes, m.class)
		}
	}
	return classes
}

// IsEmpty reports whether a sanitized result should be treated as rejection
// (all-whitespace or all-control-character input, per the §4.2 edge case).
func (r Result) IsEmpty() bool {
	return strings.TrimSpace(r.Sanitized) == ""
}
