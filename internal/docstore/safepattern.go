package docstore

import (
	"regexp"
	"strings"
)

var tokenSplitPattern = regexp.MustCompile(`\s+`)

// BuildSafePattern tokenizes query, regex-escapes every token, caps the
// token count at maxTokens, and joins the escaped tokens with alternation.
// It never concatenates raw user input into a single complex regex, the
// ReDoS defense required of keyword queries (§4.9).
func BuildSafePattern(query string, maxTokens int) (*regexp.Regexp, []string) {
	if maxTokens <= 0 {
		maxTokens = 16
	}
	raw := tokenSplitPattern.Split(strings.TrimSpace(query), -1)
	tokens := make([]string, 0, len(raw))
	for _, t := range raw {
		if t == "" {
			continue
		}
		tokens = append(tokens, t)
		if len(tokens) >= maxTokens {
			break
		}
	}
	if len(tokens) == 0 {
		return nil, nil
	}

	escaped := make([]string, len(tokens))
	for i, t := range tokens {
		escaped[i] = regexp.QuoteMeta(t)
	}
	// Each alternative is bounded and pre-escaped; alternation across
	// independently-quoted tokens cannot backtrack catastrophically.
	pattern := "(?i)(" + strings.Join(escaped, "|") + ")"
	return regexp.MustCompile(pattern), tokens
}
