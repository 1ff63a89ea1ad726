package commitmsg

import (
	"fmt"
	"regexp"
	"strings"
)

var metaPrefixes = []string{"now i ", "i ", "here is", "here's", "the diff", "this diff"}

var promptReference = regexp.MustCompile(`\b(?:the|this|your|our)\s+commit message\b|your commit|the diff shows`)

// Validate returns why summary is not an acceptable subject line, or "".
func Validate(summary string, maxLen int) string {
	s := strings.TrimSpace(summary)
	lower := strings.ToLower(s)
	switch {
	case s == "":
		return "commit summary was blank"
	case len(s) > maxLen:
		return fmt.Sprintf("commit summary exceeded %d characters (%d)", maxLen, len(s))
	case strings.Contains(s, ". "):
		return "commit summary contained multiple sentences; use one concise line"
	case strings.HasSuffix(s, ".") || strings.HasSuffix(s, "!") || strings.HasSuffix(s, "?"):
		return "commit summary must not end with punctuation"
	case promptReference.MatchString(lower):
		return "commit summary referenced the prompt instead of the change"
	}
	for _, p := range metaPrefixes {
		if strings.HasPrefix(lower, p) {
			return "commit summary used meta commentary instead of describing the change"
		}
	}
	return ""
}

// Normalize forces summary into shape: first sentence of the first line,
// no trailing punctuation or quotes, cut at a word boundary to maxLen.
func Normalize(summary string, maxLen int) string {
	s := strings.Trim(firstLine(summary), "\"'` ")
	if i := strings.Index(s, ". "); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimRight(s, ".!?:; ")
	if len(s) > maxLen {
		cut := s[:maxLen]
		if i := strings.LastIndexByte(cut, ' '); i > 0 {
			cut = cut[:i]
		}
		s = strings.TrimRight(cut, ",.;:!? ")
	}
	return s
}
