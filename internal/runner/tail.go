package runner

import "strings"

// Tail returns the last n lines of text. n <= 0 returns text unchanged.
func Tail(text string, n int) string {
	if n <= 0 || text == "" {
		return text
	}
	trimmed := strings.TrimRight(text, "\n")
	lines := strings.Split(trimmed, "\n")
	if len(lines) <= n {
		return trimmed
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
