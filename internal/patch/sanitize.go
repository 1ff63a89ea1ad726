package patch

import (
	"regexp"
	"strings"
)

var indexLine = regexp.MustCompile(`^index ([0-9A-Za-z]+)\.\.([0-9A-Za-z]+)( [0-7]{6})?\s*$`)

var placeholderHashes = []string{"abc1234", "deadbeef", "0000000", "1234567", "xxxxxxx", "fffffff"}

const hexDigits = "0123456789abcdef"

// Sanitize drops index lines whose hash pair looks made up. Path and hunk
// lines are never touched. The result ends with a newline and
// Sanitize(Sanitize(d)) == Sanitize(d).
func Sanitize(diff string) string {
	if strings.TrimSpace(diff) == "" {
		return ""
	}
	lines := strings.Split(strings.TrimRight(diff, "\n"), "\n")
	out := lines[:0]
	for _, line := range lines {
		if m := indexLine.FindStringSubmatch(line); m != nil && (FabricatedHash(m[1]) || FabricatedHash(m[2])) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n") + "\n"
}

// FabricatedHash reports whether an abbreviated blob hash is too short,
// uniform, sequential or a known placeholder.
func FabricatedHash(h string) bool {
	h = strings.ToLower(h)
	if len(h) < 7 {
		return true
	}
	for _, p := range placeholderHashes {
		if strings.HasPrefix(h, p) {
			return true
		}
	}
	if strings.Count(h, h[:1]) == len(h) {
		return true
	}
	return sequential(h, 1) || sequential(h, -1)
}

// sequential reports whether every character is step away from the previous
// one in hex order, wrapping around.
func sequential(h string, step int) bool {
	prev := strings.IndexByte(hexDigits, h[0])
	if prev < 0 {
		return false
	}
	for i := 1; i < len(h); i++ {
		cur := strings.IndexByte(hexDigits, h[i])
		if cur < 0 || cur != (prev+step+len(hexDigits))%len(hexDigits) {
			return false
		}
		prev = cur
	}
	return true
}
