package patch

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var (
	ErrEmptyPatch    = errors.New("patch is empty")
	ErrProtectedPath = errors.New("patch touches a protected path")
	ErrRiskyPattern  = errors.New("patch matches a risky pattern")
	ErrTooLarge      = errors.New("patch exceeds the changed-line limit")
)

// Guard rejects unsafe candidates before anything touches the tree
type Guard struct {
	prefixes []string
	risky    []*regexp.Regexp
	maxLines int
}

// NewGuard compiles the risky patterns. maxLines <= 0 disables the size check.
func NewGuard(protectedPrefixes, riskyPatterns []string, maxLines int) (*Guard, error) {
	g := &Guard{maxLines: maxLines}
	for _, p := range protectedPrefixes {
		if p = normalizePath(p); p != "" {
			g.prefixes = append(g.prefixes, p)
		}
	}
	for _, p := range riskyPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("risky pattern %q: %w", p, err)
		}
		g.risky = append(g.risky, re)
	}
	return g, nil
}

// Check returns nil when the diff is safe to apply. Paths are compared
// after stripping the first component, which is what the applier does.
func (g *Guard) Check(diff string) error {
	if strings.TrimSpace(diff) == "" {
		return ErrEmptyPatch
	}
	d, err := ParseDiff(diff)
	if err != nil {
		return err
	}
	if n := d.ChangedLines(); g.maxLines > 0 && n > g.maxLines {
		return fmt.Errorf("%w: %d changed lines, limit %d", ErrTooLarge, n, g.maxLines)
	}
	if hits := g.protected(d.names()); len(hits) > 0 {
		return fmt.Errorf("%w: %s", ErrProtectedPath, strings.Join(hits, ", "))
	}
	for _, re := range g.risky {
		if re.MatchString(diff) {
			return fmt.Errorf("%w: %s", ErrRiskyPattern, re.String())
		}
	}
	return nil
}

func (g *Guard) protected(paths []string) []string {
	var hits []string
	for _, p := range paths {
		for _, prefix := range g.prefixes {
			if strings.HasPrefix(p, prefix) {
				hits = append(hits, p)
				break
			}
		}
	}
	slices.Sort(hits)
	return slices.Compact(hits)
}
