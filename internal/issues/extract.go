// Package issues turns raw CI log text into an ordered list of discrete
// failure records.
package issues

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
	"github.com/hochfrequenz/ci-repair-loop/internal/runner"
)

// Options tunes extraction
type Options struct {
	// TailLines limits extraction to the end of the log. 0 scans everything.
	TailLines int
	// FallbackLines is the size of the opaque issue used when no rule matches.
	FallbackLines     int
	CoverageThreshold float64
}

// DefaultOptions mirrors the loop defaults
func DefaultOptions() Options {
	return Options{TailLines: 200, FallbackLines: 40, CoverageThreshold: 80}
}

// rule inspects lines starting at i. On a match it returns the issue and the
// number of lines it consumed (at least one).
type rule interface {
	match(lines []string, i int, opts Options) (domain.Issue, int, bool)
}

var rules = []rule{
	blockRule{},
	coverageRule{},
	locationRule{},
	failedTestRule{},
}

// Extract scans the log top to bottom applying the rules in order. The first
// rule that matches a line wins and the lines it consumed are not looked at
// again. The result is deterministic for identical input.
func Extract(log string, opts Options) []domain.Issue {
	text := runner.Tail(log, opts.TailLines)
	if strings.TrimSpace(text) == "" {
		return nil
	}
	lines := strings.Split(text, "\n")

	var found []domain.Issue
	for i := 0; i < len(lines); {
		matched := false
		for _, r := range rules {
			issue, n, ok := r.match(lines, i, opts)
			if !ok {
				continue
			}
			issue.StartLine = i + 1
			issue.EndLine = i + n
			found = append(found, issue)
			i += n
			matched = true
			break
		}
		if !matched {
			i++
		}
	}

	if len(found) == 0 {
		return []domain.Issue{fallback(lines, opts.FallbackLines)}
	}
	return found
}

func fallback(lines []string, n int) domain.Issue {
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	start := 0
	if n > 0 && len(lines) > n {
		start = len(lines) - n
	}
	return domain.Issue{
		Kind:      domain.IssueUnknown,
		Raw:       strings.Join(lines[start:], "\n"),
		StartLine: start + 1,
		EndLine:   len(lines),
	}
}

// SmallestIssue returns the issue with the least raw text; ties go to the
// earliest. ok is false for an empty list.
func SmallestIssue(list []domain.Issue) (domain.Issue, bool) {
	if len(list) == 0 {
		return domain.Issue{}, false
	}
	best := list[0]
	for _, is := range list[1:] {
		if len(is.Raw) < len(best.Raw) {
			best = is
		}
	}
	return best, true
}

// Files returns the distinct file paths the issues name, in first-seen order.
func Files(list []domain.Issue) []string {
	seen := make(map[string]bool)
	var files []string
	for _, is := range list {
		if is.File == "" || seen[is.File] {
			continue
		}
		seen[is.File] = true
		files = append(files, is.File)
	}
	return files
}

// Block rule: an unindented header ending in ':' that announces a group,
// followed by indented bullet or location lines.

var (
	blockHeader = regexp.MustCompile(`(?i)^\S.*\b(violations?|errors?|failures?|problems?|issues?|found|detected|deficits?)\b.*:\s*$`)
	blockStart  = regexp.MustCompile(`^\s+([-*•]\s|\S+:\d+)`)
	blockCont   = regexp.MustCompile(`^\s+\S`)
	blockPath   = regexp.MustCompile(`^\s+(?:[-*•]\s+)?([\w./-]+\.\w+)(?::\d+)?`)
)

type blockRule struct{}

func (blockRule) match(lines []string, i int, _ Options) (domain.Issue, int, bool) {
	if !blockHeader.MatchString(lines[i]) || i+1 >= len(lines) || !blockStart.MatchString(lines[i+1]) {
		return domain.Issue{}, 0, false
	}
	end := i + 1
	for end < len(lines) && blockCont.MatchString(lines[end]) {
		end++
	}
	issue := domain.Issue{
		Kind: blockKind(lines[i]),
		Raw:  strings.Join(lines[i:end], "\n"),
	}
	if m := blockPath.FindStringSubmatch(lines[i+1]); m != nil {
		issue.File = m[1]
	}
	return issue, end - i, true
}

func blockKind(header string) domain.IssueKind {
	h := strings.ToLower(header)
	switch {
	case strings.Contains(h, "coverage"):
		return domain.IssueCoverage
	case containsAny(h, "type", "mypy", "pyright", "typecheck"):
		return domain.IssueType
	case containsAny(h, "lint", "style", "format", "pylint", "ruff", "flake8", "vet"):
		return domain.IssueLint
	case containsAny(h, "structure", "import", "module", "size", "complexity", "inheritance", "cycle", "unused"):
		return domain.IssueStructural
	default:
		return domain.IssuePolicy
	}
}

// Coverage rule: a "Name ... Cover" table with rows under the threshold.

type coverageRule struct{}

func (coverageRule) match(lines []string, i int, opts Options) (domain.Issue, int, bool) {
	report, n, ok := parseCoverageTable(lines, i, opts.CoverageThreshold)
	if !ok || len(report.Deficits) == 0 {
		return domain.Issue{}, 0, false
	}
	return domain.Issue{
		Kind: domain.IssueCoverage,
		Raw:  report.Summary(),
		File: report.Deficits[0].Path,
	}, n, true
}

// Location rule: path:line[:col]: message and path(line,col): message.

var (
	colonLocation = regexp.MustCompile(`^\s*([\w./\\-]*[\w-]\.[A-Za-z]\w*):(\d+)(?::(\d+))?(?::|\s+-)\s*(.*)$`)
	parenLocation = regexp.MustCompile(`^\s*([\w./\\-]*[\w-]\.[A-Za-z]\w*)\((\d+),(\d+)\):\s*(.*)$`)
	typeSignature = regexp.MustCompile(`(?i)(error TS\d+|mypy|pyright|incompatible type|cannot use .* as|undefined:|is not assignable|has no attribute|reportGeneralTypeIssues|\[type-arg\]|\[arg-type\]|\[return-value\])`)
)

type locationRule struct{}

func (locationRule) match(lines []string, i int, _ Options) (domain.Issue, int, bool) {
	line := lines[i]
	m := colonLocation.FindStringSubmatch(line)
	if m == nil {
		m = parenLocation.FindStringSubmatch(line)
	}
	if m == nil {
		return domain.Issue{}, 0, false
	}
	if _, err := strconv.Atoi(m[2]); err != nil {
		return domain.Issue{}, 0, false
	}
	kind := domain.IssueLint
	if typeSignature.MatchString(line) {
		kind = domain.IssueType
	}
	return domain.Issue{
		Kind: kind,
		Raw:  strings.TrimSpace(line),
		File: m[1],
	}, 1, true
}

// Failed-test rule: markers emitted by common test runners.

var failedTestMarkers = []*regexp.Regexp{
	regexp.MustCompile(`^FAILED\s+(\S+)`),
	regexp.MustCompile(`^\s*--- FAIL:\s+(\S+)`),
	regexp.MustCompile(`^FAIL:\s+(\S+)`),
	regexp.MustCompile(`^\s*[✗✕×]\s+(.+)$`),
}

type failedTestRule struct{}

func (failedTestRule) match(lines []string, i int, _ Options) (domain.Issue, int, bool) {
	for _, re := range failedTestMarkers {
		m := re.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		issue := domain.Issue{Kind: domain.IssueTest, Raw: strings.TrimSpace(lines[i])}
		if path, _, ok := strings.Cut(m[1], "::"); ok {
			issue.File = path
		}
		return issue, 1, true
	}
	return domain.Issue{}, 0, false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
