package patch

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/waigani/diffparser"
)

// ErrMalformedDiff is returned when a candidate cannot be parsed as a unified diff
var ErrMalformedDiff = errors.New("malformed diff")

// FileDiff is one file section of a unified diff
type FileDiff struct {
	// OldPath and NewPath are the repository paths git apply -p1 reads and
	// writes. They are empty for /dev/null.
	OldPath string
	NewPath string
	Added   int
	Removed int
	// Text is the section as it appeared in the input, header included.
	Text string

	// names holds every path the headers mention, stripped and as written
	names []string
}

// Path returns the path the section leaves behind
func (f FileDiff) Path() string {
	if f.NewPath != "" {
		return f.NewPath
	}
	return f.OldPath
}

// Diff is a parsed unified diff
type Diff struct {
	// Preamble is any text before the first file section.
	Preamble string
	Files    []FileDiff
}

// ParseDiff splits text into file sections and counts their changes.
// Sections written without a "diff" line (bare ---/+++ pairs) are accepted.
func ParseDiff(text string) (*Diff, error) {
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")

	// diffparser starts a file only at a "diff " line, so bare header
	// pairs get a synthetic one that never reaches Text.
	var norm []string
	var synthetic []bool
	open, seen := false, false
	for i, l := range lines {
		switch {
		case strings.HasPrefix(l, "diff "):
			open, seen = true, true
		case strings.HasPrefix(l, "@@ "):
			if !seen {
				return nil, fmt.Errorf("%w: hunk before any file header", ErrMalformedDiff)
			}
			open = false
		case !open && strings.HasPrefix(l, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ "):
			norm = append(norm, "diff "+headerPath(l[4:])+" "+headerPath(lines[i+1][4:]))
			synthetic = append(synthetic, true)
			open, seen = true, true
		case !seen && orphanHeader(l):
			return nil, fmt.Errorf("%w: %q outside a file section", ErrMalformedDiff, l)
		}
		norm = append(norm, l)
		synthetic = append(synthetic, false)
	}

	parsed, err := diffparser.Parse(strings.Join(norm, "\n"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDiff, err)
	}

	d := &Diff{}
	var preamble strings.Builder
	var cur *strings.Builder
	var headers [][]string
	var texts []*strings.Builder
	inHeader := false
	for i, l := range norm {
		if strings.HasPrefix(l, "diff ") {
			cur = &strings.Builder{}
			texts = append(texts, cur)
			headers = append(headers, nil)
			inHeader = true
		}
		if cur == nil {
			preamble.WriteString(l + "\n")
			continue
		}
		if strings.HasPrefix(l, "@@ ") {
			inHeader = false
		}
		if inHeader {
			headers[len(headers)-1] = append(headers[len(headers)-1], l)
		}
		if !synthetic[i] {
			cur.WriteString(l + "\n")
		}
	}
	if len(texts) != len(parsed.Files) {
		return nil, fmt.Errorf("%w: %d sections, parser found %d files", ErrMalformedDiff, len(texts), len(parsed.Files))
	}

	d.Preamble = preamble.String()
	for i, pf := range parsed.Files {
		f := sectionPaths(headers[i])
		f.Text = texts[i].String()
		for _, h := range pf.Hunks {
			for _, l := range h.WholeRange.Lines {
				switch l.Mode {
				case diffparser.ADDED:
					f.Added++
				case diffparser.REMOVED:
					f.Removed++
				}
			}
		}
		d.Files = append(d.Files, f)
	}
	return d, nil
}

// ChangedLines counts added and removed lines across all files
func (d *Diff) ChangedLines() int {
	n := 0
	for _, f := range d.Files {
		n += f.Added + f.Removed
	}
	return n
}

// Paths returns the repository paths the diff touches, in order of appearance
func (d *Diff) Paths() []string {
	var out []string
	seen := make(map[string]bool)
	for _, f := range d.Files {
		for _, p := range []string{f.OldPath, f.NewPath} {
			if p != "" && !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// names returns every path any header mentions, stripped or not
func (d *Diff) names() []string {
	var out []string
	for _, f := range d.Files {
		out = append(out, f.names...)
	}
	return out
}

// sectionPaths reads the header lines of one file section. Later headers
// win, so ---/+++ override the names on the diff line.
func sectionPaths(header []string) FileDiff {
	var f FileDiff
	note := func(raw string, stripped string) {
		if raw = normalizePath(raw); raw != "" && raw != "/dev/null" {
			f.names = append(f.names, raw)
		}
		if stripped != "" {
			f.names = append(f.names, stripped)
		}
	}
	for _, l := range header {
		switch {
		case strings.HasPrefix(l, "diff "):
			fields := strings.Fields(l)[1:]
			for len(fields) > 0 && strings.HasPrefix(fields[0], "-") {
				fields = fields[1:]
			}
			if len(fields) >= 2 {
				f.OldPath = stripComponent(fields[0])
				f.NewPath = stripComponent(fields[len(fields)-1])
				note(fields[0], f.OldPath)
				note(fields[len(fields)-1], f.NewPath)
			}
		case strings.HasPrefix(l, "--- "):
			raw := headerPath(l[4:])
			f.OldPath = stripComponent(raw)
			note(raw, f.OldPath)
		case strings.HasPrefix(l, "+++ "):
			raw := headerPath(l[4:])
			f.NewPath = stripComponent(raw)
			note(raw, f.NewPath)
		case strings.HasPrefix(l, "rename from "), strings.HasPrefix(l, "copy from "):
			_, p, _ := strings.Cut(l, " from ")
			f.OldPath = cleanPath(p)
			note(p, f.OldPath)
		case strings.HasPrefix(l, "rename to "), strings.HasPrefix(l, "copy to "):
			_, p, _ := strings.Cut(l, " to ")
			f.NewPath = cleanPath(p)
			note(p, f.NewPath)
		}
	}
	return f
}

// orphanHeader reports lines diffparser can only handle inside a file section
func orphanHeader(l string) bool {
	return l == "--- /dev/null" || l == "+++ /dev/null" ||
		strings.HasPrefix(l, "--- a/") || strings.HasPrefix(l, "+++ b/")
}

// headerPath drops the timestamp some tools append after a tab
func headerPath(s string) string {
	if i := strings.IndexByte(s, '\t'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// stripComponent removes the first path component the way git apply -p1
// and patch -p1 do, whatever that component is. A path without a slash is
// returned as is.
func stripComponent(p string) string {
	p = normalizePath(p)
	if p == "" || p == "/dev/null" {
		return ""
	}
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = strings.TrimLeft(p[i+1:], "/")
	}
	return cleanPath(p)
}

func cleanPath(p string) string {
	p = normalizePath(p)
	if p == "" {
		return ""
	}
	return normalizePath(path.Clean(p))
}

func normalizePath(p string) string {
	p = strings.TrimSpace(strings.Trim(p, `"`))
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	return p
}
