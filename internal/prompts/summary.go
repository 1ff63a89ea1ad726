package prompts

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/ci-repair-loop/internal/patch"
)

// FileChange is the per-file line count of a diff
type FileChange struct {
	Path    string
	Added   int
	Removed int
}

// DiffFiles lists the files a unified diff touches with added/removed counts,
// in diff order.
func DiffFiles(diff string) ([]FileChange, error) {
	d, err := patch.ParseDiff(diff)
	if err != nil {
		return nil, err
	}
	files := make([]FileChange, 0, len(d.Files))
	for _, f := range d.Files {
		files = append(files, FileChange{Path: f.Path(), Added: f.Added, Removed: f.Removed})
	}
	return files, nil
}

// SummarizeDiff renders a file-level change summary in the shape of
// `git diff --stat`.
func SummarizeDiff(diff string) string {
	files, err := DiffFiles(diff)
	if err != nil {
		return fmt.Sprintf("(diff not summarized: %v; %d lines)", err, strings.Count(diff, "\n"))
	}
	if len(files) == 0 {
		return "(no file changes detected)"
	}
	width := 0
	for _, f := range files {
		width = max(width, len(f.Path))
	}
	var b strings.Builder
	added, removed := 0, 0
	for _, f := range files {
		fmt.Fprintf(&b, " %-*s | +%d -%d\n", width, f.Path, f.Added, f.Removed)
		added += f.Added
		removed += f.Removed
	}
	fmt.Fprintf(&b, " %d files changed, %d insertions(+), %d deletions(-)", len(files), added, removed)
	return b.String()
}
