// Package gitutil wraps the git commands the repair loop needs against a
// working tree.
package gitutil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Repo is a git working tree
type Repo struct {
	Dir string
}

// New returns a Repo rooted at dir
func New(dir string) *Repo {
	return &Repo{Dir: dir}
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(stderr.String()), err)
	}
	return string(out), nil
}

// Status returns `git status --porcelain` output
func (r *Repo) Status(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "status", "--porcelain")
	return strings.TrimRight(out, "\n"), err
}

// IsClean reports whether the working tree has no staged, unstaged or untracked changes
func (r *Repo) IsClean(ctx context.Context) (bool, error) {
	status, err := r.Status(ctx)
	if err != nil {
		return false, err
	}
	return status == "", nil
}

// Root returns the top-level directory of the repository
func (r *Repo) Root(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "--show-toplevel")
	return strings.TrimSpace(out), err
}

// DiffResult is a working tree diff that may have been reduced to a stat summary
type DiffResult struct {
	Text      string
	Stat      string
	Truncated bool
}

// Diff returns the unstaged working tree diff. When the diff exceeds
// maxChars or maxLines (0 disables a limit) the text is dropped and Stat
// carries `git diff --stat` instead.
func (r *Repo) Diff(ctx context.Context, maxChars, maxLines int) (*DiffResult, error) {
	text, err := r.git(ctx, "diff")
	if err != nil {
		return nil, err
	}
	return r.bound(ctx, text, maxChars, maxLines, "diff", "--stat")
}

// StagedDiff returns the diff of the index against HEAD
func (r *Repo) StagedDiff(ctx context.Context) (string, error) {
	return r.git(ctx, "diff", "--cached")
}

// FileDiff returns the working tree diff of a single path
func (r *Repo) FileDiff(ctx context.Context, path string) (string, error) {
	return r.git(ctx, "diff", "--", path)
}

func (r *Repo) bound(ctx context.Context, text string, maxChars, maxLines int, statArgs ...string) (*DiffResult, error) {
	tooLong := maxChars > 0 && len(text) > maxChars
	tooMany := maxLines > 0 && strings.Count(text, "\n") > maxLines
	if !tooLong && !tooMany {
		return &DiffResult{Text: text}, nil
	}
	stat, err := r.git(ctx, statArgs...)
	if err != nil {
		return nil, err
	}
	return &DiffResult{Stat: strings.TrimRight(stat, "\n"), Truncated: true}, nil
}

// StageAll runs `git add -A`
func (r *Repo) StageAll(ctx context.Context) error {
	_, err := r.git(ctx, "add", "-A")
	return err
}

// Commit commits the index. Returns false when there was nothing to commit.
func (r *Repo) Commit(ctx context.Context, message string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "commit", "-m", message)
	cmd.Dir = r.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "nothing to commit") {
			return false, nil
		}
		return false, fmt.Errorf("git commit: %s: %w", out, err)
	}
	return true, nil
}

// Push pushes the current branch to its upstream
func (r *Repo) Push(ctx context.Context) error {
	_, err := r.git(ctx, "push")
	return err
}
