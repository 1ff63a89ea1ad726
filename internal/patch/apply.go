package patch

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chainguard-dev/clog"

	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
	"github.com/hochfrequenz/ci-repair-loop/internal/observer"
	"github.com/hochfrequenz/ci-repair-loop/internal/runner"
)

// Result is the outcome of one apply
type Result struct {
	Status domain.ApplyResult
	// Output holds the diagnostics of the step that decided the outcome.
	Output string
	Method string
}

// Applier applies a guarded diff to a working tree
type Applier interface {
	Apply(ctx context.Context, diff string) (Result, error)
}

// repoLocks serializes applies per repository directory
var repoLocks sync.Map

func lockRepo(dir string) func() {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	m, _ := repoLocks.LoadOrStore(dir, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// GitApplier applies with git apply and falls back to patch(1)
type GitApplier struct {
	Dir string
	// PatchFallback enables the patch(1) fallback when it is installed.
	PatchFallback bool

	runner runner.Runner
}

var _ Applier = (*GitApplier)(nil)

// NewGitApplier creates an applier for the repository at dir
func NewGitApplier(dir string) *GitApplier {
	return &GitApplier{Dir: dir, PatchFallback: true}
}

// Apply runs forward check, apply, reverse check and the patch(1) fallback in
// that order. The tree is written only after a passing dry run. An error is
// returned only when a step could not run or a checked apply still failed.
func (a *GitApplier) Apply(ctx context.Context, diff string) (Result, error) {
	unlock := lockRepo(a.Dir)
	defer unlock()

	res, err := a.apply(ctx, diff)
	if err == nil {
		observer.PatchResult(res.Status)
	}
	return res, err
}

func (a *GitApplier) apply(ctx context.Context, diff string) (Result, error) {
	log := clog.FromContext(ctx).With("dir", a.Dir)
	if !strings.HasSuffix(diff, "\n") {
		diff += "\n"
	}

	check, err := a.run(ctx, diff, "git", "apply", "--check", "--whitespace=nowarn")
	if err != nil {
		return Result{}, err
	}
	if check.Passed() {
		out, err := a.run(ctx, diff, "git", "apply", "--allow-empty", "--whitespace=nowarn")
		if err != nil {
			return Result{}, err
		}
		if !out.Passed() {
			return Result{}, fmt.Errorf("git apply failed after a passing check: %s", out.Output)
		}
		log.Info("patch applied", "method", "git")
		return Result{Status: domain.ApplyApplied, Output: out.Output, Method: "git"}, nil
	}

	reverse, err := a.run(ctx, diff, "git", "apply", "--check", "--reverse", "--whitespace=nowarn")
	if err != nil {
		return Result{}, err
	}
	if reverse.Passed() {
		log.Info("patch already applied")
		return Result{Status: domain.ApplyAlreadyApplied, Output: reverse.Output, Method: "git"}, nil
	}

	if a.PatchFallback {
		if _, err := exec.LookPath("patch"); err == nil {
			return a.applyWithPatch(ctx, diff, check.Output)
		}
	}

	return Result{Status: domain.ApplyFailedDryRun, Output: check.Output, Method: "git"}, nil
}

func (a *GitApplier) applyWithPatch(ctx context.Context, diff, checkOutput string) (Result, error) {
	args := []string{"patch", "--batch", "--forward", "--reject-file=-", "-p1"}

	dry, err := a.run(ctx, diff, append(args, "--dry-run")...)
	if err != nil {
		return Result{}, err
	}
	if !dry.Passed() {
		output := fmt.Sprintf("git apply --check:\n%s\npatch --dry-run:\n%s", checkOutput, dry.Output)
		return Result{Status: domain.ApplyFailedDryRun, Output: output, Method: "patch"}, nil
	}

	out, err := a.run(ctx, diff, args...)
	if err != nil {
		return Result{}, err
	}
	if !out.Passed() {
		return Result{}, fmt.Errorf("patch exited %d after a passing dry run: %s", out.ExitCode, out.Output)
	}
	clog.FromContext(ctx).With("dir", a.Dir).Info("patch applied", "method", "patch")
	return Result{Status: domain.ApplyApplied, Output: out.Output, Method: "patch"}, nil
}

func (a *GitApplier) run(ctx context.Context, diff string, args ...string) (*runner.Result, error) {
	return a.runner.Run(ctx, runner.Command{
		Args:  args,
		Dir:   a.Dir,
		Stdin: strings.NewReader(diff),
		Env:   map[string]string{"PATCH_CREATE_BACKUP": "no"},
	})
}
