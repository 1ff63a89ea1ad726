package driver

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"

	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
	"github.com/hochfrequenz/ci-repair-loop/internal/repair"
)

// CleanChecker reports whether a working tree has no changes
type CleanChecker interface {
	IsClean(ctx context.Context) (bool, error)
}

// Worker runs inside one driver child process and reports through a status
// file
type Worker struct {
	StatusFile  string
	Bare        bool
	SkipIfClean bool
	Git         CleanChecker
	CI          repair.CIRunner
	// Repair runs the repair loop and returns its outcome. Unused in bare mode.
	Repair func(ctx context.Context) (*repair.Outcome, error)
}

// Run executes the worker and writes the terminal token. The token is
// always the last thing written.
func (w *Worker) Run(ctx context.Context) (domain.TargetStatus, error) {
	status, err := w.run(ctx)
	if err != nil {
		status = domain.TargetFail
	}
	if w.StatusFile != "" {
		if werr := WriteStatus(w.StatusFile, status); werr != nil && err == nil {
			err = fmt.Errorf("writing status: %w", werr)
		}
	}
	return status, err
}

func (w *Worker) run(ctx context.Context) (domain.TargetStatus, error) {
	log := clog.FromContext(ctx)
	if w.SkipIfClean && w.Git != nil {
		clean, err := w.Git.IsClean(ctx)
		if err != nil {
			return "", fmt.Errorf("checking working tree: %w", err)
		}
		if clean {
			log.Info("working tree clean, skipping")
			fmt.Println("[worker] working tree clean, skipping")
			return domain.TargetSkip, nil
		}
	}

	if w.Bare {
		res, err := w.CI.Run(ctx)
		if err != nil {
			return "", err
		}
		if res.Passed() {
			return domain.TargetPass, nil
		}
		fmt.Printf("[worker] CI failed (exit %d)\n", res.ExitCode)
		return domain.TargetFail, nil
	}

	if w.Repair == nil {
		return "", fmt.Errorf("worker: no repair function configured")
	}
	out, err := w.Repair(ctx)
	if err != nil {
		return "", err
	}
	if out.Err != nil {
		return domain.TargetFail, nil
	}
	return domain.TargetPass, nil
}
