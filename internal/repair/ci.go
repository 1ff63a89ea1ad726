package repair

import (
	"context"
	"io"
	"time"

	"github.com/hochfrequenz/ci-repair-loop/internal/gitutil"
	"github.com/hochfrequenz/ci-repair-loop/internal/runner"
)

// CIRunner runs the repository's CI command
type CIRunner interface {
	Run(ctx context.Context) (*runner.Result, error)
}

// ShellCI runs a shell command line as the CI
type ShellCI struct {
	Command string
	Dir     string
	Timeout time.Duration
	// Stream receives CI output live when set.
	Stream io.Writer
}

var _ CIRunner = (*ShellCI)(nil)

func (s *ShellCI) Run(ctx context.Context) (*runner.Result, error) {
	r := runner.Runner{Stream: s.Stream}
	return r.Run(ctx, runner.Command{Shell: s.Command, Dir: s.Dir, Timeout: s.Timeout})
}

// Git is the repository plumbing the controller needs
type Git interface {
	Status(ctx context.Context) (string, error)
	Diff(ctx context.Context, maxChars, maxLines int) (*gitutil.DiffResult, error)
	FileDiff(ctx context.Context, path string) (string, error)
	StageAll(ctx context.Context) error
	StagedDiff(ctx context.Context) (string, error)
	Commit(ctx context.Context, message string) (bool, error)
	Push(ctx context.Context) error
}

var _ Git = (*gitutil.Repo)(nil)
