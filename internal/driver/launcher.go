package driver

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/chainguard-dev/clog"

	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
	"github.com/hochfrequenz/ci-repair-loop/internal/runner"
)

// Process is a running worker
type Process interface {
	// Exited reports without blocking whether the process has ended.
	Exited() bool
	// Kill ends the process and everything it spawned.
	Kill() error
}

// Launcher starts one worker process per target
type Launcher interface {
	Launch(ctx context.Context, t *domain.RepoTarget) (Process, error)
}

// ExecLauncher runs each worker as an OS process in its own process group,
// with stdout and stderr appended to the target's log file.
type ExecLauncher struct {
	// Args is the worker command line; the launcher appends
	// --repo, --status-file and the mode flags.
	Args        []string
	Bare        bool
	SkipIfClean bool
	// Shell replaces Args with a shell command run in the target directory.
	// CI_REPAIR_TARGET, CI_REPAIR_REPO and CI_REPAIR_STATUS_FILE are exported
	// to it.
	Shell string
}

var _ Launcher = (*ExecLauncher)(nil)

// NewExecLauncher returns a launcher re-invoking this executable's worker command
func NewExecLauncher(bare, skipIfClean bool) (*ExecLauncher, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating executable: %w", err)
	}
	return &ExecLauncher{Args: []string{self, "worker"}, Bare: bare, SkipIfClean: skipIfClean}, nil
}

// Command returns the command line used for a target
func (l *ExecLauncher) Command(t *domain.RepoTarget) []string {
	if l.Shell != "" {
		return []string{"sh", "-c", l.Shell}
	}
	args := append([]string(nil), l.Args...)
	args = append(args, "--repo", t.Path, "--status-file", t.StatusPath)
	if l.Bare {
		args = append(args, "--bare")
	}
	if l.SkipIfClean {
		args = append(args, "--skip-if-clean")
	}
	return args
}

// Launch starts the worker. The context is not used to stop it; the driver
// kills workers itself when they exceed the target timeout.
func (l *ExecLauncher) Launch(ctx context.Context, t *domain.RepoTarget) (Process, error) {
	logFile, err := os.OpenFile(t.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}

	args := l.Command(t)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = t.Path
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"CI_REPAIR_TARGET="+t.Name,
		"CI_REPAIR_REPO="+t.Path,
		"CI_REPAIR_STATUS_FILE="+t.StatusPath,
	)
	runner.SetProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("starting worker for %s: %w", t.Name, err)
	}
	clog.FromContext(ctx).Debug("worker started", "target", t.Name, "pid", cmd.Process.Pid)

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		logFile.Close()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *execProcess) Kill() error {
	if p.Exited() {
		return nil
	}
	return runner.KillGroup(p.cmd.Process.Pid)
}
