// Package runner executes external commands with a hard wall-clock timeout
// and captures their combined output.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
)

// Command describes one process to run
type Command struct {
	// Shell is run with sh -c. Ignored when Args is set.
	Shell   string
	Args    []string
	Dir     string
	Env     map[string]string
	Stdin   io.Reader
	Timeout time.Duration
	// SplitStderr keeps stderr out of Output and reports it in Result.Stderr.
	SplitStderr bool
}

func (c Command) String() string {
	if len(c.Args) > 0 {
		return fmt.Sprint(c.Args)
	}
	return c.Shell
}

// Result is the outcome of a finished process
type Result struct {
	ExitCode int
	Output   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Passed reports a zero exit without timeout
func (r *Result) Passed() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Runner starts processes. The zero value is ready to use.
type Runner struct {
	// Stream, when set, receives output as it is produced.
	Stream io.Writer
}

// Run executes the command and waits for it. A non-zero exit is not an
// error; failing to start the process or a timeout is reported in Result
// and, for start failures, as error.
func (r *Runner) Run(ctx context.Context, c Command) (*Result, error) {
	start := time.Now()
	log := clog.FromContext(ctx).With("command", c.String(), "dir", c.Dir)

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var cmd *exec.Cmd
	if len(c.Args) > 0 {
		cmd = exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", c.Shell)
	}
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	cmd.Env = os.Environ()
	for k, v := range c.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	configureProcessGroup(cmd)
	cmd.WaitDelay = 5 * time.Second

	out := &syncBuffer{}
	var w io.Writer = out
	if r.Stream != nil {
		w = io.MultiWriter(out, r.Stream)
	}
	cmd.Stdout = w
	cmd.Stderr = w
	errOut := &syncBuffer{}
	if c.SplitStderr {
		cmd.Stderr = errOut
	}

	log.Debug("starting process")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", c.String(), err)
	}

	err := cmd.Wait()
	res := &Result{
		Output:   out.String(),
		Stderr:   errOut.String(),
		Duration: time.Since(start),
	}
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		log.Warn("process timed out", "timeout", c.Timeout)
		return res, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			return res, fmt.Errorf("waiting for %s: %w", c.String(), err)
		}
	}
	log.Debug("process finished", "exit_code", res.ExitCode, "duration", res.Duration)
	return res, nil
}

// syncBuffer guards a bytes.Buffer shared by stdout and stderr copiers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
