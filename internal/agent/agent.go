// Package agent invokes the external patch-generating agent CLI.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/hochfrequenz/ci-repair-loop/internal/observer"
	"github.com/hochfrequenz/ci-repair-loop/internal/runner"
)

var (
	// ErrTransient is returned when retries for a transient failure are exhausted
	ErrTransient = errors.New("transient agent error")
	// ErrTimeout is returned when a call exceeds its wall-clock limit
	ErrTimeout = errors.New("agent call timed out")
	// ErrInvocation is returned for any other failed call
	ErrInvocation = errors.New("agent invocation failed")
)

// Backend names
const (
	BackendAuto   = "auto"
	BackendClaude = "claude"
	BackendCodex  = "codex"
)

// Request is one prompt for the agent
type Request struct {
	Prompt string
	// Description labels the call in logs and the audit trail.
	Description string
}

// Response is the agent's reply
type Response struct {
	Text      string
	Preflight bool
	Duration  time.Duration
	Attempts  int
}

// Client sends prompts to an agent
type Client interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Options configures a CLIClient
type Options struct {
	Backend         string
	Model           string
	ReasoningEffort string
	Timeout         time.Duration
	Retry           RetryConfig
	// PreflightSentinel anywhere in the output short-circuits to success.
	PreflightSentinel string
	AuditLog          string
	// APIKeySet selects the claude backend in auto mode.
	APIKeySet bool
	// Command replaces the detected backend command line.
	Command []string
	Dir     string
}

// CLIClient runs the claude or codex CLI with the prompt on stdin
type CLIClient struct {
	opts    Options
	command []string
	runner  runner.Runner
	auditMu sync.Mutex
}

var _ Client = (*CLIClient)(nil)

// NewCLIClient resolves the backend command line and returns a client
func NewCLIClient(opts Options) *CLIClient {
	cmd := opts.Command
	if len(cmd) == 0 {
		cmd = BuildCommand(DetectBackend(opts.Backend, opts.Model, opts.APIKeySet), opts.Model, opts.ReasoningEffort)
	}
	return &CLIClient{opts: opts, command: cmd}
}

// Command returns the resolved command line
func (c *CLIClient) Command() []string {
	return c.command
}

// DetectBackend picks the CLI: an explicit backend wins, then claude models
// or a present API key select claude, everything else runs codex.
func DetectBackend(backend, model string, apiKeySet bool) string {
	switch b := strings.ToLower(backend); b {
	case BackendClaude, BackendCodex:
		return b
	}
	if strings.HasPrefix(model, "claude") || apiKeySet {
		return BackendClaude
	}
	return BackendCodex
}

// BuildCommand returns the argv for a backend. The prompt is read from stdin.
func BuildCommand(backend, model, effort string) []string {
	if backend == BackendClaude {
		// claude only understands its own model names
		if strings.HasPrefix(model, "claude") {
			return []string{"claude", "--model", model, "-p", "-"}
		}
		return []string{"claude", "-p", "-"}
	}
	cmd := []string{"codex", "exec", "--model", model}
	if effort != "" {
		cmd = append(cmd, "-c", "model_reasoning_effort="+effort)
	}
	return append(cmd, "-")
}

var transientSignatures = regexp.MustCompile(`(?i)(connection reset|connection refused|ETIMEDOUT|ECONNRESET|ECONNREFUSED|stream disconnected|network error|\b50[234]\b|bad gateway|service unavailable|gateway timeout|overloaded|rate limit|\b429\b|too many requests|temporarily unavailable|TLS handshake timeout)`)

// IsTransientOutput reports whether failed output matches a known transient signature
func IsTransientOutput(output string) bool {
	return transientSignatures.MatchString(output)
}

type callError struct {
	kind   error
	output string
	code   int
}

func (e *callError) Error() string {
	if e.code != 0 {
		return fmt.Sprintf("%v (exit %d): %s", e.kind, e.code, e.output)
	}
	return fmt.Sprintf("%v: %s", e.kind, e.output)
}

func (e *callError) Unwrap() error { return e.kind }

// Invoke runs the agent once, retrying only transient failures.
func (c *CLIClient) Invoke(ctx context.Context, req Request) (Response, error) {
	log := clog.FromContext(ctx).With("description", req.Description, "command", c.command[0])
	start := time.Now()

	attempts := 0
	resp, err := retryTransient(ctx, c.opts.Retry, req.Description,
		func(err error) bool { return errors.Is(err, ErrTransient) },
		func() (Response, error) {
			attempts++
			return c.call(ctx, req)
		})
	resp.Attempts = attempts
	resp.Duration = time.Since(start)

	result := "ok"
	switch {
	case errors.Is(err, ErrTransient):
		result = "transient"
	case errors.Is(err, ErrTimeout):
		result = "timeout"
	case err != nil:
		result = "error"
	case resp.Preflight:
		result = "preflight"
	}
	observer.AgentCall(result, resp.Duration)

	if err != nil {
		log.Warn("agent call failed", "attempts", attempts, "error", err)
		return resp, err
	}
	log.Info("agent call finished", "attempts", attempts, "duration", resp.Duration, "chars", len(resp.Text))
	return resp, nil
}

func (c *CLIClient) call(ctx context.Context, req Request) (Response, error) {
	res, err := c.runner.Run(ctx, runner.Command{
		Args:        c.command,
		Dir:         c.opts.Dir,
		Stdin:       strings.NewReader(req.Prompt),
		Timeout:     c.opts.Timeout,
		SplitStderr: true,
	})
	if err != nil {
		return Response{}, &callError{kind: ErrInvocation, output: err.Error()}
	}

	stdout := strings.TrimSpace(res.Output)
	stderr := strings.TrimSpace(res.Stderr)
	combined := strings.TrimSpace(stdout + "\n" + stderr)

	c.audit(req, firstNonEmpty(stdout, stderr))

	if c.opts.PreflightSentinel != "" && strings.Contains(combined, c.opts.PreflightSentinel) {
		return Response{Text: firstNonEmpty(stdout, stderr), Preflight: true}, nil
	}
	if res.TimedOut {
		return Response{}, &callError{kind: ErrTimeout, output: fmt.Sprintf("no reply within %s", c.opts.Timeout)}
	}
	if res.ExitCode != 0 {
		detail := firstNonEmpty(stderr, stdout)
		if IsTransientOutput(combined) {
			return Response{}, &callError{kind: ErrTransient, output: detail, code: res.ExitCode}
		}
		return Response{}, &callError{kind: ErrInvocation, output: detail, code: res.ExitCode}
	}

	return Response{Text: StripRolePrefix(firstNonEmpty(stdout, stderr))}, nil
}

// StripRolePrefix removes a leading "assistant:" line some CLIs print.
func StripRolePrefix(text string) string {
	if !strings.HasPrefix(text, "assistant:") {
		return text
	}
	_, rest, _ := strings.Cut(text, "\n")
	return strings.TrimSpace(rest)
}

func (c *CLIClient) audit(req Request, response string) {
	if c.opts.AuditLog == "" {
		return
	}
	c.auditMu.Lock()
	defer c.auditMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.opts.AuditLog), 0755); err != nil {
		return
	}
	f, err := os.OpenFile(c.opts.AuditLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "--- %s %s ---\nPrompt:\n%s\nResponse:\n%s\n\n",
		time.Now().UTC().Format(time.RFC3339), req.Description,
		strings.TrimSpace(req.Prompt), strings.TrimSpace(response))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ClientFunc adapts a function to the Client interface
type ClientFunc func(ctx context.Context, req Request) (Response, error)

// Invoke calls f(ctx, req)
func (f ClientFunc) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
