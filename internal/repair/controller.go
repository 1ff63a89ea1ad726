// Package repair runs the CI repair loop: run CI, extract failures, ask the
// agent for a patch, guard it, apply it, and repeat until CI passes or the
// attempt budget is spent.
package repair

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"

	"github.com/hochfrequenz/ci-repair-loop/internal/agent"
	"github.com/hochfrequenz/ci-repair-loop/internal/archive"
	"github.com/hochfrequenz/ci-repair-loop/internal/config"
	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
	"github.com/hochfrequenz/ci-repair-loop/internal/issues"
	"github.com/hochfrequenz/ci-repair-loop/internal/notify"
	"github.com/hochfrequenz/ci-repair-loop/internal/observer"
	"github.com/hochfrequenz/ci-repair-loop/internal/patch"
	"github.com/hochfrequenz/ci-repair-loop/internal/prompts"
	"github.com/hochfrequenz/ci-repair-loop/internal/runner"
)

// Guard vets a sanitized diff before it touches the tree
type Guard interface {
	Check(diff string) error
}

// CommitSynthesizer produces a commit subject for a staged diff
type CommitSynthesizer interface {
	Synthesize(ctx context.Context, diff string) (string, error)
}

// Deps are the collaborators of a Controller. Commit may be nil when
// committing is disabled; Notify may be nil when nobody listens for aborts.
type Deps struct {
	CI         CIRunner
	Agent      agent.Client
	Classifier patch.Classifier
	Guard      Guard
	Applier    patch.Applier
	Prompts    *prompts.Builder
	Archive    *archive.Store
	Git        Git
	Strategy   Strategy
	Commit     CommitSynthesizer
	Notify     notify.Notifier
}

// Options tunes a run
type Options struct {
	Repo         string
	CICommand    string
	MaxAttempts  int
	LogTail      int
	PatchRetries int
	// NarrowWindow is how many of the final attempts may fall back to a
	// single-issue request when the reply carries no usable diff.
	NarrowWindow int
	Extract      issues.Options
	MaxDiffChars int
	MaxDiffLines int
	ManualHints  bool
	Commit       bool
	Push         bool
	AutoStage    bool
	// Out receives one-line progress messages. Nil discards them.
	Out io.Writer
}

// OptionsFromConfig maps the loop section of cfg onto Options
func OptionsFromConfig(cfg *config.Config, repo string) Options {
	return Options{
		Repo:         repo,
		CICommand:    cfg.Loop.CICommand,
		MaxAttempts:  cfg.Loop.MaxAttempts,
		LogTail:      cfg.Loop.LogTail,
		PatchRetries: cfg.Loop.PatchRetries,
		NarrowWindow: cfg.Loop.NarrowWindow,
		Extract: issues.Options{
			TailLines:         cfg.Loop.LogTail,
			FallbackLines:     cfg.Loop.FallbackLines,
			CoverageThreshold: cfg.Loop.CoverageThreshold,
		},
		MaxDiffChars: cfg.Prompt.MaxDiffChars,
		MaxDiffLines: cfg.Prompt.MaxDiffLines,
		ManualHints:  cfg.Loop.ManualHints,
		Commit:       cfg.Loop.Commit,
		Push:         cfg.Loop.Push,
		AutoStage:    cfg.Loop.AutoStage,
	}
}

// Outcome is the result of a finished run
type Outcome struct {
	Session *domain.RunSession
	State   State
	// Err is set when the run aborted.
	Err *Error
	// CommitMessage is set when a commit was made.
	CommitMessage string
}

// ExitCode maps the outcome to a process exit code
func (o *Outcome) ExitCode() int {
	if o.Err == nil {
		return ExitOK
	}
	return o.Err.Kind.ExitCode()
}

// Controller drives one repair session. A Controller is single use.
type Controller struct {
	deps Deps
	opts Options

	state    State
	history  []State
	sess     *domain.RunSession
	run      *archive.Run
	seen     map[string]int
	feedback string
}

// New validates deps and returns a Controller
func New(deps Deps, opts Options) (*Controller, error) {
	switch {
	case deps.CI == nil:
		return nil, errors.New("repair: CI runner is required")
	case deps.Agent == nil:
		return nil, errors.New("repair: agent client is required")
	case deps.Guard == nil:
		return nil, errors.New("repair: guard is required")
	case deps.Applier == nil:
		return nil, errors.New("repair: applier is required")
	case deps.Prompts == nil:
		return nil, errors.New("repair: prompt builder is required")
	case deps.Archive == nil:
		return nil, errors.New("repair: archive is required")
	case deps.Git == nil:
		return nil, errors.New("repair: git is required")
	case opts.MaxAttempts < 1:
		return nil, fmt.Errorf("repair: max attempts must be at least 1, got %d", opts.MaxAttempts)
	}
	if deps.Classifier == nil {
		deps.Classifier = patch.NewDefaultClassifier()
	}
	if deps.Strategy == nil {
		deps.Strategy = WholeDiff{}
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	return &Controller{
		deps:  deps,
		opts:  opts,
		state: StateStart,
		seen:  make(map[string]int),
	}, nil
}

// State returns the current state
func (c *Controller) State() State { return c.state }

// History returns every state entered so far, in order
func (c *Controller) History() []State {
	return append([]State(nil), c.history...)
}

func (c *Controller) to(next State) error {
	if !IsValidTransition(c.state, next) {
		return fmt.Errorf("repair: invalid transition %s -> %s", c.state, next)
	}
	c.state = next
	c.history = append(c.history, next)
	return nil
}

func (c *Controller) printf(format string, args ...any) {
	fmt.Fprintf(c.opts.Out, "[loop] "+format+"\n", args...)
}

// Run executes the loop. A repair failure is reported through Outcome.Err;
// the returned error is reserved for infrastructure problems such as an
// unwritable archive or a CI command that cannot start.
func (c *Controller) Run(ctx context.Context) (*Outcome, error) {
	if c.state != StateStart {
		return nil, errors.New("repair: controller already used")
	}
	now := time.Now()
	c.sess = &domain.RunSession{
		ID:          NewRunID(now),
		Repo:        c.opts.Repo,
		Strategy:    c.deps.Strategy.Name(),
		MaxAttempts: c.opts.MaxAttempts,
		StartedAt:   now,
	}
	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With("run", c.sess.ID))
	run, err := c.deps.Archive.StartRun(c.sess)
	if err != nil {
		return nil, err
	}
	c.run = run
	c.printf("run %s archived in %s", c.sess.ID, run.Dir)

	out, err := c.loop(ctx)
	if err != nil {
		return nil, err
	}
	finished := time.Now()
	c.sess.FinishedAt = &finished
	outcome := "success"
	if out.Err != nil {
		outcome = string(out.Err.Kind)
	}
	if err := c.deps.Archive.FinishRun(c.sess.ID, outcome, finished); err != nil {
		return nil, fmt.Errorf("finishing run: %w", err)
	}
	return out, nil
}

func (c *Controller) loop(ctx context.Context) (*Outcome, error) {
	log := clog.FromContext(ctx)
	for idx := 1; ; idx++ {
		if err := c.to(StateRunCI); err != nil {
			return nil, err
		}
		c.printf("attempt %d/%d: running %s", min(idx, c.opts.MaxAttempts), c.opts.MaxAttempts, c.opts.CICommand)
		res, err := c.deps.CI.Run(ctx)
		if err != nil {
			return nil, fmt.Errorf("running CI: %w", err)
		}
		if res.Passed() {
			log.Info("CI passed", "attempts", idx-1)
			c.printf("CI passed after %d repair attempt(s)", idx-1)
			observer.AttemptFinished("passed")
			return c.finalize(ctx)
		}
		if idx > c.opts.MaxAttempts {
			err := &Error{
				Kind:    KindBudgetExhausted,
				Attempt: c.opts.MaxAttempts,
				Msg:     fmt.Sprintf("CI still failing (exit %d) after %d attempts", res.ExitCode, c.opts.MaxAttempts),
			}
			return c.abort(ctx, err)
		}

		attempt, mutated, rerr, err := c.attempt(ctx, idx, res)
		if err != nil {
			return nil, err
		}
		c.closeAttempt(ctx, attempt, mutated, rerr)
		if rerr != nil {
			return c.abort(ctx, rerr)
		}
		if idx == c.opts.MaxAttempts && !mutated {
			// nothing changed since the last CI run, so it would fail again
			return c.abort(ctx, &Error{
				Kind:    KindBudgetExhausted,
				Attempt: idx,
				Msg:     "final attempt produced no applicable patch",
			})
		}
	}
}

func (c *Controller) closeAttempt(ctx context.Context, a *domain.Attempt, mutated bool, rerr *Error) {
	a.FinishedAt = time.Now()
	if rerr != nil && a.Error == "" {
		a.Error = rerr.Error()
	}
	c.sess.Attempts = append(c.sess.Attempts, *a)
	if err := c.deps.Archive.RecordAttempt(c.sess.ID, *a); err != nil {
		clog.FromContext(ctx).Warn("indexing attempt failed", "attempt", a.Index, "error", err)
	}
	outcome := "unproductive"
	switch {
	case rerr != nil:
		outcome = "aborted"
	case mutated:
		outcome = "applied"
	case a.ApplyResult == domain.ApplyRejected:
		outcome = "rejected"
	case a.ApplyResult == domain.ApplyFailedDryRun:
		outcome = "failed_dry_run"
	}
	observer.AttemptFinished(outcome)
}

// attempt runs EXTRACT and one REQUEST..APPLY cycle per strategy unit. It
// reports whether the working tree changed.
func (c *Controller) attempt(ctx context.Context, idx int, res *runner.Result) (*domain.Attempt, bool, *Error, error) {
	log := clog.FromContext(ctx).With("attempt", idx)
	ctx = clog.WithLogger(ctx, log)
	a := &domain.Attempt{
		Index:     idx,
		ExitCode:  res.ExitCode,
		Log:       res.Output,
		StartedAt: time.Now(),
	}

	if err := c.to(StateExtract); err != nil {
		return nil, false, nil, err
	}
	found := issues.Extract(res.Output, c.opts.Extract)
	a.Issues = found
	if _, err := c.run.WriteString(idx, archive.FileCILog, res.Output); err != nil {
		return nil, false, nil, err
	}
	if _, err := c.run.WriteJSON(idx, archive.FileIssues, found); err != nil {
		return nil, false, nil, err
	}
	log.Info("CI failed", "exit_code", res.ExitCode, "issues", len(found), "timed_out", res.TimedOut)
	c.printf("attempt %d/%d: CI failed (exit %d), %d issue(s) extracted", idx, c.opts.MaxAttempts, res.ExitCode, len(found))

	if c.opts.ManualHints {
		if hint := issues.ManualHint(res.Output, c.opts.Repo); hint != "" {
			return a, false, &Error{Kind: KindManualIntervention, Attempt: idx, Msg: hint}, nil
		}
	}

	base, err := c.repairInput(ctx, idx, res, found)
	if err != nil {
		return nil, false, nil, err
	}

	mutated := false
	for _, unit := range c.deps.Strategy.Plan(found) {
		ur, err := c.unit(ctx, idx, unit, base, res.TimedOut)
		if err != nil {
			return nil, false, nil, err
		}
		a.Classification = ur.class
		if ur.apply != "" {
			a.ApplyResult = ur.apply
		}
		if ur.applied {
			mutated = true
		}
		if ur.abort != nil {
			if mutated {
				a.ApplyResult = domain.ApplyApplied
			}
			return a, mutated, ur.abort, nil
		}
	}
	if mutated {
		a.ApplyResult = domain.ApplyApplied
		c.feedback = ""
	} else {
		a.Error = c.feedback
	}
	return a, mutated, nil, nil
}

// repairInput gathers the parts of the prompt shared by every unit of an attempt
func (c *Controller) repairInput(ctx context.Context, idx int, res *runner.Result, found []domain.Issue) (prompts.RepairInput, error) {
	status, err := c.deps.Git.Status(ctx)
	if err != nil {
		return prompts.RepairInput{}, fmt.Errorf("git status: %w", err)
	}
	diff, err := c.deps.Git.Diff(ctx, c.opts.MaxDiffChars, c.opts.MaxDiffLines)
	if err != nil {
		return prompts.RepairInput{}, fmt.Errorf("git diff: %w", err)
	}
	in := prompts.RepairInput{
		CICommand:   c.opts.CICommand,
		Attempt:     idx,
		MaxAttempts: c.opts.MaxAttempts,
		GitStatus:   status,
		Issues:      found,
		Log:         runner.Tail(res.Output, c.opts.LogTail),
		PatchError:  c.feedback,
	}
	if diff.Truncated {
		in.DiffStat = diff.Stat
	} else {
		in.Diff = diff.Text
	}
	return in, nil
}

func (c *Controller) focusedDiff(ctx context.Context, files []string) string {
	var out string
	for _, f := range files {
		d, err := c.deps.Git.FileDiff(ctx, f)
		if err != nil {
			clog.FromContext(ctx).Debug("file diff failed", "file", f, "error", err)
			continue
		}
		out += d
	}
	return out
}

func (c *Controller) finalize(ctx context.Context) (*Outcome, error) {
	if err := c.to(StateFinalize); err != nil {
		return nil, err
	}
	out := &Outcome{Session: c.sess}
	if c.opts.Commit {
		out.CommitMessage = c.commit(ctx)
	}
	if err := c.to(StateDone); err != nil {
		return nil, err
	}
	out.State = c.state
	return out, nil
}

func (c *Controller) abort(ctx context.Context, rerr *Error) (*Outcome, error) {
	if err := c.to(StateAbort); err != nil {
		return nil, err
	}
	clog.FromContext(ctx).Error("repair aborted", "kind", rerr.Kind, "attempt", rerr.Attempt, "error", rerr)
	c.printf("aborting: %s", rerr)
	c.printf("artifacts: %s", c.run.Dir)
	for _, p := range rerr.Artifacts {
		c.printf("  %s", p)
	}
	if c.deps.Notify != nil {
		err := c.deps.Notify.Send(notify.Notification{
			Title:   "ci-repair aborted: " + string(rerr.Kind),
			Message: rerr.Error(),
			Type:    notify.NotifyError,
			Target:  c.opts.Repo,
			Link:    c.run.Dir,
		})
		if err != nil {
			clog.FromContext(ctx).Warn("abort notification failed", "error", err)
		}
	}
	return &Outcome{Session: c.sess, State: c.state, Err: rerr}, nil
}

// NewRunID returns a sortable run identifier for t
func NewRunID(t time.Time) string {
	return t.UTC().Format("20060102T150405") + "-" + uuid.NewString()[:8]
}

func patchHash(diff string) string {
	sum := sha256.Sum256([]byte(diff))
	return hex.EncodeToString(sum[:])
}
