// Package driver sweeps many repositories in parallel, one worker process
// per repository, then remediates the failures one at a time.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"

	"github.com/hochfrequenz/ci-repair-loop/internal/archive"
	"github.com/hochfrequenz/ci-repair-loop/internal/config"
	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
	"github.com/hochfrequenz/ci-repair-loop/internal/notify"
	"github.com/hochfrequenz/ci-repair-loop/internal/observer"
)

// Options configures a sweep
type Options struct {
	Root          string
	Targets       []string
	MaxParallel   int
	TargetTimeout time.Duration
	PollInterval  time.Duration
	OutputDir     string
	Remediate     bool
	// Out receives "[driver]" progress lines and the final report. Nil discards them.
	Out io.Writer
}

// OptionsFromConfig maps the driver section of cfg onto Options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Root:          cfg.Driver.Root,
		Targets:       cfg.Driver.Targets,
		MaxParallel:   cfg.Driver.MaxParallel,
		TargetTimeout: cfg.Driver.TargetTimeout.Std(),
		PollInterval:  cfg.Driver.PollInterval.Std(),
		OutputDir:     config.ExpandPath(cfg.Driver.OutputDir),
		Remediate:     cfg.Driver.Remediate,
	}
}

// Driver runs sweeps
type Driver struct {
	opts       Options
	launcher   Launcher
	remediator Remediator
	archive    *archive.Store
	notifier   notify.Notifier
	observer   *observer.Observer
	pool       *Pool
}

// Option customizes a Driver
type Option func(*Driver)

// WithRemediator enables the sequential remediation pass
func WithRemediator(r Remediator) Option { return func(d *Driver) { d.remediator = r } }

// WithArchive indexes every target in the archive
func WithArchive(s *archive.Store) Option { return func(d *Driver) { d.archive = s } }

// WithNotifier sends a notification when the sweep ends
func WithNotifier(n notify.Notifier) Option { return func(d *Driver) { d.notifier = n } }

// New creates a driver. The parallelism ceiling is fixed here.
func New(opts Options, launcher Launcher, options ...Option) (*Driver, error) {
	if launcher == nil {
		return nil, errors.New("driver: launcher is required")
	}
	if opts.OutputDir == "" {
		return nil, errors.New("driver: output directory is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	d := &Driver{
		opts:     opts,
		launcher: launcher,
		notifier: notify.NoopNotifier{},
		observer: observer.New(opts.TargetTimeout),
		pool:     NewPool(DefaultCeiling(opts.MaxParallel)),
	}
	d.pool.SetOnSlotsChanged(func(available int) {
		observer.WorkersLive(d.pool.MaxJobs() - available)
	})
	for _, o := range options {
		o(d)
	}
	return d, nil
}

// Ceiling returns the live-job limit of this driver
func (d *Driver) Ceiling() int { return d.pool.MaxJobs() }

// Peak returns the most workers that were live at once
func (d *Driver) Peak() int { return d.pool.Peak() }

// Report is the outcome of one sweep
type Report struct {
	SweepID     string
	Ceiling     int
	Targets     []*domain.RepoTarget
	Remediation []RemediationResult
	StartedAt   time.Time
	Duration    time.Duration
}

// Count returns how many targets ended in status
func (r *Report) Count(status domain.TargetStatus) int {
	n := 0
	for _, t := range r.Targets {
		if t.Status == status {
			n++
		}
	}
	return n
}

// ExitCode is 0 when no target failed or timed out, TargetTimeout's code
// when only timeouts remain, and 1 otherwise. Missing targets are warnings.
func (r *Report) ExitCode() int {
	fails, timeouts := r.Count(domain.TargetFail), r.Count(domain.TargetTimeout)
	switch {
	case fails == 0 && timeouts == 0:
		return 0
	case fails == 0:
		return exitTargetTimeout
	}
	return 1
}

// exitTargetTimeout matches the repair exit code of TargetTimeout
const exitTargetTimeout = 18

type job struct {
	target  *domain.RepoTarget
	proc    Process
	started time.Time
}

// Run performs one sweep: resolve targets, run workers within the ceiling,
// collect status tokens, then remediate failures sequentially. It never
// re-sweeps; a second invocation verifies convergence.
func (d *Driver) Run(ctx context.Context) (*Report, error) {
	if err := os.MkdirAll(d.opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	report := &Report{
		SweepID:   uuid.NewString(),
		Ceiling:   d.pool.MaxJobs(),
		StartedAt: time.Now(),
	}
	log := clog.FromContext(ctx).With("sweep", report.SweepID)
	ctx = clog.WithLogger(ctx, log)

	targets, err := d.resolve()
	if err != nil {
		return nil, err
	}
	report.Targets = targets
	d.printf("sweeping %d target(s), ceiling %d", len(targets), report.Ceiling)

	if err := d.sweep(ctx, targets); err != nil {
		return nil, err
	}
	if err := d.writeSummary(report); err != nil {
		log.Warn("writing summary failed", "error", err)
	}
	for _, t := range targets {
		if d.archive != nil {
			if err := d.archive.RecordTarget(report.SweepID, t); err != nil {
				log.Warn("indexing target failed", "target", t.Name, "error", err)
			}
		}
	}

	if d.opts.Remediate && d.remediator != nil {
		report.Remediation = d.remediate(ctx, targets)
	}
	report.Duration = time.Since(report.StartedAt)
	d.notify(report)
	return report, nil
}

// resolve turns configured names into targets; absent directories are Missing
func (d *Driver) resolve() ([]*domain.RepoTarget, error) {
	specs := d.opts.Targets
	if len(specs) == 0 && d.opts.Root != "" {
		found, err := discover(config.ExpandPath(d.opts.Root), d.opts.OutputDir)
		if err != nil {
			return nil, err
		}
		specs = found
	}
	if len(specs) == 0 {
		return nil, errors.New("driver: no targets")
	}
	seen := map[string]bool{}
	var out []*domain.RepoTarget
	for _, spec := range specs {
		path := config.ExpandPath(spec)
		if !filepath.IsAbs(path) && d.opts.Root != "" {
			path = filepath.Join(config.ExpandPath(d.opts.Root), path)
		}
		path, _ = filepath.Abs(path)
		name := filepath.Base(path)
		if seen[name] {
			return nil, fmt.Errorf("driver: duplicate target name %q", name)
		}
		seen[name] = true

		t := &domain.RepoTarget{
			Name:       name,
			Path:       path,
			Status:     domain.TargetPending,
			LogPath:    LogPath(d.opts.OutputDir, name),
			StatusPath: StatusPath(d.opts.OutputDir, name),
		}
		if info, err := os.Stat(path); err != nil || !info.IsDir() {
			t.Status = domain.TargetMissing
		}
		out = append(out, t)
	}
	return out, nil
}

// discover lists the non-hidden directories under root, skipping the output
// directory when it lives there
func discover(root, outputDir string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("driver: reading root: %w", err)
	}
	outAbs, _ := filepath.Abs(outputDir)
	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if abs, _ := filepath.Abs(filepath.Join(root, e.Name())); abs == outAbs {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (d *Driver) sweep(ctx context.Context, targets []*domain.RepoTarget) error {
	log := clog.FromContext(ctx)

	var pending []*domain.RepoTarget
	for _, t := range targets {
		status := t.Status
		if status == domain.TargetMissing {
			d.printf("%s: missing (%s)", t.Name, t.Path)
		}
		if err := WriteStatus(t.StatusPath, status); err != nil {
			return fmt.Errorf("writing status for %s: %w", t.Name, err)
		}
		if status == domain.TargetPending {
			pending = append(pending, t)
		} else {
			d.finish(ctx, t, status)
		}
	}

	wake := make(chan struct{}, 1)
	watcher, err := observer.NewStatusWatcher(d.opts.OutputDir, func([]string) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	if err != nil {
		log.Warn("status watcher unavailable, polling only", "error", err)
	} else {
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	live := map[string]*job{}
	for len(pending) > 0 || len(live) > 0 {
		for len(pending) > 0 && d.pool.Acquire() {
			t := pending[0]
			pending = pending[1:]
			now := time.Now()
			t.StartedAt = now
			proc, err := d.launcher.Launch(ctx, t)
			if err != nil {
				log.Error("launch failed", "target", t.Name, "error", err)
				d.pool.Release()
				d.settle(ctx, t, domain.TargetFail)
				continue
			}
			d.printf("%s: started", t.Name)
			live[t.Name] = &job{target: t, proc: proc, started: now}
		}

		select {
		case <-ctx.Done():
			for _, j := range live {
				j.proc.Kill()
			}
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}

		now := time.Now()
		for name, j := range live {
			status, done := d.poll(j, now)
			if !done {
				continue
			}
			delete(live, name)
			d.pool.Release()
			d.settle(ctx, j.target, status)
		}
	}
	return nil
}

// poll decides whether a job has finished and with which status. A
// terminal token finishes the job even if the process lingers; it is
// killed so the slot is really free.
func (d *Driver) poll(j *job, now time.Time) (domain.TargetStatus, bool) {
	if status, ok := ReadStatus(j.target.StatusPath); ok && status.Terminal() {
		if !j.proc.Exited() {
			j.proc.Kill()
		}
		return status, true
	}
	if j.proc.Exited() {
		// the token may have landed between the two checks
		if status, ok := ReadStatus(j.target.StatusPath); ok && status.Terminal() {
			return status, true
		}
		return domain.TargetFail, true
	}
	if d.opts.TargetTimeout > 0 && observer.IsHung(j.started, now, d.opts.TargetTimeout) {
		j.proc.Kill()
		return domain.TargetTimeout, true
	}
	return "", false
}

// settle writes the driver-decided status and records the completion
func (d *Driver) settle(ctx context.Context, t *domain.RepoTarget, status domain.TargetStatus) {
	if current, ok := ReadStatus(t.StatusPath); !ok || current != status {
		if err := WriteStatus(t.StatusPath, status); err != nil {
			clog.FromContext(ctx).Warn("writing status failed", "target", t.Name, "error", err)
		}
	}
	d.finish(ctx, t, status)
}

func (d *Driver) finish(ctx context.Context, t *domain.RepoTarget, status domain.TargetStatus) {
	t.Status = status
	t.FinishedAt = time.Now()
	d.observer.RecordCompletion(t.Name, status, t.Duration())
	clog.FromContext(ctx).Info("target finished", "target", t.Name, "status", status, "duration", t.Duration())
	if !t.StartedAt.IsZero() {
		d.printf("%s: %s in %s", t.Name, status, t.Duration().Round(time.Second))
	}
}

func (d *Driver) printf(format string, args ...any) {
	fmt.Fprintf(d.opts.Out, "[driver] "+format+"\n", args...)
}

type summaryEntry struct {
	Name       string              `json:"name"`
	Path       string              `json:"path"`
	Status     domain.TargetStatus `json:"status"`
	DurationMS int64               `json:"duration_ms"`
	LogPath    string              `json:"log_path"`
	StartedAt  time.Time           `json:"started_at,omitzero"`
	FinishedAt time.Time           `json:"finished_at,omitzero"`
}

type summaryFile struct {
	SweepID   string         `json:"sweep_id"`
	StartedAt time.Time      `json:"started_at"`
	Ceiling   int            `json:"ceiling"`
	Targets   []summaryEntry `json:"targets"`
}

func (d *Driver) writeSummary(r *Report) error {
	s := summaryFile{SweepID: r.SweepID, StartedAt: r.StartedAt, Ceiling: r.Ceiling}
	for _, t := range r.Targets {
		s.Targets = append(s.Targets, summaryEntry{
			Name:       t.Name,
			Path:       t.Path,
			Status:     t.Status,
			DurationMS: t.Duration().Milliseconds(),
			LogPath:    t.LogPath,
			StartedAt:  t.StartedAt,
			FinishedAt: t.FinishedAt,
		})
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d.opts.OutputDir, SummaryName), data, 0644)
}

// ReadSummary loads the summary.json of an output directory. A missing file
// is reported with an error wrapping os.ErrNotExist.
func ReadSummary(dir string) ([]*domain.RepoTarget, error) {
	data, err := os.ReadFile(filepath.Join(dir, SummaryName))
	if err != nil {
		return nil, err
	}
	var s summaryFile
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", SummaryName, err)
	}
	out := make([]*domain.RepoTarget, 0, len(s.Targets))
	for _, e := range s.Targets {
		out = append(out, &domain.RepoTarget{
			Name:       e.Name,
			Path:       e.Path,
			Status:     e.Status,
			LogPath:    e.LogPath,
			StatusPath: StatusPath(dir, e.Name),
			StartedAt:  e.StartedAt,
			FinishedAt: e.FinishedAt,
		})
	}
	return out, nil
}

func (d *Driver) notify(r *Report) {
	n := notify.Notification{
		Title:   "ci-repair sweep finished",
		Message: summaryLine(r),
		Type:    notify.NotifySuccess,
		Target:  notifyTarget(r, d.opts.Root),
		Link:    filepath.Join(d.opts.OutputDir, SummaryName),
	}
	if r.ExitCode() != 0 {
		n.Type = notify.NotifyError
	} else if r.Count(domain.TargetMissing) > 0 {
		n.Type = notify.NotifyWarning
	}
	d.notifier.Send(n)
}

// notifyTarget names the targets that need attention, Timeout first, or
// the sweep root when none do
func notifyTarget(r *Report, root string) string {
	var names []string
	for _, t := range RemediationOrder(r.Targets) {
		names = append(names, t.Name)
	}
	if len(names) == 0 {
		return root
	}
	return strings.Join(names, ", ")
}

func summaryLine(r *Report) string {
	order := []domain.TargetStatus{domain.TargetPass, domain.TargetSkip, domain.TargetFail, domain.TargetTimeout, domain.TargetMissing}
	var parts []string
	for _, s := range order {
		if n := r.Count(s); n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	if len(parts) == 0 {
		return "no targets"
	}
	return fmt.Sprintf("%s in %s", strings.Join(parts, ", "), r.Duration.Round(time.Second))
}
