package sweep

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// RunFunc performs one sweep. The context carries the entry's max duration.
type RunFunc func(ctx context.Context, e Entry) error

// Scheduler starts due sweeps. Sweeps run one at a time, so the parallelism
// ceiling holds across entries and no repository is driven twice at once.
type Scheduler struct {
	entries   map[string]Entry
	schedules map[string]cron.Schedule
	lastRun   map[string]time.Time
	running   map[string]bool
	mu        sync.RWMutex
	slot      chan struct{} // held by the executing sweep
	wg        sync.WaitGroup
	now       func() time.Time
	tick      time.Duration
}

// NewScheduler validates the entries and creates a scheduler
func NewScheduler(entries []Entry) (*Scheduler, error) {
	s := &Scheduler{
		entries:   make(map[string]Entry),
		schedules: make(map[string]cron.Schedule),
		lastRun:   make(map[string]time.Time),
		running:   make(map[string]bool),
		slot:      make(chan struct{}, 1),
		now:       time.Now,
		tick:      time.Minute,
	}
	started := s.now()
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		sched, err := ParseCron(e.Cron)
		if err != nil {
			return nil, err
		}
		s.entries[e.Name] = e
		s.schedules[e.Name] = sched
		// a sweep first runs at its next slot after startup, not immediately
		s.lastRun[e.Name] = started
	}
	return s, nil
}

// NextRun returns the next scheduled run of an entry
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[name]
	if !ok {
		return time.Time{}
	}
	return sched.Next(s.now())
}

// ShouldRun reports whether an entry is due and not already running
func (s *Scheduler) ShouldRun(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[name]
	if !ok || s.running[name] {
		return false
	}
	return !s.now().Before(sched.Next(s.lastRun[name]))
}

// MarkRunning marks an entry as running
func (s *Scheduler) MarkRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

// MarkComplete marks an entry as complete
func (s *Scheduler) MarkComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = s.now()
}

// Names returns the entry names, sorted
func (s *Scheduler) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entry returns an entry by name
func (s *Scheduler) Entry(name string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	return e, ok
}

// Dispatch starts every due entry in its own goroutine and returns the
// names started. A started entry waits for the running sweep to finish;
// its max duration counts from when it gets to run.
func (s *Scheduler) Dispatch(ctx context.Context, run RunFunc) []string {
	var started []string
	for _, name := range s.Names() {
		if !s.ShouldRun(name) {
			continue
		}
		e, _ := s.Entry(name)
		s.MarkRunning(name)
		started = append(started, name)
		s.wg.Add(1)
		go func(e Entry) {
			defer s.wg.Done()
			defer s.MarkComplete(e.Name)
			log := clog.FromContext(ctx).With("sweep", e.Name)
			select {
			case s.slot <- struct{}{}:
			case <-ctx.Done():
				log.Warn("sweep not started", "error", ctx.Err())
				return
			}
			defer func() { <-s.slot }()
			if ctx.Err() != nil {
				log.Warn("sweep not started", "error", ctx.Err())
				return
			}
			runCtx, cancel := context.WithTimeout(ctx, e.MaxDuration.Std())
			defer cancel()
			log.Info("sweep starting", "targets", len(e.Targets))
			if err := run(runCtx, e); err != nil {
				log.Error("sweep failed", "error", err)
				return
			}
			log.Info("sweep finished")
		}(e)
	}
	return started
}

// Start dispatches due sweeps every minute until ctx is done, then waits for
// running sweeps to return.
func (s *Scheduler) Start(ctx context.Context, run RunFunc) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Dispatch(ctx, run)
		}
	}
}
