package observer

import (
	"sync"
	"time"

	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
)

// Observer tracks driver targets and flags hung ones
type Observer struct {
	hangThreshold time.Duration

	completions []completion
	mu          sync.RWMutex
}

type completion struct {
	Target      string
	Status      domain.TargetStatus
	Duration    time.Duration
	CompletedAt time.Time
}

// Summary holds aggregated counts for one sweep
type Summary struct {
	TotalCompleted int
	TotalFailed    int
	TotalTimeouts  int
	AvgDuration    time.Duration
	Slowest        string
}

// New creates a new Observer
func New(hangThreshold time.Duration) *Observer {
	return &Observer{
		hangThreshold: hangThreshold,
	}
}

// IsHung reports whether something started at started has been running
// longer than threshold at now. A zero start time is never hung.
func IsHung(started, now time.Time, threshold time.Duration) bool {
	if started.IsZero() || threshold <= 0 {
		return false
	}
	return now.Sub(started) > threshold
}

// IsHung returns true if a pending target has exceeded the hang threshold
func (o *Observer) IsHung(t *domain.RepoTarget, now time.Time) bool {
	if t.Status.Terminal() {
		return false
	}
	return IsHung(t.StartedAt, now, o.hangThreshold)
}

// RecordCompletion records a terminal target and feeds the metrics
func (o *Observer) RecordCompletion(target string, status domain.TargetStatus, duration time.Duration) {
	o.mu.Lock()
	o.completions = append(o.completions, completion{
		Target:      target,
		Status:      status,
		Duration:    duration,
		CompletedAt: time.Now(),
	})
	o.mu.Unlock()

	TargetFinished(status)
}

// Summary returns aggregated counts
func (o *Observer) Summary() Summary {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var s Summary
	var total, slowest time.Duration
	for _, c := range o.completions {
		s.TotalCompleted++
		switch c.Status {
		case domain.TargetFail:
			s.TotalFailed++
		case domain.TargetTimeout:
			s.TotalTimeouts++
		}
		total += c.Duration
		if c.Duration > slowest {
			slowest = c.Duration
			s.Slowest = c.Target
		}
	}
	if s.TotalCompleted > 0 {
		s.AvgDuration = total / time.Duration(s.TotalCompleted)
	}
	return s
}

// RecentCompletions returns targets completed within the last duration
func (o *Observer) RecentCompletions(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := time.Now().Add(-since)
	var result []string
	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.Target)
		}
	}
	return result
}
