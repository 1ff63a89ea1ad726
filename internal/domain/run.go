package domain

import "time"

// Attempt is one run-CI/request-fix/apply cycle. It is archived and
// never mutated once the cycle closes.
type Attempt struct {
	Index          int
	ExitCode       int
	Log            string
	Issues         []Issue
	Classification Classification
	ApplyResult    ApplyResult
	Error          string
	StartedAt      time.Time
	FinishedAt     time.Time
}

// PatchCandidate is an unparsed fix attempt from the agent
type PatchCandidate struct {
	Response       string
	Diff           string
	Classification Classification
}

// RunSession is one repair controller execution
type RunSession struct {
	ID          string
	Repo        string
	Strategy    string
	MaxAttempts int
	ArchiveDir  string
	Attempts    []Attempt
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// LastAttempt returns the most recent attempt, or nil before the first one.
func (s *RunSession) LastAttempt() *Attempt {
	if len(s.Attempts) == 0 {
		return nil
	}
	return &s.Attempts[len(s.Attempts)-1]
}

// NextIndex returns the index the next attempt must use.
func (s *RunSession) NextIndex() int {
	if a := s.LastAttempt(); a != nil {
		return a.Index + 1
	}
	return 1
}

// RepoTarget is one repository under the multi-repo driver
type RepoTarget struct {
	Name       string
	Path       string
	Status     TargetStatus
	LogPath    string
	StatusPath string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns how long the target ran, zero if it never started.
func (t *RepoTarget) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.FinishedAt.IsZero() {
		return 0
	}
	return t.FinishedAt.Sub(t.StartedAt)
}
