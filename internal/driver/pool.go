package driver

import (
	"runtime"
	"sync"
)

// Ceiling returns the live-job limit for a sweep: maxParallel when set,
// otherwise half the cores, never below one.
func Ceiling(maxParallel, numCPU int) int {
	if maxParallel > 0 {
		return maxParallel
	}
	return max(1, numCPU/2)
}

// DefaultCeiling applies Ceiling to this machine
func DefaultCeiling(maxParallel int) int {
	return Ceiling(maxParallel, runtime.NumCPU())
}

// Pool manages a fixed number of job slots. The size never changes after
// construction.
type Pool struct {
	maxJobs        int
	available      int
	peak           int
	mu             sync.Mutex
	onSlotsChanged func(available int)
}

// NewPool creates a pool with the given capacity
func NewPool(maxJobs int) *Pool {
	return &Pool{
		maxJobs:   maxJobs,
		available: maxJobs,
	}
}

// SetOnSlotsChanged sets a callback invoked whenever slot availability changes
func (p *Pool) SetOnSlotsChanged(callback func(available int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSlotsChanged = callback
}

// Acquire tries to claim a job slot. Returns true if successful.
func (p *Pool) Acquire() bool {
	p.mu.Lock()
	if p.available <= 0 {
		p.mu.Unlock()
		return false
	}
	p.available--
	if used := p.maxJobs - p.available; used > p.peak {
		p.peak = used
	}
	callback := p.onSlotsChanged
	available := p.available
	p.mu.Unlock()

	// outside the lock so the callback may call back into the pool
	if callback != nil {
		callback(available)
	}
	return true
}

// Release returns a job slot to the pool
func (p *Pool) Release() {
	p.mu.Lock()
	if p.available < p.maxJobs {
		p.available++
	}
	callback := p.onSlotsChanged
	available := p.available
	p.mu.Unlock()

	if callback != nil {
		callback(available)
	}
}

// Peak returns the highest number of slots held at once
func (p *Pool) Peak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

// MaxJobs returns the pool capacity
func (p *Pool) MaxJobs() int {
	return p.maxJobs
}
