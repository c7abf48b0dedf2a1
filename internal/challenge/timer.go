package challenge

import (
	"sync"
	"time"
)

// DeadlineTimer fires a callback after a fixed duration unless stopped.
// It is safe for concurrent use and Stop is idempotent, so a terminal
// transition can always cancel it without caring whether it already fired.
type DeadlineTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewDeadlineTimer creates and starts a timer that calls onFire after
// duration. onFire is called in a separate goroutine.
//
// Precondition: duration > 0; onFire must not be nil.
// Postcondition: Returns a running DeadlineTimer; onFire will be called
// unless Stop is called first.
func NewDeadlineTimer(duration time.Duration, onFire func()) *DeadlineTimer {
	dt := &DeadlineTimer{}
	dt.timer = time.AfterFunc(duration, func() {
		dt.mu.Lock()
		stopped := dt.stopped
		dt.mu.Unlock()
		if !stopped {
			onFire()
		}
	})
	return dt
}

// Stop prevents the callback from firing. Safe to call multiple times and
// after the callback has already run.
//
// Postcondition: onFire will not be called after Stop returns.
func (dt *DeadlineTimer) Stop() {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	dt.stopped = true
	dt.timer.Stop()
}
