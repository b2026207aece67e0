package session

import (
	"context"
	"sync"
	"time"
)

// DefaultPollInterval is how often a paused worker re-checks its signals.
const DefaultPollInterval = 500 * time.Millisecond

// Control is the signal pair shared by a session and its worker: may-run is
// cleared while paused, must-stop latches once set.
type Control struct {
	mu      sync.Mutex
	paused  bool
	stopped bool
	wake    chan struct{}
	poll    time.Duration
}

// NewControl returns a Control that may run and has no stop pending.
func NewControl(poll time.Duration) *Control {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Control{wake: make(chan struct{}, 1), poll: poll}
}

// Pause clears may-run.
func (c *Control) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume sets may-run and wakes a waiting worker.
func (c *Control) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.notify()
}

// Stop sets must-stop. It is never cleared.
func (c *Control) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.notify()
}

// MayRun reports whether the worker is allowed to make progress.
func (c *Control) MayRun() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.paused
}

// MustStop reports whether a stop has been requested.
func (c *Control) MustStop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Wait blocks while may-run is false. It returns ErrStopRequested as soon as
// must-stop is observed, ctx.Err() on cancellation and nil when the worker
// may continue.
func (c *Control) Wait(ctx context.Context) error {
	for {
		if c.MustStop() {
			return ErrStopRequested
		}
		if c.MayRun() {
			return nil
		}
		timer := time.NewTimer(c.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (c *Control) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
