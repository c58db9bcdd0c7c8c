package kernel

import (
	"context"
	"errors"
	"time"
)

// ErrLoopStopped is returned by Do once Run has returned.
var ErrLoopStopped = errors.New("kernel loop stopped")

// DefaultTickInterval is how often Loop advances timers.
const DefaultTickInterval = 250 * time.Millisecond

// Loop owns a Kernel on a single goroutine. Other goroutines reach it
// through Do; a ticker advances deferred-event and safe-mode timers.
type Loop struct {
	kernel   *Kernel
	interval time.Duration
	calls    chan loopCall
	stopped  chan struct{}
}

type loopCall struct {
	fn   func(*Kernel)
	done chan struct{}
}

// NewLoop wraps k. A non-positive interval uses DefaultTickInterval.
func NewLoop(k *Kernel, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Loop{
		kernel:   k,
		interval: interval,
		calls:    make(chan loopCall),
		stopped:  make(chan struct{}),
	}
}

// Run serves calls and ticks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.stopped)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.kernel.Tick()
		case c := <-l.calls:
			c.fn(l.kernel)
			close(c.done)
		}
	}
}

// Do runs fn on the loop goroutine and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func(*Kernel)) error {
	c := loopCall{fn: fn, done: make(chan struct{})}
	select {
	case l.calls <- c:
	case <-l.stopped:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
