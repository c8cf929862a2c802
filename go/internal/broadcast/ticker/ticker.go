// Package ticker delivers periodic "time advanced" signals to a turn engine.
//
// A Worker runs its schedule on a dedicated goroutine and talks to its owner
// only through channels: start/stop commands in, tick timestamps out. Inline
// is the degraded fallback whose ticks come straight from a clock ticker read
// by the owner's own loop.
package ticker

import (
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultInterval is the 10Hz cadence used by turn engines.
const DefaultInterval = 100 * time.Millisecond

// ErrNoCapacity is returned when a Pool cannot host another worker.
var ErrNoCapacity = errors.New("ticker pool has no free worker")

// Ticker emits the clock reading every interval while started.
//
// Start replaces any running schedule. Stop is idempotent, and once it returns
// no tick of the stopped schedule is received from C. C may change after
// Start, so owners read it on every wait.
type Ticker interface {
	Start(interval time.Duration)
	Stop()
	C() <-chan time.Time
	Close()
}

// Pool bounds the number of worker goroutines a process runs.
type Pool struct {
	clock clockwork.Clock
	slots chan struct{}
}

// NewPool creates a pool hosting at most size workers. A pool with size <= 0
// never hands out workers.
func NewPool(clock clockwork.Clock, size int) *Pool {
	if size < 0 {
		size = 0
	}
	return &Pool{
		clock: clock,
		slots: make(chan struct{}, size),
	}
}

// NewWorker starts a worker goroutine, or returns ErrNoCapacity.
func (p *Pool) NewWorker() (*Worker, error) {
	select {
	case p.slots <- struct{}{}:
	default:
		return nil, ErrNoCapacity
	}
	return newWorker(p.clock, func() { <-p.slots }), nil
}

// InUse returns the number of live workers.
func (p *Pool) InUse() int {
	return len(p.slots)
}

// Clock returns the clock workers of this pool run on.
func (p *Pool) Clock() clockwork.Clock {
	return p.clock
}

// drain discards a pending tick, if any.
func drain(ch <-chan time.Time) {
	if ch == nil {
		return
	}
	select {
	case <-ch:
	default:
	}
}
