package ticker

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Inline is a Ticker backed by a plain clock ticker that the owner's loop
// reads directly. It has no goroutine of its own: while the owner is busy,
// ticks are coalesced and turn transitions are seen late.
type Inline struct {
	clock clockwork.Clock
	t     clockwork.Ticker
}

// NewInline creates a stopped inline ticker.
func NewInline(clock clockwork.Clock) *Inline {
	return &Inline{clock: clock}
}

// Start replaces the running schedule. Unlike Worker it emits no immediate tick.
func (i *Inline) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	i.Stop()
	i.t = i.clock.NewTicker(interval)
}

func (i *Inline) Stop() {
	if i.t == nil {
		return
	}
	i.t.Stop()
	drain(i.t.Chan())
	i.t = nil
}

// C returns the current ticker channel, or nil while stopped.
func (i *Inline) C() <-chan time.Time {
	if i.t == nil {
		return nil
	}
	return i.t.Chan()
}

func (i *Inline) Close() {
	i.Stop()
}
