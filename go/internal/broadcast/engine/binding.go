// Package engine keeps a live turn state for one viewer of one room.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/broadcast/ticker"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/broadcast/turn"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotManual     = errors.New("room does not advance manually")
	ErrRoundInactive = errors.New("round is not running")
	ErrNoWriter      = errors.New("binding has no anchor writer")
)

// AnchorWriter persists an anchor change to the shared store. observed is the
// anchor the change was computed from.
type AnchorWriter interface {
	WriteAnchor(ctx context.Context, observed, next turn.Anchor) error
}

// Inputs are the shared values a turn state is derived from.
type Inputs struct {
	Anchor turn.Anchor
	Config turn.Config
	Me     turn.NullIndex
}

// Config holds binding settings.
type Config struct {
	Clock         clockwork.Clock
	Pool          *ticker.Pool
	TickInterval  time.Duration
	OnTurnStarted func(turn.TurnState)
	OnTurnEnded   func(turn.TurnState)
}

// Binding re-evaluates the turn calculator on every tick of its own ticker.
// The ticker only runs while the round is active.
type Binding struct {
	clock    clockwork.Clock
	pool     *ticker.Pool
	interval time.Duration
	writer   AnchorWriter
	started  func(turn.TurnState)
	ended    func(turn.TurnState)

	wake chan struct{}

	mu     sync.RWMutex
	inputs Inputs
	state  turn.TurnState
	subs   map[chan turn.TurnState]struct{}

	// owned by the Run goroutine
	tk         ticker.Ticker
	activation turn.Anchor
	edges      turn.EdgeDetector
}

// NewBinding creates a binding. writer may be nil when the viewer never advances.
func NewBinding(cfg Config, writer AnchorWriter) *Binding {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Pool == nil {
		cfg.Pool = ticker.NewPool(cfg.Clock, 1)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = ticker.DefaultInterval
	}
	return &Binding{
		clock:    cfg.Clock,
		pool:     cfg.Pool,
		interval: cfg.TickInterval,
		writer:   writer,
		started:  cfg.OnTurnStarted,
		ended:    cfg.OnTurnEnded,
		wake:     make(chan struct{}, 1),
		state:    turn.TurnState{Status: turn.StatusWaiting},
		subs:     make(map[chan turn.TurnState]struct{}),
	}
}

// Update replaces the inputs. An active anchor with an invalid config is
// rejected and the previous inputs stay in effect.
func (b *Binding) Update(in Inputs) error {
	if in.Anchor.Active() {
		if err := in.Config.Validate(); err != nil {
			return fmt.Errorf("update binding: %w", err)
		}
	}

	b.mu.Lock()
	b.inputs = in
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

// Inputs returns the inputs currently in effect.
func (b *Binding) Inputs() Inputs {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.inputs
}

// State returns the freshest turn state.
func (b *Binding) State() turn.TurnState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Subscribe returns a channel holding the latest state. A state not yet read
// is replaced by a newer one. cancel must be called to release it.
func (b *Binding) Subscribe() (<-chan turn.TurnState, func()) {
	ch := make(chan turn.TurnState, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	ch <- b.state
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
		})
	}
}

// Advance asks the store to move a manual round to the next turn. Local state
// is not changed: the new anchor arrives through the next Update.
func (b *Binding) Advance(ctx context.Context) error {
	in := b.Inputs()
	tick, ok := in.Anchor.Tick()
	if !ok {
		if in.Anchor.Active() {
			return ErrNotManual
		}
		return ErrRoundInactive
	}
	if b.writer == nil {
		return ErrNoWriter
	}

	next := turn.TickAnchor(tick + 1)
	if err := b.writer.WriteAnchor(ctx, in.Anchor, next); err != nil {
		return fmt.Errorf("advance to tick %d: %w", tick+1, err)
	}
	log.Debug().Int("tick", tick+1).Msg("advance written")
	return nil
}

// Run evaluates the turn state until ctx is done. The ticker is stopped and
// released before Run returns.
func (b *Binding) Run(ctx context.Context) error {
	defer b.teardown()

	b.apply()
	for {
		var tickC <-chan time.Time
		if b.tk != nil {
			tickC = b.tk.C()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-b.wake:
			b.apply()
		case <-tickC:
			b.evaluate()
		}
	}
}

// apply reacts to new inputs: the ticker follows the anchor's activation.
func (b *Binding) apply() {
	anchor := b.Inputs().Anchor

	switch {
	case !anchor.Active():
		b.releaseTicker()
	case b.tk == nil || !b.activation.SameActivation(anchor):
		b.startTicker()
	}
	b.activation = anchor
	b.evaluate()
}

func (b *Binding) startTicker() {
	if b.tk == nil {
		w, err := b.pool.NewWorker()
		if err != nil {
			log.Warn().Err(err).Msg("ticker worker unavailable, falling back to inline ticker")
			b.tk = ticker.NewInline(b.clock)
		} else {
			b.tk = w
		}
	}
	b.tk.Start(b.interval)
}

func (b *Binding) releaseTicker() {
	if b.tk == nil {
		return
	}
	b.tk.Stop()
	b.tk.Close()
	b.tk = nil
}

func (b *Binding) evaluate() {
	in := b.Inputs()
	st := turn.Calculate(b.clock.Now(), in.Anchor, in.Config, in.Me)

	// side effects run before the state becomes visible
	switch b.edges.Observe(st) {
	case turn.EdgeTurnStarted:
		if b.started != nil {
			b.started(st)
		}
	case turn.EdgeTurnEnded:
		if b.ended != nil {
			b.ended(st)
		}
	}

	b.mu.Lock()
	b.state = st
	for ch := range b.subs {
		offer(ch, st)
	}
	b.mu.Unlock()
}

func (b *Binding) teardown() {
	b.releaseTicker()
	if b.edges.Reset() == turn.EdgeTurnEnded && b.ended != nil {
		b.ended(b.State())
	}
}

// offer replaces an unread state with st.
func offer(ch chan turn.TurnState, st turn.TurnState) {
	select {
	case ch <- st:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- st:
	default:
	}
}
