// Package session runs one viewer's view of one room: it keeps the engine
// binding fed with the shared anchor and rotation, records presence and
// turns the viewer's actions into store writes.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/broadcast/engine"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/broadcast/ticker"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/broadcast/turn"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/models"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/room"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/room/realtime"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const refreshKey = "snapshot"

// Store is the shared backend a controller reads and writes. *room.App
// satisfies it.
type Store interface {
	GetRoundSnapshot(ctx context.Context, roomID uuid.UUID) (*room.RoundSnapshot, error)
	StartRound(ctx context.Context, actorID, roomID uuid.UUID) (turn.Anchor, error)
	ResetRound(ctx context.Context, actorID, roomID uuid.UUID) error
	AdvanceTurn(ctx context.Context, actorID, roomID uuid.UUID, observed turn.Anchor) (turn.Anchor, error)
	Heartbeat(ctx context.Context, roomID, userID uuid.UUID) error
}

// Subscriber pushes room change notifications.
type Subscriber interface {
	Subscribe(ctx context.Context, roomID uuid.UUID, fn func(realtime.RoomChangedPayload)) (func(), error)
}

// Cue is the audible signal of the viewer's turn.
type Cue interface {
	Play(st turn.TurnState)
	Stop()
}

type Config struct {
	RoomID            uuid.UUID
	UserID            uuid.UUID
	Clock             clockwork.Clock
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// FailureThreshold is the number of consecutive failed fetches after
	// which OnFetchFailure is called.
	FailureThreshold int
	OnFetchFailure   func(failures int, err error)
	Pool             *ticker.Pool
	TickInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:      2 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		FailureThreshold:  3,
		TickInterval:      ticker.DefaultInterval,
	}
}

// Controller is one viewer in one room.
type Controller struct {
	cfg        Config
	store      Store
	subscriber Subscriber
	cue        Cue
	binding    *engine.Binding

	refreshes singleflight.Group
	pushed    chan struct{}

	mu         sync.RWMutex
	snapshot   *room.RoundSnapshot
	fetchSeq   uint64
	appliedSeq uint64
	failures   int
}

// NewController creates a controller. subscriber and cue may be nil.
func NewController(cfg Config, store Store, subscriber Subscriber, cue Cue) *Controller {
	def := DefaultConfig()
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}

	c := &Controller{
		cfg:        cfg,
		store:      store,
		subscriber: subscriber,
		cue:        cue,
		pushed:     make(chan struct{}, 1),
	}
	c.binding = engine.NewBinding(engine.Config{
		Clock:         cfg.Clock,
		Pool:          cfg.Pool,
		TickInterval:  cfg.TickInterval,
		OnTurnStarted: c.turnStarted,
		OnTurnEnded:   c.turnEnded,
	}, anchorWriter{c})
	return c
}

// Run drives the binding, polling, push notifications and heartbeats until
// ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.binding.Run(ctx) })

	if err := c.Refresh(ctx); err != nil {
		log.Warn().Err(err).Str("room_id", c.cfg.RoomID.String()).Msg("initial fetch failed")
	}

	if c.subscriber != nil {
		stop, err := c.subscriber.Subscribe(ctx, c.cfg.RoomID, func(realtime.RoomChangedPayload) {
			select {
			case c.pushed <- struct{}{}:
			default:
			}
		})
		if err != nil {
			log.Warn().Err(err).Str("room_id", c.cfg.RoomID.String()).Msg("push notifications unavailable, polling only")
		} else {
			defer stop()
			g.Go(func() error { return c.pushLoop(ctx) })
		}
	}

	g.Go(func() error { return c.pollLoop(ctx) })
	g.Go(func() error { return c.heartbeatLoop(ctx) })

	log.Info().
		Str("room_id", c.cfg.RoomID.String()).
		Str("user_id", c.cfg.UserID.String()).
		Dur("poll_interval", c.cfg.PollInterval).
		Msg("session started")
	return g.Wait()
}

// Refresh fetches the round snapshot and applies it. Concurrent calls share
// one fetch.
func (c *Controller) Refresh(ctx context.Context) error {
	_, err, _ := c.refreshes.Do(refreshKey, func() (any, error) {
		return nil, c.fetch(ctx)
	})
	return err
}

// refreshFresh fetches without joining a fetch that may have started before
// the change being reacted to.
func (c *Controller) refreshFresh(ctx context.Context) error {
	c.refreshes.Forget(refreshKey)
	return c.Refresh(ctx)
}

func (c *Controller) fetch(ctx context.Context) error {
	c.mu.Lock()
	c.fetchSeq++
	seq := c.fetchSeq
	c.mu.Unlock()

	snap, err := c.store.GetRoundSnapshot(ctx, c.cfg.RoomID)
	if err != nil {
		c.fetchFailed(err)
		return fmt.Errorf("fetch round snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if seq < c.appliedSeq {
		// a fetch started later has already been applied
		return nil
	}

	in := engine.Inputs{
		Anchor: snap.Anchor(),
		Config: snap.Config(),
		Me:     snap.RotationIndexOf(c.cfg.UserID),
	}
	if err := c.binding.Update(in); err != nil {
		log.Error().Err(err).Str("room_id", c.cfg.RoomID.String()).Msg("rejected round snapshot, keeping last state")
		return err
	}
	c.snapshot = snap
	c.appliedSeq = seq
	c.failures = 0
	return nil
}

func (c *Controller) fetchFailed(err error) {
	c.mu.Lock()
	c.failures++
	failures := c.failures
	c.mu.Unlock()

	log.Warn().Err(err).Int("failures", failures).Str("room_id", c.cfg.RoomID.String()).Msg("fetch failed, keeping last state")
	if failures == c.cfg.FailureThreshold && c.cfg.OnFetchFailure != nil {
		c.cfg.OnFetchFailure(failures, err)
	}
}

// Start begins a round. Owner only.
func (c *Controller) Start(ctx context.Context) error {
	if _, err := c.store.StartRound(ctx, c.cfg.UserID, c.cfg.RoomID); err != nil {
		return fmt.Errorf("start round: %w", err)
	}
	return c.refreshFresh(ctx)
}

// Reset stops the round. Owner only.
func (c *Controller) Reset(ctx context.Context) error {
	if err := c.store.ResetRound(ctx, c.cfg.UserID, c.cfg.RoomID); err != nil {
		return fmt.Errorf("reset round: %w", err)
	}
	return c.refreshFresh(ctx)
}

// Advance hands a manual round to the next member. The displayed state
// changes only once the written anchor has been fetched back.
func (c *Controller) Advance(ctx context.Context) error {
	err := c.binding.Advance(ctx)
	if err != nil && !errors.Is(err, room.ErrStaleAnchor) {
		return err
	}
	if rerr := c.refreshFresh(ctx); rerr != nil && err == nil {
		return rerr
	}
	return err
}

// State returns the freshest turn state.
func (c *Controller) State() turn.TurnState {
	return c.binding.State()
}

// Subscribe streams turn states, see engine.Binding.Subscribe.
func (c *Controller) Subscribe() (<-chan turn.TurnState, func()) {
	return c.binding.Subscribe()
}

// Snapshot returns the last applied snapshot, or nil before the first fetch.
func (c *Controller) Snapshot() *room.RoundSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Assignee returns the member holding the current turn.
func (c *Controller) Assignee() (models.RoomMember, bool) {
	snap := c.Snapshot()
	if snap == nil {
		return models.RoomMember{}, false
	}
	return snap.MemberAt(c.State().Assignee)
}

// Failures returns the number of consecutive failed fetches.
func (c *Controller) Failures() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failures
}

func (c *Controller) pollLoop(ctx context.Context) error {
	t := c.cfg.Clock.NewTicker(c.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
			_ = c.Refresh(ctx)
		}
	}
}

func (c *Controller) pushLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.pushed:
			_ = c.refreshFresh(ctx)
		}
	}
}

func (c *Controller) heartbeatLoop(ctx context.Context) error {
	t := c.cfg.Clock.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		c.heartbeat(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
		}
	}
}

func (c *Controller) heartbeat(ctx context.Context) {
	err := c.store.Heartbeat(ctx, c.cfg.RoomID, c.cfg.UserID)
	switch {
	case err == nil:
	case errors.Is(err, room.ErrNotMember):
		log.Info().Str("room_id", c.cfg.RoomID.String()).Msg("no longer a member of the room")
	case ctx.Err() == nil:
		log.Warn().Err(err).Str("room_id", c.cfg.RoomID.String()).Msg("heartbeat failed")
	}
}

func (c *Controller) turnStarted(st turn.TurnState) {
	log.Info().Str("room_id", c.cfg.RoomID.String()).Int("tick", st.CurrentTick).Msg("your turn")
	if c.cue != nil {
		c.cue.Play(st)
	}
}

func (c *Controller) turnEnded(turn.TurnState) {
	if c.cue != nil {
		c.cue.Stop()
	}
}

// anchorWriter sends the binding's manual advances to the store.
type anchorWriter struct {
	c *Controller
}

func (w anchorWriter) WriteAnchor(ctx context.Context, observed, _ turn.Anchor) error {
	_, err := w.c.store.AdvanceTurn(ctx, w.c.cfg.UserID, w.c.cfg.RoomID, observed)
	return err
}
