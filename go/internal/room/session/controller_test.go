package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/broadcast/turn"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/models"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/room"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/room/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	eventually = time.Second
	poll       = 5 * time.Millisecond
)

type fakeStore struct {
	mu        sync.Mutex
	snap      *room.RoundSnapshot
	err       error
	advance   func(observed turn.Anchor) (turn.Anchor, error)
	observed  []turn.Anchor
	fetches   atomic.Int32
	beats     atomic.Int32
	started   atomic.Int32
	resets    atomic.Int32
	blockNext chan struct{}
}

func (s *fakeStore) set(snap *room.RoundSnapshot, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap, s.err = snap, err
}

func (s *fakeStore) GetRoundSnapshot(_ context.Context, _ uuid.UUID) (*room.RoundSnapshot, error) {
	s.mu.Lock()
	snap, err, gate := s.snap, s.err, s.blockNext
	s.blockNext = nil
	s.mu.Unlock()

	s.fetches.Add(1)
	if gate != nil {
		<-gate
	}
	return snap, err
}

func (s *fakeStore) StartRound(context.Context, uuid.UUID, uuid.UUID) (turn.Anchor, error) {
	s.started.Add(1)
	return turn.Anchor{}, nil
}

func (s *fakeStore) ResetRound(context.Context, uuid.UUID, uuid.UUID) error {
	s.resets.Add(1)
	return nil
}

func (s *fakeStore) AdvanceTurn(_ context.Context, _, _ uuid.UUID, observed turn.Anchor) (turn.Anchor, error) {
	s.mu.Lock()
	s.observed = append(s.observed, observed)
	advance := s.advance
	s.mu.Unlock()
	return advance(observed)
}

func (s *fakeStore) Heartbeat(context.Context, uuid.UUID, uuid.UUID) error {
	s.beats.Add(1)
	return nil
}

type fakeSubscriber struct {
	mu sync.Mutex
	fn func(realtime.RoomChangedPayload)
}

func (s *fakeSubscriber) Subscribe(_ context.Context, _ uuid.UUID, fn func(realtime.RoomChangedPayload)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
	return func() {}, nil
}

func (s *fakeSubscriber) push() bool {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(realtime.RoomChangedPayload{Kind: realtime.ChangeState})
	return true
}

type fakeCue struct {
	plays atomic.Int32
	stops atomic.Int32
}

func (c *fakeCue) Play(turn.TurnState) { c.plays.Add(1) }
func (c *fakeCue) Stop()               { c.stops.Add(1) }

var (
	roomID = uuid.MustParse("0b9f3a53-7d7e-4d0c-9d55-2b8c7c0f6a11")
	userID = uuid.MustParse("8a1f4b77-1c9b-44a3-b3b8-3f7f5c3a9e02")
	other  = uuid.MustParse("c7d2e0f4-6a5b-4f1e-8c3d-9b0a1e2f3d44")
)

func snapshot(anchor turn.Anchor, rt models.RoomType, users ...uuid.UUID) *room.RoundSnapshot {
	snap := &room.RoundSnapshot{
		Room:  models.Room{ID: roomID, RoomType: rt, RoundDurationSec: 80, BroadcastIntervalSec: 10},
		State: models.RoomState{RoomID: roomID, Anchor: anchor},
	}
	for i, u := range users {
		snap.Members = append(snap.Members, models.RoomMember{RoomID: roomID, UserID: u, OrderIndex: i})
	}
	return snap
}

type harness struct {
	clock      *clockwork.FakeClock
	store      *fakeStore
	subscriber *fakeSubscriber
	cue        *fakeCue
	ctrl       *Controller
	alerts     atomic.Int32
}

func newHarness(t *testing.T, snap *room.RoundSnapshot, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		clock:      clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)),
		store:      &fakeStore{snap: snap},
		subscriber: &fakeSubscriber{},
		cue:        &fakeCue{},
	}
	cfg := Config{
		RoomID:            roomID,
		UserID:            userID,
		Clock:             h.clock,
		PollInterval:      2 * time.Second,
		HeartbeatInterval: time.Hour,
		FailureThreshold:  3,
		OnFetchFailure:    func(int, error) { h.alerts.Add(1) },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.ctrl = NewController(cfg, h.store, h.subscriber, h.cue)
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(eventually):
			t.Fatal("controller did not stop")
		}
	})
	require.Eventually(t, func() bool { return h.store.fetches.Load() >= 1 }, eventually, poll)
}

func (h *harness) waitForWaiters(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, n))
}

func (h *harness) pollOnce(t *testing.T) {
	t.Helper()
	before := h.store.fetches.Load()
	h.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return h.store.fetches.Load() > before }, eventually, poll)
}

func TestController_PollsTheStore(t *testing.T) {
	h := newHarness(t, snapshot(turn.Inactive(), models.RoomTypeWuming, userID), nil)
	h.run(t)
	// poll and heartbeat tickers
	h.waitForWaiters(t, 2)

	assert.Equal(t, turn.StatusWaiting, h.ctrl.State().Status)
	h.pollOnce(t)
	h.pollOnce(t)
	assert.Equal(t, int32(3), h.store.fetches.Load())
	require.Eventually(t, func() bool { return h.store.beats.Load() == 1 }, eventually, poll)
}

func TestController_HeartbeatsPeriodically(t *testing.T) {
	h := newHarness(t, snapshot(turn.Inactive(), models.RoomTypeWuming, userID), func(c *Config) {
		c.PollInterval = time.Hour
		c.HeartbeatInterval = 30 * time.Second
	})
	h.run(t)
	h.waitForWaiters(t, 2)
	require.Eventually(t, func() bool { return h.store.beats.Load() == 1 }, eventually, poll)

	h.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return h.store.beats.Load() == 2 }, eventually, poll)
}

func TestController_PushTriggersRefresh(t *testing.T) {
	h := newHarness(t, snapshot(turn.Inactive(), models.RoomTypeWuming, userID), nil)
	h.run(t)
	h.waitForWaiters(t, 2)

	h.store.set(snapshot(turn.TimeAnchor(h.clock.Now()).WithVersion(1), models.RoomTypeWuming, userID), nil)
	require.True(t, h.subscriber.push())

	require.Eventually(t, func() bool { return h.ctrl.State().Status == turn.StatusActive }, eventually, poll)
	assert.Equal(t, int32(2), h.store.fetches.Load())
	assert.True(t, h.ctrl.State().IsMyTurn)
}

func TestController_KeepsLastStateWhenFetchFails(t *testing.T) {
	start := time.Date(2025, 3, 1, 19, 59, 55, 0, time.UTC)
	h := newHarness(t, snapshot(turn.TimeAnchor(start), models.RoomTypeWuming, other, userID), nil)
	h.run(t)
	require.Eventually(t, func() bool { return h.ctrl.State().Status == turn.StatusActive }, eventually, poll)
	h.waitForWaiters(t, 3)

	h.store.set(nil, errors.New("network down"))
	h.pollOnce(t)
	h.pollOnce(t)
	assert.Equal(t, int32(0), h.alerts.Load())
	h.pollOnce(t)
	require.Eventually(t, func() bool { return h.alerts.Load() == 1 }, eventually, poll)
	h.pollOnce(t)
	require.Eventually(t, func() bool { return h.ctrl.Failures() == 4 }, eventually, poll)
	assert.Equal(t, int32(1), h.alerts.Load())

	// the viewer keeps ticking on the last known anchor
	st := h.ctrl.State()
	assert.Equal(t, turn.StatusActive, st.Status)
	assert.NotNil(t, h.ctrl.Snapshot())

	h.store.set(snapshot(turn.TimeAnchor(start), models.RoomTypeWuming, other, userID), nil)
	h.pollOnce(t)
	require.Eventually(t, func() bool { return h.ctrl.Failures() == 0 }, eventually, poll)
}

func TestController_RemovedMemberLosesTurn(t *testing.T) {
	start := time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)
	h := newHarness(t, snapshot(turn.TimeAnchor(start), models.RoomTypeWuming, userID, other), nil)
	h.run(t)

	require.Eventually(t, func() bool { return h.ctrl.State().IsMyTurn }, eventually, poll)
	require.Eventually(t, func() bool { return h.cue.plays.Load() == 1 }, eventually, poll)
	assignee, ok := h.ctrl.Assignee()
	require.True(t, ok)
	assert.Equal(t, userID, assignee.UserID)

	h.store.set(snapshot(turn.TimeAnchor(start), models.RoomTypeWuming, other), nil)
	require.True(t, h.subscriber.push())

	require.Eventually(t, func() bool {
		st := h.ctrl.State()
		return st.Status == turn.StatusActive && !st.IsMyTurn
	}, eventually, poll)
	require.Eventually(t, func() bool { return h.cue.stops.Load() == 1 }, eventually, poll)
}

func TestController_AdvanceWritesObservedAnchor(t *testing.T) {
	h := newHarness(t, snapshot(turn.TickAnchor(2).WithVersion(5), models.RoomTypeHealer, other, userID, uuid.New()), nil)
	h.store.advance = func(observed turn.Anchor) (turn.Anchor, error) {
		tick, _ := observed.Tick()
		next := turn.TickAnchor(tick + 1).WithVersion(observed.Version + 1)
		h.store.set(snapshot(next, models.RoomTypeHealer, other, userID, uuid.New()), nil)
		return next, nil
	}
	h.run(t)
	require.Eventually(t, func() bool { return h.ctrl.State().CurrentTick == 2 }, eventually, poll)

	require.NoError(t, h.ctrl.Advance(context.Background()))
	require.Len(t, h.store.observed, 1)
	assert.Equal(t, int64(5), h.store.observed[0].Version)

	// the refresh after the write brings the new turn
	require.Eventually(t, func() bool { return h.ctrl.State().CurrentTick == 3 }, eventually, poll)
	assert.False(t, h.ctrl.State().IsMyTurn)
	assert.False(t, h.ctrl.State().Assignee.Valid)
}

func TestController_StaleAdvanceStillRefreshes(t *testing.T) {
	h := newHarness(t, snapshot(turn.TickAnchor(0).WithVersion(1), models.RoomTypeHealer, userID, other), nil)
	h.store.advance = func(turn.Anchor) (turn.Anchor, error) {
		// someone else advanced first
		h.store.set(snapshot(turn.TickAnchor(1).WithVersion(2), models.RoomTypeHealer, userID, other), nil)
		return turn.Anchor{}, room.ErrStaleAnchor
	}
	h.run(t)
	require.Eventually(t, func() bool { return h.ctrl.State().IsMyTurn }, eventually, poll)

	err := h.ctrl.Advance(context.Background())
	assert.ErrorIs(t, err, room.ErrStaleAnchor)
	require.Eventually(t, func() bool { return h.ctrl.State().CurrentTick == 1 }, eventually, poll)
	assert.False(t, h.ctrl.State().IsMyTurn)
}

func TestController_StartAndReset(t *testing.T) {
	h := newHarness(t, snapshot(turn.Inactive(), models.RoomTypeWuming, userID), nil)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Start(ctx))
	require.NoError(t, h.ctrl.Reset(ctx))
	assert.Equal(t, int32(1), h.store.started.Load())
	assert.Equal(t, int32(1), h.store.resets.Load())
	assert.Equal(t, int32(2), h.store.fetches.Load())
}

func TestController_RefreshCoalesces(t *testing.T) {
	h := newHarness(t, snapshot(turn.Inactive(), models.RoomTypeWuming, userID), nil)
	gate := make(chan struct{})
	h.store.blockNext = gate

	var wg sync.WaitGroup
	first := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(first)
		assert.NoError(t, h.ctrl.Refresh(context.Background()))
	}()
	<-first
	require.Eventually(t, func() bool { return h.store.fetches.Load() == 1 }, eventually, poll)

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.ctrl.Refresh(context.Background()))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()
	assert.Equal(t, int32(1), h.store.fetches.Load())
}

func TestController_OlderFetchDoesNotOverwriteNewer(t *testing.T) {
	old := snapshot(turn.Inactive(), models.RoomTypeWuming, userID)
	h := newHarness(t, old, nil)
	gate := make(chan struct{})
	h.store.blockNext = gate

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.ctrl.Refresh(context.Background())
	}()
	require.Eventually(t, func() bool { return h.store.fetches.Load() == 1 }, eventually, poll)

	// a push arrives while the slow fetch is still in flight
	h.store.set(snapshot(turn.TimeAnchor(h.clock.Now()).WithVersion(1), models.RoomTypeWuming, userID), nil)
	require.NoError(t, h.ctrl.refreshFresh(context.Background()))
	assert.True(t, h.ctrl.Snapshot().Anchor().Active())

	close(gate)
	<-done
	assert.True(t, h.ctrl.Snapshot().Anchor().Active())
	assert.True(t, h.ctrl.binding.Inputs().Anchor.Active())
}
