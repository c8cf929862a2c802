package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRooms struct {
	mu      sync.Mutex
	ids     []uuid.UUID
	err     error
	calls   map[uuid.UUID]int
	removes map[uuid.UUID]int
	timeout time.Duration
	block   chan struct{}
}

func newFakeRooms(ids ...uuid.UUID) *fakeRooms {
	return &fakeRooms{ids: ids, calls: map[uuid.UUID]int{}, removes: map[uuid.UUID]int{}}
}

func (f *fakeRooms) ListOccupiedRoomIDs(context.Context) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids, f.err
}

func (f *fakeRooms) CleanupInactiveMembers(ctx context.Context, roomID uuid.UUID, timeout time.Duration) (int, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[roomID]++
	f.timeout = timeout
	n := f.removes[roomID]
	f.removes[roomID] = 0
	return n, nil
}

func (f *fakeRooms) callsFor(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func idle(s *Sweeper) bool {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	return len(s.inFlight) == 0
}

func TestSweeper_SweepsEveryInterval(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	rooms := newFakeRooms(a, b)
	rooms.removes[a] = 2
	clock := clockwork.NewFakeClock()
	s := New(rooms, rooms, Config{Interval: time.Minute, MemberTimeout: 2 * time.Minute, Workers: 2, Clock: clock})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return rooms.callsFor(a) == 1 && rooms.callsFor(b) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return idle(s) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), s.Removed())
	assert.Equal(t, 2*time.Minute, rooms.timeout)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return rooms.callsFor(a) == 2 && rooms.callsFor(b) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), s.Removed())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeper_SkipsRoomsInFlight(t *testing.T) {
	id := uuid.New()
	rooms := newFakeRooms(id)
	rooms.block = make(chan struct{})
	s := New(rooms, rooms, Config{Workers: 1, Clock: clockwork.NewFakeClock()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go s.worker(ctx, &wg, 0)

	require.NoError(t, s.sweep(ctx))
	require.NoError(t, s.sweep(ctx))
	assert.False(t, s.claim(id))

	close(rooms.block)
	require.Eventually(t, func() bool { return rooms.callsFor(id) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.claim(id) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rooms.callsFor(id))

	cancel()
	wg.Wait()
}

func TestSweeper_ListError(t *testing.T) {
	rooms := newFakeRooms()
	rooms.err = errors.New("db down")
	s := New(rooms, rooms, Config{Clock: clockwork.NewFakeClock()})

	err := s.sweep(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestNew_Defaults(t *testing.T) {
	s := New(newFakeRooms(), newFakeRooms(), Config{})
	assert.Equal(t, DefaultConfig().Interval, s.cfg.Interval)
	assert.Equal(t, DefaultConfig().MemberTimeout, s.cfg.MemberTimeout)
	assert.Equal(t, 4, s.cfg.Workers)
	assert.NotNil(t, s.cfg.Clock)
}
