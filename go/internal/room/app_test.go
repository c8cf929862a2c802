package room

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/broadcast/turn"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepo is an in-memory RoomRepository.
type fakeRepo struct {
	mu      sync.Mutex
	rooms   map[uuid.UUID]models.Room
	states  map[uuid.UUID]*models.RoomState
	values  map[uuid.UUID]*int64
	members map[uuid.UUID][]models.RoomMember
	taken   map[string]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		rooms:   make(map[uuid.UUID]models.Room),
		states:  make(map[uuid.UUID]*models.RoomState),
		values:  make(map[uuid.UUID]*int64),
		members: make(map[uuid.UUID][]models.RoomMember),
		taken:   make(map[string]bool),
	}
}

func (f *fakeRepo) CreateRoom(_ context.Context, p CreateRoomParams) (*models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.taken[p.Room.RoomCode] {
		return nil, ErrRoomCodeTaken
	}
	f.taken[p.Room.RoomCode] = true
	room := p.Room
	room.CreatedAt = p.JoinedAt
	f.rooms[room.ID] = room
	f.states[room.ID] = &models.RoomState{RoomID: room.ID}
	f.members[room.ID] = []models.RoomMember{{
		RoomID: room.ID, UserID: room.OwnerID, CharacterName: p.OwnerName, JoinedAt: p.JoinedAt, LastSeen: p.JoinedAt,
	}}
	return &room, nil
}

func (f *fakeRepo) GetRoom(_ context.Context, id uuid.UUID) (*models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return &room, nil
}

func (f *fakeRepo) GetRoomByCode(_ context.Context, code string) (*models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, room := range f.rooms {
		if room.RoomCode == code {
			return &room, nil
		}
	}
	return nil, ErrRoomNotFound
}

func (f *fakeRepo) ListRooms(_ context.Context, p ListRoomsParams) ([]models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rooms []models.Room
	for _, room := range f.rooms {
		if p.BaiyeID != nil && (room.BaiyeID == nil || *room.BaiyeID != *p.BaiyeID) {
			continue
		}
		rooms = append(rooms, room)
	}
	if len(rooms) > p.Limit {
		rooms = rooms[:p.Limit]
	}
	return rooms, nil
}

func (f *fakeRepo) DeleteRoom(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rooms[id]; !ok {
		return ErrRoomNotFound
	}
	delete(f.rooms, id)
	delete(f.states, id)
	delete(f.values, id)
	delete(f.members, id)
	return nil
}

func (f *fakeRepo) UpdateRoom(_ context.Context, room models.Room) (*models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rooms[room.ID]; !ok {
		return nil, ErrRoomNotFound
	}
	f.rooms[room.ID] = room
	return &room, nil
}

func (f *fakeRepo) GetRoundSnapshot(_ context.Context, roomID uuid.UUID) (*RoundSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	state, ok := f.states[roomID]
	if !ok {
		return nil, ErrStateMissing
	}
	anchor, err := DecodeAnchor(room.RoomType, f.values[roomID], state.Anchor.Version)
	if err != nil {
		return nil, err
	}
	st := *state
	st.Anchor = anchor
	return &RoundSnapshot{Room: room, State: st, Members: append([]models.RoomMember(nil), f.members[roomID]...)}, nil
}

func (f *fakeRepo) EnsureRoomState(_ context.Context, roomID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[roomID]; !ok {
		f.states[roomID] = &models.RoomState{RoomID: roomID}
		delete(f.values, roomID)
	}
	return nil
}

func (f *fakeRepo) write(roomID uuid.UUID, value *int64) (*models.RoomState, error) {
	state, ok := f.states[roomID]
	if !ok {
		return nil, ErrStateMissing
	}
	f.values[roomID] = value
	version := state.Anchor.Version + 1
	anchor, err := DecodeAnchor(f.rooms[roomID].RoomType, value, version)
	if err != nil {
		return nil, err
	}
	state.Anchor = anchor
	out := *state
	return &out, nil
}

func (f *fakeRepo) SetAnchor(_ context.Context, roomID uuid.UUID, value *int64) (*models.RoomState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write(roomID, value)
}

func (f *fakeRepo) CompareAndSetAnchor(_ context.Context, roomID uuid.UUID, expectedVersion int64, value *int64) (*models.RoomState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[roomID]
	if !ok || state.Anchor.Version != expectedVersion {
		return nil, ErrStaleAnchor
	}
	return f.write(roomID, value)
}

func (f *fakeRepo) ListMembers(_ context.Context, roomID uuid.UUID) ([]models.RoomMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.RoomMember(nil), f.members[roomID]...), nil
}

func (f *fakeRepo) AddMember(_ context.Context, roomID, userID uuid.UUID, name string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := 0
	for _, m := range f.members[roomID] {
		if m.UserID == userID {
			return false, nil
		}
		if m.OrderIndex >= next {
			next = m.OrderIndex + 1
		}
	}
	f.members[roomID] = append(f.members[roomID], models.RoomMember{
		RoomID: roomID, UserID: userID, CharacterName: name, OrderIndex: next, JoinedAt: at, LastSeen: at,
	})
	return true, nil
}

func (f *fakeRepo) remove(roomID uuid.UUID, keep func(models.RoomMember) bool) []uuid.UUID {
	var kept []models.RoomMember
	var removed []uuid.UUID
	for _, m := range f.members[roomID] {
		if keep(m) {
			kept = append(kept, m)
		} else {
			removed = append(removed, m.UserID)
		}
	}
	if len(removed) > 0 {
		sort.SliceStable(kept, func(i, j int) bool { return kept[i].OrderIndex < kept[j].OrderIndex })
		for i := range kept {
			kept[i].OrderIndex = i
		}
	}
	f.members[roomID] = kept
	return removed
}

func (f *fakeRepo) RemoveMember(_ context.Context, roomID, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.remove(roomID, func(m models.RoomMember) bool { return m.UserID != userID })) > 0, nil
}

func (f *fakeRepo) RemoveInactiveMembers(_ context.Context, roomID uuid.UUID, cutoff time.Time) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remove(roomID, func(m models.RoomMember) bool { return !m.LastSeen.Before(cutoff) }), nil
}

func (f *fakeRepo) TouchMember(_ context.Context, roomID, userID uuid.UUID, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.members[roomID] {
		if m.UserID == userID {
			f.members[roomID][i].LastSeen = at
			return true, nil
		}
	}
	return false, nil
}

type appHarness struct {
	app   *App
	repo  *fakeRepo
	clock *clockwork.FakeClock
	owner uuid.UUID
}

func newAppHarness(t *testing.T) *appHarness {
	t.Helper()
	h := &appHarness{
		repo:  newFakeRepo(),
		clock: clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)),
		owner: uuid.New(),
	}
	h.app = NewApp(h.repo, h.clock, DefaultDefaults())
	return h
}

func (h *appHarness) createRoom(t *testing.T, rt models.RoomType, password *string) *models.Room {
	t.Helper()
	room, err := h.app.CreateRoom(context.Background(), CreateRoomRequest{
		Name:      "Night raid",
		OwnerID:   h.owner,
		OwnerName: "owner",
		RoomType:  rt,
		Password:  password,
	})
	require.NoError(t, err)
	return room
}

func (h *appHarness) join(t *testing.T, room *models.Room, name string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := h.app.JoinRoom(context.Background(), id, name, room.RoomCode, "")
	require.NoError(t, err)
	return id
}

func ptr[T any](v T) *T { return &v }

func TestCreateRoom_DefaultsAndOwnerSeat(t *testing.T) {
	h := newAppHarness(t)
	room := h.createRoom(t, models.RoomTypeWuming, nil)

	assert.Len(t, room.RoomCode, 4)
	assert.Equal(t, 80, room.RoundDurationSec)
	assert.Equal(t, 10, room.BroadcastIntervalSec)

	snap, err := h.app.GetRoundSnapshot(context.Background(), room.ID)
	require.NoError(t, err)
	assert.False(t, snap.Anchor().Active())
	require.Len(t, snap.Members, 1)
	assert.Equal(t, turn.IndexOf(0), snap.RotationIndexOf(h.owner))
}

func TestCreateRoom_Validation(t *testing.T) {
	h := newAppHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRoomRequest
		want error
	}{
		{"missing name", CreateRoomRequest{OwnerID: h.owner, RoomType: models.RoomTypeWuming}, ErrInvalidRequest},
		{"missing owner", CreateRoomRequest{Name: "r", RoomType: models.RoomTypeWuming}, ErrInvalidRequest},
		{"unknown type", CreateRoomRequest{Name: "r", OwnerID: h.owner, RoomType: "solo"}, ErrInvalidRequest},
		{"zero round", CreateRoomRequest{Name: "r", OwnerID: h.owner, RoomType: models.RoomTypeWuming, RoundDurationSec: ptr(0)}, turn.ErrInvalidConfig},
		{"negative interval", CreateRoomRequest{Name: "r", OwnerID: h.owner, RoomType: models.RoomTypeHealer, BroadcastIntervalSec: ptr(-1)}, turn.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.app.CreateRoom(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreateRoom_RetriesCodeCollisions(t *testing.T) {
	h := newAppHarness(t)
	codes := []string{"1234", "1234", "5678"}
	h.app.newCode = func() string {
		c := codes[0]
		codes = codes[1:]
		return c
	}

	first := h.createRoom(t, models.RoomTypeWuming, nil)
	second := h.createRoom(t, models.RoomTypeWuming, nil)
	assert.Equal(t, "1234", first.RoomCode)
	assert.Equal(t, "5678", second.RoomCode)

	h.app.newCode = func() string { return "1234" }
	_, err := h.app.CreateRoom(context.Background(), CreateRoomRequest{Name: "x", OwnerID: h.owner, RoomType: models.RoomTypeWuming})
	assert.ErrorIs(t, err, ErrRoomCodeTaken)
}

func TestJoinRoom_AppendsAndChecksPassword(t *testing.T) {
	h := newAppHarness(t)
	ctx := context.Background()
	room := h.createRoom(t, models.RoomTypeWuming, ptr("4321"))

	alice := uuid.New()
	_, err := h.app.JoinRoom(ctx, alice, "alice", room.RoomCode, "nope")
	assert.ErrorIs(t, err, ErrInvalidPassword)

	_, err = h.app.JoinRoom(ctx, alice, "alice", room.RoomCode, "4321")
	require.NoError(t, err)

	// rejoining keeps the seat and skips the password
	_, err = h.app.JoinRoom(ctx, alice, "alice", room.RoomCode, "")
	require.NoError(t, err)

	snap, err := h.app.GetRoundSnapshot(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, snap.Members, 2)
	assert.Equal(t, turn.IndexOf(1), snap.RotationIndexOf(alice))

	_, err = h.app.JoinRoom(ctx, uuid.New(), "bob", "0000", "")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestLeaveAndKick_CompactRotation(t *testing.T) {
	h := newAppHarness(t)
	ctx := context.Background()
	room := h.createRoom(t, models.RoomTypeWuming, nil)
	a := h.join(t, room, "a")
	b := h.join(t, room, "b")
	c := h.join(t, room, "c")

	require.NoError(t, h.app.LeaveRoom(ctx, room.ID, a))
	assert.ErrorIs(t, h.app.LeaveRoom(ctx, room.ID, a), ErrNotMember)

	assert.ErrorIs(t, h.app.KickMember(ctx, b, room.ID, c), ErrPermissionDenied)
	assert.ErrorIs(t, h.app.KickMember(ctx, h.owner, room.ID, h.owner), ErrPermissionDenied)
	require.NoError(t, h.app.KickMember(ctx, h.owner, room.ID, b))

	snap, err := h.app.GetRoundSnapshot(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, snap.Members, 2)
	assert.Equal(t, turn.IndexOf(0), snap.RotationIndexOf(h.owner))
	assert.Equal(t, turn.IndexOf(1), snap.RotationIndexOf(c))
	assert.False(t, snap.RotationIndexOf(b).Valid)
}

func TestDeleteRoom_OwnerOnly(t *testing.T) {
	h := newAppHarness(t)
	ctx := context.Background()
	room := h.createRoom(t, models.RoomTypeWuming, nil)
	member := h.join(t, room, "a")

	assert.ErrorIs(t, h.app.DeleteRoom(ctx, member, room.ID), ErrPermissionDenied)
	assert.ErrorIs(t, h.app.DeleteRoom(ctx, h.owner, uuid.New()), ErrRoomNotFound)

	require.NoError(t, h.app.DeleteRoom(ctx, h.owner, room.ID))
	_, err := h.app.GetRoom(ctx, room.ID)
	assert.ErrorIs(t, err, ErrRoomNotFound)
	members, err := h.repo.ListMembers(ctx, room.ID)
	require.NoError(t, err)
	assert.Empty(t, members)
	assert.ErrorIs(t, h.app.DeleteRoom(ctx, h.owner, room.ID), ErrRoomNotFound)
}

func TestListRooms_FiltersByBaiye(t *testing.T) {
	h := newAppHarness(t)
	ctx := context.Background()
	baiye := uuid.New()

	tagged, err := h.app.CreateRoom(ctx, CreateRoomRequest{
		Name:     "Tagged",
		OwnerID:  h.owner,
		RoomType: models.RoomTypeHealer,
		BaiyeID:  &baiye,
	})
	require.NoError(t, err)
	h.createRoom(t, models.RoomTypeWuming, nil)

	all, err := h.app.ListRooms(ctx, ListRoomsParams{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	filtered, err := h.app.ListRooms(ctx, ListRoomsParams{BaiyeID: &baiye})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, tagged.ID, filtered[0].ID)

	other := uuid.New()
	none, err := h.app.ListRooms(ctx, ListRoomsParams{BaiyeID: &other})
	require.NoError(t, err)
	assert.Empty(t, none)

	one, err := h.app.ListRooms(ctx, ListRoomsParams{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestUpdateRoomConfig(t *testing.T) {
	h := newAppHarness(t)
	ctx := context.Background()
	room := h.createRoom(t, models.RoomTypeWuming, ptr("pw"))

	_, err := h.app.UpdateRoomConfig(ctx, uuid.New(), room.ID, UpdateRoomConfigRequest{RoundDurationSec: ptr(60)})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = h.app.UpdateRoomConfig(ctx, h.owner, room.ID, UpdateRoomConfigRequest{BroadcastIntervalSec: ptr(0)})
	assert.ErrorIs(t, err, turn.ErrInvalidConfig)

	updated, err := h.app.UpdateRoomConfig(ctx, h.owner, room.ID, UpdateRoomConfigRequest{
		RoundDurationSec: ptr(60),
		Password:         ptr(""),
	})
	require.NoError(t, err)
	assert.Equal(t, 60, updated.RoundDurationSec)
	assert.Equal(t, 10, updated.BroadcastIntervalSec)
	assert.Equal(t, "Night raid", updated.Name)
	assert.False(t, updated.HasPassword())

	snap, err := h.app.GetRoundSnapshot(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, snap.Config().RoundDuration)
}

func TestStartAndResetRound(t *testing.T) {
	h := newAppHarness(t)
	ctx := context.Background()
	room := h.createRoom(t, models.RoomTypeWuming, nil)

	_, err := h.app.StartRound(ctx, uuid.New(), room.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	anchor, err := h.app.StartRound(ctx, h.owner, room.ID)
	require.NoError(t, err)
	startedAt, ok := anchor.StartedAt()
	require.True(t, ok)
	assert.True(t, h.clock.Now().Equal(startedAt))
	assert.Equal(t, int64(1), anchor.Version)

	require.NoError(t, h.app.ResetRound(ctx, h.owner, room.ID))
	snap, err := h.app.GetRoundSnapshot(ctx, room.ID)
	require.NoError(t, err)
	assert.False(t, snap.Anchor().Active())
	assert.Equal(t, int64(2), snap.Anchor().Version)

	healer := h.createRoom(t, models.RoomTypeHealer, nil)
	anchor, err = h.app.StartRound(ctx, h.owner, healer.ID)
	require.NoError(t, err)
	tick, ok := anchor.Tick()
	require.True(t, ok)
	assert.Equal(t, 0, tick)
}

func TestAdvanceTurn_CompareAndSet(t *testing.T) {
	h := newAppHarness(t)
	ctx := context.Background()
	room := h.createRoom(t, models.RoomTypeHealer, nil)
	a := h.join(t, room, "a")
	b := h.join(t, room, "b")

	_, err := h.app.AdvanceTurn(ctx, a, room.ID, turn.Inactive())
	assert.ErrorIs(t, err, ErrInvalidRequest)

	started, err := h.app.StartRound(ctx, h.owner, room.ID)
	require.NoError(t, err)

	_, err = h.app.AdvanceTurn(ctx, uuid.New(), room.ID, started)
	assert.ErrorIs(t, err, ErrNotMember)

	// a and b both press advance after seeing turn 0: only one wins
	next, err := h.app.AdvanceTurn(ctx, a, room.ID, started)
	require.NoError(t, err)
	tick, _ := next.Tick()
	assert.Equal(t, 1, tick)

	_, err = h.app.AdvanceTurn(ctx, b, room.ID, started)
	assert.ErrorIs(t, err, ErrStaleAnchor)

	// b retries from the refreshed anchor
	next, err = h.app.AdvanceTurn(ctx, b, room.ID, next)
	require.NoError(t, err)
	tick, _ = next.Tick()
	assert.Equal(t, 2, tick)
}

func TestAdvanceTurn_RejectsAutoRooms(t *testing.T) {
	h := newAppHarness(t)
	ctx := context.Background()
	room := h.createRoom(t, models.RoomTypeWuming, nil)
	anchor, err := h.app.StartRound(ctx, h.owner, room.ID)
	require.NoError(t, err)

	_, err = h.app.AdvanceTurn(ctx, h.owner, room.ID, anchor)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestGetRoundSnapshot_RepairsMissingState(t *testing.T) {
	h := newAppHarness(t)
	room := h.createRoom(t, models.RoomTypeWuming, nil)
	delete(h.repo.states, room.ID)

	snap, err := h.app.GetRoundSnapshot(context.Background(), room.ID)
	require.NoError(t, err)
	assert.False(t, snap.Anchor().Active())

	_, err = h.app.GetRoundSnapshot(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestHeartbeatAndCleanup(t *testing.T) {
	h := newAppHarness(t)
	ctx := context.Background()
	room := h.createRoom(t, models.RoomTypeWuming, nil)
	idle := h.join(t, room, "idle")
	active := h.join(t, room, "active")

	assert.ErrorIs(t, h.app.Heartbeat(ctx, room.ID, uuid.New()), ErrNotMember)

	h.clock.Advance(100 * time.Second)
	require.NoError(t, h.app.Heartbeat(ctx, room.ID, h.owner))
	require.NoError(t, h.app.Heartbeat(ctx, room.ID, active))

	removed, err := h.app.CleanupInactiveMembers(ctx, room.ID, 120*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	h.clock.Advance(30 * time.Second)
	removed, err = h.app.CleanupInactiveMembers(ctx, room.ID, 120*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	snap, err := h.app.GetRoundSnapshot(ctx, room.ID)
	require.NoError(t, err)
	assert.False(t, snap.RotationIndexOf(idle).Valid)
	assert.Equal(t, turn.IndexOf(1), snap.RotationIndexOf(active))

	_, err = h.app.CleanupInactiveMembers(ctx, room.ID, 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRoundSnapshot_MemberAt(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	snap := RoundSnapshot{
		Room:    models.Room{RoomType: models.RoomTypeWuming, RoundDurationSec: 80, BroadcastIntervalSec: 10},
		Members: []models.RoomMember{{UserID: a, OrderIndex: 0}, {UserID: b, OrderIndex: 1}},
	}

	m, ok := snap.MemberAt(turn.IndexOf(1))
	require.True(t, ok)
	assert.Equal(t, b, m.UserID)

	_, ok = snap.MemberAt(turn.NullIndex{})
	assert.False(t, ok)
	_, ok = snap.MemberAt(turn.IndexOf(2))
	assert.False(t, ok)
	assert.Equal(t, 2, snap.Config().MemberCount)
}
