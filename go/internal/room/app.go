package room

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/broadcast/turn"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/models"
	"github.com/rs/zerolog/log"
)

const (
	codeAttempts     = 5
	defaultListLimit = 20
	maxNameLength    = 64
)

// RoomRepository defines what the app layer needs from the repository
type RoomRepository interface {
	CreateRoom(ctx context.Context, p CreateRoomParams) (*models.Room, error)
	GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error)
	GetRoomByCode(ctx context.Context, code string) (*models.Room, error)
	ListRooms(ctx context.Context, p ListRoomsParams) ([]models.Room, error)
	UpdateRoom(ctx context.Context, room models.Room) (*models.Room, error)
	DeleteRoom(ctx context.Context, id uuid.UUID) error
	GetRoundSnapshot(ctx context.Context, roomID uuid.UUID) (*RoundSnapshot, error)
	EnsureRoomState(ctx context.Context, roomID uuid.UUID) error
	SetAnchor(ctx context.Context, roomID uuid.UUID, value *int64) (*models.RoomState, error)
	CompareAndSetAnchor(ctx context.Context, roomID uuid.UUID, expectedVersion int64, value *int64) (*models.RoomState, error)
	ListMembers(ctx context.Context, roomID uuid.UUID) ([]models.RoomMember, error)
	AddMember(ctx context.Context, roomID, userID uuid.UUID, characterName string, at time.Time) (bool, error)
	RemoveMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error)
	RemoveInactiveMembers(ctx context.Context, roomID uuid.UUID, cutoff time.Time) ([]uuid.UUID, error)
	TouchMember(ctx context.Context, roomID, userID uuid.UUID, at time.Time) (bool, error)
}

// App handles room business logic
type App struct {
	repo     RoomRepository
	clock    clockwork.Clock
	defaults Defaults
	newCode  func() string
}

// NewApp creates a new room App
func NewApp(repo RoomRepository, clock clockwork.Clock, defaults Defaults) *App {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &App{
		repo:     repo,
		clock:    clock,
		defaults: defaults,
		newCode:  randomRoomCode,
	}
}

// CreateRoom validates the request, picks a free room code and makes the
// owner the first member of the rotation.
func (a *App) CreateRoom(ctx context.Context, req CreateRoomRequest) (*models.Room, error) {
	room := models.Room{
		ID:                   uuid.New(),
		Name:                 strings.TrimSpace(req.Name),
		OwnerID:              req.OwnerID,
		RoomType:             req.RoomType,
		RoundDurationSec:     a.defaults.RoundDurationSec,
		BroadcastIntervalSec: a.defaults.BroadcastIntervalSec,
		Password:             normalizePassword(req.Password),
		Presentation:         req.Presentation,
		BaiyeID:              req.BaiyeID,
	}
	if req.RoundDurationSec != nil {
		room.RoundDurationSec = *req.RoundDurationSec
	}
	if req.BroadcastIntervalSec != nil {
		room.BroadcastIntervalSec = *req.BroadcastIntervalSec
	}
	if err := validateRoom(room); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	now := a.clock.Now()
	for attempt := 0; attempt < codeAttempts; attempt++ {
		room.RoomCode = a.newCode()
		created, err := a.repo.CreateRoom(ctx, CreateRoomParams{Room: room, OwnerName: req.OwnerName, JoinedAt: now})
		if errors.Is(err, ErrRoomCodeTaken) {
			log.Debug().Str("room_code", room.RoomCode).Msg("room code collision, retrying")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create room: %w", err)
		}

		log.Info().
			Str("room_id", created.ID.String()).
			Str("room_code", created.RoomCode).
			Str("room_type", string(created.RoomType)).
			Msg("room created")
		return created, nil
	}
	return nil, fmt.Errorf("failed to create room: no free code after %d attempts: %w", codeAttempts, ErrRoomCodeTaken)
}

// GetRoom retrieves a room by ID
func (a *App) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	room, err := a.repo.GetRoom(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return room, nil
}

// ListRooms returns the newest rooms for the lobby, or for one baiye
func (a *App) ListRooms(ctx context.Context, p ListRoomsParams) ([]models.Room, error) {
	if p.Limit <= 0 || p.Limit > 100 {
		p.Limit = defaultListLimit
	}
	rooms, err := a.repo.ListRooms(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	return rooms, nil
}

// DeleteRoom removes a room with its rotation and anchor. Only the owner may
// delete it.
func (a *App) DeleteRoom(ctx context.Context, actorID, roomID uuid.UUID) error {
	if _, err := a.ownedRoom(ctx, actorID, roomID); err != nil {
		return err
	}
	if err := a.repo.DeleteRoom(ctx, roomID); err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	log.Info().
		Str("room_id", roomID.String()).
		Str("actor_id", actorID.String()).
		Msg("room deleted")
	return nil
}

// UpdateRoomConfig applies the set fields of req. Only the owner may change
// a room, and the merged config must still be valid.
func (a *App) UpdateRoomConfig(ctx context.Context, actorID, roomID uuid.UUID, req UpdateRoomConfigRequest) (*models.Room, error) {
	room, err := a.ownedRoom(ctx, actorID, roomID)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		room.Name = strings.TrimSpace(*req.Name)
	}
	if req.RoundDurationSec != nil {
		room.RoundDurationSec = *req.RoundDurationSec
	}
	if req.BroadcastIntervalSec != nil {
		room.BroadcastIntervalSec = *req.BroadcastIntervalSec
	}
	if req.Password != nil {
		room.Password = normalizePassword(req.Password)
	}
	if req.Presentation != nil {
		room.Presentation = *req.Presentation
	}
	if req.BaiyeID != nil {
		room.BaiyeID = req.BaiyeID
	}
	if err := validateRoom(*room); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	updated, err := a.repo.UpdateRoom(ctx, *room)
	if err != nil {
		return nil, fmt.Errorf("failed to update room: %w", err)
	}
	log.Info().
		Str("room_id", roomID.String()).
		Int("round_duration", updated.RoundDurationSec).
		Int("broadcast_interval", updated.BroadcastIntervalSec).
		Msg("room config updated")
	return updated, nil
}

// JoinRoom adds userID to the end of the rotation of the room with the given
// code. Joining a room the user is already in is a no-op.
func (a *App) JoinRoom(ctx context.Context, userID uuid.UUID, characterName, code, password string) (*models.Room, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("user_id is required: %w", ErrInvalidRequest)
	}
	room, err := a.repo.GetRoomByCode(ctx, strings.TrimSpace(code))
	if err != nil {
		return nil, fmt.Errorf("failed to join room: %w", err)
	}

	members, err := a.repo.ListMembers(ctx, room.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to join room: %w", err)
	}
	for _, m := range members {
		if m.UserID == userID {
			return room, nil
		}
	}

	if room.HasPassword() && *room.Password != password {
		return nil, ErrInvalidPassword
	}

	added, err := a.repo.AddMember(ctx, room.ID, userID, strings.TrimSpace(characterName), a.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to join room: %w", err)
	}
	if added {
		log.Info().Str("room_id", room.ID.String()).Str("user_id", userID.String()).Msg("member joined")
	}
	return room, nil
}

// LeaveRoom removes userID from the rotation.
func (a *App) LeaveRoom(ctx context.Context, roomID, userID uuid.UUID) error {
	removed, err := a.repo.RemoveMember(ctx, roomID, userID)
	if err != nil {
		return fmt.Errorf("failed to leave room: %w", err)
	}
	if !removed {
		return ErrNotMember
	}
	log.Info().Str("room_id", roomID.String()).Str("user_id", userID.String()).Msg("member left")
	return nil
}

// KickMember removes targetID from the rotation. Only the owner may kick,
// and never themself.
func (a *App) KickMember(ctx context.Context, actorID, roomID, targetID uuid.UUID) error {
	if actorID == targetID {
		return fmt.Errorf("cannot kick yourself: %w", ErrPermissionDenied)
	}
	if _, err := a.ownedRoom(ctx, actorID, roomID); err != nil {
		return err
	}

	removed, err := a.repo.RemoveMember(ctx, roomID, targetID)
	if err != nil {
		return fmt.Errorf("failed to kick member: %w", err)
	}
	if !removed {
		return ErrNotMember
	}
	log.Info().
		Str("room_id", roomID.String()).
		Str("user_id", targetID.String()).
		Str("by", actorID.String()).
		Msg("member kicked")
	return nil
}

// GetRoundSnapshot returns the shared anchor, config and rotation of a room.
// A room whose state row went missing gets a fresh inactive one.
func (a *App) GetRoundSnapshot(ctx context.Context, roomID uuid.UUID) (*RoundSnapshot, error) {
	snap, err := a.repo.GetRoundSnapshot(ctx, roomID)
	if errors.Is(err, ErrStateMissing) {
		log.Warn().Str("room_id", roomID.String()).Msg("room state missing, recreating")
		if err := a.repo.EnsureRoomState(ctx, roomID); err != nil {
			return nil, fmt.Errorf("failed to repair room state: %w", err)
		}
		snap, err = a.repo.GetRoundSnapshot(ctx, roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get round snapshot: %w", err)
	}
	return snap, nil
}

// StartRound starts a round now. Auto rooms anchor at the current time,
// manual rooms at turn 0. Last write wins.
func (a *App) StartRound(ctx context.Context, actorID, roomID uuid.UUID) (turn.Anchor, error) {
	room, err := a.ownedRoom(ctx, actorID, roomID)
	if err != nil {
		return turn.Anchor{}, err
	}

	anchor := turn.TimeAnchor(a.clock.Now())
	if room.RoomType.Mode() == turn.ModeManual {
		anchor = turn.TickAnchor(0)
	}
	state, err := a.writeAnchor(ctx, room, anchor)
	if err != nil {
		return turn.Anchor{}, fmt.Errorf("failed to start round: %w", err)
	}
	log.Info().Str("room_id", roomID.String()).Stringer("anchor", state.Anchor).Msg("round started")
	return state.Anchor, nil
}

// ResetRound stops the round. Last write wins.
func (a *App) ResetRound(ctx context.Context, actorID, roomID uuid.UUID) error {
	room, err := a.ownedRoom(ctx, actorID, roomID)
	if err != nil {
		return err
	}
	if _, err := a.writeAnchor(ctx, room, turn.Inactive()); err != nil {
		return fmt.Errorf("failed to reset round: %w", err)
	}
	log.Info().Str("room_id", roomID.String()).Msg("round reset")
	return nil
}

// AdvanceTurn moves a manual round from the observed turn to the next one.
// It fails with ErrStaleAnchor when someone else wrote the anchor first.
func (a *App) AdvanceTurn(ctx context.Context, actorID, roomID uuid.UUID, observed turn.Anchor) (turn.Anchor, error) {
	room, err := a.repo.GetRoom(ctx, roomID)
	if err != nil {
		return turn.Anchor{}, fmt.Errorf("failed to advance turn: %w", err)
	}
	if room.RoomType.Mode() != turn.ModeManual {
		return turn.Anchor{}, fmt.Errorf("%s rooms rotate automatically: %w", room.RoomType, ErrInvalidRequest)
	}
	tick, ok := observed.Tick()
	if !ok {
		return turn.Anchor{}, fmt.Errorf("round is not running: %w", ErrInvalidRequest)
	}
	if err := a.requireMember(ctx, roomID, actorID); err != nil {
		return turn.Anchor{}, err
	}

	value, err := EncodeAnchor(room.RoomType, turn.TickAnchor(tick+1))
	if err != nil {
		return turn.Anchor{}, err
	}
	state, err := a.repo.CompareAndSetAnchor(ctx, roomID, observed.Version, value)
	if err != nil {
		if errors.Is(err, ErrStaleAnchor) {
			log.Info().Str("room_id", roomID.String()).Int64("version", observed.Version).Msg("stale advance rejected")
		}
		return turn.Anchor{}, fmt.Errorf("failed to advance turn: %w", err)
	}
	log.Debug().Str("room_id", roomID.String()).Int("tick", tick+1).Msg("turn advanced")
	return state.Anchor, nil
}

// Heartbeat marks userID as present in the room.
func (a *App) Heartbeat(ctx context.Context, roomID, userID uuid.UUID) error {
	ok, err := a.repo.TouchMember(ctx, roomID, userID, a.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if !ok {
		return ErrNotMember
	}
	return nil
}

// CleanupInactiveMembers removes members whose last heartbeat is older than
// timeout and returns how many were removed.
func (a *App) CleanupInactiveMembers(ctx context.Context, roomID uuid.UUID, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return 0, fmt.Errorf("timeout must be positive: %w", ErrInvalidRequest)
	}
	removed, err := a.repo.RemoveInactiveMembers(ctx, roomID, a.clock.Now().Add(-timeout))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up inactive members: %w", err)
	}
	if len(removed) > 0 {
		log.Info().Str("room_id", roomID.String()).Int("removed", len(removed)).Msg("inactive members removed")
	}
	return len(removed), nil
}

func (a *App) ownedRoom(ctx context.Context, actorID, roomID uuid.UUID) (*models.Room, error) {
	room, err := a.repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	if room.OwnerID != actorID {
		return nil, fmt.Errorf("only the room owner may do this: %w", ErrPermissionDenied)
	}
	return room, nil
}

func (a *App) requireMember(ctx context.Context, roomID, userID uuid.UUID) error {
	members, err := a.repo.ListMembers(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to list members: %w", err)
	}
	for _, m := range members {
		if m.UserID == userID {
			return nil
		}
	}
	return ErrNotMember
}

func (a *App) writeAnchor(ctx context.Context, room *models.Room, anchor turn.Anchor) (*models.RoomState, error) {
	value, err := EncodeAnchor(room.RoomType, anchor)
	if err != nil {
		return nil, err
	}
	state, err := a.repo.SetAnchor(ctx, room.ID, value)
	if errors.Is(err, ErrStateMissing) {
		if err := a.repo.EnsureRoomState(ctx, room.ID); err != nil {
			return nil, err
		}
		state, err = a.repo.SetAnchor(ctx, room.ID, value)
	}
	return state, err
}

// validateRoom checks the settings every viewer computes turn state from.
func validateRoom(room models.Room) error {
	if room.Name == "" {
		return fmt.Errorf("name is required: %w", ErrInvalidRequest)
	}
	if len([]rune(room.Name)) > maxNameLength {
		return fmt.Errorf("name is longer than %d characters: %w", maxNameLength, ErrInvalidRequest)
	}
	if room.OwnerID == uuid.Nil {
		return fmt.Errorf("owner_id is required: %w", ErrInvalidRequest)
	}
	if !room.RoomType.Valid() {
		return fmt.Errorf("unknown room_type %q: %w", room.RoomType, ErrInvalidRequest)
	}
	if room.RoundDurationSec <= 0 || room.BroadcastIntervalSec <= 0 {
		return fmt.Errorf("round_duration and broadcast_interval must be positive: %w", turn.ErrInvalidConfig)
	}
	return room.TurnConfig(0).Validate()
}

func normalizePassword(p *string) *string {
	if p == nil || *p == "" {
		return nil
	}
	return p
}

func randomRoomCode() string {
	return fmt.Sprintf("%04d", 1000+rand.IntN(9000))
}
