package room

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/broadcast/turn"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/models"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrNotMember        = errors.New("user is not a member of the room")
	ErrInvalidPassword  = errors.New("invalid room password")
	ErrStaleAnchor      = errors.New("round anchor changed since it was read")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidRequest   = errors.New("invalid request")

	// ErrStateMissing is returned by the repository when a room has no state row.
	ErrStateMissing = errors.New("room state row missing")
	// ErrRoomCodeTaken is returned by the repository when a generated room code collides.
	ErrRoomCodeTaken = errors.New("room code already in use")
)

// Defaults are applied to rooms created without explicit timings.
type Defaults struct {
	RoundDurationSec     int
	BroadcastIntervalSec int
}

// DefaultDefaults returns the stock 80 s round with a 10 s broadcast interval.
func DefaultDefaults() Defaults {
	return Defaults{RoundDurationSec: 80, BroadcastIntervalSec: 10}
}

// CreateRoomRequest represents the data needed to create a new room
type CreateRoomRequest struct {
	Name                 string                  `json:"name" validate:"required"`
	OwnerID              uuid.UUID               `json:"owner_id" validate:"required"`
	OwnerName            string                  `json:"owner_name"`
	RoomType             models.RoomType         `json:"room_type" validate:"required"`
	RoundDurationSec     *int                    `json:"round_duration,omitempty"`
	BroadcastIntervalSec *int                    `json:"broadcast_interval,omitempty"`
	Password             *string                 `json:"password,omitempty"`
	Presentation         models.RoomPresentation `json:"presentation"`
	BaiyeID              *uuid.UUID              `json:"baiye_id,omitempty"`
}

// ListRoomsParams narrows the lobby listing. A nil BaiyeID lists every room.
type ListRoomsParams struct {
	Limit   int
	BaiyeID *uuid.UUID
}

// UpdateRoomConfigRequest changes only the fields that are set.
// An empty password clears it.
type UpdateRoomConfigRequest struct {
	Name                 *string                  `json:"name,omitempty"`
	RoundDurationSec     *int                     `json:"round_duration,omitempty"`
	BroadcastIntervalSec *int                     `json:"broadcast_interval,omitempty"`
	Password             *string                  `json:"password,omitempty"`
	Presentation         *models.RoomPresentation `json:"presentation,omitempty"`
	BaiyeID              *uuid.UUID               `json:"baiye_id,omitempty"`
}

// CreateRoomParams is what the repository stores for a new room.
type CreateRoomParams struct {
	Room      models.Room
	OwnerName string
	JoinedAt  time.Time
}

// RoundSnapshot is everything a viewer needs to compute turn state: the
// room config, the shared anchor and the rotation in order.
type RoundSnapshot struct {
	Room    models.Room         `json:"room"`
	State   models.RoomState    `json:"state"`
	Members []models.RoomMember `json:"members"`
}

// Anchor returns the shared round anchor.
func (s RoundSnapshot) Anchor() turn.Anchor {
	return s.State.Anchor
}

// Config returns the calculator config for the current rotation.
func (s RoundSnapshot) Config() turn.Config {
	return s.Room.TurnConfig(len(s.Members))
}

// RotationIndexOf returns the rotation index of userID, or an invalid index
// when the user is not in the room.
func (s RoundSnapshot) RotationIndexOf(userID uuid.UUID) turn.NullIndex {
	for _, m := range s.Members {
		if m.UserID == userID {
			return turn.IndexOf(m.OrderIndex)
		}
	}
	return turn.NullIndex{}
}

// MemberAt returns the member holding rotation index idx.
func (s RoundSnapshot) MemberAt(idx turn.NullIndex) (models.RoomMember, bool) {
	if !idx.Valid {
		return models.RoomMember{}, false
	}
	for _, m := range s.Members {
		if m.OrderIndex == idx.Index {
			return m, true
		}
	}
	return models.RoomMember{}, false
}
