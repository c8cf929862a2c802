package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/broadcast/turn"
)

// RoomType selects how a room's broadcast rotation advances.
type RoomType string

const (
	// RoomTypeWuming rotates automatically on a wall-clock schedule.
	RoomTypeWuming RoomType = "wuming"
	// RoomTypeHealer is a manual relay: members hand the turn on explicitly.
	RoomTypeHealer RoomType = "healer"
)

// Valid reports whether t is a known room type.
func (t RoomType) Valid() bool {
	return t == RoomTypeWuming || t == RoomTypeHealer
}

// Mode returns the turn mode a room of this type runs in.
func (t RoomType) Mode() turn.Mode {
	if t == RoomTypeHealer {
		return turn.ModeManual
	}
	return turn.ModeAuto
}

// RoomPresentation holds display-only room settings stored as JSONB.
type RoomPresentation struct {
	BGMTrack   string `json:"bgm_track,omitempty"`
	CoverImage string `json:"cover_image,omitempty"`
}

// Room represents a broadcast room
type Room struct {
	ID                   uuid.UUID        `json:"id"`
	RoomCode             string           `json:"room_code"`
	Name                 string           `json:"name"`
	OwnerID              uuid.UUID        `json:"owner_id"`
	RoomType             RoomType         `json:"room_type"`
	RoundDurationSec     int              `json:"round_duration"`
	BroadcastIntervalSec int              `json:"broadcast_interval"`
	Presentation         RoomPresentation `json:"presentation"`
	Password             *string          `json:"-"`
	BaiyeID              *uuid.UUID       `json:"baiye_id,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
}

// HasPassword reports whether joining the room requires a password.
func (r Room) HasPassword() bool {
	return r.Password != nil && *r.Password != ""
}

// TurnConfig returns the calculator config for the given member count.
func (r Room) TurnConfig(members int) turn.Config {
	return turn.ConfigFromSeconds(r.RoundDurationSec, r.BroadcastIntervalSec, members)
}

// RoomState is the shared round anchor of a room.
type RoomState struct {
	RoomID    uuid.UUID   `json:"room_id"`
	Anchor    turn.Anchor `json:"anchor"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// RoomMember is a user's seat in a room's rotation.
type RoomMember struct {
	RoomID        uuid.UUID `json:"room_id"`
	UserID        uuid.UUID `json:"user_id"`
	OrderIndex    int       `json:"order_index"`
	CharacterName string    `json:"character_name"`
	JoinedAt      time.Time `json:"joined_at"`
	LastSeen      time.Time `json:"last_seen"`
}
