package realtime

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NotifyChannel is the Postgres channel the room change triggers notify on.
const NotifyChannel = "baiyezhan_room_state_changed"

// ChangeKind says which part of a room changed.
type ChangeKind string

const (
	ChangeState   ChangeKind = "state"
	ChangeMembers ChangeKind = "members"
	ChangeRoom    ChangeKind = "room"
	// ChangeResync asks every viewer to re-fetch: notifications may have been lost.
	ChangeResync ChangeKind = "resync"
)

// RoomChangedPayload is published whenever a room's anchor, rotation or
// config changes. It carries no state: receivers re-fetch.
type RoomChangedPayload struct {
	RoomID    uuid.UUID  `json:"room_id"`
	Kind      ChangeKind `json:"kind"`
	Version   int64      `json:"version,omitempty"`
	TxID      int64      `json:"tx_id,omitempty"`
	ChangedAt time.Time  `json:"changed_at"`
}

// EventID identifies a change for publish de-duplication. Every state write
// has its own version; other changes are keyed by transaction.
func (p RoomChangedPayload) EventID() string {
	switch p.Kind {
	case ChangeState:
		return fmt.Sprintf("%s:state:v%d", p.RoomID, p.Version)
	case ChangeResync:
		return fmt.Sprintf("resync:%d", p.ChangedAt.UnixNano())
	default:
		return fmt.Sprintf("%s:%s:tx%d", p.RoomID, p.Kind, p.TxID)
	}
}

// RoomSubject is the subject changes of one room are published on.
func RoomSubject(prefix string, roomID uuid.UUID) string {
	return fmt.Sprintf("%s.%s", prefix, roomID)
}

// ResyncSubject is the subject resync requests for all rooms are published on.
func ResyncSubject(prefix string) string {
	return prefix + ".resync"
}
