package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pandagg110/yanyun-baiyezhan/go/internal/room/realtime"
)

// RoomEvent is what browsers receive over the room WebSocket. It only says
// what changed; clients refetch the round snapshot to see the new values.
type RoomEvent struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"room_id,omitempty"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type EventType string

const (
	EventTypeRoundChanged   EventType = "RoundChanged"
	EventTypeMembersChanged EventType = "MembersChanged"
	EventTypeRoomUpdated    EventType = "RoomUpdated"
	EventTypeResync         EventType = "Resync"
	// EventTypeConnected is the first event on every room socket.
	EventTypeConnected  EventType = "Connected"
	EventTypeServerTime EventType = "ServerTime"
)

// RoundChangedPayload carries the anchor version that was written.
type RoundChangedPayload struct {
	Version int64 `json:"version"`
}

// ConnectedPayload tells a new viewer the server time, the newest anchor
// version broadcast to its room (0 if none yet) and how many sockets watch it.
type ConnectedPayload struct {
	ConnectionID string    `json:"connection_id"`
	ServerTime   time.Time `json:"server_time"`
	Version      int64     `json:"version"`
	Viewers      int       `json:"viewers"`
}

// ServerTimePayload answers a viewer's time request.
type ServerTimePayload struct {
	ServerTime time.Time `json:"server_time"`
}

// roundVersion returns the anchor version of a RoundChanged event.
func (e *RoomEvent) roundVersion() (int64, bool) {
	if e.Type != EventTypeRoundChanged || len(e.Data) == 0 {
		return 0, false
	}
	var p RoundChangedPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return 0, false
	}
	return p.Version, true
}

func newViewerEvent(v *viewer, kind EventType, now time.Time, payload any) *RoomEvent {
	ev := &RoomEvent{
		ID:        fmt.Sprintf("%s:%s:%d", v.id, kind, now.UnixNano()),
		RoomID:    v.roomID.String(),
		Type:      kind,
		Timestamp: now,
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Data = data
		}
	}
	return ev
}

func newConnectedEvent(v *viewer, version int64, viewers int) *RoomEvent {
	return newViewerEvent(v, EventTypeConnected, v.connectedAt, ConnectedPayload{
		ConnectionID: v.id,
		ServerTime:   v.connectedAt,
		Version:      version,
		Viewers:      viewers,
	})
}

// newRefreshEvent answers a refresh request with a Resync for this socket only.
func newRefreshEvent(v *viewer, now time.Time) *RoomEvent {
	return newViewerEvent(v, EventTypeResync, now, nil)
}

func newServerTimeEvent(v *viewer, now time.Time) *RoomEvent {
	return newViewerEvent(v, EventTypeServerTime, now, ServerTimePayload{ServerTime: now})
}

// NewRoomEvent converts a room change notification into a client event.
func NewRoomEvent(p realtime.RoomChangedPayload, now time.Time) (*RoomEvent, error) {
	ev := &RoomEvent{
		ID:        p.EventID(),
		Timestamp: now,
	}
	if p.Kind != realtime.ChangeResync {
		ev.RoomID = p.RoomID.String()
	}

	switch p.Kind {
	case realtime.ChangeState:
		ev.Type = EventTypeRoundChanged
		data, err := json.Marshal(RoundChangedPayload{Version: p.Version})
		if err != nil {
			return nil, err
		}
		ev.Data = data
	case realtime.ChangeMembers:
		ev.Type = EventTypeMembersChanged
	case realtime.ChangeRoom:
		ev.Type = EventTypeRoomUpdated
	case realtime.ChangeResync:
		ev.Type = EventTypeResync
	default:
		return nil, fmt.Errorf("unknown change kind: %q", p.Kind)
	}
	return ev, nil
}
