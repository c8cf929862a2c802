package room

import (
	"fmt"
	"time"

	"github.com/pandagg110/yanyun-baiyezhan/go/internal/broadcast/turn"
	"github.com/pandagg110/yanyun-baiyezhan/go/internal/models"
)

// The state table keeps the anchor in one nullable BIGINT column. Its meaning
// depends on the room type: epoch milliseconds of the round start for auto
// rooms, the current turn index for manual rooms. Nothing outside this file
// reads the raw number.

// EncodeAnchor returns the anchor_value column for a. Inactive anchors encode
// as NULL. The anchor mode must match the room type.
func EncodeAnchor(rt models.RoomType, a turn.Anchor) (*int64, error) {
	if !a.Active() {
		return nil, nil
	}
	if a.Mode() != rt.Mode() {
		return nil, fmt.Errorf("%s anchor for %s room: %w", a.Mode(), rt, ErrInvalidRequest)
	}
	var v int64
	if startedAt, ok := a.StartedAt(); ok {
		v = startedAt.UnixMilli()
	} else if tick, ok := a.Tick(); ok {
		v = int64(tick)
	}
	return &v, nil
}

// DecodeAnchor rebuilds the anchor stored for a room of type rt.
func DecodeAnchor(rt models.RoomType, value *int64, version int64) (turn.Anchor, error) {
	if !rt.Valid() {
		return turn.Anchor{}, fmt.Errorf("decode anchor: unknown room type %q", rt)
	}
	if value == nil {
		return turn.Inactive().WithVersion(version), nil
	}
	switch rt.Mode() {
	case turn.ModeManual:
		return turn.TickAnchor(int(*value)).WithVersion(version), nil
	default:
		return turn.TimeAnchor(time.UnixMilli(*value)).WithVersion(version), nil
	}
}
