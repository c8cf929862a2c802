package turn

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidConfig is returned (or panicked with, inside Calculate) when a
// round configuration cannot drive the calculator.
var ErrInvalidConfig = errors.New("invalid round config")

// Mode defines how turns advance in a room.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// Status defines the round status seen by a viewer.
type Status string

const (
	StatusWaiting Status = "WAITING"
	StatusActive  Status = "ACTIVE"
)

// Anchor is the single shared value every viewer derives turn state from.
// The zero value is an inactive anchor.
type Anchor struct {
	mode    Mode
	active  bool
	epochMs int64
	tick    int

	// Version increases with every persisted write of the anchor.
	Version int64
}

// Inactive returns an anchor for a round that has not started.
func Inactive() Anchor {
	return Anchor{}
}

// TimeAnchor returns an auto mode anchor for a round that began at startedAt.
func TimeAnchor(startedAt time.Time) Anchor {
	return Anchor{mode: ModeAuto, active: true, epochMs: startedAt.UnixMilli()}
}

// TickAnchor returns a manual mode anchor pointing at the given turn index.
func TickAnchor(tick int) Anchor {
	return Anchor{mode: ModeManual, active: true, tick: tick}
}

// WithVersion returns a copy of a carrying the given version.
func (a Anchor) WithVersion(v int64) Anchor {
	a.Version = v
	return a
}

// Active reports whether a round is running.
func (a Anchor) Active() bool { return a.active }

// Mode returns the mode tag of an active anchor, or "" when inactive.
func (a Anchor) Mode() Mode { return a.mode }

// StartedAt returns the round start of an auto mode anchor.
func (a Anchor) StartedAt() (time.Time, bool) {
	if !a.active || a.mode != ModeAuto {
		return time.Time{}, false
	}
	return time.UnixMilli(a.epochMs), true
}

// Tick returns the persisted turn index of a manual mode anchor.
func (a Anchor) Tick() (int, bool) {
	if !a.active || a.mode != ModeManual {
		return 0, false
	}
	return a.tick, true
}

// SameActivation reports whether a and b describe the same running round.
// Manual anchors advancing their tick are the same activation; a new
// auto start time is not.
func (a Anchor) SameActivation(b Anchor) bool {
	if a.active != b.active || a.mode != b.mode {
		return false
	}
	if a.mode == ModeAuto {
		return a.epochMs == b.epochMs
	}
	return true
}

func (a Anchor) String() string {
	switch {
	case !a.active:
		return "inactive"
	case a.mode == ModeAuto:
		return fmt.Sprintf("auto@%d", a.epochMs)
	default:
		return fmt.Sprintf("manual#%d", a.tick)
	}
}

type anchorJSON struct {
	Mode    Mode   `json:"mode,omitempty"`
	Value   *int64 `json:"value"`
	Version int64  `json:"version"`
}

// MarshalJSON encodes the anchor as {"mode": ..., "value": ...} so the
// interpretation of value is never separated from its mode.
func (a Anchor) MarshalJSON() ([]byte, error) {
	out := anchorJSON{Version: a.Version}
	if a.active {
		out.Mode = a.mode
		v := a.epochMs
		if a.mode == ModeManual {
			v = int64(a.tick)
		}
		out.Value = &v
	}
	return json.Marshal(out)
}

func (a *Anchor) UnmarshalJSON(data []byte) error {
	var in anchorJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	in.Mode = Mode(strings.ToLower(string(in.Mode)))
	switch {
	case in.Value == nil:
		*a = Inactive()
	case in.Mode == ModeAuto:
		*a = TimeAnchor(time.UnixMilli(*in.Value))
	case in.Mode == ModeManual:
		*a = TickAnchor(int(*in.Value))
	default:
		return fmt.Errorf("anchor value without a known mode: %q", in.Mode)
	}
	a.Version = in.Version
	return nil
}

// Config holds the per-room constants of a round.
type Config struct {
	RoundDuration     time.Duration `json:"round_duration"`
	BroadcastInterval time.Duration `json:"broadcast_interval"`
	MemberCount       int           `json:"member_count"`
}

// ConfigFromSeconds builds a Config from the integer seconds rooms are stored with.
func ConfigFromSeconds(roundSec, intervalSec, members int) Config {
	return Config{
		RoundDuration:     time.Duration(roundSec) * time.Second,
		BroadcastInterval: time.Duration(intervalSec) * time.Second,
		MemberCount:       members,
	}
}

// Validate checks the config can be used by Calculate.
func (c Config) Validate() error {
	if c.RoundDuration < time.Millisecond {
		return fmt.Errorf("%w: round duration must be positive, got %s", ErrInvalidConfig, c.RoundDuration)
	}
	if c.BroadcastInterval < time.Millisecond {
		return fmt.Errorf("%w: broadcast interval must be positive, got %s", ErrInvalidConfig, c.BroadcastInterval)
	}
	if c.MemberCount < 0 {
		return fmt.Errorf("%w: member count must not be negative, got %d", ErrInvalidConfig, c.MemberCount)
	}
	return nil
}

// NullIndex is an optional rotation index.
type NullIndex struct {
	Index int
	Valid bool
}

// IndexOf returns a valid NullIndex.
func IndexOf(i int) NullIndex {
	return NullIndex{Index: i, Valid: true}
}

func (n NullIndex) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Index)
}

func (n *NullIndex) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*n = NullIndex{}
		return nil
	}
	if err := json.Unmarshal(data, &n.Index); err != nil {
		return err
	}
	n.Valid = true
	return nil
}

// TurnState is the derived view of a round at one instant. It is never persisted.
type TurnState struct {
	Status            Status    `json:"status"`
	CurrentTick       int       `json:"current_tick"`
	Assignee          NullIndex `json:"current_assignee_index"`
	Progress          float64   `json:"progress"`
	SecondsToNextTick float64   `json:"seconds_to_next_tick"`
	RoundElapsed      float64   `json:"round_elapsed"`
	IsMyTurn          bool      `json:"is_my_turn"`
}

// InCooldown reports whether the round is active but nobody is assigned.
func (s TurnState) InCooldown() bool {
	return s.Status == StatusActive && !s.Assignee.Valid
}
