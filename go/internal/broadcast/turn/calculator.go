// Package turn derives whose turn it is from a shared round anchor.
//
// Every viewer of a room evaluates Calculate against the same anchor and its
// own wall clock, so all viewers agree on the current turn without talking to
// each other.
package turn

import (
	"fmt"
	"time"
)

// Calculate returns the turn state at now. It is a pure function.
//
// Auto mode rounds loop forever over a single start time: the position in the
// current loop is (now - start) mod RoundDuration. Manual mode echoes the
// persisted tick. Calculate panics if cfg is invalid while a round is active;
// callers validate config where it is accepted.
func Calculate(now time.Time, anchor Anchor, cfg Config, me NullIndex) TurnState {
	if !anchor.Active() {
		return TurnState{Status: StatusWaiting}
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Errorf("turn: calculate: %w", err))
	}

	if anchor.Mode() == ModeManual {
		return manual(anchor.tick, cfg, me)
	}
	return auto(now.UnixMilli()-anchor.epochMs, cfg, me)
}

func auto(elapsedMs int64, cfg Config, me NullIndex) TurnState {
	roundMs := cfg.RoundDuration.Milliseconds()
	intervalMs := cfg.BroadcastInterval.Milliseconds()

	// Remainders are truncated, so negative elapsed time (clock skew) stays
	// negative in round_elapsed and progress. The tick is floored.
	roundElapsed := elapsedMs % roundMs
	tick := floorDiv(roundElapsed, intervalMs)
	intoInterval := roundElapsed % intervalMs

	state := TurnState{
		Status:            StatusActive,
		CurrentTick:       int(tick),
		Progress:          float64(intoInterval) / float64(intervalMs),
		SecondsToNextTick: float64(intervalMs-intoInterval) / 1000,
		RoundElapsed:      float64(roundElapsed) / 1000,
	}
	state.Assignee = assignee(state.CurrentTick, cfg.MemberCount)
	state.IsMyTurn = isMyTurn(state.Assignee, me)
	return state
}

func manual(tick int, cfg Config, me NullIndex) TurnState {
	state := TurnState{
		Status:      StatusActive,
		CurrentTick: tick,
		Progress:    1,
	}
	state.Assignee = assignee(tick, cfg.MemberCount)
	state.IsMyTurn = isMyTurn(state.Assignee, me)
	return state
}

// assignee is the rotation index acting on tick, invalid during cooldown.
func assignee(tick, memberCount int) NullIndex {
	if tick < 0 || tick >= memberCount {
		return NullIndex{}
	}
	return IndexOf(tick)
}

func isMyTurn(assignee, me NullIndex) bool {
	return me.Valid && assignee.Valid && assignee.Index == me.Index
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
