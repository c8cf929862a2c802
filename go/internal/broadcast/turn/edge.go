package turn

// Edge is a transition of TurnState.IsMyTurn.
type Edge int

const (
	EdgeNone Edge = iota
	EdgeTurnStarted
	EdgeTurnEnded
)

func (e Edge) String() string {
	switch e {
	case EdgeTurnStarted:
		return "turn_started"
	case EdgeTurnEnded:
		return "turn_ended"
	default:
		return "none"
	}
}

// EdgeDetector reports rising and falling edges of IsMyTurn across a
// sequence of states. Repeated states produce EdgeNone.
type EdgeDetector struct {
	mine bool
}

// Observe feeds the next state and returns the edge it caused, if any.
func (d *EdgeDetector) Observe(s TurnState) Edge {
	switch {
	case s.IsMyTurn && !d.mine:
		d.mine = true
		return EdgeTurnStarted
	case !s.IsMyTurn && d.mine:
		d.mine = false
		return EdgeTurnEnded
	default:
		return EdgeNone
	}
}

// Reset forgets the previous state. A turn in progress is considered ended.
func (d *EdgeDetector) Reset() Edge {
	if d.mine {
		d.mine = false
		return EdgeTurnEnded
	}
	return EdgeNone
}
