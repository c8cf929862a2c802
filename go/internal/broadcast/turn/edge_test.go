package turn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEdgeDetector_FiresOncePerEdge(t *testing.T) {
	var d EdgeDetector
	seq := []bool{false, true, true, true, false}

	var started, ended int
	var edges []Edge
	for _, mine := range seq {
		e := d.Observe(TurnState{Status: StatusActive, IsMyTurn: mine})
		edges = append(edges, e)
		switch e {
		case EdgeTurnStarted:
			started++
		case EdgeTurnEnded:
			ended++
		}
	}

	assert.Equal(t, 1, started)
	assert.Equal(t, 1, ended)
	assert.Equal(t, []Edge{EdgeNone, EdgeTurnStarted, EdgeNone, EdgeNone, EdgeTurnEnded}, edges)
}

func TestEdgeDetector_ConsecutiveTurns(t *testing.T) {
	var d EdgeDetector
	assert.Equal(t, EdgeTurnStarted, d.Observe(TurnState{IsMyTurn: true}))
	assert.Equal(t, EdgeTurnEnded, d.Observe(TurnState{IsMyTurn: false}))
	assert.Equal(t, EdgeNone, d.Observe(TurnState{IsMyTurn: false}))
	assert.Equal(t, EdgeTurnStarted, d.Observe(TurnState{IsMyTurn: true}))
}

func TestEdgeDetector_Reset(t *testing.T) {
	var d EdgeDetector
	assert.Equal(t, EdgeNone, d.Reset())
	d.Observe(TurnState{IsMyTurn: true})
	assert.Equal(t, EdgeTurnEnded, d.Reset())
	assert.Equal(t, EdgeTurnStarted, d.Observe(TurnState{IsMyTurn: true}))
}
