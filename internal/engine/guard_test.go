package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuardExtremeMove(t *testing.T) {
	g := NewGuard(10)

	// 26% drop is rejected
	v := g.Evaluate(50000, 37000, 0, 0, 0, 0)
	assert.False(t, v.Accept)
	assert.Equal(t, ReasonExtremeMove, v.Reason)
	assert.InDelta(t, -26.0, v.DeltaPct, 0.01)

	// 3% move is accepted
	v = g.Evaluate(50000, 51500, 0, 0, 0, 0)
	assert.True(t, v.Accept)
	assert.Equal(t, 1.0, v.WidenFactor)
}

func TestGuardGap(t *testing.T) {
	g := NewGuard(10)

	// 6% jump: accepted but flagged as a gap
	v := g.Evaluate(50000, 53000, 0, 0, 0, 0)
	assert.True(t, v.Accept)
	assert.Equal(t, ReasonGap, v.Reason)

	// 4% jump is not a gap
	v = g.Evaluate(50000, 52000, 0, 0, 0, 0)
	assert.True(t, v.Accept)
	assert.Empty(t, v.Reason)
}

func TestGuardHaltSuspected(t *testing.T) {
	g := NewGuard(10)

	// flat streak below the threshold
	v := g.Evaluate(50000, 50000, 0, 0, 9, 0)
	assert.True(t, v.Accept)
	assert.Empty(t, v.Reason)

	// streak at the threshold with no triggers
	v = g.Evaluate(50000, 50000, 0, 0, 10, 0)
	assert.True(t, v.Accept)
	assert.Equal(t, ReasonHaltSuspected, v.Reason)

	// a past trigger disarms the halt heuristic
	v = g.Evaluate(50000, 50000, 0, 0, 10, 1)
	assert.True(t, v.Accept)
	assert.Empty(t, v.Reason)
}

func TestGuardVolumeWiden(t *testing.T) {
	g := NewGuard(10)

	v := g.Evaluate(50000, 50100, 100, 5, 0, 0)
	assert.True(t, v.Accept)
	assert.Equal(t, ReasonLowVolume, v.Reason)
	assert.Equal(t, 1.5, v.WidenFactor)

	v = g.Evaluate(50000, 50100, 100, 20, 0, 0)
	assert.True(t, v.Accept)
	assert.Equal(t, ReasonThinVolume, v.Reason)
	assert.Equal(t, 1.2, v.WidenFactor)

	v = g.Evaluate(50000, 50100, 100, 50, 0, 0)
	assert.True(t, v.Accept)
	assert.Equal(t, 1.0, v.WidenFactor)
}

func TestGuardFirstTick(t *testing.T) {
	g := NewGuard(10)

	// no previous price: delta rules are skipped
	v := g.Evaluate(0, 50000, 0, 0, 0, 0)
	assert.True(t, v.Accept)
	assert.Empty(t, v.Reason)
	assert.Zero(t, v.DeltaPct)
}

func TestGuardNonFiniteInputs(t *testing.T) {
	g := NewGuard(10)

	for _, prev := range []float64{math.NaN(), math.Inf(1), -1} {
		v := g.Evaluate(prev, 50000, 0, 0, 0, 0)
		assert.True(t, v.Accept, "prev=%v", prev)
	}

	// garbage volume never panics and never widens
	v := g.Evaluate(50000, 50100, math.NaN(), math.Inf(1), 0, 0)
	assert.True(t, v.Accept)
	assert.Equal(t, 1.0, v.WidenFactor)
}

func TestGuardRuleOrder(t *testing.T) {
	g := NewGuard(10)

	// extreme move wins over everything, including low volume
	v := g.Evaluate(50000, 30000, 100, 1, 0, 0)
	assert.False(t, v.Accept)
	assert.Equal(t, ReasonExtremeMove, v.Reason)

	// gap wins over volume widening
	v = g.Evaluate(50000, 53000, 100, 1, 0, 0)
	assert.True(t, v.Accept)
	assert.Equal(t, ReasonGap, v.Reason)
	assert.Equal(t, 1.0, v.WidenFactor)
}
