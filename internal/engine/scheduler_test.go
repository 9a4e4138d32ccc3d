package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailcore/internal/config"
	"trailcore/internal/types"
)

func openN(t *testing.T, eng *Engine, n int, side types.Side) []string {
	t.Helper()

	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("pos-%d", i)
		_, err := eng.Open(types.OpenPositionRequest{
			PositionID: id,
			Symbol:     "BTCUSDT",
			Side:       side,
			EntryPrice: 50000,
		})
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func TestBatchMatchesSequential(t *testing.T) {
	const n = 64

	rng := rand.New(rand.NewSource(7))
	prices := make([]float64, n)
	for i := range prices {
		prices[i] = 50000 * (1 + (rng.Float64()*2-1)*0.04)
	}

	// batch path
	batchEng, batchClock, _, _ := newTestEngine(t, config.Default())
	ids := openN(t, batchEng, n, types.SideLong)
	batchClock.Advance(time.Second)

	updates := make([]types.PositionUpdate, n)
	for i, id := range ids {
		updates[i] = types.PositionUpdate{PositionID: id, Context: tick(prices[i])}
	}
	batchOutcomes := batchEng.BatchUpdate(context.Background(), updates)

	// sequential path
	seqEng, seqClock, _, _ := newTestEngine(t, config.Default())
	openN(t, seqEng, n, types.SideLong)
	seqClock.Advance(time.Second)

	for i, id := range ids {
		out := seqEng.OnPriceUpdate(id, tick(prices[i]))

		batchOut, ok := batchOutcomes[id]
		require.True(t, ok, "missing batch outcome for %s", id)
		assert.Equal(t, out.Status, batchOut.Status, "position %s", id)
		assert.Equal(t, out.StopPrice, batchOut.StopPrice, "position %s", id)
		assert.Equal(t, out.TrailingPct, batchOut.TrailingPct, "position %s", id)

		batchState, _ := batchEng.GetState(id)
		seqState, _ := seqEng.GetState(id)
		assert.Equal(t, seqState.CurrentStop, batchState.CurrentStop, "position %s", id)
		assert.Equal(t, seqState.State, batchState.State, "position %s", id)
	}
}

func TestBatchPreservesPerPositionOrder(t *testing.T) {
	eng, clock, _, _ := newTestEngine(t, config.Default())
	clock.Advance(time.Second)

	_, err := eng.Open(types.OpenPositionRequest{
		PositionID: "pos-1", Symbol: "BTCUSDT", Side: types.SideLong, EntryPrice: 50000,
	})
	require.NoError(t, err)

	// two updates for the same id in one batch: the second is inside
	// the rate-limit window of the first, so the last outcome reported
	// is rate_limited and the stop reflects the first tick only
	clock.Advance(time.Second)
	outcomes := eng.BatchUpdate(context.Background(), []types.PositionUpdate{
		{PositionID: "pos-1", Context: tick(52000)},
		{PositionID: "pos-1", Context: tick(52000)},
	})

	out := outcomes["pos-1"]
	assert.Equal(t, types.UpdateRateLimited, out.Status)

	st, _ := eng.GetState("pos-1")
	assert.InDelta(t, 52000*0.98, st.CurrentStop, 1e-9)
}

func TestBatchEmptyInput(t *testing.T) {
	eng, _, _, _ := newTestEngine(t, config.Default())

	outcomes := eng.BatchUpdate(context.Background(), nil)
	assert.Empty(t, outcomes)
}

func TestBatchUnknownPositions(t *testing.T) {
	eng, _, _, _ := newTestEngine(t, config.Default())

	outcomes := eng.BatchUpdate(context.Background(), []types.PositionUpdate{
		{PositionID: "ghost", Context: tick(50000)},
	})
	assert.Equal(t, types.UpdateSkipped, outcomes["ghost"].Status)
}

func TestBatchHandlesHighHashIDs(t *testing.T) {
	eng, clock, _, _ := newTestEngine(t, config.Default())

	// ids whose fnv hash exceeds MaxInt32 must still land in a valid
	// partition; a signed conversion would index negatively
	var ids []string
	for i := 0; len(ids) < 4 && i < 10000; i++ {
		id := fmt.Sprintf("pos-%d", i)
		if partitionKey(id) > math.MaxInt32 {
			ids = append(ids, id)
		}
	}
	require.Len(t, ids, 4)

	for _, id := range ids {
		_, err := eng.Open(types.OpenPositionRequest{
			PositionID: id, Symbol: "BTCUSDT", Side: types.SideLong, EntryPrice: 50000,
		})
		require.NoError(t, err)
	}
	clock.Advance(time.Second)

	updates := make([]types.PositionUpdate, 0, len(ids))
	for _, id := range ids {
		updates = append(updates, types.PositionUpdate{PositionID: id, Context: tick(51000)})
	}
	outcomes := eng.BatchUpdate(context.Background(), updates)

	for _, id := range ids {
		assert.Equal(t, types.UpdateRatcheted, outcomes[id].Status, "position %s", id)
	}
}

func TestBatchConcurrentSafety(t *testing.T) {
	const n = 200

	eng, clock, sink, _ := newTestEngine(t, config.Default())
	ids := openN(t, eng, n, types.SideLong)

	rng := rand.New(rand.NewSource(11))
	for round := 0; round < 10; round++ {
		clock.Advance(time.Second)

		updates := make([]types.PositionUpdate, 0, n)
		for _, id := range ids {
			price := 50000 * (1 + (rng.Float64()*2-1)*0.03)
			updates = append(updates, types.PositionUpdate{PositionID: id, Context: tick(price)})
		}
		eng.BatchUpdate(context.Background(), updates)
	}

	// every position is either still active or triggered exactly once
	triggered := 0
	for _, id := range ids {
		st, ok := eng.GetState(id)
		require.True(t, ok)
		if st.State == types.StateTriggered {
			triggered++
			assert.Equal(t, 1, st.TriggerCount)
		}
	}
	assert.Len(t, sink.Triggers(), triggered)
	assert.Equal(t, n-triggered, eng.ActiveCount())
}
