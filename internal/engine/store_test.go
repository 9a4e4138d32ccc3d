package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailcore/internal/types"
)

func newState(positionID, symbol string) *types.TrailingStopState {
	return &types.TrailingStopState{
		ID:           "id-" + positionID,
		PositionID:   positionID,
		Symbol:       symbol,
		Side:         types.SideLong,
		State:        types.StateTracking,
		EntryPrice:   50000,
		CurrentStop:  49000,
		ExtremePrice: 50000,
		TrailingPct:  2.0,
		CreatedAt:    time.Now(),
	}
}

func TestStorePutAndGet(t *testing.T) {
	s := NewStore()

	require.True(t, s.Put(newState("pos-1", "BTCUSDT")))
	assert.False(t, s.Put(newState("pos-1", "BTCUSDT")), "duplicate put must be rejected")

	st, ok := s.Get("pos-1")
	require.True(t, ok)
	assert.Equal(t, "pos-1", st.PositionID)

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestStoreGetReturnsCopy(t *testing.T) {
	s := NewStore()
	require.True(t, s.Put(newState("pos-1", "BTCUSDT")))

	st, _ := s.Get("pos-1")
	st.CurrentStop = 1 // mutating the copy must not touch the store

	again, _ := s.Get("pos-1")
	assert.Equal(t, 49000.0, again.CurrentStop)
}

func TestStoreUpdate(t *testing.T) {
	s := NewStore()
	require.True(t, s.Put(newState("pos-1", "BTCUSDT")))

	ok := s.Update("pos-1", func(st *types.TrailingStopState) {
		st.CurrentStop = 49500
	})
	require.True(t, ok)

	st, _ := s.Get("pos-1")
	assert.Equal(t, 49500.0, st.CurrentStop)

	assert.False(t, s.Update("missing", func(*types.TrailingStopState) {}))
}

func TestStoreSymbolIndex(t *testing.T) {
	s := NewStore()
	require.True(t, s.Put(newState("pos-1", "BTCUSDT")))
	require.True(t, s.Put(newState("pos-2", "BTCUSDT")))
	require.True(t, s.Put(newState("pos-3", "ETHUSDT")))

	assert.ElementsMatch(t, []string{"pos-1", "pos-2"}, s.ActiveIDsBySymbol("BTCUSDT"))
	assert.ElementsMatch(t, []string{"pos-3"}, s.ActiveIDsBySymbol("ETHUSDT"))
	assert.Empty(t, s.ActiveIDsBySymbol("SOLUSDT"))
	assert.Equal(t, 3, s.ActiveCount())

	// deactivation drops the id from the index
	s.Update("pos-1", func(st *types.TrailingStopState) {
		st.State = types.StateClosed
	})
	assert.ElementsMatch(t, []string{"pos-2"}, s.ActiveIDsBySymbol("BTCUSDT"))
	assert.Equal(t, 2, s.ActiveCount())

	s.Update("pos-3", func(st *types.TrailingStopState) {
		st.State = types.StateTriggered
	})
	assert.Empty(t, s.ActiveIDsBySymbol("ETHUSDT"))
}

func TestStoreListActive(t *testing.T) {
	s := NewStore()
	for i := 0; i < 10; i++ {
		require.True(t, s.Put(newState(fmt.Sprintf("pos-%d", i), "BTCUSDT")))
	}
	s.Update("pos-0", func(st *types.TrailingStopState) {
		st.State = types.StateTriggered
	})

	active := s.ListActive()
	assert.Len(t, active, 9)
	for _, st := range active {
		assert.True(t, st.IsActive())
	}
}

func TestStoreSnapshotRestore(t *testing.T) {
	s := NewStore()
	require.True(t, s.Put(newState("pos-1", "BTCUSDT")))
	require.True(t, s.Put(newState("pos-2", "ETHUSDT")))
	s.Update("pos-2", func(st *types.TrailingStopState) {
		st.State = types.StateTriggered
		st.AddReason(time.Now(), "triggered: price crossed stop")
	})

	snap := s.Snapshot()
	require.Len(t, snap, 2)

	restored := NewStore()
	restored.Restore(snap)

	st, ok := restored.Get("pos-1")
	require.True(t, ok)
	assert.Equal(t, types.StateTracking, st.State)
	assert.ElementsMatch(t, []string{"pos-1"}, restored.ActiveIDsBySymbol("BTCUSDT"))

	st, ok = restored.Get("pos-2")
	require.True(t, ok)
	assert.Equal(t, types.StateTriggered, st.State)
	assert.Len(t, st.Reasoning, 1)
	assert.Empty(t, restored.ActiveIDsBySymbol("ETHUSDT"), "triggered positions are history, not active")
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore()
	const n = 100

	for i := 0; i < n; i++ {
		require.True(t, s.Put(newState(fmt.Sprintf("pos-%d", i), "BTCUSDT")))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("pos-%d", i)
			for j := 0; j < 100; j++ {
				s.Update(id, func(st *types.TrailingStopState) {
					st.CurrentStop += 1
				})
				s.Get(id)
			}
		}(i)
	}

	// concurrent cross-cutting reads
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			s.ListActive()
			s.Snapshot()
			s.ActiveIDsBySymbol("BTCUSDT")
		}
	}()

	wg.Wait()

	for i := 0; i < n; i++ {
		st, ok := s.Get(fmt.Sprintf("pos-%d", i))
		require.True(t, ok)
		assert.Equal(t, 49000.0+100, st.CurrentStop)
	}
}
