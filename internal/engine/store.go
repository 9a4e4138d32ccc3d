package engine

import (
	"hash/fnv"
	"sync"

	"trailcore/internal/types"
)

const storeShardCount = 32

// Store is the concurrency-safe map of positionID -> TrailingStopState.
// It is sharded so unrelated positions never contend, and each entry
// carries its own mutex for exclusive per-position access. Triggered
// and closed positions are retained as immutable history.
type Store struct {
	shards [storeShardCount]*storeShard

	// bySymbol indexes active position ids per symbol for tick fanout.
	// Reads are lock-free; writers serialize on indexMu and replace the
	// slice copy-on-write, so readers never see a partially built list.
	bySymbol sync.Map // string -> []string
	indexMu  sync.Mutex
}

type storeShard struct {
	mu      sync.RWMutex
	entries map[string]*storeEntry
}

type storeEntry struct {
	mu    sync.Mutex
	state *types.TrailingStopState
}

// NewStore creates an empty store
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &storeShard{entries: make(map[string]*storeEntry)}
	}
	return s
}

func (s *Store) shardFor(positionID string) *storeShard {
	h := fnv.New32a()
	h.Write([]byte(positionID))
	return s.shards[h.Sum32()%storeShardCount]
}

// Put inserts a new state. It reports false when the position is
// already tracked, leaving the existing entry untouched.
func (s *Store) Put(state *types.TrailingStopState) bool {
	shard := s.shardFor(state.PositionID)
	shard.mu.Lock()
	if _, exists := shard.entries[state.PositionID]; exists {
		shard.mu.Unlock()
		return false
	}
	shard.entries[state.PositionID] = &storeEntry{state: state}
	shard.mu.Unlock()

	// terminal states go in as history and stay out of the index
	if state.IsActive() {
		s.indexAdd(state.Symbol, state.PositionID)
	}
	return true
}

// Update runs fn with exclusive access to the position's state. It
// reports false when the position is unknown. fn must not retain the
// state pointer.
func (s *Store) Update(positionID string, fn func(*types.TrailingStopState)) bool {
	shard := s.shardFor(positionID)
	shard.mu.RLock()
	entry, ok := shard.entries[positionID]
	shard.mu.RUnlock()
	if !ok {
		return false
	}

	entry.mu.Lock()
	wasActive := entry.state.IsActive()
	fn(entry.state)
	nowActive := entry.state.IsActive()
	entry.mu.Unlock()

	if wasActive && !nowActive {
		s.indexRemove(entry.state.Symbol, positionID)
	}
	return true
}

// Get returns a copy of the state for reporting
func (s *Store) Get(positionID string) (types.TrailingStopState, bool) {
	shard := s.shardFor(positionID)
	shard.mu.RLock()
	entry, ok := shard.entries[positionID]
	shard.mu.RUnlock()
	if !ok {
		return types.TrailingStopState{}, false
	}

	entry.mu.Lock()
	cp := copyState(entry.state)
	entry.mu.Unlock()
	return cp, true
}

// ListActive returns a consistent snapshot of all active positions.
// Writers are only blocked per entry while that entry is copied.
func (s *Store) ListActive() []types.TrailingStopState {
	var out []types.TrailingStopState
	for _, shard := range s.shards {
		shard.mu.RLock()
		entries := make([]*storeEntry, 0, len(shard.entries))
		for _, e := range shard.entries {
			entries = append(entries, e)
		}
		shard.mu.RUnlock()

		for _, e := range entries {
			e.mu.Lock()
			if e.state.IsActive() {
				out = append(out, copyState(e.state))
			}
			e.mu.Unlock()
		}
	}
	return out
}

// ActiveIDsBySymbol returns the ids of active positions tracking symbol
func (s *Store) ActiveIDsBySymbol(symbol string) []string {
	if v, ok := s.bySymbol.Load(symbol); ok {
		ids := v.([]string)
		out := make([]string, len(ids))
		copy(out, ids)
		return out
	}
	return nil
}

// ActiveCount returns the number of active positions
func (s *Store) ActiveCount() int {
	n := 0
	s.bySymbol.Range(func(_, v any) bool {
		n += len(v.([]string))
		return true
	})
	return n
}

// Snapshot deep-copies every tracked state for persistence
func (s *Store) Snapshot() map[string]*types.TrailingStopState {
	out := make(map[string]*types.TrailingStopState)
	for _, shard := range s.shards {
		shard.mu.RLock()
		entries := make(map[string]*storeEntry, len(shard.entries))
		for id, e := range shard.entries {
			entries[id] = e
		}
		shard.mu.RUnlock()

		for id, e := range entries {
			e.mu.Lock()
			cp := copyState(e.state)
			e.mu.Unlock()
			out[id] = &cp
		}
	}
	return out
}

// Restore loads persisted states, replacing nothing that already
// exists. Used once at startup.
func (s *Store) Restore(states map[string]*types.TrailingStopState) {
	for _, st := range states {
		cp := copyState(st)
		s.Put(&cp)
	}
}

func (s *Store) indexAdd(symbol, positionID string) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	var old []string
	if existing, ok := s.bySymbol.Load(symbol); ok {
		old = existing.([]string)
	}
	next := make([]string, len(old)+1)
	copy(next, old)
	next[len(old)] = positionID
	s.bySymbol.Store(symbol, next)
}

func (s *Store) indexRemove(symbol, positionID string) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	existing, ok := s.bySymbol.Load(symbol)
	if !ok {
		return
	}
	old := existing.([]string)
	next := make([]string, 0, len(old))
	for _, id := range old {
		if id != positionID {
			next = append(next, id)
		}
	}
	if len(next) == 0 {
		s.bySymbol.Delete(symbol)
		return
	}
	s.bySymbol.Store(symbol, next)
}

// copyState deep-copies a state so callers never alias store-owned data
func copyState(st *types.TrailingStopState) types.TrailingStopState {
	cp := *st
	if len(st.Reasoning) > 0 {
		cp.Reasoning = make([]types.ReasonEntry, len(st.Reasoning))
		copy(cp.Reasoning, st.Reasoning)
	}
	if st.Trigger != nil {
		trig := *st.Trigger
		cp.Trigger = &trig
	}
	return cp
}
