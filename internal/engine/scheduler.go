package engine

import (
	"context"
	"hash/fnv"
	"runtime"
	"sync"
	"time"

	"trailcore/internal/metrics"
	"trailcore/internal/types"
)

// BatchUpdate applies a batch of ticks and returns the outcome per
// position id. Work is partitioned by position id over a bounded pool
// of workers, so a single position's ticks are applied in order by one
// worker while unrelated positions run in parallel. No lock is held
// across the whole call.
//
// A staged Reconfigure takes effect here, at the batch boundary, so a
// single batch always runs under one configuration.
func (e *Engine) BatchUpdate(ctx context.Context, updates []types.PositionUpdate) map[string]types.Outcome {
	e.applyPendingConfig()
	cfg, guard := e.snapshotConfig()

	results := make(map[string]types.Outcome, len(updates))
	if len(updates) == 0 {
		return results
	}

	start := time.Now()
	defer func() {
		metrics.BatchDuration.Observe(time.Since(start).Seconds())
	}()

	workers := runtime.GOMAXPROCS(0)
	if workers > len(updates) {
		workers = len(updates)
	}

	partitions := make([][]types.PositionUpdate, workers)
	for _, u := range updates {
		// modulus in uint32: converting the hash to int first would go
		// negative on 32-bit platforms
		p := partitionKey(u.PositionID) % uint32(workers)
		partitions[p] = append(partitions[p], u)
	}

	partial := make([]map[string]types.Outcome, workers)
	var wg sync.WaitGroup
	for i, part := range partitions {
		if len(part) == 0 {
			continue
		}
		wg.Add(1)
		go func(i int, part []types.PositionUpdate) {
			defer wg.Done()
			res := make(map[string]types.Outcome, len(part))
			for _, u := range part {
				if ctx.Err() != nil {
					break
				}
				res[u.PositionID] = e.onPriceUpdate(u.PositionID, u.Context, cfg, guard)
			}
			partial[i] = res
		}(i, part)
	}
	wg.Wait()

	for _, res := range partial {
		for id, out := range res {
			results[id] = out
		}
	}
	return results
}

func partitionKey(positionID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(positionID))
	return h.Sum32()
}
