package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TicksProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trailcore_ticks_processed_total",
		Help: "Price updates processed, by outcome status",
	}, []string{"status"})

	TriggersEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trailcore_triggers_emitted_total",
		Help: "Trailing stop triggers emitted",
	})

	GuardRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trailcore_guard_rejections_total",
		Help: "Ticks rejected by the anomaly guard, by reason",
	}, []string{"reason"})

	GuardWidenEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trailcore_guard_widen_total",
		Help: "Ticks where low liquidity widened the trailing percent",
	})

	ActivePositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trailcore_active_positions",
		Help: "Positions currently tracked by the engine",
	})

	BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "trailcore_batch_duration_seconds",
		Help:    "Wall time of one batchUpdate call",
		Buckets: prometheus.DefBuckets,
	})

	EmitterRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trailcore_emitter_retries_total",
		Help: "Trigger delivery retries",
	})

	EmitterDeadLetters = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trailcore_emitter_dead_letters_total",
		Help: "Triggers written to the dead-letter path after exhausted retries",
	})

	EmitterDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trailcore_emitter_dropped_total",
		Help: "Triggers that could not be queued because the buffer was full",
	})
)

func init() {
	prometheus.MustRegister(
		TicksProcessed,
		TriggersEmitted,
		GuardRejections,
		GuardWidenEvents,
		ActivePositions,
		BatchDuration,
		EmitterRetries,
		EmitterDeadLetters,
		EmitterDropped,
	)
}
