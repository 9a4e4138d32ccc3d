package emitter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"trailcore/internal/metrics"
	"trailcore/internal/retry"
	"trailcore/internal/types"
)

const defaultBufferSize = 256

// ErrBufferFull is recorded as the dead-letter cause when the delivery
// buffer overflows.
var ErrBufferFull = errors.New("emitter buffer full")

// Sink delivers one trigger to an external consumer. Delivery is
// at-least-once; sinks must deduplicate by the trigger's stable id.
type Sink interface {
	Publish(ctx context.Context, trigger types.TrailingStopTrigger) error
}

// DeadLetterStore records triggers whose delivery exhausted retries
type DeadLetterStore interface {
	SaveDeadLetter(ctx context.Context, trigger types.TrailingStopTrigger, deliveryErr error) error
}

// Emitter decouples the update hot path from trigger delivery. Emit
// never blocks; a worker goroutine drains the buffer and retries
// failed deliveries with bounded backoff. The risk decision itself is
// made by the engine before Emit and is independent of delivery.
type Emitter struct {
	logger      *slog.Logger
	sink        Sink
	deadLetters DeadLetterStore
	retryCfg    retry.Config

	buf  chan types.TrailingStopTrigger
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// EmitterOption customizes emitter construction
type EmitterOption func(*Emitter)

// WithBufferSize overrides the delivery buffer capacity
func WithBufferSize(n int) EmitterOption {
	return func(e *Emitter) {
		if n > 0 {
			e.buf = make(chan types.TrailingStopTrigger, n)
		}
	}
}

// WithRetryConfig overrides the delivery retry policy
func WithRetryConfig(cfg retry.Config) EmitterOption {
	return func(e *Emitter) { e.retryCfg = cfg }
}

// NewEmitter creates an emitter for the given sink. deadLetters may be
// nil; exhausted deliveries are then only logged and counted.
func NewEmitter(sink Sink, deadLetters DeadLetterStore, logger *slog.Logger, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		logger:      logger,
		sink:        sink,
		deadLetters: deadLetters,
		retryCfg:    retry.DefaultConfig(),
		buf:         make(chan types.TrailingStopTrigger, defaultBufferSize),
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the delivery worker. It returns immediately.
func (e *Emitter) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.run(ctx)
	e.logger.Info("[EMITTER] Started", "buffer", cap(e.buf))
}

// Emit queues a trigger for delivery without blocking. A full buffer
// drops the trigger into the dead-letter path instead of stalling the
// update loop.
func (e *Emitter) Emit(trigger types.TrailingStopTrigger) {
	select {
	case e.buf <- trigger:
	default:
		metrics.EmitterDropped.Inc()
		e.logger.Error("[EMITTER] Buffer full, dead-lettering trigger",
			"trigger_id", trigger.ID,
			"position_id", trigger.PositionID)
		e.deadLetter(context.Background(), trigger, ErrBufferFull)
	}
}

// Stop drains buffered triggers and waits for the worker to finish
func (e *Emitter) Stop() {
	e.once.Do(func() { close(e.stop) })
	e.wg.Wait()
}

func (e *Emitter) run(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case trigger := <-e.buf:
			e.deliver(ctx, trigger)
		case <-e.stop:
			e.drain(ctx)
			return
		case <-ctx.Done():
			e.drain(context.Background())
			return
		}
	}
}

// drain delivers whatever is still buffered at shutdown, with a hard
// time limit so shutdown cannot hang on a dead sink.
func (e *Emitter) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for {
		select {
		case trigger := <-e.buf:
			e.deliver(ctx, trigger)
		default:
			return
		}
	}
}

func (e *Emitter) deliver(ctx context.Context, trigger types.TrailingStopTrigger) {
	cfg := e.retryCfg
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		metrics.EmitterRetries.Inc()
		e.logger.Warn("[EMITTER] Delivery retry",
			"trigger_id", trigger.ID,
			"attempt", attempt,
			"delay", delay,
			"error", err)
	}

	err := retry.Do(ctx, func() error {
		return e.sink.Publish(ctx, trigger)
	}, cfg)
	if err == nil {
		e.logger.Info("[EMITTER] Trigger delivered",
			"trigger_id", trigger.ID,
			"position_id", trigger.PositionID,
			"symbol", trigger.Symbol)
		return
	}

	e.logger.Error("[EMITTER] Delivery exhausted, dead-lettering",
		"trigger_id", trigger.ID,
		"position_id", trigger.PositionID,
		"error", err)
	e.deadLetter(ctx, trigger, err)
}

func (e *Emitter) deadLetter(ctx context.Context, trigger types.TrailingStopTrigger, cause error) {
	metrics.EmitterDeadLetters.Inc()
	if e.deadLetters == nil {
		return
	}
	if err := e.deadLetters.SaveDeadLetter(ctx, trigger, cause); err != nil {
		e.logger.Error("[EMITTER] Failed to record dead letter",
			"trigger_id", trigger.ID,
			"error", err)
	}
}
