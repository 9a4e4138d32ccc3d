package emitter

import (
	"context"
	"errors"

	"trailcore/internal/types"
)

// TriggerRecorder persists delivered triggers for reporting
type TriggerRecorder interface {
	SaveTrigger(ctx context.Context, trigger types.TrailingStopTrigger) error
}

// TeeSink publishes to a primary sink and records the trigger. A
// failure of either surfaces as a delivery failure so the emitter's
// retry covers both; recording is idempotent on the trigger id.
type TeeSink struct {
	primary  Sink
	recorder TriggerRecorder
}

// NewTeeSink wraps a sink with trigger recording
func NewTeeSink(primary Sink, recorder TriggerRecorder) *TeeSink {
	return &TeeSink{primary: primary, recorder: recorder}
}

func (s *TeeSink) Publish(ctx context.Context, trigger types.TrailingStopTrigger) error {
	return errors.Join(
		s.primary.Publish(ctx, trigger),
		s.recorder.SaveTrigger(ctx, trigger),
	)
}
