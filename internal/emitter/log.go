package emitter

import (
	"context"
	"log/slog"

	"trailcore/internal/types"
)

// LogSink writes triggers to the structured log. It is the fallback
// sink for local runs without Redis.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that only logs
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(_ context.Context, trigger types.TrailingStopTrigger) error {
	s.logger.Info("[EMITTER] Trigger",
		"trigger_id", trigger.ID,
		"position_id", trigger.PositionID,
		"symbol", trigger.Symbol,
		"side", trigger.Side,
		"trigger_price", trigger.TriggerPrice,
		"stop_price", trigger.StopPrice,
		"pnl_estimate_pct", trigger.PnLEstimate)
	return nil
}
