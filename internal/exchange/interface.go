package exchange

import (
	"context"

	"trailcore/internal/types"
)

// MarketStreamer defines the interface for streaming market data.
// Execution is out of scope here; the engine only consumes ticks and
// emits trigger events for the execution service.
type MarketStreamer interface {
	// Subscribe starts streaming ticks for a symbol
	Subscribe(ctx context.Context, symbol string) error

	// Unsubscribe stops streaming ticks for a symbol
	Unsubscribe(symbol string) error

	// Events returns the channel for receiving ticks
	Events() <-chan types.Event

	// Close cleans up all connections
	Close() error
}
