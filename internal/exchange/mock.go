package exchange

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"trailcore/internal/types"
)

// MockStreamer simulates a market data feed with a random walk per
// subscribed symbol. Used for local runs and tests.
type MockStreamer struct {
	logger      *slog.Logger
	mu          sync.RWMutex
	eventChan   chan types.Event
	stopChans   map[string]chan struct{}
	basePrices  map[string]float64
	tickerSpeed time.Duration
	volatility  float64
	closed      bool
}

// MockStreamerOption configures the mock streamer
type MockStreamerOption func(*MockStreamer)

// WithTickerSpeed sets how often simulated ticks are generated
func WithTickerSpeed(d time.Duration) MockStreamerOption {
	return func(m *MockStreamer) {
		m.tickerSpeed = d
	}
}

// WithVolatility sets the random walk step size as a fraction of price
func WithVolatility(v float64) MockStreamerOption {
	return func(m *MockStreamer) {
		m.volatility = v
	}
}

// WithBasePrice sets the starting price for a symbol
func WithBasePrice(symbol string, price float64) MockStreamerOption {
	return func(m *MockStreamer) {
		m.basePrices[symbol] = price
	}
}

// NewMockStreamer creates a new mock market data streamer
func NewMockStreamer(logger *slog.Logger, opts ...MockStreamerOption) *MockStreamer {
	m := &MockStreamer{
		logger:      logger,
		eventChan:   make(chan types.Event, 1000),
		stopChans:   make(map[string]chan struct{}),
		basePrices:  make(map[string]float64),
		tickerSpeed: time.Second,
		volatility:  0.001,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe starts generating simulated ticks for a symbol
func (m *MockStreamer) Subscribe(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.stopChans[symbol]; exists {
		return nil
	}

	basePrice, ok := m.basePrices[symbol]
	if !ok {
		basePrice = 50000.0
	}

	stopChan := make(chan struct{})
	m.stopChans[symbol] = stopChan
	go m.generateTicks(ctx, symbol, basePrice, stopChan)

	m.logger.Info("[MOCK] Subscribed to symbol", "symbol", symbol, "base_price", basePrice)
	return nil
}

func (m *MockStreamer) generateTicks(ctx context.Context, symbol string, basePrice float64, stopChan chan struct{}) {
	ticker := time.NewTicker(m.tickerSpeed)
	defer ticker.Stop()

	price := basePrice
	avgVolume := 10.0

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopChan:
			return
		case <-ticker.C:
			// Random walk with the configured step size
			price *= 1 + m.volatility*(rand.Float64()*2-1)
			volume := avgVolume * (0.5 + rand.Float64())
			avgVolume += volumeEMAAlpha * (volume - avgVolume)

			m.send(types.Event{
				Type:   types.EventTypeTick,
				Symbol: symbol,
				Tick: &types.MarketContext{
					Price:        price,
					Volume:       volume,
					AvgVolume:    avgVolume,
					AIConfidence: 50,
					Timestamp:    time.Now(),
				},
			})
		}
	}
}

// InjectTick pushes a fully specified tick, used by tests to drive the
// engine deterministically.
func (m *MockStreamer) InjectTick(symbol string, tick types.MarketContext) {
	m.send(types.Event{
		Type:   types.EventTypeTick,
		Symbol: symbol,
		Tick:   &tick,
	})
}

func (m *MockStreamer) send(event types.Event) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return
	}

	select {
	case m.eventChan <- event:
	default:
		m.logger.Warn("[MOCK] Event channel full, dropping tick", "symbol", event.Symbol)
	}
}

// Unsubscribe stops generating ticks for a symbol
func (m *MockStreamer) Unsubscribe(symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stopChan, exists := m.stopChans[symbol]; exists {
		close(stopChan)
		delete(m.stopChans, symbol)
		m.logger.Info("[MOCK] Unsubscribed from symbol", "symbol", symbol)
	}
	return nil
}

// Events returns the channel for receiving ticks
func (m *MockStreamer) Events() <-chan types.Event {
	return m.eventChan
}

// Close stops all simulated feeds
func (m *MockStreamer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	for symbol, stopChan := range m.stopChans {
		close(stopChan)
		delete(m.stopChans, symbol)
	}

	m.logger.Info("[MOCK] Streamer closed")
	return nil
}
