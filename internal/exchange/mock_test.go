package exchange

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailcore/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMockStreamerInjectTick(t *testing.T) {
	m := NewMockStreamer(testLogger())
	defer m.Close()

	m.InjectTick("BTCUSDT", types.MarketContext{
		Price:        50000,
		Volume:       5,
		AvgVolume:    10,
		AIConfidence: 72,
	})

	select {
	case event := <-m.Events():
		assert.Equal(t, types.EventTypeTick, event.Type)
		assert.Equal(t, "BTCUSDT", event.Symbol)
		require.NotNil(t, event.Tick)
		assert.Equal(t, 50000.0, event.Tick.Price)
		assert.Equal(t, 72.0, event.Tick.AIConfidence)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestMockStreamerGeneratesTicks(t *testing.T) {
	m := NewMockStreamer(testLogger(),
		WithTickerSpeed(5*time.Millisecond),
		WithBasePrice("ETHUSDT", 3000),
		WithVolatility(0.002),
	)
	defer m.Close()

	require.NoError(t, m.Subscribe(context.Background(), "ETHUSDT"))

	select {
	case event := <-m.Events():
		require.NotNil(t, event.Tick)
		assert.Equal(t, "ETHUSDT", event.Symbol)
		assert.InDelta(t, 3000, event.Tick.Price, 3000*0.01)
		assert.Greater(t, event.Tick.Volume, 0.0)
	case <-time.After(time.Second):
		t.Fatal("no simulated tick received")
	}

	require.NoError(t, m.Unsubscribe("ETHUSDT"))
}

func TestMockStreamerCloseStopsFeeds(t *testing.T) {
	m := NewMockStreamer(testLogger(), WithTickerSpeed(5*time.Millisecond))
	require.NoError(t, m.Subscribe(context.Background(), "BTCUSDT"))
	require.NoError(t, m.Close())

	// sends after close are discarded, not panics
	m.InjectTick("BTCUSDT", types.MarketContext{Price: 1})
}
