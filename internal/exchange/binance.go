package exchange

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"

	"trailcore/internal/types"
)

// volumeEMAAlpha smooths per-trade volume into the rolling average the
// guard compares against.
const volumeEMAAlpha = 0.05

// BinanceStreamer implements MarketStreamer over Binance aggregated
// trade WebSockets, one connection per symbol with auto-reconnection.
type BinanceStreamer struct {
	logger        *slog.Logger
	client        *binance.Client
	mu            sync.RWMutex
	eventChan     chan types.Event
	subscriptions map[string]*wsSubscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// BinanceStreamerOption configures the streamer
type BinanceStreamerOption func(*BinanceStreamer)

// WithCredentials attaches API credentials. The trade stream itself is
// public; credentials enable the REST client used to seed the average
// volume from recent candles so the liquidity guard has a baseline
// before the EMA warms up.
func WithCredentials(apiKey, apiSecret string) BinanceStreamerOption {
	return func(s *BinanceStreamer) {
		s.client = binance.NewClient(apiKey, apiSecret)
	}
}

// wsSubscription holds the state for a single WebSocket connection
type wsSubscription struct {
	symbol   string
	stopChan chan struct{}
	done     chan struct{}

	// avgVolume is only touched by this subscription's handler
	avgVolume float64
}

// NewBinanceStreamer creates a new Binance market data streamer
func NewBinanceStreamer(logger *slog.Logger, opts ...BinanceStreamerOption) *BinanceStreamer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &BinanceStreamer{
		logger:        logger,
		eventChan:     make(chan types.Event, 1000),
		subscriptions: make(map[string]*wsSubscription),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe starts streaming ticks for a symbol
func (s *BinanceStreamer) Subscribe(ctx context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[symbol]; exists {
		s.logger.Debug("[BINANCE] Already subscribed", "symbol", symbol)
		return nil
	}

	sub := &wsSubscription{
		symbol:   symbol,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.subscriptions[symbol] = sub

	go s.runWebSocket(sub)

	s.logger.Info("[BINANCE] Subscribed to symbol", "symbol", symbol)
	return nil
}

// runWebSocket manages the WebSocket connection with auto-reconnection
func (s *BinanceStreamer) runWebSocket(sub *wsSubscription) {
	defer close(sub.done)

	if s.client != nil {
		if avg, err := s.seedAvgVolume(s.ctx, sub.symbol); err != nil {
			s.logger.Warn("[BINANCE] Failed to seed average volume",
				"symbol", sub.symbol,
				"error", err,
			)
		} else if avg > 0 {
			sub.avgVolume = avg
			s.logger.Info("[BINANCE] Seeded average volume",
				"symbol", sub.symbol,
				"avg_volume", avg,
			)
		}
	}

	symbol := strings.ToLower(sub.symbol)
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-sub.stopChan:
			return
		case <-s.ctx.Done():
			return
		default:
		}

		handler := func(event *binance.WsAggTradeEvent) {
			price, err := strconv.ParseFloat(event.Price, 64)
			if err != nil {
				s.logger.Error("[BINANCE] Failed to parse price",
					"symbol", sub.symbol,
					"error", err,
				)
				return
			}

			qty, _ := strconv.ParseFloat(event.Quantity, 64)
			if sub.avgVolume == 0 {
				sub.avgVolume = qty
			} else {
				sub.avgVolume += volumeEMAAlpha * (qty - sub.avgVolume)
			}

			tick := types.Event{
				Type:   types.EventTypeTick,
				Symbol: sub.symbol,
				Tick: &types.MarketContext{
					Price:     price,
					Volume:    qty,
					AvgVolume: sub.avgVolume,
					Timestamp: time.UnixMilli(event.Time),
				},
			}

			select {
			case s.eventChan <- tick:
			default:
				// Channel full, drop message to prevent blocking
				s.logger.Warn("[BINANCE] Event channel full, dropping tick",
					"symbol", sub.symbol,
				)
			}
		}

		errHandler := func(err error) {
			s.logger.Error("[BINANCE] WebSocket error",
				"symbol", sub.symbol,
				"error", err,
			)
		}

		doneC, stopC, err := binance.WsAggTradeServe(symbol, handler, errHandler)
		if err != nil {
			s.logger.Error("[BINANCE] Failed to connect WebSocket",
				"symbol", sub.symbol,
				"error", err,
				"retry_in", backoff,
			)

			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
				continue
			case <-sub.stopChan:
				return
			case <-s.ctx.Done():
				return
			}
		}

		s.logger.Info("[BINANCE] WebSocket connected", "symbol", sub.symbol)
		backoff = time.Second // Reset backoff on successful connection

		select {
		case <-doneC:
			s.logger.Warn("[BINANCE] WebSocket disconnected, reconnecting...",
				"symbol", sub.symbol,
			)
		case <-sub.stopChan:
			close(stopC)
			return
		case <-s.ctx.Done():
			close(stopC)
			return
		}
	}
}

// seedAvgVolume derives a per-trade volume baseline from recent
// one-minute candles.
func (s *BinanceStreamer) seedAvgVolume(ctx context.Context, symbol string) (float64, error) {
	klines, err := s.client.NewKlinesService().
		Symbol(strings.ToUpper(symbol)).
		Interval("1m").
		Limit(30).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	return averageTradeVolume(klines), nil
}

// averageTradeVolume converts candle totals into the per-trade average
// the guard compares ticks against. Candles with unparseable volume
// are skipped.
func averageTradeVolume(klines []*binance.Kline) float64 {
	var volume float64
	var trades int64
	for _, k := range klines {
		v, err := strconv.ParseFloat(k.Volume, 64)
		if err != nil {
			continue
		}
		volume += v
		trades += k.TradeNum
	}
	if trades == 0 {
		return 0
	}
	return volume / float64(trades)
}

// Unsubscribe stops streaming ticks for a symbol
func (s *BinanceStreamer) Unsubscribe(symbol string) error {
	s.mu.Lock()
	sub, exists := s.subscriptions[symbol]
	if !exists {
		s.mu.Unlock()
		return nil
	}
	delete(s.subscriptions, symbol)
	s.mu.Unlock()

	close(sub.stopChan)
	<-sub.done

	s.logger.Info("[BINANCE] Unsubscribed from symbol", "symbol", symbol)
	return nil
}

// Events returns the channel for receiving ticks
func (s *BinanceStreamer) Events() <-chan types.Event {
	return s.eventChan
}

// Close stops all subscriptions
func (s *BinanceStreamer) Close() error {
	s.cancel()

	s.mu.Lock()
	subs := make([]*wsSubscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		subs = append(subs, sub)
	}
	s.subscriptions = make(map[string]*wsSubscription)
	s.mu.Unlock()

	for _, sub := range subs {
		<-sub.done
	}

	s.logger.Info("[BINANCE] Streamer closed")
	return nil
}
