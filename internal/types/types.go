package types

import (
	"time"
)

// Side represents the direction of the tracked position
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// MarketRegime is a coarse classification of market behavior supplied
// by the upstream analysis pipeline. Unknown values are tolerated and
// fall back to a neutral multiplier in the calculator.
type MarketRegime string

const (
	RegimeBull     MarketRegime = "bull"
	RegimeBear     MarketRegime = "bear"
	RegimeRange    MarketRegime = "range"
	RegimeVolatile MarketRegime = "volatile"
)

// PositionState is the lifecycle state of a tracked position
type PositionState string

const (
	// StateTracking means the stop is actively following price
	StateTracking PositionState = "tracking"
	// StatePaused means the guard rejected the last tick; the stop is
	// frozen until the next accepted tick
	StatePaused PositionState = "paused"
	// StateTriggered is terminal: price crossed the stop
	StateTriggered PositionState = "triggered"
	// StateClosed is terminal: the position left tracking via Close
	StateClosed PositionState = "closed"
)

// MarketContext is one streamed tick for one position. It is transient
// input and never retained by the engine beyond the current update.
type MarketContext struct {
	Price            float64      `json:"price"`
	ATRNormalized    float64      `json:"atr_normalized"` // ATR as a percent of price, supplied upstream
	VolatilityRegime MarketRegime `json:"volatility_regime,omitempty"`
	MarketRegime     MarketRegime `json:"market_regime,omitempty"`
	AIConfidence     float64      `json:"ai_confidence"` // 0..100
	Volume           float64      `json:"volume"`
	AvgVolume        float64      `json:"avg_volume"`
	Timestamp        time.Time    `json:"timestamp"`
}

// ReasonEntry is a single line in a position's reasoning trail
type ReasonEntry struct {
	At   time.Time `json:"at"`
	Note string    `json:"note"`
}

// ReasoningTrailCap bounds the per-position reasoning trail
const ReasoningTrailCap = 32

// TrailingStopState holds the tracked state for one open position.
// It is owned exclusively by the state store; callers only ever see
// copies.
type TrailingStopState struct {
	ID             string        `json:"id"`
	PositionID     string        `json:"position_id"`
	Symbol         string        `json:"symbol"`
	Side           Side          `json:"side"`
	State          PositionState `json:"state"`
	EntryPrice     float64       `json:"entry_price"`
	CurrentStop    float64       `json:"current_stop_price"`
	ExtremePrice   float64       `json:"extreme_price"`
	TrailingPct    float64       `json:"trailing_percent"`
	LastUpdated    time.Time     `json:"last_updated"`
	TriggerCount   int           `json:"trigger_count"`
	LastATR        float64       `json:"last_atr"`
	LastConfidence float64       `json:"last_confidence"`
	LastRegime     MarketRegime  `json:"last_regime,omitempty"`

	// Guard bookkeeping: previous observed price and the length of the
	// current run of identical prices, including the latest tick.
	LastPrice float64 `json:"last_price"`
	FlatTicks int     `json:"flat_ticks"`

	Reasoning []ReasonEntry        `json:"reasoning,omitempty"`
	Trigger   *TrailingStopTrigger `json:"trigger,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IsActive reports whether the position still participates in updates
func (s *TrailingStopState) IsActive() bool {
	return s.State == StateTracking || s.State == StatePaused
}

// AddReason appends a bounded reasoning entry, dropping the oldest
// entry once the trail is full.
func (s *TrailingStopState) AddReason(at time.Time, note string) {
	if len(s.Reasoning) >= ReasoningTrailCap {
		copy(s.Reasoning, s.Reasoning[1:])
		s.Reasoning = s.Reasoning[:ReasoningTrailCap-1]
	}
	s.Reasoning = append(s.Reasoning, ReasonEntry{At: at, Note: note})
}

// TrailingStopTrigger is the immutable event emitted when price crosses
// a stop. The ID is stable so downstream sinks can deduplicate.
type TrailingStopTrigger struct {
	ID           string        `json:"id"`
	PositionID   string        `json:"position_id"`
	Symbol       string        `json:"symbol"`
	Side         Side          `json:"side"`
	TriggerPrice float64       `json:"trigger_price"`
	StopPrice    float64       `json:"stop_price"`
	PnLEstimate  float64       `json:"pnl_estimate_pct"` // signed percent vs entry
	Timestamp    time.Time     `json:"timestamp"`
	Context      MarketContext `json:"context"`
}

// Alert is raised when the circuit breaker rejects a tick. It is
// informational for notification/incident-response collaborators.
type Alert struct {
	PositionID    string    `json:"position_id"`
	Symbol        string    `json:"symbol"`
	Reason        string    `json:"reason"`
	ObservedDelta float64   `json:"observed_delta_pct"`
	Timestamp     time.Time `json:"timestamp"`
}

// UpdateStatus classifies the outcome of a single price update
type UpdateStatus string

const (
	UpdateTriggered    UpdateStatus = "triggered"
	UpdateRatcheted    UpdateStatus = "ratcheted"
	UpdateUnchanged    UpdateStatus = "unchanged"
	UpdatePaused       UpdateStatus = "paused"
	UpdateRateLimited  UpdateStatus = "rate_limited"
	UpdateInvalidPrice UpdateStatus = "invalid_price"
	UpdateSkipped      UpdateStatus = "skipped"
)

// Outcome is the per-position result of an update or batch entry
type Outcome struct {
	PositionID  string               `json:"position_id"`
	Status      UpdateStatus         `json:"status"`
	StopPrice   float64              `json:"stop_price"`
	TrailingPct float64              `json:"trailing_percent"`
	Reason      string               `json:"reason,omitempty"`
	Trigger     *TrailingStopTrigger `json:"trigger,omitempty"`
}

// PositionUpdate pairs one tick with the position it belongs to, as
// consumed by the batch scheduler.
type PositionUpdate struct {
	PositionID string
	Context    MarketContext
}

// EventType distinguishes events in the feed fan-in channel
type EventType int

const (
	EventTypeTick EventType = iota
	EventTypeSubscribe
	EventTypeUnsubscribe
)

// Event is the unified event type produced by market streamers. Ticks
// are keyed by symbol; the hosting loop fans them out to the positions
// tracking that symbol.
type Event struct {
	Type   EventType
	Symbol string
	Tick   *MarketContext
}

// OpenPositionRequest is the lifecycle request from the execution engine
type OpenPositionRequest struct {
	PositionID string  `json:"position_id"`
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	EntryPrice float64 `json:"entry_price"`
}

// ClosePositionRequest removes a position from tracking
type ClosePositionRequest struct {
	PositionID string `json:"position_id"`
}

// HealthResponse is returned by the health endpoint
type HealthResponse struct {
	Status          string    `json:"status"`
	Timestamp       time.Time `json:"timestamp"`
	ActivePositions int       `json:"active_positions"`
}
