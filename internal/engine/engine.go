package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"trailcore/internal/config"
	"trailcore/internal/metrics"
	"trailcore/internal/types"
)

// TriggerSink receives trigger events. Implementations must be
// non-blocking; the update loop never waits on delivery.
type TriggerSink interface {
	Emit(trigger types.TrailingStopTrigger)
}

// AlertSink receives circuit breaker alerts
type AlertSink interface {
	Alert(alert types.Alert)
}

// Engine owns the trailing stop state for all tracked positions and
// applies price updates to them. It is safe for concurrent use; the
// store serializes access per position.
type Engine struct {
	logger *slog.Logger
	store  *Store
	guard  *Guard
	clock  Clock

	emitter TriggerSink
	alerts  AlertSink

	// cfg is the active configuration; pending holds a reconfigure
	// request until the next batch boundary.
	cfgMu   sync.RWMutex
	cfg     config.TrailingStopConfig
	pending *config.ValidatedConfig
}

// Option customizes engine construction
type Option func(*Engine)

// WithClock injects a clock, used by tests to control rate limiting
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// NewEngine creates an engine from a validated config and injected
// collaborators. A nil alert sink is allowed; alerts are then only
// logged.
func NewEngine(
	validated *config.ValidatedConfig,
	emitter TriggerSink,
	alerts AlertSink,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	cfg := validated.Get()
	e := &Engine{
		logger:  logger,
		store:   NewStore(),
		guard:   NewGuard(cfg.HaltTickThreshold),
		clock:   SystemClock(),
		emitter: emitter,
		alerts:  alerts,
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) config() config.TrailingStopConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// snapshotConfig returns the active config together with the guard
// built from it, so a single update sees a consistent pair even while
// a reconfigure is being applied.
func (e *Engine) snapshotConfig() (config.TrailingStopConfig, *Guard) {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg, e.guard
}

// Reconfigure stages a new validated config. It takes effect atomically
// at the next batch boundary, never mid-batch.
func (e *Engine) Reconfigure(validated *config.ValidatedConfig) {
	e.cfgMu.Lock()
	e.pending = validated
	e.cfgMu.Unlock()
	e.logger.Info("[ENGINE] Reconfigure staged")
}

// applyPendingConfig swaps in a staged config, if any. Called at the
// start of every batch.
func (e *Engine) applyPendingConfig() {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	if e.pending == nil {
		return
	}
	e.cfg = e.pending.Get()
	e.guard = NewGuard(e.cfg.HaltTickThreshold)
	e.pending = nil
	e.logger.Info("[ENGINE] Reconfigure applied",
		"base_percent", e.cfg.BaseTrailingPercent,
		"update_interval", e.cfg.UpdateInterval)
}

// Open starts tracking a position. The initial stop sits one base
// trailing percent away from the entry price. Opening an already
// tracked position id is a no-op.
func (e *Engine) Open(req types.OpenPositionRequest) (types.TrailingStopState, error) {
	if !isFinite(req.EntryPrice) || req.EntryPrice <= 0 {
		return types.TrailingStopState{}, ErrInvalidPrice
	}

	cfg := e.config()
	now := e.clock.Now()

	initialStop := req.EntryPrice * (1 - cfg.BaseTrailingPercent/100)
	if req.Side == types.SideShort {
		initialStop = req.EntryPrice * (1 + cfg.BaseTrailingPercent/100)
	}

	state := &types.TrailingStopState{
		ID:           uuid.New().String(),
		PositionID:   req.PositionID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		State:        types.StateTracking,
		EntryPrice:   req.EntryPrice,
		CurrentStop:  initialStop,
		ExtremePrice: req.EntryPrice,
		TrailingPct:  cfg.BaseTrailingPercent,
		CreatedAt:    now,
		// LastUpdated stays zero so the first tick always recalculates
	}
	state.AddReason(now, "opened")

	if !e.store.Put(state) {
		e.logger.Warn("[ENGINE] Position already tracked", "position_id", req.PositionID)
		return e.mustGet(req.PositionID), nil
	}

	metrics.ActivePositions.Set(float64(e.store.ActiveCount()))
	e.logger.Info("[ENGINE] Position opened",
		"position_id", req.PositionID,
		"symbol", req.Symbol,
		"side", req.Side,
		"entry_price", req.EntryPrice,
		"initial_stop", initialStop)

	return e.mustGet(req.PositionID), nil
}

// Close removes a position from tracking immediately. It wins any race
// against an in-flight update for the same id. Unknown ids are a
// logged no-op.
func (e *Engine) Close(positionID string) {
	ok := e.store.Update(positionID, func(st *types.TrailingStopState) {
		if !st.IsActive() {
			return
		}
		st.State = types.StateClosed
		st.LastUpdated = e.clock.Now()
		st.AddReason(st.LastUpdated, "closed by caller")
	})
	if !ok {
		e.logger.Warn("[ENGINE] Close for unknown position", "position_id", positionID)
		return
	}
	metrics.ActivePositions.Set(float64(e.store.ActiveCount()))
	e.logger.Info("[ENGINE] Position closed", "position_id", positionID)
}

// OnPriceUpdate applies one tick to one position. Unknown or inactive
// positions yield a skipped outcome.
func (e *Engine) OnPriceUpdate(positionID string, ctx types.MarketContext) types.Outcome {
	cfg, guard := e.snapshotConfig()
	return e.onPriceUpdate(positionID, ctx, cfg, guard)
}

func (e *Engine) onPriceUpdate(positionID string, ctx types.MarketContext, cfg config.TrailingStopConfig, guard *Guard) types.Outcome {
	outcome := types.Outcome{PositionID: positionID, Status: types.UpdateSkipped}

	found := e.store.Update(positionID, func(st *types.TrailingStopState) {
		outcome = e.applyTick(st, ctx, cfg, guard)
	})
	if !found {
		e.logger.Warn("[ENGINE] Update for unknown position", "position_id", positionID)
		metrics.TicksProcessed.WithLabelValues(string(types.UpdateSkipped)).Inc()
		return outcome
	}

	metrics.TicksProcessed.WithLabelValues(string(outcome.Status)).Inc()

	switch outcome.Status {
	case types.UpdateTriggered:
		metrics.TriggersEmitted.Inc()
		metrics.ActivePositions.Set(float64(e.store.ActiveCount()))
		e.emitter.Emit(*outcome.Trigger)
		e.logger.Info("[ENGINE] Trailing stop triggered",
			"position_id", positionID,
			"trigger_price", outcome.Trigger.TriggerPrice,
			"stop_price", outcome.Trigger.StopPrice,
			"pnl_estimate_pct", outcome.Trigger.PnLEstimate)
	case types.UpdatePaused:
		metrics.GuardRejections.WithLabelValues(outcome.Reason).Inc()
	}

	return outcome
}

// applyTick runs the full update sequence for one position while the
// store holds that position's lock. It mutates st and returns the
// outcome; alert and trigger side effects that must not run under the
// lock are deferred to the caller via the outcome.
func (e *Engine) applyTick(st *types.TrailingStopState, ctx types.MarketContext, cfg config.TrailingStopConfig, guard *Guard) types.Outcome {
	out := types.Outcome{
		PositionID:  st.PositionID,
		Status:      types.UpdateSkipped,
		StopPrice:   st.CurrentStop,
		TrailingPct: st.TrailingPct,
	}
	if !st.IsActive() {
		return out
	}

	now := e.clock.Now()
	price := ctx.Price
	validPrice := isFinite(price) && price > 0

	// The trigger check runs before anything else, including the rate
	// limiter. Skipping it could let price blow through the stop
	// undetected.
	if validPrice && e.crossed(st, price) {
		trigger := e.buildTrigger(st, ctx, now)
		st.State = types.StateTriggered
		st.Trigger = &trigger
		st.TriggerCount++
		st.LastUpdated = now
		st.AddReason(now, "triggered: price crossed stop")

		out.Status = types.UpdateTriggered
		out.Trigger = &trigger
		out.StopPrice = st.CurrentStop
		return out
	}

	if !validPrice {
		out.Status = types.UpdateInvalidPrice
		out.Reason = "non-finite or non-positive price"
		return out
	}

	// Rate limit recalculation only; the trigger check above already ran
	if !st.LastUpdated.IsZero() && now.Sub(st.LastUpdated) < cfg.UpdateInterval {
		out.Status = types.UpdateRateLimited
		return out
	}

	// flatTicks is the length of the identical-price run including
	// this tick, so the halt heuristic fires on exactly the Nth one.
	flatTicks := 1
	if price == st.LastPrice {
		flatTicks = st.FlatTicks + 1
	}

	verdict := guard.Evaluate(st.LastPrice, price, ctx.AvgVolume, ctx.Volume, flatTicks, st.TriggerCount)

	// Guard bookkeeping advances even on rejection so a genuine regime
	// shift recovers after a single rejected tick.
	st.LastPrice = price
	st.FlatTicks = flatTicks

	if !verdict.Accept {
		st.State = types.StatePaused
		st.LastUpdated = now
		st.AddReason(now, "paused: "+verdict.Reason)

		e.raiseAlert(st, verdict, now)

		out.Status = types.UpdatePaused
		out.Reason = verdict.Reason
		return out
	}

	resumed := st.State == types.StatePaused
	st.State = types.StateTracking

	percent, err := CalculateTrailingPercent(cfg, st.Side, price, ctx.ATRNormalized, ctx.AIConfidence, e.regimeOf(ctx))
	if err != nil {
		out.Status = types.UpdateInvalidPrice
		out.Reason = err.Error()
		return out
	}
	if verdict.WidenFactor != 1.0 {
		percent = clampPercent(cfg, percent*verdict.WidenFactor)
		metrics.GuardWidenEvents.Inc()
	}

	status := types.UpdateUnchanged
	if e.ratchet(st, price, percent) {
		status = types.UpdateRatcheted
	}

	st.TrailingPct = percent
	st.LastATR = ctx.ATRNormalized
	st.LastConfidence = ctx.AIConfidence
	st.LastRegime = e.regimeOf(ctx)
	st.LastUpdated = now

	switch {
	case resumed:
		st.AddReason(now, "resumed tracking")
	case verdict.Reason != "":
		st.AddReason(now, verdict.Reason)
	case status == types.UpdateRatcheted:
		st.AddReason(now, "stop ratcheted")
	}

	out.Status = status
	out.Reason = verdict.Reason
	out.StopPrice = st.CurrentStop
	out.TrailingPct = percent
	return out
}

// crossed reports whether price has crossed the stop
func (e *Engine) crossed(st *types.TrailingStopState, price float64) bool {
	if st.Side == types.SideShort {
		return price >= st.CurrentStop
	}
	return price <= st.CurrentStop
}

// ratchet moves the stop strictly in the protective direction. The
// stop only moves when price makes a new extreme and the recomputed
// candidate improves on the current stop.
func (e *Engine) ratchet(st *types.TrailingStopState, price, percent float64) bool {
	if st.Side == types.SideShort {
		if price >= st.ExtremePrice {
			return false
		}
		st.ExtremePrice = price
		candidate := price * (1 + percent/100)
		if candidate < st.CurrentStop {
			st.CurrentStop = candidate
			return true
		}
		return false
	}

	if price <= st.ExtremePrice {
		return false
	}
	st.ExtremePrice = price
	candidate := price * (1 - percent/100)
	if candidate > st.CurrentStop {
		st.CurrentStop = candidate
		return true
	}
	return false
}

func (e *Engine) buildTrigger(st *types.TrailingStopState, ctx types.MarketContext, now time.Time) types.TrailingStopTrigger {
	pnl := (ctx.Price - st.EntryPrice) / st.EntryPrice * 100
	if st.Side == types.SideShort {
		pnl = -pnl
	}
	return types.TrailingStopTrigger{
		ID:           uuid.New().String(),
		PositionID:   st.PositionID,
		Symbol:       st.Symbol,
		Side:         st.Side,
		TriggerPrice: ctx.Price,
		StopPrice:    st.CurrentStop,
		PnLEstimate:  pnl,
		Timestamp:    now,
		Context:      ctx,
	}
}

func (e *Engine) raiseAlert(st *types.TrailingStopState, verdict GuardVerdict, now time.Time) {
	e.logger.Warn("[ENGINE] Circuit breaker rejected tick",
		"position_id", st.PositionID,
		"symbol", st.Symbol,
		"reason", verdict.Reason,
		"delta_pct", verdict.DeltaPct)
	if e.alerts == nil {
		return
	}
	e.alerts.Alert(types.Alert{
		PositionID:    st.PositionID,
		Symbol:        st.Symbol,
		Reason:        verdict.Reason,
		ObservedDelta: verdict.DeltaPct,
		Timestamp:     now,
	})
}

func (e *Engine) regimeOf(ctx types.MarketContext) types.MarketRegime {
	if ctx.MarketRegime != "" {
		return ctx.MarketRegime
	}
	return ctx.VolatilityRegime
}

// GetState returns a copy of a position's state
func (e *Engine) GetState(positionID string) (types.TrailingStopState, bool) {
	return e.store.Get(positionID)
}

// ListActive returns a snapshot of all active positions
func (e *Engine) ListActive() []types.TrailingStopState {
	return e.store.ListActive()
}

// GetHistory returns the bounded reasoning trail for a position
func (e *Engine) GetHistory(positionID string) ([]types.ReasonEntry, bool) {
	st, ok := e.store.Get(positionID)
	if !ok {
		return nil, false
	}
	return st.Reasoning, true
}

// ActiveIDsBySymbol exposes the symbol index for tick fanout
func (e *Engine) ActiveIDsBySymbol(symbol string) []string {
	return e.store.ActiveIDsBySymbol(symbol)
}

// ActiveCount reports the number of active positions
func (e *Engine) ActiveCount() int {
	return e.store.ActiveCount()
}

// Snapshot exposes the store's full state for persistence
func (e *Engine) Snapshot() map[string]*types.TrailingStopState {
	return e.store.Snapshot()
}

// Restore loads persisted states at startup
func (e *Engine) Restore(states map[string]*types.TrailingStopState) {
	e.store.Restore(states)
	metrics.ActivePositions.Set(float64(e.store.ActiveCount()))
	e.logger.Info("[ENGINE] State restored", "positions", len(states))
}

func (e *Engine) mustGet(positionID string) types.TrailingStopState {
	st, _ := e.store.Get(positionID)
	return st
}
