package engine

import "math"

// Guard verdict reasons
const (
	ReasonExtremeMove   = "extreme-move"
	ReasonGap           = "gap"
	ReasonHaltSuspected = "halt-suspected"
	ReasonLowVolume     = "low-volume"
	ReasonThinVolume    = "thin-volume"
)

// GuardVerdict is the anomaly guard's advice for one tick. The guard
// never mutates state; the update engine acts on the verdict.
type GuardVerdict struct {
	Accept      bool
	Reason      string
	DeltaPct    float64
	WidenFactor float64
}

// Guard inspects consecutive prices and volume to accept, reject, or
// annotate an update. Rules are evaluated in order; the first match
// wins.
type Guard struct {
	haltTickThreshold int
}

// NewGuard creates a guard with the given halt-detection streak length
func NewGuard(haltTickThreshold int) *Guard {
	if haltTickThreshold < 2 {
		haltTickThreshold = 2
	}
	return &Guard{haltTickThreshold: haltTickThreshold}
}

// Evaluate advises on one tick. prevPrice <= 0 (first tick after open)
// or non-finite inputs skip the rules that need them; the verdict is
// then a plain accept. flatTicks is the length of the identical-price
// run including the current tick.
func (g *Guard) Evaluate(prevPrice, currPrice, avgVolume, currVolume float64, flatTicks, triggerCount int) GuardVerdict {
	v := GuardVerdict{Accept: true, WidenFactor: 1.0}

	if isFinite(prevPrice) && prevPrice > 0 && isFinite(currPrice) {
		deltaPct := (currPrice - prevPrice) / prevPrice * 100
		v.DeltaPct = deltaPct

		if math.Abs(deltaPct) > 20 {
			return GuardVerdict{Accept: false, Reason: ReasonExtremeMove, DeltaPct: deltaPct, WidenFactor: 1.0}
		}
		if math.Abs(currPrice-prevPrice) > 0.05*prevPrice {
			v.Reason = ReasonGap
			return v
		}
		if currPrice == prevPrice && flatTicks >= g.haltTickThreshold && triggerCount == 0 {
			v.Reason = ReasonHaltSuspected
			return v
		}
	}

	if isFinite(avgVolume) && avgVolume > 0 && isFinite(currVolume) && currVolume >= 0 {
		ratio := currVolume / avgVolume
		switch {
		case ratio < 0.1:
			v.Reason = ReasonLowVolume
			v.WidenFactor = 1.5
		case ratio < 0.3:
			v.Reason = ReasonThinVolume
			v.WidenFactor = 1.2
		}
	}

	return v
}
