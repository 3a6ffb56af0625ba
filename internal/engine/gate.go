package engine

import (
	"fmt"
	"math"

	"ladder-trading-bot/internal/exchange"
	"ladder-trading-bot/internal/plan"
)

const (
	// RejectPriceMovedBelow means a long's trigger was undercut past the
	// safety margin before the plan activated.
	RejectPriceMovedBelow = "price_moved_below"
	// RejectPriceMovedAbove is the short-side counterpart.
	RejectPriceMovedAbove = "price_moved_above"
)

// defaultTouchDistancePct is used when a touch descriptor carries no
// explicit tolerance.
const defaultTouchDistancePct = 1.0

// gateDecision is the outcome of one activation check.
type gateDecision struct {
	Activate     bool
	RejectReason string // non-empty means cancel the plan
}

// evaluateGate decides whether a pending plan may start placing orders.
// The direction-sanity guard rejects plans whose trigger already moved
// past the level by more than safetyMarginPct against the side's
// favorable direction: activating a long after its dip level was undercut
// by 5% would chase a move that already happened.
func evaluateGate(p *plan.EntryPlan, t *exchange.Ticker, safetyMarginPct float64) gateDecision {
	a := p.Activation
	if a.Type == plan.ActivateImmediate || a.Type == "" {
		return gateDecision{Activate: true}
	}
	if a.Level <= 0 {
		return gateDecision{Activate: true}
	}

	price := t.MarkPrice
	if price <= 0 {
		price = t.LastPrice
	}
	if price <= 0 {
		return gateDecision{} // no usable price, check again next tick
	}

	switch a.Type {
	case plan.ActivateTouch:
		// Direction-sanity guard, touch only: a breakout trigger is allowed
		// to sit arbitrarily far from the level, a touch trigger is not.
		if safetyMarginPct > 0 {
			switch p.Side {
			case exchange.SideLong:
				if price < a.Level*(1-safetyMarginPct/100) {
					return gateDecision{RejectReason: fmt.Sprintf("%s %.4f", RejectPriceMovedBelow, a.Level)}
				}
			case exchange.SideShort:
				if price > a.Level*(1+safetyMarginPct/100) {
					return gateDecision{RejectReason: fmt.Sprintf("%s %.4f", RejectPriceMovedAbove, a.Level)}
				}
			}
		}
		dist := a.MaxDistancePct
		if dist <= 0 {
			dist = defaultTouchDistancePct
		}
		if math.Abs(price-a.Level)/a.Level*100 <= dist {
			return gateDecision{Activate: true}
		}
	case plan.ActivatePriceAbove:
		if price >= a.Level {
			return gateDecision{Activate: true}
		}
	case plan.ActivatePriceBelow:
		if price <= a.Level {
			return gateDecision{Activate: true}
		}
	}
	return gateDecision{}
}
