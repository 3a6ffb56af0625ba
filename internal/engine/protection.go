package engine

import (
	"context"
	"fmt"

	"ladder-trading-bot/internal/events"
	"ladder-trading-bot/internal/exchange"
	"ladder-trading-bot/internal/plan"
	"ladder-trading-bot/internal/precision"
)

// qtyEpsilon absorbs float residue when comparing sized quantities.
const qtyEpsilon = 1e-9

// protect establishes and re-balances the protective stop and take-profit
// ladder against the current filled quantity. Latches are one-way: once a
// stop or TP exists the engine only ever grows it, never removes it. Safe to
// call every tick; it no-ops when nothing changed.
func (e *Engine) protect(ctx context.Context, p *plan.EntryPlan) {
	if p.FilledQuantity <= 0 {
		return
	}
	prefix := clientPrefix(p)

	if p.ProtectAfterFirstFill && p.StopPrice > 0 && p.FilledQuantity > p.StopSizedQty+qtyEpsilon {
		firstTime := !p.StopSet
		err := retryBounded(ctx, e.cfg.ProtectionRetries, e.cfg.RetryInitialDelay, func() error {
			return e.client.SetProtectiveStop(ctx, p.Symbol, p.Side, p.StopPrice, p.FilledQuantity, prefix+"SL")
		})
		if err != nil {
			// A filled position with no stop is the one state the engine must
			// not sit in quietly.
			e.logger.Error().Err(err).Str("plan_id", p.ID).Msg("protective stop placement failed, retrying next tick")
			e.bus.Publish(events.Event{
				Type: events.EventError, PlanID: p.ID, UserID: p.UserID, Symbol: p.Symbol,
				Data: map[string]interface{}{"error": fmt.Sprintf("stop placement: %v", err)},
			})
		} else {
			p.StopSet = true
			p.StopSizedQty = p.FilledQuantity
			e.persist(ctx, p)
			e.logger.Info().Str("plan_id", p.ID).Float64("stop_price", p.StopPrice).
				Float64("qty", p.StopSizedQty).Bool("initial", firstTime).Msg("protective stop sized")
			if firstTime {
				e.bus.Publish(events.Event{
					Type: events.EventProtectionSet, PlanID: p.ID, UserID: p.UserID, Symbol: p.Symbol,
					Data: map[string]interface{}{"stop_price": p.StopPrice, "qty": p.StopSizedQty},
				})
			}
		}
	}

	if len(p.TakeProfits) == 0 {
		return
	}
	if !p.TakeProfitSet {
		e.placeTakeProfits(ctx, p, prefix)
	} else if p.FilledQuantity > p.TakeProfitSizedQty+qtyEpsilon {
		e.resizeTakeProfits(ctx, p, prefix)
	}
}

// placeTakeProfits places the initial TP ladder sized to the current fill.
func (e *Engine) placeTakeProfits(ctx context.Context, p *plan.EntryPlan, prefix string) {
	targets, err := e.buildTPTargets(ctx, p, p.FilledQuantity)
	if err != nil {
		e.logger.Warn().Err(err).Str("plan_id", p.ID).Msg("take-profit targets not buildable yet")
		return
	}
	err = retryBounded(ctx, e.cfg.ProtectionRetries, e.cfg.RetryInitialDelay, func() error {
		return e.client.PlaceTakeProfitLadder(ctx, p.Symbol, p.Side, targets, prefix)
	})
	if err != nil {
		e.logger.Error().Err(err).Str("plan_id", p.ID).Msg("take-profit placement failed, retrying next tick")
		return
	}
	p.TakeProfitSet = true
	p.TakeProfitSizedQty = p.FilledQuantity
	e.persist(ctx, p)
	e.logger.Info().Str("plan_id", p.ID).Int("targets", len(targets)).
		Float64("qty", p.TakeProfitSizedQty).Msg("take-profit ladder placed")
}

// resizeTakeProfits cancels the existing ladder and re-places it sized to
// the grown fill. Cancel and re-place cannot be atomic on the exchange, so
// on persistent re-place failure the old (smaller) ladder is restored and
// the plan is flagged stale rather than left with no take-profit at all.
func (e *Engine) resizeTakeProfits(ctx context.Context, p *plan.EntryPlan, prefix string) {
	targets, err := e.buildTPTargets(ctx, p, p.FilledQuantity)
	if err != nil {
		e.logger.Warn().Err(err).Str("plan_id", p.ID).Msg("take-profit resize targets not buildable")
		return
	}

	if err := retryBounded(ctx, e.cfg.ProtectionRetries, e.cfg.RetryInitialDelay, func() error {
		_, cerr := e.client.CancelOrdersByClientIDPrefix(ctx, p.Symbol, prefix+"TP")
		return cerr
	}); err != nil {
		e.markProtectionStale(ctx, p, fmt.Sprintf("cancel old ladder: %v", err))
		return
	}

	if err := retryBounded(ctx, e.cfg.ProtectionRetries, e.cfg.RetryInitialDelay, func() error {
		return e.client.PlaceTakeProfitLadder(ctx, p.Symbol, p.Side, targets, prefix)
	}); err != nil {
		// Best-effort restore of the previous ladder before flagging.
		if old, berr := e.buildTPTargets(ctx, p, p.TakeProfitSizedQty); berr == nil {
			if rerr := e.client.PlaceTakeProfitLadder(ctx, p.Symbol, p.Side, old, prefix); rerr != nil {
				e.logger.Error().Err(rerr).Str("plan_id", p.ID).Msg("restoring previous take-profit ladder failed")
			}
		}
		e.markProtectionStale(ctx, p, fmt.Sprintf("re-place ladder: %v", err))
		return
	}

	oldQty := p.TakeProfitSizedQty
	p.TakeProfitSizedQty = p.FilledQuantity
	p.ProtectionStale = false
	e.persist(ctx, p)
	e.logger.Info().Str("plan_id", p.ID).Float64("from_qty", oldQty).
		Float64("to_qty", p.TakeProfitSizedQty).Int("targets", len(targets)).Msg("take-profit ladder re-sized")
	e.bus.Publish(events.Event{
		Type: events.EventTakeProfitResized, PlanID: p.ID, UserID: p.UserID, Symbol: p.Symbol,
		Data: map[string]interface{}{"qty": p.TakeProfitSizedQty, "targets": len(targets)},
	})
}

// markProtectionStale records that the live TP ladder is sized below the
// position. The alert fires once per stale episode; a later successful
// resize clears the flag.
func (e *Engine) markProtectionStale(ctx context.Context, p *plan.EntryPlan, cause string) {
	e.logger.Error().Str("plan_id", p.ID).Str("cause", cause).
		Float64("sized_qty", p.TakeProfitSizedQty).Float64("filled_qty", p.FilledQuantity).
		Msg("take-profit ladder stale")
	if p.ProtectionStale {
		return
	}
	p.ProtectionStale = true
	e.persist(ctx, p)
	e.bus.Publish(events.Event{
		Type: events.EventProtectionStale, PlanID: p.ID, UserID: p.UserID, Symbol: p.Symbol,
		Data: map[string]interface{}{"sized_qty": p.TakeProfitSizedQty, "filled_qty": p.FilledQuantity, "cause": cause},
	})
}

// buildTPTargets sizes each take-profit level against qty, rounding to the
// instrument's filters. Sub-minimum tails merge into the neighboring target
// so no invalid reduce-only order is ever submitted.
func (e *Engine) buildTPTargets(ctx context.Context, p *plan.EntryPlan, qty float64) ([]exchange.TPTarget, error) {
	inst, err := e.client.GetInstrument(ctx, p.Symbol)
	if err != nil {
		return nil, fmt.Errorf("instrument for %s: %w", p.Symbol, err)
	}

	targets := make([]exchange.TPTarget, 0, len(p.TakeProfits))
	for _, tp := range p.TakeProfits {
		targets = append(targets, exchange.TPTarget{
			Price:    precision.RoundPrice(tp.Price, inst.TickSize),
			Quantity: precision.RoundQuantity(qty*tp.ClosePercent/100, inst.QtyStep),
		})
	}

	// Merge sub-minimum legs forward, the last one backward.
	for i := 0; i < len(targets); i++ {
		if targets[i].Quantity >= inst.MinOrderQty {
			continue
		}
		if i+1 < len(targets) {
			targets[i+1].Quantity = precision.RoundQuantity(targets[i+1].Quantity+targets[i].Quantity, inst.QtyStep)
		} else if i > 0 {
			targets[i-1].Quantity = precision.RoundQuantity(targets[i-1].Quantity+targets[i].Quantity, inst.QtyStep)
		}
		targets[i].Quantity = 0
	}
	viable := targets[:0]
	for _, t := range targets {
		if t.Quantity >= inst.MinOrderQty {
			viable = append(viable, t)
		}
	}
	if len(viable) == 0 {
		return nil, fmt.Errorf("filled quantity %.8f below exchange minimum %.8f", qty, inst.MinOrderQty)
	}
	return viable, nil
}
