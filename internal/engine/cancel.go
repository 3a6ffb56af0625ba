package engine

import (
	"context"
	"fmt"
	"time"

	"ladder-trading-bot/internal/events"
	"ladder-trading-bot/internal/plan"
)

// cancelPlan drives a plan to the cancelled terminal state: open entry legs
// are pulled, then the partial-fill policy decides what happens to whatever
// already filled. Invalidation reasons (a tripped cancel condition, gate
// rejection, TTL) flatten small positions; everything at or above the keep
// threshold, and every non-invalidation cancel, keeps the position under its
// protection orders.
func (e *Engine) cancelPlan(ctx context.Context, p *plan.EntryPlan, reason string) {
	if p.IsTerminal() {
		return
	}
	prefix := clientPrefix(p)

	// Pull resting entry legs first so nothing fills while we decide.
	if len(p.OpenOrders()) > 0 {
		if _, err := e.client.CancelOrdersByClientIDPrefix(ctx, p.Symbol, prefix+"E"); err != nil {
			e.logger.Error().Err(err).Str("plan_id", p.ID).Msg("cancelling entry legs failed")
		}
		for _, o := range p.OpenOrders() {
			o.Status = plan.OrderCancelled
		}
	}

	p.Status = plan.StatusCancelled
	p.CancelReason = reason
	now := time.Now().UTC()
	p.CompletedAt = &now
	p.RecomputeMetrics()

	data := map[string]interface{}{"reason": reason}

	switch {
	case p.FilledQuantity <= 0:
		// Nothing filled: the trade never existed economically.
		if err := e.journal.CancelTrade(ctx, p.TradeID, reason); err != nil {
			e.logger.Error().Err(err).Str("trade_id", p.TradeID).Msg("journal cancel failed")
		}

	case isInvalidation(reason) && p.FillPercent() < e.cfg.MinFillKeepPct:
		// Thesis broke with only a sliver filled: not worth holding. Remove
		// protection so the market close cannot race a resting reduce-only
		// order, then flatten.
		if _, err := e.client.CancelOrdersByClientIDPrefix(ctx, p.Symbol, prefix+"TP"); err != nil {
			e.logger.Error().Err(err).Str("plan_id", p.ID).Msg("cancelling take-profits before flatten failed")
		}
		if _, err := e.client.CancelOrdersByClientIDPrefix(ctx, p.Symbol, prefix+"SL"); err != nil {
			e.logger.Error().Err(err).Str("plan_id", p.ID).Msg("cancelling stop before flatten failed")
		}
		if err := e.client.ClosePositionMarket(ctx, p.Symbol, p.Side, p.FilledQuantity); err != nil {
			// Position remains open under its stop. Loudest alert we have.
			e.logger.Error().Err(err).Str("plan_id", p.ID).Float64("qty", p.FilledQuantity).
				Msg("flatten failed, position still open")
			e.bus.Publish(events.Event{
				Type: events.EventError, PlanID: p.ID, UserID: p.UserID, Symbol: p.Symbol,
				Data: map[string]interface{}{"error": fmt.Sprintf("flatten failed: %v", err), "qty": p.FilledQuantity},
			})
		} else {
			data["position_closed"] = true
			data["closed_qty"] = p.FilledQuantity
			e.bus.Publish(events.Event{
				Type: events.EventPositionFlattened, PlanID: p.ID, UserID: p.UserID, Symbol: p.Symbol,
				Data: map[string]interface{}{"qty": p.FilledQuantity, "reason": reason},
			})
		}
		if err := e.journal.CancelTrade(ctx, p.TradeID, reason+" (position closed)"); err != nil {
			e.logger.Error().Err(err).Str("trade_id", p.TradeID).Msg("journal cancel failed")
		}

	default:
		// Keep the position. Make sure protection covers the final quantity
		// before the engine stops looking at this plan.
		e.protect(ctx, p)
		data["position_kept"] = true
		data["filled_qty"] = p.FilledQuantity
	}

	e.persist(ctx, p)
	e.unregister(p.ID)

	e.logger.Info().Str("plan_id", p.ID).Str("symbol", p.Symbol).Str("reason", reason).
		Float64("filled_qty", p.FilledQuantity).Msg("plan cancelled")
	e.bus.Publish(events.Event{
		Type: events.EventPlanCancelled, PlanID: p.ID, UserID: p.UserID, Symbol: p.Symbol, Data: data,
	})
}
