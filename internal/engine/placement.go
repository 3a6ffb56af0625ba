package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ladder-trading-bot/internal/events"
	"ladder-trading-bot/internal/exchange"
	"ladder-trading-bot/internal/plan"
)

// clientPrefix derives the plan-scoped client order id prefix. Every order
// the engine places for a plan carries it, so the whole plan (or one class
// of its orders) can be cancelled by prefix after a crash with no local
// order-id bookkeeping.
//
//	LAD-9F3A22B1-E1   entry leg 1
//	LAD-9F3A22B1-SL   protective stop
//	LAD-9F3A22B1-TP2  take-profit leg 2
func clientPrefix(p *plan.EntryPlan) string {
	short := strings.ToUpper(strings.ReplaceAll(p.ID, "-", ""))
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("LAD-%s-", short)
}

// activate places the entry ladder for a plan whose gate just opened.
func (e *Engine) activate(ctx context.Context, p *plan.EntryPlan) error {
	inst, err := e.client.GetInstrument(ctx, p.Symbol)
	if err != nil {
		return fmt.Errorf("instrument for %s: %w", p.Symbol, err)
	}

	originalLegs := len(p.Orders)
	reasons, err := p.BuildQuantities(inst)
	for _, r := range reasons {
		e.logger.Warn().Str("plan_id", p.ID).Str("symbol", p.Symbol).Msg(r)
	}
	if err != nil {
		e.cancelPlan(ctx, p, fmt.Sprintf("unplaceable: %v", err))
		return nil
	}
	if len(reasons) > 0 && len(p.Orders) < originalLegs {
		e.bus.Publish(events.Event{
			Type: events.EventLadderDegraded, PlanID: p.ID, UserID: p.UserID, Symbol: p.Symbol,
			Data: map[string]interface{}{"reasons": reasons, "legs": len(p.Orders)},
		})
	}

	prefix := clientPrefix(p)
	placed := 0
	for i := range p.Orders {
		o := &p.Orders[i]
		if o.Status != plan.OrderPending {
			continue
		}
		if o.ClientOrderID == "" {
			o.ClientOrderID = fmt.Sprintf("%sE%d", prefix, i+1)
		}
		if o.Tag == "" {
			o.Tag = fmt.Sprintf("entry %d/%d", i+1, len(p.Orders))
		}
		exID, perr := e.client.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:        p.Symbol,
			Side:          p.Side.OrderSide(),
			Kind:          "LIMIT",
			Quantity:      o.Quantity,
			Price:         o.Price,
			ClientOrderID: o.ClientOrderID,
		})
		if perr != nil {
			e.logger.Error().Err(perr).Str("plan_id", p.ID).Str("client_id", o.ClientOrderID).Msg("leg placement failed")
			o.Status = plan.OrderCancelled
			continue
		}
		o.ExchangeOrderID = exID
		o.Status = plan.OrderPlaced
		now := time.Now().UTC()
		o.PlacedAt = &now
		placed++
	}

	if placed == 0 {
		e.cancelPlan(ctx, p, "all_legs_rejected")
		return nil
	}

	p.Status = plan.StatusActive
	now := time.Now().UTC()
	p.ActivatedAt = &now
	e.persist(ctx, p)

	e.logger.Info().Str("plan_id", p.ID).Str("symbol", p.Symbol).Int("legs", placed).
		Float64("total_qty", p.TotalQty).Msg("plan activated")
	e.bus.Publish(events.Event{
		Type: events.EventPlanActivated, PlanID: p.ID, UserID: p.UserID, Symbol: p.Symbol,
		Data: map[string]interface{}{"legs": placed, "total_qty": p.TotalQty, "side": string(p.Side)},
	})
	return nil
}

// reconcile polls resting legs and folds exchange-side transitions into the
// plan. Each leg transitions at most once, so fill notifications and journal
// records cannot duplicate across ticks.
func (e *Engine) reconcile(ctx context.Context, p *plan.EntryPlan) bool {
	changed := false
	for i := range p.Orders {
		o := &p.Orders[i]
		if o.Status != plan.OrderPlaced || o.ExchangeOrderID == "" {
			continue
		}
		ord, err := e.client.GetOrder(ctx, p.Symbol, o.ExchangeOrderID)
		if err != nil {
			// Transient: the leg stays placed and is polled again next tick.
			e.logger.Warn().Err(err).Str("plan_id", p.ID).Str("exchange_id", o.ExchangeOrderID).Msg("order poll failed")
			continue
		}
		switch ord.Status {
		case exchange.OrderStatusFilled:
			o.Status = plan.OrderFilled
			o.FillPrice = ord.AvgFillPrice
			if o.FillPrice <= 0 {
				o.FillPrice = o.Price
			}
			now := time.Now().UTC()
			o.FilledAt = &now
			if p.FirstFillAt == nil {
				p.FirstFillAt = &now
			}
			changed = true

			if err := e.journal.RecordEntryFill(ctx, p.TradeID, o.FillPrice, o.Quantity, o.Tag); err != nil {
				e.logger.Error().Err(err).Str("trade_id", p.TradeID).Msg("journal fill record failed")
			}
			p.RecomputeMetrics()
			e.logger.Info().Str("plan_id", p.ID).Str("tag", o.Tag).
				Float64("price", o.FillPrice).Float64("qty", o.Quantity).
				Float64("fill_pct", p.FillPercent()).Msg("entry leg filled")
			e.bus.Publish(events.Event{
				Type: events.EventLegFilled, PlanID: p.ID, UserID: p.UserID, Symbol: p.Symbol,
				Data: map[string]interface{}{
					"tag": o.Tag, "qty": o.Quantity, "price": o.FillPrice,
					"fill_pct":  fmt.Sprintf("%.1f", p.FillPercent()),
					"avg_entry": p.AverageEntryPrice,
				},
			})

		case exchange.OrderStatusCanceled, exchange.OrderStatusRejected, exchange.OrderStatusExpired:
			o.Status = plan.OrderCancelled
			changed = true
			e.logger.Warn().Str("plan_id", p.ID).Str("tag", o.Tag).
				Str("exchange_status", string(ord.Status)).Msg("entry leg closed by exchange")
		}
	}

	if changed {
		p.RecomputeMetrics()
		e.persist(ctx, p)
	}
	return changed
}
