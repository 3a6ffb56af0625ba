package notification

import (
	"fmt"

	"ladder-trading-bot/internal/events"
)

// BridgeEvents renders engine lifecycle events into user notifications.
// Subscribing here keeps the engine free of any messaging concern.
func BridgeEvents(bus *events.Bus, mgr *Manager) {
	bus.Subscribe(events.EventPlanActivated, func(e events.Event) {
		mgr.Send(&Notification{
			Type:    NotifyPlanActivated,
			Title:   fmt.Sprintf("🚀 Plan activated: %s", e.Symbol),
			Message: fmt.Sprintf("%v legs placed, total qty %v", e.Data["legs"], e.Data["total_qty"]),
			Symbol:  e.Symbol,
		})
	})

	bus.Subscribe(events.EventLegFilled, func(e events.Event) {
		mgr.Send(&Notification{
			Type:  NotifyLegFilled,
			Title: fmt.Sprintf("📈 Entry fill: %s", e.Symbol),
			Message: fmt.Sprintf("%v filled %v @ %v\nPlan %v%% filled, avg entry %v",
				e.Data["tag"], e.Data["qty"], e.Data["price"], e.Data["fill_pct"], e.Data["avg_entry"]),
			Symbol: e.Symbol,
		})
	})

	bus.Subscribe(events.EventProtectionSet, func(e events.Event) {
		mgr.Send(&Notification{
			Type:    NotifyProtection,
			Title:   fmt.Sprintf("🛡 Protection set: %s", e.Symbol),
			Message: fmt.Sprintf("Stop %v sized to %v", e.Data["stop_price"], e.Data["qty"]),
			Symbol:  e.Symbol,
		})
	})

	bus.Subscribe(events.EventTakeProfitResized, func(e events.Event) {
		mgr.Send(&Notification{
			Type:    NotifyProtection,
			Title:   fmt.Sprintf("🎯 Take-profit updated: %s", e.Symbol),
			Message: fmt.Sprintf("Ladder re-sized to %v across %v targets", e.Data["qty"], e.Data["targets"]),
			Symbol:  e.Symbol,
		})
	})

	bus.Subscribe(events.EventProtectionStale, func(e events.Event) {
		mgr.Send(&Notification{
			Type:    NotifyWarning,
			Title:   fmt.Sprintf("⚠️ Stale take-profit: %s", e.Symbol),
			Message: fmt.Sprintf("TP still sized to %v but position is %v; manual check advised", e.Data["sized_qty"], e.Data["filled_qty"]),
			Symbol:  e.Symbol,
		})
	})

	bus.Subscribe(events.EventPlanCompleted, func(e events.Event) {
		mgr.Send(&Notification{
			Type:    NotifyPlanComplete,
			Title:   fmt.Sprintf("✅ Plan complete: %s", e.Symbol),
			Message: fmt.Sprintf("Filled %v @ avg %v", e.Data["filled_qty"], e.Data["avg_entry"]),
			Symbol:  e.Symbol,
		})
	})

	bus.Subscribe(events.EventPlanCancelled, func(e events.Event) {
		msg := fmt.Sprintf("Reason: %v", e.Data["reason"])
		if closed, ok := e.Data["position_closed"].(bool); ok && closed {
			msg += fmt.Sprintf("\nPosition of %v closed at market", e.Data["closed_qty"])
		} else if kept, ok := e.Data["position_kept"].(bool); ok && kept {
			msg += fmt.Sprintf("\nPosition of %v kept under protection", e.Data["filled_qty"])
		}
		mgr.Send(&Notification{
			Type:    NotifyPlanCancelled,
			Title:   fmt.Sprintf("❌ Plan cancelled: %s", e.Symbol),
			Message: msg,
			Symbol:  e.Symbol,
		})
	})
}
