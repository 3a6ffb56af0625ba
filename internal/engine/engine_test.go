package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ladder-trading-bot/internal/events"
	"ladder-trading-bot/internal/exchange"
	"ladder-trading-bot/internal/journal"
	"ladder-trading-bot/internal/plan"
	"ladder-trading-bot/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *exchange.MockClient, *store.MemoryStore, *journal.MemoryJournal) {
	t.Helper()
	mock := exchange.NewMockClient()
	mock.SetInstrument(exchange.Instrument{
		Symbol:      "BTCUSDT",
		TickSize:    0.01,
		QtyStep:     0.001,
		MinOrderQty: 0.001,
	})
	mock.SetTicker(exchange.Ticker{
		Symbol:    "BTCUSDT",
		MarkPrice: 100,
		LastPrice: 100,
		High24h:   105,
		Low24h:    98,
	})
	st := store.NewMemoryStore()
	jr := journal.NewMemoryJournal()
	cfg := DefaultConfig()
	cfg.RetryInitialDelay = time.Millisecond
	e := New(cfg, mock, st, nil, jr, events.NewBus(), zerolog.Nop())
	return e, mock, st, jr
}

// ladderPlan is the canonical three-leg test plan: 40/30/30 across
// 100/95/90 for a total of 10, stop at 85, two 50% take-profits.
func ladderPlan() *plan.EntryPlan {
	p := plan.New("trade-1", "user-1", "BTCUSDT", exchange.SideLong, plan.ModeLadder, 10)
	p.Orders = []plan.EntryOrder{
		{Price: 100, WeightPct: 40, Kind: "LIMIT"},
		{Price: 95, WeightPct: 30, Kind: "LIMIT"},
		{Price: 90, WeightPct: 30, Kind: "LIMIT"},
	}
	p.Activation = plan.Activation{Type: plan.ActivateImmediate}
	p.StopPrice = 85
	p.ProtectAfterFirstFill = true
	p.TakeProfits = []plan.TakeProfitTarget{
		{Price: 110, ClosePercent: 50},
		{Price: 120, ClosePercent: 50},
	}
	return p
}

func TestSubmitValidation(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	p := ladderPlan()
	p.Side = "SIDEWAYS"
	assert.Error(t, e.Submit(ctx, p))

	p = ladderPlan()
	p.Orders = append(p.Orders, p.Orders...) // 6 legs
	assert.Error(t, e.Submit(ctx, p))

	p = ladderPlan()
	p.CancelConditions = []string{"break_below"}
	assert.Error(t, e.Submit(ctx, p))

	p = ladderPlan()
	p.CancelConditions = []string{"brak_below 94"}
	assert.Error(t, e.Submit(ctx, p), "misspelled operator would silently disarm the condition")

	p = ladderPlan()
	p.Activation = plan.Activation{Type: plan.ActivateTouch} // missing level
	assert.Error(t, e.Submit(ctx, p))

	assert.NoError(t, e.Submit(ctx, ladderPlan()))
}

func TestSubmitDefaultsOrderStatuses(t *testing.T) {
	e, mock, _, _ := newTestEngine(t)
	ctx := context.Background()

	// Callers build legs with price and weight only; the zero status must
	// become pending or activation would skip every leg.
	p := ladderPlan()
	for _, o := range p.Orders {
		if o.Status != "" {
			t.Fatalf("test plan should start with zero-value statuses, got %q", o.Status)
		}
	}
	require.NoError(t, e.Submit(ctx, p))
	for i, o := range p.Orders {
		assert.Equal(t, plan.OrderPending, o.Status, "leg %d", i)
	}

	e.Sweep(ctx)
	assert.Equal(t, plan.StatusActive, p.Status)
	assert.Equal(t, 3, mock.PlaceOrderCalls)
}

func TestActivationPlacesLadder(t *testing.T) {
	e, mock, st, _ := newTestEngine(t)
	ctx := context.Background()
	p := ladderPlan()
	require.NoError(t, e.Submit(ctx, p))

	e.Sweep(ctx)

	assert.Equal(t, plan.StatusActive, p.Status)
	require.NotNil(t, p.ActivatedAt)
	assert.Equal(t, 3, mock.OpenOrderCount())
	assert.Equal(t, 3, mock.PlaceOrderCalls)

	prefix := clientPrefix(p)
	wantQty := []float64{4, 3, 3}
	for i, o := range p.Orders {
		assert.Equal(t, plan.OrderPlaced, o.Status)
		assert.InDelta(t, wantQty[i], o.Quantity, 1e-9)
		require.NotNil(t, mock.OrderByClientID(o.ClientOrderID), "leg %d not resting", i)
		assert.True(t, strings.HasPrefix(o.ClientOrderID, prefix))
	}

	saved := st.Get(p.ID)
	require.NotNil(t, saved)
	assert.Equal(t, plan.StatusActive, saved.Status)
}

func TestFirstFillSetsProtectionOnce(t *testing.T) {
	e, mock, _, jr := newTestEngine(t)
	ctx := context.Background()
	p := ladderPlan()
	require.NoError(t, e.Submit(ctx, p))
	e.Sweep(ctx)

	require.NoError(t, mock.FillOrder(p.Orders[0].ClientOrderID, 100))
	e.Sweep(ctx)

	assert.Equal(t, plan.StatusPartial, p.Status)
	assert.InDelta(t, 4.0, p.FilledQuantity, 1e-9)
	assert.InDelta(t, 100.0, p.AverageEntryPrice, 1e-9)
	require.NotNil(t, p.FirstFillAt)

	// Stop sized to the filled 4, not the planned 10.
	require.Len(t, mock.Stops, 1)
	assert.InDelta(t, 4.0, mock.Stops[0].Qty, 1e-9)
	assert.InDelta(t, 85.0, mock.Stops[0].StopPrice, 1e-9)
	assert.True(t, p.StopSet)

	require.Len(t, mock.TPLadders, 1)
	var tpSum float64
	for _, tgt := range mock.TPLadders[0].Targets {
		tpSum += tgt.Quantity
	}
	assert.InDelta(t, 4.0, tpSum, 1e-9)
	assert.Equal(t, 1, jr.FillCount("trade-1"))

	// A tick with no exchange-side changes must not repeat anything.
	e.Sweep(ctx)
	e.Sweep(ctx)
	assert.Equal(t, 1, jr.FillCount("trade-1"))
	assert.Len(t, mock.Stops, 1)
	assert.Len(t, mock.TPLadders, 1)
	assert.Equal(t, 3, mock.PlaceOrderCalls)
}

func TestFillGrowthRebalancesProtection(t *testing.T) {
	e, mock, _, _ := newTestEngine(t)
	ctx := context.Background()
	p := ladderPlan()
	require.NoError(t, e.Submit(ctx, p))
	e.Sweep(ctx)
	require.NoError(t, mock.FillOrder(p.Orders[0].ClientOrderID, 100))
	e.Sweep(ctx)

	require.NoError(t, mock.FillOrder(p.Orders[1].ClientOrderID, 95))
	e.Sweep(ctx)

	assert.InDelta(t, 7.0, p.FilledQuantity, 1e-9)
	assert.InDelta(t, (4*100.0+3*95.0)/7.0, p.AverageEntryPrice, 1e-9)

	// Stop replaced at the new size, old TP ladder cancelled and re-placed.
	require.Len(t, mock.Stops, 2)
	assert.InDelta(t, 7.0, mock.Stops[1].Qty, 1e-9)
	require.Len(t, mock.TPLadders, 2)
	var tpSum float64
	for _, tgt := range mock.TPLadders[1].Targets {
		tpSum += tgt.Quantity
	}
	assert.InDelta(t, 7.0, tpSum, 1e-9)
	assert.False(t, p.ProtectionStale)
	assert.InDelta(t, 7.0, p.TakeProfitSizedQty, 1e-9)
}

func TestTakeProfitResizeFailureFlagsStale(t *testing.T) {
	e, mock, _, _ := newTestEngine(t)
	ctx := context.Background()
	p := ladderPlan()
	require.NoError(t, e.Submit(ctx, p))
	e.Sweep(ctx)
	require.NoError(t, mock.FillOrder(p.Orders[0].ClientOrderID, 100))
	e.Sweep(ctx)
	require.Len(t, mock.TPLadders, 1)

	// Three placement attempts plus the restore of the old ladder all fail.
	require.NoError(t, mock.FillOrder(p.Orders[1].ClientOrderID, 95))
	mock.FailNext("place_tp", 4)
	e.Sweep(ctx)

	assert.True(t, p.ProtectionStale)
	assert.InDelta(t, 4.0, p.TakeProfitSizedQty, 1e-9, "sized qty must reflect the ladder actually live")
	assert.Len(t, mock.TPLadders, 1)

	// Next tick retries and recovers.
	e.Sweep(ctx)
	assert.False(t, p.ProtectionStale)
	assert.InDelta(t, 7.0, p.TakeProfitSizedQty, 1e-9)
}

func TestPlanCompletion(t *testing.T) {
	e, mock, st, jr := newTestEngine(t)
	ctx := context.Background()
	p := ladderPlan()
	require.NoError(t, e.Submit(ctx, p))
	e.Sweep(ctx)

	require.NoError(t, mock.FillOrder(p.Orders[0].ClientOrderID, 100))
	require.NoError(t, mock.FillOrder(p.Orders[1].ClientOrderID, 95))
	require.NoError(t, mock.FillOrder(p.Orders[2].ClientOrderID, 90))
	e.Sweep(ctx)

	saved := st.Get(p.ID)
	require.NotNil(t, saved)
	assert.Equal(t, plan.StatusFilled, saved.Status)
	require.NotNil(t, saved.CompletedAt)
	assert.InDelta(t, 10.0, saved.FilledQuantity, 1e-9)
	assert.InDelta(t, 95.5, saved.AverageEntryPrice, 1e-9)
	assert.Equal(t, 3, jr.FillCount("trade-1"))

	// Completed plans leave the registry; protection covers the final size.
	assert.Nil(t, e.Get(p.ID))
	assert.InDelta(t, 10.0, mock.Stops[len(mock.Stops)-1].Qty, 1e-9)
}

func TestInvalidationFlattensSmallFill(t *testing.T) {
	e, mock, st, jr := newTestEngine(t)
	ctx := context.Background()

	p := ladderPlan()
	p.Orders[0].WeightPct = 15
	p.Orders[1].WeightPct = 42.5
	p.Orders[2].WeightPct = 42.5
	p.CancelConditions = []string{"break_below 94"}
	require.NoError(t, e.Submit(ctx, p))
	e.Sweep(ctx)

	require.NoError(t, mock.FillOrder(p.Orders[0].ClientOrderID, 100))
	e.Sweep(ctx)
	assert.InDelta(t, 1.5, p.FilledQuantity, 1e-9)
	assert.InDelta(t, 15.0, p.FillPercent(), 1e-9)

	mock.SetTicker(exchange.Ticker{Symbol: "BTCUSDT", MarkPrice: 93, LastPrice: 93, High24h: 105, Low24h: 93})
	e.Sweep(ctx)

	saved := st.Get(p.ID)
	require.NotNil(t, saved)
	assert.Equal(t, plan.StatusCancelled, saved.Status)
	assert.Equal(t, "break_below 94", saved.CancelReason)
	require.NotNil(t, saved.CompletedAt)

	// 15% filled is under the keep threshold: position flattened at market.
	require.Len(t, mock.Closes, 1)
	assert.InDelta(t, 1.5, mock.Closes[0].Qty, 1e-9)
	assert.Contains(t, jr.Cancelled["trade-1"], "position closed")
	assert.Equal(t, 0, mock.OpenOrderCount())
	assert.Nil(t, e.Get(p.ID))
}

func TestManualCancelKeepsPartialPosition(t *testing.T) {
	e, mock, st, jr := newTestEngine(t)
	ctx := context.Background()
	p := ladderPlan()
	require.NoError(t, e.Submit(ctx, p))
	e.Sweep(ctx)
	require.NoError(t, mock.FillOrder(p.Orders[0].ClientOrderID, 100))
	e.Sweep(ctx)

	require.NoError(t, e.Cancel(ctx, p.ID, "setup changed"))

	saved := st.Get(p.ID)
	require.NotNil(t, saved)
	assert.Equal(t, plan.StatusCancelled, saved.Status)
	assert.Equal(t, "manual cancel: setup changed", saved.CancelReason)

	// 40% filled and not an invalidation: position stays, protection stays,
	// the trade journal keeps the trade alive.
	assert.Empty(t, mock.Closes)
	assert.NotContains(t, jr.Cancelled, "trade-1")
	assert.Equal(t, 2, mock.OpenOrderCount(), "take-profit legs must survive, entry legs must not")

	// Cancelling again is a no-op error, not a double cancel.
	assert.Error(t, e.Cancel(ctx, p.ID, "again"))
}

func TestGateRejectionCancelsPlan(t *testing.T) {
	e, mock, st, jr := newTestEngine(t)
	ctx := context.Background()

	mock.SetTicker(exchange.Ticker{Symbol: "BTCUSDT", MarkPrice: 80, LastPrice: 80, High24h: 105, Low24h: 79})
	p := ladderPlan()
	p.Activation = plan.Activation{Type: plan.ActivateTouch, Level: 100, MaxDistancePct: 0.5}
	require.NoError(t, e.Submit(ctx, p))

	e.Sweep(ctx)

	saved := st.Get(p.ID)
	require.NotNil(t, saved)
	assert.Equal(t, plan.StatusCancelled, saved.Status)
	assert.True(t, strings.HasPrefix(saved.CancelReason, RejectPriceMovedBelow))
	assert.True(t, strings.HasPrefix(jr.Cancelled["trade-1"], RejectPriceMovedBelow))
	assert.Equal(t, 0, mock.PlaceOrderCalls, "rejected plan must never place orders")
}

func TestPendingPlanTTLExpiry(t *testing.T) {
	e, mock, st, jr := newTestEngine(t)
	ctx := context.Background()

	p := ladderPlan()
	p.Activation = plan.Activation{Type: plan.ActivatePriceBelow, Level: 90}
	p.TTL = time.Minute
	p.CreatedAt = time.Now().Add(-2 * time.Minute)
	require.NoError(t, e.Submit(ctx, p))

	e.Sweep(ctx)

	saved := st.Get(p.ID)
	require.NotNil(t, saved)
	assert.Equal(t, plan.StatusCancelled, saved.Status)
	assert.True(t, strings.HasPrefix(saved.CancelReason, "ttl expired"))
	assert.True(t, strings.HasPrefix(jr.Cancelled["trade-1"], "ttl expired"))
	assert.Equal(t, 0, mock.PlaceOrderCalls)
}

func TestStartRecoversActivePlans(t *testing.T) {
	e, _, st, _ := newTestEngine(t)
	ctx := context.Background()

	p := ladderPlan()
	p.Status = plan.StatusActive
	require.NoError(t, st.Save(ctx, p))

	done := plan.New("trade-2", "user-1", "BTCUSDT", exchange.SideLong, plan.ModeSingle, 1)
	done.Orders = []plan.EntryOrder{{Price: 100, WeightPct: 100}}
	done.Status = plan.StatusFilled
	require.NoError(t, st.Save(ctx, done))

	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	assert.NotNil(t, e.Get(p.ID), "active plan must be recovered")
	assert.Nil(t, e.Get(done.ID), "terminal plan must not be recovered")
}

func TestExchangeCancellingEveryLegTerminatesPlan(t *testing.T) {
	e, mock, st, jr := newTestEngine(t)
	ctx := context.Background()
	p := ladderPlan()
	require.NoError(t, e.Submit(ctx, p))
	e.Sweep(ctx)
	require.Equal(t, plan.StatusActive, p.Status)

	for _, o := range p.Orders {
		require.NoError(t, mock.RejectOrder(o.ClientOrderID))
	}
	e.Sweep(ctx)

	saved := st.Get(p.ID)
	require.NotNil(t, saved)
	assert.Equal(t, plan.StatusCancelled, saved.Status)
	assert.Equal(t, "all_legs_cancelled", saved.CancelReason)
	require.NotNil(t, saved.CompletedAt)
	assert.Equal(t, "all_legs_cancelled", jr.Cancelled["trade-1"])
	assert.Nil(t, e.Get(p.ID), "a plan with no fills and no resting legs must not keep ticking")
	assert.Empty(t, mock.Closes)
}

func TestAllLegsRejectedCancelsPlan(t *testing.T) {
	e, mock, st, jr := newTestEngine(t)
	ctx := context.Background()
	p := ladderPlan()
	require.NoError(t, e.Submit(ctx, p))

	mock.FailNext("place_order", 3)
	e.Sweep(ctx)

	saved := st.Get(p.ID)
	require.NotNil(t, saved)
	assert.Equal(t, plan.StatusCancelled, saved.Status)
	assert.Equal(t, "all_legs_rejected", saved.CancelReason)
	assert.Equal(t, jr.Cancelled["trade-1"], "all_legs_rejected")
}
