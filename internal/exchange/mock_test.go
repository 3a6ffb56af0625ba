package exchange

import (
	"context"
	"testing"
)

func TestMockPlaceOrderIdempotent(t *testing.T) {
	m := NewMockClient()
	ctx := context.Background()

	req := OrderRequest{Symbol: "BTCUSDT", Side: "BUY", Kind: "LIMIT", Quantity: 1, Price: 100, ClientOrderID: "LAD-TEST-E1"}
	id1, err := m.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := m.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("resubmission created a second order: %s vs %s", id1, id2)
	}
	if m.OpenOrderCount() != 1 {
		t.Errorf("open orders = %d, want 1", m.OpenOrderCount())
	}
}

func TestMockCancelByPrefix(t *testing.T) {
	m := NewMockClient()
	ctx := context.Background()

	for _, cid := range []string{"LAD-AAAA-E1", "LAD-AAAA-E2", "LAD-AAAA-TP1", "LAD-BBBB-E1"} {
		if _, err := m.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: "BUY", Kind: "LIMIT", Quantity: 1, Price: 100, ClientOrderID: cid}); err != nil {
			t.Fatal(err)
		}
	}

	cancelled, err := m.CancelOrdersByClientIDPrefix(ctx, "BTCUSDT", "LAD-AAAA-E")
	if err != nil {
		t.Fatal(err)
	}
	if len(cancelled) != 2 {
		t.Errorf("cancelled %d orders, want 2", len(cancelled))
	}
	if m.OpenOrderCount() != 2 {
		t.Errorf("open orders = %d, want TP and other-plan leg to survive", m.OpenOrderCount())
	}
	if o := m.OrderByClientID("LAD-AAAA-TP1"); o == nil || o.Status.Terminal() {
		t.Error("take-profit leg must not be touched by the entry prefix")
	}
}

func TestMockFillAndFailureInjection(t *testing.T) {
	m := NewMockClient()
	ctx := context.Background()

	if _, err := m.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: "BUY", Kind: "LIMIT", Quantity: 1, Price: 100, ClientOrderID: "LAD-CCCC-E1"}); err != nil {
		t.Fatal(err)
	}
	if err := m.FillOrder("LAD-CCCC-E1", 99.5); err != nil {
		t.Fatal(err)
	}
	o := m.OrderByClientID("LAD-CCCC-E1")
	if o.Status != OrderStatusFilled || o.AvgFillPrice != 99.5 {
		t.Errorf("fill not recorded: %+v", o)
	}

	m.FailNext("set_stop", 1)
	if err := m.SetProtectiveStop(ctx, "BTCUSDT", SideLong, 90, 1, "LAD-CCCC-SL"); err == nil {
		t.Error("injected failure did not surface")
	}
	if err := m.SetProtectiveStop(ctx, "BTCUSDT", SideLong, 90, 1, "LAD-CCCC-SL"); err != nil {
		t.Errorf("failure injection must be consumed: %v", err)
	}
	if len(m.Stops) != 1 {
		t.Errorf("stops recorded = %d, want 1", len(m.Stops))
	}
}

func TestSideHelpers(t *testing.T) {
	if SideLong.Opposite() != SideShort || SideShort.Opposite() != SideLong {
		t.Error("Opposite is wrong")
	}
	if SideLong.OrderSide() != "BUY" || SideShort.OrderSide() != "SELL" {
		t.Error("OrderSide is wrong")
	}
}
