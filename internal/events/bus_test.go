package events

import (
	"testing"
	"time"
)

func TestBusRoutesByType(t *testing.T) {
	b := NewBus()
	filled := make(chan Event, 1)
	all := make(chan Event, 2)

	b.Subscribe(EventLegFilled, func(e Event) { filled <- e })
	b.SubscribeAll(func(e Event) { all <- e })

	b.Publish(Event{Type: EventLegFilled, PlanID: "p1"})
	b.Publish(Event{Type: EventPlanCancelled, PlanID: "p2"})

	select {
	case e := <-filled:
		if e.PlanID != "p1" {
			t.Errorf("wrong event delivered: %+v", e)
		}
		if e.Timestamp.IsZero() {
			t.Error("publish must stamp events")
		}
	case <-time.After(time.Second):
		t.Fatal("typed subscriber never received the event")
	}

	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(time.Second):
			t.Fatalf("all-subscriber received %d of 2 events", i)
		}
	}

	select {
	case e := <-filled:
		t.Errorf("typed subscriber received foreign event %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}
