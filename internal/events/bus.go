// Package events provides the in-process event bus the engine publishes
// plan lifecycle events onto. Subscribers (notifiers, telemetry) run in
// their own goroutines so a slow consumer can never stall a scheduler tick.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventPlanActivated     EventType = "PLAN_ACTIVATED"
	EventPlanRejected      EventType = "PLAN_REJECTED"
	EventLegFilled         EventType = "LEG_FILLED"
	EventProtectionSet     EventType = "PROTECTION_SET"
	EventTakeProfitResized EventType = "TAKE_PROFIT_RESIZED"
	EventProtectionStale   EventType = "PROTECTION_STALE"
	EventPlanCompleted     EventType = "PLAN_COMPLETED"
	EventPlanCancelled     EventType = "PLAN_CANCELLED"
	EventPositionFlattened EventType = "POSITION_FLATTENED"
	EventLadderDegraded    EventType = "LADDER_DEGRADED"
	EventError             EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	PlanID    string                 `json:"plan_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Symbol    string                 `json:"symbol,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}
