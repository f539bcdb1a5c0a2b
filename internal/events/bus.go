// Package events provides the in-process bus that carries lifecycle events
// and alerts between the engine components and the observers (metrics, API,
// audit log).
package events

import (
	"sync"
	"time"
)

// Type identifies an engine event.
type Type string

const (
	EventSignalAccepted   Type = "SIGNAL_ACCEPTED"
	EventSignalRejected   Type = "SIGNAL_REJECTED"
	EventOrderPlaced      Type = "ORDER_PLACED"
	EventOrderFilled      Type = "ORDER_FILLED"
	EventPositionOpened   Type = "POSITION_OPENED"
	EventPositionClosed   Type = "POSITION_CLOSED"
	EventPairPlaced       Type = "OCO_PAIR_PLACED"
	EventPairCompleted    Type = "OCO_PAIR_COMPLETED"
	EventPairCancelled    Type = "OCO_PAIR_CANCELLED"
	EventManualReview     Type = "MANUAL_REVIEW_REQUIRED"
	EventRiskRejection    Type = "RISK_REJECTION"

	// Alerts: paths that must never fail silently.
	AlertStrategyUnprotected Type = "STRATEGY_UNPROTECTED"
	AlertAnomaly             Type = "ANOMALY"
	AlertPersistencePrimary  Type = "PERSISTENCE_PRIMARY_DOWN"
)

// Event is a single bus message.
type Event struct {
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Subscriber handles events. Handlers run on the publisher's goroutine and
// must not block.
type Subscriber func(Event)

// Bus fans events out to subscribers by type.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[Type][]Subscriber)}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], sub)
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, sub)
}

// Publish delivers an event to the matching subscribers synchronously so
// that alert counters are visible to the caller's assertions and tests.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := b.subscribers[event.Type]
	all := b.allSubs
	b.mu.RUnlock()

	for _, sub := range subs {
		sub(event)
	}
	for _, sub := range all {
		sub(event)
	}
}

// Emit is shorthand for publishing a typed event with data fields.
func (b *Bus) Emit(t Type, data map[string]interface{}) {
	b.Publish(Event{Type: t, Data: data})
}
