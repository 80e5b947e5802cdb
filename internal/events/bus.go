package events

import (
	"sync"
	"time"
)

// EventType identifies a class of system event
type EventType string

const (
	EventOpportunitiesFound    EventType = "OPPORTUNITIES_FOUND"
	EventRecommendationCreated EventType = "RECOMMENDATION_CREATED"
	EventApprovalCreated       EventType = "APPROVAL_CREATED"
	EventApprovalResolved      EventType = "APPROVAL_RESOLVED"
	EventTradeExecuted         EventType = "TRADE_EXECUTED"
	EventTradeDenied           EventType = "TRADE_DENIED"
	EventTradeBlocked          EventType = "TRADE_BLOCKED"
	EventPositionExited        EventType = "POSITION_EXITED"
	EventStopUpdated           EventType = "STOP_UPDATED"
	EventBreakerChanged        EventType = "BREAKER_CHANGED"
	EventCycleCompleted        EventType = "CYCLE_COMPLETED"
	EventError                 EventType = "ERROR"
)

// Event is one published occurrence
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages in-process event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates an empty event bus
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

// SubscribeAll registers a subscriber for every event
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, subscriber)
}

// Publish delivers the event to all matching subscribers. Delivery is
// asynchronous so a slow subscriber never blocks the publisher.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// Emit is shorthand for publishing a typed event with key-value data.
func (b *Bus) Emit(eventType EventType, data map[string]interface{}) {
	b.Publish(Event{Type: eventType, Data: data})
}
