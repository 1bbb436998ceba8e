package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventEngineStarted        EventType = "ENGINE_STARTED"
	EventEngineStopped        EventType = "ENGINE_STOPPED"
	EventCycleCompleted       EventType = "CYCLE_COMPLETED"
	EventPositionOpened       EventType = "POSITION_OPENED"
	EventPositionPyramided    EventType = "POSITION_PYRAMIDED"
	EventPositionClosed       EventType = "POSITION_CLOSED"
	EventRegimeChanged        EventType = "REGIME_CHANGED"
	EventBreakerTripped       EventType = "BREAKER_TRIPPED"
	EventBreakerReset         EventType = "BREAKER_RESET"
	EventPersistenceHalted    EventType = "PERSISTENCE_HALTED"
	EventPersistenceRecovered EventType = "PERSISTENCE_RECOVERED"
	EventError                EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishPositionOpened publishes a position opened event
func (eb *EventBus) PublishPositionOpened(symbol string, entryPrice, quantity, stopLoss float64, score int) {
	eb.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"entry_price": entryPrice,
			"quantity":    quantity,
			"stop_loss":   stopLoss,
			"score":       score,
		},
	})
}

// PublishPositionPyramided publishes a scale-in event
func (eb *EventBus) PublishPositionPyramided(symbol string, entryPrice, quantity, avgEntry float64, entryCount int) {
	eb.Publish(Event{
		Type: EventPositionPyramided,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"entry_price": entryPrice,
			"quantity":    quantity,
			"avg_entry":   avgEntry,
			"entry_count": entryCount,
		},
	})
}

// PublishPositionClosed publishes a position closed event
func (eb *EventBus) PublishPositionClosed(symbol, reason string, exitPrice, quantity, pnl, pnlPercent float64) {
	eb.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"reason":      reason,
			"exit_price":  exitPrice,
			"quantity":    quantity,
			"pnl":         pnl,
			"pnl_percent": pnlPercent,
		},
	})
}

// PublishRegimeChanged publishes a regime transition event
func (eb *EventBus) PublishRegimeChanged(symbol, from, to string, trendGap float64) {
	eb.Publish(Event{
		Type: EventRegimeChanged,
		Data: map[string]interface{}{
			"symbol":    symbol,
			"from":      from,
			"to":        to,
			"trend_gap": trendGap,
		},
	})
}

// PublishCycleCompleted publishes a cycle summary event
func (eb *EventBus) PublishCycleCompleted(analyzed, failed, intents int, elapsed time.Duration) {
	eb.Publish(Event{
		Type: EventCycleCompleted,
		Data: map[string]interface{}{
			"analyzed":   analyzed,
			"failed":     failed,
			"intents":    intents,
			"elapsed_ms": elapsed.Milliseconds(),
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
