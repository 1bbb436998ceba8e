package events

import (
	"testing"
	"time"
)

func TestSubscribeReceivesMatchingType(t *testing.T) {
	bus := NewEventBus()
	received := make(chan Event, 1)

	bus.Subscribe(EventPositionOpened, func(e Event) { received <- e })
	bus.PublishPositionOpened("BTCUSDT", 60000, 0.5, 58000, 3)

	select {
	case e := <-received:
		if e.Data["symbol"] != "BTCUSDT" || e.Data["score"] != 3 {
			t.Errorf("unexpected event data: %+v", e.Data)
		}
		if e.Timestamp.IsZero() {
			t.Error("timestamp not stamped on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestSubscribeDoesNotReceiveOtherTypes(t *testing.T) {
	bus := NewEventBus()
	received := make(chan Event, 1)

	bus.Subscribe(EventPositionClosed, func(e Event) { received <- e })
	bus.PublishRegimeChanged("BTCUSDT", "neutral", "bullish", 1.2)

	select {
	case e := <-received:
		t.Fatalf("subscriber received wrong event type %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := NewEventBus()
	received := make(chan EventType, 2)

	bus.SubscribeAll(func(e Event) { received <- e.Type })
	bus.PublishError("engine", "boom", nil)
	bus.PublishCycleCompleted(5, 1, 2, 300*time.Millisecond)

	seen := make(map[EventType]bool)
	for i := 0; i < 2; i++ {
		select {
		case eventType := <-received:
			seen[eventType] = true
		case <-time.After(time.Second):
			t.Fatalf("only received %d/2 events", i)
		}
	}
	if !seen[EventError] || !seen[EventCycleCompleted] {
		t.Errorf("missing events, saw %v", seen)
	}
}
