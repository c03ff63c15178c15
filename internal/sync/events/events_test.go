package events

import (
	"testing"
)

// TestPublishDeliversInOrder verifies subscribers see events in the
// order they were published.
func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewBus()

	var seen []Type
	bus.Subscribe(func(e Event) { seen = append(seen, e.Type) })

	bus.Publish(Event{Type: SyncStarted})
	bus.Publish(Event{Type: SyncProgress, Progress: 50})
	bus.Publish(Event{Type: SyncCompleted})

	want := []Type{SyncStarted, SyncProgress, SyncCompleted}
	if len(seen) != len(want) {
		t.Fatalf("Received %d events, want %d", len(seen), len(want))
	}
	for i, typ := range want {
		if seen[i] != typ {
			t.Errorf("Event %d = %s, want %s", i, seen[i], typ)
		}
	}
}

// TestMultipleSubscribers verifies fan-out in subscription order.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.Subscribe(func(e Event) { order = append(order, "first") })
	bus.Subscribe(func(e Event) { order = append(order, "second") })

	bus.Publish(Event{Type: ConflictDetected})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("Delivery order = %v", order)
	}
}

// TestUnsubscribe verifies a removed handler receives nothing further.
func TestUnsubscribe(t *testing.T) {
	bus := NewBus()

	calls := 0
	unsubscribe := bus.Subscribe(func(e Event) { calls++ })

	bus.Publish(Event{Type: SyncStarted})
	unsubscribe()
	bus.Publish(Event{Type: SyncCompleted})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	// Unsubscribing twice is a no-op.
	unsubscribe()
}

// TestPublishWithoutSubscribers verifies publish is safe on an empty bus.
func TestPublishWithoutSubscribers(t *testing.T) {
	bus := NewBus()
	bus.Publish(Event{Type: StoragePressure})
}

// TestEventFields verifies per-kind fields travel intact.
func TestEventFields(t *testing.T) {
	bus := NewBus()

	var got Event
	bus.Subscribe(func(e Event) { got = e })

	bus.Publish(Event{
		Type:       DownloadProgress,
		Collection: "projects",
		ScopeID:    "sc-1",
		Progress:   75,
	})

	if got.Collection != "projects" || got.ScopeID != "sc-1" || got.Progress != 75 {
		t.Errorf("Event = %+v", got)
	}
}
