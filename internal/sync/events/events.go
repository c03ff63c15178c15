// Package events provides the typed observer surface of the sync core.
// Subscribers get a read-only view of lifecycle transitions without any
// coupling to the transport that eventually carries them out.
package events

import (
	"sync"
)

// Type identifies the kind of event being published.
type Type string

const (
	SyncStarted      Type = "sync.started"
	SyncProgress     Type = "sync.progress"
	SyncCompleted    Type = "sync.completed"
	ConflictDetected Type = "conflict.detected"
	ConflictResolved Type = "conflict.resolved"
	StoragePressure  Type = "storage.pressure"
	DownloadProgress Type = "download.progress"
)

// Event is a single notification. Fields beyond Type are populated per
// kind; unused ones stay zero.
type Event struct {
	Type       Type                   `json:"type"`
	Collection string                 `json:"collection,omitempty"`
	Key        string                 `json:"key,omitempty"`
	ConflictID string                 `json:"conflict_id,omitempty"`
	ScopeID    string                 `json:"scope_id,omitempty"`
	Progress   int                    `json:"progress,omitempty"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
}

// Handler receives published events.
type Handler func(Event)

// Bus fans events out to subscribers. Delivery is synchronous and in
// subscription order, so a subscriber observes events in the order the
// core produced them.
type Bus struct {
	mu       sync.RWMutex
	handlers []busHandler
	nextID   int
}

type busHandler struct {
	id      int
	handler Handler
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler and returns an unsubscribe function.
func (b *Bus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers = append(b.handlers, busHandler{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, h := range b.handlers {
			if h.id == id {
				b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to every current subscriber. Handlers run
// on the publisher's goroutine; slow handlers slow the core, which is
// the contract that keeps ordering observable.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	snapshot := make([]Handler, len(b.handlers))
	for i, h := range b.handlers {
		snapshot[i] = h.handler
	}
	b.mu.RUnlock()

	for _, handler := range snapshot {
		handler(event)
	}
}
