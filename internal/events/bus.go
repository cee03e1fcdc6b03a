// Package events carries ledger notifications in process and journals them to disk.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

type EventType string

const (
	// EventTaskStarted is published when a task moves to IN_PROGRESS.
	EventTaskStarted EventType = "task_started"
	// EventDeltaApplied is published when a ledger row is appended. Idempotent replays publish nothing.
	EventDeltaApplied EventType = "delta_applied"
	// EventSessionCreated is published when an operator session and its snapshots are committed.
	EventSessionCreated EventType = "session_created"
	// EventCatalogReloaded is published after the catalog file is merged into the store.
	EventCatalogReloaded EventType = "catalog_reloaded"
)

// LedgerEventTypes lists every type the journal records.
var LedgerEventTypes = []EventType{
	EventTaskStarted,
	EventDeltaApplied,
	EventSessionCreated,
	EventCatalogReloaded,
}

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

type Subscriber func(Event)

// Bus delivers events to subscribers asynchronously over buffered channels.
// Publish never blocks: an event is dropped for a subscriber whose buffer is full.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	dropped     atomic.Int64
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for eventType and returns the unsubscribe function.
// fn runs on a goroutine owned by the subscription, one event at a time.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			deliver(fn, event)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// deliver isolates the bus from a panicking subscriber.
func deliver(fn Subscriber, event Event) {
	defer func() { _ = recover() }()
	fn(event)
}

func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped is the number of deliveries skipped because a subscriber was behind.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
