// Package listener sniffs the device bridge for the device under test. It
// raises discovery and DHCP lease events on a typed bus and records the
// startup and monitor captures for a run.
package listener

import "sync"

// EventKind identifies one listener event.
type EventKind int

// Listener events, in the order they occur for a MAC within one session.
const (
	EventDeviceDiscovered EventKind = iota
	EventDHCPLeaseAck
	EventDeviceStable
)

// Event carries the details of one listener observation.
type Event struct {
	Kind EventKind
	MAC  string
	IP   string
}

// Handler receives events. Deliveries are synchronous in the listener task.
type Handler func(Event)

// Bus is a typed event registry keyed by event kind.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventKind][]Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[EventKind][]Handler)}
}

// Subscribe registers a handler for one event kind.
func (b *Bus) Subscribe(kind EventKind, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], fn)
}

// Publish delivers an event to every registered handler, in registration
// order, on the caller's goroutine.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[ev.Kind]...)
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}
