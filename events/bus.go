package events

import (
	"log"
	"sync"
)

// maxHistory bounds the in-memory event history kept for status queries.
const maxHistory = 100

// Handler receives one event. Handlers run concurrently within a single
// publish; a panic inside a handler is logged and swallowed so siblings
// are unaffected.
type Handler interface {
	HandleEvent(ev Event)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ev Event)

// HandleEvent calls f(ev).
func (f HandlerFunc) HandleEvent(ev Event) { f(ev) }

type registration struct {
	id      string
	handler Handler
}

// Bus is a process-local publish/subscribe dispatcher with typed event
// kinds. Publish blocks until every handler for the kind has returned.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventKind][]registration
	history     []Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventKind][]registration),
	}
}

// Subscribe registers a handler for one event kind. Registration is
// idempotent per (kind, id): re-subscribing with the same id replaces
// the previous handler instead of adding a duplicate.
func (b *Bus) Subscribe(kind EventKind, id string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.subscribers[kind]
	for i, reg := range regs {
		if reg.id == id {
			regs[i].handler = h
			return
		}
	}
	b.subscribers[kind] = append(regs, registration{id: id, handler: h})
	log.Printf("📡 Bus: subscribed %s to %s", id, kind)
}

// SubscribeFunc is a convenience wrapper around Subscribe.
func (b *Bus) SubscribeFunc(kind EventKind, id string, fn func(Event)) {
	b.Subscribe(kind, id, HandlerFunc(fn))
}

// Publish appends the event to the bounded history and fans it out to
// all handlers of its kind concurrently. The call returns when every
// handler has either completed or panicked. There is no back-pressure:
// a slow handler delays only its own publish call.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > maxHistory {
		b.history = b.history[len(b.history)-maxHistory:]
	}
	regs := append([]registration(nil), b.subscribers[ev.Kind]...)
	b.mu.Unlock()

	if len(regs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, reg := range regs {
		wg.Add(1)
		go func(reg registration) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("❌ Bus: handler %s panicked on %s: %v", reg.id, ev.Kind, r)
				}
			}()
			reg.handler.HandleEvent(ev)
		}(reg)
	}
	wg.Wait()
}

// RecentEvents returns up to limit most recent events, newest last.
func (b *Bus) RecentEvents(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	out := make([]Event, limit)
	copy(out, b.history[len(b.history)-limit:])
	return out
}

// SubscriberCount reports how many handlers are registered for a kind.
func (b *Bus) SubscriberCount(kind EventKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[kind])
}
