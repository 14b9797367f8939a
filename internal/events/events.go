// Package events is a small in-process publish/subscribe bus for session
// lifecycle notifications.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Kind identifies a bus message type.
type Kind string

const (
	KindConnectionState   Kind = "connection.state"
	KindNegotiationFailed Kind = "negotiation.failed"
	KindSessionResumed    Kind = "session.resumed"
	KindDeliveryLost      Kind = "delivery.lost"
)

// Event is one published notification. Payload type depends on Kind.
type Event struct {
	Kind    Kind
	At      time.Time
	Payload any
}

// Handler receives events. Handlers must not block the publisher for long
// under DispatchSync.
type Handler func(Event)

// Dispatch decides how handlers are invoked for one event.
type Dispatch func(handlers []Handler, ev Event)

// DispatchSync runs handlers in subscription order on the publisher's
// goroutine.
func DispatchSync(handlers []Handler, ev Event) {
	for _, h := range handlers {
		safeCall(h, ev)
	}
}

// DispatchPerEvent runs all handlers for one event on a fresh goroutine,
// preserving handler order within that event.
func DispatchPerEvent(handlers []Handler, ev Event) {
	go DispatchSync(handlers, ev)
}

// DispatchPerHandler runs every handler on its own goroutine.
func DispatchPerHandler(handlers []Handler, ev Event) {
	for _, h := range handlers {
		go safeCall(h, ev)
	}
}

func safeCall(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("kind", string(ev.Kind)).Interface("panic", r).Msg("events.Bus.dispatch handler panic")
		}
	}()
	h(ev)
}

type subscription struct {
	id      uint64
	kind    Kind
	handler Handler
}

// Bus fans events out to subscribers. The zero value is not usable; call New.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	subs     []subscription
	dispatch Dispatch
	now      func() time.Time
}

// New builds a bus with the given dispatch strategy; nil means DispatchSync.
func New(dispatch Dispatch) *Bus {
	if dispatch == nil {
		dispatch = DispatchSync
	}
	return &Bus{dispatch: dispatch, now: time.Now}
}

// Subscribe registers h for kind; an empty kind receives every event. The
// returned func removes the subscription.
func (b *Bus) Subscribe(kind Kind, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, kind: kind, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish stamps ev.At when unset and dispatches it.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.kind == "" || s.kind == ev.Kind {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}
	b.dispatch(handlers, ev)
}
