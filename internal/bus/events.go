// Package bus carries process events between the bridge and its observers
// (metrics, the AMQP sink, the admin API) and provides the per-connection
// inbound queue.
package bus

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Well-known event types.
const (
	EventConnectionStatus = "connection.status"
	EventMessageHandled   = "message.handled"
	EventMessageFailed    = "message.failed"
	EventMessageDropped   = "message.dropped"
	EventProactiveSent    = "proactive.sent"
	EventProactiveSkipped = "proactive.skipped"
	EventProactiveFailed  = "proactive.failed"
)

const defaultHistory = 512

type Event struct {
	Type      string         `json:"type"`
	Source    string         `json:"source"` // connection key or component name
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type EventHandler func(Event)

// Emitter is the publishing half of the bus.
type Emitter interface {
	Emit(event Event)
}

// Discard is an Emitter that drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// Match reports whether an event type matches a subscription pattern:
// "*" matches everything, "proactive.*" matches one family, anything else
// must be equal.
func Match(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if family, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, family+".")
	}
	return false
}

type subscription struct {
	id      string
	pattern string
	handle  EventHandler
}

// EventBus delivers events synchronously to every matching subscriber and
// keeps the most recent ones in a ring for the admin API.
type EventBus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs []subscription
	seq  int
	ring []Event
	head int
	full bool
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger, ring: make([]Event, defaultHistory)}
}

// On subscribes handler to events matching pattern and returns an id for Off.
func (eb *EventBus) On(pattern string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.seq++
	id := fmt.Sprintf("%s#%d", pattern, eb.seq)
	eb.subs = append(eb.subs, subscription{id: id, pattern: pattern, handle: handler})
	return id
}

func (eb *EventBus) Off(id string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, s := range eb.subs {
		if s.id == id {
			eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
			return
		}
	}
}

// Emit records the event and calls matching handlers in subscription order.
// A panicking handler is logged and skipped.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	eb.ring[eb.head] = event
	eb.head = (eb.head + 1) % len(eb.ring)
	if eb.head == 0 {
		eb.full = true
	}
	var targets []subscription
	for _, s := range eb.subs {
		if Match(s.pattern, event.Type) {
			targets = append(targets, s)
		}
	}
	eb.mu.Unlock()

	for _, s := range targets {
		eb.deliver(s, event)
	}
}

func (eb *EventBus) deliver(s subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "handler", s.id, "panic", r)
		}
	}()
	s.handle(event)
}

// Recent returns retained events matching pattern at or after since, oldest
// first.
func (eb *EventBus) Recent(pattern string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	start, n := 0, eb.head
	if eb.full {
		start, n = eb.head, len(eb.ring)
	}
	var out []Event
	for i := 0; i < n; i++ {
		e := eb.ring[(start+i)%len(eb.ring)]
		if e.Timestamp.Before(since) || !Match(pattern, e.Type) {
			continue
		}
		out = append(out, e)
	}
	return out
}
