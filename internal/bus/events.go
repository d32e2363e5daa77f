package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"wemp/internal/domain"

	"github.com/google/uuid"
)

// Event represents a system event for internal pub/sub.
type Event struct {
	Type      string         // e.g. "channel.activity", "pairing.verified"
	Source    string         // originating component
	Payload   map[string]any // event-specific data
	Timestamp time.Time      // when the event was created
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides a topic-based publish/subscribe event system for internal
// events. It keeps a bounded history for replay and tracks the last activity
// of every user it has seen.
type EventBus struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int

	lastSeen map[string]time.Time
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

// NewEventBus creates a new EventBus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: 1000,
		lastSeen:   make(map[string]time.Time),
	}
}

// On registers a handler for the given event type.
// Use "*" to listen to all events. Returns the handler ID for unsubscription.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eventType + "-" + uuid.NewString()
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit publishes an event to all registered handlers.
// Handlers are called synchronously in order; a panicking handler is logged.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)

	var handlers []namedHandler
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// Replay returns historical events matching the given type since the given time.
// Use "*" for all event types.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// HistoryLen returns the current number of events in the history buffer.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

// RecordActivity emits a channel.activity event and remembers when the user
// was last active.
func (eb *EventBus) RecordActivity(_ context.Context, ev domain.ActivityEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	eb.mu.Lock()
	eb.lastSeen[ev.AccountID+":"+ev.OpenID] = ev.At
	eb.mu.Unlock()

	eb.Emit(Event{
		Type:   EventChannelActivity,
		Source: ev.Channel,
		Payload: map[string]any{
			"account_id": ev.AccountID,
			"open_id":    ev.OpenID,
			"direction":  string(ev.Direction),
		},
		Timestamp: ev.At,
	})
	return nil
}

// LastActivity returns when a user was last seen in either direction.
func (eb *EventBus) LastActivity(accountID, openID string) (time.Time, bool) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	t, ok := eb.lastSeen[accountID+":"+openID]
	return t, ok
}

// --- Well-known event types ---
const (
	EventChannelActivity = "channel.activity"
	EventPairingVerified = "pairing.verified"
	EventPairingRemoved  = "pairing.removed"
	EventMenuClicked     = "menu.clicked"
	EventMessageDropped  = "message.dropped"
)
