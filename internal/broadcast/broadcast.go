// Package broadcast implements the Broadcaster (C11): thread-safe fan-out
// of selected hook event types to WebSocket subscribers. Callers enqueue
// from any goroutine; a single dedicated fan-out goroutine drains the
// queue and owns all subscriber state, so concurrent producers never race
// on it.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gobby-dev/gobbyd/internal/async"
	"github.com/gobby-dev/gobbyd/internal/logging"
)

const defaultQueueSize = 256

// Event is one broadcastable occurrence.
type Event struct {
	Type      string
	SessionID string
	ProjectID string
	Data      map[string]any
	At        time.Time
}

// Subscriber is a connected WebSocket client and the event types it wants.
type Subscriber struct {
	ID     string
	Conn   *websocket.Conn
	Events map[string]bool // empty/nil means "all event types"
	mu     sync.Mutex
}

func (s *Subscriber) wants(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	return s.Events[eventType]
}

func (s *Subscriber) send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Conn.WriteMessage(websocket.TextMessage, payload)
}

// Broadcaster fans out Events to subscribed WebSocket connections.
type Broadcaster struct {
	logger logging.Logger

	mu          sync.RWMutex
	subscribers map[string]*Subscriber

	queue chan Event
	done  chan struct{}
	once  sync.Once
}

// New starts a Broadcaster with its fan-out goroutine running.
func New(logger logging.Logger) *Broadcaster {
	b := &Broadcaster{
		logger:      logging.OrNop(logger),
		subscribers: make(map[string]*Subscriber),
		queue:       make(chan Event, defaultQueueSize),
		done:        make(chan struct{}),
	}
	async.Go(b.logger, "broadcast.fanout", b.fanOut)
	return b
}

// Subscribe registers conn to receive events matching eventTypes (empty
// means all). Returns the Subscriber so callers can Unsubscribe later.
func (b *Broadcaster) Subscribe(id string, conn *websocket.Conn, eventTypes []string) *Subscriber {
	set := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		set[t] = true
	}
	sub := &Subscriber{ID: id, Conn: conn, Events: set}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = sub
	return sub
}

// Unsubscribe removes a subscriber; safe to call more than once.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// SubscriberCount returns the number of currently registered subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// BroadcastEvent enqueues event for fan-out. Safe to call from any
// goroutine. A full queue or a closed broadcaster logs and drops the
// event rather than blocking the caller.
func (b *Broadcaster) BroadcastEvent(ctx context.Context, event Event) error {
	select {
	case <-b.done:
		b.logger.Warn("broadcast: dropped event %q, broadcaster closed", event.Type)
		return nil
	default:
	}

	select {
	case b.queue <- event:
		return nil
	default:
		b.logger.Warn("broadcast: queue full, dropped event %q", event.Type)
		return nil
	}
}

func (b *Broadcaster) fanOut() {
	for {
		select {
		case <-b.done:
			return
		case event := <-b.queue:
			b.deliver(event)
		}
	}
}

func (b *Broadcaster) deliver(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Warn("broadcast: marshal event %q: %v", event.Type, err)
		return
	}

	b.mu.RLock()
	targets := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.wants(event.Type) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if err := sub.send(payload); err != nil {
			b.logger.Debug("broadcast: dropping subscriber %s: %v", sub.ID, err)
			b.Unsubscribe(sub.ID)
		}
	}
}

// Close stops the fan-out goroutine. Subsequent BroadcastEvent calls are
// no-ops.
func (b *Broadcaster) Close() {
	b.once.Do(func() {
		close(b.done)
	})
}
