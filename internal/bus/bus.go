// Package bus is the in-process event fan-out feeding SSE clients.
// Slow consumers never stall producers: every subscriber owns a
// bounded queue and a full queue removes the subscriber on the spot.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"ralphd/internal/logging"
)

// Event names on the wire.
const (
	EventInit         = "init"
	EventUpdate       = "update"
	EventMetrics      = "metrics:update"
	EventSyncProgress = "sync:progress"
	EventMCPStatus    = "mcp:status"
	EventPing         = "ping"
)

// queueDepth bounds each subscriber's buffer. A dashboard that cannot
// drain 64 events is gone; dropping it beats blocking the watcher.
const queueDepth = 64

// keepaliveInterval paces ping events so proxies keep idle SSE
// connections open.
const keepaliveInterval = 30 * time.Second

// Event is one broadcast message.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// StatusFunc supplies the current dashboard snapshot for init events.
type StatusFunc func() interface{}

// Subscriber is one attached consumer. Read from C until it closes.
type Subscriber struct {
	ID string
	C  <-chan Event

	ch chan Event
}

// Bus fans events out to subscribers.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]*Subscriber
	status      StatusFunc
}

// New creates a bus. status supplies the init payload for new
// subscribers; nil means init carries no payload.
func New(status StatusFunc) *Bus {
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		status:      status,
	}
}

// Subscribe attaches a consumer and immediately queues an init event
// carrying the current status snapshot.
func (b *Bus) Subscribe() *Subscriber {
	ch := make(chan Event, queueDepth)
	sub := &Subscriber{
		ID: uuid.NewString(),
		C:  ch,
		ch: ch,
	}

	var payload interface{}
	if b.status != nil {
		payload = b.status()
	}

	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	// The queue is empty, so init always fits.
	sub.ch <- Event{Name: EventInit, Payload: payload}
	b.mu.Unlock()

	logging.Bus("Subscriber attached: id=%s total=%d", sub.ID, b.SubscriberCount())
	return sub
}

// Unsubscribe detaches a consumer and closes its channel. Idempotent:
// a subscriber already dropped for being slow is a no-op.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

func (b *Bus) removeLocked(id string) {
	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(sub.ch)
}

// Broadcast enqueues an event on every subscriber without blocking.
// Subscribers whose queue is full are removed immediately.
func (b *Bus) Broadcast(name string, payload interface{}) {
	event := Event{Name: name, Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		select {
		case sub.ch <- event:
		default:
			logging.Get(logging.CategoryBus).Warn("Dropping slow subscriber %s (queue full at %q)", id, name)
			b.removeLocked(id)
		}
	}
}

// SubscriberCount returns the number of attached consumers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Run emits keepalive pings until ctx is cancelled, then closes every
// remaining subscriber.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case <-ticker.C:
			b.Broadcast(EventPing, map[string]interface{}{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
		}
	}
}

func (b *Bus) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.subscribers {
		b.removeLocked(id)
	}
	logging.Bus("Bus shut down")
}
