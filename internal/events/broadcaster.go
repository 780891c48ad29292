// ABOUTME: In-memory fan-out event broadcaster keyed by task ID plus a firehose
// ABOUTME: Feeds SSE streams, the websocket hub and the NATS exporter

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// FirehoseKey subscribes to every event.
	FirehoseKey = "*"
)

// Broadcaster provides in-memory pub/sub for lifecycle events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // key -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on key (a task ID or
// FirehoseKey). Returns a channel that receives events and a subscription ID
// for later unsubscription. The subscription is automatically cleaned up when
// ctx is cancelled. Subscribing after Close returns a closed channel.
func (b *Broadcaster) Subscribe(ctx context.Context, key string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]chan *Event)
	}
	b.subscribers[key][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "key", key, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(key, subID)
	}()

	return ch, subID
}

// Publish delivers ev to subscribers of its task and to the firehose.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(ev *Event) {
	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	if ev.TaskID != "" {
		b.deliverLocked(ev.TaskID, ev)
	}
	b.deliverLocked(FirehoseKey, ev)
}

func (b *Broadcaster) deliverLocked(key string, ev *Event) {
	for _, ch := range b.subscribers[key] {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"key", key,
				"event_id", ev.ID,
				"type", ev.Type)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[key]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, key)
	}

	b.logger.Debug("subscriber removed", "key", key, "sub_id", subID)
}

// SubscriberCount returns the number of subscribers for key.
func (b *Broadcaster) SubscriberCount(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[key])
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
