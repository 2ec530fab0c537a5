package event

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message types pushed to subscribers.
const (
	MessageConnected = "connected"
	MessageEvent     = "event"
	MessageHeartbeat = "heartbeat"
)

// Message is one item on a subscriber's channel. The first message after
// Subscribe is always the connected acknowledgment.
type Message struct {
	Type      string           `json:"type"`
	Event     *NormalizedEvent `json:"event,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// BroadcasterConfig holds fan-out tuning settings.
type BroadcasterConfig struct {
	// BufferSize is each subscriber's channel capacity. A subscriber whose
	// buffer is full is disconnected rather than allowed to stall the rest.
	// Default: 64.
	BufferSize int

	// HeartbeatInterval is how often idle subscribers receive a heartbeat.
	// Default: 30s.
	HeartbeatInterval time.Duration
}

// subscriber is one registered consumer.
type subscriber struct {
	id string
	ch chan Message
}

// Broadcaster fans appended events out to live subscribers.
//
// Thread Safety: all methods are safe for concurrent use. Sends and channel
// closes happen under the mutex, so a subscriber channel is never written
// after close.
type Broadcaster struct {
	cfg    BroadcasterConfig
	logger Logger

	mu          sync.Mutex
	subscribers map[string]*subscriber
	closed      bool
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(cfg BroadcasterConfig) *Broadcaster {
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 64
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Broadcaster{
		cfg:         cfg,
		logger:      noopLogger{},
		subscribers: make(map[string]*subscriber),
	}
}

// SetLogger sets the logger for the broadcaster.
func (b *Broadcaster) SetLogger(logger Logger) {
	b.logger = logger
}

// Subscribe registers a consumer and returns its channel and a cancel func.
//
// The connected acknowledgment is already buffered when Subscribe returns.
// Cancel is idempotent: the subscriber is removed, the channel closed, and
// no message is delivered afterwards.
//
// Returns:
//   - <-chan Message: The subscriber's bounded delivery channel
//   - func(): Cancel
//   - error: ErrBroadcasterClosed after shutdown
func (b *Broadcaster) Subscribe() (<-chan Message, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, ErrBroadcasterClosed
	}

	sub := &subscriber{
		id: uuid.NewString(),
		ch: make(chan Message, b.cfg.BufferSize),
	}
	sub.ch <- Message{Type: MessageConnected, Timestamp: time.Now().UTC()}
	b.subscribers[sub.id] = sub

	b.logger.Debug("subscriber connected", "subscriber_id", sub.id, "total", len(b.subscribers))

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.removeLocked(sub.id, "cancelled")
	}
	return sub.ch, cancel, nil
}

// Publish delivers the event to every current subscriber.
//
// Delivery is non-blocking: a subscriber whose buffer is already full is
// disconnected so one slow consumer cannot stall the others.
func (b *Broadcaster) Publish(ev *NormalizedEvent) {
	b.push(Message{Type: MessageEvent, Event: ev, Timestamp: time.Now().UTC()})
}

// Start runs the heartbeat loop until the context is cancelled.
func (b *Broadcaster) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(b.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.push(Message{Type: MessageHeartbeat, Timestamp: time.Now().UTC()})
			}
		}
	}()
}

// Close disconnects all subscribers and rejects further subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id := range b.subscribers {
		b.removeLocked(id, "shutdown")
	}
}

// SubscriberCount returns the number of connected subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// push delivers a message to every subscriber, disconnecting any whose
// buffer is full.
func (b *Broadcaster) push(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		select {
		case sub.ch <- msg:
		default:
			b.logger.Warn("subscriber buffer full, disconnecting", "subscriber_id", id)
			b.removeLocked(id, "buffer overflow")
		}
	}
}

// removeLocked unregisters and closes a subscriber. Caller holds the mutex.
// Safe to call for an already removed id.
func (b *Broadcaster) removeLocked(id, reason string) {
	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(sub.ch)
	b.logger.Debug("subscriber disconnected", "subscriber_id", id, "reason", reason)
}
