// Package bus is the in-process event bus that fans task and worker
// lifecycle events out to subscribers over channel patterns.
package bus

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// ErrPermissionDenied is returned when a client type attempts an operation
// its type is not permitted to perform (currently: publish from a non-worker
// client).
var ErrPermissionDenied = errors.New("bus: permission denied")

// ClientType identifies the category of a bus client for permission gating.
type ClientType string

const (
	ClientBrowser   ClientType = "browser"
	ClientWorker    ClientType = "worker"
	ClientSSEWriter ClientType = "sse-writer"
)

// canPublish reports whether the given client type may publish events.
// Browser and sse-writer clients are subscribe-only.
func canPublish(ct ClientType) bool {
	return ct == ClientWorker
}

// Well-known topics published by the orchestration core.
const (
	TopicTaskCreated   = "task:created"
	TopicTaskAssigned  = "task:assigned"
	TopicTaskCompleted = "task:completed"
	TopicTaskFailed    = "task:failed"
	TopicTaskTimeout   = "task:timeout"
	TopicTaskRetrying  = "task:retrying"

	TopicWorkerConnected    = "worker:connected"
	TopicWorkerDisconnected = "worker:disconnected"

	TopicHubRegistered = "hub:registered"
	TopicHubUnhealthy  = "hub:unhealthy"
)

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// TaskEvent is the payload shape used for all task:* topics.
type TaskEvent struct {
	TaskID     string
	Status     string
	WorkerID   string
	Error      string
	RetryCount int
}

// Subscription represents an active subscription to a channel pattern.
type Subscription struct {
	id         int
	pattern    string
	clientID   string
	clientType ClientType
	bus        *Bus
	mu         sync.Mutex
	ch         chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// ClientID returns the subscribing client's identifier.
func (s *Subscription) ClientID() string { return s.clientID }

// Bus is an in-process pub/sub channel router with pattern matching and
// per-client-type publish permissions.
type Bus struct {
	mu              sync.RWMutex
	subs            map[int]*Subscription
	nextID          int
	logger          *slog.Logger
	droppedEvents   atomic.Int64
	lastDropWarning atomic.Int64 // last threshold at which a warning was logged
}

// New creates a new Bus.
func New() *Bus {
	return NewWithLogger(nil)
}

// NewWithLogger creates a new Bus with an optional logger for observability.
func NewWithLogger(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*Subscription),
		logger: logger,
	}
}

// Subscribe creates a subscription matching the given channel pattern.
// Patterns are one of: a literal channel name ("task:abc123"), a prefix
// wildcard ("task:*"), or the universal wildcard ("*"). Subscribing is
// permitted for every client type.
func (b *Bus) Subscribe(pattern, clientID string, clientType ClientType) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:         b.nextID,
		pattern:    pattern,
		clientID:   clientID,
		clientType: clientType,
		bus:        b,
		ch:         make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to every subscriber whose pattern matches topic.
// This is the internal, unauthenticated entry point used by the queue,
// dispatcher, hub, and federation components themselves.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if matchPattern(sub.pattern, topic) {
			b.deliver(sub, event, topic)
		}
	}
}

// PublishAs publishes on behalf of a wire client, enforcing that only
// worker clients may publish.
func (b *Bus) PublishAs(clientType ClientType, topic string, payload interface{}) error {
	if !canPublish(clientType) {
		return ErrPermissionDenied
	}
	b.Publish(topic, payload)
	return nil
}

// deliver sends event to sub's channel without blocking. If the channel is
// full, the oldest buffered event is dropped to make room for the new one,
// and the drop is recorded in the dropped-event counter.
func (b *Bus) deliver(sub *Subscription, event Event, topic string) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	select {
	case sub.ch <- event:
		return
	default:
	}

	// Buffer full: drop the oldest queued event, then enqueue the new one.
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- event:
	default:
		// Lost a race with a concurrent receiver; nothing more we can do
		// without blocking.
	}

	newCount := b.droppedEvents.Add(1)
	b.maybeLogDropWarning(newCount, topic)
}

// matchPattern reports whether topic matches the given subscription pattern.
// Supported forms: "*" (everything), "prefix:*" (prefix match), and a
// literal channel name (exact match).
func matchPattern(pattern, topic string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ":*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(topic, prefix)
	}
	return pattern == topic
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedEventCount returns the total number of events dropped due to full buffers.
func (b *Bus) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}

// dropThreshold returns the next exponential threshold (1, 10, 100, 1000, ...) at or below count.
func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

// maybeLogDropWarning logs a warning when dropped event count crosses an
// exponential threshold. Uses CompareAndSwap to avoid duplicate logs from
// concurrent publishers.
func (b *Bus) maybeLogDropWarning(newCount int64, topic string) {
	if b.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount < threshold || newCount != threshold {
		return
	}
	lastWarned := b.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("bus_dropped_events_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("topic", topic),
		)
	}
}
