package bus

import (
	"sync"

	"github.com/lyzr/modelrelay/common/metrics"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Broadcaster delivers events to the views connected right now. Events for
// absent or slow subscribers are dropped, never queued.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	buffer      int
	closed      bool
	logger      Logger
}

// NewBroadcaster creates a broadcaster with per-subscriber buffer
func NewBroadcaster(buffer int, logger Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
		buffer:      buffer,
		logger:      logger,
	}
}

// Subscribe adds a subscriber. The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subscribers[ch] = struct{}{}
	}
	n := len(b.subscribers)
	b.mu.Unlock()

	metrics.SetSubscribers(n)
	b.logger.Debug("event subscriber added", "subscribers", n)
	return ch
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()

	metrics.SetSubscribers(n)
	b.logger.Debug("event subscriber removed", "subscribers", n)
}

// Publish sends an event to all subscribers without blocking
func (b *Broadcaster) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			metrics.RecordEventDropped()
			b.logger.Warn("dropping event for slow subscriber",
				"type", event.Type,
				"job_id", event.JobID())
		}
	}
	metrics.RecordEvent(string(event.Type))
}

// Count returns the current number of subscribers
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close disconnects every subscriber
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
	b.closed = true
	metrics.SetSubscribers(0)
}
