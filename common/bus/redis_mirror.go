package bus

import (
	"context"
	"encoding/json"
	"time"
)

// EventPublisher is the part of the redis client the mirror needs
type EventPublisher interface {
	PublishEvent(ctx context.Context, channel string, message []byte) error
}

// RedisMirror copies every event onto a redis pub/sub channel so processes
// outside the coordinator can follow jobs. Publishing happens on Run's
// goroutine; a full queue drops events.
type RedisMirror struct {
	client  EventPublisher
	channel string
	queue   chan Event
	logger  Logger
}

// NewRedisMirror creates a mirror publishing to channel
func NewRedisMirror(client EventPublisher, channel string, logger Logger) *RedisMirror {
	return &RedisMirror{
		client:  client,
		channel: channel,
		queue:   make(chan Event, 256),
		logger:  logger,
	}
}

// Publish queues an event for the redis channel
func (m *RedisMirror) Publish(event Event) {
	select {
	case m.queue <- event:
	default:
		m.logger.Warn("redis mirror queue full, dropping event", "type", event.Type)
	}
}

// Run publishes queued events until ctx is done
func (m *RedisMirror) Run(ctx context.Context) error {
	m.logger.Info("redis event mirror started", "channel", m.channel)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("redis event mirror stopping")
			return nil
		case event := <-m.queue:
			data, err := json.Marshal(event)
			if err != nil {
				m.logger.Error("failed to encode event", "type", event.Type, "error", err)
				continue
			}

			pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := m.client.PublishEvent(pubCtx, m.channel, data); err != nil {
				m.logger.Warn("failed to mirror event", "type", event.Type, "error", err)
			}
			cancel()
		}
	}
}
