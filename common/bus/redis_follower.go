package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisFollower reads events a RedisMirror published, for processes that
// cannot reach the coordinator's websocket.
type RedisFollower struct {
	redis   *redis.Client
	channel string
	logger  Logger
}

// NewRedisFollower creates a follower for channel
func NewRedisFollower(client *redis.Client, channel string, logger Logger) *RedisFollower {
	return &RedisFollower{
		redis:   client,
		channel: channel,
		logger:  logger,
	}
}

// Follow subscribes to the channel and returns decoded events. The channel
// closes when ctx is done or the subscription breaks.
func (f *RedisFollower) Follow(ctx context.Context) (<-chan Event, error) {
	pubsub := f.redis.Subscribe(ctx, f.channel)

	// Wait for confirmation that subscription was successful
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", f.channel, err)
	}

	f.logger.Debug("redis subscription confirmed", "channel", f.channel)

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				event, err := decodeEvent([]byte(msg.Payload))
				if err != nil {
					f.logger.Warn("skipping malformed event", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func decodeEvent(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, err
	}
	if event.Type == "" {
		return Event{}, fmt.Errorf("event has no type")
	}
	return event, nil
}
