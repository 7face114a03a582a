package clients

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lyzr/modelrelay/common/bus"
)

const (
	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
)

// EventSubscriber follows the coordinator's /ws broadcast and reconnects on loss
type EventSubscriber struct {
	wsURL  string
	dialer *websocket.Dialer
	logger Logger
}

// NewEventSubscriber derives the websocket URL from the coordinator base URL
func NewEventSubscriber(baseURL string, logger Logger) (*EventSubscriber, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"

	return &EventSubscriber{
		wsURL:  u.String(),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
	}, nil
}

// Subscribe streams events until ctx is done. The channel is closed on return.
// Events missed while disconnected are not replayed; callers re-pull state on reconnect
// via the onConnect hook.
func (s *EventSubscriber) Subscribe(ctx context.Context, onConnect func()) <-chan bus.Event {
	out := make(chan bus.Event, 64)

	go func() {
		defer close(out)
		delay := minReconnectDelay

		for {
			connected, err := s.stream(ctx, out, onConnect)
			if ctx.Err() != nil {
				return
			}
			if connected {
				delay = minReconnectDelay
			}
			s.logger.Warn("event stream lost, reconnecting", "error", err, "delay", delay)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
		}
	}()

	return out
}

func (s *EventSubscriber) stream(ctx context.Context, out chan<- bus.Event, onConnect func()) (bool, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	// unblock ReadMessage when ctx ends
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.logger.Debug("event stream connected", "url", s.wsURL)
	if onConnect != nil {
		onConnect()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}

		var e bus.Event
		if err := json.Unmarshal(data, &e); err != nil {
			s.logger.Warn("dropping malformed event", "error", err)
			continue
		}

		select {
		case out <- e:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}
