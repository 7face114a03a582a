package fanout

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lyzr/modelrelay/common/bus"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 30 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Views only send pongs
	maxMessageSize = 512
)

// client is one websocket view following the broadcast
type client struct {
	conn   *websocket.Conn
	events chan bus.Event
	bcast  *bus.Broadcaster
	logger Logger
}

// readPump only exists to process pongs and notice disconnects
func (c *client) readPump() {
	defer func() {
		c.bcast.Unsubscribe(c.events)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket error", "error", err)
			}
			return
		}
	}
}

// writePump sends one JSON event per frame, plus keepalive pings
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.events:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// unsubscribed or broadcaster closed
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(event)
			if err != nil {
				c.logger.Error("failed to encode event", "type", event.Type, "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
