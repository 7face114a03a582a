package fanout

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/modelrelay/common/bus"
)

// Logger interface for fanout logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Server streams broadcast events to websocket views
type Server struct {
	bcast    *bus.Broadcaster
	upgrader websocket.Upgrader
	logger   Logger
}

// NewServer creates a fanout server. allowedOrigins may contain "*".
func NewServer(bcast *bus.Broadcaster, allowedOrigins []string, logger Logger) *Server {
	return &Server{
		bcast: bcast,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

// HandleWebSocket upgrades the connection and subscribes it to the broadcast
// GET /ws
func (s *Server) HandleWebSocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the error response
		s.logger.Warn("websocket upgrade failed", "error", err)
		return nil
	}

	cl := &client{
		conn:   conn,
		events: s.bcast.Subscribe(),
		bcast:  s.bcast,
		logger: s.logger,
	}

	s.logger.Debug("view connected", "remote", c.RealIP(), "views", s.bcast.Count())

	go cl.writePump()
	go cl.readPump()
	return nil
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}
