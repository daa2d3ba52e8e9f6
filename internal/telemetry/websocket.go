package telemetry

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WebSocketSink pushes events to an external monitoring relay. Delivery is
// best effort: dial failures and write failures drop the event, and the
// connection is re-dialed lazily on the next emit.
type WebSocketSink struct {
	url    string
	logger zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketSink creates a sink targeting the relay at url
// (e.g. ws://127.0.0.1:7071/events). No connection is made until the
// first event.
func NewWebSocketSink(url string, logger zerolog.Logger) *WebSocketSink {
	return &WebSocketSink{
		url:    url,
		logger: logger.With().Str("component", "telemetry").Logger(),
	}
}

func (s *WebSocketSink) Emit(eventType string, payload map[string]interface{}) {
	data := newEvent(eventType, payload).encode()
	if data == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
		conn, _, err := dialer.Dial(s.url, nil)
		if err != nil {
			s.logger.Debug().Err(err).Str("url", s.url).Msg("Telemetry relay unreachable")
			return
		}
		s.conn = conn
	}

	s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug().Err(err).Msg("Telemetry relay write failed")
		s.conn.Close()
		s.conn = nil
	}
}

func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
