package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"monitorhub/internal/clientip"
	"monitorhub/internal/models"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 16
)

// Session is one connected socket. It lives from upgrade to disconnect and
// is never persisted.
type Session struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	user          models.User
	remoteAddr    string
	headers       clientip.Headers
	clientAddress string
	logger        *slog.Logger

	mu     sync.RWMutex
	send   chan []byte
	closed bool
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Session) ID() string { return s.id }

func (s *Session) User() models.User { return s.user }

// RemoteAddr is the peer address as seen by the listener.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// Headers holds the proxy headers captured at upgrade time.
func (s *Session) Headers() clientip.Headers { return s.headers }

// ClientAddress is the resolved client address.
func (s *Session) ClientAddress() string { return s.clientAddress }

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Deliver queues payload without blocking. Payloads offered after the
// session closed are discarded.
func (s *Session) Deliver(payload []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		s.logger.Debug("session send buffer full, dropping payload")
		return false
	}
}

func (s *Session) writeLoop() {
	defer s.close()
	for payload := range s.send {
		if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.logger.Debug("socket write failed", "error", err)
			return
		}
	}
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (s *Session) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, pongWait time.Duration) {
	defer s.close()
	s.conn.SetReadLimit(maxMessageSize)
	if pongWait > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	// Queries outlive the socket so other room members still get the result.
	queryCtx := context.WithoutCancel(ctx)
	s.hub.sendInitialList(queryCtx, s)

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Debug("socket closed unexpectedly", "error", err)
			}
			return
		}
		var msg Envelope
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.sendError("invalid payload")
			continue
		}
		switch msg.Event {
		case CommandGetMonitorList:
			if _, err := s.hub.SendMonitorList(queryCtx, s); err != nil {
				s.hub.reportQueryFailure(s, err)
				s.sendError("monitor list unavailable")
			}
		default:
			s.sendError("unknown command")
		}
	}
}

func (s *Session) sendError(message string) {
	payload, err := encodeEnvelope(EventError, errorData{Message: message})
	if err != nil {
		return
	}
	s.Deliver(payload)
}

// close leaves the room, stops the loops and closes the socket. Safe to call
// from any goroutine and more than once.
func (s *Session) close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.hub.detach(s)
		s.mu.Lock()
		s.closed = true
		close(s.send)
		s.mu.Unlock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		close(s.done)
	})
}
