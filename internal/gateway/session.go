package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrSessionClosed is returned by Send after the session was closed
var ErrSessionClosed = errors.New("session closed")

// wsSession is a registry.Session backed by a WebSocket connection.
// gorilla/websocket allows one concurrent writer, so writes are serialized.
type wsSession struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  bool

	// dead is closed when a send fails; the connection is unusable afterwards
	dead chan struct{}
}

func newSession(conn *websocket.Conn, writeTimeout time.Duration) *wsSession {
	return &wsSession{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
		dead:         make(chan struct{}),
	}
}

func (s *wsSession) ID() string { return s.id }

// Send writes message as a single text frame. Any failure, including ctx
// expiring before the write started, drops the connection so the dashboard
// notices and reconnects.
func (s *wsSession) Send(ctx context.Context, message []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		s.dropLocked()
		return err
	}

	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)

	if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		s.dropLocked()
		return err
	}
	return nil
}

// Dead is closed once a send has failed
func (s *wsSession) Dead() <-chan struct{} { return s.dead }

// dropLocked closes the connection without a close frame. writeMu must be held.
func (s *wsSession) dropLocked() {
	s.closed = true
	close(s.dead)
	_ = s.conn.Close()
}

// close sends a close frame and releases the connection. Safe to call more than once.
func (s *wsSession) close(code int, reason string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = s.conn.Close()
}
