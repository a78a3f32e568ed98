// Package gateway accepts dashboard WebSocket connections, registers them in
// a notification room and keeps them alive until they go away.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"order-notifier/internal/metrics"
	"order-notifier/internal/models"
	"order-notifier/internal/registry"
)

// ErrNoRegistry is returned when a gateway is built without a registry to join
var ErrNoRegistry = errors.New("gateway: registry is required")

const (
	DefaultRoom         = "admin_notifications"
	DefaultPingInterval = 30 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

// Registry is the part of the broadcast registry the gateway needs
type Registry interface {
	Join(session registry.Session, room string)
	Leave(session registry.Session, room string)
}

// State is the lifecycle phase of one dashboard connection
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Reasons a connection leaves OPEN
const (
	reasonPeerClosed      = "peer_closed"
	reasonKeepaliveFailed = "keepalive_failed"
	reasonSendFailed      = "send_failed"
	reasonShutdown        = "shutdown"
	reasonPanic           = "panic"
)

// Config holds gateway settings
type Config struct {
	Room           string
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

// Gateway is an http.Handler serving the notification WebSocket endpoint
type Gateway struct {
	registry     Registry
	room         string
	pingInterval time.Duration
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
	clock        clockwork.Clock
	logger       *logrus.Logger

	// mu orders wg.Add against Close so Wait never misses a connection
	mu      sync.Mutex
	closing bool
	done    chan struct{}
	wg      sync.WaitGroup

	// observe is called on every state transition; used by tests
	observe func(sessionID string, state State)
}

// New creates a gateway that registers every accepted connection in cfg.Room
func New(reg Registry, cfg Config, clock clockwork.Clock, logger *logrus.Logger) (*Gateway, error) {
	if reg == nil {
		return nil, ErrNoRegistry
	}
	if cfg.Room == "" {
		cfg.Room = DefaultRoom
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	return &Gateway{
		registry:     reg,
		room:         cfg.Room,
		pingInterval: cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		clock:  clock,
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

// originChecker allows every origin when allowed is empty
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	hosts := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		hosts[strings.ToLower(strings.TrimSuffix(origin, "/"))] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return hosts[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.wg.Done()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an error response
		g.logger.Warnf("WebSocket upgrade failed for %s: %v", r.RemoteAddr, err)
		metrics.GatewayConnectionsTotal.WithLabelValues("rejected").Inc()
		return
	}
	metrics.GatewayConnectionsTotal.WithLabelValues("accepted").Inc()

	g.serve(newSession(conn, g.writeTimeout), r.RemoteAddr)
}

// track registers a request with Close. It reports false once Close has started.
func (g *Gateway) track() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.wg.Add(1)
	return true
}

func (g *Gateway) serve(session *wsSession, remote string) {
	log := g.logger.WithFields(logrus.Fields{"session": session.ID(), "remote": remote, "room": g.room})
	g.transition(session, StateConnecting)

	g.registry.Join(session, g.room)
	metrics.GatewayConnections.Inc()
	g.transition(session, StateOpen)
	log.Info("Dashboard connected")

	reason := reasonPanic
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("Connection handler panic: %v", rec)
			g.transition(session, StateClosing)
		}

		g.registry.Leave(session, g.room)
		session.close(closeCode(reason), reason)
		metrics.GatewayConnections.Dec()
		metrics.GatewayCloseReasons.WithLabelValues(reason).Inc()
		g.transition(session, StateClosed)
		log.Infof("Dashboard disconnected (%s)", reason)
	}()

	reason = g.run(session, log)
	g.transition(session, StateClosing)
}

// run keeps the connection OPEN and returns what ended it
func (g *Gateway) run(session *wsSession, log *logrus.Entry) string {
	peerClosed := make(chan error, 1)
	go func() {
		peerClosed <- readUntilClosed(session.conn)
	}()

	ticker := g.clock.NewTicker(g.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-peerClosed:
			// A failed send closes the socket, which also ends the reader
			select {
			case <-session.Dead():
				return reasonSendFailed
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debugf("Read error: %v", err)
			}
			return reasonPeerClosed

		case <-ticker.Chan():
			if err := session.Send(context.Background(), models.KeepaliveMessage); err != nil {
				log.Warnf("Keepalive failed: %v", err)
				return reasonKeepaliveFailed
			}
			log.Debug("Keepalive sent")

		case <-session.Dead():
			log.Warn("Send failed, dropping connection")
			return reasonSendFailed

		case <-g.done:
			return reasonShutdown
		}
	}
}

// readUntilClosed drains inbound frames so control frames are handled and a
// peer close is noticed. Dashboards are not expected to send data.
func readUntilClosed(conn *websocket.Conn) error {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
	}
}

func closeCode(reason string) int {
	switch reason {
	case reasonShutdown:
		return websocket.CloseGoingAway
	case reasonPanic:
		return websocket.CloseInternalServerErr
	default:
		return websocket.CloseNormalClosure
	}
}

func (g *Gateway) transition(session *wsSession, state State) {
	g.logger.Debugf("Session %s -> %s", session.ID(), state)
	if g.observe != nil {
		g.observe(session.ID(), state)
	}
}

// Close moves every open connection to CLOSING and waits for their cleanup
// to finish or ctx to expire. New upgrades are refused afterwards.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if !g.closing {
		g.closing = true
		close(g.done)
	}
	g.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway close: %w", ctx.Err())
	}
}
