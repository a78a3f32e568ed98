// Package registry keeps track of which dashboard sessions listen to which
// rooms and fans messages out to them.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"order-notifier/internal/metrics"
)

const (
	defaultSendTimeout        = 5 * time.Second
	defaultMaxConcurrentSends = 256
	logPreviewLength          = 100
)

// Session is an open, message-oriented connection a room member pushes to.
// Implementations must be comparable; the registry uses the value itself as
// the membership key.
type Session interface {
	ID() string
	Send(ctx context.Context, message []byte) error
}

// Registry is the process-wide table of rooms. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[Session]struct{}

	logger             *logrus.Logger
	sendTimeout        time.Duration
	maxConcurrentSends int
}

// Option configures a Registry
type Option func(*Registry)

// WithSendTimeout bounds every single-session delivery
func WithSendTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sendTimeout = d
		}
	}
}

// WithMaxConcurrentSends limits how many deliveries one broadcast runs at once
func WithMaxConcurrentSends(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxConcurrentSends = n
		}
	}
}

// New creates an empty registry
func New(logger *logrus.Logger, opts ...Option) *Registry {
	r := &Registry{
		rooms:              make(map[string]map[Session]struct{}),
		logger:             logger,
		sendTimeout:        defaultSendTimeout,
		maxConcurrentSends: defaultMaxConcurrentSends,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Join adds session to room, creating the room if needed. Joining twice is a no-op.
func (r *Registry) Join(session Session, room string) {
	r.mu.Lock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[Session]struct{})
		r.rooms[room] = members
	}
	_, already := members[session]
	members[session] = struct{}{}
	count := len(members)
	r.updateGaugesLocked()
	r.mu.Unlock()

	if already {
		r.logger.Debugf("Session %s already in room '%s'", session.ID(), room)
		return
	}
	r.logger.Infof("Session %s joined room '%s' (%d members)", session.ID(), room, count)
}

// Leave removes session from room. The room is dropped once it is empty.
// Leaving a room the session is not in, or a room that does not exist, is a no-op.
func (r *Registry) Leave(session Session, room string) {
	r.mu.Lock()
	removed, remaining, dropped := r.removeLocked(session, room)
	r.mu.Unlock()

	if !removed {
		r.logger.Debugf("Session %s was not in room '%s'", session.ID(), room)
		return
	}
	r.logger.Infof("Session %s left room '%s' (%d remaining)", session.ID(), room, remaining)
	if dropped {
		r.logger.Infof("Room '%s' is empty and was removed", room)
	}
}

func (r *Registry) removeLocked(session Session, room string) (removed bool, remaining int, dropped bool) {
	members, ok := r.rooms[room]
	if !ok {
		return false, 0, false
	}
	if _, ok := members[session]; !ok {
		return false, len(members), false
	}
	delete(members, session)
	if len(members) == 0 {
		delete(r.rooms, room)
		dropped = true
	}
	r.updateGaugesLocked()
	return true, len(members), dropped
}

func (r *Registry) updateGaugesLocked() {
	sessions := 0
	for _, members := range r.rooms {
		sessions += len(members)
	}
	metrics.RegistryRooms.Set(float64(len(r.rooms)))
	metrics.RegistrySessions.Set(float64(sessions))
}

// Broadcast delivers message to every session in room concurrently. A failed
// delivery never stops the others; sessions whose delivery failed are removed
// from the room once every send has finished. Broadcasting to a room that does
// not exist does nothing.
func (r *Registry) Broadcast(ctx context.Context, message []byte, room string) {
	r.mu.RLock()
	members := make([]Session, 0, len(r.rooms[room]))
	for session := range r.rooms[room] {
		members = append(members, session)
	}
	r.mu.RUnlock()

	if len(members) == 0 {
		r.logger.Debugf("No sessions in room '%s' to broadcast to", room)
		metrics.BroadcastsTotal.WithLabelValues("empty").Inc()
		return
	}

	r.logger.Infof("Broadcasting to %d sessions in room '%s': %s", len(members), room, preview(message))
	start := time.Now()

	failures := make([]error, len(members))
	var g errgroup.Group
	g.SetLimit(r.maxConcurrentSends)
	for i, session := range members {
		g.Go(func() error {
			failures[i] = r.send(ctx, session, message)
			return nil
		})
	}
	_ = g.Wait()

	metrics.BroadcastDuration.Observe(time.Since(start).Seconds())

	var evicted []Session
	for i, err := range failures {
		if err == nil {
			continue
		}
		r.logger.Errorf("Error broadcasting to session %s in room '%s': %v. Removing session.", members[i].ID(), room, err)
		metrics.SendFailures.WithLabelValues("broadcast").Inc()
		evicted = append(evicted, members[i])
	}

	if len(evicted) == 0 {
		metrics.BroadcastsTotal.WithLabelValues("delivered").Inc()
		return
	}
	metrics.BroadcastsTotal.WithLabelValues("partial").Inc()

	r.mu.Lock()
	for _, session := range evicted {
		if removed, _, _ := r.removeLocked(session, room); removed {
			metrics.SessionsEvicted.Inc()
		}
	}
	r.mu.Unlock()
}

// Unicast delivers message to a single session. Failures are logged only;
// the session keeps whatever memberships it has.
func (r *Registry) Unicast(ctx context.Context, message []byte, session Session) {
	if err := r.send(ctx, session, message); err != nil {
		r.logger.Warnf("Failed to send message to session %s (client might have disconnected): %v", session.ID(), err)
		metrics.SendFailures.WithLabelValues("unicast").Inc()
	}
}

func (r *Registry) send(ctx context.Context, session Session, message []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()
	return session.Send(sendCtx, message)
}

// Members returns the number of sessions in room
func (r *Registry) Members(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Contains reports whether session is currently in room
func (r *Registry) Contains(session Session, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][session]
	return ok
}

// Rooms returns the names of all non-empty rooms, sorted
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.rooms))
	for name := range r.rooms {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

func preview(message []byte) string {
	if len(message) <= logPreviewLength {
		return string(message)
	}
	return string(message[:logPreviewLength]) + "..."
}
