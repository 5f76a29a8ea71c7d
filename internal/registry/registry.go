// Package registry tracks the live transport sessions of this process and
// routes realtime events to them.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"msgsync/internal/events"
	"msgsync/internal/observability/metrics"

	"github.com/google/uuid"
)

var (
	ErrTransportUnavailable = errors.New("registry: recipient has no open session")
	ErrSessionNotRegistered = errors.New("registry: session not registered")
)

// Session is one authenticated live connection of a user's device.
//
// Send is called while the registry holds its lock and must not block; an
// implementation queues the event and returns an error if it cannot.
type Session interface {
	ID() string
	UserID() uuid.UUID
	DeviceID() uuid.UUID
	Send(ev events.Outbound) error
}

type entry struct {
	session Session
	topics  map[uuid.UUID]struct{}
}

// Registry maps users to their open sessions. The zero value is not usable;
// call New.
type Registry struct {
	mu     sync.RWMutex
	byUser map[uuid.UUID]map[string]*entry
	log    *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byUser: make(map[uuid.UUID]map[string]*entry),
		log:    logger,
	}
}

// Register adds s to the sessions of userID. Registering the same session id
// again replaces the previous entry and clears its topics.
func (r *Registry) Register(userID uuid.UUID, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions, ok := r.byUser[userID]
	if !ok {
		sessions = make(map[string]*entry)
		r.byUser[userID] = sessions
	}
	if _, exists := sessions[s.ID()]; !exists {
		metrics.WSSessionsActive.Inc()
	}
	sessions[s.ID()] = &entry{session: s, topics: make(map[uuid.UUID]struct{})}
}

// Unregister removes s. Once it returns no further events reach s.
func (r *Registry) Unregister(userID uuid.UUID, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions, ok := r.byUser[userID]
	if !ok {
		return
	}
	if _, exists := sessions[s.ID()]; !exists {
		return
	}
	delete(sessions, s.ID())
	metrics.WSSessionsActive.Dec()
	if len(sessions) == 0 {
		delete(r.byUser, userID)
	}
}

// SessionsFor returns a snapshot of the user's sessions, empty when offline.
func (r *Registry) SessionsFor(userID uuid.UUID) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.byUser[userID]))
	for _, e := range r.byUser[userID] {
		out = append(out, e.session)
	}
	return out
}

func (r *Registry) Online(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Count returns the number of registered sessions across all users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sessions := range r.byUser {
		n += len(sessions)
	}
	return n
}

// BroadcastToUser delivers ev to every session of userID and returns how many
// accepted it. An offline user yields ErrTransportUnavailable and the event is
// dropped.
func (r *Registry) BroadcastToUser(userID uuid.UUID, ev events.Outbound) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := r.byUser[userID]
	if len(sessions) == 0 {
		metrics.EventsPushedTotal.WithLabelValues(string(ev.Type), "offline").Inc()
		return 0, ErrTransportUnavailable
	}
	delivered := 0
	for _, e := range sessions {
		if r.deliver(e.session, ev) {
			delivered++
		}
	}
	return delivered, nil
}

// JoinTopic subscribes s to events scoped to convID.
func (r *Registry) JoinTopic(s Session, convID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byUser[s.UserID()][s.ID()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotRegistered, s.ID())
	}
	e.topics[convID] = struct{}{}
	return nil
}

func (r *Registry) LeaveTopic(s Session, convID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byUser[s.UserID()][s.ID()]; ok {
		delete(e.topics, convID)
	}
}

// PublishToTopic delivers ev to the sessions of userID that joined convID and
// returns how many accepted it.
func (r *Registry) PublishToTopic(userID, convID uuid.UUID, ev events.Outbound) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered := 0
	for _, e := range r.byUser[userID] {
		if _, ok := e.topics[convID]; !ok {
			continue
		}
		if r.deliver(e.session, ev) {
			delivered++
		}
	}
	if delivered == 0 {
		metrics.EventsPushedTotal.WithLabelValues(string(ev.Type), "no_subscriber").Inc()
	}
	return delivered
}

func (r *Registry) deliver(s Session, ev events.Outbound) bool {
	if err := s.Send(ev); err != nil {
		metrics.EventsPushedTotal.WithLabelValues(string(ev.Type), "dropped").Inc()
		r.log.Warn("registry: session rejected event",
			"session_id", s.ID(),
			"user_id", s.UserID(),
			"type", ev.Type,
			"error", err,
		)
		return false
	}
	metrics.EventsPushedTotal.WithLabelValues(string(ev.Type), "sent").Inc()
	return true
}
