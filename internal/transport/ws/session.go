package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"msgsync/internal/events"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	errSessionClosed = errors.New("ws: session closed")
	errBufferFull    = errors.New("ws: session buffer full")
)

// session is the registry.Session of one websocket connection. Send only
// enqueues; a dedicated writer drains the queue so a slow client never holds
// up the registry.
type session struct {
	id       string
	userID   uuid.UUID
	deviceID uuid.UUID

	conn         *websocket.Conn
	writeTimeout time.Duration
	log          *slog.Logger

	out chan events.Outbound

	mu         sync.Mutex
	closed     bool
	overflowed chan struct{}
}

func newSession(conn *websocket.Conn, userID, deviceID uuid.UUID, buffer int, writeTimeout time.Duration, logger *slog.Logger) *session {
	id := uuid.NewString()
	return &session{
		id:           id,
		userID:       userID,
		deviceID:     deviceID,
		conn:         conn,
		writeTimeout: writeTimeout,
		log:          logger.With("session_id", id, "user_id", userID, "device_id", deviceID),
		out:          make(chan events.Outbound, buffer),
		overflowed:   make(chan struct{}),
	}
}

func (s *session) ID() string          { return s.id }
func (s *session) UserID() uuid.UUID   { return s.userID }
func (s *session) DeviceID() uuid.UUID { return s.deviceID }

// Send queues ev for the writer. A full queue marks the session overflowed;
// the writer then closes the connection and every later Send fails.
func (s *session) Send(ev events.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	select {
	case s.out <- ev:
		return nil
	default:
		s.closed = true
		close(s.overflowed)
		return errBufferFull
	}
}

// shutdown stops accepting events without signalling overflow.
func (s *session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// writeLoop runs until ctx ends, a write fails or the session overflows.
func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.overflowed:
			s.log.Warn("ws: closing slow session, event buffer overflowed")
			_ = s.conn.Close(websocket.StatusPolicyViolation, "event buffer overflow")
			return
		case ev := <-s.out:
			if err := s.write(ctx, ev); err != nil {
				s.log.Warn("ws: write failed", "type", ev.Type, "error", err)
				_ = s.conn.CloseNow()
				return
			}
		}
	}
}

func (s *session) write(ctx context.Context, ev events.Outbound) error {
	data, err := ev.Marshal()
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return s.conn.Write(wctx, websocket.MessageText, data)
}
