package service

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"msgsync/internal/domain"
	"msgsync/internal/events"
	"msgsync/internal/observability/metrics"
	"msgsync/internal/registry"
	"msgsync/internal/store"

	"github.com/google/uuid"
)

// Notifier routes realtime events to live sessions. *registry.Registry and
// *registry.Relay implement it.
type Notifier interface {
	BroadcastToUser(userID uuid.UUID, ev events.Outbound) (int, error)
	PublishToTopic(userID, convID uuid.UUID, ev events.Outbound) int
}

type Options struct {
	// HealMirrors lets GetOrCreatePair recreate the missing side of a half
	// pair instead of only reporting it.
	HealMirrors         bool
	HistoryDefaultLimit int
	HistoryMaxLimit     int
	Logger              *slog.Logger
	Clock               func() time.Time
}

type Service struct {
	store  *store.Store
	notify Notifier
	opts   Options
	log    *slog.Logger
	now    func() time.Time
}

func New(st *store.Store, notify Notifier, opts Options) *Service {
	if notify == nil {
		notify = nopNotifier{}
	}
	if opts.HistoryDefaultLimit <= 0 {
		opts.HistoryDefaultLimit = 50
	}
	if opts.HistoryMaxLimit < opts.HistoryDefaultLimit {
		opts.HistoryMaxLimit = opts.HistoryDefaultLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Service{store: st, notify: notify, opts: opts, log: logger, now: now}
}

// timestamp is the store clock: UTC at microsecond precision, which every
// supported database round-trips exactly.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Service) reportMirrorMissing(op string, convID uuid.UUID) error {
	metrics.MirrorInconsistenciesTotal.WithLabelValues(op).Inc()
	s.log.Warn("consistency defect: conversation mirror missing",
		"op", op,
		"conversation_id", convID,
	)
	return fmt.Errorf("%w: conversation %s has no mirror", domain.ErrMirrorInconsistency, convID)
}

// push delivers ev to every session of userID. An offline user is normal.
func (s *Service) push(userID uuid.UUID, ev events.Outbound) {
	if _, err := s.notify.BroadcastToUser(userID, ev); err != nil && !errors.Is(err, registry.ErrTransportUnavailable) {
		s.log.Warn("push failed", "user_id", userID, "type", ev.Type, "error", err)
	}
}

// mapNotFound converts store.ErrRecordNotFound into the given domain error.
func mapNotFound(err, notFound error) error {
	if errors.Is(err, store.ErrRecordNotFound) {
		return notFound
	}
	return err
}

type nopNotifier struct{}

func (nopNotifier) BroadcastToUser(uuid.UUID, events.Outbound) (int, error) {
	return 0, registry.ErrTransportUnavailable
}

func (nopNotifier) PublishToTopic(uuid.UUID, uuid.UUID, events.Outbound) int { return 0 }
