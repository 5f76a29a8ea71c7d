package service

import (
	"context"
	"fmt"
	"time"

	"msgsync/internal/domain"
	"msgsync/internal/events"
	"msgsync/internal/observability/metrics"

	"github.com/google/uuid"
)

// Transition triggers, recorded on metrics.
const (
	triggerAck     = "ack"
	triggerHistory = "history"
	triggerBatch   = "batch"
)

// MarkDelivered acknowledges receipt of a message by its recipient.
func (s *Service) MarkDelivered(ctx context.Context, actor, messageID uuid.UUID) (domain.Message, error) {
	return s.transition(ctx, actor, messageID, domain.StateDelivered, triggerAck)
}

// MarkRead acknowledges that the recipient has read a message. It implies
// delivery.
func (s *Service) MarkRead(ctx context.Context, actor, messageID uuid.UUID) (domain.Message, error) {
	return s.transition(ctx, actor, messageID, domain.StateRead, triggerAck)
}

// transition moves the message event forward to target. Both rows of the
// event move together. Requests that would not move it forward are no-ops
// returning the current row.
func (s *Service) transition(ctx context.Context, actor, messageID uuid.UUID, target domain.DeliveryState, trigger string) (domain.Message, error) {
	msg, err := s.recipientMessage(ctx, actor, messageID)
	if err != nil {
		return domain.Message{}, err
	}
	if _, changed := msg.State().Advance(target); !changed {
		return msg, nil
	}
	n, err := s.apply(ctx, target, []uuid.UUID{msg.EventID}, s.timestamp())
	if err != nil {
		return domain.Message{}, err
	}
	if n > 0 {
		metrics.DeliveryTransitionsTotal.WithLabelValues(target.String(), trigger).Add(float64(n))
		s.notifyTransition(ctx, target, []uuid.UUID{msg.EventID})
	}
	updated, err := s.store.Messages().Get(ctx, messageID)
	if err != nil {
		return domain.Message{}, mapNotFound(err, domain.ErrMessageNotFound)
	}
	return *updated, nil
}

// recipientMessage loads a message that actor may acknowledge: it must sit in
// actor's conversation and be authored by someone else.
func (s *Service) recipientMessage(ctx context.Context, actor, messageID uuid.UUID) (domain.Message, error) {
	msg, err := s.visibleMessage(ctx, actor, messageID)
	if err != nil {
		return domain.Message{}, err
	}
	if msg.SenderID == actor {
		return domain.Message{}, fmt.Errorf("%w: senders cannot acknowledge their own message", domain.ErrUnauthorized)
	}
	return msg, nil
}

func (s *Service) apply(ctx context.Context, target domain.DeliveryState, eventIDs []uuid.UUID, at time.Time) (int64, error) {
	switch target {
	case domain.StateDelivered:
		return s.store.Messages().MarkDelivered(ctx, eventIDs, at)
	case domain.StateRead:
		return s.store.Messages().MarkRead(ctx, eventIDs, at)
	default:
		return 0, fmt.Errorf("%w: cannot transition to %s", domain.ErrInvalidRequest, target)
	}
}

// MarkConversationRead marks every message in actor's conversation that was
// not authored by actor as read, and returns how many were unread.
func (s *Service) MarkConversationRead(ctx context.Context, actor, convID uuid.UUID) (int, error) {
	conv, err := s.Conversation(ctx, actor, convID)
	if err != nil {
		return 0, err
	}
	eventIDs, err := s.store.Messages().UnreadEvents(ctx, conv.ID, actor)
	if err != nil {
		return 0, err
	}
	if len(eventIDs) == 0 {
		return 0, nil
	}
	n, err := s.store.Messages().MarkRead(ctx, eventIDs, s.timestamp())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.DeliveryTransitionsTotal.WithLabelValues(domain.StateRead.String(), triggerBatch).Add(float64(n))
		s.notifyTransition(ctx, domain.StateRead, eventIDs)
	}
	return len(eventIDs), nil
}

// notifyTransition pushes the updated rows of each event to the owner of the
// conversation holding the row, so each participant sees their own copy.
func (s *Service) notifyTransition(ctx context.Context, state domain.DeliveryState, eventIDs []uuid.UUID) {
	rows, err := s.store.Messages().ListByEvents(ctx, eventIDs)
	if err != nil {
		s.log.Warn("load rows for delivery notification", "error", err)
		return
	}
	owners := make(map[uuid.UUID]uuid.UUID)
	for _, row := range rows {
		owner, ok := owners[row.ConversationID]
		if !ok {
			conv, err := s.store.Conversations().Get(ctx, row.ConversationID)
			if err != nil {
				s.log.Warn("load conversation for delivery notification", "conversation_id", row.ConversationID, "error", err)
				continue
			}
			owner = conv.OwnerUserID
			owners[row.ConversationID] = owner
		}
		var ev events.Outbound
		if state == domain.StateRead {
			ev = events.NewMessageRead(row)
		} else {
			ev = events.NewMessageDelivered(row)
		}
		s.push(owner, ev)
	}
}
