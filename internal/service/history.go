package service

import (
	"context"
	"fmt"

	"msgsync/internal/domain"
	"msgsync/internal/observability/metrics"

	"github.com/google/uuid"
)

// History returns a page of actor's conversation, oldest first. Fetching
// counts as receipt: messages from the counterparty in the page that were not
// yet delivered become delivered.
func (s *Service) History(ctx context.Context, actor, convID uuid.UUID, limit, offset int) ([]domain.Message, error) {
	conv, err := s.Conversation(ctx, actor, convID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.opts.HistoryDefaultLimit
	}
	if limit > s.opts.HistoryMaxLimit {
		limit = s.opts.HistoryMaxLimit
	}
	if offset < 0 {
		offset = 0
	}

	page, err := s.store.Messages().Page(ctx, conv.ID, limit, offset)
	if err != nil {
		return nil, err
	}
	metrics.MessageHistoryFetchedTotal.WithLabelValues("conversation").Inc()

	var pending []uuid.UUID
	for _, m := range page {
		if m.SenderID != actor && !m.IsDelivered {
			pending = append(pending, m.EventID)
		}
	}
	if len(pending) == 0 {
		return page, nil
	}
	n, err := s.store.Messages().MarkDelivered(ctx, pending, s.timestamp())
	if err != nil {
		return nil, err
	}
	if n > 0 {
		metrics.DeliveryTransitionsTotal.WithLabelValues(domain.StateDelivered.String(), triggerHistory).Add(float64(n))
		s.notifyTransition(ctx, domain.StateDelivered, pending)
	}
	return s.store.Messages().Page(ctx, conv.ID, limit, offset)
}

// Message returns a message from one of actor's conversations.
func (s *Service) Message(ctx context.Context, actor, messageID uuid.UUID) (domain.Message, error) {
	return s.visibleMessage(ctx, actor, messageID)
}

func (s *Service) visibleMessage(ctx context.Context, actor, messageID uuid.UUID) (domain.Message, error) {
	if messageID == uuid.Nil {
		return domain.Message{}, fmt.Errorf("%w: message id is required", domain.ErrInvalidRequest)
	}
	msg, err := s.store.Messages().Get(ctx, messageID)
	if err != nil {
		return domain.Message{}, mapNotFound(err, domain.ErrMessageNotFound)
	}
	conv, err := s.store.Conversations().Get(ctx, msg.ConversationID)
	if err != nil {
		return domain.Message{}, mapNotFound(err, domain.ErrMessageNotFound)
	}
	if conv.OwnerUserID != actor {
		return domain.Message{}, fmt.Errorf("%w: message %s is not in your conversations", domain.ErrUnauthorized, messageID)
	}
	return *msg, nil
}

// DeleteMessage removes actor's copy of a message. The counterparty's copy is
// kept.
func (s *Service) DeleteMessage(ctx context.Context, actor, messageID uuid.UUID) error {
	msg, err := s.visibleMessage(ctx, actor, messageID)
	if err != nil {
		return err
	}
	n, err := s.store.Messages().Delete(ctx, msg.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}
