package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"msgsync/internal/domain"
	"msgsync/internal/events"
	"msgsync/internal/observability/metrics"
	"msgsync/internal/store"
	"msgsync/pkg/envelope"

	"github.com/google/uuid"
)

type SendInput struct {
	SenderID       uuid.UUID
	ConversationID uuid.UUID
	// Ciphertext is an envelope produced by the codec.
	Ciphertext string
	// ClientMessageID is the sender's retry key. A repeated send with the same
	// key in the same conversation returns the original row.
	ClientMessageID string
}

type SendResult struct {
	// Message is the row written into the sender's conversation.
	Message domain.Message
	// Mirror is the recipient's row; nil when the mirror conversation is missing.
	Mirror    *domain.Message
	Duplicate bool
	Warning   error
}

// Send writes one logical message into both sides of a pair and pushes the
// recipient's row to their live sessions. The write is the sent confirmation.
func (s *Service) Send(ctx context.Context, in SendInput) (SendResult, error) {
	in.ClientMessageID = strings.TrimSpace(in.ClientMessageID)
	if in.SenderID == uuid.Nil || in.ConversationID == uuid.Nil {
		return SendResult{}, fmt.Errorf("%w: sender and conversation are required", domain.ErrInvalidRequest)
	}
	if in.Ciphertext == "" {
		return SendResult{}, fmt.Errorf("%w: ciphertext is required", domain.ErrInvalidRequest)
	}

	conv, err := s.Conversation(ctx, in.SenderID, in.ConversationID)
	if err != nil {
		return SendResult{}, err
	}
	if dup, ok, err := s.findDuplicate(ctx, conv.ID, in.ClientMessageID); err != nil || ok {
		return dup, err
	}

	var (
		res        SendResult
		mirrorConv *domain.Conversation
	)
	now := s.timestamp()
	eventID := uuid.New()
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		res = SendResult{}
		row := domain.Message{
			ID:             uuid.New(),
			ConversationID: conv.ID,
			EventID:        eventID,
			SenderID:       in.SenderID,
			Ciphertext:     in.Ciphertext,
			CreatedAt:      now,
		}
		if in.ClientMessageID != "" {
			clientID := in.ClientMessageID
			row.ClientMessageID = &clientID
		}
		if err := tx.Messages().Create(ctx, &row); err != nil {
			return err
		}
		res.Message = row

		var err error
		mirrorConv, err = findMirror(ctx, tx, conv)
		if err != nil {
			return err
		}
		if mirrorConv != nil {
			mirrorRow := domain.Message{
				ID:             uuid.New(),
				ConversationID: mirrorConv.ID,
				EventID:        eventID,
				SenderID:       in.SenderID,
				Ciphertext:     in.Ciphertext,
				CreatedAt:      now,
			}
			if err := tx.Messages().Create(ctx, &mirrorRow); err != nil {
				return err
			}
			res.Mirror = &mirrorRow
		}

		outcome, err := s.touchPair(ctx, tx, conv, now)
		res.Warning = outcome.Warning
		return err
	})
	if err != nil {
		if store.IsDuplicate(err) && in.ClientMessageID != "" {
			// A concurrent retry with the same key won.
			if dup, ok, derr := s.findDuplicate(ctx, conv.ID, in.ClientMessageID); derr == nil && ok {
				return dup, nil
			}
		}
		return SendResult{}, err
	}

	metrics.MessagesStoredTotal.WithLabelValues("sender").Inc()
	metrics.MessagesCiphertextBytes.Observe(float64(len(in.Ciphertext)))
	if res.Mirror != nil {
		metrics.MessagesStoredTotal.WithLabelValues("mirror").Inc()
	} else {
		s.log.Warn("message not fanned out: recipient will not receive it",
			"conversation_id", conv.ID,
			"message_id", res.Message.ID,
			"sender_id", in.SenderID,
		)
	}

	s.routeSend(conv, mirrorConv, res, now)
	return res, nil
}

// SendPlaintext seals plaintext with secret and sends it.
func (s *Service) SendPlaintext(ctx context.Context, senderID, convID uuid.UUID, plaintext string, secret envelope.Secret, clientMessageID string) (SendResult, error) {
	sealed, err := envelope.SealString(plaintext, secret)
	if err != nil {
		return SendResult{}, err
	}
	return s.Send(ctx, SendInput{
		SenderID:        senderID,
		ConversationID:  convID,
		Ciphertext:      sealed,
		ClientMessageID: clientMessageID,
	})
}

func (s *Service) findDuplicate(ctx context.Context, convID uuid.UUID, clientID string) (SendResult, bool, error) {
	if clientID == "" {
		return SendResult{}, false, nil
	}
	existing, err := s.store.Messages().GetByClientID(ctx, convID, clientID)
	if errors.Is(err, store.ErrRecordNotFound) {
		return SendResult{}, false, nil
	}
	if err != nil {
		return SendResult{}, false, err
	}
	s.log.Info("duplicate send ignored", "conversation_id", convID, "client_message_id", clientID, "message_id", existing.ID)
	return SendResult{Message: *existing, Duplicate: true}, true, nil
}

// routeSend pushes the new rows. Registry delivery only enqueues, so this
// never waits on a slow client.
func (s *Service) routeSend(conv domain.Conversation, mirrorConv *domain.Conversation, res SendResult, at time.Time) {
	if res.Mirror != nil && mirrorConv != nil {
		recipient := mirrorConv.OwnerUserID
		s.notify.PublishToTopic(recipient, mirrorConv.ID, events.NewMessageReceived(*res.Mirror))
		s.push(recipient, events.NewConversationActivity(mirrorConv.ID, at))
	}
	// The sender's other open devices.
	s.notify.PublishToTopic(conv.OwnerUserID, conv.ID, events.NewMessageReceived(res.Message))
}
