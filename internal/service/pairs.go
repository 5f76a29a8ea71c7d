package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"msgsync/internal/domain"
	"msgsync/internal/store"

	"github.com/google/uuid"
)

// PairOutcome reports a defect found while operating on a pair that did not
// stop the operation. Warning wraps domain.ErrMirrorInconsistency.
type PairOutcome struct {
	Warning error
	Healed  bool
}

// GetOrCreatePair returns the conversation owned by a pointing at b and its
// mirror, creating whichever side is missing in a single transaction.
func (s *Service) GetOrCreatePair(ctx context.Context, a, b uuid.UUID) (domain.Conversation, domain.Conversation, PairOutcome, error) {
	if err := validatePair(a, b); err != nil {
		return domain.Conversation{}, domain.Conversation{}, PairOutcome{}, err
	}
	own, mirror, outcome, err := s.resolvePair(ctx, a, b, false)
	if store.IsDuplicate(err) {
		// Lost a creation race to a concurrent request; the pair exists now.
		own, mirror, outcome, err = s.resolvePair(ctx, a, b, false)
	}
	return own, mirror, outcome, err
}

// CreatePair is the strict form of GetOrCreatePair: it fails with
// ErrDuplicateRelationship when a already has a conversation with b.
func (s *Service) CreatePair(ctx context.Context, a, b uuid.UUID) (domain.Conversation, domain.Conversation, PairOutcome, error) {
	if err := validatePair(a, b); err != nil {
		return domain.Conversation{}, domain.Conversation{}, PairOutcome{}, err
	}
	own, mirror, outcome, err := s.resolvePair(ctx, a, b, true)
	if store.IsDuplicate(err) {
		err = fmt.Errorf("%w: %s already paired with %s", domain.ErrDuplicateRelationship, a, b)
	}
	return own, mirror, outcome, err
}

func validatePair(a, b uuid.UUID) error {
	if a == uuid.Nil || b == uuid.Nil {
		return fmt.Errorf("%w: both users are required", domain.ErrInvalidRequest)
	}
	if a == b {
		return fmt.Errorf("%w: cannot pair a user with themselves", domain.ErrInvalidRequest)
	}
	return nil
}

func (s *Service) resolvePair(ctx context.Context, a, b uuid.UUID, strict bool) (own, mirror domain.Conversation, outcome PairOutcome, err error) {
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		ownPtr, err := findConversation(ctx, tx, a, b)
		if err != nil {
			return err
		}
		if ownPtr != nil && strict {
			return fmt.Errorf("%w: %s already paired with %s", domain.ErrDuplicateRelationship, a, b)
		}
		mirrorPtr, err := findConversation(ctx, tx, b, a)
		if err != nil {
			return err
		}

		now := s.timestamp()
		switch {
		case ownPtr != nil && mirrorPtr != nil:
			own, mirror = *ownPtr, *mirrorPtr
			return nil

		case ownPtr == nil && mirrorPtr == nil:
			own = newConversation(a, b, now)
			mirror = newConversation(b, a, now)
			if err := tx.Conversations().Create(ctx, &own); err != nil {
				return err
			}
			return tx.Conversations().Create(ctx, &mirror)

		case ownPtr == nil:
			// Only b's side exists. Without healing a has nothing to return.
			mirror = *mirrorPtr
			outcome.Warning = s.reportMirrorMissing("get_or_create_pair", mirror.ID)
			if !s.opts.HealMirrors {
				return outcome.Warning
			}
			own = newConversation(a, b, mirror.LastActivityAt)
			if err := tx.Conversations().Create(ctx, &own); err != nil {
				return err
			}
			outcome.Healed = true
			s.log.Info("conversation mirror recreated", "conversation_id", mirror.ID, "mirror_id", own.ID)
			return nil

		default:
			own = *ownPtr
			outcome.Warning = s.reportMirrorMissing("get_or_create_pair", own.ID)
			if !s.opts.HealMirrors {
				return nil
			}
			mirror = newConversation(b, a, own.LastActivityAt)
			if err := tx.Conversations().Create(ctx, &mirror); err != nil {
				return err
			}
			outcome.Healed = true
			s.log.Info("conversation mirror recreated", "conversation_id", own.ID, "mirror_id", mirror.ID)
			return nil
		}
	})
	if err != nil {
		return domain.Conversation{}, domain.Conversation{}, PairOutcome{}, err
	}
	return own, mirror, outcome, nil
}

func newConversation(owner, counterparty uuid.UUID, at time.Time) domain.Conversation {
	return domain.Conversation{
		ID:                 uuid.New(),
		OwnerUserID:        owner,
		CounterpartyUserID: counterparty,
		LastActivityAt:     at,
		CreatedAt:          at,
	}
}

func findConversation(ctx context.Context, st *store.Store, owner, counterparty uuid.UUID) (*domain.Conversation, error) {
	conv, err := st.Conversations().Find(ctx, owner, counterparty)
	if errors.Is(err, store.ErrRecordNotFound) {
		return nil, nil
	}
	return conv, err
}

func findMirror(ctx context.Context, st *store.Store, conv domain.Conversation) (*domain.Conversation, error) {
	return findConversation(ctx, st, conv.CounterpartyUserID, conv.OwnerUserID)
}

// Conversation loads conversation id, which must be owned by actor.
func (s *Service) Conversation(ctx context.Context, actor, id uuid.UUID) (domain.Conversation, error) {
	return s.ownedConversation(ctx, s.store, actor, id)
}

func (s *Service) ownedConversation(ctx context.Context, st *store.Store, actor, id uuid.UUID) (domain.Conversation, error) {
	conv, err := st.Conversations().Get(ctx, id)
	if err != nil {
		return domain.Conversation{}, mapNotFound(err, domain.ErrConversationNotFound)
	}
	if conv.OwnerUserID != actor {
		return domain.Conversation{}, fmt.Errorf("%w: conversation %s belongs to another user", domain.ErrUnauthorized, id)
	}
	return *conv, nil
}

// TouchPair stamps LastActivityAt on the conversation and its mirror together.
// A missing mirror is reported in the outcome; the existing side is still
// updated.
func (s *Service) TouchPair(ctx context.Context, convID uuid.UUID) (PairOutcome, error) {
	var outcome PairOutcome
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		conv, err := tx.Conversations().Get(ctx, convID)
		if err != nil {
			return mapNotFound(err, domain.ErrConversationNotFound)
		}
		outcome, err = s.touchPair(ctx, tx, *conv, s.timestamp())
		return err
	})
	return outcome, err
}

func (s *Service) touchPair(ctx context.Context, tx *store.Store, conv domain.Conversation, at time.Time) (PairOutcome, error) {
	var outcome PairOutcome
	ids := []uuid.UUID{conv.ID}
	mirror, err := findMirror(ctx, tx, conv)
	if err != nil {
		return outcome, err
	}
	if mirror != nil {
		ids = append(ids, mirror.ID)
	} else {
		outcome.Warning = s.reportMirrorMissing("touch_pair", conv.ID)
	}
	return outcome, tx.Conversations().Touch(ctx, ids, at)
}

// DeletePair deletes actor's conversation, its mirror and the messages of
// both in one transaction.
func (s *Service) DeletePair(ctx context.Context, actor, convID uuid.UUID) (PairOutcome, error) {
	var outcome PairOutcome
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		conv, err := s.ownedConversation(ctx, tx, actor, convID)
		if err != nil {
			return err
		}
		ids := []uuid.UUID{conv.ID}
		mirror, err := findMirror(ctx, tx, conv)
		if err != nil {
			return err
		}
		if mirror != nil {
			ids = append(ids, mirror.ID)
		} else {
			outcome.Warning = s.reportMirrorMissing("delete_pair", conv.ID)
		}
		if _, err := tx.Messages().DeleteByConversations(ctx, ids); err != nil {
			return err
		}
		_, err = tx.Conversations().Delete(ctx, ids)
		return err
	})
	if err != nil {
		return PairOutcome{}, err
	}
	s.log.Info("conversation pair deleted", "conversation_id", convID, "user_id", actor)
	return outcome, nil
}

// RepairPair recreates the mirror of actor's conversation if it is missing.
// It reports whether a row was created.
func (s *Service) RepairPair(ctx context.Context, actor, convID uuid.UUID) (domain.Conversation, bool, error) {
	var (
		mirror  domain.Conversation
		created bool
	)
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		conv, err := s.ownedConversation(ctx, tx, actor, convID)
		if err != nil {
			return err
		}
		existing, err := findMirror(ctx, tx, conv)
		if err != nil {
			return err
		}
		if existing != nil {
			mirror = *existing
			return nil
		}
		mirror = newConversation(conv.CounterpartyUserID, conv.OwnerUserID, conv.LastActivityAt)
		created = true
		return tx.Conversations().Create(ctx, &mirror)
	})
	if err != nil {
		return domain.Conversation{}, false, err
	}
	if created {
		s.log.Info("conversation mirror recreated", "conversation_id", convID, "mirror_id", mirror.ID)
	}
	return mirror, created, nil
}

// ListForUser returns the user's conversations, most recently active first,
// each with its latest message.
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID) ([]domain.ConversationSummary, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("%w: user is required", domain.ErrInvalidRequest)
	}
	convs, err := s.store.Conversations().ListForOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(convs))
	for i, conv := range convs {
		ids[i] = conv.ID
	}
	latest, err := s.store.Messages().LatestByConversations(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		summary := domain.ConversationSummary{Conversation: conv}
		if msg, ok := latest[conv.ID]; ok {
			summary.LastMessage = &msg
		}
		out = append(out, summary)
	}
	return out, nil
}
