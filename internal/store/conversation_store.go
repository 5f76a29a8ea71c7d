package store

import (
	"context"
	"time"

	"msgsync/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ConversationStore struct{ db *gorm.DB }

func (s *Store) Conversations() *ConversationStore { return &ConversationStore{db: s.DB} }

func (c *ConversationStore) Create(ctx context.Context, conv *domain.Conversation) error {
	return translate(c.db.WithContext(ctx).Create(conv).Error)
}

func (c *ConversationStore) Get(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	var conv domain.Conversation
	if err := c.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &conv, nil
}

// Find returns the conversation owned by owner that points at counterparty.
func (c *ConversationStore) Find(ctx context.Context, owner, counterparty uuid.UUID) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := c.db.WithContext(ctx).
		Where("owner_user_id = ? AND counterparty_user_id = ?", owner, counterparty).
		First(&conv).Error
	if err != nil {
		return nil, translate(err)
	}
	return &conv, nil
}

// Mirror returns the row paired with conv, or ErrRecordNotFound.
func (c *ConversationStore) Mirror(ctx context.Context, conv domain.Conversation) (*domain.Conversation, error) {
	return c.Find(ctx, conv.CounterpartyUserID, conv.OwnerUserID)
}

func (c *ConversationStore) ListForOwner(ctx context.Context, owner uuid.UUID) ([]domain.Conversation, error) {
	var convs []domain.Conversation
	err := c.db.WithContext(ctx).
		Where("owner_user_id = ?", owner).
		Order("last_activity_at desc, id asc").
		Find(&convs).Error
	return convs, translate(err)
}

func (c *ConversationStore) Touch(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return translate(c.db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id IN ?", ids).
		Update("last_activity_at", at).Error)
}

func (c *ConversationStore) Delete(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := c.db.WithContext(ctx).Where("id IN ?", ids).Delete(&domain.Conversation{})
	return res.RowsAffected, translate(res.Error)
}
