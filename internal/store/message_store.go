package store

import (
	"context"
	"time"

	"msgsync/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type MessageStore struct{ db *gorm.DB }

func (s *Store) Messages() *MessageStore { return &MessageStore{db: s.DB} }

func (m *MessageStore) Create(ctx context.Context, msg *domain.Message) error {
	return translate(m.db.WithContext(ctx).Create(msg).Error)
}

func (m *MessageStore) Get(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	var msg domain.Message
	if err := m.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

func (m *MessageStore) GetByClientID(ctx context.Context, convID uuid.UUID, clientID string) (*domain.Message, error) {
	var msg domain.Message
	err := m.db.WithContext(ctx).
		Where("conversation_id = ? AND client_message_id = ?", convID, clientID).
		First(&msg).Error
	if err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

// Page returns messages of a conversation oldest first.
func (m *MessageStore) Page(ctx context.Context, convID uuid.UUID, limit, offset int) ([]domain.Message, error) {
	var msgs []domain.Message
	tx := m.db.WithContext(ctx).
		Where("conversation_id = ?", convID).
		Order("created_at asc, id asc")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if offset > 0 {
		tx = tx.Offset(offset)
	}
	if err := tx.Find(&msgs).Error; err != nil {
		return nil, translate(err)
	}
	return msgs, nil
}

// LatestByConversations returns the newest message of each conversation in
// one query. Conversations without messages are absent from the map.
func (m *MessageStore) LatestByConversations(ctx context.Context, convIDs []uuid.UUID) (map[uuid.UUID]domain.Message, error) {
	out := make(map[uuid.UUID]domain.Message, len(convIDs))
	if len(convIDs) == 0 {
		return out, nil
	}
	ranked := m.db.Model(&domain.Message{}).
		Select("*, ROW_NUMBER() OVER (PARTITION BY conversation_id ORDER BY created_at DESC, id DESC) AS rn").
		Where("conversation_id IN ?", convIDs)
	var msgs []domain.Message
	err := m.db.WithContext(ctx).
		Table("(?) AS ranked", ranked).
		Where("rn = 1").
		Find(&msgs).Error
	if err != nil {
		return nil, translate(err)
	}
	for _, msg := range msgs {
		out[msg.ConversationID] = msg
	}
	return out, nil
}

func (m *MessageStore) ListByEvents(ctx context.Context, eventIDs []uuid.UUID) ([]domain.Message, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	var msgs []domain.Message
	err := m.db.WithContext(ctx).
		Where("event_id IN ?", eventIDs).
		Order("created_at asc, id asc").
		Find(&msgs).Error
	return msgs, translate(err)
}

// UnreadEvents returns the event ids of messages in convID that were not sent
// by reader and are not yet read.
func (m *MessageStore) UnreadEvents(ctx context.Context, convID, reader uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := m.db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND is_read = ?", convID, reader, false).
		Order("created_at asc, id asc").
		Pluck("event_id", &ids).Error
	return ids, translate(err)
}

// MarkDelivered moves every row of the given events that is not yet delivered
// to delivered. Rows already delivered are untouched.
func (m *MessageStore) MarkDelivered(ctx context.Context, eventIDs []uuid.UUID, at time.Time) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	res := m.db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("event_id IN ? AND is_delivered = ?", eventIDs, false).
		Updates(map[string]any{
			"is_delivered": true,
			"delivered_at": at,
		})
	return res.RowsAffected, translate(res.Error)
}

// MarkRead moves every unread row of the given events to read. A row that
// was never delivered gets the same timestamp for both fields, and
// delivered_at never ends up later than read_at.
func (m *MessageStore) MarkRead(ctx context.Context, eventIDs []uuid.UUID, at time.Time) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	res := m.db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("event_id IN ? AND is_read = ?", eventIDs, false).
		Updates(map[string]any{
			"is_read":      true,
			"read_at":      at,
			"is_delivered": true,
			"delivered_at": gorm.Expr("CASE WHEN delivered_at IS NULL OR delivered_at > ? THEN ? ELSE delivered_at END", at, at),
		})
	return res.RowsAffected, translate(res.Error)
}

func (m *MessageStore) Delete(ctx context.Context, id uuid.UUID) (int64, error) {
	res := m.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Message{})
	return res.RowsAffected, translate(res.Error)
}

func (m *MessageStore) DeleteByConversations(ctx context.Context, convIDs []uuid.UUID) (int64, error) {
	if len(convIDs) == 0 {
		return 0, nil
	}
	res := m.db.WithContext(ctx).Where("conversation_id IN ?", convIDs).Delete(&domain.Message{})
	return res.RowsAffected, translate(res.Error)
}
