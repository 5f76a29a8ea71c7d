package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Handle    string    `gorm:"type:text;not null;uniqueIndex" json:"handle"`
	CreatedAt time.Time `gorm:"not null" json:"createdAt"`
}

// Device private keys are never stored; PrivateKeyHash holds hex(salt):hex(scrypt).
type Device struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID         uuid.UUID  `gorm:"type:uuid;not null;index" json:"userId"`
	Name           string     `gorm:"type:text;not null" json:"name"`
	PublicKey      string     `gorm:"type:text;not null" json:"publicKey"`
	PrivateKeyHash string     `gorm:"type:text;not null" json:"-"`
	IsActive       bool       `gorm:"not null;default:true" json:"isActive"`
	LastSeenAt     *time.Time `json:"lastSeenAt,omitempty"`
	CreatedAt      time.Time  `gorm:"not null" json:"createdAt"`
}

// Conversation is one directed side of a mirrored pair. The row owned by the
// counterparty and pointing back at the owner is its mirror.
type Conversation struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerUserID        uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_conversations_owner_counterparty,priority:1" json:"ownerUserId"`
	CounterpartyUserID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_conversations_owner_counterparty,priority:2;index" json:"counterpartyUserId"`
	LastActivityAt     time.Time `gorm:"not null;index" json:"lastActivityAt"`
	CreatedAt          time.Time `gorm:"not null" json:"createdAt"`
}

// Message is one row of a fanned-out message event. Both rows of the same
// event share EventID.
type Message struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID  uuid.UUID  `gorm:"type:uuid;not null;index:idx_messages_conv_created,priority:1;uniqueIndex:idx_messages_conv_client,priority:1" json:"conversationId"`
	EventID         uuid.UUID  `gorm:"type:uuid;not null;index" json:"eventId"`
	ClientMessageID *string    `gorm:"type:text;uniqueIndex:idx_messages_conv_client,priority:2" json:"clientMessageId,omitempty"`
	SenderID        uuid.UUID  `gorm:"type:uuid;not null" json:"senderId"`
	Ciphertext      string     `gorm:"type:text;not null" json:"ciphertext"`
	IsDelivered     bool       `gorm:"not null;default:false" json:"isDelivered"`
	DeliveredAt     *time.Time `json:"deliveredAt,omitempty"`
	IsRead          bool       `gorm:"not null;default:false" json:"isRead"`
	ReadAt          *time.Time `json:"readAt,omitempty"`
	CreatedAt       time.Time  `gorm:"not null;index:idx_messages_conv_created,priority:2" json:"createdAt"`
}

// State derives the delivery state from the persisted flags. A stored row is
// at least Sent.
func (m Message) State() DeliveryState {
	switch {
	case m.IsRead:
		return StateRead
	case m.IsDelivered:
		return StateDelivered
	default:
		return StateSent
	}
}

// MarshalJSON adds the derived delivery state to the wire form.
func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	return json.Marshal(struct {
		plain
		State DeliveryState `json:"state"`
	}{plain(m), m.State()})
}

// ConversationSummary is a conversation with its most recent message.
type ConversationSummary struct {
	Conversation
	LastMessage *Message `json:"lastMessage,omitempty"`
}

// AllModels lists every persisted model in migration order.
func AllModels() []any {
	return []any{&User{}, &Device{}, &Conversation{}, &Message{}}
}
