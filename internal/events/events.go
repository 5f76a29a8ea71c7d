// Package events defines the realtime protocol spoken over websocket
// sessions. Every frame is a JSON object {"type": ..., "data": {...}}.
// Inbound frames are decoded into one of a closed set of variants and
// validated before they reach any handler.
package events

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"msgsync/internal/domain"
	"msgsync/pkg/envelope"

	"github.com/google/uuid"
)

type Type string

// Client to server.
const (
	TypeJoinConversation     Type = "join_conversation"
	TypeLeaveConversation    Type = "leave_conversation"
	TypeSendMessage          Type = "send_message"
	TypeMarkDelivered        Type = "mark_delivered"
	TypeMarkRead             Type = "mark_read"
	TypeMarkConversationRead Type = "mark_conversation_read"
)

// Server to client.
const (
	TypeConnected            Type = "connected"
	TypeJoined               Type = "joined"
	TypeMessageReceived      Type = "message_received"
	TypeMessageSent          Type = "message_sent"
	TypeMessageDelivered     Type = "message_delivered"
	TypeMessageRead          Type = "message_read"
	TypeConversationActivity Type = "conversation_activity"
	TypeError                Type = "error"
)

// Error codes carried by error events.
const (
	CodeNotFound       = "not_found"
	CodeUnauthorized   = "unauthorized"
	CodeInvalidRequest = "invalid_request"
	CodeDecryption     = "decryption_failed"
	CodeSendFailed     = "send_failed"
	CodeInternal       = "internal"
)

var ErrInvalidEvent = fmt.Errorf("%w: invalid event", domain.ErrInvalidRequest)

// Frame is the wire shape shared by both directions.
type Frame struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound is implemented by every client to server variant.
type Inbound interface {
	EventType() Type
	validate() error
}

type JoinConversation struct {
	ConversationID uuid.UUID `json:"conversationId"`
}

type LeaveConversation struct {
	ConversationID uuid.UUID `json:"conversationId"`
}

// SendMessage carries plaintext content and the hex shared secret the server
// seals it with. ClientMessageID is the retry dedup key.
type SendMessage struct {
	ConversationID  uuid.UUID `json:"conversationId"`
	Content         string    `json:"content"`
	SharedSecret    string    `json:"sharedSecret"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
}

type MarkDelivered struct {
	MessageID uuid.UUID `json:"messageId"`
}

type MarkRead struct {
	MessageID uuid.UUID `json:"messageId"`
}

type MarkConversationRead struct {
	ConversationID uuid.UUID `json:"conversationId"`
}

func (JoinConversation) EventType() Type     { return TypeJoinConversation }
func (LeaveConversation) EventType() Type    { return TypeLeaveConversation }
func (SendMessage) EventType() Type          { return TypeSendMessage }
func (MarkDelivered) EventType() Type        { return TypeMarkDelivered }
func (MarkRead) EventType() Type             { return TypeMarkRead }
func (MarkConversationRead) EventType() Type { return TypeMarkConversationRead }

func (e JoinConversation) validate() error {
	return requireID("conversationId", e.ConversationID)
}

func (e LeaveConversation) validate() error {
	return requireID("conversationId", e.ConversationID)
}

const maxClientMessageID = 128

func (e SendMessage) validate() error {
	if err := requireID("conversationId", e.ConversationID); err != nil {
		return err
	}
	if strings.TrimSpace(e.SharedSecret) == "" {
		return fmt.Errorf("%w: sharedSecret is required", ErrInvalidEvent)
	}
	if _, err := hex.DecodeString(strings.TrimSpace(e.SharedSecret)); err != nil {
		return fmt.Errorf("%w: sharedSecret must be hex", ErrInvalidEvent)
	}
	if len(e.ClientMessageID) > maxClientMessageID {
		return fmt.Errorf("%w: clientMessageId too long", ErrInvalidEvent)
	}
	return nil
}

func (e MarkDelivered) validate() error {
	return requireID("messageId", e.MessageID)
}

func (e MarkRead) validate() error {
	return requireID("messageId", e.MessageID)
}

func (e MarkConversationRead) validate() error {
	return requireID("conversationId", e.ConversationID)
}

func requireID(field string, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("%w: %s is required", ErrInvalidEvent, field)
	}
	return nil
}

// ParseInbound decodes and validates a client frame. Unknown types, unknown
// fields and malformed payloads are rejected.
func ParseInbound(raw []byte) (Inbound, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	var ev Inbound
	switch f.Type {
	case TypeJoinConversation:
		ev = &JoinConversation{}
	case TypeLeaveConversation:
		ev = &LeaveConversation{}
	case TypeSendMessage:
		ev = &SendMessage{}
	case TypeMarkDelivered:
		ev = &MarkDelivered{}
	case TypeMarkRead:
		ev = &MarkRead{}
	case TypeMarkConversationRead:
		ev = &MarkConversationRead{}
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, f.Type)
	}
	if len(f.Data) == 0 {
		return nil, fmt.Errorf("%w: %s requires data", ErrInvalidEvent, f.Type)
	}
	dec := json.NewDecoder(bytes.NewReader(f.Data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, f.Type, err)
	}
	if err := ev.validate(); err != nil {
		return nil, err
	}
	return deref(ev), nil
}

func deref(ev Inbound) Inbound {
	switch v := ev.(type) {
	case *JoinConversation:
		return *v
	case *LeaveConversation:
		return *v
	case *SendMessage:
		return *v
	case *MarkDelivered:
		return *v
	case *MarkRead:
		return *v
	case *MarkConversationRead:
		return *v
	}
	return ev
}

// Outbound is a server to client event ready to be written to a session.
type Outbound struct {
	Type Type `json:"type"`
	Data any  `json:"data,omitempty"`
}

func (o Outbound) Marshal() ([]byte, error) {
	return json.Marshal(o)
}

type Connected struct {
	SessionID string    `json:"sessionId"`
	UserID    uuid.UUID `json:"userId"`
	DeviceID  uuid.UUID `json:"deviceId"`
}

type Joined struct {
	ConversationID uuid.UUID `json:"conversationId"`
}

type ConversationActivity struct {
	ConversationID uuid.UUID `json:"conversationId"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

type ErrorPayload struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

func NewConnected(sessionID string, userID, deviceID uuid.UUID) Outbound {
	return Outbound{Type: TypeConnected, Data: Connected{SessionID: sessionID, UserID: userID, DeviceID: deviceID}}
}

func NewJoined(convID uuid.UUID) Outbound {
	return Outbound{Type: TypeJoined, Data: Joined{ConversationID: convID}}
}

func NewMessageReceived(m domain.Message) Outbound {
	return Outbound{Type: TypeMessageReceived, Data: m}
}

func NewMessageSent(m domain.Message) Outbound {
	return Outbound{Type: TypeMessageSent, Data: m}
}

func NewMessageDelivered(m domain.Message) Outbound {
	return Outbound{Type: TypeMessageDelivered, Data: m}
}

func NewMessageRead(m domain.Message) Outbound {
	return Outbound{Type: TypeMessageRead, Data: m}
}

func NewConversationActivity(convID uuid.UUID, at time.Time) Outbound {
	return Outbound{Type: TypeConversationActivity, Data: ConversationActivity{ConversationID: convID, LastActivityAt: at}}
}

func NewError(code, message, clientMessageID string) Outbound {
	return Outbound{Type: TypeError, Data: ErrorPayload{Code: code, Message: message, ClientMessageID: clientMessageID}}
}

// ErrorCode maps an error to the code sent to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, domain.ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, envelope.ErrDecryption), errors.Is(err, envelope.ErrKeyLength):
		return CodeDecryption
	default:
		return CodeInternal
	}
}
