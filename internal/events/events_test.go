package events

import (
	"encoding/json"
	"fmt"
	"testing"

	"msgsync/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInboundVariants(t *testing.T) {
	conv := uuid.New()
	msg := uuid.New()
	secret := "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

	ev, err := ParseInbound([]byte(fmt.Sprintf(`{"type":"join_conversation","data":{"conversationId":%q}}`, conv)))
	require.NoError(t, err)
	assert.Equal(t, JoinConversation{ConversationID: conv}, ev)

	ev, err = ParseInbound([]byte(fmt.Sprintf(`{"type":"send_message","data":{"conversationId":%q,"content":"hi","sharedSecret":%q,"clientMessageId":"c-1"}}`, conv, secret)))
	require.NoError(t, err)
	send, ok := ev.(SendMessage)
	require.True(t, ok)
	assert.Equal(t, "hi", send.Content)
	assert.Equal(t, "c-1", send.ClientMessageID)

	ev, err = ParseInbound([]byte(fmt.Sprintf(`{"type":"mark_read","data":{"messageId":%q}}`, msg)))
	require.NoError(t, err)
	assert.Equal(t, TypeMarkRead, ev.EventType())

	ev, err = ParseInbound([]byte(fmt.Sprintf(`{"type":"mark_conversation_read","data":{"conversationId":%q}}`, conv)))
	require.NoError(t, err)
	assert.Equal(t, MarkConversationRead{ConversationID: conv}, ev)
}

func TestParseInboundRejects(t *testing.T) {
	conv := uuid.New()
	cases := map[string]string{
		"not json":        `{`,
		"missing type":    `{"data":{}}`,
		"unknown type":    `{"type":"drop_tables","data":{}}`,
		"server type":     fmt.Sprintf(`{"type":"message_received","data":{"id":%q}}`, conv),
		"missing data":    `{"type":"mark_read"}`,
		"bad uuid":        `{"type":"mark_read","data":{"messageId":"nope"}}`,
		"nil uuid":        fmt.Sprintf(`{"type":"mark_delivered","data":{"messageId":%q}}`, uuid.Nil),
		"unknown field":   fmt.Sprintf(`{"type":"join_conversation","data":{"conversationId":%q,"extra":1}}`, conv),
		"missing secret":  fmt.Sprintf(`{"type":"send_message","data":{"conversationId":%q,"content":"x"}}`, conv),
		"non-hex secret":  fmt.Sprintf(`{"type":"send_message","data":{"conversationId":%q,"content":"x","sharedSecret":"zz"}}`, conv),
		"wrong data type": `{"type":"join_conversation","data":"abc"}`,
	}
	for name, raw := range cases {
		_, err := ParseInbound([]byte(raw))
		assert.Errorf(t, err, name)
		assert.ErrorIsf(t, err, domain.ErrInvalidRequest, name)
	}
}

func TestOutboundCarriesMessageState(t *testing.T) {
	m := domain.Message{ID: uuid.New(), IsDelivered: true}
	raw, err := NewMessageDelivered(m).Marshal()
	require.NoError(t, err)

	var decoded struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "message_delivered", decoded.Type)
	assert.Equal(t, "delivered", decoded.Data["state"])
	assert.Equal(t, m.ID.String(), decoded.Data["id"])
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, CodeNotFound, ErrorCode(domain.ErrMessageNotFound))
	assert.Equal(t, CodeUnauthorized, ErrorCode(fmt.Errorf("wrap: %w", domain.ErrUnauthorized)))
	assert.Equal(t, CodeInvalidRequest, ErrorCode(ErrInvalidEvent))
	assert.Equal(t, CodeInternal, ErrorCode(fmt.Errorf("boom")))
}
