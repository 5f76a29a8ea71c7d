package msgclient

import (
	"msgsync/internal/domain"
	"msgsync/pkg/envelope"
)

// UnreadableText replaces content that failed to decrypt.
const UnreadableText = "[unreadable message]"

type Rendered struct {
	Text       string
	Unreadable bool
	Err        error
}

func Render(m domain.Message, secret envelope.Secret) Rendered {
	return RenderEnvelope(m.Ciphertext, secret)
}

// RenderEnvelope opens ciphertext for display. An empty plaintext renders as
// empty text; only a decryption failure renders as UnreadableText.
func RenderEnvelope(ciphertext string, secret envelope.Secret) Rendered {
	text, err := envelope.OpenString(ciphertext, secret)
	if err != nil {
		return Rendered{Text: UnreadableText, Unreadable: true, Err: err}
	}
	return Rendered{Text: text}
}
