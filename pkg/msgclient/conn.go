package msgclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"msgsync/internal/domain"
	"msgsync/internal/events"
	"msgsync/pkg/envelope"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ErrClosed is returned by Conn operations after the connection ended.
var ErrClosed = errors.New("msgclient: connection closed")

// RemoteError is an error event sent by the server.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap reports everything but transient server failures as ErrRejected.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case events.CodeSendFailed, events.CodeInternal:
		return nil
	default:
		return ErrRejected
	}
}

// Event is a server event delivered on Conn.Events. Message is set for the
// message carrying types, Error for error events.
type Event struct {
	Type    events.Type
	Message *domain.Message
	Error   *events.ErrorPayload
	Raw     json.RawMessage
}

type ackResult struct {
	msg domain.Message
	err error
}

// Conn is a live websocket session.
type Conn struct {
	ws     *websocket.Conn
	events chan Event

	mu      sync.Mutex
	waiters map[string]chan ackResult
	err     error
	done    chan struct{}
}

// Dial opens the websocket for the client's device.
func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	target, err := websocketURL(c.base, c.deviceID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	header.Set("X-Device-Key", c.deviceKey)
	ws, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPClient: c.http, HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, &APIError{Status: resp.StatusCode, Message: err.Error()}
		}
		return nil, err
	}
	conn := &Conn{
		ws:      ws,
		events:  make(chan Event, 128),
		waiters: make(map[string]chan ackResult),
		done:    make(chan struct{}),
	}
	go conn.readLoop()
	return conn, nil
}

// Events delivers server events that are not acks of a pending Send. It is
// closed when the connection ends. Events are dropped while the buffer is
// full.
func (c *Conn) Events() <-chan Event { return c.events }

// Done is closed when the connection ends; Err then reports why.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) readLoop() {
	defer close(c.events)
	ctx := context.Background()
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			c.finish(err)
			return
		}
		var f events.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		ev := Event{Type: f.Type, Raw: f.Data}
		switch f.Type {
		case events.TypeMessageReceived, events.TypeMessageSent, events.TypeMessageDelivered, events.TypeMessageRead:
			var m domain.Message
			if err := json.Unmarshal(f.Data, &m); err == nil {
				ev.Message = &m
			}
		case events.TypeError:
			var p events.ErrorPayload
			if err := json.Unmarshal(f.Data, &p); err == nil {
				ev.Error = &p
			}
		}
		if c.resolveAck(ev) {
			continue
		}
		select {
		case c.events <- ev:
		default:
		}
	}
}

// resolveAck hands message_sent and error events to the Send waiting on
// their clientMessageId.
func (c *Conn) resolveAck(ev Event) bool {
	var (
		key string
		res ackResult
	)
	switch {
	case ev.Type == events.TypeMessageSent && ev.Message != nil && ev.Message.ClientMessageID != nil:
		key, res = *ev.Message.ClientMessageID, ackResult{msg: *ev.Message}
	case ev.Type == events.TypeError && ev.Error != nil && ev.Error.ClientMessageID != "":
		key, res = ev.Error.ClientMessageID, ackResult{err: &RemoteError{Code: ev.Error.Code, Message: ev.Error.Message}}
	default:
		return false
	}
	c.mu.Lock()
	ch, ok := c.waiters[key]
	delete(c.waiters, key)
	c.mu.Unlock()
	if ok {
		ch <- res
	}
	return ok
}

func (c *Conn) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = fmt.Errorf("%w: %v", ErrClosed, err)
	for key, ch := range c.waiters {
		ch <- ackResult{err: c.err}
		delete(c.waiters, key)
	}
	close(c.done)
}

func (c *Conn) write(ctx context.Context, typ events.Type, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(events.Frame{Type: typ, Data: raw})
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, frame)
}

// Send asks the server to seal and store plaintext and waits for the ack
// matching clientID. An empty clientID gets a fresh one.
func (c *Conn) Send(ctx context.Context, convID uuid.UUID, plaintext string, secret envelope.Secret, clientID string) (domain.Message, error) {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	ch := make(chan ackResult, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return domain.Message{}, err
	}
	c.waiters[clientID] = ch
	c.mu.Unlock()

	err := c.write(ctx, events.TypeSendMessage, events.SendMessage{
		ConversationID:  convID,
		Content:         plaintext,
		SharedSecret:    secret.String(),
		ClientMessageID: clientID,
	})
	if err != nil {
		c.dropWaiter(clientID)
		return domain.Message{}, err
	}
	select {
	case res := <-ch:
		return res.msg, res.err
	case <-ctx.Done():
		c.dropWaiter(clientID)
		return domain.Message{}, ctx.Err()
	}
}

func (c *Conn) dropWaiter(clientID string) {
	c.mu.Lock()
	delete(c.waiters, clientID)
	c.mu.Unlock()
}

func (c *Conn) Join(ctx context.Context, convID uuid.UUID) error {
	return c.write(ctx, events.TypeJoinConversation, events.JoinConversation{ConversationID: convID})
}

func (c *Conn) Leave(ctx context.Context, convID uuid.UUID) error {
	return c.write(ctx, events.TypeLeaveConversation, events.LeaveConversation{ConversationID: convID})
}

func (c *Conn) MarkDelivered(ctx context.Context, messageID uuid.UUID) error {
	return c.write(ctx, events.TypeMarkDelivered, events.MarkDelivered{MessageID: messageID})
}

func (c *Conn) MarkRead(ctx context.Context, messageID uuid.UUID) error {
	return c.write(ctx, events.TypeMarkRead, events.MarkRead{MessageID: messageID})
}

func (c *Conn) MarkConversationRead(ctx context.Context, convID uuid.UUID) error {
	return c.write(ctx, events.TypeMarkConversationRead, events.MarkConversationRead{ConversationID: convID})
}

func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "bye")
}
