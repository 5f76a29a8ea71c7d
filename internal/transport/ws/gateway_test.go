package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"msgsync/internal/authn"
	"msgsync/internal/domain"
	"msgsync/internal/events"
	"msgsync/internal/registry"
	"msgsync/internal/service"
	"msgsync/internal/store"
	"msgsync/pkg/envelope"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testSecret = "ws-test-secret"

type harness struct {
	srv    *httptest.Server
	st     *store.Store
	svc    *service.Service
	reg    *registry.Registry
	signer *authn.Signer
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	db, err := store.Open(store.OpenConfig{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	require.NoError(t, err)
	st := store.New(db)
	require.NoError(t, st.AutoMigrate(context.Background()))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(logger)
	svc := service.New(st, reg, service.Options{HealMirrors: true, Logger: logger})
	opts := Options{
		Service:   svc,
		Registry:  reg,
		Validator: authn.NewHMACValidator(testSecret, "msgsync"),
		Logger:    logger,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	gw := NewGateway(opts)
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		srv.Close()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return &harness{srv: srv, st: st, svc: svc, reg: reg, signer: authn.NewHMACSigner(testSecret, "msgsync")}
}

type client struct {
	t      *testing.T
	conn   *websocket.Conn
	user   uuid.UUID
	device uuid.UUID
}

func (h *harness) device(t *testing.T, user uuid.UUID) domain.Device {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.svc.EnsureUser(ctx, user, ""))
	d, err := h.svc.RegisterDevice(ctx, service.RegisterDeviceInput{UserID: user, Name: "test", PublicKey: "pub", PrivateKey: "key-" + user.String()})
	require.NoError(t, err)
	return d
}

func (h *harness) dial(t *testing.T, user, deviceID uuid.UUID, key string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	tok, err := h.signer.Sign(user.String(), time.Hour, nil)
	require.NoError(t, err)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)
	header.Set(DeviceKeyHeader, key)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "?device=" + deviceID.String()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
}

func (h *harness) connect(t *testing.T, user uuid.UUID) *client {
	t.Helper()
	d := h.device(t, user)
	conn, _, err := h.dial(t, user, d.ID, "key-"+user.String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	c := &client{t: t, conn: conn, user: user, device: d.ID}
	connected := c.expect(events.TypeConnected)
	var payload events.Connected
	require.NoError(t, json.Unmarshal(connected.Data, &payload))
	require.Equal(t, user, payload.UserID)
	require.Equal(t, d.ID, payload.DeviceID)
	return c
}

func (c *client) send(typ events.Type, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	frame, err := json.Marshal(events.Frame{Type: typ, Data: raw})
	require.NoError(c.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, frame))
}

// expect reads frames until one of type typ arrives.
func (c *client) expect(typ events.Type) events.Frame {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := c.conn.Read(ctx)
		require.NoError(c.t, err, "waiting for %s", typ)
		var f events.Frame
		require.NoError(c.t, json.Unmarshal(data, &f))
		if f.Type == typ {
			return f
		}
	}
}

func decodeMessage(t *testing.T, f events.Frame) domain.Message {
	t.Helper()
	var m domain.Message
	require.NoError(t, json.Unmarshal(f.Data, &m))
	return m
}

func TestUpgradeRequiresCredentials(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	d := h.device(t, user)

	_, resp, err := websocket.Dial(context.Background(), "ws"+strings.TrimPrefix(h.srv.URL, "http")+"?device="+d.ID.String(), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = h.dial(t, user, d.ID, "wrong-key")
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = h.dial(t, uuid.New(), d.ID, "key-"+user.String())
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSendReceiveAndAcknowledge(t *testing.T) {
	h := newHarness(t)
	alice := h.connect(t, uuid.New())
	bob := h.connect(t, uuid.New())

	convA, convB, _, err := h.svc.GetOrCreatePair(context.Background(), alice.user, bob.user)
	require.NoError(t, err)

	bob.send(events.TypeJoinConversation, events.JoinConversation{ConversationID: convB.ID})
	bob.expect(events.TypeJoined)

	secret, err := envelope.NewSecret()
	require.NoError(t, err)
	alice.send(events.TypeSendMessage, events.SendMessage{
		ConversationID:  convA.ID,
		Content:         "hi bob",
		SharedSecret:    secret.String(),
		ClientMessageID: "c-1",
	})

	ack := decodeMessage(t, alice.expect(events.TypeMessageSent))
	require.Equal(t, convA.ID, ack.ConversationID)
	require.NotNil(t, ack.ClientMessageID)
	require.Equal(t, "c-1", *ack.ClientMessageID)

	got := decodeMessage(t, bob.expect(events.TypeMessageReceived))
	require.Equal(t, convB.ID, got.ConversationID)
	require.Equal(t, alice.user, got.SenderID)
	plain, err := envelope.OpenString(got.Ciphertext, secret)
	require.NoError(t, err)
	require.Equal(t, "hi bob", plain)

	bob.send(events.TypeMarkDelivered, events.MarkDelivered{MessageID: got.ID})
	delivered := decodeMessage(t, alice.expect(events.TypeMessageDelivered))
	require.Equal(t, ack.ID, delivered.ID)
	require.True(t, delivered.IsDelivered)

	bob.send(events.TypeMarkRead, events.MarkRead{MessageID: got.ID})
	read := decodeMessage(t, alice.expect(events.TypeMessageRead))
	require.True(t, read.IsRead)
}

func TestInvalidFramesGetErrors(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, uuid.New())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"shout","data":{}}`)))
	var payload events.ErrorPayload
	require.NoError(t, json.Unmarshal(c.expect(events.TypeError).Data, &payload))
	require.Equal(t, events.CodeInvalidRequest, payload.Code)

	c.send(events.TypeJoinConversation, events.JoinConversation{ConversationID: uuid.New()})
	require.NoError(t, json.Unmarshal(c.expect(events.TypeError).Data, &payload))
	require.Equal(t, events.CodeNotFound, payload.Code)

	c.send(events.TypeSendMessage, events.SendMessage{
		ConversationID:  uuid.New(),
		Content:         "x",
		SharedSecret:    strings.Repeat("ab", 16),
		ClientMessageID: "c-9",
	})
	require.NoError(t, json.Unmarshal(c.expect(events.TypeError).Data, &payload))
	require.Equal(t, events.CodeDecryption, payload.Code)
	require.Equal(t, "c-9", payload.ClientMessageID)

	// The session survives bad input.
	c.send(events.TypeMarkRead, events.MarkRead{MessageID: uuid.New()})
	require.NoError(t, json.Unmarshal(c.expect(events.TypeError).Data, &payload))
	require.Equal(t, events.CodeNotFound, payload.Code)
}

func TestDisconnectUnregisters(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, uuid.New())
	require.True(t, h.reg.Online(c.user))

	require.NoError(t, c.conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return !h.reg.Online(c.user) }, 5*time.Second, 20*time.Millisecond)
}

func TestSessionOverflow(t *testing.T) {
	s := newSession(nil, uuid.New(), uuid.New(), 1, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, s.Send(events.NewJoined(uuid.New())))
	require.ErrorIs(t, s.Send(events.NewJoined(uuid.New())), errBufferFull)
	require.ErrorIs(t, s.Send(events.NewJoined(uuid.New())), errSessionClosed)
	select {
	case <-s.overflowed:
	default:
		t.Fatal("overflow not signalled")
	}
}

func TestSendTimeoutReportsSendFailed(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SendTimeout = 50 * time.Millisecond })
	alice := h.connect(t, uuid.New())
	bob := uuid.New()
	convA, _, _, err := h.svc.GetOrCreatePair(context.Background(), alice.user, bob)
	require.NoError(t, err)
	secret, err := envelope.NewSecret()
	require.NoError(t, err)

	// The sqlite store has a single connection; holding it open stalls the
	// send until its deadline passes.
	tx := h.st.DB.Begin()
	require.NoError(t, tx.Error)
	alice.send(events.TypeSendMessage, events.SendMessage{
		ConversationID:  convA.ID,
		Content:         "slow",
		SharedSecret:    secret.String(),
		ClientMessageID: "c-slow",
	})
	var failure events.ErrorPayload
	require.NoError(t, json.Unmarshal(alice.expect(events.TypeError).Data, &failure))
	require.NoError(t, tx.Rollback().Error)

	require.Equal(t, events.CodeSendFailed, failure.Code)
	require.Equal(t, "c-slow", failure.ClientMessageID)

	// Nothing was stored, so a retry with the same id goes through once.
	alice.send(events.TypeSendMessage, events.SendMessage{
		ConversationID:  convA.ID,
		Content:         "slow",
		SharedSecret:    secret.String(),
		ClientMessageID: "c-slow",
	})
	ack := decodeMessage(t, alice.expect(events.TypeMessageSent))
	require.Equal(t, "c-slow", *ack.ClientMessageID)
}
