package msgclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"msgsync/internal/authn"
	"msgsync/internal/domain"
	"msgsync/internal/events"
	"msgsync/internal/registry"
	"msgsync/internal/service"
	"msgsync/internal/store"
	httptransport "msgsync/internal/transport/http"
	"msgsync/internal/transport/ws"
	"msgsync/pkg/envelope"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testSecret = "client-test-secret"

type server struct {
	srv    *httptest.Server
	st     *store.Store
	svc    *service.Service
	signer *authn.Signer
}

func newServer(t *testing.T, configure ...func(*ws.Options)) *server {
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
	validator := authn.NewHMACValidator(testSecret, "msgsync")
	wsOpts := ws.Options{
		Service:   svc,
		Registry:  reg,
		Validator: validator,
		Logger:    logger,
	}
	for _, fn := range configure {
		fn(&wsOpts)
	}
	router := httptransport.NewRouter(httptransport.Options{
		Service:            svc,
		Ready:              st,
		Validator:          validator,
		WebSocket:          ws.NewGateway(wsOpts),
		RateLimitPerMinute: 10000,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return &server{srv: srv, st: st, svc: svc, signer: authn.NewHMACSigner(testSecret, "msgsync")}
}

// client returns a REST client for user with a registered device.
func (s *server) client(t *testing.T, user uuid.UUID) *Client {
	t.Helper()
	tok, err := s.signer.Sign(user.String(), time.Hour, nil)
	require.NoError(t, err)
	c := New(Config{BaseURL: s.srv.URL + "/", Token: tok})
	key := "device-key-" + user.String()
	dev, err := c.RegisterDevice(context.Background(), "test", "pub", key)
	require.NoError(t, err)
	return New(Config{BaseURL: s.srv.URL, Token: tok, DeviceID: dev.ID, DeviceKey: key})
}

func TestRESTClientFlow(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	ac, bc := s.client(t, alice), s.client(t, bob)

	convA, err := ac.CreateConversation(ctx, bob)
	require.NoError(t, err)
	convB, err := bc.CreateConversation(ctx, alice)
	require.NoError(t, err)
	require.NotEqual(t, convA.ID, convB.ID)

	secret, err := envelope.NewSecret()
	require.NoError(t, err)
	ct, err := envelope.SealString("hello", secret)
	require.NoError(t, err)

	sent, err := ac.SendCiphertext(ctx, convA.ID, ct, "local-1")
	require.NoError(t, err)
	again, err := ac.SendCiphertext(ctx, convA.ID, ct, "local-1")
	require.NoError(t, err)
	require.Equal(t, sent.ID, again.ID)

	history, err := bc.History(ctx, convB.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "hello", Render(history[0], secret).Text)

	read, err := bc.MarkRead(ctx, history[0].ID)
	require.NoError(t, err)
	require.True(t, read.IsRead)

	n, err := bc.MarkConversationRead(ctx, convB.ID)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	convs, err := ac.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.NotNil(t, convs[0].LastMessage)

	devices, err := ac.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
}

func TestRESTErrorsClassify(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	c := s.client(t, uuid.New())

	_, err := c.SendCiphertext(ctx, uuid.New(), "x.y.z", "local-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.Status)
	require.ErrorIs(t, err, ErrRejected)

	require.NotErrorIs(t, &APIError{Status: http.StatusTooManyRequests}, ErrRejected)
	require.NotErrorIs(t, &APIError{Status: http.StatusUnauthorized}, ErrRejected)
	require.ErrorIs(t, &APIError{Status: http.StatusForbidden}, ErrRejected)
	require.NotErrorIs(t, &APIError{Status: http.StatusBadGateway}, ErrRejected)
	require.ErrorIs(t, &RemoteError{Code: events.CodeNotFound}, ErrRejected)
	require.NotErrorIs(t, &RemoteError{Code: events.CodeSendFailed}, ErrRejected)

	// Nothing listens here, so the error is a transport failure.
	down := New(Config{BaseURL: "http://127.0.0.1:1", Token: "x"})
	_, err = down.SendCiphertext(ctx, uuid.New(), "x.y.z", "local-2")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrRejected))
}

func TestConnSendAndReceive(t *testing.T) {
	s := newServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	alice, bob := uuid.New(), uuid.New()
	ac, bc := s.client(t, alice), s.client(t, bob)

	convA, err := ac.CreateConversation(ctx, bob)
	require.NoError(t, err)
	convB, err := bc.CreateConversation(ctx, alice)
	require.NoError(t, err)

	aconn, err := ac.Dial(ctx)
	require.NoError(t, err)
	defer aconn.Close()
	bconn, err := bc.Dial(ctx)
	require.NoError(t, err)
	defer bconn.Close()

	require.NoError(t, bconn.Join(ctx, convB.ID))
	waitFor(t, bconn, events.TypeJoined)

	secret, err := envelope.NewSecret()
	require.NoError(t, err)
	sent, err := aconn.Send(ctx, convA.ID, "over the socket", secret, "c-1")
	require.NoError(t, err)
	require.Equal(t, convA.ID, sent.ConversationID)

	got := waitFor(t, bconn, events.TypeMessageReceived)
	require.NotNil(t, got.Message)
	require.Equal(t, "over the socket", Render(*got.Message, secret).Text)

	require.NoError(t, bconn.MarkDelivered(ctx, got.Message.ID))
	delivered := waitFor(t, aconn, events.TypeMessageDelivered)
	require.Equal(t, sent.ID, delivered.Message.ID)
	require.Equal(t, domain.StateDelivered, delivered.Message.State())

	_, err = aconn.Send(ctx, uuid.New(), "nowhere", secret, "c-2")
	require.ErrorIs(t, err, ErrRejected)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, events.CodeNotFound, remote.Code)
}

func TestDialRejectsBadDeviceKey(t *testing.T) {
	s := newServer(t)
	c := s.client(t, uuid.New())
	c.deviceKey = "wrong"
	_, err := c.Dial(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrRejected)
}

func TestConnSendTimeoutKeepsEntryPending(t *testing.T) {
	s := newServer(t, func(o *ws.Options) { o.SendTimeout = 50 * time.Millisecond })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	alice := uuid.New()
	ac := s.client(t, alice)
	conv, err := ac.CreateConversation(ctx, uuid.New())
	require.NoError(t, err)
	conn, err := ac.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()
	secret, err := envelope.NewSecret()
	require.NoError(t, err)

	outbox, err := OpenOutbox(filepath.Join(t.TempDir(), "outbox.json"), OutboxOptions{})
	require.NoError(t, err)
	localID, err := outbox.Enqueue(conv.ID, "stalled")
	require.NoError(t, err)
	send := func(ctx context.Context, e Entry) error {
		_, err := conn.Send(ctx, e.ConversationID, e.Payload, secret, e.LocalID)
		return err
	}

	// Holding the single sqlite connection stalls the server past its send
	// timeout.
	tx := s.st.DB.Begin()
	require.NoError(t, tx.Error)
	report, err := outbox.Drain(ctx, send)
	require.NoError(t, tx.Rollback().Error)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, events.CodeSendFailed, remote.Code)
	require.NotErrorIs(t, err, ErrRejected)
	require.Empty(t, report.Sent)
	require.Equal(t, 1, report.Remaining)
	entries := outbox.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, localID, entries[0].LocalID)
	require.Equal(t, EntryPending, entries[0].Status)
	require.Equal(t, 1, entries[0].Attempts)

	report, err = outbox.Drain(ctx, send)
	require.NoError(t, err)
	require.Equal(t, []string{localID}, report.Sent)
	require.Zero(t, report.Remaining)
}

func TestDrainKeepsEntriesOnExpiredToken(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	alice := uuid.New()
	ac := s.client(t, alice)
	conv, err := ac.CreateConversation(ctx, uuid.New())
	require.NoError(t, err)

	expired, err := s.signer.Sign(alice.String(), -time.Minute, nil)
	require.NoError(t, err)
	stale := New(Config{BaseURL: s.srv.URL, Token: expired})

	outbox, err := OpenOutbox(filepath.Join(t.TempDir(), "outbox.json"), OutboxOptions{})
	require.NoError(t, err)
	_, err = outbox.Enqueue(conv.ID, "a.b.c")
	require.NoError(t, err)
	_, err = outbox.Enqueue(conv.ID, "d.e.f")
	require.NoError(t, err)

	report, err := outbox.Drain(ctx, func(ctx context.Context, e Entry) error {
		_, err := stale.SendCiphertext(ctx, e.ConversationID, e.Payload, e.LocalID)
		return err
	})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
	require.Empty(t, report.Failed)
	require.Equal(t, 2, report.Remaining)
	for _, e := range outbox.Entries() {
		require.Equal(t, EntryPending, e.Status)
	}
}

func waitFor(t *testing.T, c *Conn, typ events.Type) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			require.True(t, ok, "connection closed waiting for %s", typ)
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestWebsocketURL(t *testing.T) {
	id := uuid.New()
	got, err := websocketURL("https://chat.example.com/api/", id)
	require.NoError(t, err)
	require.Equal(t, "wss://chat.example.com/api/ws?device="+id.String(), got)

	_, err = websocketURL("ftp://x", id)
	require.Error(t, err)
	_, err = websocketURL("", id)
	require.Error(t, err)
}
