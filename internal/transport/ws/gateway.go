// Package ws serves the realtime websocket endpoint. Each connection is one
// device session registered with the connection registry.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"msgsync/internal/authn"
	"msgsync/internal/domain"
	"msgsync/internal/events"
	"msgsync/internal/registry"
	"msgsync/internal/service"
	"msgsync/pkg/envelope"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// DeviceKeyHeader carries the device private key on the upgrade request.
const DeviceKeyHeader = "X-Device-Key"

type Options struct {
	Service   *service.Service
	Registry  *registry.Registry
	Validator authn.Validator

	SendTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	SessionBuffer  int
	OriginPatterns []string
	Logger         *slog.Logger
}

type Gateway struct {
	svc  *service.Service
	reg  *registry.Registry
	auth authn.Validator
	opts Options
	log  *slog.Logger
}

func NewGateway(opts Options) *Gateway {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 * 1024
	}
	if opts.SessionBuffer <= 0 {
		opts.SessionBuffer = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		svc:  opts.Service,
		reg:  opts.Registry,
		auth: opts.Validator,
		opts: opts,
		log:  logger,
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	identity, err := authn.Authenticate(r, g.auth)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	deviceID, err := uuid.Parse(r.URL.Query().Get("device"))
	if err != nil {
		http.Error(w, "invalid device", http.StatusBadRequest)
		return
	}
	key := strings.TrimSpace(r.Header.Get(DeviceKeyHeader))
	if key == "" {
		key = r.URL.Query().Get("deviceKey")
	}
	device, err := g.svc.AuthenticateDevice(r.Context(), identity.UserID, deviceID, key)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrUnauthorized) {
			status = http.StatusForbidden
		}
		g.log.Warn("ws: device authentication failed", "user_id", identity.UserID, "device_id", deviceID, "error", err)
		http.Error(w, "device authentication failed", status)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: g.opts.OriginPatterns})
	if err != nil {
		g.log.Warn("ws: handshake failed", "user_id", identity.UserID, "error", err)
		return
	}
	conn.SetReadLimit(g.opts.ReadLimit)

	g.serve(r.Context(), conn, identity.UserID, device.ID)
}

func (g *Gateway) serve(parent context.Context, conn *websocket.Conn, userID, deviceID uuid.UUID) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s := newSession(conn, userID, deviceID, g.opts.SessionBuffer, g.opts.WriteTimeout, g.log)
	go s.writeLoop(ctx)

	g.reg.Register(userID, s)
	s.log.Info("ws: session opened")
	defer func() {
		g.reg.Unregister(userID, s)
		s.shutdown()
		tctx, tcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer tcancel()
		if err := g.svc.TouchDevice(tctx, deviceID); err != nil {
			s.log.Warn("ws: touch device on close", "error", err)
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.log.Info("ws: session closed")
	}()

	_ = s.Send(events.NewConnected(s.id, userID, deviceID))

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.log.Debug("ws: read ended", "close_status", websocket.CloseStatus(err), "error", err)
			return
		}
		if typ != websocket.MessageText {
			_ = s.Send(events.NewError(events.CodeInvalidRequest, "binary frames are not supported", ""))
			continue
		}
		ev, err := events.ParseInbound(data)
		if err != nil {
			_ = s.Send(events.NewError(events.CodeInvalidRequest, err.Error(), ""))
			continue
		}
		g.dispatch(ctx, s, ev)
	}
}

func (g *Gateway) dispatch(ctx context.Context, s *session, ev events.Inbound) {
	switch e := ev.(type) {
	case events.JoinConversation:
		if _, err := g.svc.Conversation(ctx, s.userID, e.ConversationID); err != nil {
			g.reply(s, err)
			return
		}
		if err := g.reg.JoinTopic(s, e.ConversationID); err != nil {
			g.reply(s, err)
			return
		}
		_ = s.Send(events.NewJoined(e.ConversationID))

	case events.LeaveConversation:
		g.reg.LeaveTopic(s, e.ConversationID)

	case events.SendMessage:
		g.sendMessage(ctx, s, e)

	case events.MarkDelivered:
		if _, err := g.svc.MarkDelivered(ctx, s.userID, e.MessageID); err != nil {
			g.reply(s, err)
		}

	case events.MarkRead:
		if _, err := g.svc.MarkRead(ctx, s.userID, e.MessageID); err != nil {
			g.reply(s, err)
		}

	case events.MarkConversationRead:
		if _, err := g.svc.MarkConversationRead(ctx, s.userID, e.ConversationID); err != nil {
			g.reply(s, err)
		}
	}
}

// sendMessage persists and fans out under the send timeout. Any failure the
// device could retry is reported as send_failed so it queues the message.
func (g *Gateway) sendMessage(ctx context.Context, s *session, e events.SendMessage) {
	secret, err := envelope.ParseSecret(e.SharedSecret)
	if err != nil {
		_ = s.Send(events.NewError(events.CodeDecryption, err.Error(), e.ClientMessageID))
		return
	}
	sctx, cancel := context.WithTimeout(ctx, g.opts.SendTimeout)
	defer cancel()

	res, err := g.svc.SendPlaintext(sctx, s.userID, e.ConversationID, e.Content, secret, e.ClientMessageID)
	if err != nil {
		code := events.ErrorCode(err)
		if code == events.CodeInternal {
			code = events.CodeSendFailed
		}
		s.log.Warn("ws: send failed", "conversation_id", e.ConversationID, "client_message_id", e.ClientMessageID, "error", err)
		_ = s.Send(events.NewError(code, err.Error(), e.ClientMessageID))
		return
	}
	if res.Warning != nil {
		s.log.Warn("ws: message stored without fanout", "message_id", res.Message.ID, "warning", res.Warning)
	}
	_ = s.Send(events.NewMessageSent(res.Message))
}

func (g *Gateway) reply(s *session, err error) {
	code := events.ErrorCode(err)
	if code == events.CodeInternal {
		s.log.Error("ws: request failed", "error", err)
		_ = s.Send(events.NewError(code, "internal error", ""))
		return
	}
	_ = s.Send(events.NewError(code, err.Error(), ""))
}
