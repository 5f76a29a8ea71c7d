package msgclient

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"msgsync/internal/authn"
	"msgsync/internal/events"
	"msgsync/pkg/envelope"

	"github.com/google/uuid"
)

const (
	defaultStatePath = "msgctl-state.json"
	defaultBaseURL   = "http://localhost:8084"
	defaultIssuer    = "msgsync"
)

func RunCLI(prog string, args []string, stderr io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runCLI(ctx, prog, args, os.Stdout, stderr)
}

func runCLI(ctx context.Context, prog string, args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		return UsageError{Program: prog}
	}
	cmd := args[0]
	rest := args[1:]
	c := &cli{stdout: stdout}
	var err error
	switch cmd {
	case "token":
		err = c.runToken(rest)
	case "device":
		err = c.runDevice(ctx, rest)
	case "pair":
		err = c.runPair(ctx, rest)
	case "send":
		err = c.runSend(ctx, rest)
	case "drain":
		err = c.runDrain(ctx, rest)
	case "queue":
		err = c.runQueue(rest)
	case "listen":
		err = c.runListen(ctx, rest)
	case "history":
		err = c.runHistory(ctx, rest)
	default:
		return UsageError{Program: prog}
	}
	if err != nil {
		if stderr == nil {
			stderr = os.Stderr
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	return err
}

type UsageError struct {
	Program string
}

func (u UsageError) Error() string {
	if u.Program == "" {
		u.Program = "msgctl"
	}
	return fmt.Sprintf("Usage: %s <command> [options]", u.Program)
}

func (UsageError) UsageLines() []string {
	return []string{
		"Commands:",
		"  token     Mint a development token and store it in the state file",
		"  device    Register this device",
		"  pair      Open a conversation with another user and store its secret",
		"  send      Encrypt and send a message, queueing it when offline",
		"  drain     Replay queued messages",
		"  queue     List, retry or remove queued messages",
		"  listen    Receive messages live and acknowledge delivery",
		"  history   Show a conversation including queued messages",
	}
}

// stateFile is the device's local state. Secrets maps a conversation id to
// the hex shared secret for it.
type stateFile struct {
	BaseURL    string            `json:"base_url"`
	UserID     string            `json:"user_id,omitempty"`
	Token      string            `json:"token,omitempty"`
	DeviceID   string            `json:"device_id,omitempty"`
	DeviceKey  string            `json:"device_key,omitempty"`
	Secrets    map[string]string `json:"secrets,omitempty"`
	OutboxPath string            `json:"outbox_path,omitempty"`

	path string
}

func loadState(path string) (*stateFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s stateFile
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("read state %s: %w", path, err)
	}
	if s.Secrets == nil {
		s.Secrets = map[string]string{}
	}
	s.path = path
	return &s, nil
}

func (s *stateFile) save() error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *stateFile) client() (*Client, error) {
	if s.Token == "" {
		return nil, errors.New("no token in state, run token first")
	}
	var deviceID uuid.UUID
	if s.DeviceID != "" {
		id, err := uuid.Parse(s.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("invalid device id in state: %w", err)
		}
		deviceID = id
	}
	return New(Config{BaseURL: s.BaseURL, Token: s.Token, DeviceID: deviceID, DeviceKey: s.DeviceKey}), nil
}

func (s *stateFile) outbox() (*Outbox, error) {
	path := s.OutboxPath
	if path == "" {
		path = strings.TrimSuffix(s.path, filepath.Ext(s.path)) + ".outbox.json"
	}
	return OpenOutbox(path, OutboxOptions{MaxAge: 24 * time.Hour})
}

func (s *stateFile) secret(convID uuid.UUID) (envelope.Secret, error) {
	hexKey, ok := s.Secrets[convID.String()]
	if !ok {
		return envelope.Secret{}, fmt.Errorf("no shared secret for conversation %s, run pair first", convID)
	}
	return envelope.ParseSecret(hexKey)
}

type cli struct {
	stdout io.Writer
}

func (c *cli) flags(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	statePath := fs.String("state", getenv("MSGCTL_STATE_PATH", defaultStatePath), "state file path")
	return fs, statePath
}

func (c *cli) runToken(args []string) error {
	fs, statePath := c.flags("token")
	baseURL := fs.String("url", getenv("MSGCTL_BASE_URL", defaultBaseURL), "messages service base URL")
	user := fs.String("user", "", "user UUID (generated when empty)")
	handle := fs.String("handle", "", "user handle")
	secret := fs.String("secret", os.Getenv("MSGCTL_JWT_SECRET"), "HS256 signing secret")
	issuer := fs.String("issuer", getenv("MSGCTL_JWT_ISSUER", defaultIssuer), "token issuer")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" {
		return errors.New("signing secret is required (--secret or MSGCTL_JWT_SECRET)")
	}
	userID := uuid.New()
	if *user != "" {
		id, err := uuid.Parse(*user)
		if err != nil {
			return fmt.Errorf("invalid user id: %w", err)
		}
		userID = id
	}

	state, err := loadState(*statePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		state = &stateFile{Secrets: map[string]string{}, path: *statePath}
	case err != nil:
		return err
	}
	if *user == "" && state.UserID != "" {
		if id, err := uuid.Parse(state.UserID); err == nil {
			userID = id
		}
	}

	var claims map[string]any
	if *handle != "" {
		claims = map[string]any{"handle": *handle}
	}
	tok, err := authn.NewHMACSigner(*secret, *issuer).Sign(userID.String(), *ttl, claims)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	state.BaseURL = normalizeBaseURL(*baseURL)
	state.UserID = userID.String()
	state.Token = tok
	if err := state.save(); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "user=%s\n", userID)
	return nil
}

func (c *cli) runDevice(ctx context.Context, args []string) error {
	fs, statePath := c.flags("device")
	name := fs.String("name", "msgctl", "device name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	state, err := loadState(*statePath)
	if err != nil {
		return err
	}
	client, err := state.client()
	if err != nil {
		return err
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	key := base64.StdEncoding.EncodeToString(priv.Seed())
	dev, err := client.RegisterDevice(ctx, *name, base64.StdEncoding.EncodeToString(pub), key)
	if err != nil {
		return err
	}
	state.DeviceID = dev.ID.String()
	state.DeviceKey = key
	if err := state.save(); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "device registered: user=%s device=%s\n", dev.UserID, dev.ID)
	return nil
}

func (c *cli) runPair(ctx context.Context, args []string) error {
	fs, statePath := c.flags("pair")
	with := fs.String("with", "", "counterparty user UUID")
	secretHex := fs.String("secret", "", "hex shared secret (generated when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	counterparty, err := uuid.Parse(*with)
	if err != nil {
		return fmt.Errorf("invalid counterparty id: %w", err)
	}
	var secret envelope.Secret
	if *secretHex != "" {
		secret, err = envelope.ParseSecret(*secretHex)
	} else {
		secret, err = envelope.NewSecret()
	}
	if err != nil {
		return err
	}
	state, err := loadState(*statePath)
	if err != nil {
		return err
	}
	client, err := state.client()
	if err != nil {
		return err
	}
	conv, err := client.CreateConversation(ctx, counterparty)
	if err != nil {
		return err
	}
	state.Secrets[conv.ID.String()] = secret.String()
	if err := state.save(); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "conversation=%s\n", conv.ID)
	if *secretHex == "" {
		fmt.Fprintf(c.stdout, "secret=%s (share with %s out of band)\n", secret, counterparty)
	}
	return nil
}

// runSend seals the message, queues it durably and drains the queue. A send
// the server cannot be reached for stays queued as pending.
func (c *cli) runSend(ctx context.Context, args []string) error {
	fs, statePath := c.flags("send")
	convStr := fs.String("conv", "", "conversation UUID")
	message := fs.String("message", "", "message plaintext (if empty, read stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	convID, err := uuid.Parse(*convStr)
	if err != nil {
		return fmt.Errorf("invalid conversation id: %w", err)
	}
	plaintext, err := resolvePlaintext(*message)
	if err != nil {
		return err
	}
	if plaintext == "" {
		return errors.New("message must not be empty")
	}
	state, err := loadState(*statePath)
	if err != nil {
		return err
	}
	secret, err := state.secret(convID)
	if err != nil {
		return err
	}
	ciphertext, err := envelope.SealString(plaintext, secret)
	if err != nil {
		return err
	}
	outbox, err := state.outbox()
	if err != nil {
		return err
	}
	localID, err := outbox.Enqueue(convID, ciphertext)
	if err != nil {
		return err
	}
	client, err := state.client()
	if err != nil {
		return err
	}
	report, err := outbox.Drain(ctx, sendVia(client))
	switch {
	case contains(report.Sent, localID):
		fmt.Fprintf(c.stdout, "sent %s\n", localID)
		return nil
	case contains(report.Failed, localID):
		return fmt.Errorf("message %s rejected: %s", localID, lastError(outbox, localID))
	case err != nil:
		fmt.Fprintf(c.stdout, "queued %s (offline: %v)\n", localID, err)
		return nil
	default:
		fmt.Fprintf(c.stdout, "queued %s\n", localID)
		return nil
	}
}

func (c *cli) runDrain(ctx context.Context, args []string) error {
	fs, statePath := c.flags("drain")
	if err := fs.Parse(args); err != nil {
		return err
	}
	state, err := loadState(*statePath)
	if err != nil {
		return err
	}
	client, err := state.client()
	if err != nil {
		return err
	}
	outbox, err := state.outbox()
	if err != nil {
		return err
	}
	report, err := outbox.Drain(ctx, sendVia(client))
	c.printReport(report)
	return err
}

func (c *cli) runQueue(args []string) error {
	fs, statePath := c.flags("queue")
	retry := fs.String("retry", "", "move a failed entry back to pending")
	remove := fs.String("remove", "", "drop an entry")
	clearAll := fs.Bool("clear", false, "drop every entry")
	if err := fs.Parse(args); err != nil {
		return err
	}
	state, err := loadState(*statePath)
	if err != nil {
		return err
	}
	outbox, err := state.outbox()
	if err != nil {
		return err
	}
	switch {
	case *clearAll:
		return outbox.Clear()
	case *retry != "":
		return outbox.Retry(*retry)
	case *remove != "":
		return outbox.Remove(*remove)
	}
	for _, e := range outbox.Entries() {
		line := fmt.Sprintf("%s %-7s conv=%s attempts=%d queued=%s", e.LocalID, e.Status, e.ConversationID, e.Attempts, e.CreatedAt.Format(time.RFC3339))
		if e.LastError != "" {
			line += " error=" + e.LastError
		}
		fmt.Fprintln(c.stdout, line)
	}
	return nil
}

// runListen keeps a websocket open, drains the outbox after every connect and
// prints incoming messages. It redials after the connection drops unless
// --reconnect is zero.
func (c *cli) runListen(ctx context.Context, args []string) error {
	fs, statePath := c.flags("listen")
	ack := fs.Bool("ack", true, "acknowledge delivery of received messages")
	reconnect := fs.Duration("reconnect", 5*time.Second, "delay before redialing, 0 to exit on disconnect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	state, err := loadState(*statePath)
	if err != nil {
		return err
	}
	if state.DeviceID == "" {
		return errors.New("no device in state, run device first")
	}
	client, err := state.client()
	if err != nil {
		return err
	}
	outbox, err := state.outbox()
	if err != nil {
		return err
	}
	l := &listener{cli: c, state: state, client: client, outbox: outbox, ack: *ack}
	for {
		err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if *reconnect <= 0 || errors.Is(err, ErrRejected) {
			return err
		}
		fmt.Fprintf(c.stdout, "disconnected: %v, retrying in %s\n", err, *reconnect)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(*reconnect):
		}
	}
}

type listener struct {
	cli    *cli
	state  *stateFile
	client *Client
	outbox *Outbox
	ack    bool
}

func (l *listener) session(ctx context.Context) error {
	conn, err := l.client.Dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	for _, id := range sortedKeys(l.state.Secrets) {
		convID, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		if err := conn.Join(ctx, convID); err != nil {
			return err
		}
	}
	report, err := l.outbox.Drain(ctx, sendVia(l.client))
	if err != nil && !errors.Is(err, ErrDrainInProgress) {
		fmt.Fprintf(l.cli.stdout, "drain stopped: %v\n", err)
	}
	if len(report.Sent)+len(report.Failed)+len(report.Expired) > 0 {
		l.cli.printReport(report)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-conn.Events():
			if !ok {
				return conn.Err()
			}
			l.handle(ctx, conn, ev)
		}
	}
}

func (l *listener) handle(ctx context.Context, conn *Conn, ev Event) {
	out := l.cli.stdout
	switch ev.Type {
	case events.TypeMessageReceived:
		if ev.Message == nil {
			return
		}
		m := *ev.Message
		text := UnreadableText
		if secret, err := l.state.secret(m.ConversationID); err == nil {
			text = Render(m, secret).Text
		}
		fmt.Fprintf(out, "[%s] %s: %s\n", m.CreatedAt.Format(time.RFC3339), m.SenderID, text)
		if l.ack {
			if err := conn.MarkDelivered(ctx, m.ID); err != nil {
				fmt.Fprintf(out, "ack failed: %v\n", err)
			}
		}
	case events.TypeMessageDelivered, events.TypeMessageRead:
		if ev.Message != nil {
			fmt.Fprintf(out, "%s %s\n", ev.Message.ID, ev.Message.State())
		}
	case events.TypeError:
		if ev.Error != nil {
			fmt.Fprintf(out, "server error %s: %s\n", ev.Error.Code, ev.Error.Message)
		}
	}
}

func (c *cli) runHistory(ctx context.Context, args []string) error {
	fs, statePath := c.flags("history")
	convStr := fs.String("conv", "", "conversation UUID")
	limit := fs.Int("limit", 0, "page size")
	offset := fs.Int("offset", 0, "page offset")
	if err := fs.Parse(args); err != nil {
		return err
	}
	convID, err := uuid.Parse(*convStr)
	if err != nil {
		return fmt.Errorf("invalid conversation id: %w", err)
	}
	state, err := loadState(*statePath)
	if err != nil {
		return err
	}
	secret, err := state.secret(convID)
	if err != nil {
		return err
	}
	client, err := state.client()
	if err != nil {
		return err
	}
	outbox, err := state.outbox()
	if err != nil {
		return err
	}
	msgs, err := client.History(ctx, convID, *limit, *offset)
	if err != nil {
		return err
	}
	for _, item := range BuildTimeline(msgs, QueuedFor(outbox.Entries(), convID)) {
		text := RenderEnvelope(item.Ciphertext, secret).Text
		switch item.State {
		case ItemConfirmed:
			fmt.Fprintf(c.stdout, "[%s] %s: %s (%s)\n", item.At.Format(time.RFC3339), item.Message.SenderID, text, item.Message.State())
		case ItemFailed:
			fmt.Fprintf(c.stdout, "[%s] me: %s (failed: %s)\n", item.At.Format(time.RFC3339), text, item.LastError)
		default:
			fmt.Fprintf(c.stdout, "[%s] me: %s (pending)\n", item.At.Format(time.RFC3339), text)
		}
	}
	return nil
}

func (c *cli) printReport(r DrainReport) {
	fmt.Fprintf(c.stdout, "sent=%d failed=%d expired=%d remaining=%d\n", len(r.Sent), len(r.Failed), len(r.Expired), r.Remaining)
}

// sendVia posts queued ciphertext over REST with the entry's LocalID as the
// clientMessageId.
func sendVia(client *Client) SendFunc {
	return func(ctx context.Context, e Entry) error {
		_, err := client.SendCiphertext(ctx, e.ConversationID, e.Payload, e.LocalID)
		return err
	}
}

func resolvePlaintext(arg string) (string, error) {
	if arg != "" {
		return arg, nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\n"), nil
}

func lastError(o *Outbox, localID string) string {
	for _, e := range o.Entries() {
		if e.LocalID == localID {
			return e.LastError
		}
	}
	return ""
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
