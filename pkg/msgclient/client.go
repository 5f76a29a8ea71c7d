// Package msgclient is the device side of msgsync: an HTTP and websocket
// client, the offline send queue, the local timeline and the msgctl CLI.
package msgclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"msgsync/internal/domain"

	"github.com/google/uuid"
)

// ErrRejected marks a send the server refused for good. Retrying it cannot
// succeed, so the outbox marks it failed instead of stopping the drain.
var ErrRejected = errors.New("msgclient: rejected by server")

// APIError is a non-2xx response from the REST API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed (%d): %s", e.Status, e.Message)
}

// Unwrap reports client errors as ErrRejected. An expired token, a timeout
// and throttling are transient: the send can succeed on a later attempt.
func (e *APIError) Unwrap() error {
	if e.Status < 400 || e.Status >= 500 {
		return nil
	}
	switch e.Status {
	case http.StatusUnauthorized, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return nil
	default:
		return ErrRejected
	}
}

type Config struct {
	BaseURL   string
	Token     string
	DeviceID  uuid.UUID
	DeviceKey string
	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client
}

type Client struct {
	base      string
	token     string
	deviceID  uuid.UUID
	deviceKey string
	http      *http.Client
}

func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		base:      normalizeBaseURL(cfg.BaseURL),
		token:     strings.TrimSpace(cfg.Token),
		deviceID:  cfg.DeviceID,
		deviceKey: cfg.DeviceKey,
		http:      hc,
	}
}

type conversationEnvelope struct {
	Conversation domain.Conversation `json:"conversation"`
	Warning      string              `json:"warning,omitempty"`
}

type sendEnvelope struct {
	Message   domain.Message `json:"message"`
	Duplicate bool           `json:"duplicate,omitempty"`
	Warning   string         `json:"warning,omitempty"`
}

// CreateConversation opens (or returns) the caller's conversation with
// counterparty.
func (c *Client) CreateConversation(ctx context.Context, counterparty uuid.UUID) (domain.Conversation, error) {
	var out conversationEnvelope
	err := c.do(ctx, http.MethodPost, "/v1/conversations", map[string]uuid.UUID{"counterpartyId": counterparty}, &out)
	return out.Conversation, err
}

func (c *Client) Conversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	var out []domain.ConversationSummary
	err := c.do(ctx, http.MethodGet, "/v1/conversations", nil, &out)
	return out, err
}

func (c *Client) History(ctx context.Context, convID uuid.UUID, limit, offset int) ([]domain.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/v1/conversations/" + convID.String() + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []domain.Message
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// SendCiphertext posts an envelope sealed on the device. clientID makes the
// request safe to retry.
func (c *Client) SendCiphertext(ctx context.Context, convID uuid.UUID, ciphertext, clientID string) (domain.Message, error) {
	var out sendEnvelope
	err := c.do(ctx, http.MethodPost, "/v1/messages", map[string]any{
		"conversationId":  convID,
		"ciphertext":      ciphertext,
		"clientMessageId": clientID,
	}, &out)
	return out.Message, err
}

func (c *Client) MarkDelivered(ctx context.Context, messageID uuid.UUID) (domain.Message, error) {
	var out domain.Message
	err := c.do(ctx, http.MethodPost, "/v1/messages/"+messageID.String()+"/delivered", nil, &out)
	return out, err
}

func (c *Client) MarkRead(ctx context.Context, messageID uuid.UUID) (domain.Message, error) {
	var out domain.Message
	err := c.do(ctx, http.MethodPost, "/v1/messages/"+messageID.String()+"/read", nil, &out)
	return out, err
}

func (c *Client) MarkConversationRead(ctx context.Context, convID uuid.UUID) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/conversations/"+convID.String()+"/read", nil, &out)
	return out.Count, err
}

func (c *Client) RegisterDevice(ctx context.Context, name, publicKey, privateKey string) (domain.Device, error) {
	var out domain.Device
	err := c.do(ctx, http.MethodPost, "/v1/devices", map[string]string{
		"name":       name,
		"publicKey":  publicKey,
		"privateKey": privateKey,
	}, &out)
	return out, err
}

func (c *Client) Devices(ctx context.Context) ([]domain.Device, error) {
	var out []domain.Device
	err := c.do(ctx, http.MethodGet, "/v1/devices", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if len(data) == 0 {
			data = []byte(resp.Status)
		}
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func normalizeBaseURL(in string) string {
	return strings.TrimRight(strings.TrimSpace(in), "/")
}

func websocketURL(base string, deviceID uuid.UUID) (string, error) {
	base = normalizeBaseURL(base)
	if base == "" {
		return "", fmt.Errorf("messages base URL missing")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %s", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("device", deviceID.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}
