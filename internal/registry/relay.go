package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"msgsync/internal/events"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix  = "msgsync:user:"
	publishTimeout = 2 * time.Second
)

// relayMessage is what instances exchange over redis.
type relayMessage struct {
	Origin         string          `json:"origin"`
	UserID         uuid.UUID       `json:"userId"`
	ConversationID *uuid.UUID      `json:"conversationId,omitempty"`
	Type           events.Type     `json:"type"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// Relay fans events out to sessions held by other instances. Every event is
// delivered to local sessions first and then published on the user's redis
// channel; other instances deliver it to their own local sessions.
type Relay struct {
	local  *Registry
	rdb    *redis.Client
	origin string
	log    *slog.Logger

	mu  sync.Mutex
	sub *redis.PubSub
	wg  sync.WaitGroup
}

func NewRelay(local *Registry, rdb *redis.Client, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		local:  local,
		rdb:    rdb,
		origin: uuid.NewString(),
		log:    logger,
	}
}

// Local returns the wrapped process-local registry.
func (r *Relay) Local() *Registry { return r.local }

// Start subscribes to every user channel and returns once the subscription is
// confirmed. Remote events are delivered until ctx ends or Close is called.
func (r *Relay) Start(ctx context.Context) error {
	sub := r.rdb.PSubscribe(ctx, channelPrefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("relay: subscribe: %w", err)
	}
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.handle(msg.Payload)
			}
		}
	}()
	return nil
}

func (r *Relay) Close() error {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub == nil {
		return nil
	}
	err := sub.Close()
	r.wg.Wait()
	return err
}

func (r *Relay) BroadcastToUser(userID uuid.UUID, ev events.Outbound) (int, error) {
	n, err := r.local.BroadcastToUser(userID, ev)
	if pubErr := r.publish(userID, nil, ev); pubErr != nil {
		r.log.Warn("relay: publish failed", "user_id", userID, "type", ev.Type, "error", pubErr)
	}
	if errors.Is(err, ErrTransportUnavailable) {
		// Remote sessions may still receive it; the local view is what we report.
		return 0, err
	}
	return n, err
}

func (r *Relay) PublishToTopic(userID, convID uuid.UUID, ev events.Outbound) int {
	n := r.local.PublishToTopic(userID, convID, ev)
	if err := r.publish(userID, &convID, ev); err != nil {
		r.log.Warn("relay: publish failed", "user_id", userID, "conversation_id", convID, "type", ev.Type, "error", err)
	}
	return n
}

func (r *Relay) publish(userID uuid.UUID, convID *uuid.UUID, ev events.Outbound) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(relayMessage{
		Origin:         r.origin,
		UserID:         userID,
		ConversationID: convID,
		Type:           ev.Type,
		Data:           data,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.rdb.Publish(ctx, channelPrefix+userID.String(), payload).Err()
}

func (r *Relay) handle(payload string) {
	var msg relayMessage
	if err := json.NewDecoder(strings.NewReader(payload)).Decode(&msg); err != nil {
		r.log.Warn("relay: bad payload", "error", err)
		return
	}
	if msg.Origin == r.origin {
		return
	}
	ev := events.Outbound{Type: msg.Type, Data: msg.Data}
	if msg.ConversationID != nil {
		r.local.PublishToTopic(msg.UserID, *msg.ConversationID, ev)
		return
	}
	_, _ = r.local.BroadcastToUser(msg.UserID, ev)
}
