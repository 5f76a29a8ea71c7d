package service_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"msgsync/internal/domain"
	"msgsync/internal/events"
	"msgsync/internal/service"
	"msgsync/internal/store"

	"github.com/google/uuid"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

// Now advances one second per call so every write gets a distinct time.
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type pushed struct {
	user  uuid.UUID
	conv  uuid.UUID
	topic bool
	ev    events.Outbound
}

type recordingNotifier struct {
	mu     sync.Mutex
	pushes []pushed
}

func (r *recordingNotifier) BroadcastToUser(userID uuid.UUID, ev events.Outbound) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, pushed{user: userID, ev: ev})
	return 1, nil
}

func (r *recordingNotifier) PublishToTopic(userID, convID uuid.UUID, ev events.Outbound) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, pushed{user: userID, conv: convID, topic: true, ev: ev})
	return 1
}

func (r *recordingNotifier) find(user uuid.UUID, typ events.Type) []pushed {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []pushed
	for _, p := range r.pushes {
		if p.user == user && p.ev.Type == typ {
			out = append(out, p)
		}
	}
	return out
}

type fixture struct {
	svc    *service.Service
	st     *store.Store
	notify *recordingNotifier
}

func setup(t *testing.T, heal bool) fixture {
	t.Helper()
	db, err := store.Open(store.OpenConfig{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	notify := &recordingNotifier{}
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	svc := service.New(st, notify, service.Options{
		HealMirrors:         heal,
		HistoryDefaultLimit: 50,
		HistoryMaxLimit:     100,
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:               clock.Now,
	})
	return fixture{svc: svc, st: st, notify: notify}
}

func (f fixture) pair(t *testing.T) (a, b uuid.UUID, convA, convB domain.Conversation) {
	t.Helper()
	a, b = uuid.New(), uuid.New()
	convA, convB, outcome, err := f.svc.GetOrCreatePair(context.Background(), a, b)
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	if outcome.Warning != nil {
		t.Fatalf("unexpected warning on fresh pair: %v", outcome.Warning)
	}
	return a, b, convA, convB
}

func (f fixture) send(t *testing.T, sender, convID uuid.UUID, body string) service.SendResult {
	t.Helper()
	res, err := f.svc.Send(context.Background(), service.SendInput{
		SenderID:       sender,
		ConversationID: convID,
		Ciphertext:     body,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return res
}

func (f fixture) countMessages(t *testing.T, convID uuid.UUID) int {
	t.Helper()
	var n int64
	if err := f.st.DB.Model(&domain.Message{}).Where("conversation_id = ?", convID).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return int(n)
}

// dropConversation removes a single side directly, simulating corruption.
func (f fixture) dropConversation(t *testing.T, id uuid.UUID) {
	t.Helper()
	if _, err := f.st.Conversations().Delete(context.Background(), []uuid.UUID{id}); err != nil {
		t.Fatalf("drop conversation: %v", err)
	}
}
