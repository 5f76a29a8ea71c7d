package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"msgsync/internal/domain"
	"msgsync/internal/events"
	"msgsync/internal/service"

	"github.com/google/uuid"
)

func TestHistoryFetchMarksDelivered(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	a, b, convA, convB := f.pair(t)
	res := f.send(t, a, convA.ID, "aa.bb.cc")

	// The sender reading their own history changes nothing.
	if _, err := f.svc.History(ctx, a, convA.ID, 0, 0); err != nil {
		t.Fatalf("sender history: %v", err)
	}
	own, _ := f.svc.Message(ctx, a, res.Message.ID)
	if own.State() != domain.StateSent {
		t.Fatalf("sender fetch changed state to %s", own.State())
	}

	page, err := f.svc.History(ctx, b, convB.ID, 0, 0)
	if err != nil {
		t.Fatalf("recipient history: %v", err)
	}
	if len(page) != 1 || page[0].State() != domain.StateDelivered {
		t.Fatalf("expected one delivered message, got %+v", page)
	}
	own, _ = f.svc.Message(ctx, a, res.Message.ID)
	if own.State() != domain.StateDelivered {
		t.Fatalf("sender copy should be delivered, got %s", own.State())
	}
	if len(f.notify.find(a, events.TypeMessageDelivered)) != 1 {
		t.Fatalf("sender should be notified of delivery")
	}
}

func TestHistoryPaging(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	a, _, convA, _ := f.pair(t)
	for i := 0; i < 5; i++ {
		f.send(t, a, convA.ID, fmt.Sprintf("m%d", i))
	}

	page, err := f.svc.History(ctx, a, convA.ID, 2, 1)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page) != 2 || page[0].Ciphertext != "m1" || page[1].Ciphertext != "m2" {
		t.Fatalf("unexpected page %+v", page)
	}

	page, err = f.svc.History(ctx, a, convA.ID, 0, -3)
	if err != nil || len(page) != 5 || page[0].Ciphertext != "m0" {
		t.Fatalf("default page: %d rows err=%v", len(page), err)
	}
}

func TestHistoryLimitIsCapped(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	a := uuid.New()
	svc := service.New(f.st, f.notify, service.Options{HistoryDefaultLimit: 2, HistoryMaxLimit: 3})
	conv, _, _, err := svc.GetOrCreatePair(ctx, a, uuid.New())
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := svc.Send(ctx, service.SendInput{SenderID: a, ConversationID: conv.ID, Ciphertext: fmt.Sprint(i)}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if page, _ := svc.History(ctx, a, conv.ID, 0, 0); len(page) != 2 {
		t.Fatalf("default limit: got %d", len(page))
	}
	if page, _ := svc.History(ctx, a, conv.ID, 100, 0); len(page) != 3 {
		t.Fatalf("max limit: got %d", len(page))
	}
}

func TestHistoryRejectsOtherUsersConversation(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	_, b, convA, _ := f.pair(t)
	if _, err := f.svc.History(ctx, b, convA.ID, 0, 0); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := f.svc.History(ctx, b, uuid.New(), 0, 0); !errors.Is(err, domain.ErrConversationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteMessageRemovesOnlyOwnCopy(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	a, b, convA, _ := f.pair(t)
	res := f.send(t, a, convA.ID, "aa.bb.cc")

	if err := f.svc.DeleteMessage(ctx, b, res.Message.ID); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := f.svc.DeleteMessage(ctx, a, res.Message.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.svc.Message(ctx, a, res.Message.ID); !errors.Is(err, domain.ErrMessageNotFound) {
		t.Fatalf("expected own copy gone, got %v", err)
	}
	if _, err := f.svc.Message(ctx, b, res.Mirror.ID); err != nil {
		t.Fatalf("recipient copy should remain: %v", err)
	}
}
