package service_test

import (
	"context"
	"errors"
	"testing"

	"msgsync/internal/domain"
	"msgsync/internal/service"

	"github.com/google/uuid"
)

func TestDeviceLifecycle(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	user := uuid.New()
	if err := f.svc.EnsureUser(ctx, user, "alice"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if err := f.svc.EnsureUser(ctx, user, "alice"); err != nil {
		t.Fatalf("ensure user twice: %v", err)
	}

	device, err := f.svc.RegisterDevice(ctx, service.RegisterDeviceInput{
		UserID:     user,
		Name:       "laptop",
		PublicKey:  "pub",
		PrivateKey: "device-secret",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if device.PrivateKeyHash == "device-secret" || device.PrivateKeyHash == "" {
		t.Fatalf("private key must be stored hashed")
	}

	got, err := f.svc.AuthenticateDevice(ctx, user, device.ID, "device-secret")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.LastSeenAt == nil {
		t.Fatalf("authentication should stamp last seen")
	}

	if _, err := f.svc.AuthenticateDevice(ctx, user, device.ID, "wrong"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("wrong key: expected unauthorized, got %v", err)
	}
	if _, err := f.svc.AuthenticateDevice(ctx, uuid.New(), device.ID, "device-secret"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("other user: expected unauthorized, got %v", err)
	}
	if _, err := f.svc.AuthenticateDevice(ctx, user, uuid.New(), "device-secret"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("unknown device: expected unauthorized, got %v", err)
	}

	if err := f.svc.RevokeDevice(ctx, uuid.New(), device.ID); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("revoke by other user: expected unauthorized, got %v", err)
	}
	if err := f.svc.RevokeDevice(ctx, user, device.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := f.svc.AuthenticateDevice(ctx, user, device.ID, "device-secret"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("revoked device: expected unauthorized, got %v", err)
	}
	if err := f.svc.RevokeDevice(ctx, user, uuid.New()); !errors.Is(err, domain.ErrDeviceNotFound) {
		t.Fatalf("expected device not found, got %v", err)
	}

	list, err := f.svc.ListDevices(ctx, user)
	if err != nil || len(list) != 1 || list[0].IsActive {
		t.Fatalf("expected one inactive device, got %+v err=%v", list, err)
	}
}

func TestRegisterDeviceValidates(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	for name, in := range map[string]service.RegisterDeviceInput{
		"no user":        {Name: "x", PublicKey: "p", PrivateKey: "k"},
		"no name":        {UserID: uuid.New(), Name: "  ", PublicKey: "p", PrivateKey: "k"},
		"no public key":  {UserID: uuid.New(), Name: "x", PrivateKey: "k"},
		"no private key": {UserID: uuid.New(), Name: "x", PublicKey: "p"},
	} {
		if _, err := f.svc.RegisterDevice(ctx, in); !errors.Is(err, domain.ErrInvalidRequest) {
			t.Fatalf("%s: expected invalid request, got %v", name, err)
		}
	}
}
