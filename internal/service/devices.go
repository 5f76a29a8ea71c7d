package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"msgsync/internal/authn"
	"msgsync/internal/domain"
	"msgsync/internal/store"

	"github.com/google/uuid"
)

// EnsureUser records a user the first time it is seen. The handle defaults
// to the id.
func (s *Service) EnsureUser(ctx context.Context, id uuid.UUID, handle string) error {
	if id == uuid.Nil {
		return fmt.Errorf("%w: user id is required", domain.ErrInvalidRequest)
	}
	handle = strings.TrimSpace(handle)
	if handle == "" {
		handle = id.String()
	}
	err := s.store.Users().Ensure(ctx, domain.User{ID: id, Handle: handle, CreatedAt: s.timestamp()})
	if store.IsDuplicate(err) {
		return fmt.Errorf("%w: handle %q is taken", domain.ErrInvalidRequest, handle)
	}
	return err
}

type RegisterDeviceInput struct {
	UserID     uuid.UUID
	Name       string
	PublicKey  string
	PrivateKey string
}

func (s *Service) RegisterDevice(ctx context.Context, in RegisterDeviceInput) (domain.Device, error) {
	name := strings.TrimSpace(in.Name)
	switch {
	case in.UserID == uuid.Nil:
		return domain.Device{}, fmt.Errorf("%w: user id is required", domain.ErrInvalidRequest)
	case name == "":
		return domain.Device{}, fmt.Errorf("%w: device name is required", domain.ErrInvalidRequest)
	case strings.TrimSpace(in.PublicKey) == "":
		return domain.Device{}, fmt.Errorf("%w: public key is required", domain.ErrInvalidRequest)
	case in.PrivateKey == "":
		return domain.Device{}, fmt.Errorf("%w: private key is required", domain.ErrInvalidRequest)
	}
	hash, err := authn.HashDeviceKey(in.PrivateKey)
	if err != nil {
		return domain.Device{}, err
	}
	now := s.timestamp()
	device := domain.Device{
		ID:             uuid.New(),
		UserID:         in.UserID,
		Name:           name,
		PublicKey:      strings.TrimSpace(in.PublicKey),
		PrivateKeyHash: hash,
		IsActive:       true,
		CreatedAt:      now,
	}
	if err := s.store.Devices().Create(ctx, &device); err != nil {
		return domain.Device{}, err
	}
	s.log.Info("device registered", "user_id", in.UserID, "device_id", device.ID)
	return device, nil
}

// AuthenticateDevice checks a device's private key before a transport session
// is opened for it, and stamps its last-seen time.
func (s *Service) AuthenticateDevice(ctx context.Context, userID, deviceID uuid.UUID, privateKey string) (domain.Device, error) {
	device, err := s.store.Devices().Get(ctx, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return domain.Device{}, fmt.Errorf("%w: unknown device", domain.ErrUnauthorized)
		}
		return domain.Device{}, err
	}
	if device.UserID != userID || !device.IsActive {
		return domain.Device{}, fmt.Errorf("%w: device not usable by this user", domain.ErrUnauthorized)
	}
	if err := authn.VerifyDeviceKey(privateKey, device.PrivateKeyHash); err != nil {
		return domain.Device{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	now := s.timestamp()
	if err := s.store.Devices().TouchLastSeen(ctx, device.ID, now); err != nil {
		return domain.Device{}, err
	}
	device.LastSeenAt = &now
	return *device, nil
}

func (s *Service) TouchDevice(ctx context.Context, deviceID uuid.UUID) error {
	return s.store.Devices().TouchLastSeen(ctx, deviceID, s.timestamp())
}

func (s *Service) ListDevices(ctx context.Context, userID uuid.UUID) ([]domain.Device, error) {
	return s.store.Devices().ListForUser(ctx, userID)
}

// RevokeDevice deactivates one of the user's devices. Devices are kept for
// reference and never deleted.
func (s *Service) RevokeDevice(ctx context.Context, userID, deviceID uuid.UUID) error {
	device, err := s.store.Devices().Get(ctx, deviceID)
	if err != nil {
		return mapNotFound(err, domain.ErrDeviceNotFound)
	}
	if device.UserID != userID {
		return fmt.Errorf("%w: device belongs to another user", domain.ErrUnauthorized)
	}
	if err := s.store.Devices().Deactivate(ctx, deviceID); err != nil {
		return err
	}
	s.log.Info("device revoked", "user_id", userID, "device_id", deviceID)
	return nil
}
