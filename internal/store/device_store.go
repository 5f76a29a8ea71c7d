package store

import (
	"context"
	"time"

	"msgsync/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type DeviceStore struct{ db *gorm.DB }

func (s *Store) Devices() *DeviceStore { return &DeviceStore{db: s.DB} }

func (d *DeviceStore) Create(ctx context.Context, device *domain.Device) error {
	return translate(d.db.WithContext(ctx).Create(device).Error)
}

func (d *DeviceStore) Get(ctx context.Context, id uuid.UUID) (*domain.Device, error) {
	var device domain.Device
	if err := d.db.WithContext(ctx).First(&device, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &device, nil
}

func (d *DeviceStore) ListForUser(ctx context.Context, userID uuid.UUID) ([]domain.Device, error) {
	var devices []domain.Device
	err := d.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at asc").
		Find(&devices).Error
	return devices, translate(err)
}

func (d *DeviceStore) Deactivate(ctx context.Context, id uuid.UUID) error {
	return translate(d.db.WithContext(ctx).
		Model(&domain.Device{}).
		Where("id = ?", id).
		Update("is_active", false).Error)
}

func (d *DeviceStore) TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error {
	return translate(d.db.WithContext(ctx).
		Model(&domain.Device{}).
		Where("id = ?", id).
		Update("last_seen_at", at).Error)
}
