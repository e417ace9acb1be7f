package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// TouchDevice upserts a device on hello receipt: updates last_seen for a
// known device, or registers an unknown one as pending_assignment so the
// assignment workflow can pick it up.
func (s *Store) TouchDevice(ctx context.Context, deviceID string, seenAt time.Time) (*Device, error) {
	device := &Device{
		DeviceID: deviceID,
		Status:   DevicePendingAssignment,
		LastSeen: seenAt,
	}

	result := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Assign(map[string]interface{}{"last_seen": seenAt}).
		FirstOrCreate(device)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to upsert device: %w", result.Error)
	}

	return device, nil
}

// DeviceByID fetches a device by its hardware identifier.
func (s *Store) DeviceByID(ctx context.Context, deviceID string) (*Device, error) {
	var device Device
	err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch device: %w", err)
	}
	return &device, nil
}

// UpdateDeviceWake records a completed wake and the scheduler-computed
// next wake instant. Wake timestamps are mutated only through here.
func (s *Store) UpdateDeviceWake(ctx context.Context, deviceID string, lastWake, nextWake time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&Device{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]interface{}{
			"last_wake_at": lastWake,
			"next_wake_at": nextWake,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update device wake times: %w", err)
	}
	return nil
}

// ActiveDevicesForSite returns all active devices assigned to a site.
func (s *Store) ActiveDevicesForSite(ctx context.Context, siteID uint) ([]Device, error) {
	var devices []Device
	err := s.db.WithContext(ctx).
		Where("site_id = ? AND status = ?", siteID, DeviceActive).
		Find(&devices).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list site devices: %w", err)
	}
	return devices, nil
}
