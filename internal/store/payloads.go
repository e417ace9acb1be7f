package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// CreateWakePayload records the start of a wake event.
func (s *Store) CreateWakePayload(ctx context.Context, payload *WakePayload) error {
	if err := s.db.WithContext(ctx).Create(payload).Error; err != nil {
		return fmt.Errorf("failed to create wake payload: %w", err)
	}
	return nil
}

// PendingPayloadForDevice returns the newest pending payload for a device,
// i.e. the wake currently in progress.
func (s *Store) PendingPayloadForDevice(ctx context.Context, deviceID string) (*WakePayload, error) {
	var payload WakePayload
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND status = ?", deviceID, PayloadPending).
		Order("id DESC").
		First(&payload).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending payload: %w", err)
	}
	return &payload, nil
}

// UpdatePayloadTelemetry stores inline sensor readings and the capture
// timestamp on a pending payload.
func (s *Store) UpdatePayloadTelemetry(ctx context.Context, payloadID uint, capturedAt *time.Time, temperature, humidity, pressure, gasResistance float64, errorFlag int) error {
	updates := map[string]interface{}{
		"temperature":    temperature,
		"humidity":       humidity,
		"pressure":       pressure,
		"gas_resistance": gasResistance,
		"error_flag":     errorFlag,
	}
	if capturedAt != nil {
		updates["captured_at"] = *capturedAt
	}
	err := s.db.WithContext(ctx).
		Model(&WakePayload{}).
		Where("id = ? AND status = ?", payloadID, PayloadPending).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to update payload telemetry: %w", err)
	}
	return nil
}

// AttachPayloadSession re-homes a payload onto another session, used when
// its original session got locked before the payload reached a terminal
// state.
func (s *Store) AttachPayloadSession(ctx context.Context, payloadID, sessionID uint, overage bool) error {
	err := s.db.WithContext(ctx).
		Model(&WakePayload{}).
		Where("id = ?", payloadID).
		Updates(map[string]interface{}{
			"session_id": sessionID,
			"overage":    overage,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to attach payload to session: %w", err)
	}
	return nil
}

// FinishWakePayload transitions a pending payload to a terminal status,
// optionally linking the image transfer delivered during the wake.
// Returns false when the payload was already terminal; terminal payloads
// are immutable, so the transition happens at most once.
func (s *Store) FinishWakePayload(ctx context.Context, payloadID uint, status PayloadStatus, transferID *uint) (bool, error) {
	if status != PayloadComplete && status != PayloadFailed {
		return false, fmt.Errorf("not a terminal payload status: %s", status)
	}

	updates := map[string]interface{}{"status": status}
	if transferID != nil {
		updates["transfer_id"] = *transferID
	}

	result := s.db.WithContext(ctx).
		Model(&WakePayload{}).
		Where("id = ? AND status = ?", payloadID, PayloadPending).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to finish wake payload: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// StalePayload pairs an overdue pending payload with its device.
type StalePayload struct {
	Payload WakePayload
	Device  Device
}

// StalePendingPayloads returns pending wake payloads whose device's next
// wake has already passed — wakes that ended without reaching a terminal
// state, e.g. a hello with no image delivery.
func (s *Store) StalePendingPayloads(ctx context.Context, now time.Time) ([]StalePayload, error) {
	var payloads []WakePayload
	err := s.db.WithContext(ctx).
		Where("status = ?", PayloadPending).
		Find(&payloads).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending payloads: %w", err)
	}

	var stale []StalePayload
	for _, p := range payloads {
		device, err := s.DeviceByID(ctx, p.DeviceID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if device.NextWakeAt != nil && device.NextWakeAt.Before(now) {
			stale = append(stale, StalePayload{Payload: p, Device: *device})
		}
	}
	return stale, nil
}

// PayloadByID fetches a wake payload.
func (s *Store) PayloadByID(ctx context.Context, id uint) (*WakePayload, error) {
	var payload WakePayload
	err := s.db.WithContext(ctx).First(&payload, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payload: %w", err)
	}
	return &payload, nil
}
