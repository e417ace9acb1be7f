package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetOrCreateTransfer resolves the ImageTransfer for (device, image-name),
// creating it in awaiting_metadata if absent. The insert goes through an
// ON CONFLICT DO NOTHING on the composite unique index, so two racing
// metadata deliveries converge on the same row.
func (s *Store) GetOrCreateTransfer(ctx context.Context, transfer *ImageTransfer) (*ImageTransfer, bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}, {Name: "image_name"}},
			DoNothing: true,
		}).
		Create(transfer)
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to create transfer: %w", result.Error)
	}
	created := result.RowsAffected > 0

	var existing ImageTransfer
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND image_name = ?", transfer.DeviceID, transfer.ImageName).
		First(&existing).Error
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch transfer: %w", err)
	}
	return &existing, created, nil
}

// TransferByKey fetches the transfer for (device, image-name).
func (s *Store) TransferByKey(ctx context.Context, deviceID, imageName string) (*ImageTransfer, error) {
	var transfer ImageTransfer
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND image_name = ?", deviceID, imageName).
		First(&transfer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transfer: %w", err)
	}
	return &transfer, nil
}

// ResumeTransfer updates the declared metadata fields of a non-complete
// transfer and moves it back to receiving. Received-chunk count is
// deliberately left untouched: a resume continues from the buffered
// chunks, never from zero.
func (s *Store) ResumeTransfer(ctx context.Context, transferID uint, imageSize int64, chunkSize, totalChunks int, capturedAt *time.Time) error {
	updates := map[string]interface{}{
		"image_size":     imageSize,
		"chunk_size":     chunkSize,
		"total_chunks":   totalChunks,
		"status":         TransferReceiving,
		"failure_reason": "",
	}
	if capturedAt != nil {
		updates["captured_at"] = *capturedAt
	}
	err := s.db.WithContext(ctx).
		Model(&ImageTransfer{}).
		Where("id = ? AND status <> ?", transferID, TransferComplete).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to resume transfer: %w", err)
	}
	return nil
}

// IncrementReceivedChunks bumps the received-chunk count after a chunk was
// newly buffered, guarded so the count can never exceed the declared
// total. Also advances awaiting_metadata to receiving on the first chunk.
func (s *Store) IncrementReceivedChunks(ctx context.Context, transferID uint) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&ImageTransfer{}).
		Where("id = ? AND received_chunks < total_chunks AND status IN ?",
			transferID, []TransferStatus{TransferAwaitingMetadata, TransferReceiving}).
		Updates(map[string]interface{}{
			"received_chunks": gorm.Expr("received_chunks + 1"),
			"status":          TransferReceiving,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to increment received chunks: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// TransitionTransfer moves a transfer from one status to another with an
// optional set of extra column updates. Returns false when the row was not
// in the expected source status — callers use this to serialize racing
// completion attempts.
func (s *Store) TransitionTransfer(ctx context.Context, transferID uint, from, to TransferStatus, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	result := s.db.WithContext(ctx).
		Model(&ImageTransfer{}).
		Where("id = ? AND status = ?", transferID, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to transition transfer: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// FailTransfer marks a transfer failed with a reason and bumps its retry
// count. Used by the watchdog when a transfer outlives its wake window.
func (s *Store) FailTransfer(ctx context.Context, transferID uint, reason string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&ImageTransfer{}).
		Where("id = ? AND status IN ?", transferID,
			[]TransferStatus{TransferAwaitingMetadata, TransferReceiving}).
		Updates(map[string]interface{}{
			"status":         TransferFailed,
			"failure_reason": reason,
			"retry_count":    gorm.Expr("retry_count + 1"),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to fail transfer: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// StaleTransfer pairs an overdue transfer with its owning device.
type StaleTransfer struct {
	Transfer ImageTransfer
	Device   Device
}

// StaleTransfers returns all in-flight transfers whose owning device's
// next wake has already passed. Timeout is relative to the device's own
// wake schedule, not a wall-clock duration: a sleeping device is not late
// until the wake it was supposed to finish in is over.
func (s *Store) StaleTransfers(ctx context.Context, now time.Time) ([]StaleTransfer, error) {
	var transfers []ImageTransfer
	err := s.db.WithContext(ctx).
		Where("status IN ?", []TransferStatus{TransferAwaitingMetadata, TransferReceiving}).
		Find(&transfers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight transfers: %w", err)
	}

	var stale []StaleTransfer
	for _, t := range transfers {
		device, err := s.DeviceByID(ctx, t.DeviceID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if device.NextWakeAt != nil && device.NextWakeAt.Before(now) {
			stale = append(stale, StaleTransfer{Transfer: t, Device: *device})
		}
	}
	return stale, nil
}
