package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// EnqueueCommand queues an instruction for a device.
func (s *Store) EnqueueCommand(ctx context.Context, cmd *Command) error {
	if err := s.db.WithContext(ctx).Create(cmd).Error; err != nil {
		return fmt.Errorf("failed to enqueue command: %w", err)
	}
	return nil
}

// DueCommands returns pending commands that are due and not yet expired,
// highest priority first, oldest first within a priority.
func (s *Store) DueCommands(ctx context.Context, now time.Time, limit int) ([]Command, error) {
	var commands []Command
	err := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_for <= ? AND expires_at > ?", CommandPending, now, now).
		Order("priority DESC, id ASC").
		Limit(limit).
		Find(&commands).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due commands: %w", err)
	}
	return commands, nil
}

// DueCommandsForDevice returns due, unexpired pending commands for a
// single device, used to flush the queue while the device is awake.
func (s *Store) DueCommandsForDevice(ctx context.Context, deviceID string, now time.Time) ([]Command, error) {
	var commands []Command
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND status = ? AND scheduled_for <= ? AND expires_at > ?",
			deviceID, CommandPending, now, now).
		Order("priority DESC, id ASC").
		Find(&commands).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list device commands: %w", err)
	}
	return commands, nil
}

// MarkCommandSent transitions pending -> sent. Returns false if another
// dispatcher sweep got there first.
func (s *Store) MarkCommandSent(ctx context.Context, commandID string, at time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&Command{}).
		Where("command_id = ? AND status = ?", commandID, CommandPending).
		Updates(map[string]interface{}{
			"status":  CommandSent,
			"sent_at": at,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark command sent: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// RequeueCommand moves a command that failed to publish back to pending
// and bumps its retry count, so the next sweep tries again.
func (s *Store) RequeueCommand(ctx context.Context, commandID string) error {
	err := s.db.WithContext(ctx).
		Model(&Command{}).
		Where("command_id = ?", commandID).
		Updates(map[string]interface{}{
			"status":      CommandPending,
			"retry_count": gorm.Expr("retry_count + 1"),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to requeue command: %w", err)
	}
	return nil
}

// AckCommand records a device acknowledgment for a sent command.
func (s *Store) AckCommand(ctx context.Context, commandID string, at time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&Command{}).
		Where("command_id = ? AND status = ?", commandID, CommandSent).
		Updates(map[string]interface{}{
			"status":   CommandAcknowledged,
			"acked_at": at,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to acknowledge command: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ExpireCommands fails every pending command whose expiry has passed.
// Expired commands are never redelivered; a fresh retry cycle enqueues a
// new command if one is still warranted.
func (s *Store) ExpireCommands(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&Command{}).
		Where("status = ? AND expires_at <= ?", CommandPending, now).
		Update("status", CommandFailed)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to expire commands: %w", result.Error)
	}
	return result.RowsAffected, nil
}
