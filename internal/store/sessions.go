package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrSessionLocked is returned when a counter mutation hits a locked session.
var ErrSessionLocked = errors.New("wake session is locked")

// SessionCounter names one of the per-session wake counters.
type SessionCounter string

// Counters incremented on terminal wake payloads.
const (
	CounterCompleted SessionCounter = "completed_count"
	CounterFailed    SessionCounter = "failed_count"
	CounterExtra     SessionCounter = "extra_count"
)

// OpenSession returns the newest unlocked session for (site, day), or
// creates one in in_progress state with the given expected wake count.
// Several sessions may exist for the same (site, day) — a late wake after
// the day's session is locked lands on a fresh one — but at most one is
// ever unlocked: the insert goes through ON CONFLICT DO NOTHING against
// the partial unique index on open sessions, so concurrent first wakes
// of a day converge on the same row.
func (s *Store) OpenSession(ctx context.Context, siteID uint, day string, expectedWakes int) (*WakeSession, error) {
	var session WakeSession
	err := s.db.WithContext(ctx).
		Where("site_id = ? AND day = ? AND status <> ?", siteID, day, SessionLocked).
		Order("id DESC").
		First(&session).Error
	if err == nil {
		return &session, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}

	session = WakeSession{
		SiteID:        siteID,
		Day:           day,
		ExpectedWakes: expectedWakes,
		Status:        SessionInProgress,
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&session)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to create session: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return &session, nil
	}

	// Lost the race: another wake opened the session between the lookup
	// and the insert.
	err = s.db.WithContext(ctx).
		Where("site_id = ? AND day = ? AND status <> ?", siteID, day, SessionLocked).
		Order("id DESC").
		First(&session).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch racing session: %w", err)
	}
	return &session, nil
}

// SessionByID fetches a wake session.
func (s *Store) SessionByID(ctx context.Context, id uint) (*WakeSession, error) {
	var session WakeSession
	err := s.db.WithContext(ctx).First(&session, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch session: %w", err)
	}
	return &session, nil
}

// IncrementSessionCounter atomically bumps one counter on an unlocked
// session. The increment happens in SQL, not read-modify-write, so
// concurrent terminal payloads across devices cannot lose updates.
// Returns ErrSessionLocked if the session has been locked in the meantime.
func (s *Store) IncrementSessionCounter(ctx context.Context, sessionID uint, counter SessionCounter) error {
	column := string(counter)
	result := s.db.WithContext(ctx).
		Model(&WakeSession{}).
		Where("id = ? AND status <> ?", sessionID, SessionLocked).
		Updates(map[string]interface{}{
			column:   gorm.Expr(column+" + 1"),
			"status": SessionInProgress,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to increment session counter: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSessionLocked
	}
	return nil
}

// LockSession transitions a session to locked. Idempotent: locking an
// already-locked session is a no-op.
func (s *Store) LockSession(ctx context.Context, sessionID uint, at time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&WakeSession{}).
		Where("id = ? AND status <> ?", sessionID, SessionLocked).
		Updates(map[string]interface{}{
			"status":    SessionLocked,
			"locked_at": at,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to lock session: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// UnlockedSessions returns all sessions not yet locked, for the day-end sweep.
func (s *Store) UnlockedSessions(ctx context.Context) ([]WakeSession, error) {
	var sessions []WakeSession
	err := s.db.WithContext(ctx).
		Where("status <> ?", SessionLocked).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unlocked sessions: %w", err)
	}
	return sessions, nil
}

// SessionPayloadCount returns how many wake payloads have been attached to
// a session, used to flag overage wakes.
func (s *Store) SessionPayloadCount(ctx context.Context, sessionID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&WakePayload{}).
		Where("session_id = ?", sessionID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count session payloads: %w", err)
	}
	return count, nil
}
