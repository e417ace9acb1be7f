// Package session coordinates the per-site, per-day wake sessions: lazy
// creation, atomic counter accounting, and the day-end lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brainlytree/canopy/internal/schedule"
	"github.com/brainlytree/canopy/internal/store"
)

// Registry is the slice of the persistent store the coordinator needs.
// *store.Store satisfies it; tests substitute a fake.
type Registry interface {
	OpenSession(ctx context.Context, siteID uint, day string, expectedWakes int) (*store.WakeSession, error)
	IncrementSessionCounter(ctx context.Context, sessionID uint, counter store.SessionCounter) error
	LockSession(ctx context.Context, sessionID uint, at time.Time) (bool, error)
	UnlockedSessions(ctx context.Context) ([]store.WakeSession, error)
	SessionPayloadCount(ctx context.Context, sessionID uint) (int64, error)
	AttachPayloadSession(ctx context.Context, payloadID, sessionID uint, overage bool) error
	ActiveDevicesForSite(ctx context.Context, siteID uint) ([]store.Device, error)
	SiteByID(ctx context.Context, id uint) (*store.Site, error)
}

var _ Registry = (*store.Store)(nil)

// Coordinator owns the wake-session state machine. All counter mutation
// funnels through RecordOutcome so a locked session can never be touched.
type Coordinator struct {
	logger    *slog.Logger
	registry  Registry
	scheduler *schedule.Scheduler
}

// Config holds the configuration for the Coordinator.
type Config struct {
	Logger    *slog.Logger
	Registry  Registry
	Scheduler *schedule.Scheduler
}

// New creates a Coordinator.
func New(cfg *Config) (*Coordinator, error) {
	if cfg == nil {
		return nil, errors.New("session config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("scheduler cannot be nil")
	}
	return &Coordinator{
		logger:    cfg.Logger,
		registry:  cfg.Registry,
		scheduler: cfg.Scheduler,
	}, nil
}

// Open returns the current unlocked session for the site's local day,
// creating it on the first wake of the day. The second return value
// reports whether the next attached wake would be an overage wake, i.e.
// beyond the session's expected count.
func (c *Coordinator) Open(ctx context.Context, siteID uint, loc *time.Location, now time.Time) (*store.WakeSession, bool, error) {
	day := schedule.LocalDay(now, loc)

	expected, err := c.expectedWakes(ctx, siteID, now, loc)
	if err != nil {
		return nil, false, err
	}

	sess, err := c.registry.OpenSession(ctx, siteID, day, expected)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open session: %w", err)
	}

	attached, err := c.registry.SessionPayloadCount(ctx, sess.ID)
	if err != nil {
		return nil, false, err
	}
	overage := sess.ExpectedWakes > 0 && attached >= int64(sess.ExpectedWakes)

	return sess, overage, nil
}

// expectedWakes sums the estimated daily wakes of every active device at
// the site.
func (c *Coordinator) expectedWakes(ctx context.Context, siteID uint, now time.Time, loc *time.Location) (int, error) {
	devices, err := c.registry.ActiveDevicesForSite(ctx, siteID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, d := range devices {
		total += c.scheduler.EstimateDailyWakes(d.WakeSpec, now, loc)
	}
	return total, nil
}

// RecordOutcome books a terminal wake payload into its session: extra for
// an overage wake, otherwise completed or failed. If the payload's
// session has been locked in the meantime, the outcome is rerouted to a
// fresh session for the same site — a locked session is never mutated.
func (c *Coordinator) RecordOutcome(ctx context.Context, payload *store.WakePayload, siteID uint, loc *time.Location, outcome store.PayloadStatus, now time.Time) error {
	if payload.SessionID == nil {
		// Unassigned device: no session accounting.
		return nil
	}

	counter := counterFor(payload.Overage, outcome)

	err := c.registry.IncrementSessionCounter(ctx, *payload.SessionID, counter)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrSessionLocked) {
		return err
	}

	// Late wake against a locked session: route to a new session.
	sess, overage, err := c.Open(ctx, siteID, loc, now)
	if err != nil {
		return fmt.Errorf("failed to open replacement session: %w", err)
	}
	if err := c.registry.AttachPayloadSession(ctx, payload.ID, sess.ID, overage); err != nil {
		return err
	}
	payload.SessionID = &sess.ID
	payload.Overage = overage

	c.logger.Info("late wake rerouted to new session",
		"device_id", payload.DeviceID,
		"session_id", sess.ID,
	)

	return c.registry.IncrementSessionCounter(ctx, sess.ID, counterFor(overage, outcome))
}

func counterFor(overage bool, outcome store.PayloadStatus) store.SessionCounter {
	if overage {
		return store.CounterExtra
	}
	if outcome == store.PayloadComplete {
		return store.CounterCompleted
	}
	return store.CounterFailed
}

// LockEnded locks every unlocked session whose site-local day has passed.
// Run periodically; also safe to call concurrently with the protocol
// handler, which reroutes any late outcomes to fresh sessions.
func (c *Coordinator) LockEnded(ctx context.Context, now time.Time) (int, error) {
	sessions, err := c.registry.UnlockedSessions(ctx)
	if err != nil {
		return 0, err
	}

	locked := 0
	for _, sess := range sessions {
		site, err := c.registry.SiteByID(ctx, sess.SiteID)
		if err != nil {
			c.logger.Error("failed to resolve site for session lock",
				"session_id", sess.ID, "error", err)
			continue
		}
		loc, err := time.LoadLocation(site.Timezone)
		if err != nil {
			loc = time.UTC
		}
		if !schedule.DayEnded(sess.Day, now, loc) {
			continue
		}

		ok, err := c.registry.LockSession(ctx, sess.ID, now)
		if err != nil {
			c.logger.Error("failed to lock session", "session_id", sess.ID, "error", err)
			continue
		}
		if ok {
			locked++
			c.logger.Info("wake session locked",
				"session_id", sess.ID,
				"site_id", sess.SiteID,
				"day", sess.Day,
				"completed", sess.CompletedCount,
				"failed", sess.FailedCount,
				"extra", sess.ExtraCount,
			)
		}
	}
	return locked, nil
}

// Lock locks one session explicitly (administrative lock).
func (c *Coordinator) Lock(ctx context.Context, sessionID uint, now time.Time) (bool, error) {
	return c.registry.LockSession(ctx, sessionID, now)
}
