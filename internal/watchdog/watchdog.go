// Package watchdog fails transfers that outlived their device's wake
// window and schedules bounded retries for the device's next wake.
// Timeouts are relative to each device's own wake schedule, never a
// wall-clock duration: a sleeping device is not late until the wake it
// was supposed to finish in is over.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brainlytree/canopy/internal/dispatch"
	"github.com/brainlytree/canopy/internal/hierarchy"
	"github.com/brainlytree/canopy/internal/schedule"
	"github.com/brainlytree/canopy/internal/session"
	"github.com/brainlytree/canopy/internal/store"
	"github.com/brainlytree/canopy/pkg/metrics"
)

const (
	// DefaultInterval is the watchdog sweep cadence.
	DefaultInterval = 2 * time.Minute

	// retryLead schedules a retry command this long before the device's
	// computed next wake, so it is already queued when the device hellos.
	retryLead = 5 * time.Minute

	// retryWindow keeps a retry command alive this long past the wake it
	// targets; after that the wake window is missed and the command expires.
	retryWindow = 30 * time.Minute

	// retryPriority outranks routine capture commands.
	retryPriority = 5
)

// Registry is the slice of the persistent store the watchdog needs.
type Registry interface {
	StaleTransfers(ctx context.Context, now time.Time) ([]store.StaleTransfer, error)
	StalePendingPayloads(ctx context.Context, now time.Time) ([]store.StalePayload, error)
	FailTransfer(ctx context.Context, transferID uint, reason string) (bool, error)
	FinishWakePayload(ctx context.Context, payloadID uint, status store.PayloadStatus, transferID *uint) (bool, error)
	PendingPayloadForDevice(ctx context.Context, deviceID string) (*store.WakePayload, error)
	EnqueueCommand(ctx context.Context, cmd *store.Command) error
	DeviceByID(ctx context.Context, deviceID string) (*store.Device, error)
}

var _ Registry = (*store.Store)(nil)

// Orchestrator is the timeout and retry sweep.
type Orchestrator struct {
	logger    *slog.Logger
	registry  Registry
	resolver  hierarchy.Resolver
	scheduler *schedule.Scheduler
	sessions  *session.Coordinator
	metrics   *metrics.WatchdogMetrics
	interval  time.Duration
	now       func() time.Time
}

// Config holds the configuration for the Orchestrator.
type Config struct {
	Logger    *slog.Logger
	Registry  Registry
	Resolver  hierarchy.Resolver
	Scheduler *schedule.Scheduler
	Sessions  *session.Coordinator
	Metrics   *metrics.WatchdogMetrics
	// Interval overrides the sweep cadence. Zero means DefaultInterval.
	Interval time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// New creates an Orchestrator.
func New(cfg *Config) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("watchdog config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("hierarchy resolver cannot be nil")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("scheduler cannot be nil")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session coordinator cannot be nil")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Orchestrator{
		logger:    cfg.Logger,
		registry:  cfg.Registry,
		resolver:  cfg.Resolver,
		scheduler: cfg.Scheduler,
		sessions:  cfg.Sessions,
		metrics:   cfg.Metrics,
		interval:  interval,
		now:       now,
	}, nil
}

// Run sweeps on a fixed cadence until the context is canceled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.logger.Info("transfer watchdog started", "interval", o.interval)
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("transfer watchdog stopped")
			return
		case <-ticker.C:
			o.Sweep(ctx)
		}
	}
}

// Sweep fails overdue transfers and pending payloads, then queues
// retries where the budget allows.
func (o *Orchestrator) Sweep(ctx context.Context) {
	now := o.now()

	stale, err := o.registry.StaleTransfers(ctx, now)
	if err != nil {
		o.logger.Error("failed to list stale transfers", "error", err)
		return
	}
	for _, st := range stale {
		o.timeOut(ctx, &st.Transfer, &st.Device, now)
	}

	abandoned, err := o.registry.StalePendingPayloads(ctx, now)
	if err != nil {
		o.logger.Error("failed to list stale payloads", "error", err)
		return
	}
	for _, sp := range abandoned {
		o.failPayload(ctx, &sp.Payload, &sp.Device, nil, now)
	}
}

// timeOut fails one transfer whose wake window closed, fails the wake
// payload it belonged to, and queues a retry for the next wake if the
// budget allows — otherwise escalates.
func (o *Orchestrator) timeOut(ctx context.Context, transfer *store.ImageTransfer, device *store.Device, now time.Time) {
	reason := fmt.Sprintf("transfer incomplete at wake boundary: %d/%d chunks received",
		transfer.ReceivedChunks, transfer.TotalChunks)

	failed, err := o.registry.FailTransfer(ctx, transfer.ID, reason)
	if err != nil {
		o.logger.Error("failed to time out transfer",
			"device_id", transfer.DeviceID, "image_name", transfer.ImageName, "error", err)
		return
	}
	if !failed {
		// Completed or already failed under us; nothing to do.
		return
	}

	retriesUsed := transfer.RetryCount + 1
	if o.metrics != nil {
		o.metrics.TransfersTimedOut.Inc()
	}
	o.logger.Warn("transfer timed out",
		"device_id", transfer.DeviceID,
		"image_name", transfer.ImageName,
		"reason", reason,
		"retry_count", retriesUsed,
	)

	// The wake this transfer belonged to is over; book it as failed.
	if payload, err := o.registry.PendingPayloadForDevice(ctx, transfer.DeviceID); err == nil {
		o.failPayload(ctx, payload, device, &transfer.ID, now)
	} else if !errors.Is(err, store.ErrNotFound) {
		o.logger.Error("failed to fetch wake payload for timeout",
			"device_id", transfer.DeviceID, "error", err)
	}

	if retriesUsed >= device.MaxRetries {
		if o.metrics != nil {
			o.metrics.RetriesExhausted.Inc()
		}
		// Operator attention required; no further automatic retries.
		o.logger.Error("transfer retries exhausted, operator attention required",
			"device_id", transfer.DeviceID,
			"image_name", transfer.ImageName,
			"retry_count", retriesUsed,
			"max_retries", device.MaxRetries,
		)
		return
	}

	o.queueRetry(ctx, transfer, device, now)
}

// queueRetry enqueues a retry_image command aimed at the device's next
// wake: scheduled shortly before it, expiring shortly after the window
// closes.
func (o *Orchestrator) queueRetry(ctx context.Context, transfer *store.ImageTransfer, device *store.Device, now time.Time) {
	loc := time.UTC
	if placement, err := o.resolver.Resolve(ctx, device); err == nil {
		loc = placement.Location
	}
	nextWake := o.scheduler.NextWake(device.WakeSpec, now, loc)

	scheduledFor := nextWake.Add(-retryLead)
	if scheduledFor.Before(now) {
		scheduledFor = now
	}

	cmd, err := dispatch.Build(device.DeviceID, store.CommandRetryImage,
		map[string]interface{}{"send_image": transfer.ImageName},
		retryPriority, scheduledFor, nextWake.Add(retryWindow))
	if err != nil {
		o.logger.Error("failed to build retry command",
			"device_id", device.DeviceID, "image_name", transfer.ImageName, "error", err)
		return
	}
	if err := o.registry.EnqueueCommand(ctx, cmd); err != nil {
		o.logger.Error("failed to enqueue retry command",
			"device_id", device.DeviceID, "image_name", transfer.ImageName, "error", err)
		return
	}

	if o.metrics != nil {
		o.metrics.RetriesEnqueued.Inc()
	}
	o.logger.Info("retry queued for next wake",
		"device_id", device.DeviceID,
		"image_name", transfer.ImageName,
		"scheduled_for", scheduledFor,
		"expires_at", nextWake.Add(retryWindow),
	)
}

// failPayload books a wake that ended without completing.
func (o *Orchestrator) failPayload(ctx context.Context, payload *store.WakePayload, device *store.Device, transferID *uint, now time.Time) {
	finished, err := o.registry.FinishWakePayload(ctx, payload.ID, store.PayloadFailed, transferID)
	if err != nil {
		o.logger.Error("failed to fail wake payload",
			"device_id", payload.DeviceID, "error", err)
		return
	}
	if !finished {
		return
	}

	placement, err := o.resolver.Resolve(ctx, device)
	if err != nil {
		// Unassigned device: no session to book into.
		return
	}
	if err := o.sessions.RecordOutcome(ctx, payload, placement.Site.ID,
		placement.Location, store.PayloadFailed, now); err != nil {
		o.logger.Error("failed to record failed wake in session",
			"device_id", payload.DeviceID, "error", err)
	}
}

// RunSessionLock locks day-ended sessions on a fixed cadence. Kept on the
// watchdog because both are janitorial sweeps over the same state.
func (o *Orchestrator) RunSessionLock(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.logger.Info("session lock sweep started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("session lock sweep stopped")
			return
		case <-ticker.C:
			locked, err := o.sessions.LockEnded(ctx, o.now())
			if err != nil {
				o.logger.Error("session lock sweep failed", "error", err)
				continue
			}
			if locked > 0 && o.metrics != nil {
				o.metrics.SessionsLocked.Add(float64(locked))
			}
		}
	}
}
