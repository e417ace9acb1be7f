// Package dispatch delivers queued commands to devices during their wake
// windows and books the asynchronous acknowledgments.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/brainlytree/canopy/internal/protocol"
	"github.com/brainlytree/canopy/internal/store"
	"github.com/brainlytree/canopy/pkg/metrics"
	"github.com/brainlytree/canopy/pkg/mqtt"
)

const (
	// DefaultInterval is the dispatcher sweep cadence.
	DefaultInterval = 30 * time.Second

	// sweepBatch bounds how many commands one sweep publishes.
	sweepBatch = 100
)

// Queue is the slice of the persistent store the dispatcher needs.
type Queue interface {
	EnqueueCommand(ctx context.Context, cmd *store.Command) error
	DueCommands(ctx context.Context, now time.Time, limit int) ([]store.Command, error)
	DueCommandsForDevice(ctx context.Context, deviceID string, now time.Time) ([]store.Command, error)
	MarkCommandSent(ctx context.Context, commandID string, at time.Time) (bool, error)
	RequeueCommand(ctx context.Context, commandID string) error
	AckCommand(ctx context.Context, commandID string, at time.Time) (bool, error)
	ExpireCommands(ctx context.Context, now time.Time) (int64, error)
}

var _ Queue = (*store.Store)(nil)

// Dispatcher polls the durable command queue and publishes due commands
// to device command channels. Safe to run alongside the protocol handler
// and watchdog: every claim is a conditional state transition.
type Dispatcher struct {
	logger   *slog.Logger
	queue    Queue
	client   mqtt.ClientInterface
	metrics  *metrics.DispatchMetrics
	interval time.Duration
	now      func() time.Time
}

// Config holds the configuration for the Dispatcher.
type Config struct {
	Logger  *slog.Logger
	Queue   Queue
	Client  mqtt.ClientInterface
	Metrics *metrics.DispatchMetrics
	// Interval overrides the sweep cadence. Zero means DefaultInterval.
	Interval time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// New creates a Dispatcher.
func New(cfg *Config) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errors.New("dispatch config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Queue == nil {
		return nil, errors.New("queue cannot be nil")
	}
	if cfg.Client == nil {
		return nil, errors.New("mqtt client cannot be nil")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Dispatcher{
		logger:   cfg.Logger,
		queue:    cfg.Queue,
		client:   cfg.Client,
		metrics:  cfg.Metrics,
		interval: interval,
		now:      now,
	}, nil
}

// Run sweeps the queue on a fixed cadence until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("command dispatcher started", "interval", d.interval)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("command dispatcher stopped")
			return
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep expires overdue commands, then publishes everything due.
func (d *Dispatcher) Sweep(ctx context.Context) {
	var timer *prometheus.Timer
	if d.metrics != nil {
		timer = prometheus.NewTimer(d.metrics.SweepDuration)
		defer timer.ObserveDuration()
	}

	now := d.now()

	expired, err := d.queue.ExpireCommands(ctx, now)
	if err != nil {
		d.logger.Error("failed to expire commands", "error", err)
	} else if expired > 0 {
		if d.metrics != nil {
			d.metrics.CommandsExpired.Add(float64(expired))
		}
		d.logger.Info("commands expired unsent, wake window missed", "count", expired)
	}

	due, err := d.queue.DueCommands(ctx, now, sweepBatch)
	if err != nil {
		d.logger.Error("failed to list due commands", "error", err)
		return
	}

	for _, cmd := range due {
		d.deliver(ctx, &cmd, now)
	}
}

// FlushDevice publishes every due command for one device immediately,
// called while the device is known to be awake. Returns the number of
// commands delivered.
func (d *Dispatcher) FlushDevice(ctx context.Context, deviceID string) (int, error) {
	now := d.now()
	due, err := d.queue.DueCommandsForDevice(ctx, deviceID, now)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, cmd := range due {
		if d.deliver(ctx, &cmd, now) {
			delivered++
		}
	}
	return delivered, nil
}

// deliver claims one command and publishes it. Claim-before-publish: a
// concurrent sweep or flush observing the same row loses the conditional
// update and skips it.
func (d *Dispatcher) deliver(ctx context.Context, cmd *store.Command, now time.Time) bool {
	claimed, err := d.queue.MarkCommandSent(ctx, cmd.CommandID, now)
	if err != nil {
		d.logger.Error("failed to claim command", "command_id", cmd.CommandID, "error", err)
		return false
	}
	if !claimed {
		return false
	}

	err = d.client.Publish(ctx, protocol.CmdTopic(cmd.DeviceID), []byte(cmd.Payload))
	if err != nil {
		d.logger.Error("failed to publish command, requeueing",
			"command_id", cmd.CommandID,
			"device_id", cmd.DeviceID,
			"error", err,
		)
		if d.metrics != nil {
			d.metrics.PublishFailures.Inc()
		}
		if reqErr := d.queue.RequeueCommand(ctx, cmd.CommandID); reqErr != nil {
			d.logger.Error("failed to requeue command", "command_id", cmd.CommandID, "error", reqErr)
		}
		return false
	}

	if d.metrics != nil {
		d.metrics.CommandsPublished.WithLabelValues(cmd.Type).Inc()
	}
	d.logger.Info("command published",
		"command_id", cmd.CommandID,
		"device_id", cmd.DeviceID,
		"type", cmd.Type,
	)
	return true
}

// HandleAck books a device acknowledgment for a sent command.
func (d *Dispatcher) HandleAck(ctx context.Context, commandID string) error {
	acked, err := d.queue.AckCommand(ctx, commandID, d.now())
	if err != nil {
		return err
	}
	if !acked {
		// Either unknown or already acknowledged; both are harmless.
		d.logger.Debug("command ack without matching sent command", "command_id", commandID)
		return nil
	}
	if d.metrics != nil {
		d.metrics.CommandsAcked.Inc()
	}
	d.logger.Info("command acknowledged", "command_id", commandID)
	return nil
}

var _ protocol.CommandLink = (*Dispatcher)(nil)

// Build constructs a queueable command. The command ID is embedded into
// the published payload so the device can acknowledge it.
func Build(deviceID, cmdType string, body map[string]interface{}, priority int, scheduledFor, expiresAt time.Time) (*store.Command, error) {
	id := uuid.NewString()

	payload := make(map[string]interface{}, len(body)+1)
	for k, v := range body {
		payload[k] = v
	}
	payload["command_id"] = id

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command payload: %w", err)
	}

	return &store.Command{
		CommandID:    id,
		DeviceID:     deviceID,
		Type:         cmdType,
		Payload:      string(data),
		Status:       store.CommandPending,
		Priority:     priority,
		ScheduledFor: scheduledFor,
		ExpiresAt:    expiresAt,
	}, nil
}
