// Package scoring publishes completed images to the downstream quality
// scoring service. Publishes are fire-and-forget: a failure is logged and
// counted, never propagated to the protocol path.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/brainlytree/canopy/pkg/mq"
)

// QueueName is the scoring job queue.
const QueueName = "canopy.scoring"

// publishTimeout bounds one async publish attempt.
const publishTimeout = 30 * time.Second

// Job is one scoring request for a stored image.
type Job struct {
	DeviceID   string     `json:"device_id"`
	ImageName  string     `json:"image_name"`
	ObjectKey  string     `json:"object_key"`
	SiteID     uint       `json:"site_id,omitempty"`
	CapturedAt *time.Time `json:"captured_at,omitempty"`
}

// Publisher enqueues scoring jobs.
type Publisher struct {
	logger *slog.Logger
	queue  mq.Publisher
	errs   interface{ Inc() }
}

// Config holds the configuration for the Publisher.
type Config struct {
	Logger *slog.Logger
	Queue  mq.Publisher
	// FailureCounter is incremented on publish failure. Optional.
	FailureCounter interface{ Inc() }
}

// New creates a Publisher.
func New(cfg *Config) (*Publisher, error) {
	if cfg == nil {
		return nil, errors.New("scoring config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Queue == nil {
		return nil, errors.New("queue cannot be nil")
	}
	return &Publisher{logger: cfg.Logger, queue: cfg.Queue, errs: cfg.FailureCounter}, nil
}

// Submit hands the job to the queue in the background. The caller's
// context is deliberately not used: the protocol path must not await or
// be cancelled along with the scoring call.
func (p *Publisher) Submit(job Job) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		data, err := json.Marshal(job)
		if err != nil {
			p.fail("marshal scoring job", job, err)
			return
		}
		if err := p.queue.Push(ctx, data); err != nil {
			p.fail("publish scoring job", job, err)
			return
		}
		p.logger.Debug("scoring job published",
			"device_id", job.DeviceID,
			"image_name", job.ImageName,
		)
	}()
}

func (p *Publisher) fail(what string, job Job, err error) {
	p.logger.Error("scoring publish failed, image remains stored",
		"stage", what,
		"device_id", job.DeviceID,
		"image_name", job.ImageName,
		"error", err,
	)
	if p.errs != nil {
		p.errs.Inc()
	}
}
