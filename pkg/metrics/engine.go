package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DispatchMetrics contains Prometheus metrics for the command dispatcher.
type DispatchMetrics struct {
	CommandsPublished *prometheus.CounterVec
	CommandsExpired   prometheus.Counter
	CommandsAcked     prometheus.Counter
	PublishFailures   prometheus.Counter
	SweepDuration     prometheus.Histogram
}

// NewDispatchMetrics creates and registers command dispatcher metrics.
func NewDispatchMetrics(namespace string) *DispatchMetrics {
	m := &DispatchMetrics{
		CommandsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "commands_published_total",
				Help:      "Total number of commands published to devices, by type",
			},
			[]string{"type"},
		),
		CommandsExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "commands_expired_total",
				Help:      "Total number of commands that missed their wake window",
			},
		),
		CommandsAcked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "commands_acknowledged_total",
				Help:      "Total number of commands acknowledged by devices",
			},
		),
		PublishFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "publish_failures_total",
				Help:      "Total number of failed command publishes",
			},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "sweep_duration_seconds",
				Help:      "Duration of one dispatcher sweep over due commands",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	MustRegister(
		m.CommandsPublished,
		m.CommandsExpired,
		m.CommandsAcked,
		m.PublishFailures,
		m.SweepDuration,
	)

	return m
}

// WatchdogMetrics contains Prometheus metrics for the timeout and retry orchestrator.
type WatchdogMetrics struct {
	TransfersTimedOut prometheus.Counter
	RetriesEnqueued   prometheus.Counter
	RetriesExhausted  prometheus.Counter
	SessionsLocked    prometheus.Counter
}

// NewWatchdogMetrics creates and registers watchdog metrics.
func NewWatchdogMetrics(namespace string) *WatchdogMetrics {
	m := &WatchdogMetrics{
		TransfersTimedOut: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "watchdog",
				Name:      "transfers_timed_out_total",
				Help:      "Total number of transfers failed for exceeding their wake window",
			},
		),
		RetriesEnqueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "watchdog",
				Name:      "retries_enqueued_total",
				Help:      "Total number of retry commands enqueued for a later wake",
			},
		),
		RetriesExhausted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "watchdog",
				Name:      "retries_exhausted_total",
				Help:      "Total number of transfers escalated after exhausting retries",
			},
		),
		SessionsLocked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "watchdog",
				Name:      "sessions_locked_total",
				Help:      "Total number of wake sessions locked at day end",
			},
		),
	}

	MustRegister(
		m.TransfersTimedOut,
		m.RetriesEnqueued,
		m.RetriesExhausted,
		m.SessionsLocked,
	)

	return m
}
