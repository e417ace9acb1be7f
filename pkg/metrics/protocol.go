package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ProtocolMetrics contains Prometheus metrics for the wake protocol handler.
type ProtocolMetrics struct {
	MessagesReceived   *prometheus.CounterVec
	MessagesDropped    *prometheus.CounterVec
	ChunksReceived     prometheus.Counter
	ChunksDuplicate    prometheus.Counter
	TransfersCompleted prometheus.Counter
	TransfersResumed   prometheus.Counter
	MissingChunkAsks   prometheus.Counter
	AssemblyDuration   prometheus.Histogram
	ScoringPublishErrs prometheus.Counter
}

// NewProtocolMetrics creates and registers protocol handler metrics.
func NewProtocolMetrics(namespace string) *ProtocolMetrics {
	m := &ProtocolMetrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "messages_received_total",
				Help:      "Total number of device messages received, by kind",
			},
			[]string{"kind"},
		),
		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "messages_dropped_total",
				Help:      "Total number of malformed or unexpected messages dropped",
			},
			[]string{"kind", "reason"},
		),
		ChunksReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "chunks_received_total",
				Help:      "Total number of newly buffered image chunks",
			},
		),
		ChunksDuplicate: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "chunks_duplicate_total",
				Help:      "Total number of retransmitted chunks ignored by first-write-wins",
			},
		),
		TransfersCompleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "transfers_completed_total",
				Help:      "Total number of image transfers assembled and stored",
			},
		),
		TransfersResumed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "transfers_resumed_total",
				Help:      "Total number of interrupted transfers resumed on a later wake",
			},
		),
		MissingChunkAsks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "missing_chunk_requests_total",
				Help:      "Total number of missing-chunk requests sent back to devices",
			},
		),
		AssemblyDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "assembly_duration_seconds",
				Help:      "Duration of chunk reassembly and object store upload",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ScoringPublishErrs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "scoring_publish_failures_total",
				Help:      "Total number of failed scoring job publishes",
			},
		),
	}

	MustRegister(
		m.MessagesReceived,
		m.MessagesDropped,
		m.ChunksReceived,
		m.ChunksDuplicate,
		m.TransfersCompleted,
		m.TransfersResumed,
		m.MissingChunkAsks,
		m.AssemblyDuration,
		m.ScoringPublishErrs,
	)

	return m
}
