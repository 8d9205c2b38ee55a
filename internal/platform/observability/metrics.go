package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Release trigger labels.
const (
	TriggerThreshold = "threshold"
	TriggerTimeout   = "timeout"
	TriggerSweep     = "sweep"
	TriggerFailOpen  = "fail_open"
	TriggerBypass    = "bypass"
)

var (
	FragmentsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_fragments_ingested_total",
		Help: "The total number of ingested fragments by channel and outcome",
	}, []string{"channel", "outcome"})

	GroupReleases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_group_releases_total",
		Help: "The total number of released groups by trigger",
	}, []string{"trigger"})

	ReleasedFragmentsPerGroup = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_released_fragments_per_group",
		Help:    "Number of fragments merged into one released message",
		Buckets: []float64{1, 2, 3, 4, 6, 10},
	})

	AppendRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_append_retries_total",
		Help: "Total number of group append retries caused by concurrent writers",
	})

	DuplicateFragments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_duplicate_fragments_total",
		Help: "Total number of redelivered fragments dropped from a group",
	})

	StorageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_storage_errors_total",
		Help: "Total number of unexpected group store errors by operation",
	}, []string{"op"})

	DispatchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_dispatch_errors_total",
		Help: "Total number of messages the queue did not accept",
	})

	GroupRestores = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_group_restores_total",
		Help: "Total number of groups restored after a failed dispatch by status",
	}, []string{"status"})

	SweepReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_sweep_released_total",
		Help: "Total number of stale groups force-released by the sweeper",
	})

	SweepExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_sweep_expired_total",
		Help: "Total number of expired groups purged without dispatch",
	})

	SweepFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_sweep_failed_total",
		Help: "Total number of groups the sweeper failed to release",
	})

	SweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_sweep_duration_seconds",
		Help:    "Duration of one sweep pass",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	GroupAgeAtReleaseSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_group_age_at_release_seconds",
		Help:    "Age of a group when it is released",
		Buckets: []float64{0.5, 1, 2, 3, 5, 10, 30, 60, 300},
	})

	AnalysisQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_analysis_queue_depth",
		Help: "Number of pending analysis jobs",
	})

	AnalysisProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_analysis_processed_total",
		Help: "The total number of analysis jobs processed by status",
	}, []string{"status"})

	AnalysisRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_analysis_request_duration_seconds",
		Help:    "Duration of remote analysis requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	AnalysisVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_analysis_verdicts_total",
		Help: "The total number of analysis verdicts by label",
	}, []string{"label"})

	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_webhook_requests_total",
		Help: "The total number of webhook requests by channel and HTTP status",
	}, []string{"channel", "status"})
)
