// Package metrics provides Prometheus metrics for the ingestion engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Admission
	FilesObserved   prometheus.Counter
	FilesAdmitted   prometheus.Counter
	FilesIgnored    prometheus.Counter
	DuplicatesTotal prometheus.Counter
	QueueDepth      prometheus.Gauge

	// Pipeline
	StageRunsTotal    *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	RetriesTotal      *prometheus.CounterVec
	DocumentsIndexed  prometheus.Counter
	DocumentsReviewed prometheus.Counter
	DocumentsInFlight prometheus.Gauge

	// Index
	IndexNodesBuilt    prometheus.Counter
	IndexFallbackTotal prometheus.Counter
	QueriesTotal       prometheus.Counter

	// Review queue
	ReviewQueueSize prometheus.Gauge

	// Notifier
	NotificationsSent    prometheus.Counter
	NotificationsDropped prometheus.Counter
	Subscribers          prometheus.Gauge

	// Process
	UptimeSeconds prometheus.Gauge
	startTime     time.Time
}

// New creates and registers all engine metrics on the default
// Prometheus registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers all engine metrics on the given registerer. Tests
// pass a private registry so instances never collide.
func NewWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{startTime: time.Now()}
	factory := promauto.With(reg)

	m.FilesObserved = factory.NewCounter(prometheus.CounterOpts{
		Name: "lexengine_files_observed_total",
		Help: "Files seen in the watch folder",
	})
	m.FilesAdmitted = factory.NewCounter(prometheus.CounterOpts{
		Name: "lexengine_files_admitted_total",
		Help: "Files admitted to the pipeline after stabilization",
	})
	m.FilesIgnored = factory.NewCounter(prometheus.CounterOpts{
		Name: "lexengine_files_ignored_total",
		Help: "Files ignored for a non-matching extension",
	})
	m.DuplicatesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "lexengine_duplicates_total",
		Help: "Files rejected as duplicates by fingerprint",
	})
	m.QueueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Name: "lexengine_admission_queue_depth",
		Help: "Current admission queue depth",
	})

	m.StageRunsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "lexengine_stage_runs_total",
		Help: "Stage executions by stage and status",
	}, []string{"stage", "status"})
	m.StageDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lexengine_stage_duration_seconds",
		Help:    "Stage execution duration in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"stage"})
	m.RetriesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "lexengine_stage_retries_total",
		Help: "Transient-failure retries by stage",
	}, []string{"stage"})
	m.DocumentsIndexed = factory.NewCounter(prometheus.CounterOpts{
		Name: "lexengine_documents_indexed_total",
		Help: "Documents that reached the indexed state",
	})
	m.DocumentsReviewed = factory.NewCounter(prometheus.CounterOpts{
		Name: "lexengine_documents_review_total",
		Help: "Documents routed to the review queue",
	})
	m.DocumentsInFlight = factory.NewGauge(prometheus.GaugeOpts{
		Name: "lexengine_documents_in_flight",
		Help: "Documents currently being processed",
	})

	m.IndexNodesBuilt = factory.NewCounter(prometheus.CounterOpts{
		Name: "lexengine_index_nodes_built_total",
		Help: "Index nodes written across all builds",
	})
	m.IndexFallbackTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "lexengine_index_fallback_total",
		Help: "Index builds that degraded to the flat fallback tree",
	})
	m.QueriesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "lexengine_queries_total",
		Help: "Tree-search queries executed",
	})

	m.ReviewQueueSize = factory.NewGauge(prometheus.GaugeOpts{
		Name: "lexengine_review_queue_size",
		Help: "Documents currently awaiting review",
	})

	m.NotificationsSent = factory.NewCounter(prometheus.CounterOpts{
		Name: "lexengine_notifications_sent_total",
		Help: "State-change notifications delivered to subscribers",
	})
	m.NotificationsDropped = factory.NewCounter(prometheus.CounterOpts{
		Name: "lexengine_notifications_dropped_total",
		Help: "Notifications dropped for slow subscribers",
	})
	m.Subscribers = factory.NewGauge(prometheus.GaugeOpts{
		Name: "lexengine_notifier_subscribers",
		Help: "Currently connected notification subscribers",
	})

	m.UptimeSeconds = factory.NewGauge(prometheus.GaugeOpts{
		Name: "lexengine_uptime_seconds",
		Help: "Engine uptime in seconds",
	})

	go m.updateUptime()

	return m
}

func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordStage records one stage execution.
func (m *Metrics) RecordStage(stage, status string, duration time.Duration) {
	m.StageRunsTotal.WithLabelValues(stage, status).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}
