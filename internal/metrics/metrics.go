// Package metrics groups the control plane's Prometheus instruments into
// one registry-backed struct. Each component defines a narrow observation
// interface; this struct satisfies all of them so the composition root can
// hand the same instance everywhere.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chrlshc/ofm-social-os-sub001/internal/backpressure"
)

// Metrics holds all Prometheus instruments for the control plane.
type Metrics struct {
	// Stream gateway
	PublishLatency *prometheus.HistogramVec
	PublishErrors  *prometheus.CounterVec
	DeadLetters    *prometheus.CounterVec

	// Backpressure controller
	DroppedMessages  *prometheus.CounterVec
	DegradationLevel prometheus.Gauge
	QueueDepth       prometheus.Gauge

	// Rate limiter
	RateLimitHits    *prometheus.CounterVec
	RateLimitAllowed *prometheus.CounterVec
	RateStoreErrors  prometheus.Counter

	// SLO evaluator
	SLOActualPct       *prometheus.GaugeVec
	SLOBudgetRemaining *prometheus.GaugeVec
	SLOBreaches        *prometheus.CounterVec

	// ETL
	ETLProcessed     *prometheus.CounterVec
	ETLInvalid       *prometheus.CounterVec
	ETLFlushErrors   *prometheus.CounterVec
	ETLDeadLettered  *prometheus.CounterVec
	ETLDroppedBatch  *prometheus.CounterVec
	ETLFlushDuration *prometheus.HistogramVec
	ETLBacklog       *prometheus.GaugeVec

	// Scheduler
	JobsScheduled  *prometheus.CounterVec
	JobsDenied     *prometheus.CounterVec
	EligibleTokens *prometheus.GaugeVec
}

// New creates and registers all instruments on the default registry.
func New() *Metrics {
	return &Metrics{
		PublishLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kpi_stream_publish_latency_seconds",
				Help:    "Latency of publishes into the stream gateway",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stream"},
		),
		PublishErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpi_stream_publish_errors_total",
				Help: "Publish failures per stream (duplicates excluded)",
			},
			[]string{"stream"},
		),
		DeadLetters: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpi_stream_dead_letters_total",
				Help: "Messages routed to the dead-letter subject, by reason",
			},
			[]string{"reason"},
		),
		DroppedMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpi_backpressure_dropped_total",
				Help: "Messages dropped by the backpressure controller, by reason",
			},
			[]string{"reason"},
		),
		DegradationLevel: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kpi_backpressure_degradation_level",
				Help: "Current degradation level (0=none .. 4=critical)",
			},
		),
		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kpi_backpressure_queue_depth",
				Help: "Current priority queue depth",
			},
		),
		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpi_ratelimit_hits_total",
				Help: "Admissions denied by the rate limiter, by tier",
			},
			[]string{"platform", "endpoint", "tier"},
		),
		RateLimitAllowed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpi_ratelimit_allowed_total",
				Help: "Admissions allowed by the rate limiter",
			},
			[]string{"platform", "endpoint"},
		),
		RateStoreErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "kpi_ratelimit_store_errors_total",
				Help: "Window store faults (the limiter fails open on these)",
			},
		),
		SLOActualPct: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kpi_slo_actual_percent",
				Help: "Latest achievement percentage per SLO",
			},
			[]string{"metric", "service"},
		),
		SLOBudgetRemaining: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kpi_slo_error_budget_remaining",
				Help: "Latest error budget remaining per SLO",
			},
			[]string{"metric", "service"},
		),
		SLOBreaches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpi_slo_breaches_total",
				Help: "SLO breaches recorded, by severity",
			},
			[]string{"metric", "service", "severity"},
		),
		ETLProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpi_etl_processed_total",
				Help: "Validated records delivered to the storage sink",
			},
			[]string{"pipeline"},
		),
		ETLInvalid: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpi_etl_invalid_total",
				Help: "Records rejected by validation",
			},
			[]string{"pipeline"},
		),
		ETLFlushErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpi_etl_flush_errors_total",
				Help: "Batch write attempts that failed",
			},
			[]string{"pipeline"},
		),
		ETLDeadLettered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpi_etl_dead_lettered_total",
				Help: "Records escaped to the dead-letter subject after retry exhaustion",
			},
			[]string{"pipeline"},
		),
		ETLDroppedBatch: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpi_etl_dropped_total",
				Help: "Records lost because even the dead-letter publish failed",
			},
			[]string{"pipeline"},
		),
		ETLFlushDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kpi_etl_flush_duration_seconds",
				Help:    "End-to-end duration of one batch flush",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"pipeline"},
		),
		ETLBacklog: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kpi_etl_backlog",
				Help: "Buffered records awaiting flush",
			},
			[]string{"pipeline"},
		),
		JobsScheduled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpi_scheduler_jobs_total",
				Help: "Jobs scheduled per platform",
			},
			[]string{"platform"},
		),
		JobsDenied: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpi_scheduler_denied_total",
				Help: "Scheduling attempts denied, by reason",
			},
			[]string{"platform", "reason"},
		),
		EligibleTokens: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kpi_scheduler_eligible_tokens",
				Help: "Tokens currently eligible for selection per platform",
			},
			[]string{"platform"},
		),
	}
}

// Stream gateway hook.

func (m *Metrics) ObservePublishLatency(stream string, d time.Duration) {
	m.PublishLatency.WithLabelValues(stream).Observe(d.Seconds())
}

func (m *Metrics) IncPublishError(stream string) {
	m.PublishErrors.WithLabelValues(stream).Inc()
}

func (m *Metrics) IncDeadLetter(reason string) {
	m.DeadLetters.WithLabelValues(reason).Inc()
}

// Backpressure controller hook.

func (m *Metrics) IncDropped(reason, _ string) {
	m.DroppedMessages.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetLevel(level backpressure.Level) {
	m.DegradationLevel.Set(float64(level))
}

func (m *Metrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

// Rate limiter hook.

func (m *Metrics) IncHit(platform, endpoint, tier string) {
	m.RateLimitHits.WithLabelValues(platform, endpoint, tier).Inc()
}

func (m *Metrics) IncAllowed(platform, endpoint string) {
	m.RateLimitAllowed.WithLabelValues(platform, endpoint).Inc()
}

func (m *Metrics) IncStoreError() {
	m.RateStoreErrors.Inc()
}

// SLO gauges.

func (m *Metrics) SetActualPct(metric, service string, v float64) {
	m.SLOActualPct.WithLabelValues(metric, service).Set(v)
}

func (m *Metrics) SetBudgetRemaining(metric, service string, v float64) {
	m.SLOBudgetRemaining.WithLabelValues(metric, service).Set(v)
}

func (m *Metrics) IncBreach(metric, service, severity string) {
	m.SLOBreaches.WithLabelValues(metric, service, severity).Inc()
}

// ETL hook.

func (m *Metrics) IncProcessed(pipeline string, n int) {
	m.ETLProcessed.WithLabelValues(pipeline).Add(float64(n))
}

func (m *Metrics) IncInvalid(pipeline string, n int) {
	m.ETLInvalid.WithLabelValues(pipeline).Add(float64(n))
}

func (m *Metrics) IncFlushError(pipeline string) {
	m.ETLFlushErrors.WithLabelValues(pipeline).Inc()
}

func (m *Metrics) IncDeadLettered(pipeline string, n int) {
	m.ETLDeadLettered.WithLabelValues(pipeline).Add(float64(n))
}

func (m *Metrics) IncDroppedBatch(pipeline string) {
	m.ETLDroppedBatch.WithLabelValues(pipeline).Inc()
}

func (m *Metrics) ObserveFlushDuration(pipeline string, d time.Duration) {
	m.ETLFlushDuration.WithLabelValues(pipeline).Observe(d.Seconds())
}

func (m *Metrics) SetBacklog(pipeline string, n int) {
	m.ETLBacklog.WithLabelValues(pipeline).Set(float64(n))
}

// Scheduler hook.

func (m *Metrics) IncScheduled(platform string) {
	m.JobsScheduled.WithLabelValues(platform).Inc()
}

func (m *Metrics) IncDenied(platform, reason string) {
	m.JobsDenied.WithLabelValues(platform, reason).Inc()
}

func (m *Metrics) SetEligibleTokens(platform string, n int) {
	m.EligibleTokens.WithLabelValues(platform).Set(float64(n))
}
