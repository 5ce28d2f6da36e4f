package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
)

const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonGatewayUnavailable   = "gateway_unavailable"
	SchedulerJobReasonUnknown              = "unknown"

	SchedulerBatchDeferredReasonGatewayUnhealthy = "gateway_unhealthy"
	SchedulerBatchDeferredReasonNoExternalID     = "no_external_id"
)

// ErrGatewayUnavailable marks scheduler failures caused by the payment gateway.
var ErrGatewayUnavailable = errors.New("gateway_unavailable")

// pgReasons maps the Postgres SQLSTATEs a sweep can hit to job error reasons.
var pgReasons = map[string]string{
	"55P03": SchedulerJobReasonDBLockTimeout,
	"40001": SchedulerJobReasonSerializationFailure,
	"23505": SchedulerJobReasonUniqueViolation,
}

// SchedulerMetrics captures background job health signals.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	batchDeferred  *prometheus.CounterVec
	runLoopLag     prometheus.Histogram
	gatewayHealthy prometheus.Gauge
}

var (
	schedulerOnce    sync.Once
	schedulerMetrics *SchedulerMetrics
)

// Scheduler returns the process-wide scheduler metrics.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the process-wide scheduler metrics, labelled
// from cfg on first use.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// NewSchedulerMetricsForTest builds scheduler metrics on an isolated registry.
func NewSchedulerMetricsForTest(registerer prometheus.Registerer) *SchedulerMetrics {
	return newSchedulerMetrics(registerer, Config{ServiceName: "marketpay", Environment: "test"})
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)
	labels := serviceLabels(cfg)
	counter := func(name, help string, keys ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "marketpay_scheduler_" + name,
			Help:        help,
			ConstLabels: labels,
		}, keys)
	}

	m := &SchedulerMetrics{
		jobRuns:        counter("job_runs_total", "Scheduler job runs by name.", "job"),
		jobTimeouts:    counter("job_timeouts_total", "Scheduler job runs cut short by their deadline.", "job"),
		jobErrors:      counter("job_errors_total", "Scheduler job errors by reason.", "job", "reason"),
		batchProcessed: counter("batch_processed_total", "Items a scheduler job handled.", "job", "resource"),
		batchDeferred:  counter("batch_deferred_total", "Items a scheduler job left for a later run.", "job", "reason"),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "marketpay_scheduler_job_duration_seconds",
			Help:        "Scheduler job latency.",
			Buckets:     prometheus.ExponentialBucketsRange(0.01, 120, 12),
			ConstLabels: labels,
		}, []string{"job"}),
		runLoopLag: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "marketpay_scheduler_runloop_lag_seconds",
			Help:        "How late a scheduler tick started.",
			Buckets:     prometheus.ExponentialBucketsRange(0.01, 300, 12),
			ConstLabels: labels,
		}),
		gatewayHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "marketpay_gateway_healthy",
			Help:        "1 while the payment gateway answers health probes.",
			ConstLabels: labels,
		}),
	}
	m.gatewayHealthy.Set(1)
	return m
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m != nil {
		m.jobRuns.WithLabelValues(job).Inc()
	}
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m != nil {
		m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m != nil {
		m.jobTimeouts.WithLabelValues(job).Inc()
	}
}

// IncJobError counts err under its classified reason.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m != nil && err != nil {
		m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
	}
}

func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m != nil && count > 0 {
		m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
	}
}

func (m *SchedulerMetrics) IncBatchDeferred(job, reason string) {
	if m != nil {
		m.batchDeferred.WithLabelValues(job, reason).Inc()
	}
}

// ObserveRunLoopLag records how far behind schedule a tick started.
func (m *SchedulerMetrics) ObserveRunLoopLag(lag time.Duration) {
	if m != nil {
		m.runLoopLag.Observe(max(lag, 0).Seconds())
	}
}

func (m *SchedulerMetrics) SetGatewayHealthy(healthy bool) {
	if m == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1
	}
	m.gatewayHealthy.Set(value)
}

// ClassifySchedulerJobReason maps a job error to a low-cardinality reason.
func ClassifySchedulerJobReason(err error) string {
	switch {
	case err == nil:
		return SchedulerJobReasonUnknown
	case isContextDone(err):
		return SchedulerJobReasonDeadlineExceeded
	case errors.Is(err, ErrGatewayUnavailable):
		return SchedulerJobReasonGatewayUnavailable
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return SchedulerJobReasonUniqueViolation
	}
	if reason, ok := pgReasons[pgCode(err)]; ok {
		return reason
	}
	return SchedulerJobReasonUnknown
}

// IsSchedulerErrorRetryable reports whether the next run can be expected to
// succeed where this one failed.
func IsSchedulerErrorRetryable(err error) bool {
	switch ClassifySchedulerJobReason(err) {
	case SchedulerJobReasonDeadlineExceeded,
		SchedulerJobReasonGatewayUnavailable,
		SchedulerJobReasonDBLockTimeout,
		SchedulerJobReasonSerializationFailure:
		return true
	}
	return false
}

func isContextDone(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
