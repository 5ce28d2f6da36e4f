package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/marketpay/internal/auditcontext"
	"github.com/smallbiznis/marketpay/internal/events"
	obsmetrics "github.com/smallbiznis/marketpay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/marketpay/internal/payment/domain"
	"github.com/smallbiznis/marketpay/internal/payment/paymenttest"
	"github.com/smallbiznis/marketpay/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, h *paymenttest.Harness, registry *prometheus.Registry, cfg Config) *Scheduler {
	t.Helper()
	s, err := New(Params{
		Log:      h.Log,
		GenID:    h.Node,
		Payments: h.Payments,
		Gateway:  h.Gateway,
		Audit:    h.Audit,
		Clock:    h.Clock,
		Metrics:  obsmetrics.NewSchedulerMetricsForTest(registry),
		Config:   cfg,
	})
	require.NoError(t, err)
	return s
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	h := paymenttest.New(t)
	registry := prometheus.NewRegistry()
	s := newTestScheduler(t, h, registry, Config{})

	err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "marketpay",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "marketpay_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "marketpay",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "marketpay_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunJobWrapsFailures(t *testing.T) {
	h := paymenttest.New(t)
	s := newTestScheduler(t, h, prometheus.NewRegistry(), Config{})

	boom := errors.New("boom")
	err := s.runJob(context.Background(), "failing_job", 1, time.Second, func(ctx context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failing_job")
}

func TestGatewayHealthThreshold(t *testing.T) {
	h := paymenttest.New(t)
	registry := prometheus.NewRegistry()
	s := newTestScheduler(t, h, registry, Config{HealthFailureThreshold: 3})
	ctx := context.Background()

	down := &paymentdomain.GatewayError{Op: "ping", StatusCode: 503}
	gomock.InOrder(
		h.Gateway.EXPECT().Ping(gomock.Any()).Return(down).Times(3),
		h.Gateway.EXPECT().Ping(gomock.Any()).Return(nil),
	)

	for i := 1; i <= 2; i++ {
		err := s.GatewayHealthJob(ctx)
		require.ErrorIs(t, err, obsmetrics.ErrGatewayUnavailable)
		health := s.Health()
		assert.True(t, health.Healthy, "probe %d", i)
		assert.Equal(t, i, health.ConsecutiveFailures)
	}

	require.Error(t, s.GatewayHealthJob(ctx))
	assert.False(t, s.Health().Healthy)
	assert.Equal(t, 0.0, getGaugeValue(t, registry, "marketpay_gateway_healthy"))
	assert.Len(t, h.Audit.Filter("gateway.unhealthy"), 1)

	require.NoError(t, s.GatewayHealthJob(ctx))
	health := s.Health()
	assert.True(t, health.Healthy)
	assert.Zero(t, health.ConsecutiveFailures)
	assert.Equal(t, paymenttest.Now, health.LastProbeAt)
	assert.Equal(t, 1.0, getGaugeValue(t, registry, "marketpay_gateway_healthy"))
	assert.Len(t, h.Audit.Filter("gateway.recovered"), 1)
}

func TestPendingReconcileSyncsStalePayments(t *testing.T) {
	h := paymenttest.New(t)
	registry := prometheus.NewRegistry()
	s := newTestScheduler(t, h, registry, Config{PendingAge: 15 * time.Minute})

	bookingID, providerID := h.SeedBooking(paymenttest.Now.Add(72 * time.Hour))
	stale := h.InsertPayment(bookingID, providerID, paymentdomain.StatusPending, "mp-700", "10000")
	noExternal := h.InsertPayment(bookingID, providerID, paymentdomain.StatusPending, "", "10000")

	h.Clock.Advance(20 * time.Minute)
	fresh := h.InsertPayment(bookingID, providerID, paymentdomain.StatusPending, "mp-701", "10000")

	h.Gateway.EXPECT().GetPayment(gomock.Any(), "mp-700").Return(&paymentdomain.GatewayPayment{
		ID:                "mp-700",
		Status:            "approved",
		TransactionAmount: decimal.RequireFromString("10000"),
		Raw:               []byte(`{"id":"mp-700","status":"approved"}`),
	}, nil)

	ctx, run, _ := s.beginRun(context.Background(), JobPendingReconcile, 50)
	require.NoError(t, s.PendingReconcileJob(ctx))
	assert.Equal(t, 1, run.processed)
	assert.Equal(t, 1, run.deferred)

	assert.Equal(t, paymentdomain.StatusApproved, h.Payment(stale.ID).Status)
	assert.Equal(t, paymentdomain.StatusPending, h.Payment(noExternal.ID).Status)
	assert.Equal(t, paymentdomain.StatusPending, h.Payment(fresh.ID).Status)

	var sources []any
	for _, e := range h.Publisher.Events() {
		if e.Type == events.TypePaymentStatusChanged {
			sources = append(sources, e.Data["source"])
		}
	}
	assert.Equal(t, []any{paymentdomain.SourceSweep}, sources)

	labels := map[string]string{
		"service": "marketpay",
		"env":     "test",
		"job":     JobPendingReconcile,
		"reason":  obsmetrics.SchedulerBatchDeferredReasonNoExternalID,
	}
	assert.Equal(t, 1.0, getCounterValue(t, registry, "marketpay_scheduler_batch_deferred_total", labels))
}

func TestPendingReconcileDeferredWhileGatewayUnhealthy(t *testing.T) {
	h := paymenttest.New(t)
	s := newTestScheduler(t, h, prometheus.NewRegistry(), Config{HealthFailureThreshold: 1})

	bookingID, providerID := h.SeedBooking(paymenttest.Now.Add(72 * time.Hour))
	payment := h.InsertPayment(bookingID, providerID, paymentdomain.StatusPending, "mp-702", "10000")
	h.Clock.Advance(time.Hour)

	h.Gateway.EXPECT().Ping(gomock.Any()).Return(errors.New("connection refused"))
	require.Error(t, s.GatewayHealthJob(context.Background()))

	require.NoError(t, s.PendingReconcileJob(context.Background()))
	assert.Equal(t, paymentdomain.StatusPending, h.Payment(payment.ID).Status)
}

func TestRunOnceJoinsJobErrors(t *testing.T) {
	h := paymenttest.New(t)
	s := newTestScheduler(t, h, prometheus.NewRegistry(), Config{HealthFailureThreshold: 5})

	bookingID, providerID := h.SeedBooking(paymenttest.Now.Add(72 * time.Hour))
	payment := h.InsertPayment(bookingID, providerID, paymentdomain.StatusPending, "mp-703", "10000")
	h.Clock.Advance(time.Hour)

	h.Gateway.EXPECT().Ping(gomock.Any()).Return(errors.New("connection refused"))
	h.Gateway.EXPECT().GetPayment(gomock.Any(), "mp-703").Return(&paymentdomain.GatewayPayment{
		ID:     "mp-703",
		Status: "rejected",
	}, nil)

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobGatewayHealth)
	assert.NotContains(t, err.Error(), JobPendingReconcile)
	assert.Equal(t, paymentdomain.StatusRejected, h.Payment(payment.ID).Status)
}

func TestRunOnceHonoursEnabledJobs(t *testing.T) {
	h := paymenttest.New(t)
	s := newTestScheduler(t, h, prometheus.NewRegistry(), Config{EnabledJobs: []string{"GATEWAY_HEALTH"}})

	h.Gateway.EXPECT().Ping(gomock.Any()).Return(nil)
	require.NoError(t, s.RunOnce(context.Background()))
	assert.True(t, s.isJobEnabled(JobGatewayHealth))
	assert.False(t, s.isJobEnabled(JobPendingReconcile))
}

func TestRunForeverStopsOnCancel(t *testing.T) {
	h := paymenttest.New(t)
	s := newTestScheduler(t, h, prometheus.NewRegistry(), Config{RunInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunForever(ctx)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunForever did not return after cancel")
	}
}

func TestProvideConfigAppliesDefaults(t *testing.T) {
	cfg := ProvideConfig(paymenttest.Config())
	assert.Equal(t, time.Minute, cfg.RunInterval)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 15*time.Minute, cfg.PendingAge)
	assert.Equal(t, 3, cfg.HealthFailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.JobTimeout)
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metric := findMetric(t, registry, name, labels)
	if metric.Counter == nil {
		t.Fatalf("metric %s is not a counter", name)
	}
	return metric.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	metric := findMetric(t, registry, name, map[string]string{"service": "marketpay", "env": "test"})
	if metric.Gauge == nil {
		t.Fatalf("metric %s is not a gauge", name)
	}
	return metric.GetGauge().GetValue()
}

func findMetric(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if labelsMatch(metric, labels) {
				return metric
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return nil
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}

func TestBeginRunScopesContext(t *testing.T) {
	h := paymenttest.New(t)
	s := newTestScheduler(t, h, prometheus.NewRegistry(), Config{})

	ctx, run, owner := s.beginRun(context.Background(), JobGatewayHealth, 1)
	require.True(t, owner)
	assert.Equal(t, JobGatewayHealth+"-"+run.id, correlation.FromContext(ctx))
	actorType, actorID := auditcontext.ActorFromContext(ctx)
	assert.Equal(t, "scheduler", actorType)
	assert.Equal(t, "scheduler", actorID)

	nested, again, owner := s.beginRun(ctx, JobPendingReconcile, 10)
	assert.False(t, owner)
	assert.Same(t, run, again)
	assert.Equal(t, ctx, nested)

	pinned := correlation.WithID(context.Background(), "req-7")
	ctx, _, _ = s.beginRun(pinned, JobGatewayHealth, 1)
	assert.Equal(t, "req-7", correlation.FromContext(ctx))

	run.fail()
	s.finishRun(ctx, run, errors.New("boom"))
	assert.Equal(t, 1, run.failed)
}
