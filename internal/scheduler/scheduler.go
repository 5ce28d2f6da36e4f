package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/marketpay/internal/audit/domain"
	"github.com/smallbiznis/marketpay/internal/clock"
	obsmetrics "github.com/smallbiznis/marketpay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/marketpay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobGatewayHealth    = "gateway_health"
	JobPendingReconcile = "pending_reconcile"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log      *zap.Logger
	GenID    *snowflake.Node
	Payments paymentdomain.Service
	Gateway  paymentdomain.Gateway
	Audit    auditdomain.Service          `optional:"true"`
	Clock    clock.Clock                  `optional:"true"`
	Metrics  *obsmetrics.SchedulerMetrics `optional:"true"`
	Config   Config                       `optional:"true"`
}

type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	payments paymentdomain.Service
	gateway  paymentdomain.Gateway
	audit    auditdomain.Service
	metrics  *obsmetrics.SchedulerMetrics

	mu                  sync.Mutex
	consecutiveFailures int
	healthy             bool
	lastProbeAt         time.Time
}

// HealthStatus is the last observed gateway health.
type HealthStatus struct {
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastProbeAt         time.Time `json:"last_probe_at,omitempty"`
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Payments == nil || p.Gateway == nil {
		return nil, ErrInvalidConfig
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	metrics := p.Metrics
	if metrics == nil {
		metrics = obsmetrics.Scheduler()
	}
	return &Scheduler{
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    clk,
		payments: p.Payments,
		gateway:  p.Gateway,
		audit:    p.Audit,
		metrics:  metrics,
		healthy:  true,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.beginRun(ctx, name, batchSize)
	log := s.logger(ctx)
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		s.finishRun(ctx, run, err)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks up the remainder
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobGatewayHealth, func(ctx context.Context) error {
			return s.runJob(ctx, JobGatewayHealth, 1, s.cfg.JobTimeout, s.GatewayHealthJob)
		}},
		{JobPendingReconcile, func(ctx context.Context) error {
			return s.runJob(ctx, JobPendingReconcile, s.cfg.BatchSize, s.cfg.JobTimeout, s.PendingReconcileJob)
		}},
	}

	for _, job := range jobs {
		if parent.Err() != nil {
			break
		}
		if s.isJobEnabled(job.Name) {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// GatewayHealthJob probes the gateway. The gateway is reported unhealthy after
// HealthFailureThreshold consecutive failed probes and healthy again on the first
// success.
func (s *Scheduler) GatewayHealthJob(ctx context.Context) error {
	run := runFrom(ctx)
	probeErr := s.gateway.Ping(ctx)
	if probeErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	s.mu.Lock()
	wasHealthy := s.healthy
	s.lastProbeAt = s.clock.Now()
	if probeErr == nil {
		s.consecutiveFailures = 0
		s.healthy = true
	} else {
		s.consecutiveFailures++
		if s.consecutiveFailures >= s.cfg.HealthFailureThreshold {
			s.healthy = false
		}
	}
	healthy := s.healthy
	failures := s.consecutiveFailures
	s.mu.Unlock()

	s.metrics.SetGatewayHealthy(healthy)
	run.done(1)

	if wasHealthy != healthy {
		action := "gateway.recovered"
		if !healthy {
			action = "gateway.unhealthy"
		}
		s.logger(ctx).Warn(action, zap.Int("consecutive_failures", failures), zap.Error(probeErr))
		s.writeAudit(ctx, action, map[string]any{
			"consecutive_failures": failures,
			"threshold":            s.cfg.HealthFailureThreshold,
		})
	}

	if probeErr != nil {
		return errors.Join(obsmetrics.ErrGatewayUnavailable, probeErr)
	}
	return nil
}

// PendingReconcileJob re-syncs payments still waiting on the gateway after
// PendingAge, one batch per run, in case their webhook was lost.
func (s *Scheduler) PendingReconcileJob(ctx context.Context) error {
	run := runFrom(ctx)
	if !s.Health().Healthy {
		s.metrics.IncBatchDeferred(JobPendingReconcile, obsmetrics.SchedulerBatchDeferredReasonGatewayUnhealthy)
		s.logger(ctx).Info("pending sweep deferred while gateway is unhealthy")
		return nil
	}

	cutoff := s.clock.Now().Add(-s.cfg.PendingAge)
	payments, err := s.payments.ListPending(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.paymentFailed(ctx, "scheduler.pending.list.failed", 0, err)
		return err
	}

	var jobErr error
	processed := 0
	for _, payment := range payments {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if !payment.HasExternalID() {
			s.metrics.IncBatchDeferred(JobPendingReconcile, obsmetrics.SchedulerBatchDeferredReasonNoExternalID)
			run.skip()
			continue
		}

		synced, err := s.payments.Sync(ctx, payment.ID, paymentdomain.SourceSweep)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.paymentFailed(ctx, "scheduler.pending.sync.failed", payment.ID, err)
			continue
		}
		processed++
		if synced.Status != payment.Status {
			s.logger(ctx).Info("pending payment reconciled",
				zap.String("payment_id", payment.ID.String()),
				zap.String("from", string(payment.Status)),
				zap.String("to", string(synced.Status)),
			)
		}
	}

	run.done(processed)
	s.metrics.AddBatchProcessed(JobPendingReconcile, "payments", processed)
	return jobErr
}

// Health returns the last observed gateway health.
func (s *Scheduler) Health() HealthStatus {
	if s == nil {
		return HealthStatus{Healthy: true}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return HealthStatus{
		Healthy:             s.healthy,
		ConsecutiveFailures: s.consecutiveFailures,
		LastProbeAt:         s.lastProbeAt,
	}
}

func (s *Scheduler) writeAudit(ctx context.Context, action string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	actorID := "scheduler"
	if err := s.audit.AuditLog(context.WithoutCancel(ctx), string(auditdomain.ActorTypeScheduler), &actorID, action, "gateway", nil, metadata); err != nil {
		s.log.Warn("failed to write scheduler audit log", zap.String("action", action), zap.Error(err))
	}
}
