package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/marketpay/internal/audit/domain"
	"github.com/smallbiznis/marketpay/internal/auditcontext"
	obslogger "github.com/smallbiznis/marketpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/marketpay/internal/observability/metrics"
	"github.com/smallbiznis/marketpay/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

// jobRun tallies a single execution of a job. Its id doubles as the
// correlation id of every event and log line the run produces.
type jobRun struct {
	job       string
	id        string
	batch     int
	started   time.Time
	processed int
	deferred  int
	failed    int
}

type runKey struct{}

func runFrom(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	run, _ := ctx.Value(runKey{}).(*jobRun)
	return run
}

func (r *jobRun) done(n int) {
	if r != nil && n > 0 {
		r.processed += n
	}
}

func (r *jobRun) skip() {
	if r != nil {
		r.deferred++
	}
}

func (r *jobRun) fail() {
	if r != nil {
		r.failed++
	}
}

// beginRun attaches a run to ctx unless one is already there. The returned
// bool reports whether the caller owns the run and must close it.
func (s *Scheduler) beginRun(ctx context.Context, job string, batch int) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if run := runFrom(ctx); run != nil {
		return ctx, run, false
	}

	run := &jobRun{
		job:     job,
		id:      s.genID.Generate().String(),
		batch:   batch,
		started: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, runKey{}, run)
	ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeScheduler), "scheduler")
	if correlation.FromContext(ctx) == "" {
		ctx = correlation.WithID(ctx, job+"-"+run.id)
	}
	ctx = obslogger.WithLogger(ctx, s.log.With(zap.String("job", job), zap.String("run_id", run.id)))

	s.logger(ctx).Debug("scheduler.job.start", zap.Int("batch_size", batch))
	return ctx, run, true
}

// finishRun writes the closing line of a run; err counts as a failure when
// the job itself recorded none.
func (s *Scheduler) finishRun(ctx context.Context, run *jobRun, err error) {
	if run == nil {
		return
	}
	if err != nil && run.failed == 0 {
		run.fail()
	}

	fields := []zap.Field{
		zap.Int64("duration_ms", s.clock.Now().Sub(run.started).Milliseconds()),
		zap.Int("processed_count", run.processed),
		zap.Int("deferred_count", run.deferred),
		zap.Int("error_count", run.failed),
	}
	if run.failed > 0 {
		s.logger(ctx).Warn("scheduler.job.finish", fields...)
		return
	}
	s.logger(ctx).Info("scheduler.job.finish", fields...)
}

// logger prefers the run-scoped logger pinned by beginRun.
func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	if runFrom(ctx) != nil {
		return obslogger.FromContext(ctx)
	}
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) paymentFailed(ctx context.Context, msg string, paymentID snowflake.ID, err error) {
	if err == nil {
		return
	}
	runFrom(ctx).fail()

	fields := []zap.Field{
		zap.String("error_type", obsmetrics.ClassifySchedulerJobReason(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	}
	if paymentID != 0 {
		fields = append(fields, zap.String("payment_id", paymentID.String()))
	}
	s.logger(ctx).Error(msg, fields...)
}
