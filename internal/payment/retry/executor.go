package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	auditdomain "github.com/smallbiznis/marketpay/internal/audit/domain"
	"github.com/smallbiznis/marketpay/internal/config"
	obsmetrics "github.com/smallbiznis/marketpay/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultMaxDelay = 30 * time.Second

	OutcomeSuccess = "success"
)

// Attempt describes one finished call made by the executor.
type Attempt struct {
	Operation string
	Number    int
	Outcome   string
	Err       error
	NextDelay time.Duration
}

type Params struct {
	fx.In

	Cfg     config.Config
	Log     *zap.Logger
	Audit   auditdomain.Service  `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// Executor runs gateway calls with classification-driven retries.
type Executor struct {
	cfg     config.RetryConfig
	log     *zap.Logger
	audit   auditdomain.Service
	metrics *obsmetrics.Metrics
	observe func(Attempt)
}

type Option func(*Executor)

// WithObserver registers a hook called after every attempt.
func WithObserver(fn func(Attempt)) Option {
	return func(e *Executor) {
		e.observe = fn
	}
}

func WithAudit(svc auditdomain.Service) Option {
	return func(e *Executor) {
		e.audit = svc
	}
}

func WithMetrics(m *obsmetrics.Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

func New(p Params) *Executor {
	return NewExecutor(p.Cfg.Retry, p.Log, WithAudit(p.Audit), WithMetrics(p.Metrics))
}

func NewExecutor(cfg config.RetryConfig, log *zap.Logger, opts ...Option) *Executor {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Executor{
		cfg: cfg,
		log: log.Named("payment.retry"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxAttempts is the first call plus the configured retries.
func (e *Executor) MaxAttempts() int {
	return 1 + e.cfg.MaxRetries
}

func (e *Executor) newBackOff() backoff.BackOff {
	if !e.cfg.Exponential {
		interval := e.cfg.BaseDelay
		if interval > e.cfg.MaxDelay {
			interval = e.cfg.MaxDelay
		}
		return backoff.NewConstantBackOff(interval)
	}
	return &backoff.ExponentialBackOff{
		InitialInterval:     e.cfg.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         e.cfg.MaxDelay,
	}
}

// Do runs fn until it succeeds, fails terminally or exhausts the attempts.
func (e *Executor) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, e, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is the value-returning form of Executor.Do. The last attempt error is returned
// unchanged.
func Do[T any](ctx context.Context, e *Executor, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	maxAttempts := e.MaxAttempts()
	attempt := 0
	pending := false
	var lastErr error

	op := func() (T, error) {
		attempt++
		result, err := fn(ctx)
		if err == nil {
			pending = false
			e.record(ctx, Attempt{Operation: operation, Number: attempt, Outcome: OutcomeSuccess})
			return result, nil
		}
		lastErr = err

		class := Classify(err)
		if class == Terminal {
			pending = false
			e.record(ctx, Attempt{Operation: operation, Number: attempt, Outcome: string(Terminal), Err: err})
			// Retry checks MaxTries before unwrapping, so the last attempt
			// must not be marked permanent.
			if attempt >= maxAttempts {
				return result, err
			}
			return result, backoff.Permanent(err)
		}
		if attempt >= maxAttempts {
			pending = false
			e.record(ctx, Attempt{Operation: operation, Number: attempt, Outcome: string(Retryable), Err: err})
			return result, err
		}
		pending = true
		return result, err
	}

	notify := func(err error, next time.Duration) {
		pending = false
		e.log.Warn("gateway call failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("next_delay", next),
			zap.Error(err),
		)
		e.record(ctx, Attempt{Operation: operation, Number: attempt, Outcome: string(Retryable), Err: err, NextDelay: next})
	}

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(e.newBackOff()),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err == nil {
		return result, nil
	}
	if permanent, ok := err.(*backoff.PermanentError); ok {
		err = permanent.Unwrap()
	}
	if pending {
		// ctx ended between a retryable failure and the next attempt.
		e.log.Debug("retry sequence interrupted by context",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.NamedError("last_error", lastErr),
			zap.Error(err),
		)
		e.record(ctx, Attempt{Operation: operation, Number: attempt, Outcome: string(Terminal), Err: lastErr})
	}
	return result, err
}

func (e *Executor) record(ctx context.Context, a Attempt) {
	if e.metrics != nil {
		e.metrics.RecordGatewayAttempt(ctx, a.Operation, a.Outcome)
	}
	if e.observe != nil {
		e.observe(a)
	}
	if e.audit == nil {
		return
	}

	metadata := map[string]any{
		"operation":     a.Operation,
		"attempt":       a.Number,
		"outcome":       a.Outcome,
		"next_delay_ms": a.NextDelay.Milliseconds(),
	}
	if a.Err != nil {
		metadata["error"] = a.Err.Error()
	}
	target := a.Operation
	auditCtx := context.WithoutCancel(ctx)
	if err := e.audit.AuditLog(auditCtx, string(auditdomain.ActorTypeSystem), nil, "gateway.attempt", "gateway_operation", &target, metadata); err != nil {
		e.log.Warn("failed to audit gateway attempt", zap.String("operation", a.Operation), zap.Error(err))
	}
}
