package retry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	auditdomain "github.com/smallbiznis/marketpay/internal/audit/domain"
	"github.com/smallbiznis/marketpay/internal/config"
	"github.com/smallbiznis/marketpay/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordedAudit struct {
	action   string
	metadata map[string]any
}

type recordingAuditService struct {
	mu      sync.Mutex
	entries []recordedAudit
}

func (r *recordingAuditService) AuditLog(ctx context.Context, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, recordedAudit{action: action, metadata: metadata})
	return nil
}

func (r *recordingAuditService) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

func unavailable() error {
	return &domain.GatewayError{Op: "get_payment", StatusCode: http.StatusServiceUnavailable, Message: "service unavailable"}
}

func TestExecutorExponentialDelays(t *testing.T) {
	var attempts []Attempt
	audit := &recordingAuditService{}
	exec := NewExecutor(
		config.RetryConfig{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, Exponential: true, MaxDelay: 30 * time.Second},
		zaptest.NewLogger(t),
		WithAudit(audit),
		WithObserver(func(a Attempt) { attempts = append(attempts, a) }),
	)

	calls := 0
	got, err := Do(context.Background(), exec, "get_payment", func(ctx context.Context) (int, error) {
		calls++
		if calls <= 3 {
			return 0, unavailable()
		}
		return calls, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, got)
	assert.Equal(t, 4, calls)

	require.Len(t, attempts, 4)
	assert.Equal(t, 100*time.Millisecond, attempts[0].NextDelay)
	assert.Equal(t, 200*time.Millisecond, attempts[1].NextDelay)
	assert.Equal(t, 400*time.Millisecond, attempts[2].NextDelay)
	for i := 0; i < 3; i++ {
		assert.Equal(t, string(Retryable), attempts[i].Outcome)
		assert.Equal(t, i+1, attempts[i].Number)
	}
	assert.Equal(t, OutcomeSuccess, attempts[3].Outcome)

	require.Len(t, audit.entries, 4)
	for _, entry := range audit.entries {
		assert.Equal(t, "gateway.attempt", entry.action)
		assert.Equal(t, "get_payment", entry.metadata["operation"])
	}
	assert.Equal(t, int64(200), audit.entries[1].metadata["next_delay_ms"])
}

func TestExecutorConstantDelays(t *testing.T) {
	var delays []time.Duration
	exec := NewExecutor(
		config.RetryConfig{MaxRetries: 2, BaseDelay: 5 * time.Millisecond},
		zaptest.NewLogger(t),
		WithObserver(func(a Attempt) {
			if a.Outcome == string(Retryable) && a.NextDelay > 0 {
				delays = append(delays, a.NextDelay)
			}
		}),
	)

	calls := 0
	err := exec.Do(context.Background(), "refund", func(ctx context.Context) error {
		calls++
		return unavailable()
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 5 * time.Millisecond}, delays)
}

func TestExecutorStopsOnTerminalError(t *testing.T) {
	var attempts []Attempt
	exec := NewExecutor(
		config.RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, Exponential: true},
		zaptest.NewLogger(t),
		WithObserver(func(a Attempt) { attempts = append(attempts, a) }),
	)

	want := domain.NewValidationError("amount", "Amount too low for credit_card")
	calls := 0
	err := exec.Do(context.Background(), "create_preference", func(ctx context.Context) error {
		calls++
		return want
	})
	assert.Same(t, want, err)
	assert.Equal(t, 1, calls)
	require.Len(t, attempts, 1)
	assert.Equal(t, string(Terminal), attempts[0].Outcome)
}

func TestExecutorReturnsLastErrorUnchanged(t *testing.T) {
	exec := NewExecutor(config.RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, Exponential: true}, zaptest.NewLogger(t))

	var last error
	calls := 0
	err := exec.Do(context.Background(), "get_payment", func(ctx context.Context) error {
		calls++
		last = &domain.GatewayError{Op: "get_payment", StatusCode: http.StatusBadGateway, Message: "attempt"}
		return last
	})
	assert.Equal(t, 3, calls)
	assert.Same(t, last, err)

	var gwErr *domain.GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, http.StatusBadGateway, gwErr.StatusCode)
}

func TestExecutorZeroRetriesRunsOnce(t *testing.T) {
	exec := NewExecutor(config.RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond}, zaptest.NewLogger(t))

	calls := 0
	err := exec.Do(context.Background(), "ping", func(ctx context.Context) error {
		calls++
		return unavailable()
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecutorHonoursCancellation(t *testing.T) {
	var attempts []Attempt
	exec := NewExecutor(
		config.RetryConfig{MaxRetries: 5, BaseDelay: time.Second, Exponential: true},
		zaptest.NewLogger(t),
		WithObserver(func(a Attempt) { attempts = append(attempts, a) }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	started := time.Now()
	err := exec.Do(ctx, "get_payment", func(ctx context.Context) error {
		calls++
		return unavailable()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(started), time.Second)
	require.NotEmpty(t, attempts)
	assert.Equal(t, string(Retryable), attempts[0].Outcome)
}

func TestExecutorMaxDelayCaps(t *testing.T) {
	var delays []time.Duration
	exec := NewExecutor(
		config.RetryConfig{MaxRetries: 4, BaseDelay: 2 * time.Millisecond, Exponential: true, MaxDelay: 5 * time.Millisecond},
		zaptest.NewLogger(t),
		WithObserver(func(a Attempt) {
			if a.NextDelay > 0 {
				delays = append(delays, a.NextDelay)
			}
		}),
	)

	_ = exec.Do(context.Background(), "get_payment", func(ctx context.Context) error {
		return unavailable()
	})
	assert.Equal(t, []time.Duration{2 * time.Millisecond, 4 * time.Millisecond, 5 * time.Millisecond, 5 * time.Millisecond}, delays)
}

func TestExecutorTerminalErrorOnLastAttemptIsUnchanged(t *testing.T) {
	unavailable := &domain.GatewayError{Op: "refund", StatusCode: http.StatusServiceUnavailable, Message: "busy"}
	rejected := &domain.GatewayError{Op: "refund", StatusCode: http.StatusBadRequest, Message: "invalid amount"}
	invalid := domain.NewValidationError("amount", "Amount too low for credit_card")

	cases := map[string]struct {
		retries int
		errs    []error
		want    error
	}{
		"no retries":            {retries: 0, errs: []error{invalid}, want: invalid},
		"terminal after 503":    {retries: 1, errs: []error{unavailable, rejected}, want: rejected},
		"terminal with retries": {retries: 3, errs: []error{unavailable, rejected}, want: rejected},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			exec := NewExecutor(config.RetryConfig{MaxRetries: tc.retries, BaseDelay: time.Millisecond}, zaptest.NewLogger(t))
			calls := 0
			_, err := Do(context.Background(), exec, "refund", func(ctx context.Context) (string, error) {
				e := tc.errs[calls]
				calls++
				return "", e
			})
			assert.Same(t, tc.want, err)
			assert.Equal(t, len(tc.errs), calls)
		})
	}
}
