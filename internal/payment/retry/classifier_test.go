package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"

	"github.com/smallbiznis/marketpay/internal/payment/domain"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "read tcp: timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Classification
	}{
		{name: "nil", err: nil, want: Terminal},
		{name: "validation", err: domain.NewValidationError("amount", "Amount too low for credit_card"), want: Terminal},
		{name: "wrapped validation", err: fmt.Errorf("create: %w", domain.NewValidationError("", "Booking not found")), want: Terminal},
		{name: "canceled", err: context.Canceled, want: Terminal},
		{name: "deadline", err: context.DeadlineExceeded, want: Retryable},
		{name: "gateway 500", err: &domain.GatewayError{StatusCode: http.StatusInternalServerError}, want: Retryable},
		{name: "gateway 503", err: &domain.GatewayError{StatusCode: http.StatusServiceUnavailable}, want: Retryable},
		{name: "gateway 429", err: &domain.GatewayError{StatusCode: http.StatusTooManyRequests}, want: Retryable},
		{name: "gateway 400", err: &domain.GatewayError{StatusCode: http.StatusBadRequest}, want: Terminal},
		{name: "gateway 404", err: &domain.GatewayError{StatusCode: http.StatusNotFound}, want: Terminal},
		{name: "gateway timeout flag", err: &domain.GatewayError{Timeout: true}, want: Retryable},
		{name: "gateway conn reset cause", err: &domain.GatewayError{Cause: &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}}, want: Retryable},
		{name: "gateway canceled cause", err: &domain.GatewayError{Cause: context.Canceled}, want: Terminal},
		{name: "conn refused", err: &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, want: Retryable},
		{name: "conn aborted", err: syscall.ECONNABORTED, want: Retryable},
		{name: "host unreachable", err: syscall.EHOSTUNREACH, want: Retryable},
		{name: "network unreachable", err: syscall.ENETUNREACH, want: Retryable},
		{name: "broken pipe", err: syscall.EPIPE, want: Retryable},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, want: Retryable},
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "api.example.com"}, want: Retryable},
		{name: "net timeout", err: timeoutErr{}, want: Retryable},
		{name: "flattened reset", err: errors.New("read: connection reset by peer"), want: Retryable},
		{name: "other", err: errors.New("json: cannot unmarshal"), want: Terminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
			assert.Equal(t, tt.want == Retryable, IsRetryable(tt.err))
		})
	}
}
