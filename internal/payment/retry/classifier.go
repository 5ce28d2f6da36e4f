package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/smallbiznis/marketpay/internal/payment/domain"
)

// Classification tells the executor whether a failed attempt may be repeated.
type Classification string

const (
	Retryable Classification = "retryable"
	Terminal  Classification = "terminal"
)

var retryableErrnos = []syscall.Errno{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
	syscall.EPIPE,
	syscall.ETIMEDOUT,
}

// Messages seen when the transport error has been flattened to a string.
var retryableMessages = []string{
	"connection reset",
	"connection refused",
	"connection aborted",
	"host is unreachable",
	"no route to host",
	"network is unreachable",
	"broken pipe",
	"unexpected eof",
	"no such host",
	"i/o timeout",
}

// Classify sorts an attempt error into retryable or terminal.
func Classify(err error) Classification {
	if err == nil {
		return Terminal
	}

	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		return Terminal
	}
	if errors.Is(err, context.Canceled) {
		return Terminal
	}

	var gatewayErr *domain.GatewayError
	if errors.As(err, &gatewayErr) {
		if gatewayErr.Timeout {
			return Retryable
		}
		if gatewayErr.StatusCode >= http.StatusInternalServerError || gatewayErr.StatusCode == http.StatusTooManyRequests {
			return Retryable
		}
		if gatewayErr.StatusCode != 0 {
			return Terminal
		}
		if gatewayErr.Cause == nil {
			return Terminal
		}
		err = gatewayErr.Cause
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return Retryable
	}
	for _, errno := range retryableErrnos {
		if errors.Is(err, errno) {
			return Retryable
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range retryableMessages {
		if strings.Contains(msg, fragment) {
			return Retryable
		}
	}
	return Terminal
}

func IsRetryable(err error) bool {
	return Classify(err) == Retryable
}
