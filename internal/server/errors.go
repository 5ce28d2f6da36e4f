package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/marketpay/internal/audit/domain"
	bookingdomain "github.com/smallbiznis/marketpay/internal/booking/domain"
	commissiondomain "github.com/smallbiznis/marketpay/internal/commission/domain"
	paymentdomain "github.com/smallbiznis/marketpay/internal/payment/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrTooManyRequests    = errors.New("too_many_requests")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// errorRule maps a family of errors onto one response shape. Rules are tried
// in order; the first match wins.
type errorRule struct {
	status  int
	kind    string
	message string
	match   func(error) bool
}

var errorRules = []errorRule{
	{http.StatusBadRequest, "validation_error", "validation error", isValidationError},
	{http.StatusBadGateway, "gateway_error", "payment gateway error", isType[*paymentdomain.GatewayError]},
	{http.StatusUnprocessableEntity, "invalid_transition", "", isAny(paymentdomain.ErrInvalidTransition)},
	{http.StatusConflict, "conflict", "conflict", isAny(
		ErrConflict,
		paymentdomain.ErrConcurrentUpdate,
		paymentdomain.ErrLockNotAcquired,
	)},
	{http.StatusNotFound, "not_found", "not found", isAny(
		ErrNotFound,
		paymentdomain.ErrPaymentNotFound,
		paymentdomain.ErrBookingNotFound,
		paymentdomain.ErrProviderNotFound,
		bookingdomain.ErrBookingNotFound,
		gorm.ErrRecordNotFound,
	)},
	{http.StatusTooManyRequests, "too_many_requests", "too many requests", isAny(ErrTooManyRequests)},
	{http.StatusServiceUnavailable, "service_unavailable", "service unavailable", isAny(
		ErrServiceUnavailable,
		context.DeadlineExceeded,
	)},
}

var validationSentinels = []error{
	ErrInvalidRequest,
	commissiondomain.ErrInvalidAmount,
	paymentdomain.ErrInvalidPayload,
	paymentdomain.ErrInvalidSignature,
	auditdomain.ErrInvalidPageToken,
	auditdomain.ErrInvalidTimeRange,
	auditdomain.ErrInvalidAction,
}

func mapError(err error) (int, errorPayload) {
	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: "validation error", Errors: vErr.Errors}
	}

	var domainErr *paymentdomain.ValidationError
	if errors.As(err, &domainErr) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: domainErr.Message,
			Errors: []ValidationError{{
				Field:   domainErr.Field,
				Code:    "invalid_" + domainErr.Field,
				Message: domainErr.Message,
			}},
		}
	}

	var reconcileErr *paymentdomain.ReconciliationError
	if errors.As(err, &reconcileErr) {
		return http.StatusUnprocessableEntity, errorPayload{Type: "reconciliation_error", Message: reconcileErr.Reason}
	}

	for _, rule := range errorRules {
		if err == nil || !rule.match(err) {
			continue
		}
		payload := errorPayload{Type: rule.kind, Message: rule.message}
		switch {
		case payload.Message == "":
			payload.Message = err.Error()
		case rule.kind == "validation_error":
			payload.Errors = []ValidationError{{Field: "request", Code: err.Error(), Message: "invalid value"}}
		}
		return rule.status, payload
	}
	return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	return isAny(validationSentinels...)(err)
}

func isAny(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}
}

func isType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// classifyErrorForLog returns the response type and status for request logs.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	return payload.Type, http.StatusText(status)
}
