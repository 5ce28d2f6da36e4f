package domain

import (
	"strings"

	bookingdomain "github.com/smallbiznis/marketpay/internal/booking/domain"
)

// Status is the internal payment state.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusAuthorized  Status = "AUTHORIZED"
	StatusInProcess   Status = "IN_PROCESS"
	StatusInMediation Status = "IN_MEDIATION"
	StatusApproved    Status = "APPROVED"
	StatusRejected    Status = "REJECTED"
	StatusCancelled   Status = "CANCELLED"
	StatusRefunded    Status = "REFUNDED"
	StatusChargedBack Status = "CHARGED_BACK"
)

// AllStatuses lists every status in declaration order.
var AllStatuses = []Status{
	StatusPending,
	StatusAuthorized,
	StatusInProcess,
	StatusInMediation,
	StatusApproved,
	StatusRejected,
	StatusCancelled,
	StatusRefunded,
	StatusChargedBack,
}

var transitions = map[Status][]Status{
	StatusPending:     {StatusApproved, StatusRejected, StatusAuthorized, StatusInProcess, StatusInMediation, StatusCancelled},
	StatusAuthorized:  {StatusApproved, StatusRejected, StatusInProcess, StatusCancelled},
	StatusInProcess:   {StatusApproved, StatusRejected, StatusAuthorized, StatusInMediation, StatusCancelled},
	StatusInMediation: {StatusApproved, StatusRejected, StatusCancelled, StatusRefunded, StatusChargedBack},
	StatusApproved:    {StatusRefunded, StatusChargedBack},
	StatusRejected:    {StatusCancelled},
}

// CanTransitionTo reports whether s may move to target. Staying put is not a
// transition; callers treat it as a no-op.
func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusRefunded, StatusChargedBack, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if known == s {
			return true
		}
	}
	return false
}

var externalStatuses = map[string]Status{
	"pending":      StatusPending,
	"approved":     StatusApproved,
	"authorized":   StatusAuthorized,
	"in_process":   StatusInProcess,
	"in_mediation": StatusInMediation,
	"rejected":     StatusRejected,
	"cancelled":    StatusCancelled,
	"refunded":     StatusRefunded,
	"charged_back": StatusChargedBack,
}

// MapExternalStatus maps a raw gateway status to the internal one. Unknown values map
// to PENDING.
func MapExternalStatus(raw string) Status {
	if status, ok := externalStatuses[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return status
	}
	return StatusPending
}

// BookingPaymentStatus mirrors a payment status onto the booking read model.
func BookingPaymentStatus(s Status) bookingdomain.PaymentStatus {
	switch s {
	case StatusApproved:
		return bookingdomain.PaymentStatusPaid
	case StatusRejected:
		return bookingdomain.PaymentStatusFailed
	case StatusRefunded:
		return bookingdomain.PaymentStatusRefunded
	case StatusCancelled:
		return bookingdomain.PaymentStatusCancelled
	default:
		return bookingdomain.PaymentStatusPending
	}
}
