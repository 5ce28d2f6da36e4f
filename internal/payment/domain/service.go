package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	commissiondomain "github.com/smallbiznis/marketpay/internal/commission/domain"
)

type CreatePaymentRequest struct {
	BookingID    snowflake.ID    `json:"booking_id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency,omitempty"`
	Method       string          `json:"method"`
	Installments int             `json:"installments,omitempty"`
	Description  string          `json:"description,omitempty"`
	Payer        Payer           `json:"payer"`
	BackURLs     BackURLs        `json:"back_urls"`
	ActorID      *string         `json:"-"`
}

type CreatePaymentResponse struct {
	PaymentID          snowflake.ID                 `json:"payment_id"`
	Status             Status                       `json:"status"`
	PreferenceID       string                       `json:"preference_id"`
	CheckoutURL        string                       `json:"checkout_url"`
	SandboxCheckoutURL string                       `json:"sandbox_checkout_url,omitempty"`
	ExternalReference  string                       `json:"external_reference"`
	Commission         commissiondomain.Calculation `json:"commission"`
	CreatedAt          time.Time                    `json:"created_at"`
}

type RefundRequest struct {
	PaymentID snowflake.ID     `json:"payment_id"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	ActorType string           `json:"-"`
	ActorID   *string          `json:"-"`
}

// Update sources, recorded on status change events.
const (
	SourceWebhook      = "webhook"
	SourcePoll         = "poll"
	SourceRefund       = "refund"
	SourceCancellation = "cancellation"
	SourceSweep        = "sweep"
)

// StatusUpdate asks for a payment to move to Status.
type StatusUpdate struct {
	PaymentID      snowflake.ID
	Status         Status
	ExternalID     string
	ExternalStatus string
	GatewayData    json.RawMessage
	RefundedAmount *decimal.Decimal
	Source         string
}

// UpdateResult reports what UpdateStatus did. Changed is false when the payment
// already had the requested status.
type UpdateResult struct {
	Payment  *Payment
	Previous Status
	Changed  bool
}

// EnteredApproved reports whether this update moved the payment into APPROVED.
func (r *UpdateResult) EnteredApproved() bool {
	return r != nil && r.Changed && r.Previous != StatusApproved && r.Payment != nil && r.Payment.Status == StatusApproved
}

type Service interface {
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (*CreatePaymentResponse, error)
	GetPayment(ctx context.Context, id snowflake.ID) (*Payment, error)
	Sync(ctx context.Context, id snowflake.ID, source string) (*Payment, error)
	Refund(ctx context.Context, req RefundRequest) (*Payment, error)
	UpdateStatus(ctx context.Context, update StatusUpdate) (*UpdateResult, error)
	FindLatestByBooking(ctx context.Context, bookingID snowflake.ID) (*Payment, error)
	ListPending(ctx context.Context, before time.Time, limit int) ([]Payment, error)
}
