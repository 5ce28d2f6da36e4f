package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusNoShow    Status = "NO_SHOW"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusPaid      PaymentStatus = "PAID"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
)

var ErrBookingNotFound = errors.New("booking_not_found")

// Booking is the read model owned by the booking service. Only payment_status and
// the cancellation fields are written from here.
type Booking struct {
	ID                 snowflake.ID    `json:"id"`
	ProviderID         snowflake.ID    `json:"provider_id"`
	ClientID           snowflake.ID    `json:"client_id"`
	Status             Status          `json:"status"`
	PaymentStatus      PaymentStatus   `json:"payment_status"`
	Amount             decimal.Decimal `json:"amount"`
	StartTime          time.Time       `json:"start_time"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	CancelledBy        *string         `json:"cancelled_by,omitempty"`
	CancellationReason *string         `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func (Booking) TableName() string { return "bookings" }

// Cancellation carries the fields stamped when a booking is cancelled.
type Cancellation struct {
	PaymentStatus PaymentStatus
	CancelledBy   string
	Reason        string
	CancelledAt   time.Time
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Booking, error)
	UpdatePaymentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status PaymentStatus, at time.Time) error
	MarkCancelled(ctx context.Context, db *gorm.DB, id snowflake.ID, c Cancellation) error
	CountCompletedSince(ctx context.Context, db *gorm.DB, providerID snowflake.ID, since time.Time) (int64, error)
}
