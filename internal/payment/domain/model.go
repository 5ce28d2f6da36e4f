package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Payment is a single gateway charge attempt for a booking. A booking may hold
// several; the most recently created one is active.
type Payment struct {
	ID             snowflake.ID        `json:"id" gorm:"primaryKey"`
	BookingID      snowflake.ID        `json:"booking_id" gorm:"not null;index"`
	ProviderID     snowflake.ID        `json:"provider_id" gorm:"not null;index"`
	Amount         decimal.Decimal     `json:"amount" gorm:"type:numeric(18,2);not null"`
	Currency       string              `json:"currency" gorm:"type:text;not null"`
	Method         string              `json:"method" gorm:"type:text;not null"`
	Installments   int                 `json:"installments" gorm:"not null"`
	Status         Status              `json:"status" gorm:"type:text;not null"`
	PreferenceID   *string             `json:"preference_id,omitempty"`
	CheckoutURL    *string             `json:"checkout_url,omitempty"`
	ExternalID     *string             `json:"external_id,omitempty"`
	ExternalStatus *string             `json:"external_status,omitempty"`
	GatewayData    datatypes.JSON      `json:"gateway_data,omitempty" gorm:"type:jsonb"`
	RefundedAmount decimal.NullDecimal `json:"refunded_amount" gorm:"type:numeric(18,2)"`
	RiskScore      float64             `json:"risk_score"`
	PaidAt         *time.Time          `json:"paid_at,omitempty"`
	FailedAt       *time.Time          `json:"failed_at,omitempty"`
	RefundedAt     *time.Time          `json:"refunded_at,omitempty"`
	CancelledAt    *time.Time          `json:"cancelled_at,omitempty"`
	Metadata       datatypes.JSONMap   `json:"metadata,omitempty" gorm:"type:jsonb"`
	Version        int64               `json:"version" gorm:"not null"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

// HasExternalID reports whether the gateway payment has been resolved.
func (p *Payment) HasExternalID() bool {
	return p != nil && p.ExternalID != nil && *p.ExternalID != ""
}

// WebhookEvent is one gateway notification delivery, unique per (provider, event_key).
type WebhookEvent struct {
	ID           snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider     string         `json:"provider" gorm:"type:text;not null"`
	EventKey     string         `json:"event_key" gorm:"type:text;not null"`
	EventType    string         `json:"event_type" gorm:"type:text;not null"`
	Action       string         `json:"action"`
	ResourceID   string         `json:"resource_id"`
	Payload      datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt   time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt  *time.Time     `json:"processed_at"`
	PaymentID    *snowflake.ID  `json:"payment_id"`
	ResultStatus *string        `json:"result_status"`
}

func (WebhookEvent) TableName() string { return "payment_webhook_events" }

const (
	NotificationTypePayment = "payment"
)

// Notification is the canonical webhook notification parsed by adapters.
type Notification struct {
	Provider   string
	EventKey   string
	Type       string
	Action     string
	ResourceID string
	RawPayload []byte
}

// IsPayment reports whether the notification concerns a payment resource.
func (n *Notification) IsPayment() bool {
	return n != nil && n.Type == NotificationTypePayment
}

// StatusChange is the persisted outcome of a status mutation.
type StatusChange struct {
	PaymentID      snowflake.ID
	ExternalID     *string
	Status         Status
	ExternalStatus *string
	GatewayData    datatypes.JSON
	RefundedAmount decimal.NullDecimal
	PaidAt         *time.Time
	FailedAt       *time.Time
	RefundedAt     *time.Time
	CancelledAt    *time.Time
	UpdatedAt      time.Time
	Version        int64
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*Payment, error)
	FindLatestByBooking(ctx context.Context, db *gorm.DB, bookingID snowflake.ID) (*Payment, error)
	ListPendingBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]Payment, error)
	// ApplyChange writes the change when the stored version equals change.Version and
	// bumps it. Returns ErrConcurrentUpdate when no row matched.
	ApplyChange(ctx context.Context, db *gorm.DB, change StatusChange) error

	FindWebhookEvent(ctx context.Context, db *gorm.DB, provider string, eventKey string) (*WebhookEvent, error)
	InsertWebhookEvent(ctx context.Context, db *gorm.DB, event *WebhookEvent) (bool, error)
	MarkWebhookProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time, paymentID *snowflake.ID, resultStatus *string) error
}
