package domain

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

//go:generate mockgen -source=gateway.go -destination=./mocks/mock_gateway.go -package=mocks

// Gateway is the outbound payment gateway API.
type Gateway interface {
	CreatePreference(ctx context.Context, req PreferenceRequest, idempotencyKey string) (*Preference, error)
	GetPayment(ctx context.Context, externalID string) (*GatewayPayment, error)
	Refund(ctx context.Context, externalID string, amount *decimal.Decimal, idempotencyKey string) (*GatewayRefund, error)
	Ping(ctx context.Context) error
}

type PreferenceItem struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Quantity    int             `json:"quantity"`
	CurrencyID  string          `json:"currency_id"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type Payer struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type BackURLs struct {
	Success string `json:"success"`
	Failure string `json:"failure"`
	Pending string `json:"pending"`
}

type PreferenceRequest struct {
	Items               []PreferenceItem
	Payer               Payer
	BackURLs            BackURLs
	AutoReturn          string
	NotificationURL     string
	ExternalReference   string
	Installments        int
	DefaultInstallments int
	ExpiresAt           *time.Time
	Metadata            map[string]any
}

// Preference is a created checkout preference.
type Preference struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

// GatewayPayment is the canonical gateway view of a payment.
type GatewayPayment struct {
	ID                string
	Status            string
	StatusDetail      string
	ExternalReference string
	TransactionAmount decimal.Decimal
	CurrencyID        string
	DateApproved      *time.Time
	Raw               json.RawMessage
}

type GatewayRefund struct {
	ID        string
	PaymentID string
	Amount    decimal.Decimal
	Status    string
	Raw       json.RawMessage
}

// AdapterConfig carries provider settings into an adapter factory.
type AdapterConfig struct {
	Provider            string
	WebhookSecret       string
	SignatureValidation bool
}

// PaymentAdapter verifies and parses inbound notifications for one provider.
type PaymentAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*Notification, error)
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}
