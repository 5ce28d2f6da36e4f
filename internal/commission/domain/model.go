package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Tier string

const (
	TierStandard   Tier = "standard"
	TierHighVolume Tier = "high_volume"
	TierPremium    Tier = "premium"
)

var ErrInvalidAmount = errors.New("invalid_commission_amount")

// Calculation is the commission breakdown for a single amount.
type Calculation struct {
	BaseAmount        decimal.Decimal `json:"base_amount"`
	CommissionRate    decimal.Decimal `json:"commission_rate"`
	CommissionAmount  decimal.Decimal `json:"commission_amount"`
	TaxAmount         decimal.Decimal `json:"tax_amount"`
	NetProviderAmount decimal.Decimal `json:"net_provider_amount"`
	Tier              Tier            `json:"tier"`
	CompletedBookings int64           `json:"completed_bookings"`
}

// Snapshot renders the calculation for JSON metadata columns.
func (c Calculation) Snapshot() map[string]any {
	return map[string]any{
		"base_amount":         c.BaseAmount.StringFixed(2),
		"commission_rate":     c.CommissionRate.String(),
		"commission_amount":   c.CommissionAmount.StringFixed(2),
		"tax_amount":          c.TaxAmount.StringFixed(2),
		"net_provider_amount": c.NetProviderAmount.StringFixed(2),
		"tier":                string(c.Tier),
		"completed_bookings":  c.CompletedBookings,
	}
}

// Record is the persisted commission of an approved payment. One per payment.
type Record struct {
	ID                snowflake.ID    `json:"id"`
	PaymentID         snowflake.ID    `json:"payment_id"`
	ProviderID        snowflake.ID    `json:"provider_id"`
	Tier              Tier            `json:"tier"`
	CompletedBookings int64           `json:"completed_bookings"`
	BaseAmount        decimal.Decimal `json:"base_amount"`
	CommissionRate    decimal.Decimal `json:"commission_rate"`
	CommissionAmount  decimal.Decimal `json:"commission_amount"`
	TaxAmount         decimal.Decimal `json:"tax_amount"`
	NetProviderAmount decimal.Decimal `json:"net_provider_amount"`
	PayoutEligibleAt  time.Time       `json:"payout_eligible_at"`
	CreatedAt         time.Time       `json:"created_at"`
}

func (Record) TableName() string { return "commission_records" }

// Calculation returns the breakdown the record was written from.
func (r Record) Calculation() Calculation {
	return Calculation{
		BaseAmount:        r.BaseAmount,
		CommissionRate:    r.CommissionRate,
		CommissionAmount:  r.CommissionAmount,
		TaxAmount:         r.TaxAmount,
		NetProviderAmount: r.NetProviderAmount,
		Tier:              r.Tier,
		CompletedBookings: r.CompletedBookings,
	}
}

type Repository interface {
	// Insert reports false when the payment already has a record.
	Insert(ctx context.Context, db *gorm.DB, record *Record) (bool, error)
	FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (*Record, error)
}

type Service interface {
	Calculate(ctx context.Context, amount decimal.Decimal, providerID snowflake.ID) (Calculation, error)
	Record(ctx context.Context, paymentID, providerID snowflake.ID, calc Calculation, approvedAt time.Time) (bool, error)
	// RecordTx inserts the record on tx and returns nil when the payment was
	// already recorded. Announce must follow once tx commits.
	RecordTx(ctx context.Context, tx *gorm.DB, paymentID, providerID snowflake.ID, calc Calculation, approvedAt time.Time) (*Record, error)
	Announce(ctx context.Context, record *Record)
	FindByPaymentID(ctx context.Context, paymentID snowflake.ID) (*Record, error)
}
