package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	bookingdomain "github.com/smallbiznis/marketpay/internal/booking/domain"
	"github.com/smallbiznis/marketpay/internal/config"
)

type CancelRequest struct {
	BookingID    snowflake.ID `json:"booking_id"`
	CancelledBy  string       `json:"cancelled_by"`
	Reason       string       `json:"reason"`
	ApplyPenalty bool         `json:"apply_penalty"`
	ActorID      *string      `json:"-"`
}

type Result struct {
	Refunded      bool                 `json:"refunded"`
	RefundAmount  decimal.Decimal      `json:"refund_amount"`
	PenaltyAmount decimal.Decimal      `json:"penalty_amount"`
	PenaltyRate   decimal.Decimal      `json:"penalty_rate"`
	PaymentID     *snowflake.ID        `json:"payment_id,omitempty"`
	BookingStatus bookingdomain.Status `json:"booking_status"`
}

type Engine interface {
	Cancel(ctx context.Context, req CancelRequest) (*Result, error)
}

// PenaltyRate returns the rate of the first tier whose window the remaining time
// falls into, or zero.
func PenaltyRate(tiers []config.PenaltyTier, untilStart time.Duration) decimal.Decimal {
	for _, tier := range tiers {
		if untilStart < tier.Within {
			return decimal.NewFromFloat(tier.Rate)
		}
	}
	return decimal.Zero
}
