// Package risk stamps a fraud score on payments at creation time.
package risk

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Input is what a scorer sees about a payment before it reaches the gateway.
type Input struct {
	BookingID  snowflake.ID
	ProviderID snowflake.ID
	Amount     decimal.Decimal
	Method     string
	PayerEmail string
	IPAddress  string
}

// Scorer returns a score in [0, 1]; higher is riskier.
type Scorer interface {
	Score(ctx context.Context, in Input) (float64, error)
}

// ConstantScorer returns the same score for every payment.
type ConstantScorer struct {
	Value float64
}

func NewConstantScorer() Scorer {
	return ConstantScorer{}
}

func (s ConstantScorer) Score(ctx context.Context, in Input) (float64, error) {
	return clamp(s.Value), nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
