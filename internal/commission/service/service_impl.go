package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/marketpay/internal/audit/domain"
	bookingdomain "github.com/smallbiznis/marketpay/internal/booking/domain"
	"github.com/smallbiznis/marketpay/internal/clock"
	"github.com/smallbiznis/marketpay/internal/commission/domain"
	"github.com/smallbiznis/marketpay/internal/config"
	"github.com/smallbiznis/marketpay/internal/events"
	obsmetrics "github.com/smallbiznis/marketpay/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Repo      domain.Repository
	Bookings  bookingdomain.Repository
	Cfg       config.Config
	Clock     clock.Clock         `optional:"true"`
	Audit     auditdomain.Service `optional:"true"`
	Publisher events.Publisher    `optional:"true"`
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type tier struct {
	name      domain.Tier
	threshold int64
	rate      decimal.Decimal
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	repo      domain.Repository
	bookings  bookingdomain.Repository
	clock     clock.Clock
	audit     auditdomain.Service
	publisher events.Publisher
	metrics   *obsmetrics.Metrics

	tiers      []tier
	window     time.Duration
	payoutHold time.Duration
	taxEnabled bool
	ivaRate    decimal.Decimal
}

func NewService(p Params) (domain.Service, error) {
	cc := p.Cfg.Commission
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	window := cc.Window
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}

	return &Service{
		db:        p.DB,
		log:       p.Log.Named("commission.service"),
		genID:     p.GenID,
		repo:      p.Repo,
		bookings:  p.Bookings,
		clock:     clk,
		audit:     p.Audit,
		publisher: publisher,
		metrics:   p.Metrics,
		// highest threshold first
		tiers: []tier{
			{name: domain.TierPremium, threshold: int64(cc.PremiumThreshold), rate: decimal.NewFromFloat(cc.PremiumRate)},
			{name: domain.TierHighVolume, threshold: int64(cc.HighVolumeThreshold), rate: decimal.NewFromFloat(cc.HighVolumeRate)},
			{name: domain.TierStandard, threshold: 0, rate: decimal.NewFromFloat(cc.StandardRate)},
		},
		window:     window,
		payoutHold: time.Duration(cc.PayoutHoldDays) * 24 * time.Hour,
		taxEnabled: p.Cfg.Tax.WithholdingEnabled,
		ivaRate:    decimal.NewFromFloat(p.Cfg.Tax.IVARate),
	}, nil
}

func (s *Service) Calculate(ctx context.Context, amount decimal.Decimal, providerID snowflake.ID) (domain.Calculation, error) {
	if !amount.IsPositive() {
		return domain.Calculation{}, domain.ErrInvalidAmount
	}

	since := s.clock.Now().Add(-s.window)
	completed, err := s.bookings.CountCompletedSince(ctx, s.db, providerID, since)
	if err != nil {
		return domain.Calculation{}, fmt.Errorf("count completed bookings: %w", err)
	}

	selected := s.tierFor(completed)
	commission := amount.Mul(selected.rate).Round(2)
	tax := decimal.Zero
	if s.taxEnabled {
		tax = commission.Mul(s.ivaRate).Round(2)
	}

	return domain.Calculation{
		BaseAmount:        amount,
		CommissionRate:    selected.rate,
		CommissionAmount:  commission,
		TaxAmount:         tax,
		NetProviderAmount: amount.Sub(commission).Sub(tax),
		Tier:              selected.name,
		CompletedBookings: completed,
	}, nil
}

func (s *Service) tierFor(completed int64) tier {
	for _, t := range s.tiers {
		if completed >= t.threshold {
			return t
		}
	}
	return s.tiers[len(s.tiers)-1]
}

// Record persists the commission of an approved payment. It returns false, and
// does nothing else, when the payment was already recorded.
func (s *Service) Record(ctx context.Context, paymentID, providerID snowflake.ID, calc domain.Calculation, approvedAt time.Time) (bool, error) {
	record, err := s.RecordTx(ctx, s.db, paymentID, providerID, calc, approvedAt)
	if err != nil || record == nil {
		return false, err
	}
	s.Announce(ctx, record)
	return true, nil
}

func (s *Service) RecordTx(ctx context.Context, tx *gorm.DB, paymentID, providerID snowflake.ID, calc domain.Calculation, approvedAt time.Time) (*domain.Record, error) {
	if tx == nil {
		tx = s.db
	}
	record := &domain.Record{
		ID:                s.genID.Generate(),
		PaymentID:         paymentID,
		ProviderID:        providerID,
		Tier:              calc.Tier,
		CompletedBookings: calc.CompletedBookings,
		BaseAmount:        calc.BaseAmount,
		CommissionRate:    calc.CommissionRate,
		CommissionAmount:  calc.CommissionAmount,
		TaxAmount:         calc.TaxAmount,
		NetProviderAmount: calc.NetProviderAmount,
		PayoutEligibleAt:  approvedAt.UTC().Add(s.payoutHold),
		CreatedAt:         s.clock.Now(),
	}

	inserted, err := s.repo.Insert(ctx, tx, record)
	if err != nil {
		return nil, fmt.Errorf("insert commission record: %w", err)
	}
	if !inserted {
		s.log.Debug("commission already recorded", zap.String("payment_id", paymentID.String()))
		return nil, nil
	}
	return record, nil
}

// Announce audits, counts and publishes a committed record.
func (s *Service) Announce(ctx context.Context, record *domain.Record) {
	if record == nil {
		return
	}
	calc := record.Calculation()
	paymentID := record.PaymentID.String()
	s.metrics.RecordCommission(ctx, string(calc.Tier))

	metadata := calc.Snapshot()
	metadata["payment_id"] = paymentID
	metadata["provider_id"] = record.ProviderID.String()
	metadata["payout_eligible_at"] = record.PayoutEligibleAt.Format(time.RFC3339)
	if s.audit != nil {
		targetID := paymentID
		if err := s.audit.AuditLog(ctx, string(auditdomain.ActorTypeSystem), nil, "commission.calculated", "payment", &targetID, metadata); err != nil {
			s.log.Warn("failed to audit commission", zap.String("payment_id", targetID), zap.Error(err))
		}
	}

	if err := s.publisher.Publish(ctx, events.Event{
		Type:      events.TypeCommissionRecorded,
		PaymentID: paymentID,
		Data:      metadata,
	}); err != nil {
		s.log.Warn("failed to publish commission event", zap.String("payment_id", paymentID), zap.Error(err))
	}

	s.log.Info("commission recorded",
		zap.String("payment_id", paymentID),
		zap.String("tier", string(calc.Tier)),
		zap.String("commission_amount", calc.CommissionAmount.StringFixed(2)),
	)
}

func (s *Service) FindByPaymentID(ctx context.Context, paymentID snowflake.ID) (*domain.Record, error) {
	return s.repo.FindByPaymentID(ctx, s.db, paymentID)
}
