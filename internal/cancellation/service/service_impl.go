package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/marketpay/internal/audit/domain"
	bookingdomain "github.com/smallbiznis/marketpay/internal/booking/domain"
	"github.com/smallbiznis/marketpay/internal/cancellation/domain"
	"github.com/smallbiznis/marketpay/internal/clock"
	"github.com/smallbiznis/marketpay/internal/config"
	"github.com/smallbiznis/marketpay/internal/events"
	paymentdomain "github.com/smallbiznis/marketpay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Cfg       config.Config
	Bookings  bookingdomain.Repository
	Payments  paymentdomain.Service
	Audit     auditdomain.Service
	Publisher events.Publisher `optional:"true"`
	Clock     clock.Clock      `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	tiers     []config.PenaltyTier
	bookings  bookingdomain.Repository
	payments  paymentdomain.Service
	audit     auditdomain.Service
	publisher events.Publisher
	clock     clock.Clock
}

func NewService(p Params) domain.Engine {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	tiers := p.Cfg.Cancellation.Tiers
	if len(tiers) == 0 {
		tiers = config.DefaultPenaltyTiers()
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("cancellation.service"),
		tiers:     tiers,
		bookings:  p.Bookings,
		payments:  p.Payments,
		audit:     p.Audit,
		publisher: publisher,
		clock:     clk,
	}
}

func (s *Service) Cancel(ctx context.Context, req domain.CancelRequest) (*domain.Result, error) {
	if req.BookingID == 0 {
		return nil, paymentdomain.NewValidationError("booking_id", "Booking is required")
	}
	cancelledBy := strings.TrimSpace(req.CancelledBy)
	if cancelledBy == "" {
		cancelledBy = string(auditdomain.ActorTypeSystem)
	}

	booking, err := s.bookings.FindByID(ctx, s.db, req.BookingID)
	if err != nil {
		return nil, err
	}
	if booking == nil {
		return nil, paymentdomain.NewValidationError("booking_id", "Booking not found")
	}
	if booking.Status == bookingdomain.StatusCancelled {
		return nil, paymentdomain.NewValidationError("booking_id", "Booking is already cancelled")
	}

	payment, err := s.payments.FindLatestByBooking(ctx, booking.ID)
	if err != nil {
		return nil, err
	}

	result := &domain.Result{
		RefundAmount:  decimal.Zero,
		PenaltyAmount: decimal.Zero,
		PenaltyRate:   decimal.Zero,
		BookingStatus: bookingdomain.StatusCancelled,
	}
	bookingPayment := bookingdomain.PaymentStatusCancelled

	switch {
	case payment == nil:
	case payment.Status != paymentdomain.StatusApproved:
		result.PaymentID = &payment.ID
		final := payment.Status
		if !payment.Status.IsTerminal() {
			update, err := s.payments.UpdateStatus(ctx, paymentdomain.StatusUpdate{
				PaymentID: payment.ID,
				Status:    paymentdomain.StatusCancelled,
				Source:    paymentdomain.SourceCancellation,
			})
			if err != nil {
				s.auditFailure(ctx, req, booking, err)
				return nil, err
			}
			final = update.Payment.Status
		}
		bookingPayment = paymentdomain.BookingPaymentStatus(final)
	default:
		result.PaymentID = &payment.ID
		if req.ApplyPenalty {
			result.PenaltyRate = domain.PenaltyRate(s.tiers, booking.StartTime.Sub(s.clock.Now()))
		}
		result.PenaltyAmount = payment.Amount.Mul(result.PenaltyRate).Round(2)
		result.RefundAmount = payment.Amount.Sub(result.PenaltyAmount)
		bookingPayment = bookingdomain.PaymentStatusPaid

		if result.RefundAmount.IsPositive() {
			refund := result.RefundAmount
			if _, err := s.payments.Refund(ctx, paymentdomain.RefundRequest{
				PaymentID: payment.ID,
				Amount:    &refund,
				Reason:    req.Reason,
				ActorType: actorTypeFor(req.ActorID),
				ActorID:   req.ActorID,
			}); err != nil {
				s.auditFailure(ctx, req, booking, err)
				return nil, err
			}
			result.Refunded = true
			bookingPayment = bookingdomain.PaymentStatusRefunded
		}
	}

	if err := s.bookings.MarkCancelled(ctx, s.db, booking.ID, bookingdomain.Cancellation{
		PaymentStatus: bookingPayment,
		CancelledBy:   cancelledBy,
		Reason:        strings.TrimSpace(req.Reason),
		CancelledAt:   s.clock.Now(),
	}); err != nil {
		s.auditFailure(ctx, req, booking, err)
		return nil, fmt.Errorf("mark booking cancelled: %w", err)
	}

	bookingID := booking.ID.String()
	metadata := map[string]any{
		"cancelled_by":   cancelledBy,
		"reason":         strings.TrimSpace(req.Reason),
		"apply_penalty":  req.ApplyPenalty,
		"refunded":       result.Refunded,
		"refund_amount":  result.RefundAmount.StringFixed(2),
		"penalty_amount": result.PenaltyAmount.StringFixed(2),
		"penalty_rate":   result.PenaltyRate.String(),
		"payment_status": string(bookingPayment),
	}
	if result.PaymentID != nil {
		metadata["payment_id"] = result.PaymentID.String()
	}
	s.writeAudit(ctx, actorTypeFor(req.ActorID), req.ActorID, "booking.cancelled", &bookingID, metadata)

	s.log.Info("booking cancelled",
		zap.String("booking_id", bookingID),
		zap.Bool("refunded", result.Refunded),
		zap.String("refund_amount", result.RefundAmount.StringFixed(2)),
		zap.String("penalty_amount", result.PenaltyAmount.StringFixed(2)),
	)

	event := events.Event{
		Type:      events.TypeBookingCancelled,
		BookingID: bookingID,
		Data:      metadata,
	}
	if result.PaymentID != nil {
		event.PaymentID = result.PaymentID.String()
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warn("failed to publish booking cancellation", zap.String("booking_id", bookingID), zap.Error(err))
	}
	return result, nil
}

func (s *Service) auditFailure(ctx context.Context, req domain.CancelRequest, booking *bookingdomain.Booking, cause error) {
	bookingID := booking.ID.String()
	s.log.Warn("booking cancellation failed", zap.String("booking_id", bookingID), zap.Error(cause))
	s.writeAudit(ctx, actorTypeFor(req.ActorID), req.ActorID, "booking.cancellation_failed", &bookingID, map[string]any{
		"cancelled_by": req.CancelledBy,
		"reason":       req.Reason,
		"error":        cause.Error(),
	})
}

func (s *Service) writeAudit(ctx context.Context, actorType string, actorID *string, action string, targetID *string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.AuditLog(context.WithoutCancel(ctx), actorType, actorID, action, "booking", targetID, metadata); err != nil {
		s.log.Warn("failed to write cancellation audit log", zap.String("action", action), zap.Error(err))
	}
}

func actorTypeFor(actorID *string) string {
	if actorID != nil && *actorID != "" {
		return string(auditdomain.ActorTypeUser)
	}
	return string(auditdomain.ActorTypeSystem)
}

