package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/marketpay/internal/audit/domain"
	"github.com/smallbiznis/marketpay/internal/auditcontext"
	bookingdomain "github.com/smallbiznis/marketpay/internal/booking/domain"
	"github.com/smallbiznis/marketpay/internal/clock"
	commissiondomain "github.com/smallbiznis/marketpay/internal/commission/domain"
	"github.com/smallbiznis/marketpay/internal/config"
	"github.com/smallbiznis/marketpay/internal/events"
	obsmetrics "github.com/smallbiznis/marketpay/internal/observability/metrics"
	"github.com/smallbiznis/marketpay/internal/payment/domain"
	"github.com/smallbiznis/marketpay/internal/payment/gateway"
	"github.com/smallbiznis/marketpay/internal/payment/retry"
	"github.com/smallbiznis/marketpay/internal/ratelimit"
	"github.com/smallbiznis/marketpay/internal/risk"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxVersionAttempts = 3

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Cfg        config.Config
	Repo       domain.Repository
	Bookings   bookingdomain.Repository
	Gateway    domain.Gateway
	Retry      *retry.Executor
	Commission commissiondomain.Service
	Audit      auditdomain.Service
	Methods    *config.MethodConfigHolder `optional:"true"`
	Scorer     risk.Scorer                `optional:"true"`
	Guard      *ratelimit.PaymentGuard    `optional:"true"`
	Publisher  events.Publisher           `optional:"true"`
	Clock      clock.Clock                `optional:"true"`
	Metrics    *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	gatewayCfg config.GatewayConfig
	repo       domain.Repository
	bookings   bookingdomain.Repository
	gateway    domain.Gateway
	retry      *retry.Executor
	commission commissiondomain.Service
	audit      auditdomain.Service
	methods    *config.MethodConfigHolder
	scorer     risk.Scorer
	guard      *ratelimit.PaymentGuard
	publisher  events.Publisher
	clock      clock.Clock
	metrics    *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	scorer := p.Scorer
	if scorer == nil {
		scorer = risk.NewConstantScorer()
	}
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		gatewayCfg: p.Cfg.Gateway,
		repo:       p.Repo,
		bookings:   p.Bookings,
		gateway:    p.Gateway,
		retry:      p.Retry,
		commission: p.Commission,
		audit:      p.Audit,
		methods:    p.Methods,
		scorer:     scorer,
		guard:      p.Guard,
		publisher:  publisher,
		clock:      clk,
		metrics:    p.Metrics,
	}
}

func (s *Service) CreatePayment(ctx context.Context, req domain.CreatePaymentRequest) (*domain.CreatePaymentResponse, error) {
	resp, err := s.createPayment(ctx, &req)
	if err != nil {
		targetID := req.BookingID.String()
		s.writeAudit(ctx, actorTypeFor(req.ActorID), req.ActorID, "payment.creation_failed", "booking", &targetID, map[string]any{
			"booking_id": targetID,
			"amount":     req.Amount.String(),
			"method":     req.Method,
			"error":      err.Error(),
			"error_type": errorType(err),
		})
		s.log.Warn("payment creation failed",
			zap.String("booking_id", targetID),
			zap.String("method", req.Method),
			zap.Error(err),
		)
		return nil, err
	}
	return resp, nil
}

func (s *Service) createPayment(ctx context.Context, req *domain.CreatePaymentRequest) (*domain.CreatePaymentResponse, error) {
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}

	booking, err := s.bookings.FindByID(ctx, s.db, req.BookingID)
	if err != nil {
		return nil, fmt.Errorf("load booking: %w", err)
	}
	if booking == nil {
		return nil, domain.NewValidationError("booking_id", "Booking not found")
	}
	if booking.Status == bookingdomain.StatusCancelled {
		return nil, domain.NewValidationError("booking_id", "Booking is cancelled")
	}
	if booking.PaymentStatus == bookingdomain.PaymentStatusPaid {
		return nil, domain.NewValidationError("booking_id", "Booking is already paid")
	}

	score, err := s.scorer.Score(ctx, risk.Input{
		BookingID:  booking.ID,
		ProviderID: booking.ProviderID,
		Amount:     req.Amount,
		Method:     req.Method,
		PayerEmail: req.Payer.Email,
		IPAddress:  auditcontext.IPAddressFromContext(ctx),
	})
	if err != nil {
		return nil, fmt.Errorf("risk score: %w", err)
	}

	calc, err := s.commission.Calculate(ctx, req.Amount, booking.ProviderID)
	if err != nil {
		if errors.Is(err, commissiondomain.ErrInvalidAmount) {
			return nil, domain.NewValidationError("amount", "Amount must be greater than zero")
		}
		return nil, fmt.Errorf("calculate commission: %w", err)
	}

	now := s.clock.Now()
	paymentID := s.genID.Generate()
	reference := booking.ID.String()
	idempotencyKey := uuid.NewString()

	prefReq := domain.PreferenceRequest{
		Items: []domain.PreferenceItem{{
			ID:          reference,
			Title:       fmt.Sprintf("Booking %s", reference),
			Description: req.Description,
			Quantity:    1,
			CurrencyID:  req.Currency,
			UnitPrice:   req.Amount,
		}},
		Payer:               req.Payer,
		BackURLs:            req.BackURLs,
		AutoReturn:          "approved",
		NotificationURL:     s.gatewayCfg.NotificationURL,
		ExternalReference:   reference,
		Installments:        req.Installments,
		DefaultInstallments: s.gatewayCfg.DefaultInstallments,
		Metadata: map[string]any{
			"payment_id":  paymentID.String(),
			"booking_id":  reference,
			"provider_id": booking.ProviderID.String(),
		},
	}
	if isTicketMethod(req.Method) && s.gatewayCfg.TicketExpiry > 0 {
		expires := now.Add(s.gatewayCfg.TicketExpiry)
		prefReq.ExpiresAt = &expires
	}

	pref, err := retry.Do(ctx, s.retry, gateway.OpCreatePreference, func(ctx context.Context) (*domain.Preference, error) {
		return s.gateway.CreatePreference(ctx, prefReq, idempotencyKey)
	})
	if err != nil {
		return nil, err
	}

	payment := &domain.Payment{
		ID:           paymentID,
		BookingID:    booking.ID,
		ProviderID:   booking.ProviderID,
		Amount:       req.Amount,
		Currency:     req.Currency,
		Method:       req.Method,
		Installments: req.Installments,
		Status:       domain.StatusPending,
		PreferenceID: stringPtr(pref.ID),
		CheckoutURL:  stringPtr(pref.InitPoint),
		RiskScore:    score,
		Metadata: datatypes.JSONMap{
			"commission": calc.Snapshot(),
			"client_info": map[string]any{
				"email": req.Payer.Email,
				"name":  req.Payer.Name,
				"phone": req.Payer.Phone,
			},
			"external_reference": reference,
			"idempotency_key":    idempotencyKey,
		},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Insert(ctx, s.db, payment); err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}

	targetID := paymentID.String()
	s.writeAudit(ctx, actorTypeFor(req.ActorID), req.ActorID, "payment.created", "payment", &targetID, map[string]any{
		"booking_id":    reference,
		"amount":        req.Amount.StringFixed(2),
		"currency":      req.Currency,
		"method":        req.Method,
		"installments":  req.Installments,
		"preference_id": pref.ID,
		"risk_score":    score,
		"commission":    calc.Snapshot(),
	})
	s.log.Info("payment created",
		zap.String("payment_id", targetID),
		zap.String("booking_id", reference),
		zap.String("preference_id", pref.ID),
	)

	return &domain.CreatePaymentResponse{
		PaymentID:          paymentID,
		Status:             payment.Status,
		PreferenceID:       pref.ID,
		CheckoutURL:        pref.InitPoint,
		SandboxCheckoutURL: pref.SandboxInitPoint,
		ExternalReference:  reference,
		Commission:         calc,
		CreatedAt:          now,
	}, nil
}

func (s *Service) validateCreate(req *domain.CreatePaymentRequest) error {
	if req.BookingID == 0 {
		return domain.NewValidationError("booking_id", "Booking is required")
	}
	if !req.Amount.IsPositive() {
		return domain.NewValidationError("amount", "Amount must be greater than zero")
	}

	req.Payer.Email = strings.TrimSpace(req.Payer.Email)
	if _, err := mail.ParseAddress(req.Payer.Email); err != nil || req.Payer.Email == "" {
		return domain.NewValidationError("payer.email", "Invalid payer email")
	}
	req.Payer.Name = strings.TrimSpace(req.Payer.Name)
	if req.Payer.Name == "" {
		return domain.NewValidationError("payer.name", "Payer name is required")
	}

	for _, u := range []struct{ field, raw string }{
		{"back_urls.success", req.BackURLs.Success},
		{"back_urls.failure", req.BackURLs.Failure},
		{"back_urls.pending", req.BackURLs.Pending},
	} {
		if !isAbsoluteURL(u.raw) {
			return domain.NewValidationError(u.field, "Return URL must be an absolute URL")
		}
	}

	currency := strings.ToUpper(strings.TrimSpace(s.gatewayCfg.Currency))
	requested := strings.ToUpper(strings.TrimSpace(req.Currency))
	switch {
	case requested == "":
		req.Currency = currency
	case currency != "" && requested != currency:
		return domain.NewValidationError("currency", fmt.Sprintf("Unsupported currency %s", requested))
	default:
		req.Currency = requested
	}

	req.Method = strings.ToLower(strings.TrimSpace(req.Method))
	if req.Installments <= 0 {
		req.Installments = s.gatewayCfg.DefaultInstallments
		if req.Installments <= 0 {
			req.Installments = 1
		}
	}

	limit, ok := s.methods.Get().Lookup(req.Method)
	if !ok || !limit.Enabled {
		return domain.NewValidationError("method", fmt.Sprintf("Unsupported payment method %s", req.Method))
	}
	if limit.MinAmount > 0 && req.Amount.LessThan(decimal.NewFromFloat(limit.MinAmount)) {
		return domain.NewValidationError("amount", fmt.Sprintf("Amount too low for %s", req.Method))
	}
	if limit.MaxAmount > 0 && req.Amount.GreaterThan(decimal.NewFromFloat(limit.MaxAmount)) {
		return domain.NewValidationError("amount", fmt.Sprintf("Amount too high for %s", req.Method))
	}
	if limit.MaxInstallments > 0 && req.Installments > limit.MaxInstallments {
		return domain.NewValidationError("installments", fmt.Sprintf("Too many installments for %s", req.Method))
	}
	return nil
}

// GetPayment returns the local payment, first syncing it with the gateway when the
// gateway payment is known.
func (s *Service) GetPayment(ctx context.Context, id snowflake.ID) (*domain.Payment, error) {
	return s.Sync(ctx, id, domain.SourcePoll)
}

// Sync pulls the gateway status of a payment and applies it, recording source on
// the resulting status change.
func (s *Service) Sync(ctx context.Context, id snowflake.ID, source string) (*domain.Payment, error) {
	payment, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.NewValidationError("payment_id", "Payment not found")
	}
	if !payment.HasExternalID() {
		return payment, nil
	}

	externalID := *payment.ExternalID
	remote, err := retry.Do(ctx, s.retry, gateway.OpGetPayment, func(ctx context.Context) (*domain.GatewayPayment, error) {
		return s.gateway.GetPayment(ctx, externalID)
	})
	if err != nil {
		return nil, err
	}

	result, err := s.UpdateStatus(ctx, domain.StatusUpdate{
		PaymentID:      payment.ID,
		Status:         domain.MapExternalStatus(remote.Status),
		ExternalID:     remote.ID,
		ExternalStatus: remote.Status,
		GatewayData:    remote.Raw,
		Source:         source,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) && result != nil {
			s.log.Warn("gateway status not applicable",
				zap.String("payment_id", payment.ID.String()),
				zap.String("gateway_status", remote.Status),
				zap.Error(err),
			)
			return result.Payment, nil
		}
		return nil, err
	}
	return result.Payment, nil
}

func (s *Service) Refund(ctx context.Context, req domain.RefundRequest) (*domain.Payment, error) {
	payment, amount, err := s.refund(ctx, req)
	targetID := req.PaymentID.String()
	actorType := req.ActorType
	if actorType == "" {
		actorType = actorTypeFor(req.ActorID)
	}
	if err != nil {
		s.metrics.RecordRefund(ctx, "failure")
		metadata := map[string]any{
			"reason":     req.Reason,
			"error":      err.Error(),
			"error_type": errorType(err),
		}
		if req.Amount != nil {
			metadata["amount"] = req.Amount.StringFixed(2)
		}
		s.writeAudit(ctx, actorType, req.ActorID, "payment.refund_failed", "payment", &targetID, metadata)
		s.log.Warn("refund failed", zap.String("payment_id", targetID), zap.Error(err))
		return nil, err
	}

	s.metrics.RecordRefund(ctx, "success")
	s.writeAudit(ctx, actorType, req.ActorID, "payment.refunded", "payment", &targetID, map[string]any{
		"amount":         amount.StringFixed(2),
		"payment_amount": payment.Amount.StringFixed(2),
		"partial":        amount.LessThan(payment.Amount),
		"reason":         req.Reason,
		"external_id":    derefString(payment.ExternalID),
	})
	s.log.Info("payment refunded", zap.String("payment_id", targetID), zap.String("amount", amount.StringFixed(2)))
	return payment, nil
}

func (s *Service) refund(ctx context.Context, req domain.RefundRequest) (*domain.Payment, decimal.Decimal, error) {
	payment, err := s.repo.FindByID(ctx, s.db, req.PaymentID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if payment == nil {
		return nil, decimal.Zero, domain.NewValidationError("payment_id", "Payment not found")
	}
	if !payment.HasExternalID() {
		return nil, decimal.Zero, domain.NewValidationError("payment_id", "Payment has no gateway reference")
	}
	if payment.Status != domain.StatusApproved {
		return nil, decimal.Zero, domain.NewValidationError("status", "Payment must be approved to refund")
	}

	amount := payment.Amount
	var requested *decimal.Decimal
	if req.Amount != nil {
		if !req.Amount.IsPositive() || req.Amount.GreaterThan(payment.Amount) {
			return nil, decimal.Zero, domain.NewValidationError("amount", "Refund amount must be greater than zero and at most the payment amount")
		}
		amount = *req.Amount
		if amount.LessThan(payment.Amount) {
			requested = &amount
		}
	}

	externalID := *payment.ExternalID
	idempotencyKey := "refund:" + payment.ID.String()
	refund, err := retry.Do(ctx, s.retry, gateway.OpRefund, func(ctx context.Context) (*domain.GatewayRefund, error) {
		return s.gateway.Refund(ctx, externalID, requested, idempotencyKey)
	})
	if err != nil {
		return nil, decimal.Zero, err
	}
	if refund.Amount.IsPositive() {
		amount = refund.Amount
	}

	result, err := s.UpdateStatus(ctx, domain.StatusUpdate{
		PaymentID:      payment.ID,
		Status:         domain.StatusRefunded,
		GatewayData:    refund.Raw,
		RefundedAmount: &amount,
		Source:         domain.SourceRefund,
	})
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("record refund: %w", err)
	}
	return result.Payment, amount, nil
}

// UpdateStatus is the only path that mutates a payment after creation.
func (s *Service) UpdateStatus(ctx context.Context, update domain.StatusUpdate) (*domain.UpdateResult, error) {
	if !update.Status.Valid() {
		return nil, domain.NewValidationError("status", fmt.Sprintf("Unknown payment status %s", update.Status))
	}

	lockID := update.PaymentID.String()
	lease, err := s.guard.LockPayment(ctx, lockID)
	switch {
	case errors.Is(err, ratelimit.ErrLockHeld):
		return nil, domain.ErrLockNotAcquired
	case err != nil:
		s.log.Warn("payment lock unavailable; relying on version check", zap.String("payment_id", lockID), zap.Error(err))
	}
	if lease != nil {
		defer func() {
			if err := s.guard.UnlockPayment(context.WithoutCancel(ctx), lease); err != nil {
				s.log.Warn("failed to release payment lock", zap.String("payment_id", lockID), zap.Error(err))
			}
		}()
	}

	for attempt := 1; attempt <= maxVersionAttempts; attempt++ {
		current, err := s.repo.FindByID(ctx, s.db, update.PaymentID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, domain.ErrPaymentNotFound
		}

		result, change, err := s.plan(current, update)
		if err != nil || change == nil {
			if err == nil && current.Status == domain.StatusApproved {
				s.ensureCommission(ctx, current)
			}
			return result, err
		}

		var calc *commissiondomain.Calculation
		if result.EnteredApproved() {
			c, err := s.commission.Calculate(ctx, result.Payment.Amount, result.Payment.ProviderID)
			if err != nil {
				return nil, fmt.Errorf("calculate commission: %w", err)
			}
			calc = &c
		}

		var recorded *commissiondomain.Record
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.repo.ApplyChange(ctx, tx, *change); err != nil {
				return err
			}
			if !result.Changed {
				return nil
			}
			record, err := s.commitTransition(ctx, tx, result.Payment, calc)
			recorded = record
			return err
		})
		if errors.Is(err, domain.ErrConcurrentUpdate) {
			s.log.Debug("payment version conflict",
				zap.String("payment_id", lockID),
				zap.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("apply status change: %w", err)
		}

		s.commission.Announce(ctx, recorded)
		if result.Changed {
			s.announceTransition(ctx, result, update.Source)
		}
		return result, nil
	}
	return nil, domain.ErrConcurrentUpdate
}

// plan computes the change for the update. A nil change means nothing to write.
func (s *Service) plan(current *domain.Payment, update domain.StatusUpdate) (*domain.UpdateResult, *domain.StatusChange, error) {
	result := &domain.UpdateResult{Payment: current, Previous: current.Status}

	externalID := strings.TrimSpace(update.ExternalID)
	setExternal := false
	if externalID != "" {
		if current.HasExternalID() && *current.ExternalID != externalID {
			return result, nil, &domain.ReconciliationError{
				Reason:     "external_id_mismatch",
				ExternalID: externalID,
				Reference:  current.BookingID.String(),
			}
		}
		setExternal = !current.HasExternalID()
	}

	sameStatus := update.Status == current.Status
	if sameStatus && !setExternal {
		return result, nil, nil
	}
	if !sameStatus && !current.Status.CanTransitionTo(update.Status) {
		return result, nil, &domain.TransitionError{From: current.Status, To: update.Status}
	}

	now := s.clock.Now()
	next := *current
	next.Status = update.Status
	next.UpdatedAt = now
	next.Version = current.Version + 1
	if setExternal {
		next.ExternalID = &externalID
	}
	if status := strings.TrimSpace(update.ExternalStatus); status != "" {
		next.ExternalStatus = &status
	}
	if len(update.GatewayData) > 0 {
		next.GatewayData = datatypes.JSON(update.GatewayData)
	}

	if !sameStatus {
		switch update.Status {
		case domain.StatusApproved:
			next.PaidAt = stampOnce(current.PaidAt, now)
		case domain.StatusRejected:
			next.FailedAt = stampOnce(current.FailedAt, now)
		case domain.StatusRefunded:
			next.RefundedAt = stampOnce(current.RefundedAt, now)
			if update.RefundedAmount != nil {
				next.RefundedAmount = decimal.NewNullDecimal(*update.RefundedAmount)
			} else if !current.RefundedAmount.Valid {
				next.RefundedAmount = decimal.NewNullDecimal(current.Amount)
			}
		case domain.StatusCancelled:
			next.CancelledAt = stampOnce(current.CancelledAt, now)
		}
	}

	result.Payment = &next
	result.Changed = !sameStatus
	return result, &domain.StatusChange{
		PaymentID:      current.ID,
		ExternalID:     next.ExternalID,
		Status:         next.Status,
		ExternalStatus: next.ExternalStatus,
		GatewayData:    next.GatewayData,
		RefundedAmount: next.RefundedAmount,
		PaidAt:         next.PaidAt,
		FailedAt:       next.FailedAt,
		RefundedAt:     next.RefundedAt,
		CancelledAt:    next.CancelledAt,
		UpdatedAt:      now,
		Version:        current.Version,
	}, nil
}

// commitTransition writes the side effects of a status change on tx so they
// commit or roll back with the payment row.
func (s *Service) commitTransition(ctx context.Context, tx *gorm.DB, payment *domain.Payment, calc *commissiondomain.Calculation) (*commissiondomain.Record, error) {
	if err := s.bookings.UpdatePaymentStatus(ctx, tx, payment.BookingID, domain.BookingPaymentStatus(payment.Status), payment.UpdatedAt); err != nil {
		return nil, fmt.Errorf("mirror booking payment status: %w", err)
	}
	if calc == nil {
		return nil, nil
	}
	record, err := s.commission.RecordTx(ctx, tx, payment.ID, payment.ProviderID, *calc, approvedAt(payment, s.clock.Now()))
	if err != nil {
		return nil, fmt.Errorf("record commission: %w", err)
	}
	return record, nil
}

func (s *Service) announceTransition(ctx context.Context, result *domain.UpdateResult, source string) {
	payment := result.Payment
	paymentID := payment.ID.String()

	s.log.Info("payment status changed",
		zap.String("payment_id", paymentID),
		zap.String("from", string(result.Previous)),
		zap.String("to", string(payment.Status)),
		zap.String("source", source),
	)

	if err := s.publisher.Publish(ctx, events.Event{
		Type:      events.TypePaymentStatusChanged,
		PaymentID: paymentID,
		BookingID: payment.BookingID.String(),
		Data: map[string]any{
			"from":        string(result.Previous),
			"to":          string(payment.Status),
			"source":      source,
			"external_id": derefString(payment.ExternalID),
			"amount":      payment.Amount.StringFixed(2),
		},
	}); err != nil {
		s.log.Warn("failed to publish status change", zap.String("payment_id", paymentID), zap.Error(err))
	}
}

func (s *Service) recordCommission(ctx context.Context, payment *domain.Payment) error {
	calc, err := s.commission.Calculate(ctx, payment.Amount, payment.ProviderID)
	if err != nil {
		return fmt.Errorf("calculate commission: %w", err)
	}
	if _, err := s.commission.Record(ctx, payment.ID, payment.ProviderID, calc, approvedAt(payment, s.clock.Now())); err != nil {
		return fmt.Errorf("record commission: %w", err)
	}
	return nil
}

// ensureCommission records a commission missed by an earlier delivery that
// approved the payment but failed before recording it.
func (s *Service) ensureCommission(ctx context.Context, payment *domain.Payment) {
	existing, err := s.commission.FindByPaymentID(ctx, payment.ID)
	if err != nil || existing != nil {
		return
	}
	if err := s.recordCommission(ctx, payment); err != nil {
		s.log.Error("failed to record missing commission", zap.String("payment_id", payment.ID.String()), zap.Error(err))
	}
}

func (s *Service) FindLatestByBooking(ctx context.Context, bookingID snowflake.ID) (*domain.Payment, error) {
	return s.repo.FindLatestByBooking(ctx, s.db, bookingID)
}

func (s *Service) ListPending(ctx context.Context, before time.Time, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListPendingBefore(ctx, s.db, before.UTC(), limit)
}

func (s *Service) writeAudit(ctx context.Context, actorType string, actorID *string, action, targetType string, targetID *string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.AuditLog(context.WithoutCancel(ctx), actorType, actorID, action, targetType, targetID, metadata); err != nil {
		s.log.Warn("failed to write payment audit log", zap.String("action", action), zap.Error(err))
	}
}

func actorTypeFor(actorID *string) string {
	if actorID != nil && *actorID != "" {
		return string(auditdomain.ActorTypeUser)
	}
	return string(auditdomain.ActorTypeSystem)
}

func errorType(err error) string {
	var validationErr *domain.ValidationError
	var gatewayErr *domain.GatewayError
	switch {
	case errors.As(err, &validationErr):
		return "validation"
	case errors.As(err, &gatewayErr):
		return "gateway"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return u.IsAbs() && u.Host != ""
}

func isTicketMethod(method string) bool {
	switch method {
	case "rapipago", "pagofacil":
		return true
	}
	return false
}

func approvedAt(payment *domain.Payment, now time.Time) time.Time {
	if payment.PaidAt != nil {
		return *payment.PaidAt
	}
	return now
}

func stampOnce(existing *time.Time, now time.Time) *time.Time {
	if existing != nil {
		return existing
	}
	return &now
}

func stringPtr(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
