package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/marketpay/internal/audit/domain"
	"github.com/smallbiznis/marketpay/internal/clock"
	"github.com/smallbiznis/marketpay/internal/config"
	obsmetrics "github.com/smallbiznis/marketpay/internal/observability/metrics"
	"github.com/smallbiznis/marketpay/internal/payment/adapters"
	"github.com/smallbiznis/marketpay/internal/payment/domain"
	"github.com/smallbiznis/marketpay/internal/payment/gateway"
	"github.com/smallbiznis/marketpay/internal/payment/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	outcomeProcessed = "processed"
	outcomeDuplicate = "duplicate"
	outcomeIgnored   = "ignored"
	outcomeRejected  = "transition_rejected"
	outcomeFailed    = "failed"
)

// Result is the outcome of one webhook delivery. Failures are returned as data so
// the HTTP layer can pick a status the gateway understands.
type Result struct {
	Success     bool          `json:"success"`
	PaymentID   string        `json:"payment_id,omitempty"`
	Status      domain.Status `json:"status,omitempty"`
	ProcessedAt time.Time     `json:"processed_at"`
	Duplicate   bool          `json:"duplicate,omitempty"`
	Ignored     bool          `json:"ignored,omitempty"`
	Error       error         `json:"-"`
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Cfg      config.Config
	Repo     domain.Repository
	Payments domain.Service
	Gateway  domain.Gateway
	Retry    *retry.Executor
	Adapters *adapters.Registry
	Audit    auditdomain.Service
	Clock    clock.Clock         `optional:"true"`
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

// Reconciler applies gateway notifications to local payments.
type Reconciler struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     domain.Repository
	payments domain.Service
	gateway  domain.Gateway
	retry    *retry.Executor
	adapters *adapters.Registry
	audit    auditdomain.Service
	clock    clock.Clock
	metrics  *obsmetrics.Metrics
	tracer   trace.Tracer

	webhookSecret       string
	signatureValidation bool
}

func NewReconciler(p Params) *Reconciler {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Reconciler{
		db:                  p.DB,
		log:                 p.Log.Named("payment.webhook"),
		genID:               p.GenID,
		repo:                p.Repo,
		payments:            p.Payments,
		gateway:             p.Gateway,
		retry:               p.Retry,
		adapters:            p.Adapters,
		audit:               p.Audit,
		clock:               clk,
		metrics:             p.Metrics,
		tracer:              otel.Tracer("marketpay/payment/webhook"),
		webhookSecret:       p.Cfg.Gateway.WebhookSecret,
		signatureValidation: p.Cfg.Gateway.SignatureValidation,
	}
}

func (r *Reconciler) Process(ctx context.Context, provider string, payload []byte, headers http.Header) Result {
	provider = strings.ToLower(strings.TrimSpace(provider))
	ctx, span := r.tracer.Start(ctx, "webhook.process", trace.WithAttributes(attribute.String("payment.provider", provider)))
	defer span.End()

	notification, err := r.verify(ctx, provider, payload, headers)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		r.reject(ctx, provider, payload, err)
		return Result{ProcessedAt: r.clock.Now(), Error: err}
	}
	span.SetAttributes(
		attribute.String("webhook.event_key", notification.EventKey),
		attribute.String("webhook.type", notification.Type),
	)

	event, duplicate, err := r.claim(ctx, notification)
	if err != nil {
		return r.fail(ctx, span, notification, payload, fmt.Errorf("record webhook event: %w", err))
	}
	if duplicate != nil {
		r.metrics.RecordWebhook(ctx, provider, outcomeDuplicate)
		r.log.Info("duplicate webhook ignored",
			zap.String("provider", provider),
			zap.String("event_key", notification.EventKey),
		)
		return *duplicate
	}

	if !notification.IsPayment() {
		now := r.clock.Now()
		if err := r.repo.MarkWebhookProcessed(ctx, r.db, event.ID, now, nil, nil); err != nil {
			return r.fail(ctx, span, notification, payload, fmt.Errorf("mark webhook processed: %w", err))
		}
		r.metrics.RecordWebhook(ctx, provider, outcomeIgnored)
		return Result{Success: true, Ignored: true, ProcessedAt: now}
	}

	result, err := r.reconcile(ctx, event, notification, payload)
	if err != nil {
		return r.fail(ctx, span, notification, payload, err)
	}
	return result
}

func (r *Reconciler) verify(ctx context.Context, provider string, payload []byte, headers http.Header) (*domain.Notification, error) {
	if !r.adapters.ProviderExists(provider) {
		return nil, domain.ErrProviderNotFound
	}
	if !json.Valid(payload) {
		return nil, domain.ErrInvalidPayload
	}
	adapter, err := r.adapters.NewAdapter(provider, domain.AdapterConfig{
		WebhookSecret:       r.webhookSecret,
		SignatureValidation: r.signatureValidation,
	})
	if err != nil {
		return nil, err
	}
	if err := adapter.Verify(ctx, payload, headers); err != nil {
		return nil, err
	}
	notification, err := adapter.Parse(ctx, payload)
	if err != nil {
		return nil, err
	}
	notification.Provider = provider
	if notification.RawPayload == nil {
		notification.RawPayload = payload
	}
	return notification, nil
}

// claim stores the delivery. A non-nil Result means the delivery was already
// processed and must not be applied again.
func (r *Reconciler) claim(ctx context.Context, n *domain.Notification) (*domain.WebhookEvent, *Result, error) {
	event := &domain.WebhookEvent{
		ID:         r.genID.Generate(),
		Provider:   n.Provider,
		EventKey:   n.EventKey,
		EventType:  n.Type,
		Action:     n.Action,
		ResourceID: n.ResourceID,
		Payload:    datatypes.JSON(n.RawPayload),
		ReceivedAt: r.clock.Now(),
	}
	inserted, err := r.repo.InsertWebhookEvent(ctx, r.db, event)
	if err != nil {
		return nil, nil, err
	}
	if inserted {
		return event, nil, nil
	}

	stored, err := r.repo.FindWebhookEvent(ctx, r.db, n.Provider, n.EventKey)
	if err != nil {
		return nil, nil, err
	}
	if stored == nil {
		return nil, nil, fmt.Errorf("webhook event %s vanished", n.EventKey)
	}
	if stored.ProcessedAt == nil {
		// an earlier delivery failed part way; process it again
		return stored, nil, nil
	}

	result := &Result{Success: true, Duplicate: true, ProcessedAt: *stored.ProcessedAt}
	if stored.PaymentID != nil {
		result.PaymentID = stored.PaymentID.String()
		payment, err := r.repo.FindByID(ctx, r.db, *stored.PaymentID)
		if err != nil {
			return nil, nil, err
		}
		if payment != nil {
			result.Status = payment.Status
		}
	}
	return stored, result, nil
}

func (r *Reconciler) reconcile(ctx context.Context, event *domain.WebhookEvent, n *domain.Notification, payload []byte) (Result, error) {
	remote, err := retry.Do(ctx, r.retry, gateway.OpGetPayment, func(ctx context.Context) (*domain.GatewayPayment, error) {
		return r.gateway.GetPayment(ctx, n.ResourceID)
	})
	if err != nil {
		return Result{}, err
	}

	payment, err := r.resolve(ctx, remote)
	if err != nil {
		return Result{}, err
	}

	target := domain.MapExternalStatus(remote.Status)
	update, err := r.payments.UpdateStatus(ctx, domain.StatusUpdate{
		PaymentID:      payment.ID,
		Status:         target,
		ExternalID:     remote.ID,
		ExternalStatus: remote.Status,
		GatewayData:    remote.Raw,
		Source:         domain.SourceWebhook,
	})
	outcome := outcomeProcessed
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidTransition) && update != nil:
		outcome = outcomeRejected
		targetID := payment.ID.String()
		r.writeAudit(ctx, "webhook.transition_rejected", &targetID, map[string]any{
			"provider":       n.Provider,
			"event_key":      n.EventKey,
			"current_status": string(update.Payment.Status),
			"target_status":  string(target),
			"gateway_status": remote.Status,
		})
		r.log.Warn("webhook transition rejected",
			zap.String("payment_id", targetID),
			zap.String("from", string(update.Payment.Status)),
			zap.String("to", string(target)),
		)
	default:
		return Result{}, err
	}

	final := update.Payment
	targetID := final.ID.String()
	r.writeAudit(ctx, "webhook.processed", &targetID, map[string]any{
		"provider":        n.Provider,
		"event_key":       n.EventKey,
		"event_type":      n.Type,
		"action":          n.Action,
		"resource_id":     n.ResourceID,
		"gateway_status":  remote.Status,
		"previous_status": string(update.Previous),
		"status":          string(final.Status),
		"changed":         update.Changed,
		"payload":         json.RawMessage(payload),
	})

	now := r.clock.Now()
	status := string(final.Status)
	paymentID := final.ID
	if err := r.repo.MarkWebhookProcessed(ctx, r.db, event.ID, now, &paymentID, &status); err != nil {
		return Result{}, fmt.Errorf("mark webhook processed: %w", err)
	}

	r.metrics.RecordWebhook(ctx, n.Provider, outcome)
	r.log.Info("webhook processed",
		zap.String("provider", n.Provider),
		zap.String("event_key", n.EventKey),
		zap.String("payment_id", targetID),
		zap.String("status", status),
		zap.Bool("changed", update.Changed),
	)
	return Result{
		Success:     true,
		PaymentID:   targetID,
		Status:      final.Status,
		ProcessedAt: now,
	}, nil
}

// resolve finds the local payment by gateway id, then by the echoed booking reference.
func (r *Reconciler) resolve(ctx context.Context, remote *domain.GatewayPayment) (*domain.Payment, error) {
	if remote.ID != "" {
		payment, err := r.repo.FindByExternalID(ctx, r.db, remote.ID)
		if err != nil {
			return nil, err
		}
		if payment != nil {
			return payment, nil
		}
	}

	reference := strings.TrimSpace(remote.ExternalReference)
	if reference != "" {
		bookingID, err := snowflake.ParseString(reference)
		if err == nil {
			payment, err := r.repo.FindLatestByBooking(ctx, r.db, bookingID)
			if err != nil {
				return nil, err
			}
			if payment != nil {
				return payment, nil
			}
		}
	}

	return nil, &domain.ReconciliationError{
		Reason:     "payment_not_found",
		ExternalID: remote.ID,
		Reference:  reference,
	}
}

func (r *Reconciler) fail(ctx context.Context, span trace.Span, n *domain.Notification, payload []byte, err error) Result {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.metrics.RecordWebhook(ctx, n.Provider, outcomeFailed)

	metadata := map[string]any{
		"provider":    n.Provider,
		"event_key":   n.EventKey,
		"event_type":  n.Type,
		"resource_id": n.ResourceID,
		"error":       err.Error(),
		"payload":     json.RawMessage(payload),
	}
	var reconErr *domain.ReconciliationError
	if errors.As(err, &reconErr) {
		metadata["reason"] = reconErr.Reason
	}
	r.writeAudit(ctx, "webhook.processing_failed", nil, metadata)
	r.log.Error("webhook processing failed",
		zap.String("provider", n.Provider),
		zap.String("event_key", n.EventKey),
		zap.Error(err),
	)
	return Result{ProcessedAt: r.clock.Now(), Error: err}
}

// reject accounts for a delivery that failed verification. Nothing is stored
// for it, so the audit entry carries a digest of the raw body.
func (r *Reconciler) reject(ctx context.Context, provider string, payload []byte, err error) {
	r.metrics.RecordWebhook(ctx, provider, outcomeFailed)
	digest := sha256.Sum256(payload)
	r.log.Warn("webhook rejected", zap.String("provider", provider), zap.Error(err))
	if r.audit == nil {
		return
	}
	metadata := map[string]any{
		"provider":       provider,
		"error":          err.Error(),
		"payload_sha256": hex.EncodeToString(digest[:]),
		"payload_bytes":  len(payload),
	}
	if auditErr := r.audit.AuditLog(context.WithoutCancel(ctx), string(auditdomain.ActorTypeGateway), nil, "webhook.rejected", "webhook", &provider, metadata); auditErr != nil {
		r.log.Warn("failed to write webhook audit log", zap.String("action", "webhook.rejected"), zap.Error(auditErr))
	}
}

func (r *Reconciler) writeAudit(ctx context.Context, action string, targetID *string, metadata map[string]any) {
	if r.audit == nil {
		return
	}
	if err := r.audit.AuditLog(context.WithoutCancel(ctx), string(auditdomain.ActorTypeGateway), nil, action, "payment", targetID, metadata); err != nil {
		r.log.Warn("failed to write webhook audit log", zap.String("action", action), zap.Error(err))
	}
}
