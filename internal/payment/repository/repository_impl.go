package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketpay/internal/payment/domain"
	sqldb "github.com/smallbiznis/marketpay/pkg/db"
	"gorm.io/gorm"
)

const paymentColumns = `id, booking_id, provider_id, amount, currency, method, installments, status,
	preference_id, checkout_url, external_id, external_status, gateway_data, refunded_amount,
	risk_score, paid_at, failed_at, refunded_at, cancelled_at, metadata, version, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, p *domain.Payment) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payments (`+paymentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID,
		p.BookingID,
		p.ProviderID,
		p.Amount,
		p.Currency,
		p.Method,
		p.Installments,
		p.Status,
		p.PreferenceID,
		p.CheckoutURL,
		p.ExternalID,
		p.ExternalStatus,
		p.GatewayData,
		p.RefundedAmount,
		p.RiskScore,
		p.PaidAt,
		p.FailedAt,
		p.RefundedAt,
		p.CancelledAt,
		p.Metadata,
		p.Version,
		p.CreatedAt,
		p.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	return r.findOne(ctx, db, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*domain.Payment, error) {
	return r.findOne(ctx, db, `SELECT `+paymentColumns+` FROM payments WHERE external_id = ? LIMIT 1`, externalID)
}

func (r *repo) FindLatestByBooking(ctx context.Context, db *gorm.DB, bookingID snowflake.ID) (*domain.Payment, error) {
	return r.findOne(ctx, db,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE booking_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		bookingID,
	)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Payment, error) {
	var item domain.Payment
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// ListPendingBefore returns non-final payments created before the cutoff that the
// gateway has not settled yet, oldest first.
func (r *repo) ListPendingBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]domain.Payment, error) {
	var items []domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+` FROM payments
		 WHERE status IN (?, ?, ?) AND created_at < ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		domain.StatusPending,
		domain.StatusAuthorized,
		domain.StatusInProcess,
		before,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ApplyChange(ctx context.Context, db *gorm.DB, c domain.StatusChange) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET status = ?, external_id = ?, external_status = ?, gateway_data = ?, refunded_amount = ?,
		     paid_at = ?, failed_at = ?, refunded_at = ?, cancelled_at = ?, updated_at = ?,
		     version = version + 1
		 WHERE id = ? AND version = ?`,
		c.Status,
		c.ExternalID,
		c.ExternalStatus,
		c.GatewayData,
		c.RefundedAmount,
		c.PaidAt,
		c.FailedAt,
		c.RefundedAt,
		c.CancelledAt,
		c.UpdatedAt,
		c.PaymentID,
		c.Version,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConcurrentUpdate
	}
	return nil
}

func (r *repo) FindWebhookEvent(ctx context.Context, db *gorm.DB, provider string, eventKey string) (*domain.WebhookEvent, error) {
	var item domain.WebhookEvent
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, event_key, event_type, action, resource_id, payload,
			received_at, processed_at, payment_id, result_status
		 FROM payment_webhook_events
		 WHERE provider = ? AND event_key = ?
		 LIMIT 1`,
		provider,
		eventKey,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertWebhookEvent(ctx context.Context, db *gorm.DB, event *domain.WebhookEvent) (bool, error) {
	res := db.WithContext(ctx).Exec(
		sqldb.InsertIgnore(db, `INSERT INTO payment_webhook_events (
			id, provider, event_key, event_type, action, resource_id, payload, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, "provider, event_key"),
		event.ID,
		event.Provider,
		event.EventKey,
		event.EventType,
		event.Action,
		event.ResourceID,
		event.Payload,
		event.ReceivedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkWebhookProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time, paymentID *snowflake.ID, resultStatus *string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_webhook_events
		 SET processed_at = ?, payment_id = ?, result_status = ?
		 WHERE id = ?`,
		processedAt,
		paymentID,
		resultStatus,
		id,
	).Error
}
