package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketpay/internal/booking/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Booking, error) {
	var item domain.Booking
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider_id, client_id, status, payment_status, amount, start_time,
		 completed_at, cancelled_at, cancelled_by, cancellation_reason, created_at, updated_at
		 FROM bookings WHERE id = ?`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpdatePaymentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.PaymentStatus, at time.Time) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE bookings SET payment_status = ?, updated_at = ? WHERE id = ?`,
		status,
		at,
		id,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrBookingNotFound
	}
	return nil
}

func (r *repo) MarkCancelled(ctx context.Context, db *gorm.DB, id snowflake.ID, c domain.Cancellation) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE bookings
		 SET status = ?, payment_status = ?, cancelled_at = ?, cancelled_by = ?, cancellation_reason = ?, updated_at = ?
		 WHERE id = ? AND status <> ?`,
		domain.StatusCancelled,
		c.PaymentStatus,
		c.CancelledAt,
		c.CancelledBy,
		c.Reason,
		c.CancelledAt,
		id,
		domain.StatusCancelled,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrBookingNotFound
	}
	return nil
}

func (r *repo) CountCompletedSince(ctx context.Context, db *gorm.DB, providerID snowflake.ID, since time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM bookings
		 WHERE provider_id = ? AND status = ? AND completed_at >= ?`,
		providerID,
		domain.StatusCompleted,
		since,
	).Scan(&count).Error
	return count, err
}
