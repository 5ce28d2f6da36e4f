package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketpay/internal/commission/domain"
	sqldb "github.com/smallbiznis/marketpay/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.Record) (bool, error) {
	res := db.WithContext(ctx).Exec(
		sqldb.InsertIgnore(db, `INSERT INTO commission_records (
			id, payment_id, provider_id, tier, completed_bookings, base_amount, commission_rate,
			commission_amount, tax_amount, net_provider_amount, payout_eligible_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, "payment_id"),
		record.ID,
		record.PaymentID,
		record.ProviderID,
		record.Tier,
		record.CompletedBookings,
		record.BaseAmount,
		record.CommissionRate,
		record.CommissionAmount,
		record.TaxAmount,
		record.NetProviderAmount,
		record.PayoutEligibleAt,
		record.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (*domain.Record, error) {
	var item domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT id, payment_id, provider_id, tier, completed_bookings, base_amount, commission_rate,
			commission_amount, tax_amount, net_provider_amount, payout_eligible_at, created_at
		 FROM commission_records
		 WHERE payment_id = ?
		 LIMIT 1`,
		paymentID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}
