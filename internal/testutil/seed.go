package testutil

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// BookingSeed describes a bookings row for tests.
type BookingSeed struct {
	ID            snowflake.ID
	ProviderID    snowflake.ID
	ClientID      snowflake.ID
	Status        string
	PaymentStatus string
	Amount        string
	StartTime     time.Time
	CompletedAt   *time.Time
}

// SeedBooking inserts a booking, filling defaults for empty fields.
func SeedBooking(t *testing.T, db *gorm.DB, b BookingSeed) {
	t.Helper()
	if b.Status == "" {
		b.Status = "CONFIRMED"
	}
	if b.PaymentStatus == "" {
		b.PaymentStatus = "PENDING"
	}
	if b.Amount == "" {
		b.Amount = "0"
	}
	if b.StartTime.IsZero() {
		b.StartTime = time.Now().UTC().Add(72 * time.Hour)
	}
	now := time.Now().UTC()
	err := db.Exec(
		`INSERT INTO bookings (id, provider_id, client_id, status, payment_status, amount, start_time, completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ProviderID, b.ClientID, b.Status, b.PaymentStatus, b.Amount, b.StartTime.UTC(), b.CompletedAt, now, now,
	).Error
	if err != nil {
		t.Fatalf("seed booking: %v", err)
	}
}

// SeedCompletedBookings inserts n completed bookings for the provider, completed at the given time.
func SeedCompletedBookings(t *testing.T, db *gorm.DB, node *snowflake.Node, providerID snowflake.ID, n int, completedAt time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		at := completedAt
		SeedBooking(t, db, BookingSeed{
			ID:            node.Generate(),
			ProviderID:    providerID,
			ClientID:      node.Generate(),
			Status:        "COMPLETED",
			PaymentStatus: "PAID",
			StartTime:     completedAt.Add(-time.Hour),
			CompletedAt:   &at,
		})
	}
}
