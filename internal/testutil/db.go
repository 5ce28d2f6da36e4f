// Package testutil builds in-memory stores with the marketpay schema for package tests.
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

// Schema mirrors the embedded postgres migrations using sqlite types.
var Schema = []string{
	`CREATE TABLE bookings (
		id BIGINT PRIMARY KEY,
		provider_id BIGINT NOT NULL,
		client_id BIGINT NOT NULL,
		status TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		amount TEXT NOT NULL DEFAULT '0',
		start_time TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		cancelled_at TIMESTAMP,
		cancelled_by TEXT,
		cancellation_reason TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE payments (
		id BIGINT PRIMARY KEY,
		booking_id BIGINT NOT NULL,
		provider_id BIGINT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		method TEXT NOT NULL,
		installments INT NOT NULL DEFAULT 1,
		status TEXT NOT NULL,
		preference_id TEXT,
		checkout_url TEXT,
		external_id TEXT,
		external_status TEXT,
		gateway_data TEXT,
		refunded_amount TEXT,
		risk_score REAL NOT NULL DEFAULT 0,
		paid_at TIMESTAMP,
		failed_at TIMESTAMP,
		refunded_at TIMESTAMP,
		cancelled_at TIMESTAMP,
		metadata TEXT,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_payments_external_id ON payments(external_id) WHERE external_id IS NOT NULL`,
	`CREATE TABLE payment_webhook_events (
		id BIGINT PRIMARY KEY,
		provider TEXT NOT NULL,
		event_key TEXT NOT NULL,
		event_type TEXT NOT NULL,
		action TEXT,
		resource_id TEXT,
		payload TEXT NOT NULL,
		received_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP,
		payment_id BIGINT,
		result_status TEXT
	)`,
	`CREATE UNIQUE INDEX ux_payment_webhook_events_provider_key ON payment_webhook_events(provider, event_key)`,
	`CREATE TABLE commission_records (
		id BIGINT PRIMARY KEY,
		payment_id BIGINT NOT NULL,
		provider_id BIGINT NOT NULL,
		tier TEXT NOT NULL,
		completed_bookings INT NOT NULL DEFAULT 0,
		base_amount TEXT NOT NULL,
		commission_rate TEXT NOT NULL,
		commission_amount TEXT NOT NULL,
		tax_amount TEXT NOT NULL,
		net_provider_amount TEXT NOT NULL,
		payout_eligible_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_commission_records_payment ON commission_records(payment_id)`,
	`CREATE TABLE audit_logs (
		id BIGINT PRIMARY KEY,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT,
		metadata TEXT,
		ip_address TEXT,
		user_agent TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
}

// NewDB opens an isolated in-memory database with the full schema.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range Schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return db
}

// NewNode returns a snowflake node for test ids.
func NewNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(10)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

// AssertCount fails the test when the table row count differs.
func AssertCount(t *testing.T, db *gorm.DB, table string, want int64) {
	t.Helper()
	var got int64
	if err := db.Table(table).Count(&got).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	if got != want {
		t.Fatalf("expected %d rows in %s, got %d", want, table, got)
	}
}
