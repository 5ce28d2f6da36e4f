package service_test

import (
	"context"
	"testing"
	"time"

	auditdomain "github.com/smallbiznis/marketpay/internal/audit/domain"
	auditrepo "github.com/smallbiznis/marketpay/internal/audit/repository"
	auditservice "github.com/smallbiznis/marketpay/internal/audit/service"
	"github.com/smallbiznis/marketpay/internal/auditcontext"
	"github.com/smallbiznis/marketpay/internal/clock"
	"github.com/smallbiznis/marketpay/internal/config"
	"github.com/smallbiznis/marketpay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func newService(t *testing.T, db *gorm.DB, log *zap.Logger, enabled bool, clk clock.Clock) auditdomain.Service {
	t.Helper()
	return auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   log,
		GenID: testutil.NewNode(t),
		Repo:  auditrepo.Provide(),
		Cfg:   config.Config{Audit: config.AuditConfig{Enabled: enabled}},
		Clock: clk,
	})
}

func strPtr(v string) *string { return &v }

func TestAuditLogPersistsMaskedEntryWithRequestContext(t *testing.T) {
	db := testutil.NewDB(t)
	svc := newService(t, db, zaptest.NewLogger(t), true, clock.SystemClock{})

	ctx := auditcontext.WithRequestID(context.Background(), "req-42")
	ctx = auditcontext.WithIPAddress(ctx, "10.0.0.1")
	ctx = auditcontext.WithActor(ctx, "user", "u-1")

	err := svc.AuditLog(ctx, "", nil, "payment.created", "payment", strPtr("123"), map[string]any{
		"amount":       "10000.00",
		"access_token": "APP_USR_abcdef123456",
	})
	require.NoError(t, err)

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{TargetType: "payment", TargetID: "123"})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)

	entry := resp.AuditLogs[0]
	assert.Equal(t, "user", entry.ActorType)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, "u-1", *entry.ActorID)
	assert.Equal(t, "payment.created", entry.Action)
	require.NotNil(t, entry.IPAddress)
	assert.Equal(t, "10.0.0.1", *entry.IPAddress)
	assert.Equal(t, "req-42", entry.Metadata["request_id"])
	assert.Equal(t, "10000.00", entry.Metadata["amount"])
	assert.Equal(t, "APP_USR_****3456", entry.Metadata["access_token"])
}

func TestAuditLogDefaultsToSystemActor(t *testing.T) {
	db := testutil.NewDB(t)
	svc := newService(t, db, zaptest.NewLogger(t), true, clock.SystemClock{})

	require.NoError(t, svc.AuditLog(context.Background(), "", nil, "gateway.attempt", "payment", nil, nil))

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{Action: "gateway.attempt"})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	assert.Equal(t, string(auditdomain.ActorTypeSystem), resp.AuditLogs[0].ActorType)
	assert.Nil(t, resp.AuditLogs[0].ActorID)
}

func TestAuditLogRejectsEmptyAction(t *testing.T) {
	db := testutil.NewDB(t)
	svc := newService(t, db, zaptest.NewLogger(t), true, clock.SystemClock{})

	err := svc.AuditLog(context.Background(), "system", nil, "  ", "payment", nil, nil)
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
	testutil.AssertCount(t, db, "audit_logs", 0)
}

func TestAuditLogDisabledWritesOnlyToLogger(t *testing.T) {
	db := testutil.NewDB(t)
	core, logs := observer.New(zap.DebugLevel)
	svc := newService(t, db, zap.New(core), false, clock.SystemClock{})

	require.NoError(t, svc.AuditLog(context.Background(), "system", nil, "payment.created", "payment", strPtr("1"), nil))

	testutil.AssertCount(t, db, "audit_logs", 0)
	assert.Equal(t, 1, logs.FilterMessage("audit").Len())
}

func TestAuditLogFailureFallsBackToErrorLog(t *testing.T) {
	db := testutil.NewDB(t)
	require.NoError(t, db.Exec(`DROP TABLE audit_logs`).Error)

	core, logs := observer.New(zap.InfoLevel)
	svc := newService(t, db, zap.New(core), true, clock.SystemClock{})

	err := svc.AuditLog(context.Background(), "system", nil, "payment.refunded", "payment", strPtr("77"), map[string]any{"refund_amount": "90.00"})
	require.Error(t, err)

	failures := logs.FilterMessage("audit write failed").All()
	require.Len(t, failures, 1)
	fields := failures[0].ContextMap()
	assert.Equal(t, "payment.refunded", fields["action"])
	assert.Equal(t, "77", fields["target_id"])
	assert.Equal(t, map[string]interface{}{"refund_amount": "90.00"}, fields["metadata"])
}

func TestListPaginatesNewestFirst(t *testing.T) {
	db := testutil.NewDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	svc := newService(t, db, zaptest.NewLogger(t), true, fake)

	for _, action := range []string{"payment.created", "gateway.attempt", "payment.refunded"} {
		require.NoError(t, svc.AuditLog(context.Background(), "system", nil, action, "payment", strPtr("9"), nil))
		fake.Advance(time.Minute)
	}

	first, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{
		TargetType: "payment",
		TargetID:   "9",
		Pagination: paginationOf("", 2),
	})
	require.NoError(t, err)
	require.Len(t, first.AuditLogs, 2)
	assert.True(t, first.HasMore)
	assert.Equal(t, "payment.refunded", first.AuditLogs[0].Action)
	assert.Equal(t, "gateway.attempt", first.AuditLogs[1].Action)

	second, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{
		TargetType: "payment",
		TargetID:   "9",
		Pagination: paginationOf(first.NextPageToken, 2),
	})
	require.NoError(t, err)
	require.Len(t, second.AuditLogs, 1)
	assert.False(t, second.HasMore)
	assert.Equal(t, "payment.created", second.AuditLogs[0].Action)
}

func TestListRejectsInvalidRangeAndToken(t *testing.T) {
	db := testutil.NewDB(t)
	svc := newService(t, db, zaptest.NewLogger(t), true, clock.SystemClock{})

	start := time.Now()
	end := start.Add(-time.Hour)
	_, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)

	_, err = svc.List(context.Background(), auditdomain.ListAuditLogRequest{Pagination: paginationOf("%%%", 10)})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)
}
