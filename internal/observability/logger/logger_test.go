package logger

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/marketpay/internal/auditcontext"
	"github.com/smallbiznis/marketpay/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestWithContextAddsRequestFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := auditcontext.WithRequestID(context.Background(), "req-1")
	ctx = auditcontext.WithActor(ctx, "user", "u-9")
	WithContext(ctx, base).Info("hello")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "user", fields["actor_type"])
	assert.Equal(t, "u-9", fields["actor_id"])
}

func TestDescribeSQL(t *testing.T) {
	cases := []struct {
		sql       string
		operation string
		table     string
	}{
		{"SELECT id FROM payments WHERE id = ?", "SELECT", "payments"},
		{"INSERT INTO audit_logs (id) VALUES (?)", "INSERT", "audit_logs"},
		{"UPDATE bookings SET status = ?", "UPDATE", "bookings"},
		{"WITH stale AS (SELECT id FROM payments) SELECT * FROM stale", "SELECT", "payments"},
		{"", "UNKNOWN", "unknown"},
	}
	for _, tc := range cases {
		got := describeSQL(tc.sql)
		assert.Equal(t, tc.operation, got.operation, tc.sql)
		assert.Equal(t, tc.table, got.table, tc.sql)
	}
	assert.Equal(t, "SELECT 1 FROM payments", describeSQL(" SELECT 1\n\t FROM   payments ").text)
}

func TestGormTraceLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	ctx := WithLogger(context.Background(), zap.New(core))
	ctx = correlation.WithID(ctx, "corr-9")

	gl := NewGormLogger(DefaultGormLoggerConfig())
	begin := time.Now()
	gl.now = func() time.Time { return begin.Add(10 * time.Millisecond) }
	query := func() (string, int64) { return "SELECT * FROM payments", 1 }

	gl.Trace(ctx, begin, query, nil)
	assert.Zero(t, logs.Len())

	gl.Trace(ctx, begin, query, gormlogger.ErrRecordNotFound)
	assert.Zero(t, logs.Len())

	gl.Trace(ctx, begin, query, errors.New("boom"))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, zap.ErrorLevel, logs.All()[0].Level)

	gl.now = func() time.Time { return begin.Add(time.Second) }
	gl.Trace(ctx, begin, query, nil)
	require.Equal(t, 2, logs.Len())
	assert.Equal(t, zap.WarnLevel, logs.All()[1].Level)
	assert.Equal(t, "payments", logs.All()[1].ContextMap()["table"])
	assert.Equal(t, "corr-9", logs.All()[1].ContextMap()["correlation_id"])

	gl.LogMode(gormlogger.Silent).Trace(ctx, begin, query, errors.New("boom"))
	assert.Equal(t, 2, logs.Len())
}

func TestGinMiddlewareSeedsContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.DebugLevel)
	undo := zap.ReplaceGlobals(zap.New(core))
	defer undo()

	var seen context.Context
	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{}))
	r.GET("/health", func(c *gin.Context) {
		seen = c.Request.Context()
		c.Status(http.StatusOK)
	})
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(correlation.Header, "corr-1")
	req.Header.Set(headerRequestID, "req-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, "corr-1", rec.Header().Get(correlation.Header))
	assert.Equal(t, "req-1", rec.Header().Get(headerRequestID))
	assert.Equal(t, "corr-1", correlation.FromContext(seen))
	assert.Equal(t, "req-1", auditcontext.RequestIDFromContext(seen))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, zap.DebugLevel, logs.All()[0].Level)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(t, 2, logs.Len())
	assert.Equal(t, zap.ErrorLevel, logs.All()[1].Level)
	assert.NotEmpty(t, logs.All()[1].ContextMap()["correlation_id"])
}
