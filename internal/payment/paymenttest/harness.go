// Package paymenttest wires the payment stack over an in-memory store and a mock
// gateway for tests of the packages built on top of it.
package paymenttest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/mock/gomock"
	"github.com/shopspring/decimal"
	bookingdomain "github.com/smallbiznis/marketpay/internal/booking/domain"
	bookingrepo "github.com/smallbiznis/marketpay/internal/booking/repository"
	"github.com/smallbiznis/marketpay/internal/clock"
	commissiondomain "github.com/smallbiznis/marketpay/internal/commission/domain"
	commissionrepo "github.com/smallbiznis/marketpay/internal/commission/repository"
	commissionservice "github.com/smallbiznis/marketpay/internal/commission/service"
	"github.com/smallbiznis/marketpay/internal/config"
	"github.com/smallbiznis/marketpay/internal/payment/domain"
	"github.com/smallbiznis/marketpay/internal/payment/domain/mocks"
	paymentrepo "github.com/smallbiznis/marketpay/internal/payment/repository"
	paymentservice "github.com/smallbiznis/marketpay/internal/payment/service"
	"github.com/smallbiznis/marketpay/internal/payment/retry"
	"github.com/smallbiznis/marketpay/internal/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Now is the harness clock's starting time.
var Now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

// Config returns a deployment config with millisecond retry delays.
func Config() config.Config {
	return config.Config{
		Gateway: config.GatewayConfig{
			Provider:            "mercadopago",
			AccessToken:         "TEST-token",
			WebhookSecret:       "whsec",
			SignatureValidation: true,
			DefaultInstallments: 1,
			NotificationURL:     "https://marketpay.test/api/webhooks/mercadopago",
			Currency:            "ARS",
			TicketExpiry:        72 * time.Hour,
		},
		Retry: config.RetryConfig{
			MaxRetries:  3,
			BaseDelay:   time.Millisecond,
			Exponential: true,
			MaxDelay:    10 * time.Millisecond,
		},
		Commission: config.CommissionConfig{
			StandardRate:        0.035,
			HighVolumeRate:      0.028,
			PremiumRate:         0.025,
			HighVolumeThreshold: 50,
			PremiumThreshold:    100,
			Window:              30 * 24 * time.Hour,
			PayoutHoldDays:      10,
		},
		Tax:          config.TaxConfig{IVARate: 0.21},
		Cancellation: config.CancellationConfig{Tiers: config.DefaultPenaltyTiers()},
		Audit:        config.AuditConfig{Enabled: true},
	}
}

type Harness struct {
	T          *testing.T
	Ctx        context.Context
	Log        *zap.Logger
	Cfg        config.Config
	DB         *gorm.DB
	Node       *snowflake.Node
	Clock      *clock.FakeClock
	Gateway    *mocks.MockGateway
	Audit      *testutil.RecordingAudit
	Publisher  *testutil.RecordingPublisher
	Retry      *retry.Executor
	Repo       domain.Repository
	Bookings   bookingdomain.Repository
	Commission commissiondomain.Service
	Payments   domain.Service

	mu       sync.Mutex
	attempts []retry.Attempt
}

func New(t *testing.T) *Harness {
	return NewWithConfig(t, Config())
}

func NewWithConfig(t *testing.T, cfg config.Config) *Harness {
	t.Helper()

	h := &Harness{
		T:         t,
		Ctx:       context.Background(),
		Log:       zaptest.NewLogger(t),
		Cfg:       cfg,
		DB:        testutil.NewDB(t),
		Node:      testutil.NewNode(t),
		Clock:     clock.NewFakeClock(Now),
		Gateway:   mocks.NewMockGateway(gomock.NewController(t)),
		Audit:     &testutil.RecordingAudit{},
		Publisher: &testutil.RecordingPublisher{},
		Repo:      paymentrepo.Provide(),
		Bookings:  bookingrepo.Provide(),
	}

	h.Retry = retry.NewExecutor(cfg.Retry, h.Log,
		retry.WithAudit(h.Audit),
		retry.WithObserver(func(a retry.Attempt) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.attempts = append(h.attempts, a)
		}),
	)

	commission, err := commissionservice.NewService(commissionservice.Params{
		DB:        h.DB,
		Log:       h.Log,
		GenID:     h.Node,
		Repo:      commissionrepo.Provide(),
		Bookings:  h.Bookings,
		Cfg:       cfg,
		Clock:     h.Clock,
		Audit:     h.Audit,
		Publisher: h.Publisher,
	})
	if err != nil {
		t.Fatalf("commission service: %v", err)
	}
	h.Commission = commission
	h.Payments = h.newPayments(h.Bookings)
	return h
}

func (h *Harness) newPayments(bookings bookingdomain.Repository) domain.Service {
	return paymentservice.NewService(paymentservice.Params{
		DB:         h.DB,
		Log:        h.Log,
		GenID:      h.Node,
		Cfg:        h.Cfg,
		Repo:       h.Repo,
		Bookings:   bookings,
		Gateway:    h.Gateway,
		Retry:      h.Retry,
		Commission: h.Commission,
		Audit:      h.Audit,
		Methods:    config.NewStaticMethodConfigHolder(config.DefaultMethodConfig()),
		Publisher:  h.Publisher,
		Clock:      h.Clock,
	})
}

// UseBookings rebuilds Payments on top of repo, e.g. to inject booking
// write failures. Reads through h.Booking still hit the real store.
func (h *Harness) UseBookings(repo bookingdomain.Repository) {
	h.Payments = h.newPayments(repo)
}

// Attempts returns the gateway attempts observed by the retry executor.
func (h *Harness) Attempts() []retry.Attempt {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]retry.Attempt(nil), h.attempts...)
}

// SeedBooking inserts a confirmed booking and returns its id and provider id.
func (h *Harness) SeedBooking(startTime time.Time) (snowflake.ID, snowflake.ID) {
	h.T.Helper()
	bookingID := h.Node.Generate()
	providerID := h.Node.Generate()
	testutil.SeedBooking(h.T, h.DB, testutil.BookingSeed{
		ID:         bookingID,
		ProviderID: providerID,
		ClientID:   h.Node.Generate(),
		Amount:     "10000",
		StartTime:  startTime,
	})
	return bookingID, providerID
}

// InsertPayment stores a payment directly, bypassing the gateway.
func (h *Harness) InsertPayment(bookingID, providerID snowflake.ID, status domain.Status, externalID string, amount string) *domain.Payment {
	h.T.Helper()
	now := h.Clock.Now()
	payment := &domain.Payment{
		ID:           h.Node.Generate(),
		BookingID:    bookingID,
		ProviderID:   providerID,
		Amount:       decimal.RequireFromString(amount),
		Currency:     "ARS",
		Method:       "credit_card",
		Installments: 1,
		Status:       status,
		Metadata:     datatypes.JSONMap{},
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if externalID != "" {
		payment.ExternalID = &externalID
	}
	if status == domain.StatusApproved {
		payment.PaidAt = &now
	}
	if err := h.Repo.Insert(h.Ctx, h.DB, payment); err != nil {
		h.T.Fatalf("insert payment: %v", err)
	}
	return payment
}

// Payment reloads a payment from the store.
func (h *Harness) Payment(id snowflake.ID) *domain.Payment {
	h.T.Helper()
	payment, err := h.Repo.FindByID(h.Ctx, h.DB, id)
	if err != nil || payment == nil {
		h.T.Fatalf("load payment %s: %v", id, err)
	}
	return payment
}

// Booking reloads a booking from the store.
func (h *Harness) Booking(id snowflake.ID) *bookingdomain.Booking {
	h.T.Helper()
	booking, err := h.Bookings.FindByID(h.Ctx, h.DB, id)
	if err != nil || booking == nil {
		h.T.Fatalf("load booking %s: %v", id, err)
	}
	return booking
}
