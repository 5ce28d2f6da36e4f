package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/shopspring/decimal"
	bookingdomain "github.com/smallbiznis/marketpay/internal/booking/domain"
	"github.com/smallbiznis/marketpay/internal/cancellation/domain"
	"github.com/smallbiznis/marketpay/internal/cancellation/service"
	"github.com/smallbiznis/marketpay/internal/events"
	paymentdomain "github.com/smallbiznis/marketpay/internal/payment/domain"
	"github.com/smallbiznis/marketpay/internal/payment/paymenttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(h *paymenttest.Harness) domain.Engine {
	return service.NewService(service.Params{
		DB:        h.DB,
		Log:       h.Log,
		Cfg:       h.Cfg,
		Bookings:  h.Bookings,
		Payments:  h.Payments,
		Audit:     h.Audit,
		Publisher: h.Publisher,
		Clock:     h.Clock,
	})
}

func TestCancelApprovedPaymentPenaltyTiers(t *testing.T) {
	cases := []struct {
		name    string
		until   time.Duration
		rate    string
		penalty string
		refund  string
	}{
		{name: "exactly 48h", until: 48 * time.Hour, rate: "0", penalty: "0.00", refund: "10000.00"},
		{name: "47h59m", until: 47*time.Hour + 59*time.Minute, rate: "0.1", penalty: "1000.00", refund: "9000.00"},
		{name: "exactly 24h", until: 24 * time.Hour, rate: "0.1", penalty: "1000.00", refund: "9000.00"},
		{name: "23h59m", until: 23*time.Hour + 59*time.Minute, rate: "0.2", penalty: "2000.00", refund: "8000.00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := paymenttest.New(t)
			engine := newEngine(h)
			bookingID, providerID := h.SeedBooking(paymenttest.Now.Add(tc.until))
			payment := h.InsertPayment(bookingID, providerID, paymentdomain.StatusApproved, "mp-900", "10000")

			full := tc.penalty == "0.00"
			h.Gateway.EXPECT().
				Refund(gomock.Any(), "mp-900", gomock.Any(), "refund:"+payment.ID.String()).
				DoAndReturn(func(ctx context.Context, externalID string, amount *decimal.Decimal, key string) (*paymentdomain.GatewayRefund, error) {
					if full {
						assert.Nil(t, amount)
						return &paymentdomain.GatewayRefund{ID: "rf-1", Amount: decimal.RequireFromString("10000")}, nil
					}
					require.NotNil(t, amount)
					assert.Equal(t, tc.refund, amount.StringFixed(2))
					return &paymentdomain.GatewayRefund{ID: "rf-1", Amount: *amount}, nil
				})

			res, err := engine.Cancel(h.Ctx, domain.CancelRequest{
				BookingID:    bookingID,
				CancelledBy:  "client",
				Reason:       "schedule conflict",
				ApplyPenalty: true,
			})
			require.NoError(t, err)
			assert.True(t, res.Refunded)
			assert.Equal(t, tc.rate, res.PenaltyRate.String())
			assert.Equal(t, tc.penalty, res.PenaltyAmount.StringFixed(2))
			assert.Equal(t, tc.refund, res.RefundAmount.StringFixed(2))
			require.NotNil(t, res.PaymentID)
			assert.Equal(t, payment.ID, *res.PaymentID)

			stored := h.Payment(payment.ID)
			assert.Equal(t, paymentdomain.StatusRefunded, stored.Status)
			assert.Equal(t, tc.refund, stored.RefundedAmount.Decimal.StringFixed(2))

			booking := h.Booking(bookingID)
			assert.Equal(t, bookingdomain.StatusCancelled, booking.Status)
			assert.Equal(t, bookingdomain.PaymentStatusRefunded, booking.PaymentStatus)
			require.NotNil(t, booking.CancelledBy)
			assert.Equal(t, "client", *booking.CancelledBy)
			require.NotNil(t, booking.CancellationReason)
			assert.Equal(t, "schedule conflict", *booking.CancellationReason)
			require.NotNil(t, booking.CancelledAt)

			cancelled := h.Audit.Filter("booking.cancelled")
			require.Len(t, cancelled, 1)
			assert.Equal(t, tc.refund, cancelled[0].Metadata["refund_amount"])
			assert.Equal(t, tc.penalty, cancelled[0].Metadata["penalty_amount"])
			assert.Contains(t, h.Publisher.Types(), events.TypeBookingCancelled)
		})
	}
}

func TestCancelWithoutPenaltyRefundsInFull(t *testing.T) {
	h := paymenttest.New(t)
	engine := newEngine(h)
	bookingID, providerID := h.SeedBooking(paymenttest.Now.Add(2 * time.Hour))
	payment := h.InsertPayment(bookingID, providerID, paymentdomain.StatusApproved, "mp-901", "10000")

	h.Gateway.EXPECT().
		Refund(gomock.Any(), "mp-901", gomock.Nil(), "refund:"+payment.ID.String()).
		Return(&paymentdomain.GatewayRefund{ID: "rf-2", Amount: decimal.RequireFromString("10000")}, nil)

	res, err := engine.Cancel(h.Ctx, domain.CancelRequest{BookingID: bookingID, CancelledBy: "provider"})
	require.NoError(t, err)
	assert.True(t, res.Refunded)
	assert.True(t, res.PenaltyRate.IsZero())
	assert.Equal(t, "10000.00", res.RefundAmount.StringFixed(2))
}

func TestCancelWithoutPaymentSkipsGateway(t *testing.T) {
	h := paymenttest.New(t)
	engine := newEngine(h)
	bookingID, _ := h.SeedBooking(paymenttest.Now.Add(12 * time.Hour))

	res, err := engine.Cancel(h.Ctx, domain.CancelRequest{BookingID: bookingID, CancelledBy: "client", ApplyPenalty: true})
	require.NoError(t, err)
	assert.False(t, res.Refunded)
	assert.Nil(t, res.PaymentID)
	assert.True(t, res.RefundAmount.IsZero())
	assert.Equal(t, bookingdomain.StatusCancelled, res.BookingStatus)

	booking := h.Booking(bookingID)
	assert.Equal(t, bookingdomain.StatusCancelled, booking.Status)
	assert.Equal(t, bookingdomain.PaymentStatusCancelled, booking.PaymentStatus)
	assert.Len(t, h.Audit.Filter("booking.cancelled"), 1)
}

func TestCancelPendingPaymentCancelsWithoutRefund(t *testing.T) {
	h := paymenttest.New(t)
	engine := newEngine(h)
	bookingID, providerID := h.SeedBooking(paymenttest.Now.Add(12 * time.Hour))
	payment := h.InsertPayment(bookingID, providerID, paymentdomain.StatusPending, "", "10000")

	res, err := engine.Cancel(h.Ctx, domain.CancelRequest{BookingID: bookingID, CancelledBy: "client", ApplyPenalty: true})
	require.NoError(t, err)
	assert.False(t, res.Refunded)
	require.NotNil(t, res.PaymentID)

	stored := h.Payment(payment.ID)
	assert.Equal(t, paymentdomain.StatusCancelled, stored.Status)
	require.NotNil(t, stored.CancelledAt)

	booking := h.Booking(bookingID)
	assert.Equal(t, bookingdomain.StatusCancelled, booking.Status)
	assert.Equal(t, bookingdomain.PaymentStatusCancelled, booking.PaymentStatus)
}

func TestCancelTerminalPaymentLeavesItUntouched(t *testing.T) {
	h := paymenttest.New(t)
	engine := newEngine(h)
	bookingID, providerID := h.SeedBooking(paymenttest.Now.Add(12 * time.Hour))
	payment := h.InsertPayment(bookingID, providerID, paymentdomain.StatusChargedBack, "mp-902", "10000")

	res, err := engine.Cancel(h.Ctx, domain.CancelRequest{BookingID: bookingID})
	require.NoError(t, err)
	assert.False(t, res.Refunded)
	assert.Equal(t, paymentdomain.StatusChargedBack, h.Payment(payment.ID).Status)

	booking := h.Booking(bookingID)
	assert.Equal(t, bookingdomain.StatusCancelled, booking.Status)
	require.NotNil(t, booking.CancelledBy)
	assert.Equal(t, "system", *booking.CancelledBy)
}

func TestCancelRefundFailureLeavesBookingUntouched(t *testing.T) {
	h := paymenttest.New(t)
	engine := newEngine(h)
	bookingID, providerID := h.SeedBooking(paymenttest.Now.Add(72 * time.Hour))
	payment := h.InsertPayment(bookingID, providerID, paymentdomain.StatusApproved, "mp-903", "10000")

	h.Gateway.EXPECT().
		Refund(gomock.Any(), "mp-903", gomock.Any(), gomock.Any()).
		Return(nil, &paymentdomain.GatewayError{Op: "refund", StatusCode: 400, Message: "invalid refund"})

	_, err := engine.Cancel(h.Ctx, domain.CancelRequest{BookingID: bookingID, CancelledBy: "client", ApplyPenalty: true})
	require.Error(t, err)
	var gatewayErr *paymentdomain.GatewayError
	assert.True(t, errors.As(err, &gatewayErr))

	assert.Equal(t, paymentdomain.StatusApproved, h.Payment(payment.ID).Status)
	booking := h.Booking(bookingID)
	assert.Equal(t, bookingdomain.StatusConfirmed, booking.Status)
	assert.Nil(t, booking.CancelledAt)

	assert.Len(t, h.Audit.Filter("booking.cancellation_failed"), 1)
	assert.Empty(t, h.Audit.Filter("booking.cancelled"))
	assert.NotContains(t, h.Publisher.Types(), events.TypeBookingCancelled)
}

func TestCancelRejectsUnknownOrCancelledBooking(t *testing.T) {
	h := paymenttest.New(t)
	engine := newEngine(h)

	_, err := engine.Cancel(h.Ctx, domain.CancelRequest{BookingID: h.Node.Generate()})
	var validationErr *paymentdomain.ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "Booking not found", validationErr.Message)

	bookingID, _ := h.SeedBooking(paymenttest.Now.Add(72 * time.Hour))
	_, err = engine.Cancel(h.Ctx, domain.CancelRequest{BookingID: bookingID})
	require.NoError(t, err)

	_, err = engine.Cancel(h.Ctx, domain.CancelRequest{BookingID: bookingID})
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "Booking is already cancelled", validationErr.Message)
}
