package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/mock/gomock"
	"github.com/shopspring/decimal"
	bookingdomain "github.com/smallbiznis/marketpay/internal/booking/domain"
	"github.com/smallbiznis/marketpay/internal/events"
	"github.com/smallbiznis/marketpay/internal/payment/domain"
	"github.com/smallbiznis/marketpay/internal/payment/paymenttest"
	"github.com/smallbiznis/marketpay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func validRequest() domain.CreatePaymentRequest {
	return domain.CreatePaymentRequest{
		Amount: decimal.RequireFromString("10000"),
		Method: "credit_card",
		Payer:  domain.Payer{Email: "ana@example.com", Name: "Ana Gomez"},
		BackURLs: domain.BackURLs{
			Success: "https://shop.test/ok",
			Failure: "https://shop.test/fail",
			Pending: "https://shop.test/pending",
		},
	}
}

func TestCreatePaymentHighVolumeProvider(t *testing.T) {
	h := paymenttest.New(t)
	bookingID, providerID := h.SeedBooking(paymenttest.Now.Add(72 * time.Hour))
	testutil.SeedCompletedBookings(t, h.DB, h.Node, providerID, 60, paymenttest.Now.Add(-24*time.Hour))

	var gotKey string
	h.Gateway.EXPECT().
		CreatePreference(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, req domain.PreferenceRequest, key string) (*domain.Preference, error) {
			gotKey = key
			assert.Equal(t, bookingID.String(), req.ExternalReference)
			assert.Equal(t, "ana@example.com", req.Payer.Email)
			assert.Equal(t, "https://shop.test/ok", req.BackURLs.Success)
			assert.Equal(t, h.Cfg.Gateway.NotificationURL, req.NotificationURL)
			require.Len(t, req.Items, 1)
			assert.True(t, req.Items[0].UnitPrice.Equal(decimal.RequireFromString("10000")))
			assert.Equal(t, "ARS", req.Items[0].CurrencyID)
			assert.Nil(t, req.ExpiresAt)
			return &domain.Preference{ID: "pref-1", InitPoint: "https://mp.test/checkout/pref-1", SandboxInitPoint: "https://sandbox.mp.test/pref-1"}, nil
		})

	req := validRequest()
	req.BookingID = bookingID
	resp, err := h.Payments.CreatePayment(h.Ctx, req)
	require.NoError(t, err)

	assert.NotEmpty(t, gotKey)
	assert.Equal(t, domain.StatusPending, resp.Status)
	assert.Equal(t, "pref-1", resp.PreferenceID)
	assert.Equal(t, "https://mp.test/checkout/pref-1", resp.CheckoutURL)
	assert.Equal(t, bookingID.String(), resp.ExternalReference)
	assert.Equal(t, "high_volume", string(resp.Commission.Tier))
	assert.Equal(t, "280.00", resp.Commission.CommissionAmount.StringFixed(2))
	assert.Equal(t, "9720.00", resp.Commission.NetProviderAmount.StringFixed(2))

	stored := h.Payment(resp.PaymentID)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Equal(t, providerID, stored.ProviderID)
	assert.Equal(t, 1, stored.Installments)
	require.NotNil(t, stored.PreferenceID)
	assert.Equal(t, "pref-1", *stored.PreferenceID)
	assert.Nil(t, stored.ExternalID)
	commission, ok := stored.Metadata["commission"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "280.00", commission["commission_amount"])

	assert.Equal(t, []string{"gateway.attempt", "payment.created"}, h.Audit.Actions())
}

func TestCreatePaymentRetriesWithSameIdempotencyKey(t *testing.T) {
	h := paymenttest.New(t)
	bookingID, _ := h.SeedBooking(paymenttest.Now.Add(72 * time.Hour))

	var keys []string
	unavailable := &domain.GatewayError{Op: "create_preference", StatusCode: 503, Message: "unavailable"}
	gomock.InOrder(
		h.Gateway.EXPECT().CreatePreference(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(ctx context.Context, req domain.PreferenceRequest, key string) (*domain.Preference, error) {
				keys = append(keys, key)
				return nil, unavailable
			}).Times(2),
		h.Gateway.EXPECT().CreatePreference(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(ctx context.Context, req domain.PreferenceRequest, key string) (*domain.Preference, error) {
				keys = append(keys, key)
				return &domain.Preference{ID: "pref-2", InitPoint: "https://mp.test/pref-2"}, nil
			}),
	)

	req := validRequest()
	req.BookingID = bookingID
	resp, err := h.Payments.CreatePayment(h.Ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "pref-2", resp.PreferenceID)

	require.Len(t, keys, 3)
	assert.Equal(t, keys[0], keys[1])
	assert.Equal(t, keys[0], keys[2])

	attempts := h.Attempts()
	require.Len(t, attempts, 3)
	assert.Equal(t, "retryable", attempts[0].Outcome)
	assert.Equal(t, "success", attempts[2].Outcome)
	testutil.AssertCount(t, h.DB, "payments", 1)
}

func TestCreatePaymentTerminalGatewayError(t *testing.T) {
	h := paymenttest.New(t)
	bookingID, _ := h.SeedBooking(paymenttest.Now.Add(72 * time.Hour))

	badRequest := &domain.GatewayError{Op: "create_preference", StatusCode: 400, Code: "bad_request", Message: "invalid items"}
	h.Gateway.EXPECT().CreatePreference(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, badRequest).Times(1)

	req := validRequest()
	req.BookingID = bookingID
	_, err := h.Payments.CreatePayment(h.Ctx, req)
	require.Error(t, err)

	var gatewayErr *domain.GatewayError
	require.True(t, errors.As(err, &gatewayErr))
	assert.Equal(t, 400, gatewayErr.StatusCode)
	testutil.AssertCount(t, h.DB, "payments", 0)

	failed := h.Audit.Filter("payment.creation_failed")
	require.Len(t, failed, 1)
	assert.Equal(t, "gateway", failed[0].Metadata["error_type"])
	assert.Equal(t, bookingID.String(), failed[0].TargetID)
}

func TestCreatePaymentValidation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*domain.CreatePaymentRequest)
		message string
	}{
		{name: "zero amount", mutate: func(r *domain.CreatePaymentRequest) { r.Amount = decimal.Zero }, message: "Amount must be greater than zero"},
		{name: "bad email", mutate: func(r *domain.CreatePaymentRequest) { r.Payer.Email = "not-an-email" }, message: "Invalid payer email"},
		{name: "blank name", mutate: func(r *domain.CreatePaymentRequest) { r.Payer.Name = "  " }, message: "Payer name is required"},
		{name: "relative return url", mutate: func(r *domain.CreatePaymentRequest) { r.BackURLs.Pending = "/pending" }, message: "Return URL must be an absolute URL"},
		{name: "missing return url", mutate: func(r *domain.CreatePaymentRequest) { r.BackURLs.Failure = "" }, message: "Return URL must be an absolute URL"},
		{name: "currency mismatch", mutate: func(r *domain.CreatePaymentRequest) { r.Currency = "USD" }, message: "Unsupported currency USD"},
		{name: "unknown method", mutate: func(r *domain.CreatePaymentRequest) { r.Method = "crypto" }, message: "Unsupported payment method crypto"},
		{name: "amount too low", mutate: func(r *domain.CreatePaymentRequest) { r.Amount = decimal.RequireFromString("50") }, message: "Amount too low for credit_card"},
		{name: "amount too high", mutate: func(r *domain.CreatePaymentRequest) {
			r.Method = "rapipago"
			r.Amount = decimal.RequireFromString("60000")
		}, message: "Amount too high for rapipago"},
		{name: "too many installments", mutate: func(r *domain.CreatePaymentRequest) { r.Installments = 13 }, message: "Too many installments for credit_card"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := paymenttest.New(t)
			bookingID, _ := h.SeedBooking(paymenttest.Now.Add(72 * time.Hour))

			req := validRequest()
			req.BookingID = bookingID
			tc.mutate(&req)

			_, err := h.Payments.CreatePayment(h.Ctx, req)
			var validationErr *domain.ValidationError
			require.True(t, errors.As(err, &validationErr), "got %v", err)
			assert.Equal(t, tc.message, validationErr.Message)
			assert.Equal(t, []string{"payment.creation_failed"}, h.Audit.Actions())
		})
	}
}

func TestCreatePaymentRejectsUnknownOrSettledBooking(t *testing.T) {
	h := paymenttest.New(t)

	req := validRequest()
	req.BookingID = h.Node.Generate()
	_, err := h.Payments.CreatePayment(h.Ctx, req)
	var validationErr *domain.ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "Booking not found", validationErr.Message)

	paidID := h.Node.Generate()
	testutil.SeedBooking(t, h.DB, testutil.BookingSeed{
		ID:            paidID,
		ProviderID:    h.Node.Generate(),
		ClientID:      h.Node.Generate(),
		PaymentStatus: string(bookingdomain.PaymentStatusPaid),
	})
	req.BookingID = paidID
	_, err = h.Payments.CreatePayment(h.Ctx, req)
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "Booking is already paid", validationErr.Message)
}

func TestCreatePaymentTicketMethodExpires(t *testing.T) {
	h := paymenttest.New(t)
	bookingID, _ := h.SeedBooking(paymenttest.Now.Add(72 * time.Hour))

	h.Gateway.EXPECT().
		CreatePreference(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, req domain.PreferenceRequest, key string) (*domain.Preference, error) {
			require.NotNil(t, req.ExpiresAt)
			assert.True(t, paymenttest.Now.Add(72*time.Hour).Equal(*req.ExpiresAt))
			return &domain.Preference{ID: "pref-t", InitPoint: "https://mp.test/pref-t"}, nil
		})

	req := validRequest()
	req.BookingID = bookingID
	req.Method = "rapipago"
	req.Amount = decimal.RequireFromString("1500")
	_, err := h.Payments.CreatePayment(h.Ctx, req)
	require.NoError(t, err)
}

func TestGetPaymentWithoutExternalIDIsLocal(t *testing.T) {
	h := paymenttest.New(t)
	bookingID, providerID := h.SeedBooking(paymenttest.Now.Add(72 * time.Hour))
	payment := h.InsertPayment(bookingID, providerID, domain.StatusPending, "", "10000")

	got, err := h.Payments.GetPayment(h.Ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, int64(1), got.Version)

	_, err = h.Payments.GetPayment(h.Ctx, h.Node.Generate())
	assert.True(t, domain.IsValidationError(err))
}

func TestGetPaymentSyncsApprovedStatus(t *testing.T) {
	h := paymenttest.New(t)
	bookingID, providerID := h.SeedBooking(paymenttest.Now.Add(72 * time.Hour))
	payment := h.InsertPayment(bookingID, providerID, domain.StatusPending, "mp-100", "10000")

	h.Gateway.EXPECT().GetPayment(gomock.Any(), "mp-100").Return(&domain.GatewayPayment{
		ID:                "mp-100",
		Status:            "approved",
		ExternalReference: bookingID.String(),
		TransactionAmount: decimal.RequireFromString("10000"),
		Raw:               json.RawMessage(`{"id":"mp-100","status":"approved"}`),
	}, nil)

	got, err := h.Payments.GetPayment(h.Ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)

	stored := h.Payment(payment.ID)
	assert.Equal(t, domain.StatusApproved, stored.Status)
	require.NotNil(t, stored.PaidAt)
	assert.True(t, paymenttest.Now.Equal(*stored.PaidAt))
	require.NotNil(t, stored.ExternalStatus)
	assert.Equal(t, "approved", *stored.ExternalStatus)
	assert.Equal(t, int64(2), stored.Version)

	assert.Equal(t, bookingdomain.PaymentStatusPaid, h.Booking(bookingID).PaymentStatus)
	testutil.AssertCount(t, h.DB, "commission_records", 1)
	assert.Contains(t, h.Publisher.Types(), events.TypePaymentStatusChanged)
}

func TestUpdateStatusRules(t *testing.T) {
	h := paymenttest.New(t)
	bookingID, providerID := h.SeedBooking(paymenttest.Now.Add(72 * time.Hour))
	payment := h.InsertPayment(bookingID, providerID, domain.StatusPending, "", "10000")

	res, err := h.Payments.UpdateStatus(h.Ctx, domain.StatusUpdate{PaymentID: payment.ID, Status: domain.StatusPending})
	require.NoError(t, err)
	assert.False(t, res.Changed)

	res, err = h.Payments.UpdateStatus(h.Ctx, domain.StatusUpdate{PaymentID: payment.ID, Status: domain.StatusInProcess, ExternalID: "mp-7"})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, domain.StatusPending, res.Previous)
	assert.Equal(t, "mp-7", *h.Payment(payment.ID).ExternalID)

	_, err = h.Payments.UpdateStatus(h.Ctx, domain.StatusUpdate{PaymentID: payment.ID, Status: domain.StatusApproved, ExternalID: "mp-8"})
	var reconErr *domain.ReconciliationError
	require.True(t, errors.As(err, &reconErr))
	assert.Equal(t, "external_id_mismatch", reconErr.Reason)

	res, err = h.Payments.UpdateStatus(h.Ctx, domain.StatusUpdate{PaymentID: payment.ID, Status: domain.StatusApproved, ExternalID: "mp-7"})
	require.NoError(t, err)
	assert.True(t, res.EnteredApproved())
	paidAt := *h.Payment(payment.ID).PaidAt

	h.Clock.Advance(time.Hour)
	res, err = h.Payments.UpdateStatus(h.Ctx, domain.StatusUpdate{PaymentID: payment.ID, Status: domain.StatusApproved})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.True(t, paidAt.Equal(*h.Payment(payment.ID).PaidAt))

	res, err = h.Payments.UpdateStatus(h.Ctx, domain.StatusUpdate{PaymentID: payment.ID, Status: domain.StatusPending})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.NotNil(t, res)
	assert.Equal(t, domain.StatusApproved, res.Payment.Status)

	testutil.AssertCount(t, h.DB, "commission_records", 1)

	_, err = h.Payments.UpdateStatus(h.Ctx, domain.StatusUpdate{PaymentID: h.Node.Generate(), Status: domain.StatusApproved})
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

func TestRefundFull(t *testing.T) {
	h := paymenttest.New(t)
	bookingID, providerID := h.SeedBooking(paymenttest.Now.Add(72 * time.Hour))
	payment := h.InsertPayment(bookingID, providerID, domain.StatusApproved, "mp-200", "10000")

	h.Gateway.EXPECT().
		Refund(gomock.Any(), "mp-200", gomock.Nil(), "refund:"+payment.ID.String()).
		Return(&domain.GatewayRefund{ID: "rf-1", PaymentID: "mp-200", Amount: decimal.RequireFromString("10000"), Status: "approved"}, nil)

	got, err := h.Payments.Refund(h.Ctx, domain.RefundRequest{PaymentID: payment.ID, Reason: "customer request"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, got.Status)

	stored := h.Payment(payment.ID)
	assert.Equal(t, domain.StatusRefunded, stored.Status)
	require.NotNil(t, stored.RefundedAt)
	require.True(t, stored.RefundedAmount.Valid)
	assert.Equal(t, "10000.00", stored.RefundedAmount.Decimal.StringFixed(2))
	assert.Equal(t, bookingdomain.PaymentStatusRefunded, h.Booking(bookingID).PaymentStatus)

	refunded := h.Audit.Filter("payment.refunded")
	require.Len(t, refunded, 1)
	assert.Equal(t, false, refunded[0].Metadata["partial"])
}

func TestRefundPartialPassesAmount(t *testing.T) {
	h := paymenttest.New(t)
	bookingID, providerID := h.SeedBooking(paymenttest.Now.Add(72 * time.Hour))
	payment := h.InsertPayment(bookingID, providerID, domain.StatusApproved, "mp-201", "10000")

	partial := decimal.RequireFromString("9000")
	h.Gateway.EXPECT().
		Refund(gomock.Any(), "mp-201", gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, externalID string, amount *decimal.Decimal, key string) (*domain.GatewayRefund, error) {
			require.NotNil(t, amount)
			assert.True(t, amount.Equal(partial))
			return &domain.GatewayRefund{ID: "rf-2", Amount: partial}, nil
		})

	_, err := h.Payments.Refund(h.Ctx, domain.RefundRequest{PaymentID: payment.ID, Amount: &partial})
	require.NoError(t, err)
	assert.Equal(t, "9000.00", h.Payment(payment.ID).RefundedAmount.Decimal.StringFixed(2))
}

func TestRefundPreconditions(t *testing.T) {
	h := paymenttest.New(t)
	bookingID, providerID := h.SeedBooking(paymenttest.Now.Add(72 * time.Hour))
	pending := h.InsertPayment(bookingID, providerID, domain.StatusPending, "mp-300", "10000")
	approved := h.InsertPayment(bookingID, providerID, domain.StatusApproved, "mp-301", "10000")

	_, err := h.Payments.Refund(h.Ctx, domain.RefundRequest{PaymentID: pending.ID})
	var validationErr *domain.ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "Payment must be approved to refund", validationErr.Message)

	tooMuch := decimal.RequireFromString("10000.01")
	_, err = h.Payments.Refund(h.Ctx, domain.RefundRequest{PaymentID: approved.ID, Amount: &tooMuch})
	assert.True(t, domain.IsValidationError(err))

	assert.Len(t, h.Audit.Filter("payment.refund_failed"), 2)
}

func TestRefundGatewayFailureLeavesPaymentApproved(t *testing.T) {
	h := paymenttest.New(t)
	bookingID, providerID := h.SeedBooking(paymenttest.Now.Add(72 * time.Hour))
	payment := h.InsertPayment(bookingID, providerID, domain.StatusApproved, "mp-400", "10000")

	h.Gateway.EXPECT().
		Refund(gomock.Any(), "mp-400", gomock.Any(), gomock.Any()).
		Return(nil, &domain.GatewayError{Op: "refund", StatusCode: 502}).
		Times(h.Retry.MaxAttempts())

	_, err := h.Payments.Refund(h.Ctx, domain.RefundRequest{PaymentID: payment.ID})
	require.Error(t, err)
	assert.Equal(t, domain.StatusApproved, h.Payment(payment.ID).Status)
	assert.Len(t, h.Audit.Filter("payment.refund_failed"), 1)
	assert.Len(t, h.Audit.Filter("gateway.attempt"), h.Retry.MaxAttempts())
}

// failingBookings fails the first n booking payment-status writes.
type failingBookings struct {
	bookingdomain.Repository
	n int
}

func (f *failingBookings) UpdatePaymentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status bookingdomain.PaymentStatus, at time.Time) error {
	if f.n > 0 {
		f.n--
		return errors.New("transient db error")
	}
	return f.Repository.UpdatePaymentStatus(ctx, db, id, status, at)
}

func TestUpdateStatusRollsBackWhenBookingMirrorFails(t *testing.T) {
	h := paymenttest.New(t)
	h.UseBookings(&failingBookings{Repository: h.Bookings, n: 1})

	bookingID, providerID := h.SeedBooking(paymenttest.Now.Add(72 * time.Hour))
	payment := h.InsertPayment(bookingID, providerID, domain.StatusPending, "mp-900", "10000")
	approve := domain.StatusUpdate{
		PaymentID:  payment.ID,
		Status:     domain.StatusApproved,
		ExternalID: "mp-900",
		Source:     domain.SourceWebhook,
	}

	_, err := h.Payments.UpdateStatus(h.Ctx, approve)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mirror booking payment status")
	assert.Equal(t, domain.StatusPending, h.Payment(payment.ID).Status)
	assert.Equal(t, bookingdomain.PaymentStatusPending, h.Booking(bookingID).PaymentStatus)
	testutil.AssertCount(t, h.DB, "commission_records", 0)
	assert.Empty(t, h.Publisher.Events())
	assert.Empty(t, h.Audit.Filter("commission.calculated"))

	res, err := h.Payments.UpdateStatus(h.Ctx, approve)
	require.NoError(t, err)
	assert.True(t, res.EnteredApproved())
	assert.Equal(t, domain.StatusApproved, h.Payment(payment.ID).Status)
	assert.Equal(t, bookingdomain.PaymentStatusPaid, h.Booking(bookingID).PaymentStatus)
	testutil.AssertCount(t, h.DB, "commission_records", 1)
	assert.ElementsMatch(t,
		[]string{events.TypeCommissionRecorded, events.TypePaymentStatusChanged},
		h.Publisher.Types(),
	)
}
