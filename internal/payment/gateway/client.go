package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/marketpay/internal/config"
	"github.com/smallbiznis/marketpay/internal/observability/tracing"
	"github.com/smallbiznis/marketpay/internal/payment/domain"
	"github.com/smallbiznis/marketpay/pkg/telemetry/correlation"
	"github.com/spf13/cast"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	OpCreatePreference = "create_preference"
	OpGetPayment       = "get_payment"
	OpRefund           = "refund"
	OpPing             = "ping"

	defaultBaseURL = "https://api.mercadopago.com"
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 1 << 20
)

// Client talks to a MercadoPago-shaped gateway API.
type Client struct {
	baseURL       string
	accessToken   string
	integrationID string
	httpClient    *http.Client
	limiter       *rate.Limiter
	log           *zap.Logger
	tracer        trace.Tracer
}

var _ domain.Gateway = (*Client)(nil)

func New(cfg config.Config, log *zap.Logger) (*Client, error) {
	return NewClient(cfg.Gateway, nil, log)
}

// NewClient builds a client. A nil httpClient gets one with the configured timeout.
func NewClient(cfg config.GatewayConfig, httpClient *http.Client, log *zap.Logger) (*Client, error) {
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, config.ErrMissingAccessToken
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("gateway base url: %w", err)
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Client{
		baseURL:       baseURL,
		accessToken:   token,
		integrationID: strings.TrimSpace(cfg.IntegrationID),
		httpClient:    httpClient,
		limiter:       rate.NewLimiter(limit, burst),
		log:           log.Named("payment.gateway"),
		tracer:        otel.Tracer("marketpay/gateway"),
	}, nil
}

type preferenceBody struct {
	Items             []itemBody      `json:"items"`
	Payer             domain.Payer    `json:"payer"`
	BackURLs          domain.BackURLs `json:"back_urls"`
	AutoReturn        string          `json:"auto_return,omitempty"`
	NotificationURL   string          `json:"notification_url,omitempty"`
	ExternalReference string          `json:"external_reference"`
	PaymentMethods    paymentMethods  `json:"payment_methods"`
	Expires           bool            `json:"expires"`
	ExpirationDateTo  string          `json:"expiration_date_to,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
}

type itemBody struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Quantity    int     `json:"quantity"`
	CurrencyID  string  `json:"currency_id"`
	UnitPrice   float64 `json:"unit_price"`
}

type paymentMethods struct {
	Installments        int `json:"installments"`
	DefaultInstallments int `json:"default_installments"`
}

type paymentBody struct {
	ID                any             `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	ExternalReference string          `json:"external_reference"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	CurrencyID        string          `json:"currency_id"`
	DateApproved      *time.Time      `json:"date_approved"`
}

type refundRequestBody struct {
	Amount *float64 `json:"amount,omitempty"`
}

type refundBody struct {
	ID        any             `json:"id"`
	PaymentID any             `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Status  int    `json:"status"`
}

func (c *Client) CreatePreference(ctx context.Context, req domain.PreferenceRequest, idempotencyKey string) (*domain.Preference, error) {
	body := preferenceBody{
		Payer:             req.Payer,
		BackURLs:          req.BackURLs,
		AutoReturn:        req.AutoReturn,
		NotificationURL:   req.NotificationURL,
		ExternalReference: req.ExternalReference,
		PaymentMethods: paymentMethods{
			Installments:        req.Installments,
			DefaultInstallments: req.DefaultInstallments,
		},
		Metadata: req.Metadata,
	}
	for _, item := range req.Items {
		body.Items = append(body.Items, itemBody{
			ID:          item.ID,
			Title:       item.Title,
			Description: item.Description,
			Quantity:    item.Quantity,
			CurrencyID:  item.CurrencyID,
			UnitPrice:   item.UnitPrice.InexactFloat64(),
		})
	}
	if req.ExpiresAt != nil {
		body.Expires = true
		body.ExpirationDateTo = req.ExpiresAt.UTC().Format(time.RFC3339)
	}

	var out domain.Preference
	if _, err := c.do(ctx, OpCreatePreference, http.MethodPost, "/checkout/preferences", body, idempotencyKey, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.ID) == "" {
		return nil, &domain.GatewayError{Op: OpCreatePreference, StatusCode: http.StatusOK, Message: "preference id missing in response"}
	}
	return &out, nil
}

func (c *Client) GetPayment(ctx context.Context, externalID string) (*domain.GatewayPayment, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, domain.NewValidationError("external_id", "Gateway payment id is required")
	}

	var out paymentBody
	raw, err := c.do(ctx, OpGetPayment, http.MethodGet, "/v1/payments/"+url.PathEscape(externalID), nil, "", &out)
	if err != nil {
		return nil, err
	}
	id := cast.ToString(out.ID)
	if id == "" {
		return nil, &domain.GatewayError{Op: OpGetPayment, StatusCode: http.StatusOK, Message: "payment id missing in response"}
	}
	return &domain.GatewayPayment{
		ID:                id,
		Status:            out.Status,
		StatusDetail:      out.StatusDetail,
		ExternalReference: strings.TrimSpace(out.ExternalReference),
		TransactionAmount: out.TransactionAmount,
		CurrencyID:        out.CurrencyID,
		DateApproved:      out.DateApproved,
		Raw:               raw,
	}, nil
}

// Refund refunds amount, or the full payment when amount is nil.
func (c *Client) Refund(ctx context.Context, externalID string, amount *decimal.Decimal, idempotencyKey string) (*domain.GatewayRefund, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, domain.NewValidationError("external_id", "Gateway payment id is required")
	}
	body := refundRequestBody{}
	if amount != nil {
		value := amount.InexactFloat64()
		body.Amount = &value
	}

	var out refundBody
	raw, err := c.do(ctx, OpRefund, http.MethodPost, "/v1/payments/"+url.PathEscape(externalID)+"/refunds", body, idempotencyKey, &out)
	if err != nil {
		return nil, err
	}
	paymentID := cast.ToString(out.PaymentID)
	if paymentID == "" {
		paymentID = externalID
	}
	return &domain.GatewayRefund{
		ID:        cast.ToString(out.ID),
		PaymentID: paymentID,
		Amount:    out.Amount,
		Status:    out.Status,
		Raw:       raw,
	}, nil
}

// Ping checks that the gateway answers an authenticated read.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, OpPing, http.MethodGet, "/v1/payment_methods", nil, "", nil)
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, idempotencyKey string, out any) (json.RawMessage, error) {
	ctx, span := c.tracer.Start(ctx, "gateway."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("gateway.operation", op),
		attribute.String("http.method", method),
		attribute.String("http.route", path),
	)...)

	raw, err := c.send(ctx, op, method, path, body, idempotencyKey, out, span)
	if err != nil {
		safe := tracing.SafeError(err)
		span.RecordError(safe)
		span.SetStatus(codes.Error, safe.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return raw, nil
}

func (c *Client) send(ctx context.Context, op, method, path string, body any, idempotencyKey string, out any, span trace.Span) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &domain.GatewayError{Op: op, Cause: err}
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}
	if c.integrationID != "" {
		req.Header.Set("X-Integrator-Id", c.integrationID)
	}
	_, correlationID := correlation.Ensure(ctx)
	req.Header.Set(correlation.Header, correlationID)
	tracing.InjectContext(ctx, propagation.HeaderCarrier(req.Header))

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug("gateway request failed",
			zap.String("operation", op),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(tracing.SafeError(err)),
		)
		return nil, &domain.GatewayError{Op: op, Timeout: isTimeout(err), Cause: err}
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &domain.GatewayError{Op: op, StatusCode: 0, Timeout: isTimeout(err), Cause: err}
	}

	c.log.Debug("gateway request completed",
		zap.String("operation", op),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)),
		zap.String("correlation_id", correlationID),
	)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, decodeError(op, resp.StatusCode, raw)
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, &domain.GatewayError{Op: op, StatusCode: resp.StatusCode, Message: "invalid response body", Cause: err}
		}
	}
	return json.RawMessage(raw), nil
}

func decodeError(op string, status int, raw []byte) *domain.GatewayError {
	gwErr := &domain.GatewayError{Op: op, StatusCode: status}
	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil {
		gwErr.Code = strings.TrimSpace(body.Error)
		gwErr.Message = strings.TrimSpace(body.Message)
	}
	if gwErr.Message == "" {
		gwErr.Message = http.StatusText(status)
	}
	return gwErr
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
