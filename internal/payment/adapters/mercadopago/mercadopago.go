package mercadopago

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/smallbiznis/marketpay/internal/payment/domain"
	"github.com/spf13/cast"
)

const (
	ProviderName    = "mercadopago"
	SignatureHeader = "X-Signature"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return ProviderName
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.PaymentAdapter, error) {
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if cfg.SignatureValidation && secret == "" {
		return nil, domain.ErrInvalidConfig
	}
	return &Adapter{
		webhookSecret: secret,
		validate:      cfg.SignatureValidation,
	}, nil
}

type Adapter struct {
	webhookSecret string
	validate      bool
}

// Verify checks X-Signature, the hex HMAC-SHA256 of the raw body.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if !a.validate {
		return nil
	}
	signature := strings.ToLower(strings.TrimSpace(headers.Get(SignatureHeader)))
	if signature == "" {
		return domain.ErrInvalidSignature
	}
	expected := Sign(a.webhookSecret, payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

// Sign returns the signature a sender computes for payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type notification struct {
	ID     any              `json:"id"`
	Type   string           `json:"type"`
	Action string           `json:"action"`
	Data   notificationData `json:"data"`
}

type notificationData struct {
	ID any `json:"id"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.Notification, error) {
	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, domain.ErrInvalidPayload
	}

	eventType := strings.ToLower(strings.TrimSpace(n.Type))
	action := strings.TrimSpace(n.Action)
	if eventType == "" && action != "" {
		// "payment.updated" style actions carry the resource type as prefix.
		eventType = strings.ToLower(strings.SplitN(action, ".", 2)[0])
	}
	if eventType == "" {
		return nil, domain.ErrInvalidPayload
	}

	resourceID := strings.TrimSpace(cast.ToString(n.Data.ID))
	if eventType == domain.NotificationTypePayment && resourceID == "" {
		return nil, domain.ErrInvalidPayload
	}

	return &domain.Notification{
		Provider:   ProviderName,
		EventKey:   eventKey(n.ID, payload),
		Type:       eventType,
		Action:     action,
		ResourceID: resourceID,
		RawPayload: payload,
	}, nil
}

// eventKey prefers the gateway notification id and falls back to a payload digest.
func eventKey(id any, payload []byte) string {
	if key := strings.TrimSpace(cast.ToString(id)); key != "" {
		return key
	}
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:])
}
