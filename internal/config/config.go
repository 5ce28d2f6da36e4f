package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	ErrMissingAccessToken = errors.New("gateway access token is required")
	ErrInvalidCommission  = errors.New("invalid commission tiers")
	ErrInvalidPenalty     = errors.New("invalid cancellation penalty tiers")
)

// Config holds application configuration.
type Config struct {
	AppName       string
	AppVersion    string
	Environment   string
	HTTPAddr      string
	SnowflakeNode int64

	Telemetry TelemetryConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis        RedisConfig
	Gateway      GatewayConfig
	Retry        RetryConfig
	Commission   CommissionConfig
	Tax          TaxConfig
	Cancellation CancellationConfig
	Audit        AuditConfig
	Events       EventsConfig
	Webhook      WebhookConfig
	Scheduler    SchedulerConfig
}

// TelemetryConfig tunes log output and OpenTelemetry export.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OTLPEndpoint  string
	OTLPProtocol  string
	SamplingRatio float64
	Export        bool
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

// GatewayConfig configures the outbound payment gateway client.
type GatewayConfig struct {
	Provider            string
	AccessToken         string
	BaseURL             string
	Timeout             time.Duration
	WebhookSecret       string
	SignatureValidation bool
	DefaultInstallments int
	NotificationURL     string
	Currency            string
	TicketExpiry        time.Duration
	IntegrationID       string
	RequestsPerSecond   float64
	Burst               int
}

// RetryConfig drives the gateway retry executor. MaxRetries counts retries after the
// first attempt.
type RetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	Exponential bool
	MaxDelay    time.Duration
}

type CommissionConfig struct {
	StandardRate        float64
	HighVolumeRate      float64
	PremiumRate         float64
	HighVolumeThreshold int
	PremiumThreshold    int
	Window              time.Duration
	PayoutHoldDays      int
}

type TaxConfig struct {
	WithholdingEnabled bool
	IVARate            float64
}

// PenaltyTier applies Rate when the booking starts in less than Within.
type PenaltyTier struct {
	Within time.Duration
	Rate   float64
}

type CancellationConfig struct {
	Tiers []PenaltyTier
}

type AuditConfig struct {
	Enabled bool
}

type EventsConfig struct {
	SQSQueueURL  string
	AWSRegion    string
	AWSAccessKey string
	AWSSecret    string
}

type WebhookConfig struct {
	RateLimit float64
	Burst     int
}

// SchedulerConfig drives the background gateway health probe and pending sweep.
type SchedulerConfig struct {
	Enabled                bool
	TickInterval           time.Duration
	PendingAge             time.Duration
	BatchSize              int
	HealthFailureThreshold int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "marketpay"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		SnowflakeNode:     getenvInt64("SNOWFLAKE_NODE", 1),
		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(getenv("LOG_LEVEL", "info")),
			LogFormat:     strings.ToLower(getenv("LOG_FORMAT", "json")),
			OTLPEndpoint:  getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			OTLPProtocol:  strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
			Export:        getenvBool("OTEL_ENABLED", false),
		},
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "marketpay"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		Redis: RedisConfig{
			Enabled:  getenvBool("REDIS_ENABLED", false),
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
			LockTTL:  getenvDuration("PAYMENT_LOCK_TTL", 30*time.Second),
		},
		Gateway: GatewayConfig{
			Provider:            strings.ToLower(getenv("PAYMENT_GATEWAY", "mercadopago")),
			AccessToken:         strings.TrimSpace(getenv("MERCADOPAGO_ACCESS_TOKEN", "")),
			BaseURL:             strings.TrimRight(getenv("MERCADOPAGO_BASE_URL", "https://api.mercadopago.com"), "/"),
			Timeout:             getenvMillis("MERCADOPAGO_TIMEOUT", 15*time.Second),
			WebhookSecret:       strings.TrimSpace(getenv("MERCADOPAGO_WEBHOOK_SECRET", "")),
			SignatureValidation: getenvBool("WEBHOOK_SIGNATURE_VALIDATION", true),
			DefaultInstallments: getenvInt("PAYMENT_INSTALLMENTS_DEFAULT", 1),
			NotificationURL:     strings.TrimSpace(getenv("NOTIFICATION_URL", "")),
			Currency:            strings.ToUpper(getenv("PAYMENT_CURRENCY", "ARS")),
			TicketExpiry:        time.Duration(getenvInt("PAYMENT_TICKET_EXPIRY_DAYS", 3)) * 24 * time.Hour,
			IntegrationID:       getenv("MERCADOPAGO_INTEGRATION_ID", "marketpay-v1"),
			RequestsPerSecond:   getenvFloat("MERCADOPAGO_REQUESTS_PER_SECOND", 20),
			Burst:               getenvInt("MERCADOPAGO_BURST", 10),
		},
		Retry: RetryConfig{
			MaxRetries:  getenvInt("PAYMENT_RETRY_ATTEMPTS", 3),
			BaseDelay:   getenvMillis("PAYMENT_RETRY_DELAY_MS", 5*time.Second),
			Exponential: getenvBool("PAYMENT_RETRY_EXPONENTIAL", true),
			MaxDelay:    getenvMillis("PAYMENT_MAX_BACKOFF_MS", 30*time.Second),
		},
		Commission: CommissionConfig{
			StandardRate:        getenvFloat("PLATFORM_COMMISSION_STANDARD", 0.035),
			HighVolumeRate:      getenvFloat("PLATFORM_COMMISSION_HIGH_VOLUME", 0.028),
			PremiumRate:         getenvFloat("PLATFORM_COMMISSION_PREMIUM", 0.025),
			HighVolumeThreshold: getenvInt("COMMISSION_HIGH_VOLUME_THRESHOLD", 50),
			PremiumThreshold:    getenvInt("COMMISSION_PREMIUM_THRESHOLD", 100),
			Window:              getenvDuration("COMMISSION_WINDOW", 30*24*time.Hour),
			PayoutHoldDays:      getenvInt("PAYOUT_HOLD_DAYS", 10),
		},
		Tax: TaxConfig{
			WithholdingEnabled: getenvBool("TAX_WITHHOLDING_ENABLED", false),
			IVARate:            getenvFloat("TAX_IVA_RATE", 0.21),
		},
		Cancellation: CancellationConfig{
			Tiers: parsePenaltyTiers(getenv("CANCELLATION_PENALTY_TIERS", "")),
		},
		Audit: AuditConfig{
			Enabled: getenvBool("AUDIT_LOGGING_ENABLED", true),
		},
		Events: EventsConfig{
			SQSQueueURL:  strings.TrimSpace(getenv("EVENTS_SQS_QUEUE_URL", "")),
			AWSRegion:    getenv("AWS_REGION", "us-east-1"),
			AWSAccessKey: strings.TrimSpace(getenv("EVENTS_AWS_ACCESS_KEY", "")),
			AWSSecret:    strings.TrimSpace(getenv("EVENTS_AWS_SECRET", "")),
		},
		Webhook: WebhookConfig{
			RateLimit: getenvFloat("WEBHOOK_RATE_LIMIT", 50),
			Burst:     getenvInt("WEBHOOK_BURST", 100),
		},
		Scheduler: SchedulerConfig{
			Enabled:                getenvBool("SCHEDULER_ENABLED", true),
			TickInterval:           getenvDuration("SCHEDULER_TICK_INTERVAL", time.Minute),
			PendingAge:             getenvDuration("SCHEDULER_PENDING_AGE", 15*time.Minute),
			BatchSize:              getenvInt("SCHEDULER_BATCH_SIZE", 50),
			HealthFailureThreshold: getenvInt("GATEWAY_HEALTH_FAILURE_THRESHOLD", 3),
		},
	}

	return cfg
}

// Validate reports fatal misconfiguration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Gateway.AccessToken) == "" {
		return ErrMissingAccessToken
	}
	if err := c.Commission.Validate(); err != nil {
		return err
	}
	for i, tier := range c.Cancellation.Tiers {
		if tier.Within <= 0 || tier.Rate < 0 || tier.Rate >= 1 {
			return fmt.Errorf("%w: tier %d", ErrInvalidPenalty, i)
		}
		if i > 0 && tier.Within <= c.Cancellation.Tiers[i-1].Within {
			return fmt.Errorf("%w: tiers must be ascending", ErrInvalidPenalty)
		}
	}
	return nil
}

func (c CommissionConfig) Validate() error {
	if c.HighVolumeThreshold <= 0 || c.PremiumThreshold <= c.HighVolumeThreshold {
		return fmt.Errorf("%w: thresholds must be ascending", ErrInvalidCommission)
	}
	if c.StandardRate < 0 || c.StandardRate >= 1 {
		return fmt.Errorf("%w: standard rate out of range", ErrInvalidCommission)
	}
	if c.HighVolumeRate > c.StandardRate || c.PremiumRate > c.HighVolumeRate || c.PremiumRate < 0 {
		return fmt.Errorf("%w: rates must not increase with volume", ErrInvalidCommission)
	}
	return nil
}

func DefaultPenaltyTiers() []PenaltyTier {
	return []PenaltyTier{
		{Within: 24 * time.Hour, Rate: 0.20},
		{Within: 48 * time.Hour, Rate: 0.10},
	}
}

// parsePenaltyTiers reads "24h:0.20,48h:0.10".
func parsePenaltyTiers(raw string) []PenaltyTier {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultPenaltyTiers()
	}
	tiers := []PenaltyTier{}
	for _, part := range strings.Split(raw, ",") {
		window, rate, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			continue
		}
		within, err := time.ParseDuration(strings.TrimSpace(window))
		if err != nil {
			continue
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(rate), 64)
		if err != nil {
			continue
		}
		tiers = append(tiers, PenaltyTier{Within: within, Rate: parsed})
	}
	if len(tiers) == 0 {
		return DefaultPenaltyTiers()
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Within < tiers[j].Within })
	return tiers
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

// getenvMillis reads a plain millisecond count, as the gateway settings are documented.
func getenvMillis(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil || parsed < 0 {
		return def
	}
	return time.Duration(parsed) * time.Millisecond
}
