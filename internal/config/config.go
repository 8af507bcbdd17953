// Package config loads service settings from the environment. A .env file in
// the working directory is read first when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type PayPal struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	WebhookID    string
}

type Stripe struct {
	SecretKey     string
	WebhookSecret string
}

type Config struct {
	Port        string
	Env         string
	PostgresURL string
	RedisURL    string

	KafkaBrokers     []string
	OrderEventsTopic string
	OTLPEndpoint     string

	TaxRateBPS     int64
	CartTTL        time.Duration
	SweepInterval  time.Duration
	SweepBatchSize int

	PaymentProvider  string
	ProviderTimeout  time.Duration
	PaymentReturnURL string
	PaymentCancelURL string
	PayPal           PayPal
	Stripe           Stripe

	RateLimitRPS   float64
	RateLimitBurst int

	MailerURL string
}

// Load reads the environment. Malformed numbers and durations are errors;
// unset keys take their defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	l := &loader{}
	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		Env:              getEnv("APP_ENV", "development"),
		PostgresURL:      os.Getenv("POSTGRES_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		KafkaBrokers:     splitList(os.Getenv("KAFKA_BROKERS")),
		OrderEventsTopic: getEnv("ORDER_EVENTS_TOPIC", "commerce.order-events"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		TaxRateBPS:     l.int64("TAX_RATE_BPS", 800),
		CartTTL:        l.duration("CART_TTL", 7*24*time.Hour),
		SweepInterval:  l.duration("SWEEP_INTERVAL", 5*time.Minute),
		SweepBatchSize: int(l.int64("SWEEP_BATCH_SIZE", 500)),

		PaymentProvider:  strings.ToLower(getEnv("PAYMENT_PROVIDER", "paypal")),
		ProviderTimeout:  l.duration("PROVIDER_TIMEOUT", 15*time.Second),
		PaymentReturnURL: getEnv("PAYMENT_RETURN_URL", "http://localhost:3000/checkout/return"),
		PaymentCancelURL: getEnv("PAYMENT_CANCEL_URL", "http://localhost:3000/checkout/cancel"),
		PayPal: PayPal{
			BaseURL:      getEnv("PAYPAL_BASE_URL", "https://api-m.sandbox.paypal.com"),
			ClientID:     os.Getenv("PAYPAL_CLIENT_ID"),
			ClientSecret: os.Getenv("PAYPAL_CLIENT_SECRET"),
			WebhookID:    os.Getenv("PAYPAL_WEBHOOK_ID"),
		},
		Stripe: Stripe{
			SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		},

		RateLimitRPS:   l.float("RATE_LIMIT_RPS", 20),
		RateLimitBurst: int(l.int64("RATE_LIMIT_BURST", 40)),

		MailerURL: os.Getenv("MAILER_URL"),
	}

	if l.err != nil {
		return nil, l.err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.PaymentProvider {
	case "paypal", "stripe":
	default:
		return fmt.Errorf("PAYMENT_PROVIDER must be paypal or stripe, got %q", c.PaymentProvider)
	}
	if c.TaxRateBPS < 0 {
		return fmt.Errorf("TAX_RATE_BPS must not be negative")
	}
	if c.CartTTL <= 0 || c.SweepInterval <= 0 || c.ProviderTimeout <= 0 {
		return fmt.Errorf("CART_TTL, SWEEP_INTERVAL and PROVIDER_TIMEOUT must be positive")
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loader keeps the first parse error so Load can report it once.
type loader struct {
	err error
}

func (l *loader) fail(key, value string, err error) {
	if l.err == nil {
		l.err = fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
}

func (l *loader) int64(key string, fallback int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		l.fail(key, raw, err)
		return fallback
	}
	return v
}

func (l *loader) float(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		l.fail(key, raw, err)
		return fallback
	}
	return v
}

func (l *loader) duration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		l.fail(key, raw, err)
		return fallback
	}
	return v
}
