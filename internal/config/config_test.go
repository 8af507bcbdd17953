package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "TAX_RATE_BPS", "CART_TTL", "SWEEP_INTERVAL", "SWEEP_BATCH_SIZE",
		"PROVIDER_TIMEOUT", "PAYMENT_PROVIDER", "KAFKA_BROKERS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, int64(800), cfg.TaxRateBPS)
	assert.Equal(t, 7*24*time.Hour, cfg.CartTTL)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 500, cfg.SweepBatchSize)
	assert.Equal(t, 15*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, "paypal", cfg.PaymentProvider)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TAX_RATE_BPS", "1000")
	t.Setenv("CART_TTL", "24h")
	t.Setenv("PAYMENT_PROVIDER", "Stripe")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(1000), cfg.TaxRateBPS)
	assert.Equal(t, 24*time.Hour, cfg.CartTTL)
	assert.Equal(t, "stripe", cfg.PaymentProvider)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad duration", "SWEEP_INTERVAL", "often"},
		{"bad integer", "TAX_RATE_BPS", "eight"},
		{"unknown provider", "PAYMENT_PROVIDER", "cash"},
		{"zero batch", "SWEEP_BATCH_SIZE", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
