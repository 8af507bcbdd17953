package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/joao-fontenele/clinic-commerce/internal/cart"
	"github.com/joao-fontenele/clinic-commerce/internal/config"
	"github.com/joao-fontenele/clinic-commerce/internal/httpapi"
	"github.com/joao-fontenele/clinic-commerce/internal/inventory"
	"github.com/joao-fontenele/clinic-commerce/internal/logging"
	"github.com/joao-fontenele/clinic-commerce/internal/messaging"
	"github.com/joao-fontenele/clinic-commerce/internal/orders"
	"github.com/joao-fontenele/clinic-commerce/internal/payment"
	"github.com/joao-fontenele/clinic-commerce/internal/payment/paypal"
	"github.com/joao-fontenele/clinic-commerce/internal/payment/stripe"
	"github.com/joao-fontenele/clinic-commerce/internal/store"
	"github.com/joao-fontenele/clinic-commerce/internal/store/memory"
	"github.com/joao-fontenele/clinic-commerce/internal/store/postgres"
	"github.com/joao-fontenele/clinic-commerce/internal/sweeper"
	"github.com/joao-fontenele/clinic-commerce/internal/telemetry"
	"github.com/joao-fontenele/clinic-commerce/internal/tenant"
)

const (
	serviceName    = "storefront"
	serviceVersion = "0.1.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.New(serviceName, cfg.Env)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("storefront stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, cfg.OTLPEndpoint, serviceName, serviceVersion)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider(serviceName, serviceVersion)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownMeter(context.Background()) }()

	metrics, err := telemetry.NewPipeline(nil)
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var publisher messaging.Publisher = messaging.Discard{}
	if len(cfg.KafkaBrokers) > 0 {
		producer := messaging.NewProducer(cfg.KafkaBrokers, cfg.OrderEventsTopic)
		defer func() { _ = producer.Close() }()
		publisher = producer
	} else {
		logger.Warn("KAFKA_BROKERS not set; order events are discarded")
	}

	var lookup tenant.Lookup = st.Tenants()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		lookup = tenant.NewCachedLookup(lookup, rdb, tenant.DefaultCacheTTL, logger)
	}

	ledger := inventory.NewLedger(logger, metrics)
	carts := cart.NewService(st, ledger, cart.TenantRate{Fallback: cfg.TaxRateBPS}, logger, cart.WithTTL(cfg.CartTTL))
	builder := orders.NewBuilder(st, carts, ledger, publisher, logger, orders.WithMetrics(metrics))
	payments := payment.NewOrchestrator(st, newProvider(cfg), publisher, logger,
		payment.WithTimeout(cfg.ProviderTimeout),
		payment.WithReturnURLs(cfg.PaymentReturnURL, cfg.PaymentCancelURL),
		payment.WithMetrics(metrics),
	)

	go sweeper.New(st, cfg.SweepInterval, cfg.SweepBatchSize, logger, sweeper.WithMetrics(metrics)).Run(ctx)

	handler := httpapi.NewHandler(httpapi.Deps{
		Store:    st,
		Carts:    carts,
		Orders:   builder,
		Payments: payments,
		Ledger:   ledger,
		Tenants:  lookup,
		Metrics:  metricsHandler,
		Logger:   logger,
	}, httpapi.Config{
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		SessionTTL:     cfg.CartTTL,
		SecureCookies:  cfg.IsProduction(),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(handler.Routes(), serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting storefront",
			zap.String("port", cfg.Port),
			zap.String("payment_provider", payments.ProviderName()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down")
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	return server.Shutdown(shutdownCtx)
}

// openStore connects to Postgres, or falls back to an in-memory store with a
// demo tenant when POSTGRES_URL is empty.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.PostgresURL == "" {
		logger.Warn("POSTGRES_URL not set; using in-memory store with demo data")
		return seedDemo(memory.New()), func() {}, nil
	}

	db, err := telemetry.OpenDB("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return postgres.New(db), func() { _ = db.Close() }, nil
}

func newProvider(cfg *config.Config) payment.Provider {
	if cfg.PaymentProvider == "stripe" {
		return stripe.New(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret)
	}
	return paypal.New(paypal.Config{
		BaseURL:      cfg.PayPal.BaseURL,
		ClientID:     cfg.PayPal.ClientID,
		ClientSecret: cfg.PayPal.ClientSecret,
		WebhookID:    cfg.PayPal.WebhookID,
	})
}
