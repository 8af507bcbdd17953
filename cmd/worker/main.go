package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/joao-fontenele/clinic-commerce/internal/config"
	"github.com/joao-fontenele/clinic-commerce/internal/logging"
	"github.com/joao-fontenele/clinic-commerce/internal/messaging"
	"github.com/joao-fontenele/clinic-commerce/internal/notify"
	"github.com/joao-fontenele/clinic-commerce/internal/telemetry"
)

const (
	serviceName    = "notification-worker"
	serviceVersion = "0.1.0"
	consumerGroup  = "commerce-notifications"
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

	if len(cfg.KafkaBrokers) == 0 {
		logger.Fatal("KAFKA_BROKERS environment variable is required")
	}
	if cfg.MailerURL == "" {
		logger.Fatal("MAILER_URL environment variable is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, cfg.OTLPEndpoint, serviceName, serviceVersion)
	if err != nil {
		logger.Fatal("failed to initialize tracer", zap.Error(err))
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	consumer := messaging.NewConsumer(cfg.KafkaBrokers, cfg.OrderEventsTopic, consumerGroup,
		messaging.WithLogger(logger))
	defer func() { _ = consumer.Close() }()

	handler := notify.NewHandler(cfg.MailerURL, 10*time.Second, logger)

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("starting notification worker",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("topic", cfg.OrderEventsTopic),
	)

	if err := consumer.Consume(ctx, handler.Handle); err != nil {
		logger.Error("consumer error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("consumer stopped")
}
