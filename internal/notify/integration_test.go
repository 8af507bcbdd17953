//go:build integration

package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/messaging"
	"github.com/joao-fontenele/clinic-commerce/internal/testutil/pgtest"
)

func TestOrderPaidReachesMailer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	brokers, cleanup := pgtest.SetupKafka(ctx, t)
	defer cleanup()

	sent := make(chan Mail, 4)
	mailer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var mail Mail
		if err := json.NewDecoder(r.Body).Decode(&mail); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		sent <- mail
		w.WriteHeader(http.StatusOK)
	}))
	defer mailer.Close()

	const topic = "commerce.order-events"
	producer := messaging.NewProducer(brokers, topic)
	defer func() { _ = producer.Close() }()

	order := &domain.Order{
		ID: 1, TenantID: 1, OrderNumber: "ORD-20260301-0000000A", Status: domain.OrderStatusPaid,
		Customer:    domain.Customer{Email: "ada@example.com", FirstName: "Ada", LastName: "Lovelace"},
		TotalAmount: 8640, Currency: "USD",
	}
	for _, typ := range []domain.OrderEventType{domain.OrderEventCreated, domain.OrderEventPaid} {
		if err := producer.PublishOrderEvent(ctx, domain.NewOrderEvent(typ, order, time.Now())); err != nil {
			t.Fatalf("failed to publish %s: %v", typ, err)
		}
	}

	consumer := messaging.NewConsumer(brokers, topic, "notify-test",
		messaging.WithStartOffset(kafka.FirstOffset),
		messaging.WithLogger(zap.NewNop()),
	)
	defer func() { _ = consumer.Close() }()

	handler := NewHandler(mailer.URL, 5*time.Second, zap.NewNop())
	consumeCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- consumer.Consume(consumeCtx, handler.Handle) }()

	select {
	case mail := <-sent:
		if mail.To != "ada@example.com" {
			t.Fatalf("expected mail to ada@example.com, got %q", mail.To)
		}
		if mail.Subject != "Order confirmed: ORD-20260301-0000000A" {
			t.Fatalf("unexpected subject %q", mail.Subject)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for the confirmation mail")
	}

	stop()
	if err := <-done; err != nil {
		t.Fatalf("consumer returned error after cancel: %v", err)
	}
	if len(sent) != 0 {
		t.Fatalf("expected exactly one mail, got %d more", len(sent))
	}
}
