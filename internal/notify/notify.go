// Package notify turns order lifecycle events into customer mails sent
// through the mailer service.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/messaging"
)

type Mail struct {
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	TenantID int64  `json:"tenant_id"`
}

type Handler struct {
	http   *resty.Client
	logger *zap.Logger
}

func NewHandler(mailerURL string, timeout time.Duration, logger *zap.Logger) *Handler {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(mailerURL, "/")).
		SetTransport(otelhttp.NewTransport(http.DefaultTransport)).
		SetTimeout(timeout)

	return &Handler{http: rc, logger: logger}
}

// Handle is a messaging handler. Paid and cancelled orders produce a mail;
// every other event type is acknowledged without side effects.
func (h *Handler) Handle(ctx context.Context, payload []byte) error {
	var event domain.OrderEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("%w: decode order event: %w", messaging.ErrPoison, err)
	}

	mail, ok := compose(event)
	if !ok {
		h.logger.Debug("ignoring order event",
			zap.String("event_type", string(event.Type)),
			zap.String("order_number", event.OrderNumber),
		)
		return nil
	}
	if mail.To == "" {
		h.logger.Warn("order event without customer email", zap.String("order_number", event.OrderNumber))
		return nil
	}

	if err := h.send(ctx, mail); err != nil {
		return fmt.Errorf("send %s mail for %s: %w", event.Type, event.OrderNumber, err)
	}

	h.logger.Info("notification sent",
		zap.String("event_type", string(event.Type)),
		zap.Int64("tenant_id", event.TenantID),
		zap.String("order_number", event.OrderNumber),
	)
	return nil
}

func compose(e domain.OrderEvent) (Mail, bool) {
	total := fmt.Sprintf("%s %s", formatMinor(e.TotalAmount), e.Currency)
	switch e.Type {
	case domain.OrderEventPaid:
		return Mail{
			To:       e.CustomerEmail,
			TenantID: e.TenantID,
			Subject:  "Order confirmed: " + e.OrderNumber,
			Body: fmt.Sprintf("Hi %s, we received your payment of %s for order %s (%d items).",
				strings.TrimSpace(e.CustomerName), total, e.OrderNumber, e.ItemCount),
		}, true
	case domain.OrderEventCancelled:
		return Mail{
			To:       e.CustomerEmail,
			TenantID: e.TenantID,
			Subject:  "Order cancelled: " + e.OrderNumber,
			Body: fmt.Sprintf("Hi %s, your order %s for %s has been cancelled.",
				strings.TrimSpace(e.CustomerName), e.OrderNumber, total),
		}, true
	}
	return Mail{}, false
}

func (h *Handler) send(ctx context.Context, mail Mail) error {
	resp, err := h.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(mail).
		Post("/send")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("mailer returned status %d", resp.StatusCode())
	}
	return nil
}

func formatMinor(amount int64) string {
	sign := ""
	if amount < 0 {
		sign, amount = "-", -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}
