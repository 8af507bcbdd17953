package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/payment"
)

var transmissionHeaders = []string{
	"PAYPAL-AUTH-ALGO",
	"PAYPAL-CERT-URL",
	"PAYPAL-TRANSMISSION-ID",
	"PAYPAL-TRANSMISSION-SIG",
	"PAYPAL-TRANSMISSION-TIME",
}

type event struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID                string `json:"id"`
		Status            string `json:"status"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
	} `json:"resource"`
}

// VerifyWebhook asks PayPal to verify the transmission signature against the
// configured webhook id. Nothing in the body is trusted before that.
func (c *Client) VerifyWebhook(ctx context.Context, headers http.Header, body []byte) (*payment.WebhookEvent, error) {
	if c.cfg.WebhookID == "" {
		return nil, fmt.Errorf("%w: webhook id not configured", payment.ErrInvalidSignature)
	}
	for _, h := range transmissionHeaders {
		if headers.Get(h) == "" {
			return nil, fmt.Errorf("%w: missing %s header", payment.ErrInvalidSignature, h)
		}
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: body is not json", payment.ErrInvalidSignature)
	}

	req := map[string]any{
		"auth_algo":         headers.Get("PAYPAL-AUTH-ALGO"),
		"cert_url":          headers.Get("PAYPAL-CERT-URL"),
		"transmission_id":   headers.Get("PAYPAL-TRANSMISSION-ID"),
		"transmission_sig":  headers.Get("PAYPAL-TRANSMISSION-SIG"),
		"transmission_time": headers.Get("PAYPAL-TRANSMISSION-TIME"),
		"webhook_id":        c.cfg.WebhookID,
		"webhook_event":     json.RawMessage(body),
	}
	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if _, err := c.call(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", "", req, &out); err != nil {
		return nil, fmt.Errorf("verify webhook signature: %w", err)
	}
	if out.VerificationStatus != "SUCCESS" {
		return nil, fmt.Errorf("%w: verification status %q", payment.ErrInvalidSignature, out.VerificationStatus)
	}

	var ev event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode webhook event: %w", err)
	}
	return normalize(&ev, body), nil
}

func normalize(ev *event, raw []byte) *payment.WebhookEvent {
	out := &payment.WebhookEvent{ID: ev.ID, Type: ev.EventType, Raw: raw}

	switch ev.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		out.ProviderOrderID = ev.Resource.ID
		out.Status = domain.PaymentStatusApproved
	case "CHECKOUT.ORDER.COMPLETED":
		out.ProviderOrderID = ev.Resource.ID
		out.Status = domain.PaymentStatusCompleted
	case "PAYMENT.CAPTURE.COMPLETED", "PAYMENT.CAPTURE.PENDING", "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		out.ProviderOrderID = ev.Resource.SupplementaryData.RelatedIDs.OrderID
		out.ProviderPaymentID = ev.Resource.ID
		out.Status = captureStatus(ev.Resource.Status)
		if ev.EventType == "PAYMENT.CAPTURE.DENIED" || ev.EventType == "PAYMENT.CAPTURE.DECLINED" {
			out.Status = domain.PaymentStatusFailed
		}
	}
	return out
}
