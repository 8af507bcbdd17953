// Package stripe implements the payment provider contract with manual-capture
// PaymentIntents. The client secret of the intent is the approval handle.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/paymentintent"
	"github.com/stripe/stripe-go/v80/webhook"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/payment"
)

const name = "stripe"

type Client struct {
	intents       *paymentintent.Client
	webhookSecret string
}

var _ payment.Provider = (*Client)(nil)

type Option func(*Client)

// WithBackend replaces the API backend, e.g. to point at a local server.
func WithBackend(b stripe.Backend) Option {
	return func(c *Client) { c.intents.B = b }
}

func New(secretKey, webhookSecret string, opts ...Option) *Client {
	c := &Client{
		intents:       &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey},
		webhookSecret: webhookSecret,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return name }

func (c *Client) CreateOrder(ctx context.Context, req payment.CreateRequest) (*payment.ProviderOrder, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("order_number", req.Reference)

	pi, err := c.intents.New(params)
	if err != nil {
		return nil, wrap("create payment intent", err)
	}
	return toProviderOrder(pi), nil
}

func (c *Client) CaptureOrder(ctx context.Context, providerOrderID, idempotencyKey string) (*payment.ProviderOrder, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey + ":capture")

	pi, err := c.intents.Capture(providerOrderID, params)
	if err != nil {
		return nil, wrap("capture payment intent", err)
	}
	return toProviderOrder(pi), nil
}

func (c *Client) GetOrder(ctx context.Context, providerOrderID string) (*payment.ProviderOrder, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := c.intents.Get(providerOrderID, params)
	if err != nil {
		return nil, wrap("get payment intent", err)
	}
	return toProviderOrder(pi), nil
}

// VerifyWebhook checks the Stripe-Signature header with the endpoint secret.
func (c *Client) VerifyWebhook(_ context.Context, headers http.Header, body []byte) (*payment.WebhookEvent, error) {
	if c.webhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", payment.ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(body, headers.Get("Stripe-Signature"), c.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", payment.ErrInvalidSignature, err)
	}
	return normalize(event)
}

func normalize(event stripe.Event) (*payment.WebhookEvent, error) {
	out := &payment.WebhookEvent{ID: event.ID, Type: string(event.Type)}
	if event.Data == nil {
		return out, nil
	}
	out.Raw = event.Data.Raw

	switch {
	case strings.HasPrefix(string(event.Type), "payment_intent."):
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		out.ProviderOrderID = pi.ID
		if pi.LatestCharge != nil {
			out.ProviderPaymentID = pi.LatestCharge.ID
		}
		switch event.Type {
		case "payment_intent.processing":
			out.Status = domain.PaymentStatusPending
		case "payment_intent.amount_capturable_updated":
			out.Status = domain.PaymentStatusApproved
		case "payment_intent.succeeded":
			out.Status = domain.PaymentStatusCaptured
		case "payment_intent.payment_failed":
			out.Status = domain.PaymentStatusFailed
		case "payment_intent.canceled":
			out.Status = domain.PaymentStatusCancelled
		}
	case event.Type == "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("decode charge: %w", err)
		}
		out.ProviderPaymentID = ch.ID
		if ch.PaymentIntent != nil {
			out.ProviderOrderID = ch.PaymentIntent.ID
		}
		out.Status = domain.PaymentStatusRefunded
	}
	return out, nil
}

func toProviderOrder(pi *stripe.PaymentIntent) *payment.ProviderOrder {
	po := &payment.ProviderOrder{
		ID:       pi.ID,
		Status:   intentStatus(pi.Status),
		Approval: pi.ClientSecret,
	}
	if pi.LatestCharge != nil {
		po.PaymentID = pi.LatestCharge.ID
	}
	if pi.LastResponse != nil && len(pi.LastResponse.RawJSON) > 0 {
		po.Raw = json.RawMessage(pi.LastResponse.RawJSON)
	} else if raw, err := json.Marshal(pi); err == nil {
		po.Raw = raw
	}
	return po
}

func intentStatus(s stripe.PaymentIntentStatus) domain.PaymentStatus {
	switch s {
	case stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusProcessing:
		return domain.PaymentStatusPending
	case stripe.PaymentIntentStatusRequiresCapture:
		return domain.PaymentStatusApproved
	case stripe.PaymentIntentStatusSucceeded:
		return domain.PaymentStatusCaptured
	case stripe.PaymentIntentStatusCanceled:
		return domain.PaymentStatusCancelled
	}
	return domain.PaymentStatusCreated
}

// wrap marks card errors and other 4xx refusals as rejections.
func wrap(op string, err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		if serr.Type == stripe.ErrorTypeCard || serr.HTTPStatusCode == http.StatusPaymentRequired {
			return fmt.Errorf("%s: %w: %w", op, payment.ErrRejected, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
