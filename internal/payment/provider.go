// Package payment opens provider-side payment intents for orders, captures
// them and reconciles provider webhooks into local payment and order state.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
)

var (
	// ErrRejected means the provider answered and refused the operation,
	// e.g. a declined instrument. Transport failures are not rejections.
	ErrRejected = errors.New("payment: rejected by provider")
	// ErrInvalidSignature is returned by VerifyWebhook for deliveries whose
	// signature cannot be verified.
	ErrInvalidSignature = errors.New("payment: invalid webhook signature")
)

// Provider is the contract every payment processor integration satisfies.
type Provider interface {
	Name() string
	CreateOrder(ctx context.Context, req CreateRequest) (*ProviderOrder, error)
	// CaptureOrder finalises an approved provider order. idempotencyKey is
	// stable across retries of the same attempt.
	CaptureOrder(ctx context.Context, providerOrderID, idempotencyKey string) (*ProviderOrder, error)
	GetOrder(ctx context.Context, providerOrderID string) (*ProviderOrder, error)
	// VerifyWebhook checks the delivery signature before decoding anything
	// and returns the event in provider-neutral form.
	VerifyWebhook(ctx context.Context, headers http.Header, body []byte) (*WebhookEvent, error)
}

type CreateRequest struct {
	Reference      string
	Amount         int64
	Currency       string
	IdempotencyKey string
	ReturnURL      string
	CancelURL      string
}

// ProviderOrder is the provider's view of one payment attempt.
type ProviderOrder struct {
	ID        string
	PaymentID string
	Status    domain.PaymentStatus
	// Approval is what the client needs to approve the payment: a redirect
	// URL or a client secret, depending on the provider.
	Approval string
	Raw      json.RawMessage
}

// WebhookEvent is a verified provider notification. Status is empty for
// event types that do not affect payment state.
type WebhookEvent struct {
	ID                string
	Type              string
	ProviderOrderID   string
	ProviderPaymentID string
	Status            domain.PaymentStatus
	Raw               json.RawMessage
}
