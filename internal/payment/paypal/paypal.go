// Package paypal implements the payment provider contract on top of the
// PayPal REST API: client-credentials OAuth, v2 checkout orders and the
// verify-webhook-signature endpoint.
package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/payment"
)

const name = "paypal"

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	WebhookID    string
}

type Client struct {
	cfg  Config
	http *resty.Client
	now  func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

var _ payment.Provider = (*Client)(nil)

func New(cfg Config) *Client {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTransport(otelhttp.NewTransport(http.DefaultTransport)).
		SetHeader("Accept", "application/json")

	return &Client{cfg: cfg, http: rc, now: time.Now}
}

func (c *Client) Name() string { return name }

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type capture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type order struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Links         []link `json:"links"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []capture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

type apiError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func (e *apiError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("paypal: %s: %s", e.Name, e.Details[0].Issue)
	}
	return fmt.Sprintf("paypal: %s: %s", e.Name, e.Message)
}

func (e *apiError) hasIssue(issue string) bool {
	for _, d := range e.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

func (c *Client) CreateOrder(ctx context.Context, req payment.CreateRequest) (*payment.ProviderOrder, error) {
	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": req.Reference,
			"custom_id":    req.Reference,
			"amount": map[string]string{
				"currency_code": strings.ToUpper(req.Currency),
				"value":         formatAmount(req.Amount),
			},
		}},
		"application_context": map[string]string{
			"return_url":  req.ReturnURL,
			"cancel_url":  req.CancelURL,
			"user_action": "PAY_NOW",
		},
	}

	var out order
	raw, err := c.call(ctx, http.MethodPost, "/v2/checkout/orders", req.IdempotencyKey, body, &out)
	if err != nil {
		return nil, err
	}
	return toProviderOrder(&out, raw), nil
}

func (c *Client) CaptureOrder(ctx context.Context, providerOrderID, idempotencyKey string) (*payment.ProviderOrder, error) {
	var out order
	raw, err := c.call(ctx, http.MethodPost, "/v2/checkout/orders/"+providerOrderID+"/capture", idempotencyKey,
		map[string]any{}, &out)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.hasIssue("ORDER_ALREADY_CAPTURED") {
		return c.GetOrder(ctx, providerOrderID)
	}
	if err != nil {
		return nil, err
	}
	return toProviderOrder(&out, raw), nil
}

func (c *Client) GetOrder(ctx context.Context, providerOrderID string) (*payment.ProviderOrder, error) {
	var out order
	raw, err := c.call(ctx, http.MethodGet, "/v2/checkout/orders/"+providerOrderID, "", nil, &out)
	if err != nil {
		return nil, err
	}
	return toProviderOrder(&out, raw), nil
}

// call sends an authenticated request. 422 responses are business
// rejections; other non-2xx answers are plain failures.
func (c *Client) call(ctx context.Context, method, path, requestID string, body, result any) (json.RawMessage, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	r := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(result).
		SetError(&apiError{})
	if requestID != "" {
		r.SetHeader("PayPal-Request-Id", requestID)
	}
	if body != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := r.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("paypal %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr, _ := resp.Error().(*apiError)
		if apiErr == nil || apiErr.Name == "" {
			apiErr = &apiError{Name: resp.Status()}
		}
		if resp.StatusCode() == http.StatusUnprocessableEntity && !apiErr.hasIssue("ORDER_ALREADY_CAPTURED") {
			return nil, fmt.Errorf("%w: %w", payment.ErrRejected, apiErr)
		}
		return nil, apiErr
	}
	return json.RawMessage(resp.Body()), nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// accessToken returns a cached OAuth token, refreshing it a minute before
// it expires.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expires) {
		return c.token, nil
	}

	var out tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret).
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		SetResult(&out).
		Post("/v1/oauth2/token")
	if err != nil {
		return "", fmt.Errorf("paypal oauth: %w", err)
	}
	if resp.IsError() || out.AccessToken == "" {
		return "", fmt.Errorf("paypal oauth: unexpected status %s", resp.Status())
	}

	c.token = out.AccessToken
	c.expires = c.now().Add(time.Duration(out.ExpiresIn)*time.Second - time.Minute)
	return c.token, nil
}

func toProviderOrder(o *order, raw json.RawMessage) *payment.ProviderOrder {
	po := &payment.ProviderOrder{ID: o.ID, Raw: raw, Status: orderStatus(o.Status)}
	for _, l := range o.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			po.Approval = l.Href
			break
		}
	}
	if cp := firstCapture(o); cp != nil {
		po.PaymentID = cp.ID
		po.Status = captureStatus(cp.Status)
	}
	return po
}

func firstCapture(o *order) *capture {
	for _, pu := range o.PurchaseUnits {
		if len(pu.Payments.Captures) > 0 {
			return &pu.Payments.Captures[0]
		}
	}
	return nil
}

func orderStatus(s string) domain.PaymentStatus {
	switch s {
	case "PAYER_ACTION_REQUIRED":
		return domain.PaymentStatusPending
	case "APPROVED":
		return domain.PaymentStatusApproved
	case "COMPLETED":
		return domain.PaymentStatusCaptured
	case "VOIDED":
		return domain.PaymentStatusCancelled
	}
	return domain.PaymentStatusCreated
}

func captureStatus(s string) domain.PaymentStatus {
	switch s {
	case "COMPLETED":
		return domain.PaymentStatusCaptured
	case "DECLINED", "FAILED":
		return domain.PaymentStatusFailed
	case "REFUNDED", "PARTIALLY_REFUNDED":
		return domain.PaymentStatusRefunded
	}
	return domain.PaymentStatusPending
}

// formatAmount renders minor units as the decimal string PayPal expects.
func formatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign, cents = "-", -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
