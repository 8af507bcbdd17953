package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/joao-fontenele/clinic-commerce/internal/cart"
	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/inventory"
	"github.com/joao-fontenele/clinic-commerce/internal/messaging"
	"github.com/joao-fontenele/clinic-commerce/internal/orders"
	"github.com/joao-fontenele/clinic-commerce/internal/payment"
	"github.com/joao-fontenele/clinic-commerce/internal/store/memory"
)

type stubProvider struct {
	mu     sync.Mutex
	orders map[string]*payment.ProviderOrder
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) CreateOrder(_ context.Context, req payment.CreateRequest) (*payment.ProviderOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("PO-%d", len(p.orders)+1)
	po := &payment.ProviderOrder{ID: id, Status: domain.PaymentStatusCreated, Approval: "https://pay.example/" + id}
	p.orders[id] = po
	cp := *po
	return &cp, nil
}

func (p *stubProvider) CaptureOrder(_ context.Context, id, _ string) (*payment.ProviderOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[id]
	if !ok {
		return nil, errors.New("unknown order")
	}
	po.Status = domain.PaymentStatusCaptured
	po.PaymentID = "CAP-" + id
	cp := *po
	return &cp, nil
}

func (p *stubProvider) GetOrder(_ context.Context, id string) (*payment.ProviderOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[id]
	if !ok {
		return nil, errors.New("unknown order")
	}
	cp := *po
	return &cp, nil
}

func (p *stubProvider) VerifyWebhook(_ context.Context, headers http.Header, body []byte) (*payment.WebhookEvent, error) {
	if headers.Get("X-Stub-Signature") != "ok" {
		return nil, payment.ErrInvalidSignature
	}
	var ev payment.WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

type fixture struct {
	store   *memory.Store
	tenant  domain.Tenant
	product domain.Product
	variant domain.Variant
	srv     *httptest.Server
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s := memory.New()
	tenant := s.AddTenant(domain.Tenant{Slug: "clinic-a", Domain: "shop.clinic-a.test", Currency: "USD", CommerceEnabled: true})
	s.AddTenant(domain.Tenant{Slug: "clinic-off", Currency: "USD"})
	product := s.AddProduct(domain.Product{TenantID: tenant.ID, Name: "Serum", Price: 2500, Currency: "USD",
		Status: domain.ProductStatusActive, IsVisible: true, HasVariants: true})
	variant := s.AddVariant(domain.NewVariant(tenant.ID, product.ID, "30ml", "SER-30", 3000, 3))

	logger := zap.NewNop()
	ledger := inventory.NewLedger(logger, nil)
	carts := cart.NewService(s, ledger, cart.FixedRate(800), logger)
	events := &messaging.Recorder{}
	builder := orders.NewBuilder(s, carts, ledger, events, logger)
	provider := &stubProvider{orders: map[string]*payment.ProviderOrder{}}
	payments := payment.NewOrchestrator(s, provider, events, logger)

	h := NewHandler(Deps{
		Store:    s,
		Carts:    carts,
		Orders:   builder,
		Payments: payments,
		Ledger:   ledger,
		Tenants:  s.Tenants(),
		Logger:   logger,
	}, cfg)

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)

	return &fixture{store: s, tenant: tenant, product: product, variant: variant, srv: srv}
}

type response struct {
	status  int
	cookies []*http.Cookie
	body    map[string]any
}

func (f *fixture) do(t *testing.T, method, path string, body any, header http.Header) response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := response{status: resp.StatusCode, cookies: resp.Cookies()}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out.body))
	return out
}

func (r response) object(key string) map[string]any {
	m, _ := r.body[key].(map[string]any)
	return m
}

func slug(s string) http.Header {
	return http.Header{"X-Tenant-Slug": []string{s}}
}

func TestTenantResolution(t *testing.T) {
	f := newFixture(t, Config{})

	tests := []struct {
		name   string
		path   string
		header http.Header
		status int
		kind   string
	}{
		{name: "slug query", path: "/public/cart?tenant=clinic-a", status: http.StatusOK},
		{name: "domain query", path: "/public/cart?domain=shop.clinic-a.test", status: http.StatusOK},
		{name: "slug header", path: "/public/cart", header: slug("clinic-a"), status: http.StatusOK},
		{name: "domain header", path: "/public/cart", header: http.Header{"X-Tenant-Domain": []string{"Shop.Clinic-A.test:443"}}, status: http.StatusOK},
		{name: "query wins over header", path: "/public/cart?tenant=nope", header: slug("clinic-a"), status: http.StatusNotFound, kind: "tenant_not_found"},
		{name: "missing", path: "/public/cart", status: http.StatusNotFound, kind: "tenant_not_found"},
		{name: "unknown", path: "/public/cart?tenant=nope", status: http.StatusNotFound, kind: "tenant_not_found"},
		{name: "commerce disabled", path: "/public/cart?tenant=clinic-off", status: http.StatusForbidden, kind: "feature_disabled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodGet, tt.path, nil, tt.header)
			assert.Equal(t, tt.status, resp.status)
			if tt.kind != "" {
				assert.Equal(t, false, resp.body["success"])
				assert.Equal(t, tt.kind, resp.body["error"])
			}
		})
	}
}

func TestCartFlow(t *testing.T) {
	f := newFixture(t, Config{})
	h := slug("clinic-a")

	resp := f.do(t, http.MethodGet, "/public/cart", nil, h)
	require.Equal(t, http.StatusOK, resp.status)
	require.Len(t, resp.cookies, 1)
	session := resp.cookies[0].Value
	assert.Equal(t, sessionCookie, resp.cookies[0].Name)
	assert.Equal(t, session, resp.body["session_id"])
	assert.Empty(t, resp.object("cart")["items"])

	q := "?sessionId=" + session
	resp = f.do(t, http.MethodPost, "/public/cart/items"+q, map[string]any{
		"productId": f.product.ID, "variantId": f.variant.ID, "quantity": 2,
	}, h)
	require.Equal(t, http.StatusOK, resp.status)
	c := resp.object("cart")
	assert.EqualValues(t, 6000, c["subtotal"])
	assert.EqualValues(t, 480, c["tax_amount"])
	assert.EqualValues(t, 6480, c["total_amount"])
	items := c["items"].([]any)
	require.Len(t, items, 1)
	itemID := int64(items[0].(map[string]any)["id"].(float64))

	resp = f.do(t, http.MethodPut, fmt.Sprintf("/public/cart/items/%d%s", itemID, q), map[string]any{"quantity": 0}, h)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.status)
	assert.Equal(t, "invalid_cart_state", resp.body["error"])
	assert.EqualValues(t, 6480, resp.object("cart")["total_amount"])

	resp = f.do(t, http.MethodPut, fmt.Sprintf("/public/cart/items/%d%s", itemID, q), map[string]any{"quantity": 5}, h)
	require.Equal(t, http.StatusOK, resp.status)

	resp = f.do(t, http.MethodGet, "/public/cart/validate"+q, nil, h)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, false, resp.body["valid"])
	assert.Len(t, resp.body["unavailable"], 1)

	resp = f.do(t, http.MethodDelete, fmt.Sprintf("/public/cart/items/%d%s", itemID, q), nil, h)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Empty(t, resp.object("cart")["items"])

	resp = f.do(t, http.MethodDelete, fmt.Sprintf("/public/cart/items/%d%s", itemID, q), nil, h)
	assert.Equal(t, http.StatusNotFound, resp.status)

	resp = f.do(t, http.MethodPost, "/public/cart/items"+q, map[string]any{"productId": 999, "quantity": 1}, h)
	assert.Equal(t, http.StatusNotFound, resp.status)
	assert.Equal(t, "product_not_found", resp.body["error"])

	resp = f.do(t, http.MethodPut, "/public/cart/items/abc"+q, map[string]any{"quantity": 1}, h)
	assert.Equal(t, http.StatusBadRequest, resp.status)
}

func TestSessionCookieIsReused(t *testing.T) {
	f := newFixture(t, Config{})

	first := f.do(t, http.MethodGet, "/public/cart?tenant=clinic-a", nil, nil)
	require.Len(t, first.cookies, 1)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/public/cart?tenant=clinic-a", nil)
	require.NoError(t, err)
	req.AddCookie(first.cookies[0])
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Empty(t, resp.Cookies())
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, first.cookies[0].Value, body["session_id"])
}

var checkoutBody = map[string]any{
	"customer":       map[string]any{"email": "ada@example.com", "first_name": "Ada", "last_name": "Lovelace"},
	"billingAddress": map[string]any{"line1": "1 Analytical St", "city": "London", "postal_code": "N1", "country": "GB"},
}

func (f *fixture) checkout(t *testing.T, session string, qty int64) response {
	t.Helper()
	h := slug("clinic-a")
	resp := f.do(t, http.MethodPost, "/public/cart/items?sessionId="+session, map[string]any{
		"productId": f.product.ID, "variantId": f.variant.ID, "quantity": qty,
	}, h)
	require.Equal(t, http.StatusOK, resp.status)

	body := map[string]any{"sessionId": session}
	for k, v := range checkoutBody {
		body[k] = v
	}
	return f.do(t, http.MethodPost, "/public/orders", body, h)
}

func TestCheckoutAndPay(t *testing.T) {
	f := newFixture(t, Config{})
	h := slug("clinic-a")

	resp := f.checkout(t, "sess-1", 2)
	require.Equal(t, http.StatusCreated, resp.status)
	order := resp.object("order")
	number := order["order_number"].(string)
	orderID := int64(order["id"].(float64))
	assert.Equal(t, "pending_payment", order["status"])
	assert.EqualValues(t, 6480, order["total_amount"])

	resp = f.do(t, http.MethodGet, "/public/orders/"+number, nil, h)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, number, resp.object("order")["order_number"])

	resp = f.do(t, http.MethodGet, "/public/orders?email=ada@example.com", nil, h)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Len(t, resp.body["orders"], 1)

	resp = f.do(t, http.MethodGet, "/public/orders/search?q=Lovelace", nil, h)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Len(t, resp.body["orders"], 1)

	resp = f.do(t, http.MethodPost, "/public/payments/stub/clinic-a/initiate", map[string]any{"orderNumber": number}, nil)
	require.Equal(t, http.StatusOK, resp.status)
	pay := resp.object("payment")
	assert.Equal(t, "https://pay.example/PO-1", pay["approval_url"])

	resp = f.do(t, http.MethodPost, "/public/payments/stub/clinic-a/capture", map[string]any{"orderID": "PO-1"}, nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "captured", resp.object("payment")["status"])
	assert.Equal(t, "paid", resp.object("order")["status"])

	resp = f.do(t, http.MethodGet, fmt.Sprintf("/public/payments/stub/clinic-a/orders/%d/payment", orderID), nil, nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "CAP-PO-1", resp.object("payment")["provider_payment_id"])

	resp = f.do(t, http.MethodPost, "/public/payments/stub/clinic-a/initiate", map[string]any{"orderNumber": number}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.status)

	resp = f.do(t, http.MethodPost, "/public/orders/"+number+"/cancel", nil, h)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.status)
	assert.Equal(t, map[string]any{"current": "paid", "attempted": "cancelled"}, resp.body["details"])

	resp = f.do(t, http.MethodGet, "/public/orders/"+number, nil, h)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "paid", resp.object("order")["status"])

	resp = f.do(t, http.MethodPatch, "/admin/orders/"+number+"/status", map[string]any{"status": "cancelled"}, h)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "cancelled", resp.object("order")["status"])

	resp = f.do(t, http.MethodGet, fmt.Sprintf("/public/payments/stub/clinic-a/orders/%d/payment", orderID), nil, nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "refunded", resp.object("payment")["status"])
}

func TestCheckoutInsufficientStock(t *testing.T) {
	f := newFixture(t, Config{})

	resp := f.checkout(t, "sess-1", 4)
	assert.Equal(t, http.StatusConflict, resp.status)
	assert.Equal(t, "insufficient_stock", resp.body["error"])
	assert.NotNil(t, resp.body["details"])
	assert.Len(t, resp.object("cart")["items"], 1)
}

func TestEmptyCartCheckout(t *testing.T) {
	f := newFixture(t, Config{})

	body := map[string]any{"sessionId": "nobody"}
	for k, v := range checkoutBody {
		body[k] = v
	}
	resp := f.do(t, http.MethodPost, "/public/orders", body, slug("clinic-a"))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.status)
	assert.Equal(t, "cart not found", resp.body["message"])
}

func TestBuyNowAndCancel(t *testing.T) {
	f := newFixture(t, Config{})
	h := slug("clinic-a")

	body := map[string]any{"productId": f.product.ID, "variantId": f.variant.ID, "quantity": 3}
	for k, v := range checkoutBody {
		body[k] = v
	}
	resp := f.do(t, http.MethodPost, "/public/orders/buy-now", body, h)
	require.Equal(t, http.StatusCreated, resp.status)
	number := resp.object("order")["order_number"].(string)

	resp = f.do(t, http.MethodPost, "/public/orders/"+number+"/cancel", map[string]any{"reason": "changed mind"}, h)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "cancelled", resp.object("order")["status"])

	v, err := f.store.Scope(f.tenant.ID).Variant(context.Background(), f.variant.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, v.StockQuantity)
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture(t, Config{})
	h := slug("clinic-a")

	resp := f.checkout(t, "sess-1", 1)
	require.Equal(t, http.StatusCreated, resp.status)
	number := resp.object("order")["order_number"].(string)

	resp = f.do(t, http.MethodPatch, "/admin/orders/"+number+"/status", map[string]any{"status": "shipped"}, h)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.status)
	assert.Equal(t, map[string]any{"current": "pending_payment", "attempted": "shipped"}, resp.body["details"])

	resp = f.do(t, http.MethodPatch, "/admin/orders/"+number+"/status", map[string]any{"status": "bogus"}, h)
	assert.Equal(t, http.StatusBadRequest, resp.status)

	resp = f.do(t, http.MethodPost, "/admin/orders/"+number+"/refund", nil, h)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.status)

	resp = f.do(t, http.MethodPost, fmt.Sprintf("/admin/variants/%d/restock", f.variant.ID), map[string]any{"quantity": 10}, h)
	require.Equal(t, http.StatusOK, resp.status)
	assert.EqualValues(t, 12, resp.object("variant")["stock_quantity"])

	resp = f.do(t, http.MethodPost, fmt.Sprintf("/admin/variants/%d/restock", f.variant.ID), map[string]any{"quantity": 0}, h)
	assert.Equal(t, http.StatusBadRequest, resp.status)

	resp = f.do(t, http.MethodPost, "/admin/variants/999/restock", map[string]any{"quantity": 1}, h)
	assert.Equal(t, http.StatusNotFound, resp.status)
}

func TestPaymentRoutes(t *testing.T) {
	f := newFixture(t, Config{})

	resp := f.do(t, http.MethodPost, "/public/payments/paypal/clinic-a/initiate", map[string]any{"orderNumber": "x"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.status)
	assert.Equal(t, "not_found", resp.body["error"])

	resp = f.do(t, http.MethodPost, "/public/payments/stub/clinic-a/webhook", map[string]any{"id": "EV-1"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.status)
	assert.Equal(t, "payment_processing", resp.body["error"])

	signed := http.Header{"X-Stub-Signature": []string{"ok"}}
	resp = f.do(t, http.MethodPost, "/public/payments/stub/clinic-a/webhook", map[string]any{"ID": "EV-2", "Type": "noise"}, signed)
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, true, resp.body["received"])

	resp = f.do(t, http.MethodPost, "/public/payments/stub/clinic-a/initiate", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.status)

	resp = f.do(t, http.MethodPost, "/public/payments/stub/clinic-a/initiate", map[string]any{"orderNumber": "ORD-NOPE"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.status)

	resp = f.do(t, http.MethodGet, "/public/payments/stub/clinic-a/orders/42/payment", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.status)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Config{RateLimitRPS: 0.001, RateLimitBurst: 2})

	for i := 0; i < 2; i++ {
		resp := f.do(t, http.MethodGet, "/public/cart?tenant=clinic-a", nil, nil)
		assert.Equal(t, http.StatusOK, resp.status)
	}
	resp := f.do(t, http.MethodGet, "/public/cart?tenant=clinic-a", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.status)
	assert.Equal(t, "rate_limited", resp.body["error"])
}

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		err    error
		status int
		kind   string
	}{
		{domain.NewError(domain.KindTenantNotFound, "x"), http.StatusNotFound, "tenant_not_found"},
		{domain.NewError(domain.KindFeatureDisabled, "x"), http.StatusForbidden, "feature_disabled"},
		{domain.NewError(domain.KindInsufficientStock, "x"), http.StatusConflict, "insufficient_stock"},
		{domain.NewError(domain.KindPaymentProcessing, "x"), http.StatusBadGateway, "payment_processing"},
		{domain.Wrap(domain.KindPaymentProcessing, "x", payment.ErrInvalidSignature), http.StatusBadRequest, "payment_processing"},
		{errors.New("connection refused"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			status, body := errorResponse(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.kind, body.Error)
			assert.False(t, body.Success)
		})
	}

	_, body := errorResponse(fmt.Errorf("load cart: %w", errors.New("pq: password authentication failed")))
	assert.Equal(t, "internal server error", body.Message)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, Config{})
	resp := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "ok", resp.body["status"])
}
