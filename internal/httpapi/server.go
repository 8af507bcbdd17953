// Package httpapi exposes the commerce pipeline over HTTP. Every public and
// admin route runs behind tenant resolution and a per-tenant rate limit.
package httpapi

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/joao-fontenele/clinic-commerce/internal/cart"
	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/inventory"
	"github.com/joao-fontenele/clinic-commerce/internal/logging"
	"github.com/joao-fontenele/clinic-commerce/internal/orders"
	"github.com/joao-fontenele/clinic-commerce/internal/payment"
	"github.com/joao-fontenele/clinic-commerce/internal/store"
	"github.com/joao-fontenele/clinic-commerce/internal/telemetry"
	"github.com/joao-fontenele/clinic-commerce/internal/tenant"
)

const sessionCookie = "cart_session"

type Config struct {
	RateLimitRPS   float64
	RateLimitBurst int
	SessionTTL     time.Duration
	SecureCookies  bool
}

type Handler struct {
	store    store.Store
	carts    *cart.Service
	orders   *orders.Builder
	payments *payment.Orchestrator
	ledger   *inventory.Ledger
	tenants  tenant.Lookup
	limiter  *tenantLimiter
	metrics  http.Handler
	cfg      Config
	logger   *zap.Logger
}

type Deps struct {
	Store    store.Store
	Carts    *cart.Service
	Orders   *orders.Builder
	Payments *payment.Orchestrator
	Ledger   *inventory.Ledger
	Tenants  tenant.Lookup
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	Logger  *zap.Logger
}

func NewHandler(d Deps, cfg Config) *Handler {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = domain.DefaultCartTTL
	}
	return &Handler{
		store:    d.Store,
		carts:    d.Carts,
		orders:   d.Orders,
		payments: d.Payments,
		ledger:   d.Ledger,
		tenants:  d.Tenants,
		limiter:  newTenantLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		metrics:  d.Metrics,
		cfg:      cfg,
		logger:   d.Logger,
	}
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}

	mux.HandleFunc("GET /public/cart", h.tenantScoped(h.HandleGetCart))
	mux.HandleFunc("DELETE /public/cart", h.tenantScoped(h.HandleClearCart))
	mux.HandleFunc("POST /public/cart/items", h.tenantScoped(h.HandleAddItem))
	mux.HandleFunc("PUT /public/cart/items/{itemId}", h.tenantScoped(h.HandleUpdateItem))
	mux.HandleFunc("DELETE /public/cart/items/{itemId}", h.tenantScoped(h.HandleRemoveItem))
	mux.HandleFunc("PUT /public/cart/email", h.tenantScoped(h.HandleUpdateEmail))
	mux.HandleFunc("GET /public/cart/validate", h.tenantScoped(h.HandleValidateCart))

	mux.HandleFunc("POST /public/orders", h.tenantScoped(h.HandleCreateOrder))
	mux.HandleFunc("POST /public/orders/buy-now", h.tenantScoped(h.HandleBuyNow))
	mux.HandleFunc("GET /public/orders", h.tenantScoped(h.HandleListOrders))
	mux.HandleFunc("GET /public/orders/search", h.tenantScoped(h.HandleSearchOrders))
	mux.HandleFunc("GET /public/orders/{orderNumber}", h.tenantScoped(h.HandleGetOrder))
	mux.HandleFunc("POST /public/orders/{orderNumber}/cancel", h.tenantScoped(h.HandleCancelOrder))

	mux.HandleFunc("POST /public/payments/{provider}/{tenant}/initiate", h.providerScoped(h.HandleInitiatePayment))
	mux.HandleFunc("POST /public/payments/{provider}/{tenant}/capture", h.providerScoped(h.HandleCapturePayment))
	mux.HandleFunc("POST /public/payments/{provider}/{tenant}/webhook", h.providerScoped(h.HandleWebhook))
	mux.HandleFunc("GET /public/payments/{provider}/{tenant}/orders/{orderId}/payment", h.providerScoped(h.HandleGetPayment))

	mux.HandleFunc("PATCH /admin/orders/{orderNumber}/status", h.tenantScoped(h.HandleUpdateOrderStatus))
	mux.HandleFunc("POST /admin/orders/{orderNumber}/refund", h.tenantScoped(h.HandleRefundOrder))
	mux.HandleFunc("POST /admin/variants/{variantId}/restock", h.tenantScoped(h.HandleRestock))

	return mux
}

type tenantHandler func(w http.ResponseWriter, r *http.Request, t *domain.Tenant)

// tenantScoped resolves the tenant, applies its rate limit and stores a
// tenant-tagged logger in the request context.
func (h *Handler) tenantScoped(next tenantHandler) http.HandlerFunc {
	return telemetry.WithHTTPRoute(func(w http.ResponseWriter, r *http.Request) {
		slug, host := tenantIdentifier(r)
		t, err := tenant.Resolve(r.Context(), h.tenants, slug, host)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if !h.limiter.allow(t.ID) {
			writeJSON(w, http.StatusTooManyRequests, errorBody{
				Error:   "rate_limited",
				Message: "too many requests",
			})
			return
		}

		logger := h.logger.With(zap.Int64("tenant_id", t.ID), zap.String("tenant", t.Slug))
		next(w, r.WithContext(logging.WithContext(r.Context(), logger)), t)
	})
}

// providerScoped rejects payment routes addressed to a provider other than the
// configured one.
func (h *Handler) providerScoped(next tenantHandler) http.HandlerFunc {
	scoped := h.tenantScoped(next)
	return func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("provider") != h.payments.ProviderName() {
			h.writeError(w, r, domain.NewError(domain.KindNotFound, "unknown payment provider"))
			return
		}
		scoped(w, r)
	}
}

// tenantIdentifier picks the first of: tenant query, domain query,
// X-Tenant-Slug, X-Tenant-Domain, {tenant} path value.
func tenantIdentifier(r *http.Request) (slug, host string) {
	q := r.URL.Query()
	switch {
	case q.Get("tenant") != "":
		return q.Get("tenant"), ""
	case q.Get("domain") != "":
		return "", q.Get("domain")
	case r.Header.Get("X-Tenant-Slug") != "":
		return r.Header.Get("X-Tenant-Slug"), ""
	case r.Header.Get("X-Tenant-Domain") != "":
		return "", r.Header.Get("X-Tenant-Domain")
	}
	return r.PathValue("tenant"), ""
}

// tenantLimiter hands out one token bucket per tenant.
type tenantLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

func newTenantLimiter(limit rate.Limit, burst int) *tenantLimiter {
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &tenantLimiter{limit: limit, burst: burst, limiters: map[int64]*rate.Limiter{}}
}

func (l *tenantLimiter) allow(tenantID int64) bool {
	l.mu.Lock()
	lim, ok := l.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[tenantID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
