package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/joao-fontenele/clinic-commerce/internal/cart"
	"github.com/joao-fontenele/clinic-commerce/internal/domain"
)

// sessionID reads the cart session from the sessionId query parameter or the
// session cookie.
func sessionID(r *http.Request) string {
	if s := strings.TrimSpace(r.URL.Query().Get("sessionId")); s != "" {
		return s
	}
	if c, err := r.Cookie(sessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// ensureSession returns the request session, issuing a new one in a cookie
// when there is none.
func (h *Handler) ensureSession(w http.ResponseWriter, r *http.Request) string {
	if s := sessionID(r); s != "" {
		return s
	}
	s := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    s,
		Path:     "/",
		MaxAge:   int(h.cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return s
}

type cartResponse struct {
	Success   bool         `json:"success"`
	SessionID string       `json:"session_id"`
	Cart      *domain.Cart `json:"cart"`
}

func writeCart(w http.ResponseWriter, session string, c *domain.Cart) {
	writeJSON(w, http.StatusOK, cartResponse{Success: true, SessionID: session, Cart: c})
}

// HandleGetCart returns the session cart, or an unsaved empty cart when the
// session has none yet.
func (h *Handler) HandleGetCart(w http.ResponseWriter, r *http.Request, t *domain.Tenant) {
	session := h.ensureSession(w, r)
	c, err := h.carts.Get(r.Context(), t, session)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if c == nil {
		c = &domain.Cart{TenantID: t.ID, SessionToken: session, Currency: t.Currency, Items: []domain.CartItem{}}
	}
	writeCart(w, session, c)
}

func (h *Handler) HandleAddItem(w http.ResponseWriter, r *http.Request, t *domain.Tenant) {
	session := h.ensureSession(w, r)

	var req cart.AddItemRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.carts.AddItem(r.Context(), t, session, req)
	if err != nil {
		h.writeCartError(w, r, t, session, err)
		return
	}
	writeCart(w, session, c)
}

type quantityRequest struct {
	Quantity int64 `json:"quantity"`
}

func (h *Handler) HandleUpdateItem(w http.ResponseWriter, r *http.Request, t *domain.Tenant) {
	session := sessionID(r)
	itemID, err := pathID(r, "itemId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req quantityRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.carts.UpdateItemQuantity(r.Context(), t, session, itemID, req.Quantity)
	if err != nil {
		h.writeCartError(w, r, t, session, err)
		return
	}
	writeCart(w, session, c)
}

func (h *Handler) HandleRemoveItem(w http.ResponseWriter, r *http.Request, t *domain.Tenant) {
	session := sessionID(r)
	itemID, err := pathID(r, "itemId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.carts.RemoveItem(r.Context(), t, session, itemID)
	if err != nil {
		h.writeCartError(w, r, t, session, err)
		return
	}
	writeCart(w, session, c)
}

func (h *Handler) HandleClearCart(w http.ResponseWriter, r *http.Request, t *domain.Tenant) {
	session := sessionID(r)
	c, err := h.carts.Clear(r.Context(), t, session)
	if err != nil {
		h.writeCartError(w, r, t, session, err)
		return
	}
	writeCart(w, session, c)
}

type emailRequest struct {
	Email string `json:"email"`
}

func (h *Handler) HandleUpdateEmail(w http.ResponseWriter, r *http.Request, t *domain.Tenant) {
	session := h.ensureSession(w, r)

	var req emailRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.carts.UpdateCustomerEmail(r.Context(), t, session, req.Email)
	if err != nil {
		h.writeCartError(w, r, t, session, err)
		return
	}
	writeCart(w, session, c)
}

func (h *Handler) HandleValidateCart(w http.ResponseWriter, r *http.Request, t *domain.Tenant) {
	unavailable, err := h.carts.ValidateAvailability(r.Context(), t, sessionID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if unavailable == nil {
		unavailable = []cart.Unavailable{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"valid":       len(unavailable) == 0,
		"unavailable": unavailable,
	})
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.NewError(domain.KindInvalidRequest, "invalid "+name)
	}
	return id, nil
}
