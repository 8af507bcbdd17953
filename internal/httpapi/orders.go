package httpapi

import (
	"net/http"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/orders"
)

type orderResponse struct {
	Success bool          `json:"success"`
	Order   *domain.Order `json:"order"`
}

type ordersResponse struct {
	Success bool           `json:"success"`
	Orders  []domain.Order `json:"orders"`
}

func writeOrder(w http.ResponseWriter, status int, o *domain.Order) {
	writeJSON(w, status, orderResponse{Success: true, Order: o})
}

func writeOrders(w http.ResponseWriter, list []domain.Order) {
	if list == nil {
		list = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, ordersResponse{Success: true, Orders: list})
}

// HandleCreateOrder checks out the session cart. The body's sessionId wins
// over the query parameter and cookie.
func (h *Handler) HandleCreateOrder(w http.ResponseWriter, r *http.Request, t *domain.Tenant) {
	var req orders.FromCartRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = sessionID(r)
	}

	o, err := h.orders.CreateFromCart(r.Context(), t, req)
	if err != nil {
		h.writeCartError(w, r, t, req.SessionID, err)
		return
	}
	writeOrder(w, http.StatusCreated, o)
}

func (h *Handler) HandleBuyNow(w http.ResponseWriter, r *http.Request, t *domain.Tenant) {
	var req orders.DirectRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	o, err := h.orders.CreateDirect(r.Context(), t, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOrder(w, http.StatusCreated, o)
}

func (h *Handler) HandleGetOrder(w http.ResponseWriter, r *http.Request, t *domain.Tenant) {
	o, err := h.orders.Get(r.Context(), t, r.PathValue("orderNumber"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOrder(w, http.StatusOK, o)
}

func (h *Handler) HandleListOrders(w http.ResponseWriter, r *http.Request, t *domain.Tenant) {
	list, err := h.orders.ListByEmail(r.Context(), t, r.URL.Query().Get("email"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOrders(w, list)
}

func (h *Handler) HandleSearchOrders(w http.ResponseWriter, r *http.Request, t *domain.Tenant) {
	list, err := h.orders.Search(r.Context(), t, r.URL.Query().Get("q"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOrders(w, list)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return decode(w, r, v)
}

func (h *Handler) HandleCancelOrder(w http.ResponseWriter, r *http.Request, t *domain.Tenant) {
	var req reasonRequest
	if err := decodeOptional(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	o, err := h.orders.CancelPending(r.Context(), t, r.PathValue("orderNumber"), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOrder(w, http.StatusOK, o)
}
