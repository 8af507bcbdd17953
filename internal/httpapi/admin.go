package httpapi

import (
	"net/http"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
)

type statusRequest struct {
	Status domain.OrderStatus `json:"status"`
}

func (h *Handler) HandleUpdateOrderStatus(w http.ResponseWriter, r *http.Request, t *domain.Tenant) {
	var req statusRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	o, err := h.orders.UpdateStatus(r.Context(), t, r.PathValue("orderNumber"), req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOrder(w, http.StatusOK, o)
}

func (h *Handler) HandleRefundOrder(w http.ResponseWriter, r *http.Request, t *domain.Tenant) {
	var req reasonRequest
	if err := decodeOptional(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	o, err := h.orders.Refund(r.Context(), t, r.PathValue("orderNumber"), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOrder(w, http.StatusOK, o)
}

func (h *Handler) HandleRestock(w http.ResponseWriter, r *http.Request, t *domain.Tenant) {
	variantID, err := pathID(r, "variantId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req quantityRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	v, err := h.ledger.Restock(r.Context(), h.store, t.ID, variantID, req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "variant": v})
}
