package httpapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/payment"
)

type paymentResponse struct {
	Success bool            `json:"success"`
	Payment *domain.Payment `json:"payment"`
	Order   *domain.Order   `json:"order,omitempty"`
}

func writePayment(w http.ResponseWriter, res *payment.Result) {
	writeJSON(w, http.StatusOK, paymentResponse{Success: true, Payment: res.Payment, Order: res.Order})
}

type initiateRequest struct {
	OrderNumber string `json:"orderNumber"`
}

func (h *Handler) HandleInitiatePayment(w http.ResponseWriter, r *http.Request, t *domain.Tenant) {
	var req initiateRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.OrderNumber) == "" {
		h.writeError(w, r, domain.NewError(domain.KindInvalidRequest, "orderNumber is required"))
		return
	}

	res, err := h.payments.Initiate(r.Context(), t, req.OrderNumber)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writePayment(w, res)
}

// captureRequest accepts PayPal's orderID as an alias of providerOrderId.
type captureRequest struct {
	ProviderOrderID string `json:"providerOrderId"`
	OrderID         string `json:"orderID"`
}

func (h *Handler) HandleCapturePayment(w http.ResponseWriter, r *http.Request, t *domain.Tenant) {
	var req captureRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	id := req.ProviderOrderID
	if id == "" {
		id = req.OrderID
	}
	if strings.TrimSpace(id) == "" {
		h.writeError(w, r, domain.NewError(domain.KindInvalidRequest, "providerOrderId is required"))
		return
	}

	res, err := h.payments.Capture(r.Context(), t, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writePayment(w, res)
}

// HandleWebhook passes the raw body through untouched; signature checks need
// the exact bytes the provider sent.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request, t *domain.Tenant) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, domain.Wrap(domain.KindInvalidRequest, "unreadable webhook body", err))
		return
	}

	if err := h.payments.HandleWebhook(r.Context(), t, r.Header, body); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true, "received": true})
}

func (h *Handler) HandleGetPayment(w http.ResponseWriter, r *http.Request, t *domain.Tenant) {
	orderID, err := pathID(r, "orderId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	p, err := h.payments.PaymentForOrder(r.Context(), t, orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentResponse{Success: true, Payment: p})
}
