package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/logging"
	"github.com/joao-fontenele/clinic-commerce/internal/payment"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Success bool         `json:"success"`
	Error   string       `json:"error"`
	Message string       `json:"message"`
	Details any          `json:"details,omitempty"`
	Cart    *domain.Cart `json:"cart,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindTenantNotFound, domain.KindProductNotFound, domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindFeatureDisabled:
		return http.StatusForbidden
	case domain.KindInsufficientStock:
		return http.StatusConflict
	case domain.KindInvalidCartState:
		return http.StatusUnprocessableEntity
	case domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindPaymentProcessing:
		if errors.Is(err, payment.ErrInvalidSignature) {
			return http.StatusBadRequest
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func errorResponse(err error) (int, errorBody) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		return status, errorBody{Error: string(domain.KindInternal), Message: "internal server error"}
	}

	body := errorBody{Error: string(domain.KindOf(err))}
	var derr *domain.Error
	if errors.As(err, &derr) {
		body.Message = derr.Message
		body.Details = derr.Details
	}
	return status, body
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	h.log(r, status, err)
	writeJSON(w, status, body)
}

// writeCartError is writeError with the current cart attached, so clients
// can redraw after a rejected mutation.
func (h *Handler) writeCartError(w http.ResponseWriter, r *http.Request, t *domain.Tenant, session string, err error) {
	status, body := errorResponse(err)
	h.log(r, status, err)
	if session != "" {
		if c, cerr := h.carts.Get(r.Context(), t, session); cerr == nil {
			body.Cart = c
		}
	}
	writeJSON(w, status, body)
}

func (h *Handler) log(r *http.Request, status int, err error) {
	logger := logging.FromContext(r.Context())
	fields := []zap.Field{
		zap.Error(err),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", fields...)
		return
	}
	logger.Debug("request rejected", fields...)
}

// decode reads a JSON body; malformed input is an invalid_request error.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.Wrap(domain.KindInvalidRequest, "invalid request body", err)
	}
	return nil
}
