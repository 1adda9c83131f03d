package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kirana-mart/api/internal/platform/httpx"
	"github.com/kirana-mart/api/internal/platform/requestctx"
	"github.com/kirana-mart/api/internal/services"
)

const maxWebhookBodySize = 32 * 1024

// WebhookHandlers receives provider callbacks. Signature verification runs as group middleware.
type WebhookHandlers struct {
	topUps services.TopUpService
}

func NewWebhookHandlers(topUps services.TopUpService) *WebhookHandlers {
	return &WebhookHandlers{topUps: topUps}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/topup", h.topUpEvent)
}

type topUpWebhookRequest struct {
	ProviderOrderID string `json:"providerOrderId"`
	PaymentID       string `json:"paymentId"`
	Amount          int64  `json:"amount"`
	Status          string `json:"status"`
}

func (h *WebhookHandlers) topUpEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.topUps == nil {
		writeServiceUnavailable(ctx, w, "top-up")
		return
	}
	var req topUpWebhookRequest
	if err := httpx.DecodeJSON(r, maxWebhookBodySize, &req, false); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	status := strings.ToLower(strings.TrimSpace(req.Status))
	result, err := h.topUps.ConfirmFromWebhook(ctx, services.TopUpWebhookCommand{
		ProviderOrderID: strings.TrimSpace(req.ProviderOrderID),
		PaymentID:       strings.TrimSpace(req.PaymentID),
		Amount:          req.Amount,
		Succeeded:       status == "succeeded" || status == "captured",
	})
	if err != nil {
		requestctx.Logger(ctx).Warn("top-up webhook rejected",
			zap.String("provider_order_id", req.ProviderOrderID),
			zap.String("status", status),
			zap.Error(err),
		)
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"credited":  result.Transaction.ID != "",
		"duplicate": result.Duplicate,
	})
}
