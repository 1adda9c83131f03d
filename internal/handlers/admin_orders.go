package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kirana-mart/api/internal/platform/httpx"
	"github.com/kirana-mart/api/internal/services"
)

// AdminOrderHandlers lets staff move orders along fulfilment and approve returns.
// Role checks happen in the router's admin group.
type AdminOrderHandlers struct {
	orders services.OrderService
}

func NewAdminOrderHandlers(orders services.OrderService) *AdminOrderHandlers {
	return &AdminOrderHandlers{orders: orders}
}

// Routes registers the /admin endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/{orderId}:advance", h.advance)
	r.Post("/orders/{orderId}:approve-return", h.approveReturn)
}

type advanceOrderRequest struct {
	Status string `json:"status"`
}

type approveReturnRequest struct {
	ItemID string `json:"itemId"`
}

func (h *AdminOrderHandlers) advance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	var req advanceOrderRequest
	if err := httpx.DecodeJSON(r, maxOrderBodySize, &req, false); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	order, err := h.orders.AdvanceStatus(ctx, services.AdvanceStatusCommand{
		OrderID:      strings.TrimSpace(chi.URLParam(r, "orderId")),
		TargetStatus: services.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		ActorID:      actorID(r),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeOrderTransition(w, order)
}

func (h *AdminOrderHandlers) approveReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	var req approveReturnRequest
	if err := httpx.DecodeJSON(r, maxOrderBodySize, &req, true); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	order, err := h.orders.ApproveReturn(ctx, services.ApproveReturnCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderId")),
		ItemID:  strings.TrimSpace(req.ItemID),
		ActorID: actorID(r),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeOrderTransition(w, order)
}
