package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kirana-mart/api/internal/platform/httpx"
	"github.com/kirana-mart/api/internal/platform/pagination"
	"github.com/kirana-mart/api/internal/services"
)

const (
	maxOrderBodySize = 4 * 1024
	maxPageSize      = 100
)

// OrderHandlers exposes the caller's orders and the shopper-initiated transitions.
type OrderHandlers struct {
	orders services.OrderService
	money  moneyFormatter
}

// NewOrderHandlers constructs order handlers rendering amounts in the given ISO currency.
func NewOrderHandlers(orders services.OrderService, currencyCode string) *OrderHandlers {
	return &OrderHandlers{orders: orders, money: newMoneyFormatter(currencyCode)}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderId}", h.getOrder)
	r.Post("/{orderId}/cancel", h.cancelOrder)
	r.Post("/{orderId}/return", h.returnOrder)
	r.Post("/{orderId}/items/{itemId}/cancel", h.cancelItem)
	r.Post("/{orderId}/items/{itemId}/return", h.returnItem)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type orderItemPayload struct {
	ID           string       `json:"id"`
	ProductID    string       `json:"productId"`
	Name         string       `json:"name"`
	Quantity     int          `json:"quantity"`
	UnitPrice    moneyPayload `json:"unitPrice"`
	LineTotal    moneyPayload `json:"lineTotal"`
	Status       string       `json:"status"`
	CancelReason string       `json:"cancelReason,omitempty"`
	ReturnReason string       `json:"returnReason,omitempty"`
	CancelledAt  string       `json:"cancelledAt,omitempty"`
	RequestedAt  string       `json:"returnRequestedAt,omitempty"`
	ApprovedAt   string       `json:"returnApprovedAt,omitempty"`
}

type orderTotalsPayload struct {
	Subtotal moneyPayload `json:"subtotal"`
	Tax      moneyPayload `json:"tax"`
	Shipping moneyPayload `json:"shipping"`
	Discount moneyPayload `json:"discount"`
	Total    moneyPayload `json:"total"`
}

type orderAddressPayload struct {
	ID         string `json:"id"`
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type orderPayload struct {
	ID              string              `json:"id"`
	Status          string              `json:"status"`
	PaymentMethod   string              `json:"paymentMethod"`
	PaymentStatus   string              `json:"paymentStatus"`
	Items           []orderItemPayload  `json:"items"`
	Totals          orderTotalsPayload  `json:"totals"`
	Address         orderAddressPayload `json:"address"`
	CancelReason    string              `json:"cancelReason,omitempty"`
	ReturnReason    string              `json:"returnReason,omitempty"`
	PaymentDeadline string              `json:"paymentDeadline,omitempty"`
	CreatedAt       string              `json:"createdAt"`
	UpdatedAt       string              `json:"updatedAt"`
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireCaller(w, r)
	if !ok {
		return
	}
	pager, err := parsePagination(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	page, err := h.orders.ListOrders(ctx, identity, pager)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, h.orderPayload(identity.Locale, order))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"orders":        items,
		"nextPageToken": page.NextPageToken,
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireCaller(w, r)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(ctx, identity, strings.TrimSpace(chi.URLParam(r, "orderId")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"order":   h.orderPayload(identity.Locale, order),
	})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := httpx.DecodeJSON(r, maxOrderBodySize, &req, true); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	order, err := h.orders.CancelOrder(ctx, identity, services.CancelOrderCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderId")),
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeOrderTransition(w, order)
}

func (h *OrderHandlers) returnOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := httpx.DecodeJSON(r, maxOrderBodySize, &req, false); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	order, err := h.orders.RequestReturn(ctx, identity, services.ReturnOrderCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderId")),
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeOrderTransition(w, order)
}

func (h *OrderHandlers) cancelItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := httpx.DecodeJSON(r, maxOrderBodySize, &req, true); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	order, item, err := h.orders.CancelItem(ctx, identity, services.CancelItemCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderId")),
		ItemID:  strings.TrimSpace(chi.URLParam(r, "itemId")),
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"itemId":      item.ID,
		"itemStatus":  string(item.Status),
		"orderStatus": string(order.Status),
	})
}

func (h *OrderHandlers) returnItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := httpx.DecodeJSON(r, maxOrderBodySize, &req, false); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	order, item, err := h.orders.RequestItemReturn(ctx, identity, services.ReturnItemCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderId")),
		ItemID:  strings.TrimSpace(chi.URLParam(r, "itemId")),
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"itemId":      item.ID,
		"itemStatus":  string(item.Status),
		"orderStatus": string(order.Status),
	})
}

func writeOrderTransition(w http.ResponseWriter, order services.Order) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"orderId":   order.ID,
		"newStatus": string(order.Status),
	})
}

func (h *OrderHandlers) orderPayload(locale string, order services.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ID:           item.ID,
			ProductID:    item.ProductID,
			Name:         item.Name,
			Quantity:     item.Quantity,
			UnitPrice:    h.money.format(locale, item.UnitPrice),
			LineTotal:    h.money.format(locale, item.LineTotal),
			Status:       string(item.Status),
			CancelReason: item.CancelReason,
			ReturnReason: item.ReturnReason,
			CancelledAt:  formatTimePtr(item.CancelledAt),
			RequestedAt:  formatTimePtr(item.RequestedAt),
			ApprovedAt:   formatTimePtr(item.ApprovedAt),
		})
	}
	addr := order.Address
	return orderPayload{
		ID:            order.ID,
		Status:        string(order.Status),
		PaymentMethod: string(order.PaymentMethod),
		PaymentStatus: string(order.PaymentStatus),
		Items:         items,
		Totals: orderTotalsPayload{
			Subtotal: h.money.format(locale, order.Totals.Subtotal),
			Tax:      h.money.format(locale, order.Totals.Tax),
			Shipping: h.money.format(locale, order.Totals.Shipping),
			Discount: h.money.format(locale, order.Totals.Discount),
			Total:    h.money.format(locale, order.Totals.Total),
		},
		Address: orderAddressPayload{
			ID:         addr.ID,
			Recipient:  addr.Recipient,
			Line1:      addr.Line1,
			Line2:      addr.Line2,
			City:       addr.City,
			State:      addr.State,
			PostalCode: addr.PostalCode,
			Country:    addr.Country,
			Phone:      addr.Phone,
		},
		CancelReason:    order.CancelReason,
		ReturnReason:    order.ReturnReason,
		PaymentDeadline: formatTimePtr(order.PendingCancelAt),
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
	}
}

func parsePagination(r *http.Request) (services.Pagination, error) {
	params, err := pagination.Parse(r.URL.Query(), pagination.Options{MaxPageSize: maxPageSize})
	switch {
	case errors.Is(err, pagination.ErrInvalidPageSize):
		return services.Pagination{}, errInvalidPageSize
	case errors.Is(err, pagination.ErrInvalidPageToken):
		return services.Pagination{}, errInvalidPageToken
	case err != nil:
		return services.Pagination{}, err
	}
	return services.Pagination{PageSize: params.PageSize, PageToken: params.PageToken}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
