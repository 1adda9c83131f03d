package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kirana-mart/api/internal/platform/httpx"
	"github.com/kirana-mart/api/internal/services"
)

const maxCartBodySize = 8 * 1024

// CartHandlers exposes the caller's cart.
type CartHandlers struct {
	carts services.CartService
	money moneyFormatter
}

// NewCartHandlers constructs cart handlers rendering amounts in the given ISO currency.
func NewCartHandlers(carts services.CartService, currencyCode string) *CartHandlers {
	return &CartHandlers{carts: carts, money: newMoneyFormatter(currencyCode)}
}

// Routes wires the /cart endpoints.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.getCart)
	r.Post("/", h.addItem)
	r.Patch("/quantity", h.changeQuantity)
	r.Delete("/{productId}", h.removeItem)
}

type addCartItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type changeQuantityRequest struct {
	ProductID string `json:"productId"`
	Action    string `json:"action"`
}

type cartItemPayload struct {
	ProductID string       `json:"productId"`
	Name      string       `json:"name"`
	Quantity  int          `json:"quantity"`
	UnitPrice moneyPayload `json:"unitPrice"`
	LineTotal moneyPayload `json:"lineTotal"`
}

type cartPayload struct {
	Items      []cartItemPayload `json:"items"`
	ItemsCount int               `json:"itemsCount"`
	Subtotal   moneyPayload      `json:"subtotal"`
	Hidden     []string          `json:"hiddenProductIds,omitempty"`
	Revision   int64             `json:"revision"`
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeServiceUnavailable(ctx, w, "cart")
		return
	}
	identity, ok := requireCaller(w, r)
	if !ok {
		return
	}
	view, err := h.carts.View(ctx, identity)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"cart":    h.cartPayload(identity.Locale, view),
	})
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeServiceUnavailable(ctx, w, "cart")
		return
	}
	identity, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req addCartItemRequest
	if err := httpx.DecodeJSON(r, maxCartBodySize, &req, false); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	cart, err := h.carts.AddItem(ctx, identity, services.AddCartItemCommand{
		ProductID: strings.TrimSpace(req.ProductID),
		Quantity:  req.Quantity,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    "Added to cart",
		"itemsCount": len(cart.Items),
	})
}

func (h *CartHandlers) changeQuantity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeServiceUnavailable(ctx, w, "cart")
		return
	}
	identity, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req changeQuantityRequest
	if err := httpx.DecodeJSON(r, maxCartBodySize, &req, false); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	item, err := h.carts.ChangeQuantity(ctx, identity, services.ChangeQuantityCommand{
		ProductID: strings.TrimSpace(req.ProductID),
		Direction: services.QuantityDirection(strings.ToLower(strings.TrimSpace(req.Action))),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"quantity":  item.Quantity,
		"lineTotal": h.money.format(identity.Locale, item.LineTotal),
	})
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeServiceUnavailable(ctx, w, "cart")
		return
	}
	identity, ok := requireCaller(w, r)
	if !ok {
		return
	}
	cart, err := h.carts.RemoveItem(ctx, identity, strings.TrimSpace(chi.URLParam(r, "productId")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    "Removed from cart",
		"itemsCount": len(cart.Items),
	})
}

func (h *CartHandlers) cartPayload(locale string, view services.CartView) cartPayload {
	items := make([]cartItemPayload, 0, len(view.Cart.Items))
	for _, item := range view.Cart.Items {
		items = append(items, cartItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: h.money.format(locale, item.UnitPrice),
			LineTotal: h.money.format(locale, item.LineTotal),
		})
	}
	return cartPayload{
		Items:      items,
		ItemsCount: len(items),
		Subtotal:   h.money.format(locale, view.Subtotal),
		Hidden:     view.Hidden,
		Revision:   view.Cart.Revision,
	}
}
