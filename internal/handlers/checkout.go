package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kirana-mart/api/internal/platform/httpx"
	"github.com/kirana-mart/api/internal/services"
)

const maxCheckoutBodySize = 8 * 1024

// CheckoutHandlers quotes and places orders from the cart or a single direct-buy line.
type CheckoutHandlers struct {
	checkout   services.CheckoutService
	money      moneyFormatter
	ordersPath string
}

// NewCheckoutHandlers constructs checkout handlers. ordersPath is the absolute prefix used for
// the Location header of placed orders.
func NewCheckoutHandlers(checkout services.CheckoutService, currencyCode, ordersPath string) *CheckoutHandlers {
	if strings.TrimSpace(ordersPath) == "" {
		ordersPath = defaultAPIPrefix + "/orders"
	}
	return &CheckoutHandlers{
		checkout:   checkout,
		money:      newMoneyFormatter(currencyCode),
		ordersPath: strings.TrimRight(ordersPath, "/"),
	}
}

// Routes wires the /checkout endpoints.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/quote", h.quote)
	r.Post("/place-order", h.placeOrder)
	r.Post("/direct-place-order", h.directPlaceOrder)
}

type quoteRequest struct {
	AddressID     string `json:"addressId"`
	PaymentMethod string `json:"paymentMethod"`
	ProductID     string `json:"productId"`
	Quantity      int    `json:"quantity"`
}

type placeOrderRequest struct {
	AddressID     string `json:"addressId"`
	PaymentMethod string `json:"paymentMethod"`
}

type directPlaceOrderRequest struct {
	ProductID     string `json:"productId"`
	Quantity      int    `json:"quantity"`
	AddressID     string `json:"addressId"`
	PaymentMethod string `json:"paymentMethod"`
}

type quoteLinePayload struct {
	ProductID string       `json:"productId"`
	Name      string       `json:"name"`
	Quantity  int          `json:"quantity"`
	UnitPrice moneyPayload `json:"unitPrice"`
	LineTotal moneyPayload `json:"lineTotal"`
}

type quotePayload struct {
	Lines         []quoteLinePayload `json:"lines"`
	Skipped       []string           `json:"skippedProductIds,omitempty"`
	Subtotal      moneyPayload       `json:"subtotal"`
	Tax           moneyPayload       `json:"tax"`
	Shipping      moneyPayload       `json:"shipping"`
	Discount      moneyPayload       `json:"discount"`
	Total         moneyPayload       `json:"total"`
	AddressID     string             `json:"addressId,omitempty"`
	PaymentMethod string             `json:"paymentMethod"`
	FromCart      bool               `json:"fromCart"`
}

func (h *CheckoutHandlers) quote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		writeServiceUnavailable(ctx, w, "checkout")
		return
	}
	identity, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req quoteRequest
	if err := httpx.DecodeJSON(r, maxCheckoutBodySize, &req, true); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	quote, err := h.checkout.Quote(ctx, identity, services.QuoteCommand{
		AddressID:     strings.TrimSpace(req.AddressID),
		PaymentMethod: paymentMethod(req.PaymentMethod),
		ProductID:     strings.TrimSpace(req.ProductID),
		Quantity:      req.Quantity,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"quote":   h.quotePayload(identity.Locale, quote),
	})
}

func (h *CheckoutHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		writeServiceUnavailable(ctx, w, "checkout")
		return
	}
	identity, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req placeOrderRequest
	if err := httpx.DecodeJSON(r, maxCheckoutBodySize, &req, false); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	order, err := h.checkout.PlaceOrder(ctx, identity, services.PlaceOrderCommand{
		AddressID:     strings.TrimSpace(req.AddressID),
		PaymentMethod: paymentMethod(req.PaymentMethod),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	h.writePlaced(w, order)
}

func (h *CheckoutHandlers) directPlaceOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		writeServiceUnavailable(ctx, w, "checkout")
		return
	}
	identity, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req directPlaceOrderRequest
	if err := httpx.DecodeJSON(r, maxCheckoutBodySize, &req, false); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	order, err := h.checkout.DirectPlaceOrder(ctx, identity, services.DirectPlaceOrderCommand{
		ProductID:     strings.TrimSpace(req.ProductID),
		Quantity:      req.Quantity,
		AddressID:     strings.TrimSpace(req.AddressID),
		PaymentMethod: paymentMethod(req.PaymentMethod),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	h.writePlaced(w, order)
}

// writePlaced answers with 303 so form posts land on the order detail.
func (h *CheckoutHandlers) writePlaced(w http.ResponseWriter, order services.Order) {
	w.Header().Set("Location", h.ordersPath+"/"+order.ID)
	httpx.WriteJSON(w, http.StatusSeeOther, map[string]any{
		"success": true,
		"orderId": order.ID,
	})
}

func (h *CheckoutHandlers) quotePayload(locale string, quote services.CheckoutQuote) quotePayload {
	money := h.money
	if code := strings.TrimSpace(quote.Pricing.Currency); code != "" && !strings.EqualFold(code, money.code) {
		money = newMoneyFormatter(code)
	}
	lines := make([]quoteLinePayload, 0, len(quote.Lines))
	for _, line := range quote.Lines {
		lines = append(lines, quoteLinePayload{
			ProductID: line.ProductID,
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: money.format(locale, line.UnitPrice),
			LineTotal: money.format(locale, line.LineTotal),
		})
	}
	return quotePayload{
		Lines:         lines,
		Skipped:       quote.Skipped,
		Subtotal:      money.format(locale, quote.Pricing.Subtotal),
		Tax:           money.format(locale, quote.Pricing.Tax),
		Shipping:      money.format(locale, quote.Pricing.Shipping),
		Discount:      money.format(locale, quote.Pricing.Discount),
		Total:         money.format(locale, quote.Pricing.Total),
		AddressID:     quote.Address.ID,
		PaymentMethod: string(quote.PaymentMethod),
		FromCart:      quote.FromCart,
	}
}

func paymentMethod(raw string) services.PaymentMethod {
	return services.PaymentMethod(strings.ToLower(strings.TrimSpace(raw)))
}
