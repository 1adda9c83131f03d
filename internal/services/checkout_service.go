package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/kirana-mart/api/internal/domain"
	"github.com/kirana-mart/api/internal/repositories"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutCartEmpty indicates there was nothing in the cart to check out.
	ErrCheckoutCartEmpty = errors.New("checkout: cart is empty")
	// ErrCheckoutOutOfStock indicates every line was filtered out by availability.
	ErrCheckoutOutOfStock = errors.New("checkout: items are out of stock")
	// ErrCheckoutNoDeliveryAddress indicates the user has no address on file.
	ErrCheckoutNoDeliveryAddress = errors.New("checkout: no delivery address")
	// ErrCheckoutAddressNotFound indicates an explicit address id does not belong to the user.
	ErrCheckoutAddressNotFound = errors.New("checkout: address not found")
	// ErrCheckoutPaymentMethodNotAllowed indicates the payment method is refused for this total.
	ErrCheckoutPaymentMethodNotAllowed = errors.New("checkout: payment method not allowed")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
)

type cartClearer interface {
	Clear(ctx context.Context, userID string) error
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Carts       repositories.CartRepository
	Addresses   repositories.AddressRepository
	Inventory   InventoryService
	Orders      OrderService
	CartCleaner cartClearer
	Pricing     *PricingEngine
	QuantityCap int
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	carts       repositories.CartRepository
	addresses   repositories.AddressRepository
	inventory   InventoryService
	orders      OrderService
	cartCleaner cartClearer
	pricing     *PricingEngine
	quantityCap int
	logger      func(ctx context.Context, event string, fields map[string]any)
}

// NewCheckoutService validates dependencies and returns a checkout service.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Carts == nil {
		return nil, errors.New("checkout service: cart repository is required")
	}
	if deps.Addresses == nil {
		return nil, errors.New("checkout service: address repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("checkout service: inventory service is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order service is required")
	}
	pricing := deps.Pricing
	if pricing == nil {
		pricing = NewPricingEngine(DefaultPricingPolicy(), nil)
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	quantityCap := deps.QuantityCap
	if quantityCap <= 0 {
		quantityCap = defaultCartQuantityCap
	}
	return &checkoutService{
		carts:       deps.Carts,
		addresses:   deps.Addresses,
		inventory:   deps.Inventory,
		orders:      deps.Orders,
		cartCleaner: deps.CartCleaner,
		pricing:     pricing,
		quantityCap: quantityCap,
		logger:      logger,
	}, nil
}

// Quote prices the cart, or a single line when ProductID is set, without placing anything.
func (s *checkoutService) Quote(ctx context.Context, identity Identity, cmd QuoteCommand) (CheckoutQuote, error) {
	uid, err := identity.validate()
	if err != nil {
		return CheckoutQuote{}, err
	}
	var requested []CartItem
	fromCart := strings.TrimSpace(cmd.ProductID) == ""
	if fromCart {
		requested, err = s.cartLines(ctx, uid)
	} else {
		requested, err = s.directLine(cmd.ProductID, cmd.Quantity)
	}
	if err != nil {
		return CheckoutQuote{}, err
	}
	quote, err := s.buildQuote(ctx, uid, requested, cmd.AddressID, cmd.PaymentMethod)
	if err != nil {
		return CheckoutQuote{}, err
	}
	quote.FromCart = fromCart
	if cmd.PaymentMethod != "" {
		if err := s.pricing.CheckPaymentMethod(cmd.PaymentMethod, quote.Pricing.Total); err != nil {
			return CheckoutQuote{}, err
		}
	}
	return quote, nil
}

// PlaceOrder checks out the whole cart and clears it on success.
func (s *checkoutService) PlaceOrder(ctx context.Context, identity Identity, cmd PlaceOrderCommand) (Order, error) {
	uid, err := identity.validate()
	if err != nil {
		return Order{}, err
	}
	requested, err := s.cartLines(ctx, uid)
	if err != nil {
		return Order{}, err
	}
	order, err := s.place(ctx, uid, requested, cmd.AddressID, cmd.PaymentMethod, true)
	if err != nil {
		return Order{}, err
	}
	s.clearCart(ctx, uid, order.ID)
	return order, nil
}

// DirectPlaceOrder buys a single product without reading or touching the cart.
func (s *checkoutService) DirectPlaceOrder(ctx context.Context, identity Identity, cmd DirectPlaceOrderCommand) (Order, error) {
	uid, err := identity.validate()
	if err != nil {
		return Order{}, err
	}
	requested, err := s.directLine(cmd.ProductID, cmd.Quantity)
	if err != nil {
		return Order{}, err
	}
	return s.place(ctx, uid, requested, cmd.AddressID, cmd.PaymentMethod, false)
}

func (s *checkoutService) place(ctx context.Context, uid string, requested []CartItem, addressID string, method PaymentMethod, fromCart bool) (Order, error) {
	if strings.TrimSpace(string(method)) == "" {
		return Order{}, fmt.Errorf("%w: payment method is required", ErrCheckoutInvalidInput)
	}
	quote, err := s.buildQuote(ctx, uid, requested, addressID, method)
	if err != nil {
		return Order{}, err
	}
	quote.FromCart = fromCart
	if err := s.pricing.CheckPaymentMethod(method, quote.Pricing.Total); err != nil {
		return Order{}, err
	}
	order, err := s.orders.PlaceOrder(ctx, quote)
	if err != nil {
		if errors.Is(err, ErrInventoryInsufficientStock) {
			return Order{}, fmt.Errorf("%w: %v", ErrCheckoutOutOfStock, err)
		}
		return Order{}, err
	}
	s.logger(ctx, "checkout.order.placed", map[string]any{
		"userId":        uid,
		"orderId":       order.ID,
		"paymentMethod": string(method),
		"total":         order.Totals.Total,
		"skipped":       len(quote.Skipped),
	})
	return order, nil
}

func (s *checkoutService) buildQuote(ctx context.Context, uid string, requested []CartItem, addressID string, method PaymentMethod) (CheckoutQuote, error) {
	if method != "" {
		switch method {
		case domain.PaymentMethodCOD, domain.PaymentMethodWallet, domain.PaymentMethodOnline:
		default:
			return CheckoutQuote{}, fmt.Errorf("%w: unsupported payment method %q", ErrCheckoutInvalidInput, method)
		}
	}

	ids := make([]string, 0, len(requested))
	for _, item := range requested {
		ids = append(ids, item.ProductID)
	}
	products, err := s.inventory.GetProducts(ctx, ids)
	if err != nil {
		return CheckoutQuote{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}

	quote := CheckoutQuote{UserID: uid, PaymentMethod: method}
	for _, item := range requested {
		product, ok := products[item.ProductID]
		if !ok || product.IsBlocked || product.AvailableQuantity < item.Quantity {
			quote.Skipped = append(quote.Skipped, item.ProductID)
			continue
		}
		quote.Lines = append(quote.Lines, QuoteLine{
			ProductID: product.ID,
			Name:      product.Name,
			Quantity:  item.Quantity,
			UnitPrice: product.SalesPrice,
			LineTotal: lineTotal(product.SalesPrice, item.Quantity),
		})
	}
	if len(quote.Lines) == 0 {
		return CheckoutQuote{}, fmt.Errorf("%w: %d line(s) unavailable", ErrCheckoutOutOfStock, len(quote.Skipped))
	}

	address, err := s.resolveAddress(ctx, uid, addressID)
	if err != nil {
		return CheckoutQuote{}, err
	}
	quote.Address = address
	quote.Pricing = s.pricing.Price(ctx, uid, quote.Lines)
	return quote, nil
}

// resolveAddress prefers the explicit id, then the default address, then the first one on file.
func (s *checkoutService) resolveAddress(ctx context.Context, uid, addressID string) (Address, error) {
	addressID = strings.TrimSpace(addressID)
	if addressID != "" {
		address, err := s.addresses.Get(ctx, uid, addressID)
		if err != nil {
			if isRepoNotFound(err) {
				return Address{}, fmt.Errorf("%w: %s", ErrCheckoutAddressNotFound, addressID)
			}
			return Address{}, storageFailure(ctx, s.logger, "checkout.address.failed", ErrCheckoutUnavailable, "", err)
		}
		return address, nil
	}
	addresses, err := s.addresses.List(ctx, uid)
	if err != nil {
		return Address{}, storageFailure(ctx, s.logger, "checkout.address.failed", ErrCheckoutUnavailable, "", err)
	}
	if len(addresses) == 0 {
		return Address{}, ErrCheckoutNoDeliveryAddress
	}
	for _, address := range addresses {
		if address.IsDefault {
			return address, nil
		}
	}
	return addresses[0], nil
}

func (s *checkoutService) cartLines(ctx context.Context, uid string) ([]CartItem, error) {
	cart, err := s.carts.Get(ctx, uid)
	if err != nil {
		if isRepoNotFound(err) {
			return nil, ErrCheckoutCartEmpty
		}
		return nil, storageFailure(ctx, s.logger, "checkout.cart.failed", ErrCheckoutUnavailable, "", err)
	}
	if len(cart.Items) == 0 {
		return nil, ErrCheckoutCartEmpty
	}
	return cart.Items, nil
}

func (s *checkoutService) directLine(productID string, quantity int) ([]CartItem, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, fmt.Errorf("%w: product id is required", ErrCheckoutInvalidInput)
	}
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 0 || quantity > s.quantityCap {
		return nil, fmt.Errorf("%w: quantity must be between 1 and %d", ErrCheckoutInvalidInput, s.quantityCap)
	}
	return []CartItem{{ProductID: productID, Quantity: quantity}}, nil
}

func (s *checkoutService) clearCart(ctx context.Context, uid, orderID string) {
	var err error
	if s.cartCleaner != nil {
		err = s.cartCleaner.Clear(ctx, uid)
	} else if err = s.carts.Delete(ctx, uid); err != nil && isRepoNotFound(err) {
		err = nil
	}
	if err != nil {
		s.logger(ctx, "checkout.cart.clear.failed", map[string]any{
			"userId":  uid,
			"orderId": orderID,
			"error":   err.Error(),
		})
	}
}
