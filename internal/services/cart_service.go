package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/kirana-mart/api/internal/repositories"
)

var (
	// ErrCartInvalidInput indicates the caller supplied invalid input.
	ErrCartInvalidInput = errors.New("cart: invalid input")
	// ErrCartProductUnavailable indicates the product is blocked, unknown or out of stock.
	ErrCartProductUnavailable = errors.New("cart: product unavailable")
	// ErrCartQuantityCapExceeded indicates a line would exceed the per-product cap.
	ErrCartQuantityCapExceeded = errors.New("cart: quantity cap exceeded")
	// ErrCartInsufficientStock indicates a line would exceed available stock.
	ErrCartInsufficientStock = errors.New("cart: insufficient stock")
	// ErrCartMinimumQuantity indicates a decrement below one unit.
	ErrCartMinimumQuantity = errors.New("cart: minimum quantity reached")
	// ErrCartItemNotFound indicates the product is not in the cart.
	ErrCartItemNotFound = errors.New("cart: item not found")
	// ErrCartConflict indicates the cart kept changing underneath the update.
	ErrCartConflict = errors.New("cart: conflict")
	// ErrCartUnavailable indicates the cart store could not be reached.
	ErrCartUnavailable = errors.New("cart: unavailable")
)

const (
	defaultCartQuantityCap = 10
	cartSaveAttempts       = 3
)

// CartServiceDeps wires the repositories and the stock lookup used by the cart.
type CartServiceDeps struct {
	Carts       repositories.CartRepository
	Wishlists   repositories.WishlistRepository
	Inventory   InventoryService
	QuantityCap int
	Clock       func() time.Time
	Logger      func(context.Context, string, map[string]any)
}

type cartService struct {
	carts       repositories.CartRepository
	wishlists   repositories.WishlistRepository
	inventory   InventoryService
	quantityCap int
	now         func() time.Time
	logger      func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: cart repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("cart service: inventory service is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	capacity := deps.QuantityCap
	if capacity <= 0 {
		capacity = defaultCartQuantityCap
	}
	return &cartService{
		carts:       deps.Carts,
		wishlists:   deps.Wishlists,
		inventory:   deps.Inventory,
		quantityCap: capacity,
		now:         func() time.Time { return clock().UTC() },
		logger:      logger,
	}, nil
}

// View hides lines whose product became blocked or ran out of stock. The stored cart is untouched.
func (s *cartService) View(ctx context.Context, identity Identity) (CartView, error) {
	uid, err := identity.validate()
	if err != nil {
		return CartView{}, err
	}
	cart, err := s.load(ctx, uid)
	if err != nil {
		return CartView{}, err
	}
	if len(cart.Items) == 0 {
		return CartView{Cart: cart}, nil
	}

	ids := make([]string, 0, len(cart.Items))
	for _, item := range cart.Items {
		ids = append(ids, item.ProductID)
	}
	products, err := s.inventory.GetProducts(ctx, ids)
	if err != nil {
		return CartView{}, fmt.Errorf("%w: %v", ErrCartUnavailable, err)
	}

	view := CartView{Cart: cart}
	visible := make([]CartItem, 0, len(cart.Items))
	for _, item := range cart.Items {
		product, ok := products[item.ProductID]
		if !ok || !product.Purchasable() {
			view.Hidden = append(view.Hidden, item.ProductID)
			continue
		}
		visible = append(visible, item)
		view.Subtotal += item.LineTotal
	}
	view.Cart.Items = visible
	return view, nil
}

// AddItem merges the product into the cart and drops it from the wishlist.
func (s *cartService) AddItem(ctx context.Context, identity Identity, cmd AddCartItemCommand) (Cart, error) {
	uid, err := identity.validate()
	if err != nil {
		return Cart{}, err
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Cart{}, fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}
	quantity := cmd.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 0 {
		return Cart{}, fmt.Errorf("%w: quantity must be positive", ErrCartInvalidInput)
	}

	product, err := s.purchasableProduct(ctx, productID)
	if err != nil {
		return Cart{}, err
	}

	cart, err := s.mutate(ctx, uid, func(cart *Cart) error {
		now := s.now()
		idx := slices.IndexFunc(cart.Items, func(item CartItem) bool { return item.ProductID == productID })
		next := quantity
		if idx >= 0 {
			next += cart.Items[idx].Quantity
		}
		if err := s.checkQuantity(product, next); err != nil {
			return err
		}
		if idx >= 0 {
			item := &cart.Items[idx]
			item.Quantity = next
			item.UnitPrice = product.SalesPrice
			item.LineTotal = lineTotal(product.SalesPrice, next)
			return nil
		}
		cart.Items = append(cart.Items, CartItem{
			ProductID: product.ID,
			Name:      product.Name,
			Quantity:  next,
			UnitPrice: product.SalesPrice,
			LineTotal: lineTotal(product.SalesPrice, next),
			AddedAt:   now,
		})
		return nil
	})
	if err != nil {
		return Cart{}, err
	}

	if s.wishlists != nil {
		if err := s.wishlists.Remove(ctx, uid, productID); err != nil && !isRepoNotFound(err) {
			s.logger(ctx, "cart.wishlist.remove.failed", map[string]any{
				"userId":    uid,
				"productId": productID,
				"error":     err.Error(),
			})
		}
	}
	return cart, nil
}

// ChangeQuantity moves a line one unit up or down and returns the updated line.
func (s *cartService) ChangeQuantity(ctx context.Context, identity Identity, cmd ChangeQuantityCommand) (CartItem, error) {
	uid, err := identity.validate()
	if err != nil {
		return CartItem{}, err
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return CartItem{}, fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}
	var delta int
	switch cmd.Direction {
	case QuantityIncrease:
		delta = 1
	case QuantityDecrease:
		delta = -1
	default:
		return CartItem{}, fmt.Errorf("%w: unknown direction %q", ErrCartInvalidInput, cmd.Direction)
	}

	var product Product
	if delta > 0 {
		product, err = s.purchasableProduct(ctx, productID)
		if err != nil {
			return CartItem{}, err
		}
	}

	var updated CartItem
	_, err = s.mutate(ctx, uid, func(cart *Cart) error {
		idx := slices.IndexFunc(cart.Items, func(item CartItem) bool { return item.ProductID == productID })
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrCartItemNotFound, productID)
		}
		item := &cart.Items[idx]
		next := item.Quantity + delta
		if delta < 0 && next < 1 {
			return fmt.Errorf("%w: quantity cannot go below 1", ErrCartMinimumQuantity)
		}
		if delta > 0 {
			if err := s.checkQuantity(product, next); err != nil {
				return err
			}
			item.UnitPrice = product.SalesPrice
		}
		item.Quantity = next
		item.LineTotal = lineTotal(item.UnitPrice, next)
		updated = *item
		return nil
	})
	if err != nil {
		return CartItem{}, err
	}
	return updated, nil
}

func (s *cartService) RemoveItem(ctx context.Context, identity Identity, productID string) (Cart, error) {
	uid, err := identity.validate()
	if err != nil {
		return Cart{}, err
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Cart{}, fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}
	return s.mutate(ctx, uid, func(cart *Cart) error {
		idx := slices.IndexFunc(cart.Items, func(item CartItem) bool { return item.ProductID == productID })
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrCartItemNotFound, productID)
		}
		cart.Items = slices.Delete(cart.Items, idx, idx+1)
		return nil
	})
}

// Clear deletes the cart document. A missing cart is not an error.
func (s *cartService) Clear(ctx context.Context, userID string) error {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if err := s.carts.Delete(ctx, uid); err != nil && !isRepoNotFound(err) {
		return s.translateRepoError(ctx, uid, err)
	}
	return nil
}

func (s *cartService) purchasableProduct(ctx context.Context, productID string) (Product, error) {
	product, err := s.inventory.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, ErrInventoryProductNotFound) {
			return Product{}, fmt.Errorf("%w: %s", ErrCartProductUnavailable, productID)
		}
		return Product{}, fmt.Errorf("%w: %v", ErrCartUnavailable, err)
	}
	if !product.Purchasable() {
		return Product{}, fmt.Errorf("%w: %s", ErrCartProductUnavailable, productID)
	}
	return product, nil
}

func (s *cartService) checkQuantity(product Product, quantity int) error {
	if quantity > s.quantityCap {
		return fmt.Errorf("%w: at most %d units per product", ErrCartQuantityCapExceeded, s.quantityCap)
	}
	if quantity > product.AvailableQuantity {
		return fmt.Errorf("%w: only %d units available", ErrCartInsufficientStock, product.AvailableQuantity)
	}
	return nil
}

func (s *cartService) load(ctx context.Context, uid string) (Cart, error) {
	cart, err := s.carts.Get(ctx, uid)
	if err != nil {
		if isRepoNotFound(err) {
			return Cart{UserID: uid}, nil
		}
		return Cart{}, s.translateRepoError(ctx, uid, err)
	}
	cart.UserID = uid
	return cart, nil
}

// mutate applies fn to a fresh copy of the cart and saves it against the revision it read.
func (s *cartService) mutate(ctx context.Context, uid string, fn func(cart *Cart) error) (Cart, error) {
	for attempt := 1; ; attempt++ {
		cart, err := s.load(ctx, uid)
		if err != nil {
			return Cart{}, err
		}
		expected := cart.Revision
		if err := fn(&cart); err != nil {
			return Cart{}, err
		}
		cart.UpdatedAt = s.now()
		saved, err := s.carts.Save(ctx, cart, expected)
		if err == nil {
			return saved, nil
		}
		if !isRepoConflict(err) {
			return Cart{}, s.translateRepoError(ctx, uid, err)
		}
		if attempt >= cartSaveAttempts {
			s.logger(ctx, "cart.save.conflict", map[string]any{"userId": uid, "attempts": attempt})
			return Cart{}, storageFailure(ctx, s.logger, "cart.repository.conflict", ErrCartConflict, "", err)
		}
		if err := ctx.Err(); err != nil {
			return Cart{}, err
		}
	}
}

func (s *cartService) translateRepoError(ctx context.Context, uid string, err error) error {
	if err == nil {
		return nil
	}
	sentinel := ErrCartUnavailable
	switch {
	case isRepoNotFound(err):
		sentinel = ErrCartItemNotFound
	case isRepoConflict(err):
		sentinel = ErrCartConflict
	}
	s.logger(ctx, "cart.repository.failed", map[string]any{"userId": uid, "error": err.Error()})
	return sentinel
}
