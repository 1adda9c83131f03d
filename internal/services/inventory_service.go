package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kirana-mart/api/internal/repositories"
)

var (
	// ErrInventoryInvalidInput indicates malformed stock requests.
	ErrInventoryInvalidInput = errors.New("inventory: invalid input")
	// ErrInventoryInsufficientStock indicates a decrement past zero was refused.
	ErrInventoryInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrInventoryProductNotFound indicates the product does not exist.
	ErrInventoryProductNotFound = errors.New("inventory: product not found")
	// ErrInventoryUnavailable indicates the stock store could not be reached.
	ErrInventoryUnavailable = errors.New("inventory: unavailable")
)

// InventoryServiceDeps bundles collaborators required to construct the inventory service.
type InventoryServiceDeps struct {
	Products repositories.ProductRepository
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	products repositories.ProductRepository
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewInventoryService wires the stock ledger.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Products == nil {
		return nil, errors.New("inventory service: product repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &inventoryService{
		products: deps.Products,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *inventoryService) GetProduct(ctx context.Context, productID string) (Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrInventoryInvalidInput)
	}
	product, err := s.products.Get(ctx, productID)
	if err != nil {
		return Product{}, s.mapRepositoryError(ctx, productID, err)
	}
	return product, nil
}

func (s *inventoryService) GetProducts(ctx context.Context, productIDs []string) (map[string]Product, error) {
	ids := make([]string, 0, len(productIDs))
	seen := make(map[string]struct{}, len(productIDs))
	for _, id := range productIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return map[string]Product{}, nil
	}
	products, err := s.products.GetMany(ctx, ids)
	if err != nil {
		return nil, s.mapRepositoryError(ctx, "", err)
	}
	return products, nil
}

// AdjustStock applies delta atomically. A decrement past zero leaves the record unchanged.
func (s *inventoryService) AdjustStock(ctx context.Context, productID string, delta int) (Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrInventoryInvalidInput)
	}
	if delta == 0 {
		return s.GetProduct(ctx, productID)
	}
	product, err := s.products.AdjustStock(ctx, productID, delta, s.clock())
	if err != nil {
		return Product{}, s.mapRepositoryError(ctx, productID, err)
	}
	s.logger(ctx, "inventory.adjusted", map[string]any{
		"productId": productID,
		"delta":     delta,
		"available": product.AvailableQuantity,
	})
	return product, nil
}

// Reserve decrements every line or none of them.
func (s *inventoryService) Reserve(ctx context.Context, orderID string, lines []StockLine) error {
	repoLines, err := toRepositoryLines(orderID, lines)
	if err != nil {
		return err
	}
	if err := s.products.Reserve(ctx, repoLines, s.clock()); err != nil {
		return s.mapRepositoryError(ctx, orderID, err)
	}
	return nil
}

// Release undoes a reservation for an order that could not be placed.
func (s *inventoryService) Release(ctx context.Context, orderID string, lines []StockLine) error {
	var errs []error
	for _, line := range lines {
		if _, err := s.Restore(ctx, orderID, line); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Restore increments stock for one order item at most once.
func (s *inventoryService) Restore(ctx context.Context, orderID string, line StockLine) (bool, error) {
	repoLines, err := toRepositoryLines(orderID, []StockLine{line})
	if err != nil {
		return false, err
	}
	applied, err := s.products.Restore(ctx, repoLines[0], s.clock())
	if err != nil {
		s.logger(ctx, "inventory.restore.failed", map[string]any{
			"orderId":   orderID,
			"itemId":    line.ItemID,
			"productId": line.ProductID,
			"error":     err.Error(),
		})
		return false, s.mapRepositoryError(ctx, line.ProductID, err)
	}
	if applied {
		s.logger(ctx, "inventory.restored", map[string]any{
			"orderId":   orderID,
			"itemId":    line.ItemID,
			"productId": line.ProductID,
			"quantity":  line.Quantity,
		})
	}
	return applied, nil
}

func toRepositoryLines(orderID string, lines []StockLine) ([]repositories.StockLine, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInventoryInvalidInput)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: at least one line is required", ErrInventoryInvalidInput)
	}
	out := make([]repositories.StockLine, 0, len(lines))
	for i, line := range lines {
		itemID := strings.TrimSpace(line.ItemID)
		productID := strings.TrimSpace(line.ProductID)
		if itemID == "" || productID == "" {
			return nil, fmt.Errorf("%w: line %d requires item and product ids", ErrInventoryInvalidInput, i)
		}
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: line %d quantity must be positive", ErrInventoryInvalidInput, i)
		}
		out = append(out, repositories.StockLine{
			OrderID:   orderID,
			ItemID:    itemID,
			ProductID: productID,
			Quantity:  line.Quantity,
		})
	}
	return out, nil
}

func (s *inventoryService) mapRepositoryError(ctx context.Context, subject string, err error) error {
	if err == nil {
		return nil
	}
	var ledgerErr *repositories.LedgerError
	if errors.As(err, &ledgerErr) {
		switch ledgerErr.Code {
		case repositories.LedgerErrorInsufficientStock:
			return fmt.Errorf("%w: %s", ErrInventoryInsufficientStock, ledgerErr.Message)
		case repositories.LedgerErrorProductNotFound:
			return fmt.Errorf("%w: %s", ErrInventoryProductNotFound, ledgerErr.Message)
		case repositories.LedgerErrorInvalidEntry:
			return fmt.Errorf("%w: %s", ErrInventoryInvalidInput, ledgerErr.Message)
		}
	}
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) {
		return err
	}
	if repoErr.IsNotFound() {
		return storageFailure(ctx, s.logger, "inventory.repository.not_found", ErrInventoryProductNotFound, subject, err)
	}
	return storageFailure(ctx, s.logger, "inventory.repository.failed", ErrInventoryUnavailable, subject, err)
}
