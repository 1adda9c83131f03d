package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/kirana-mart/api/internal/domain"
	"github.com/kirana-mart/api/internal/repositories"
)

func newTestInventory(t *testing.T, products *memProducts) (InventoryService, *captureLogs) {
	t.Helper()
	logs := &captureLogs{}
	svc, err := NewInventoryService(InventoryServiceDeps{
		Products: products,
		Clock:    fixedClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)),
		Logger:   logs.log,
	})
	if err != nil {
		t.Fatalf("NewInventoryService: %v", err)
	}
	return svc, logs
}

func TestNewInventoryServiceRequiresRepository(t *testing.T) {
	if _, err := NewInventoryService(InventoryServiceDeps{}); err == nil {
		t.Fatalf("expected error without product repository")
	}
}

func TestInventoryReserveAllOrNothing(t *testing.T) {
	products := newMemProducts(
		domain.Product{ID: "p-1", AvailableQuantity: 5},
		domain.Product{ID: "p-2", AvailableQuantity: 1},
	)
	svc, _ := newTestInventory(t, products)

	err := svc.Reserve(context.Background(), "ord-1", []StockLine{
		{ItemID: "i-1", ProductID: "p-1", Quantity: 2},
		{ItemID: "i-2", ProductID: "p-2", Quantity: 2},
	})
	if !errors.Is(err, ErrInventoryInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if got := products.available("p-1"); got != 5 {
		t.Fatalf("expected p-1 untouched, got %d", got)
	}
	if got := products.available("p-2"); got != 1 {
		t.Fatalf("expected p-2 untouched, got %d", got)
	}
}

func TestInventoryReserveAndRestoreOnce(t *testing.T) {
	products := newMemProducts(domain.Product{ID: "p-1", AvailableQuantity: 5})
	svc, logs := newTestInventory(t, products)
	ctx := context.Background()
	line := StockLine{ItemID: "i-1", ProductID: "p-1", Quantity: 3}

	if err := svc.Reserve(ctx, "ord-1", []StockLine{line}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := products.available("p-1"); got != 2 {
		t.Fatalf("expected 2 after reserve, got %d", got)
	}

	applied, err := svc.Restore(ctx, "ord-1", line)
	if err != nil || !applied {
		t.Fatalf("expected first restore applied, got %v %v", applied, err)
	}
	applied, err = svc.Restore(ctx, "ord-1", line)
	if err != nil || applied {
		t.Fatalf("expected second restore to be a no-op, got %v %v", applied, err)
	}
	if got := products.available("p-1"); got != 5 {
		t.Fatalf("expected 5 after restore, got %d", got)
	}
	if !logs.has("inventory.restored") {
		t.Fatalf("expected restore to be logged")
	}
}

func TestInventoryReleaseJoinsErrors(t *testing.T) {
	products := newMemProducts(domain.Product{ID: "p-1", AvailableQuantity: 0})
	products.restoreFn = func(line repositories.StockLine) error {
		if line.ItemID == "i-2" {
			return &fakeRepoError{msg: "down", unavailable: true}
		}
		return nil
	}
	svc, logs := newTestInventory(t, products)

	err := svc.Release(context.Background(), "ord-1", []StockLine{
		{ItemID: "i-1", ProductID: "p-1", Quantity: 1},
		{ItemID: "i-2", ProductID: "p-1", Quantity: 1},
	})
	if !errors.Is(err, ErrInventoryUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if got := products.available("p-1"); got != 1 {
		t.Fatalf("expected first line restored, got %d", got)
	}
	if !logs.has("inventory.restore.failed") {
		t.Fatalf("expected failure to be logged")
	}
}

func TestInventoryAdjustStock(t *testing.T) {
	products := newMemProducts(domain.Product{ID: "p-1", AvailableQuantity: 2})
	svc, _ := newTestInventory(t, products)
	ctx := context.Background()

	product, err := svc.AdjustStock(ctx, "p-1", 3)
	if err != nil {
		t.Fatalf("AdjustStock: %v", err)
	}
	if product.AvailableQuantity != 5 {
		t.Fatalf("expected 5, got %d", product.AvailableQuantity)
	}
	if _, err := svc.AdjustStock(ctx, "p-1", -6); !errors.Is(err, ErrInventoryInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if _, err := svc.AdjustStock(ctx, "missing", 1); !errors.Is(err, ErrInventoryProductNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInventoryValidatesLines(t *testing.T) {
	svc, _ := newTestInventory(t, newMemProducts())
	ctx := context.Background()

	cases := []struct {
		name    string
		orderID string
		lines   []StockLine
	}{
		{name: "missing order", orderID: " ", lines: []StockLine{{ItemID: "i", ProductID: "p", Quantity: 1}}},
		{name: "no lines", orderID: "o"},
		{name: "missing product", orderID: "o", lines: []StockLine{{ItemID: "i", Quantity: 1}}},
		{name: "zero quantity", orderID: "o", lines: []StockLine{{ItemID: "i", ProductID: "p"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := svc.Reserve(ctx, tc.orderID, tc.lines); !errors.Is(err, ErrInventoryInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestInventoryGetProductsDeduplicates(t *testing.T) {
	products := newMemProducts(domain.Product{ID: "p-1", SalesPrice: 100})
	svc, _ := newTestInventory(t, products)

	got, err := svc.GetProducts(context.Background(), []string{"p-1", " p-1 ", "", "missing"})
	if err != nil {
		t.Fatalf("GetProducts: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one product, got %d", len(got))
	}
}
