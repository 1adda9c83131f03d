package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/oklog/ulid/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/kirana-mart/api/internal/domain"
	pfirestore "github.com/kirana-mart/api/internal/platform/firestore"
	"github.com/kirana-mart/api/internal/repositories"
)

const (
	productsCollection       = "products"
	stockMovementsCollection = "stockMovements"
)

// ProductRepository reads products and guards their stock counters inside Firestore transactions.
type ProductRepository struct {
	provider  *pfirestore.Provider
	products  *pfirestore.BaseRepository[productDocument]
	movements *pfirestore.BaseRepository[stockMovementDocument]
}

func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		provider:  provider,
		products:  pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil),
		movements: pfirestore.NewBaseRepository[stockMovementDocument](provider, stockMovementsCollection, nil),
	}, nil
}

func (r *ProductRepository) Get(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.products == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	doc, err := r.products.Get(ctx, strings.TrimSpace(productID))
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *ProductRepository) GetMany(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("product repository not initialised")
	}
	refs, err := r.productRefs(ctx, productIDs)
	if err != nil {
		return nil, err
	}
	result := make(map[string]domain.Product, len(refs))
	if len(refs) == 0 {
		return result, nil
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	snaps, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, pfirestore.WrapError("products.getAll", err)
	}
	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode product %s: %w", snap.Ref.ID, err)
		}
		result[snap.Ref.ID] = doc.toDomain(snap.Ref.ID)
	}
	return result, nil
}

// AdjustStock applies delta atomically. A decrement below zero leaves the record untouched.
func (r *ProductRepository) AdjustStock(ctx context.Context, productID string, delta int, now time.Time) (domain.Product, error) {
	if r == nil || r.provider == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, repositories.NewLedgerError(repositories.LedgerErrorInvalidEntry, "adjust stock: product id is required", nil)
	}
	now = now.UTC()

	var updated domain.Product
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		productRef, err := r.products.DocumentRef(ctx, productID)
		if err != nil {
			return err
		}
		doc, err := r.readProduct(tx, productRef)
		if err != nil {
			return err
		}
		next := doc.AvailableQuantity + delta
		if next < 0 {
			ledgerErr := repositories.NewLedgerError(repositories.LedgerErrorInsufficientStock, fmt.Sprintf("insufficient stock for %s", productID), nil)
			ledgerErr.ProductID = productID
			return ledgerErr
		}
		movementRef, err := r.movements.DocumentRef(ctx, ulid.Make().String())
		if err != nil {
			return err
		}
		if err := tx.Update(productRef, []firestore.Update{
			{Path: "availableQuantity", Value: next},
			{Path: "updatedAt", Value: now},
		}); err != nil {
			return err
		}
		if err := tx.Create(movementRef, stockMovementDocument{
			ProductID: productID,
			Delta:     delta,
			Kind:      string(domain.StockMovementAdjust),
			CreatedAt: now,
		}); err != nil {
			return err
		}
		doc.AvailableQuantity = next
		doc.UpdatedAt = now
		updated = doc.toDomain(productID)
		return nil
	})
	if err != nil {
		return domain.Product{}, wrapLedgerError("products.adjustStock", err)
	}
	return updated, nil
}

// Reserve decrements stock for every line in one transaction. Lines already reserved for the
// same order item are skipped so retries are safe.
func (r *ProductRepository) Reserve(ctx context.Context, lines []repositories.StockLine, now time.Time) error {
	if r == nil || r.provider == nil {
		return errors.New("product repository not initialised")
	}
	if len(lines) == 0 {
		return repositories.NewLedgerError(repositories.LedgerErrorInvalidEntry, "reserve: at least one line is required", nil)
	}
	for _, line := range lines {
		if strings.TrimSpace(line.ProductID) == "" || line.Quantity <= 0 {
			return repositories.NewLedgerError(repositories.LedgerErrorInvalidEntry, "reserve: product id and positive quantity are required", nil)
		}
	}
	now = now.UTC()

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		movementRefs := make([]*firestore.DocumentRef, len(lines))
		pending := make([]repositories.StockLine, 0, len(lines))
		// reads first; Firestore rejects reads issued after a write in the same transaction
		for i, line := range lines {
			ref, err := r.movements.DocumentRef(ctx, movementID(domain.StockMovementReserve, line))
			if err != nil {
				return err
			}
			movementRefs[i] = ref
			if _, err := tx.Get(ref); err == nil {
				continue
			} else if status.Code(err) != codes.NotFound {
				return err
			}
			pending = append(pending, line)
		}

		demand := make(map[string]int)
		order := make([]string, 0, len(pending))
		for _, line := range pending {
			id := strings.TrimSpace(line.ProductID)
			if _, seen := demand[id]; !seen {
				order = append(order, id)
			}
			demand[id] += line.Quantity
		}

		productRefs := make(map[string]*firestore.DocumentRef, len(order))
		productDocs := make(map[string]productDocument, len(order))
		for _, id := range order {
			ref, err := r.products.DocumentRef(ctx, id)
			if err != nil {
				return err
			}
			doc, err := r.readProduct(tx, ref)
			if err != nil {
				return err
			}
			if doc.AvailableQuantity < demand[id] {
				ledgerErr := repositories.NewLedgerError(repositories.LedgerErrorInsufficientStock, fmt.Sprintf("insufficient stock for %s", id), nil)
				ledgerErr.ProductID = id
				return ledgerErr
			}
			productRefs[id] = ref
			productDocs[id] = doc
		}

		for _, id := range order {
			if err := tx.Update(productRefs[id], []firestore.Update{
				{Path: "availableQuantity", Value: productDocs[id].AvailableQuantity - demand[id]},
				{Path: "updatedAt", Value: now},
			}); err != nil {
				return err
			}
		}
		for i, line := range lines {
			if !containsLine(pending, line) {
				continue
			}
			if err := tx.Create(movementRefs[i], newStockMovementDocument(domain.StockMovementReserve, line, -line.Quantity, now)); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapLedgerError("products.reserve", err)
}

// Restore returns quantity to stock once per order item. applied is false when the restore had
// already been recorded.
func (r *ProductRepository) Restore(ctx context.Context, line repositories.StockLine, now time.Time) (bool, error) {
	if r == nil || r.provider == nil {
		return false, errors.New("product repository not initialised")
	}
	if strings.TrimSpace(line.ProductID) == "" || strings.TrimSpace(line.OrderID) == "" || strings.TrimSpace(line.ItemID) == "" || line.Quantity <= 0 {
		return false, repositories.NewLedgerError(repositories.LedgerErrorInvalidEntry, "restore: order, item, product and positive quantity are required", nil)
	}
	now = now.UTC()

	var applied bool
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		applied = false
		movementRef, err := r.movements.DocumentRef(ctx, movementID(domain.StockMovementRestore, line))
		if err != nil {
			return err
		}
		if _, err := tx.Get(movementRef); err == nil {
			return nil
		} else if status.Code(err) != codes.NotFound {
			return err
		}
		productRef, err := r.products.DocumentRef(ctx, strings.TrimSpace(line.ProductID))
		if err != nil {
			return err
		}
		if _, err := r.readProduct(tx, productRef); err != nil {
			return err
		}
		if err := tx.Update(productRef, []firestore.Update{
			{Path: "availableQuantity", Value: firestore.Increment(line.Quantity)},
			{Path: "updatedAt", Value: now},
		}); err != nil {
			return err
		}
		if err := tx.Create(movementRef, newStockMovementDocument(domain.StockMovementRestore, line, line.Quantity, now)); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, wrapLedgerError("products.restore", err)
	}
	return applied, nil
}

func (r *ProductRepository) readProduct(tx *firestore.Transaction, ref *firestore.DocumentRef) (productDocument, error) {
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			ledgerErr := repositories.NewLedgerError(repositories.LedgerErrorProductNotFound, fmt.Sprintf("product %s not found", ref.ID), err)
			ledgerErr.ProductID = ref.ID
			return productDocument{}, ledgerErr
		}
		return productDocument{}, err
	}
	var doc productDocument
	if err := snap.DataTo(&doc); err != nil {
		return productDocument{}, fmt.Errorf("decode product %s: %w", ref.ID, err)
	}
	return doc, nil
}

func (r *ProductRepository) productRefs(ctx context.Context, productIDs []string) ([]*firestore.DocumentRef, error) {
	seen := make(map[string]struct{}, len(productIDs))
	refs := make([]*firestore.DocumentRef, 0, len(productIDs))
	for _, id := range productIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ref, err := r.products.DocumentRef(ctx, id)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

type productDocument struct {
	Name              string    `firestore:"name"`
	SalesPrice        int64     `firestore:"salesPrice"`
	AvailableQuantity int       `firestore:"availableQuantity"`
	IsBlocked         bool      `firestore:"isBlocked"`
	UpdatedAt         time.Time `firestore:"updatedAt"`
}

func (d productDocument) toDomain(id string) domain.Product {
	return domain.Product{
		ID:                id,
		Name:              strings.TrimSpace(d.Name),
		SalesPrice:        d.SalesPrice,
		AvailableQuantity: d.AvailableQuantity,
		IsBlocked:         d.IsBlocked,
		UpdatedAt:         d.UpdatedAt,
	}
}

type stockMovementDocument struct {
	ProductID string    `firestore:"productId"`
	Delta     int       `firestore:"delta"`
	Kind      string    `firestore:"kind"`
	OrderID   string    `firestore:"orderId,omitempty"`
	ItemID    string    `firestore:"itemId,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func newStockMovementDocument(kind domain.StockMovementKind, line repositories.StockLine, delta int, now time.Time) stockMovementDocument {
	return stockMovementDocument{
		ProductID: strings.TrimSpace(line.ProductID),
		Delta:     delta,
		Kind:      string(kind),
		OrderID:   strings.TrimSpace(line.OrderID),
		ItemID:    strings.TrimSpace(line.ItemID),
		CreatedAt: now,
	}
}

func movementID(kind domain.StockMovementKind, line repositories.StockLine) string {
	return fmt.Sprintf("%s_%s_%s", kind, strings.TrimSpace(line.OrderID), strings.TrimSpace(line.ItemID))
}

func containsLine(lines []repositories.StockLine, target repositories.StockLine) bool {
	for _, line := range lines {
		if line.OrderID == target.OrderID && line.ItemID == target.ItemID {
			return true
		}
	}
	return false
}

func wrapLedgerError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ledgerErr *repositories.LedgerError
	if errors.As(err, &ledgerErr) {
		if ledgerErr.Op == "" {
			ledgerErr.Op = op
		}
		return ledgerErr
	}
	return pfirestore.WrapError(op, err)
}
