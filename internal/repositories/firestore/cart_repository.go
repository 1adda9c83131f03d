package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/kirana-mart/api/internal/domain"
	pfirestore "github.com/kirana-mart/api/internal/platform/firestore"
)

const (
	cartCollection = "carts"
)

// CartRepository persists one cart document per user keyed by the user id.
type CartRepository struct {
	base     *pfirestore.BaseRepository[cartDocument]
	provider *pfirestore.Provider
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[cartDocument](provider, cartCollection, nil)
	return &CartRepository{
		base:     base,
		provider: provider,
	}, nil
}

// Get returns the user's cart, or a not-found repository error when none was saved yet.
func (r *CartRepository) Get(ctx context.Context, userID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	doc, err := r.base.Get(ctx, userID)
	if err != nil {
		return domain.Cart{}, err
	}
	return doc.Data.toDomain(userID), nil
}

// Save replaces the cart lines when the stored revision still equals expectedRevision.
// A missing document is treated as revision zero.
func (r *CartRepository) Save(ctx context.Context, cart domain.Cart, expectedRevision int64) (domain.Cart, error) {
	if r == nil || r.provider == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	userID := strings.TrimSpace(cart.UserID)
	if userID == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	updatedAt := cart.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	var saved domain.Cart
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, userID)
		if err != nil {
			return err
		}
		var current int64
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			var existing cartDocument
			if err := snap.DataTo(&existing); err != nil {
				return fmt.Errorf("decode cart %s: %w", userID, err)
			}
			current = existing.Revision
		case status.Code(err) == codes.NotFound:
			current = 0
		default:
			return err
		}
		if current != expectedRevision {
			return status.Errorf(codes.FailedPrecondition, "cart %s revision %d does not match expected %d", userID, current, expectedRevision)
		}

		doc := newCartDocument(cart)
		doc.UpdatedAt = updatedAt
		doc.Revision = current + 1
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		saved = doc.toDomain(userID)
		return nil
	})
	if err != nil {
		return domain.Cart{}, pfirestore.WrapError("carts.save", err)
	}
	return saved, nil
}

// Delete removes the cart document. Deleting a missing cart is not an error.
func (r *CartRepository) Delete(ctx context.Context, userID string) error {
	if r == nil || r.base == nil {
		return errors.New("cart repository not initialised")
	}
	ref, err := r.base.DocumentRef(ctx, strings.TrimSpace(userID))
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("carts.delete", err)
	}
	return nil
}

type cartDocument struct {
	Items     []cartItemDocument `firestore:"items"`
	UpdatedAt time.Time          `firestore:"updatedAt"`
	Revision  int64              `firestore:"revision"`
}

type cartItemDocument struct {
	ProductID string    `firestore:"productId"`
	Name      string    `firestore:"name"`
	Quantity  int       `firestore:"quantity"`
	UnitPrice int64     `firestore:"unitPrice"`
	LineTotal int64     `firestore:"lineTotal"`
	AddedAt   time.Time `firestore:"addedAt"`
}

func newCartDocument(cart domain.Cart) cartDocument {
	items := make([]cartItemDocument, 0, len(cart.Items))
	for _, item := range cart.Items {
		items = append(items, cartItemDocument{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      strings.TrimSpace(item.Name),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			LineTotal: item.LineTotal,
			AddedAt:   item.AddedAt.UTC(),
		})
	}
	return cartDocument{Items: items}
}

func (d cartDocument) toDomain(userID string) domain.Cart {
	items := make([]domain.CartItem, 0, len(d.Items))
	for _, item := range d.Items {
		items = append(items, domain.CartItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			LineTotal: item.LineTotal,
			AddedAt:   item.AddedAt,
		})
	}
	return domain.Cart{
		UserID:    userID,
		Items:     items,
		UpdatedAt: d.UpdatedAt,
		Revision:  d.Revision,
	}
}
