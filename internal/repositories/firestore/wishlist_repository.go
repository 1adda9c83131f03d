package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/kirana-mart/api/internal/platform/firestore"
)

const wishlistCollectionPattern = "users/%s/wishlist"

// WishlistRepository manages wishlist entries stored as users/{uid}/wishlist/{productId}.
type WishlistRepository struct {
	provider *pfirestore.Provider
}

func NewWishlistRepository(provider *pfirestore.Provider) (*WishlistRepository, error) {
	if provider == nil {
		return nil, errors.New("wishlist repository requires firestore provider")
	}
	return &WishlistRepository{provider: provider}, nil
}

// Remove deletes the product from the user's wishlist. Missing entries are ignored.
func (r *WishlistRepository) Remove(ctx context.Context, userID string, productID string) error {
	if r == nil || r.provider == nil {
		return errors.New("wishlist repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	productID = strings.TrimSpace(productID)
	if uid == "" || productID == "" {
		return errors.New("wishlist repository: user id and product id are required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Collection(fmt.Sprintf(wishlistCollectionPattern, uid)).Doc(productID).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return pfirestore.WrapError("wishlist.remove", err)
	}
	return nil
}
