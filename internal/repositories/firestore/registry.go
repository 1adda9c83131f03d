package firestore

import (
	"context"
	"errors"
	"fmt"

	pfirestore "github.com/kirana-mart/api/internal/platform/firestore"
	"github.com/kirana-mart/api/internal/repositories"
)

// Registry exposes every Firestore-backed repository over a single provider.
type Registry struct {
	provider *pfirestore.Provider
	health   repositories.HealthRepository

	products   *ProductRepository
	carts      *CartRepository
	wishlists  *WishlistRepository
	addresses  *AddressRepository
	orders     *OrderRepository
	wallets    *WalletRepository
	migrations *WalletMigrationRepository
	topUps     *TopUpRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds all repositories. health may be nil when readiness checks are wired elsewhere.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry: provider is required")
	}
	reg := &Registry{provider: provider, health: health}

	var err error
	build := func(name string, fn func() error) {
		if err != nil {
			return
		}
		if e := fn(); e != nil {
			err = fmt.Errorf("firestore registry: %s: %w", name, e)
		}
	}
	build("products", func() (e error) { reg.products, e = NewProductRepository(provider); return })
	build("carts", func() (e error) { reg.carts, e = NewCartRepository(provider); return })
	build("wishlists", func() (e error) { reg.wishlists, e = NewWishlistRepository(provider); return })
	build("addresses", func() (e error) { reg.addresses, e = NewAddressRepository(provider); return })
	build("orders", func() (e error) { reg.orders, e = NewOrderRepository(provider); return })
	build("wallets", func() (e error) { reg.wallets, e = NewWalletRepository(provider); return })
	build("wallet migrations", func() (e error) { reg.migrations, e = NewWalletMigrationRepository(provider); return })
	build("top-ups", func() (e error) { reg.topUps, e = NewTopUpRepository(provider); return })
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// Close releases the shared Firestore client.
func (r *Registry) Close(context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close()
}

func (r *Registry) Products() repositories.ProductRepository   { return r.products }
func (r *Registry) Carts() repositories.CartRepository         { return r.carts }
func (r *Registry) Wishlists() repositories.WishlistRepository { return r.wishlists }
func (r *Registry) Addresses() repositories.AddressRepository  { return r.addresses }
func (r *Registry) Orders() repositories.OrderRepository       { return r.orders }
func (r *Registry) Wallets() repositories.WalletRepository     { return r.wallets }
func (r *Registry) TopUps() repositories.TopUpRepository       { return r.topUps }
func (r *Registry) Health() repositories.HealthRepository      { return r.health }

func (r *Registry) WalletMigrations() repositories.WalletMigrationRepository {
	return r.migrations
}
