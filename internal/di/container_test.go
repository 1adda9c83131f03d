package di

import (
	"context"
	"strings"
	"testing"
	"time"

	domain "github.com/kirana-mart/api/internal/domain"
	"github.com/kirana-mart/api/internal/payments"
	"github.com/kirana-mart/api/internal/platform/config"
	"github.com/kirana-mart/api/internal/repositories"
)

// Embedded nil interfaces satisfy the contracts; construction never calls through them.
type (
	productRepo   struct{ repositories.ProductRepository }
	cartRepo      struct{ repositories.CartRepository }
	wishlistRepo  struct{ repositories.WishlistRepository }
	addressRepo   struct{ repositories.AddressRepository }
	orderRepo     struct{ repositories.OrderRepository }
	walletRepo    struct{ repositories.WalletRepository }
	migrationRepo struct{ repositories.WalletMigrationRepository }
	topUpRepo     struct{ repositories.TopUpRepository }
)

type healthRepo struct{}

func (healthRepo) Collect(context.Context) (domain.SystemHealthReport, error) {
	return domain.SystemHealthReport{Status: domain.HealthStatusOK}, nil
}

type stubGateway struct{ payments.TopUpGateway }

type stubRegistry struct {
	health repositories.HealthRepository
	closed bool
}

func (r *stubRegistry) Close(context.Context) error { r.closed = true; return nil }

func (r *stubRegistry) Products() repositories.ProductRepository   { return productRepo{} }
func (r *stubRegistry) Carts() repositories.CartRepository         { return cartRepo{} }
func (r *stubRegistry) Wishlists() repositories.WishlistRepository { return wishlistRepo{} }
func (r *stubRegistry) Addresses() repositories.AddressRepository  { return addressRepo{} }
func (r *stubRegistry) Orders() repositories.OrderRepository       { return orderRepo{} }
func (r *stubRegistry) Wallets() repositories.WalletRepository     { return walletRepo{} }
func (r *stubRegistry) TopUps() repositories.TopUpRepository       { return topUpRepo{} }
func (r *stubRegistry) Health() repositories.HealthRepository      { return r.health }
func (r *stubRegistry) WalletMigrations() repositories.WalletMigrationRepository {
	return migrationRepo{}
}

func testConfig() config.Config {
	return config.Config{
		Checkout: config.CheckoutConfig{
			Currency:              "INR",
			TaxRate:               "0.05",
			FreeShippingThreshold: 50000,
			FlatShipping:          4000,
			CODLimit:              500000,
			CartQuantityCap:       10,
			PendingTimeout:        30 * time.Minute,
		},
		PSP: config.PSPConfig{TopUpSigningSecret: "topup-secret"},
	}
}

func TestNewContainerBuildsServices(t *testing.T) {
	reg := &stubRegistry{health: healthRepo{}}
	c, err := NewContainer(testConfig(), reg, Infrastructure{Gateway: stubGateway{}})
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	svc := c.Services
	if svc.Inventory == nil || svc.Cart == nil || svc.Checkout == nil || svc.Orders == nil {
		t.Fatalf("core services missing: %#v", svc)
	}
	if svc.Wallet == nil || svc.TopUps == nil || svc.Cleanup == nil || svc.System == nil {
		t.Fatalf("supporting services missing: %#v", svc)
	}

	if err := c.Close(context.Background()); err != nil || !reg.closed {
		t.Fatalf("expected registry to be closed, err=%v", err)
	}
}

func TestNewContainerSkipsUnconfiguredCollaborators(t *testing.T) {
	c, err := NewContainer(testConfig(), &stubRegistry{}, Infrastructure{})
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	if c.Services.TopUps != nil {
		t.Fatalf("top-ups need a gateway")
	}
	if c.Services.System != nil {
		t.Fatalf("system service needs a health repository")
	}
}

func TestNewContainerRejectsBadPricing(t *testing.T) {
	cfg := testConfig()
	cfg.Checkout.TaxRate = "five percent"
	_, err := NewContainer(cfg, &stubRegistry{}, Infrastructure{})
	if err == nil || !strings.Contains(err.Error(), "pricing policy") {
		t.Fatalf("expected pricing policy error, got %v", err)
	}

	if _, err := NewContainer(cfg, nil, Infrastructure{}); err == nil {
		t.Fatalf("expected error for missing registry")
	}
}
