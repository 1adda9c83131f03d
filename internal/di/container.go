package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kirana-mart/api/internal/payments"
	"github.com/kirana-mart/api/internal/platform/config"
	"github.com/kirana-mart/api/internal/repositories"
	"github.com/kirana-mart/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. A nil entry means the
// collaborator it needs was not configured; handlers answer 503 for it.
type Services struct {
	Inventory services.InventoryService
	Cart      services.CartService
	Checkout  services.CheckoutService
	Orders    services.OrderService
	Wallet    services.WalletService
	TopUps    services.TopUpService
	Cleanup   services.CleanupScheduler
	System    services.SystemService
}

// Infrastructure carries the adapters built outside the repository layer.
type Infrastructure struct {
	Events   services.OrderEventPublisher
	Invoices services.InvoiceExporter
	Gateway  payments.TopUpGateway
	Locker   services.Locker
	Meter    metric.Meter
	Probes   map[string]services.HealthProbe
	Build    services.BuildInfo
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Tests supply in-memory registries.
func NewContainer(cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if infra.Clock == nil {
		infra.Clock = time.Now
	}

	svc, err := buildServices(cfg, reg, infra)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(cfg config.Config, reg repositories.Registry, infra Infrastructure) (Services, error) {
	var svc Services
	var err error

	svc.Inventory, err = services.NewInventoryService(services.InventoryServiceDeps{
		Products: reg.Products(),
		Clock:    infra.Clock,
		Logger:   infra.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build inventory service: %w", err)
	}

	svc.Wallet, err = services.NewWalletService(services.WalletServiceDeps{
		Wallets:    reg.Wallets(),
		Migrations: reg.WalletMigrations(),
		Currency:   cfg.Checkout.Currency,
		Clock:      infra.Clock,
		Logger:     infra.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build wallet service: %w", err)
	}

	svc.Orders, err = services.NewOrderService(services.OrderServiceDeps{
		Orders:         reg.Orders(),
		Inventory:      svc.Inventory,
		Wallet:         svc.Wallet,
		Events:         infra.Events,
		Invoices:       infra.Invoices,
		PendingTimeout: cfg.Checkout.PendingTimeout,
		Clock:          infra.Clock,
		Logger:         infra.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}

	svc.Cart, err = services.NewCartService(services.CartServiceDeps{
		Carts:       reg.Carts(),
		Wishlists:   reg.Wishlists(),
		Inventory:   svc.Inventory,
		QuantityCap: cfg.Checkout.CartQuantityCap,
		Clock:       infra.Clock,
		Logger:      infra.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart service: %w", err)
	}

	policy, err := services.NewPricingPolicy(
		cfg.Checkout.Currency,
		cfg.Checkout.TaxRate,
		cfg.Checkout.FreeShippingThreshold,
		cfg.Checkout.FlatShipping,
		cfg.Checkout.CODLimit,
	)
	if err != nil {
		return Services{}, fmt.Errorf("build pricing policy: %w", err)
	}
	svc.Checkout, err = services.NewCheckoutService(services.CheckoutServiceDeps{
		Carts:       reg.Carts(),
		Addresses:   reg.Addresses(),
		Inventory:   svc.Inventory,
		Orders:      svc.Orders,
		CartCleaner: svc.Cart,
		Pricing:     services.NewPricingEngine(policy, nil),
		QuantityCap: cfg.Checkout.CartQuantityCap,
		Logger:      infra.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}

	if infra.Gateway != nil {
		svc.TopUps, err = services.NewTopUpService(services.TopUpServiceDeps{
			TopUps:         reg.TopUps(),
			Gateway:        infra.Gateway,
			Wallet:         svc.Wallet,
			SigningSecret:  cfg.PSP.TopUpSigningSecret,
			PublishableKey: cfg.PSP.StripePublishableKey,
			Currency:       cfg.Checkout.Currency,
			MinimumAmount:  cfg.Wallet.MinTopUp,
			Clock:          infra.Clock,
			Logger:         infra.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build top-up service: %w", err)
		}
	}

	svc.Cleanup, err = services.NewCleanupScheduler(services.CleanupSchedulerDeps{
		Orders:    reg.Orders(),
		Service:   svc.Orders,
		Locker:    infra.Locker,
		Interval:  cfg.Cleanup.Interval,
		BatchSize: cfg.Cleanup.BatchSize,
		LockTTL:   cfg.Cleanup.LockTTL,
		Meter:     infra.Meter,
		Clock:     infra.Clock,
		Logger:    infra.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cleanup scheduler: %w", err)
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		svc.System, err = services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Probes:           infra.Probes,
			Clock:            infra.Clock,
			Build:            infra.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
	}

	return svc, nil
}
