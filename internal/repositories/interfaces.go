package repositories

import (
	"context"
	"time"

	domain "github.com/kirana-mart/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Products() ProductRepository
	Carts() CartRepository
	Wishlists() WishlistRepository
	Addresses() AddressRepository
	Orders() OrderRepository
	Wallets() WalletRepository
	WalletMigrations() WalletMigrationRepository
	TopUps() TopUpRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// StockLine identifies a quantity of a product bound to an order item.
type StockLine struct {
	OrderID   string
	ItemID    string
	ProductID string
	Quantity  int
}

// ProductRepository reads products and owns the stock counters with transactional guarantees.
// Reserve and Restore are idempotent per (kind, order, item) through the movement ledger.
type ProductRepository interface {
	Get(ctx context.Context, productID string) (domain.Product, error)
	GetMany(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	AdjustStock(ctx context.Context, productID string, delta int, now time.Time) (domain.Product, error)
	Reserve(ctx context.Context, lines []StockLine, now time.Time) error
	Restore(ctx context.Context, line StockLine, now time.Time) (applied bool, err error)
}

// CartRepository persists one cart per user. Save fails with a conflict when expectedRevision is stale.
type CartRepository interface {
	Get(ctx context.Context, userID string) (domain.Cart, error)
	Save(ctx context.Context, cart domain.Cart, expectedRevision int64) (domain.Cart, error)
	Delete(ctx context.Context, userID string) error
}

// WishlistRepository removes products from a user's wishlist.
type WishlistRepository interface {
	Remove(ctx context.Context, userID string, productID string) error
}

// AddressRepository lists a user's delivery addresses.
type AddressRepository interface {
	List(ctx context.Context, userID string) ([]domain.Address, error)
	Get(ctx context.Context, userID string, addressID string) (domain.Address, error)
}

// OrderListFilter narrows user order listings.
type OrderListFilter struct {
	UserID     string
	Pagination domain.Pagination
}

// ExpiredPendingQuery selects pending orders whose payment window has elapsed.
type ExpiredPendingQuery struct {
	Before time.Time
	Limit  int
}

// OrderRepository persists orders. Update is a compare-and-swap on Revision.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order, expectedRevision int64) (domain.Order, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	ListExpiredPending(ctx context.Context, query ExpiredPendingQuery) ([]domain.Order, error)
	ListPendingRestock(ctx context.Context, limit int) ([]domain.Order, error)
}

// WalletEntry is a single balance mutation request.
type WalletEntry struct {
	TransactionID  string
	UserID         string
	Amount         int64
	Type           domain.WalletTransactionType
	Reason         string
	RelatedOrderID string
	IdempotencyKey string
	Currency       string
	Now            time.Time
}

// WalletApplyResult reports the committed transaction and the resulting wallet state.
type WalletApplyResult struct {
	Wallet      domain.Wallet
	Transaction domain.WalletTransaction
	Duplicate   bool
}

// WalletRepository owns wallet balances and the append-only transaction ledger.
type WalletRepository interface {
	Get(ctx context.Context, userID string) (domain.Wallet, error)
	Apply(ctx context.Context, entry WalletEntry) (WalletApplyResult, error)
	ListTransactions(ctx context.Context, userID string, pager domain.Pagination) (domain.CursorPage[domain.WalletTransaction], error)
}

// LegacyWallet is the embedded wallet shape found on pre-ledger user documents.
type LegacyWallet struct {
	UserID string
	Raw    any
}

// WalletMigrationRepository scans and rewrites legacy wallet shapes.
type WalletMigrationRepository interface {
	ListLegacy(ctx context.Context, limit int) ([]LegacyWallet, error)
	Migrate(ctx context.Context, userID string, wallet domain.Wallet, txns []domain.WalletTransaction) error
}

// TopUpRepository records provider orders created for wallet top-ups.
type TopUpRepository interface {
	Create(ctx context.Context, topUp domain.TopUp) error
	Get(ctx context.Context, providerOrderID string) (domain.TopUp, error)
	MarkCredited(ctx context.Context, providerOrderID string, paymentID string, at time.Time) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
