package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/kirana-mart/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Product            = domain.Product
	Cart               = domain.Cart
	CartItem           = domain.CartItem
	Address            = domain.Address
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	OrderTotals        = domain.OrderTotals
	OrderStatus        = domain.OrderStatus
	PaymentMethod      = domain.PaymentMethod
	CheckoutQuote      = domain.CheckoutQuote
	QuoteLine          = domain.QuoteLine
	PricingBreakdown   = domain.PricingBreakdown
	Wallet             = domain.Wallet
	WalletTransaction  = domain.WalletTransaction
	TopUp              = domain.TopUp
	SystemHealthReport = domain.SystemHealthReport
)

var (
	// ErrIdentityRequired indicates the operation was called without an authenticated user.
	ErrIdentityRequired = errors.New("identity: authentication required")
	// ErrIdentityBlocked indicates the user has been blocked from purchasing.
	ErrIdentityBlocked = errors.New("identity: user is blocked")
)

// Identity is the already-verified caller passed explicitly into every user-facing operation.
type Identity struct {
	UserID  string
	Name    string
	Email   string
	Locale  string
	Blocked bool
}

func (i Identity) validate() (string, error) {
	uid := strings.TrimSpace(i.UserID)
	if uid == "" {
		return "", ErrIdentityRequired
	}
	if i.Blocked {
		return "", ErrIdentityBlocked
	}
	return uid, nil
}

// CartService manages the mutable pre-checkout selection of a user.
type CartService interface {
	View(ctx context.Context, identity Identity) (CartView, error)
	AddItem(ctx context.Context, identity Identity, cmd AddCartItemCommand) (Cart, error)
	ChangeQuantity(ctx context.Context, identity Identity, cmd ChangeQuantityCommand) (CartItem, error)
	RemoveItem(ctx context.Context, identity Identity, productID string) (Cart, error)
	Clear(ctx context.Context, userID string) error
}

// AddCartItemCommand adds a product; Quantity defaults to 1.
type AddCartItemCommand struct {
	ProductID string
	Quantity  int
}

// QuantityDirection moves a cart line one unit up or down.
type QuantityDirection string

const (
	QuantityIncrease QuantityDirection = "increase"
	QuantityDecrease QuantityDirection = "decrease"
)

// ChangeQuantityCommand adjusts a single cart line by one unit.
type ChangeQuantityCommand struct {
	ProductID string
	Direction QuantityDirection
}

// CartView is the read-time projection of a cart with unavailable lines hidden.
type CartView struct {
	Cart     Cart
	Hidden   []string
	Subtotal int64
}

// CheckoutService turns a cart or a direct-buy line into a quote or a placed order.
type CheckoutService interface {
	Quote(ctx context.Context, identity Identity, cmd QuoteCommand) (CheckoutQuote, error)
	PlaceOrder(ctx context.Context, identity Identity, cmd PlaceOrderCommand) (Order, error)
	DirectPlaceOrder(ctx context.Context, identity Identity, cmd DirectPlaceOrderCommand) (Order, error)
}

// QuoteCommand prices either the cart (ProductID empty) or a single direct-buy line.
type QuoteCommand struct {
	AddressID     string
	PaymentMethod PaymentMethod
	ProductID     string
	Quantity      int
}

// PlaceOrderCommand places the caller's cart.
type PlaceOrderCommand struct {
	AddressID     string
	PaymentMethod PaymentMethod
}

// DirectPlaceOrderCommand places a single product without touching the cart.
type DirectPlaceOrderCommand struct {
	ProductID     string
	Quantity      int
	AddressID     string
	PaymentMethod PaymentMethod
}

// OrderService is the order state machine. Every transition is a compare-and-swap on Revision.
type OrderService interface {
	PlaceOrder(ctx context.Context, quote CheckoutQuote) (Order, error)
	GetOrder(ctx context.Context, identity Identity, orderID string) (Order, error)
	ListOrders(ctx context.Context, identity Identity, pager Pagination) (domain.CursorPage[Order], error)
	CancelOrder(ctx context.Context, identity Identity, cmd CancelOrderCommand) (Order, error)
	CancelItem(ctx context.Context, identity Identity, cmd CancelItemCommand) (Order, OrderItem, error)
	RequestReturn(ctx context.Context, identity Identity, cmd ReturnOrderCommand) (Order, error)
	RequestItemReturn(ctx context.Context, identity Identity, cmd ReturnItemCommand) (Order, OrderItem, error)
	AdvanceStatus(ctx context.Context, cmd AdvanceStatusCommand) (Order, error)
	ApproveReturn(ctx context.Context, cmd ApproveReturnCommand) (Order, error)
	CancelExpired(ctx context.Context, orderID string) (Order, error)
	RetryRestock(ctx context.Context, orderID string) (int, error)
}

// CancelOrderCommand cancels every non-terminal item of an order.
type CancelOrderCommand struct {
	OrderID string
	Reason  string
}

// CancelItemCommand cancels a single order item.
type CancelItemCommand struct {
	OrderID string
	ItemID  string
	Reason  string
}

// ReturnOrderCommand requests a return for a delivered order.
type ReturnOrderCommand struct {
	OrderID string
	Reason  string
}

// ReturnItemCommand requests a return for a delivered item.
type ReturnItemCommand struct {
	OrderID string
	ItemID  string
	Reason  string
}

// AdvanceStatusCommand moves an order forward along the fulfilment path.
type AdvanceStatusCommand struct {
	OrderID      string
	TargetStatus OrderStatus
	ActorID      string
}

// ApproveReturnCommand approves a requested return. An empty ItemID approves every requested item.
type ApproveReturnCommand struct {
	OrderID string
	ItemID  string
	ActorID string
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	ItemID         string         `json:"itemId,omitempty"`
	UserID         string         `json:"userId"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// InvoiceExporter writes the finalized order aggregate for the invoice renderer.
type InvoiceExporter interface {
	ExportInvoice(ctx context.Context, order Order) (string, error)
}

// InventoryService is the stock ledger used by checkout and the order state machine.
type InventoryService interface {
	GetProduct(ctx context.Context, productID string) (Product, error)
	GetProducts(ctx context.Context, productIDs []string) (map[string]Product, error)
	AdjustStock(ctx context.Context, productID string, delta int) (Product, error)
	Reserve(ctx context.Context, orderID string, lines []StockLine) error
	Release(ctx context.Context, orderID string, lines []StockLine) error
	Restore(ctx context.Context, orderID string, line StockLine) (bool, error)
}

// StockLine is one order item's quantity of a product.
type StockLine struct {
	ItemID    string
	ProductID string
	Quantity  int
}

// WalletService owns wallet balances and the append-only ledger.
type WalletService interface {
	Balance(ctx context.Context, userID string) (Wallet, error)
	Credit(ctx context.Context, cmd WalletEntryCommand) (WalletResult, error)
	Debit(ctx context.Context, cmd WalletEntryCommand) (WalletResult, error)
	ListTransactions(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[WalletTransaction], error)
	MigrateLegacyWallets(ctx context.Context) (WalletMigrationReport, error)
}

// WalletEntryCommand describes a single credit or debit.
type WalletEntryCommand struct {
	UserID         string
	Amount         int64
	Reason         string
	RelatedOrderID string
	IdempotencyKey string
}

// WalletResult reports the balance after an entry and whether it was a replay.
type WalletResult struct {
	Wallet      Wallet
	Transaction WalletTransaction
	Duplicate   bool
}

// WalletMigrationReport summarises a legacy wallet migration run.
type WalletMigrationReport struct {
	Scanned   int
	Migrated  int
	Repaired  int
	Adjusted  int
	Failed    int
	FailedIDs []string
}

// TopUpService credits wallets from verified provider payments.
type TopUpService interface {
	Initiate(ctx context.Context, identity Identity, amount int64) (TopUpInitiation, error)
	Verify(ctx context.Context, identity Identity, cmd VerifyTopUpCommand) (WalletResult, error)
	ConfirmFromWebhook(ctx context.Context, cmd TopUpWebhookCommand) (WalletResult, error)
}

// TopUpInitiation is returned to the client so it can complete payment with the provider SDK.
type TopUpInitiation struct {
	ProviderOrderID string
	Amount          int64
	Currency        string
	ClientSecret    string
	PublishableKey  string
}

// VerifyTopUpCommand carries the client-side payment completion proof.
type VerifyTopUpCommand struct {
	ProviderOrderID string
	PaymentID       string
	Signature       string
	Amount          int64
}

// TopUpWebhookCommand carries a server-side provider confirmation.
type TopUpWebhookCommand struct {
	ProviderOrderID string
	PaymentID       string
	Amount          int64
	Succeeded       bool
}

// CleanupScheduler auto-cancels unpaid orders and retries pending restocks.
type CleanupScheduler interface {
	Run(ctx context.Context) error
	Sweep(ctx context.Context) (SweepReport, error)
}

// SweepReport summarises a single cleanup sweep.
type SweepReport struct {
	Examined  int  `json:"examined"`
	Cancelled int  `json:"cancelled"`
	Failed    int  `json:"failed"`
	Restocked int  `json:"restocked"`
	Skipped   bool `json:"skipped"`
}

// SystemService exposes health information.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}
