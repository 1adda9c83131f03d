package domain

import "time"

// Pagination captures cursor pagination input shared across list endpoints.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// Product is the sellable unit referenced by carts and order lines. Prices are minor units.
type Product struct {
	ID                string
	Name              string
	SalesPrice        int64
	AvailableQuantity int
	IsBlocked         bool
	UpdatedAt         time.Time
}

// Purchasable reports whether the product can be added to a cart at all.
func (p Product) Purchasable() bool {
	return !p.IsBlocked && p.AvailableQuantity > 0
}

// CartItem is a single product line inside a user's cart.
type CartItem struct {
	ProductID string
	Name      string
	Quantity  int
	UnitPrice int64
	LineTotal int64
	AddedAt   time.Time
}

// Cart holds the mutable pre-checkout selection of a user.
type Cart struct {
	UserID    string
	Items     []CartItem
	UpdatedAt time.Time
	Revision  int64
}

// Address is a delivery address from the user's address book.
type Address struct {
	ID         string
	Recipient  string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
	IsDefault  bool
	CreatedAt  time.Time
}

// OrderStatus enumerates order and order item lifecycle states.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusProcessing      OrderStatus = "processing"
	OrderStatusShipped         OrderStatus = "shipped"
	OrderStatusDelivered       OrderStatus = "delivered"
	OrderStatusReturnRequested OrderStatus = "return_requested"
	OrderStatusReturned        OrderStatus = "returned"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// PaymentMethod enumerates how an order is paid.
type PaymentMethod string

const (
	PaymentMethodCOD    PaymentMethod = "cod"
	PaymentMethodWallet PaymentMethod = "wallet"
	PaymentMethodOnline PaymentMethod = "online"
)

// PaymentStatus tracks settlement of an order.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusRefunded PaymentStatus = "refunded"
	PaymentStatusFailed   PaymentStatus = "failed"
)

// OrderTotals stores the monetary aggregates of an order in minor units.
type OrderTotals struct {
	Subtotal int64
	Tax      int64
	Shipping int64
	Discount int64
	Total    int64
}

// OrderItem is an immutable snapshot of a purchased line plus its own lifecycle.
type OrderItem struct {
	ID            string
	ProductID     string
	Name          string
	Quantity      int
	UnitPrice     int64
	LineTotal     int64
	Status        OrderStatus
	CancelReason  string
	ReturnReason  string
	CancelledAt   *time.Time
	RequestedAt   *time.Time
	ApprovedAt    *time.Time
	StockRestored bool
}

// Order is the placed purchase. Revision increases on every committed mutation.
type Order struct {
	ID                string
	UserID            string
	Items             []OrderItem
	Totals            OrderTotals
	Address           Address
	PaymentMethod     PaymentMethod
	PaymentStatus     PaymentStatus
	Status            OrderStatus
	CancelReason      string
	ReturnReason      string
	ReturnRequestedAt *time.Time
	PendingCancelAt   *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Revision          int64
}

// StockMovementKind classifies entries of the inventory ledger.
type StockMovementKind string

const (
	StockMovementReserve StockMovementKind = "reserve"
	StockMovementRestore StockMovementKind = "restore"
	StockMovementAdjust  StockMovementKind = "adjust"
)

// StockMovement records a single change to a product's available quantity.
type StockMovement struct {
	ID        string
	ProductID string
	Delta     int
	Kind      StockMovementKind
	OrderID   string
	ItemID    string
	CreatedAt time.Time
}

// WalletTransactionType is credit or debit.
type WalletTransactionType string

const (
	WalletCredit WalletTransactionType = "credit"
	WalletDebit  WalletTransactionType = "debit"
)

// Wallet is the stored-value account of a user.
type Wallet struct {
	UserID    string
	Balance   int64
	Currency  string
	UpdatedAt time.Time
	Revision  int64
}

// WalletTransaction is an append-only ledger entry. Amount is always positive.
type WalletTransaction struct {
	ID             string
	UserID         string
	Amount         int64
	Type           WalletTransactionType
	Reason         string
	RelatedOrderID string
	IdempotencyKey string
	BalanceAfter   int64
	CreatedAt      time.Time
}

// Signed returns the amount with the sign implied by the transaction type.
func (t WalletTransaction) Signed() int64 {
	if t.Type == WalletDebit {
		return -t.Amount
	}
	return t.Amount
}

// TopUpStatus tracks the wallet top-up flow.
type TopUpStatus string

const (
	TopUpStatusInitiated TopUpStatus = "initiated"
	TopUpStatusCredited  TopUpStatus = "credited"
)

// TopUp records a payment-provider order created for a wallet top-up.
type TopUp struct {
	ProviderOrderID string
	UserID          string
	Amount          int64
	Currency        string
	Status          TopUpStatus
	PaymentID       string
	CreatedAt       time.Time
	CreditedAt      *time.Time
}

const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// SystemHealthCheck captures the status of a single dependency.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
