package services

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	domain "github.com/kirana-mart/api/internal/domain"
	"github.com/kirana-mart/api/internal/repositories"
)

type fakeRepoError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *fakeRepoError) Error() string       { return e.msg }
func (e *fakeRepoError) IsNotFound() bool    { return e.notFound }
func (e *fakeRepoError) IsConflict() bool    { return e.conflict }
func (e *fakeRepoError) IsUnavailable() bool { return e.unavailable }

func notFoundErr(what string) error { return &fakeRepoError{msg: what + " not found", notFound: true} }
func conflictErr(what string) error { return &fakeRepoError{msg: what + " conflict", conflict: true} }

// memProducts mirrors the Firestore ledger: guarded decrements and movement-keyed idempotency.
type memProducts struct {
	mu        sync.Mutex
	products  map[string]domain.Product
	movements map[string]int
	reserveFn func([]repositories.StockLine) error
	restoreFn func(repositories.StockLine) error
}

func newMemProducts(products ...domain.Product) *memProducts {
	m := &memProducts{products: map[string]domain.Product{}, movements: map[string]int{}}
	for _, p := range products {
		m.products[p.ID] = p
	}
	return m
}

func (m *memProducts) available(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id].AvailableQuantity
}

func (m *memProducts) Get(_ context.Context, id string) (domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return domain.Product{}, notFoundErr("product " + id)
	}
	return p, nil
}

func (m *memProducts) GetMany(_ context.Context, ids []string) (map[string]domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]domain.Product{}
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *memProducts) AdjustStock(_ context.Context, id string, delta int, now time.Time) (domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return domain.Product{}, repositories.NewLedgerError(repositories.LedgerErrorProductNotFound, id, nil)
	}
	if p.AvailableQuantity+delta < 0 {
		return domain.Product{}, repositories.NewLedgerError(repositories.LedgerErrorInsufficientStock, id, nil)
	}
	p.AvailableQuantity += delta
	p.UpdatedAt = now
	m.products[id] = p
	return p, nil
}

func (m *memProducts) Reserve(_ context.Context, lines []repositories.StockLine, now time.Time) error {
	if m.reserveFn != nil {
		if err := m.reserveFn(lines); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	demand := map[string]int{}
	var pending []repositories.StockLine
	for _, line := range lines {
		if _, done := m.movements["reserve_"+line.OrderID+"_"+line.ItemID]; done {
			continue
		}
		demand[line.ProductID] += line.Quantity
		pending = append(pending, line)
	}
	for id, qty := range demand {
		p, ok := m.products[id]
		if !ok {
			return repositories.NewLedgerError(repositories.LedgerErrorProductNotFound, id, nil)
		}
		if p.AvailableQuantity < qty {
			return repositories.NewLedgerError(repositories.LedgerErrorInsufficientStock, id, nil)
		}
	}
	for _, line := range pending {
		p := m.products[line.ProductID]
		p.AvailableQuantity -= line.Quantity
		p.UpdatedAt = now
		m.products[line.ProductID] = p
		m.movements["reserve_"+line.OrderID+"_"+line.ItemID] = -line.Quantity
	}
	return nil
}

func (m *memProducts) Restore(_ context.Context, line repositories.StockLine, now time.Time) (bool, error) {
	if m.restoreFn != nil {
		if err := m.restoreFn(line); err != nil {
			return false, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := "restore_" + line.OrderID + "_" + line.ItemID
	if _, done := m.movements[key]; done {
		return false, nil
	}
	p, ok := m.products[line.ProductID]
	if !ok {
		return false, repositories.NewLedgerError(repositories.LedgerErrorProductNotFound, line.ProductID, nil)
	}
	p.AvailableQuantity += line.Quantity
	p.UpdatedAt = now
	m.products[line.ProductID] = p
	m.movements[key] = line.Quantity
	return true, nil
}

func (m *memProducts) restoreCount(orderID, itemID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.movements["restore_"+orderID+"_"+itemID]; ok {
		return 1
	}
	return 0
}

type memCarts struct {
	mu     sync.Mutex
	carts  map[string]domain.Cart
	saveFn func(domain.Cart, int64) error
	saves  int
}

func newMemCarts() *memCarts {
	return &memCarts{carts: map[string]domain.Cart{}}
}

func (m *memCarts) Get(_ context.Context, uid string) (domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[uid]
	if !ok {
		return domain.Cart{}, notFoundErr("cart " + uid)
	}
	c.Items = slices.Clone(c.Items)
	return c, nil
}

func (m *memCarts) Save(_ context.Context, cart domain.Cart, expected int64) (domain.Cart, error) {
	if m.saveFn != nil {
		if err := m.saveFn(cart, expected); err != nil {
			return domain.Cart{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	current := m.carts[cart.UserID].Revision
	if current != expected {
		return domain.Cart{}, conflictErr("cart " + cart.UserID)
	}
	cart.Revision = current + 1
	cart.Items = slices.Clone(cart.Items)
	m.carts[cart.UserID] = cart
	return cart, nil
}

func (m *memCarts) Delete(_ context.Context, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.carts, uid)
	return nil
}

type memWishlist struct {
	mu      sync.Mutex
	removed []string
	err     error
}

func (m *memWishlist) Remove(_ context.Context, uid, pid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, uid+"/"+pid)
	return m.err
}

type memAddresses struct {
	byUser map[string][]domain.Address
}

func (m *memAddresses) List(_ context.Context, uid string) ([]domain.Address, error) {
	return slices.Clone(m.byUser[uid]), nil
}

func (m *memAddresses) Get(_ context.Context, uid, id string) (domain.Address, error) {
	for _, a := range m.byUser[uid] {
		if a.ID == id {
			return a, nil
		}
	}
	return domain.Address{}, notFoundErr("address " + id)
}

type memOrders struct {
	mu       sync.Mutex
	orders   map[string]domain.Order
	updateFn func(domain.Order, int64) error
	updates  int
}

func newMemOrders(orders ...domain.Order) *memOrders {
	m := &memOrders{orders: map[string]domain.Order{}}
	for _, o := range orders {
		if o.Revision == 0 {
			o.Revision = 1
		}
		m.orders[o.ID] = cloneTestOrder(o)
	}
	return m
}

func cloneTestOrder(o domain.Order) domain.Order {
	o.Items = slices.Clone(o.Items)
	return o
}

func (m *memOrders) get(id string) domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneTestOrder(m.orders[id])
}

func (m *memOrders) Insert(_ context.Context, order domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ID]; ok {
		return conflictErr("order " + order.ID)
	}
	if order.Revision == 0 {
		order.Revision = 1
	}
	m.orders[order.ID] = cloneTestOrder(order)
	return nil
}

func (m *memOrders) Update(_ context.Context, order domain.Order, expected int64) (domain.Order, error) {
	if m.updateFn != nil {
		if err := m.updateFn(order, expected); err != nil {
			return domain.Order{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.orders[order.ID]
	if !ok {
		return domain.Order{}, notFoundErr("order " + order.ID)
	}
	if current.Revision != expected {
		return domain.Order{}, conflictErr("order " + order.ID)
	}
	m.updates++
	order.Revision = expected + 1
	m.orders[order.ID] = cloneTestOrder(order)
	return cloneTestOrder(order), nil
}

func (m *memOrders) FindByID(_ context.Context, id string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.Order{}, notFoundErr("order " + id)
	}
	return cloneTestOrder(o), nil
}

func (m *memOrders) List(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []domain.Order
	for _, o := range m.orders {
		if o.UserID == filter.UserID {
			items = append(items, cloneTestOrder(o))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return domain.CursorPage[domain.Order]{Items: items}, nil
}

func (m *memOrders) ListExpiredPending(_ context.Context, q repositories.ExpiredPendingQuery) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.orders {
		if o.Status == domain.OrderStatusPending && o.PendingCancelAt != nil && o.PendingCancelAt.Before(q.Before) {
			out = append(out, cloneTestOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memOrders) ListPendingRestock(_ context.Context, limit int) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.orders {
		for _, item := range o.Items {
			if item.Status == domain.OrderStatusCancelled && !item.StockRestored {
				out = append(out, cloneTestOrder(o))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memWallets struct {
	mu      sync.Mutex
	wallets map[string]domain.Wallet
	ledger  map[string][]domain.WalletTransaction
	keys    map[string]domain.WalletTransaction
	seq     int
}

func newMemWallets() *memWallets {
	return &memWallets{
		wallets: map[string]domain.Wallet{},
		ledger:  map[string][]domain.WalletTransaction{},
		keys:    map[string]domain.WalletTransaction{},
	}
}

func (m *memWallets) balance(uid string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wallets[uid].Balance
}

func (m *memWallets) entries(uid string) []domain.WalletTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.ledger[uid])
}

func (m *memWallets) Get(_ context.Context, uid string) (domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[uid]
	if !ok {
		return domain.Wallet{UserID: uid}, nil
	}
	return w, nil
}

func (m *memWallets) Apply(_ context.Context, entry repositories.WalletEntry) (repositories.WalletApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.wallets[entry.UserID]
	w.UserID = entry.UserID
	if entry.IdempotencyKey != "" {
		if txn, ok := m.keys[entry.UserID+"/"+entry.IdempotencyKey]; ok {
			return repositories.WalletApplyResult{Wallet: w, Transaction: txn, Duplicate: true}, nil
		}
	}
	next := w.Balance
	switch entry.Type {
	case domain.WalletCredit:
		next += entry.Amount
	case domain.WalletDebit:
		if w.Balance < entry.Amount {
			return repositories.WalletApplyResult{}, repositories.NewLedgerError(repositories.LedgerErrorInsufficientBalance, "insufficient", nil)
		}
		next -= entry.Amount
	}
	m.seq++
	txn := domain.WalletTransaction{
		ID:             fmt.Sprintf("txn-%d", m.seq),
		UserID:         entry.UserID,
		Amount:         entry.Amount,
		Type:           entry.Type,
		Reason:         entry.Reason,
		RelatedOrderID: entry.RelatedOrderID,
		IdempotencyKey: entry.IdempotencyKey,
		BalanceAfter:   next,
		CreatedAt:      entry.Now,
	}
	w.Balance = next
	w.Currency = entry.Currency
	w.Revision++
	m.wallets[entry.UserID] = w
	m.ledger[entry.UserID] = append(m.ledger[entry.UserID], txn)
	if entry.IdempotencyKey != "" {
		m.keys[entry.UserID+"/"+entry.IdempotencyKey] = txn
	}
	return repositories.WalletApplyResult{Wallet: w, Transaction: txn}, nil
}

func (m *memWallets) ListTransactions(_ context.Context, uid string, _ domain.Pagination) (domain.CursorPage[domain.WalletTransaction], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := slices.Clone(m.ledger[uid])
	slices.Reverse(items)
	return domain.CursorPage[domain.WalletTransaction]{Items: items}, nil
}

type captureOrderEvents struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return c.err
}

func (c *captureOrderEvents) count(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type captureInvoices struct {
	mu     sync.Mutex
	orders []domain.Order
	err    error
}

func (c *captureInvoices) ExportInvoice(_ context.Context, order domain.Order) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders = append(c.orders, order)
	return "invoices/" + order.ID + ".json", c.err
}

type captureLogs struct {
	mu     sync.Mutex
	events []string
}

func (c *captureLogs) log(_ context.Context, event string, _ map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureLogs) has(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Contains(c.events, event)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}
