package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/kirana-mart/api/internal/domain"
	"github.com/kirana-mart/api/internal/platform/auth"
	"github.com/kirana-mart/api/internal/services"
)

var errNotStubbed = errors.New("not stubbed")

var shopperIdentity = &auth.Identity{UID: "user-1", Name: "Asha", Email: "asha@example.com", Locale: "en-IN", Roles: []string{auth.RoleUser}}

type stubCartService struct {
	viewFn   func(context.Context, services.Identity) (services.CartView, error)
	addFn    func(context.Context, services.Identity, services.AddCartItemCommand) (services.Cart, error)
	changeFn func(context.Context, services.Identity, services.ChangeQuantityCommand) (services.CartItem, error)
	removeFn func(context.Context, services.Identity, string) (services.Cart, error)
}

func (s *stubCartService) View(ctx context.Context, id services.Identity) (services.CartView, error) {
	if s.viewFn != nil {
		return s.viewFn(ctx, id)
	}
	return services.CartView{}, errNotStubbed
}

func (s *stubCartService) AddItem(ctx context.Context, id services.Identity, cmd services.AddCartItemCommand) (services.Cart, error) {
	if s.addFn != nil {
		return s.addFn(ctx, id, cmd)
	}
	return services.Cart{}, errNotStubbed
}

func (s *stubCartService) ChangeQuantity(ctx context.Context, id services.Identity, cmd services.ChangeQuantityCommand) (services.CartItem, error) {
	if s.changeFn != nil {
		return s.changeFn(ctx, id, cmd)
	}
	return services.CartItem{}, errNotStubbed
}

func (s *stubCartService) RemoveItem(ctx context.Context, id services.Identity, productID string) (services.Cart, error) {
	if s.removeFn != nil {
		return s.removeFn(ctx, id, productID)
	}
	return services.Cart{}, errNotStubbed
}

func (s *stubCartService) Clear(context.Context, string) error { return nil }

type stubCheckoutService struct {
	quoteFn  func(context.Context, services.Identity, services.QuoteCommand) (services.CheckoutQuote, error)
	placeFn  func(context.Context, services.Identity, services.PlaceOrderCommand) (services.Order, error)
	directFn func(context.Context, services.Identity, services.DirectPlaceOrderCommand) (services.Order, error)
}

func (s *stubCheckoutService) Quote(ctx context.Context, id services.Identity, cmd services.QuoteCommand) (services.CheckoutQuote, error) {
	if s.quoteFn != nil {
		return s.quoteFn(ctx, id, cmd)
	}
	return services.CheckoutQuote{}, errNotStubbed
}

func (s *stubCheckoutService) PlaceOrder(ctx context.Context, id services.Identity, cmd services.PlaceOrderCommand) (services.Order, error) {
	if s.placeFn != nil {
		return s.placeFn(ctx, id, cmd)
	}
	return services.Order{}, errNotStubbed
}

func (s *stubCheckoutService) DirectPlaceOrder(ctx context.Context, id services.Identity, cmd services.DirectPlaceOrderCommand) (services.Order, error) {
	if s.directFn != nil {
		return s.directFn(ctx, id, cmd)
	}
	return services.Order{}, errNotStubbed
}

type stubOrderService struct {
	getFn           func(context.Context, services.Identity, string) (services.Order, error)
	listFn          func(context.Context, services.Identity, services.Pagination) (domain.CursorPage[services.Order], error)
	cancelFn        func(context.Context, services.Identity, services.CancelOrderCommand) (services.Order, error)
	cancelItemFn    func(context.Context, services.Identity, services.CancelItemCommand) (services.Order, services.OrderItem, error)
	returnFn        func(context.Context, services.Identity, services.ReturnOrderCommand) (services.Order, error)
	returnItemFn    func(context.Context, services.Identity, services.ReturnItemCommand) (services.Order, services.OrderItem, error)
	advanceFn       func(context.Context, services.AdvanceStatusCommand) (services.Order, error)
	approveReturnFn func(context.Context, services.ApproveReturnCommand) (services.Order, error)
}

func (s *stubOrderService) PlaceOrder(context.Context, services.CheckoutQuote) (services.Order, error) {
	return services.Order{}, errNotStubbed
}

func (s *stubOrderService) GetOrder(ctx context.Context, id services.Identity, orderID string) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, id, orderID)
	}
	return services.Order{}, errNotStubbed
}

func (s *stubOrderService) ListOrders(ctx context.Context, id services.Identity, pager services.Pagination) (domain.CursorPage[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, id, pager)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubOrderService) CancelOrder(ctx context.Context, id services.Identity, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, id, cmd)
	}
	return services.Order{}, errNotStubbed
}

func (s *stubOrderService) CancelItem(ctx context.Context, id services.Identity, cmd services.CancelItemCommand) (services.Order, services.OrderItem, error) {
	if s.cancelItemFn != nil {
		return s.cancelItemFn(ctx, id, cmd)
	}
	return services.Order{}, services.OrderItem{}, errNotStubbed
}

func (s *stubOrderService) RequestReturn(ctx context.Context, id services.Identity, cmd services.ReturnOrderCommand) (services.Order, error) {
	if s.returnFn != nil {
		return s.returnFn(ctx, id, cmd)
	}
	return services.Order{}, errNotStubbed
}

func (s *stubOrderService) RequestItemReturn(ctx context.Context, id services.Identity, cmd services.ReturnItemCommand) (services.Order, services.OrderItem, error) {
	if s.returnItemFn != nil {
		return s.returnItemFn(ctx, id, cmd)
	}
	return services.Order{}, services.OrderItem{}, errNotStubbed
}

func (s *stubOrderService) AdvanceStatus(ctx context.Context, cmd services.AdvanceStatusCommand) (services.Order, error) {
	if s.advanceFn != nil {
		return s.advanceFn(ctx, cmd)
	}
	return services.Order{}, errNotStubbed
}

func (s *stubOrderService) ApproveReturn(ctx context.Context, cmd services.ApproveReturnCommand) (services.Order, error) {
	if s.approveReturnFn != nil {
		return s.approveReturnFn(ctx, cmd)
	}
	return services.Order{}, errNotStubbed
}

func (s *stubOrderService) CancelExpired(context.Context, string) (services.Order, error) {
	return services.Order{}, errNotStubbed
}

func (s *stubOrderService) RetryRestock(context.Context, string) (int, error) {
	return 0, errNotStubbed
}

type stubWalletService struct {
	wallet  services.Wallet
	page    domain.CursorPage[services.WalletTransaction]
	pager   services.Pagination
	report  services.WalletMigrationReport
	err     error
	lastUID string
}

func (s *stubWalletService) Balance(_ context.Context, userID string) (services.Wallet, error) {
	s.lastUID = userID
	return s.wallet, s.err
}

func (s *stubWalletService) Credit(context.Context, services.WalletEntryCommand) (services.WalletResult, error) {
	return services.WalletResult{}, errNotStubbed
}

func (s *stubWalletService) Debit(context.Context, services.WalletEntryCommand) (services.WalletResult, error) {
	return services.WalletResult{}, errNotStubbed
}

func (s *stubWalletService) ListTransactions(_ context.Context, _ string, pager services.Pagination) (domain.CursorPage[services.WalletTransaction], error) {
	s.pager = pager
	return s.page, s.err
}

func (s *stubWalletService) MigrateLegacyWallets(context.Context) (services.WalletMigrationReport, error) {
	return s.report, s.err
}

type stubTopUpService struct {
	initiateFn func(context.Context, services.Identity, int64) (services.TopUpInitiation, error)
	verifyFn   func(context.Context, services.Identity, services.VerifyTopUpCommand) (services.WalletResult, error)
	webhookFn  func(context.Context, services.TopUpWebhookCommand) (services.WalletResult, error)
}

func (s *stubTopUpService) Initiate(ctx context.Context, id services.Identity, amount int64) (services.TopUpInitiation, error) {
	if s.initiateFn != nil {
		return s.initiateFn(ctx, id, amount)
	}
	return services.TopUpInitiation{}, errNotStubbed
}

func (s *stubTopUpService) Verify(ctx context.Context, id services.Identity, cmd services.VerifyTopUpCommand) (services.WalletResult, error) {
	if s.verifyFn != nil {
		return s.verifyFn(ctx, id, cmd)
	}
	return services.WalletResult{}, errNotStubbed
}

func (s *stubTopUpService) ConfirmFromWebhook(ctx context.Context, cmd services.TopUpWebhookCommand) (services.WalletResult, error) {
	if s.webhookFn != nil {
		return s.webhookFn(ctx, cmd)
	}
	return services.WalletResult{}, errNotStubbed
}

type stubScheduler struct {
	report services.SweepReport
	err    error
	sweeps int
}

func (s *stubScheduler) Run(context.Context) error { return nil }

func (s *stubScheduler) Sweep(context.Context) (services.SweepReport, error) {
	s.sweeps++
	return s.report, s.err
}

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

var (
	_ services.CartService      = (*stubCartService)(nil)
	_ services.CheckoutService  = (*stubCheckoutService)(nil)
	_ services.OrderService     = (*stubOrderService)(nil)
	_ services.WalletService    = (*stubWalletService)(nil)
	_ services.TopUpService     = (*stubTopUpService)(nil)
	_ services.CleanupScheduler = (*stubScheduler)(nil)
	_ services.SystemService    = (*stubSystemService)(nil)
)

// serve mounts routes under prefix and performs a single request as identity (nil for anonymous).
func serve(t *testing.T, prefix string, routes RouteRegistrar, identity *auth.Identity, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	router.Route(prefix, routes)

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if identity != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return body
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) map[string]any {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
	return decodeBody(t, rr)
}

func moneyAmount(t *testing.T, value any) float64 {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected money object, got %#v", value)
	}
	if display, _ := m["display"].(string); display == "" {
		t.Fatalf("expected a display string in %#v", m)
	}
	amount, _ := m["amount"].(float64)
	return amount
}
