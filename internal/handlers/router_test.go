package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/go-chi/chi/v5"

	domain "github.com/kirana-mart/api/internal/domain"
	"github.com/kirana-mart/api/internal/platform/auth"
	"github.com/kirana-mart/api/internal/platform/idempotency"
	"github.com/kirana-mart/api/internal/services"
)

// tokenVerifier resolves bearer tokens from a fixed table.
type tokenVerifier map[string]*firebaseauth.Token

func (v tokenVerifier) VerifyIDToken(_ context.Context, token string) (*firebaseauth.Token, error) {
	if tok, ok := v[token]; ok {
		return tok, nil
	}
	return nil, errors.New("token rejected")
}

var testTokens = tokenVerifier{
	"shopper": {UID: "user-1", Claims: map[string]any{"name": "Asha"}},
	"staff":   {UID: "staff-1", Claims: map[string]any{"role": "staff"}},
}

func doRequest(router http.Handler, method, target, token, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestNewRouterHealthEndpoints(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	health := NewHealthHandlers(
		WithHealthSystemService(&stubSystemService{report: services.SystemHealthReport{
			Status: domain.HealthStatusOK,
			Checks: map[string]domain.SystemHealthCheck{"firestore": {Status: domain.HealthStatusOK}},
		}}),
		WithHealthClock(func() time.Time { return now }),
	)
	router := NewRouter(WithHealthHandlers(health))

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := doRequest(router, http.MethodGet, path, "", "", nil)
		body := expectStatus(t, rr, http.StatusOK)
		if body["status"] != "ok" {
			t.Fatalf("%s: unexpected body %v", path, body)
		}
	}
}

func TestNewRouterUnconfiguredGroupsReturnNotImplemented(t *testing.T) {
	router := NewRouter()

	for _, path := range []string{"/api/v1/cart", "/api/v1/orders/ord_1", "/api/v1/admin/orders/x:advance", "/api/v1/webhooks/payments/topup"} {
		rr := doRequest(router, http.MethodPost, path, "", "", nil)
		body := expectStatus(t, rr, http.StatusNotImplemented)
		if body["error"] != "not_implemented" {
			t.Fatalf("%s: unexpected body %v", path, body)
		}
	}

	rr := doRequest(router, http.MethodGet, "/nope", "", "", nil)
	body := expectStatus(t, rr, http.StatusNotFound)
	if body["error"] != errorNotFoundCode {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestNewRouterRequiresAuthentication(t *testing.T) {
	carts := &stubCartService{
		viewFn: func(_ context.Context, id services.Identity) (services.CartView, error) {
			return services.CartView{Cart: services.Cart{UserID: id.UserID}}, nil
		},
	}
	router := NewRouter(
		WithAuthenticator(auth.NewAuthenticator(testTokens, auth.WithDefaultLocale("en-IN"))),
		WithCartRoutes(NewCartHandlers(carts, "INR").Routes),
	)

	rr := doRequest(router, http.MethodGet, "/api/v1/cart", "", "", nil)
	expectStatus(t, rr, http.StatusUnauthorized)

	rr = doRequest(router, http.MethodGet, "/api/v1/cart", "forged", "", nil)
	expectStatus(t, rr, http.StatusUnauthorized)

	rr = doRequest(router, http.MethodGet, "/api/v1/cart", "shopper", "", nil)
	expectStatus(t, rr, http.StatusOK)
}

func TestNewRouterAdminRequiresStaffRole(t *testing.T) {
	orders := &stubOrderService{
		advanceFn: func(_ context.Context, cmd services.AdvanceStatusCommand) (services.Order, error) {
			return services.Order{ID: cmd.OrderID, Status: cmd.TargetStatus}, nil
		},
	}
	router := NewRouter(
		WithAuthenticator(auth.NewAuthenticator(testTokens)),
		WithAdminRoutes(NewAdminOrderHandlers(orders).Routes),
	)

	rr := doRequest(router, http.MethodPost, "/api/v1/admin/orders/ord_1:advance", "shopper", `{"status":"processing"}`, nil)
	body := expectStatus(t, rr, http.StatusForbidden)
	if body["error"] != "insufficient_role" {
		t.Fatalf("unexpected body %v", body)
	}

	rr = doRequest(router, http.MethodPost, "/api/v1/admin/orders/ord_1:advance", "staff", `{"status":"processing"}`, nil)
	body = expectStatus(t, rr, http.StatusOK)
	if body["newStatus"] != "processing" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestNewRouterReplaysIdempotentCheckout(t *testing.T) {
	placed := 0
	checkout := &stubCheckoutService{
		placeFn: func(context.Context, services.Identity, services.PlaceOrderCommand) (services.Order, error) {
			placed++
			return services.Order{ID: "ord_1"}, nil
		},
	}
	router := NewRouter(
		WithAuthenticator(auth.NewAuthenticator(testTokens)),
		WithIdempotency(idempotency.Middleware(idempotency.NewMemoryStore(), idempotency.Options{})),
		WithCheckoutRoutes(NewCheckoutHandlers(checkout, "INR", "").Routes),
	)
	headers := map[string]string{"Idempotency-Key": "place-1"}
	payload := `{"addressId":"addr-1","paymentMethod":"cod"}`

	first := doRequest(router, http.MethodPost, "/api/v1/checkout/place-order", "shopper", payload, headers)
	expectStatus(t, first, http.StatusSeeOther)
	second := doRequest(router, http.MethodPost, "/api/v1/checkout/place-order", "shopper", payload, headers)
	expectStatus(t, second, http.StatusSeeOther)

	if placed != 1 {
		t.Fatalf("expected a single placement, got %d", placed)
	}
	if second.Header().Get("Location") != first.Header().Get("Location") {
		t.Fatalf("replay should carry the original location")
	}

	rr := doRequest(router, http.MethodPost, "/api/v1/checkout/place-order", "shopper", `{"addressId":"addr-2","paymentMethod":"cod"}`, headers)
	expectStatus(t, rr, http.StatusUnprocessableEntity)
}

func TestNewRouterRateLimitsCheckout(t *testing.T) {
	checkout := &stubCheckoutService{
		placeFn: func(context.Context, services.Identity, services.PlaceOrderCommand) (services.Order, error) {
			return services.Order{ID: "ord_1"}, nil
		},
	}
	router := NewRouter(
		WithAuthenticator(auth.NewAuthenticator(testTokens)),
		WithOrderRateLimit(2, time.Minute),
		WithCheckoutRoutes(NewCheckoutHandlers(checkout, "INR", "").Routes),
	)
	payload := `{"addressId":"addr-1","paymentMethod":"cod"}`

	for i := 0; i < 2; i++ {
		rr := doRequest(router, http.MethodPost, "/api/v1/checkout/place-order", "shopper", payload, nil)
		expectStatus(t, rr, http.StatusSeeOther)
	}
	rr := doRequest(router, http.MethodPost, "/api/v1/checkout/place-order", "shopper", payload, nil)
	body := expectStatus(t, rr, http.StatusTooManyRequests)
	if body["error"] != "rate_limited" || rr.Header().Get("Retry-After") == "" {
		t.Fatalf("unexpected throttle response %v", body)
	}
}

func TestNewRouterSkipsNilGroupMiddleware(t *testing.T) {
	router := NewRouter(
		WithInternalMiddlewares(nil),
		WithInternalRoutes(func(r chi.Router) {
			r.Post("/ping", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
		}),
	)
	rr := doRequest(router, http.MethodPost, "/api/v1/internal/ping", "", "", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}
