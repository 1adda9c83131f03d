package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kirana-mart/api/internal/services"
)

func TestWriteServiceErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{services.ErrIdentityRequired, http.StatusUnauthorized, "unauthenticated"},
		{services.ErrIdentityBlocked, http.StatusForbidden, "user_blocked"},
		{services.ErrOrderConflict, http.StatusConflict, "conflict"},
		{services.ErrWalletConflict, http.StatusConflict, "conflict"},
		{services.ErrInventoryUnavailable, http.StatusServiceUnavailable, "service_unavailable"},
		{services.ErrCheckoutUnavailable, http.StatusServiceUnavailable, "service_unavailable"},
		{services.ErrTopUpUnavailable, http.StatusServiceUnavailable, "service_unavailable"},
		{services.ErrOrderItemNotFound, http.StatusNotFound, "not_found"},
		{services.ErrInventoryProductNotFound, http.StatusNotFound, "not_found"},
		{services.ErrOrderInvalidState, http.StatusBadRequest, "invalid_state"},
		{services.ErrWalletInsufficientBalance, http.StatusBadRequest, "insufficient_balance"},
		{services.ErrOrderInvalidInput, http.StatusBadRequest, "invalid_request"},
		{services.ErrPricingInvalidInput, http.StatusBadRequest, "invalid_request"},
		{services.ErrWalletInvalidInput, http.StatusBadRequest, "invalid_request"},
		{context.DeadlineExceeded, http.StatusServiceUnavailable, "service_unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeServiceError(context.Background(), rr, fmt.Errorf("outer: %w", tc.err))
			body := expectStatus(t, rr, tc.status)
			if body["error"] != tc.code || body["success"] != false {
				t.Fatalf("unexpected envelope %v", body)
			}
		})
	}
}

func TestWriteServiceErrorHidesInternalDetail(t *testing.T) {
	rr := httptest.NewRecorder()
	writeServiceError(context.Background(), rr, errors.New("firestore: rpc error: code = Internal"))
	body := expectStatus(t, rr, http.StatusInternalServerError)
	if body["message"] != "something went wrong, please try again" {
		t.Fatalf("internal detail leaked: %v", body["message"])
	}
}

func TestWriteServiceErrorKeepsStorageDetailOutOfBody(t *testing.T) {
	storage := errors.New("orders.get: rpc error: code = NotFound desc = projects/prod-123/databases/(default)/documents/orders/ord_x not found")
	cases := []struct {
		err     error
		status  int
		message string
	}{
		{fmt.Errorf("%w: %v", services.ErrOrderNotFound, storage), http.StatusNotFound, "order not found"},
		{fmt.Errorf("%w: %v", services.ErrCartItemNotFound, storage), http.StatusNotFound, "cart item not found"},
		{fmt.Errorf("%w: %v", services.ErrOrderConflict, storage), http.StatusConflict, "the resource changed while processing the request, please retry"},
		{fmt.Errorf("%w: %v", services.ErrWalletUnavailable, storage), http.StatusServiceUnavailable, "temporarily unavailable, please retry"},
	}
	for _, tc := range cases {
		t.Run(tc.message, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeServiceError(context.Background(), rr, tc.err)
			raw := rr.Body.String()
			body := expectStatus(t, rr, tc.status)
			if body["message"] != tc.message {
				t.Fatalf("message = %v, want %q", body["message"], tc.message)
			}
			for _, leak := range []string{"rpc error", "documents/", "prod-123"} {
				if strings.Contains(raw, leak) {
					t.Fatalf("response leaked %q: %s", leak, raw)
				}
			}
		})
	}
}

func TestPublicMessage(t *testing.T) {
	cases := map[string]string{
		"order: not found":                  "not found",
		"cart: invalid input: quantity < 1": "invalid input: quantity < 1",
		"quantity must be positive":         "quantity must be positive",
		"two words: stays intact":           "two words: stays intact",
	}
	for in, want := range cases {
		if got := publicMessage(errors.New(in)); got != want {
			t.Fatalf("publicMessage(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMoneyFormatter(t *testing.T) {
	inr := newMoneyFormatter("INR")
	got := inr.format("en-IN", 123456)
	if got.Amount != 123456 || got.Currency != "INR" {
		t.Fatalf("unexpected payload %#v", got)
	}
	if got.Display == "" {
		t.Fatalf("expected display text")
	}

	fallback := newMoneyFormatter("not-a-currency")
	if fallback.format("", 100).Currency != defaultCurrency {
		t.Fatalf("expected fallback currency")
	}

	jpy := newMoneyFormatter("JPY")
	if jpy.exp != 0 {
		t.Fatalf("expected zero-decimal currency, got exponent %d", jpy.exp)
	}
}

func TestSimpleRateLimiterWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := newSimpleRateLimiter(2, time.Minute, func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if ok, _ := limiter.Allow("user:1"); !ok {
			t.Fatalf("call %d should pass", i)
		}
	}
	ok, retry := limiter.Allow("user:1")
	if ok || retry != time.Minute {
		t.Fatalf("expected refusal with a full window, got %v %v", ok, retry)
	}
	if ok, _ := limiter.Allow("user:2"); !ok {
		t.Fatalf("keys must be independent")
	}

	now = now.Add(time.Minute)
	if ok, _ := limiter.Allow("user:1"); !ok {
		t.Fatalf("window should reset")
	}

	if newSimpleRateLimiter(0, time.Minute, nil) != nil {
		t.Fatalf("zero limit disables limiting")
	}
}
