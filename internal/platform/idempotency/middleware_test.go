package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kirana-mart/api/internal/platform/auth"
)

var testNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func placeOrderRequest(key, body, uid string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/place-order", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(defaultHeader, key)
	}
	if uid != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
	}
	return req
}

func countingHandler(calls *int, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		*calls++
		w.Header().Set("Location", "/api/v1/orders/ord_1")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"success":true,"orderId":"ord_1"}`))
	})
}

func newTestMiddleware(store Store) func(http.Handler) http.Handler {
	return Middleware(store, Options{Clock: func() time.Time { return testNow }})
}

func TestMiddlewareReplaysCompletedResponse(t *testing.T) {
	var calls int
	handler := newTestMiddleware(NewMemoryStore())(countingHandler(&calls, http.StatusSeeOther))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, placeOrderRequest("k-1", `{"addressId":"a"}`, "user-1"))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, placeOrderRequest("k-1", `{"addressId":"a"}`, "user-1"))

	if calls != 1 {
		t.Fatalf("expected a single execution, got %d", calls)
	}
	if second.Code != http.StatusSeeOther || second.Header().Get("Location") != "/api/v1/orders/ord_1" {
		t.Fatalf("unexpected replay %d %v", second.Code, second.Header())
	}
	if second.Header().Get(replayHeader) != "true" || second.Body.String() != first.Body.String() {
		t.Fatalf("expected replayed body with marker header")
	}
}

func TestMiddlewarePassesThroughWithoutKey(t *testing.T) {
	var calls int
	handler := newTestMiddleware(NewMemoryStore())(countingHandler(&calls, http.StatusOK))
	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), placeOrderRequest("", `{}`, "user-1"))
	}
	get := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	get.Header.Set(defaultHeader, "k")
	handler.ServeHTTP(httptest.NewRecorder(), get)
	handler.ServeHTTP(httptest.NewRecorder(), get)
	if calls != 4 {
		t.Fatalf("expected every request to run, got %d", calls)
	}
}

func TestMiddlewareScopesKeysPerCaller(t *testing.T) {
	var calls int
	handler := newTestMiddleware(NewMemoryStore())(countingHandler(&calls, http.StatusOK))
	handler.ServeHTTP(httptest.NewRecorder(), placeOrderRequest("shared", `{}`, "user-1"))
	handler.ServeHTTP(httptest.NewRecorder(), placeOrderRequest("shared", `{}`, "user-2"))
	if calls != 2 {
		t.Fatalf("keys must not collide across users, got %d calls", calls)
	}
}

func TestMiddlewareRejectsReusedKey(t *testing.T) {
	var calls int
	handler := newTestMiddleware(NewMemoryStore())(countingHandler(&calls, http.StatusOK))
	handler.ServeHTTP(httptest.NewRecorder(), placeOrderRequest("k", `{"quantity":1}`, "user-1"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, placeOrderRequest("k", `{"quantity":2}`, "user-1"))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	assertErrorCode(t, rec.Body.Bytes(), "idempotency_key_reused")
}

func TestMiddlewareInFlightConflict(t *testing.T) {
	store := NewMemoryStore()
	req := placeOrderRequest("k", `{}`, "user-1")
	fingerprint := fingerprintOf(req, []byte(`{}`))
	if _, _, err := store.Claim(context.Background(), "user:user-1|k", fingerprint, testNow, time.Hour); err != nil {
		t.Fatalf("seed claim: %v", err)
	}
	var calls int
	rec := httptest.NewRecorder()
	newTestMiddleware(store)(countingHandler(&calls, http.StatusOK)).ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict || calls != 0 {
		t.Fatalf("expected 409 without execution, got %d (%d calls)", rec.Code, calls)
	}
	assertErrorCode(t, rec.Body.Bytes(), "idempotency_in_progress")
}

func TestMiddlewareDoesNotCacheServerErrors(t *testing.T) {
	var calls int
	handler := newTestMiddleware(NewMemoryStore())(countingHandler(&calls, http.StatusServiceUnavailable))
	handler.ServeHTTP(httptest.NewRecorder(), placeOrderRequest("k", `{}`, "user-1"))
	handler.ServeHTTP(httptest.NewRecorder(), placeOrderRequest("k", `{}`, "user-1"))
	if calls != 2 {
		t.Fatalf("expected a retry after a server error, got %d calls", calls)
	}
}

func TestMiddlewareStoreFailure(t *testing.T) {
	store := &failingStore{claimErr: errors.New("firestore down")}
	var calls int
	rec := httptest.NewRecorder()
	newTestMiddleware(store)(countingHandler(&calls, http.StatusOK)).ServeHTTP(rec, placeOrderRequest("k", `{}`, "user-1"))
	if rec.Code != http.StatusServiceUnavailable || calls != 0 {
		t.Fatalf("expected 503 without execution, got %d", rec.Code)
	}

	store = &failingStore{completeErr: errors.New("write failed")}
	rec = httptest.NewRecorder()
	newTestMiddleware(store)(countingHandler(&calls, http.StatusOK)).ServeHTTP(rec, placeOrderRequest("k", `{}`, "user-1"))
	if rec.Code != http.StatusOK || !store.released {
		t.Fatalf("expected the response to be delivered and the claim released, got %d released=%v", rec.Code, store.released)
	}
}

func TestMemoryStoreDeleteExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _, _ = store.Claim(ctx, "a", "f", testNow, time.Minute)
	_ = store.Complete(ctx, "b", "f", Response{Status: 200}, testNow, time.Hour)

	removed, err := store.DeleteExpired(ctx, testNow.Add(2*time.Minute), 10)
	if err != nil || removed != 1 {
		t.Fatalf("expected one expired record removed, got %d %v", removed, err)
	}
	outcome, resp, err := store.Claim(ctx, "b", "f", testNow.Add(2*time.Minute), time.Hour)
	if err != nil || outcome != OutcomeReplay || resp.Status != 200 {
		t.Fatalf("expected completed record to survive, got %v %v", outcome, err)
	}
}

type failingStore struct {
	claimErr    error
	completeErr error
	released    bool
}

func (s *failingStore) Claim(context.Context, string, string, time.Time, time.Duration) (Outcome, Response, error) {
	return OutcomeClaimed, Response{}, s.claimErr
}

func (s *failingStore) Complete(context.Context, string, string, Response, time.Time, time.Duration) error {
	return s.completeErr
}

func (s *failingStore) Release(context.Context, string) error {
	s.released = true
	return nil
}

func (s *failingStore) DeleteExpired(context.Context, time.Time, int) (int, error) { return 0, nil }

func assertErrorCode(t *testing.T, payload []byte, want string) {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if body.Error != want {
		t.Fatalf("expected error %s, got %s", want, body.Error)
	}
}
