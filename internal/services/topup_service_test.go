package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	domain "github.com/kirana-mart/api/internal/domain"
	"github.com/kirana-mart/api/internal/payments"
)

const topUpTestSecret = "whsec_test"

type stubTopUpGateway struct {
	requests []payments.TopUpOrderRequest
	err      error
}

func (s *stubTopUpGateway) CreateTopUpOrder(_ context.Context, req payments.TopUpOrderRequest) (payments.TopUpOrder, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return payments.TopUpOrder{}, s.err
	}
	return payments.TopUpOrder{
		ProviderOrderID: fmt.Sprintf("pi_%d", len(s.requests)),
		Provider:        "stripe",
		ClientSecret:    "secret_" + req.UserID,
		Amount:          req.Amount,
		Currency:        req.Currency,
	}, nil
}

func (s *stubTopUpGateway) LookupPayment(context.Context, string) (payments.PaymentDetails, error) {
	return payments.PaymentDetails{}, errors.New("not implemented")
}

type memTopUps struct {
	mu      sync.Mutex
	records map[string]domain.TopUp
	marked  int
}

func (m *memTopUps) Create(_ context.Context, topUp domain.TopUp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records == nil {
		m.records = map[string]domain.TopUp{}
	}
	m.records[topUp.ProviderOrderID] = topUp
	return nil
}

func (m *memTopUps) Get(_ context.Context, id string) (domain.TopUp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return domain.TopUp{}, notFoundErr("topup " + id)
	}
	return record, nil
}

func (m *memTopUps) MarkCredited(_ context.Context, id, paymentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record := m.records[id]
	record.Status = domain.TopUpStatusCredited
	record.PaymentID = paymentID
	record.CreditedAt = &at
	m.records[id] = record
	m.marked++
	return nil
}

type topUpFixture struct {
	svc     TopUpService
	gateway *stubTopUpGateway
	topUps  *memTopUps
	wallets *memWallets
}

func newTopUpFixture(t testing.TB) *topUpFixture {
	t.Helper()
	fx := &topUpFixture{gateway: &stubTopUpGateway{}, topUps: &memTopUps{}, wallets: newMemWallets()}
	clock := fixedClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	wallet, err := NewWalletService(WalletServiceDeps{Wallets: fx.wallets, Clock: clock})
	if err != nil {
		t.Fatalf("NewWalletService: %v", err)
	}
	fx.svc, err = NewTopUpService(TopUpServiceDeps{
		TopUps:         fx.topUps,
		Gateway:        fx.gateway,
		Wallet:         wallet,
		SigningSecret:  topUpTestSecret,
		PublishableKey: "pk_test",
		Clock:          clock,
		IDGenerator:    sequentialIDs("req-"),
	})
	if err != nil {
		t.Fatalf("NewTopUpService: %v", err)
	}
	return fx
}

func (fx *topUpFixture) initiate(t testing.TB, amount int64) TopUpInitiation {
	t.Helper()
	init, err := fx.svc.Initiate(context.Background(), shopper, amount)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	return init
}

func TestTopUpInitiateEnforcesMinimum(t *testing.T) {
	fx := newTopUpFixture(t)

	if _, err := fx.svc.Initiate(context.Background(), shopper, 9999); !errors.Is(err, ErrTopUpInvalidInput) {
		t.Fatalf("expected minimum to be enforced, got %v", err)
	}
	if len(fx.gateway.requests) != 0 {
		t.Fatalf("gateway must not be called for rejected amounts")
	}

	init := fx.initiate(t, 10000)
	if init.ProviderOrderID == "" || init.PublishableKey != "pk_test" || init.ClientSecret != "secret_user-1" {
		t.Fatalf("unexpected initiation %#v", init)
	}
	record := fx.topUps.records[init.ProviderOrderID]
	if record.UserID != "user-1" || record.Amount != 10000 || record.Status != domain.TopUpStatusInitiated {
		t.Fatalf("unexpected record %#v", record)
	}
}

func TestTopUpInitiateMapsGatewayErrors(t *testing.T) {
	fx := newTopUpFixture(t)
	fx.gateway.err = errors.New("provider down")
	if _, err := fx.svc.Initiate(context.Background(), shopper, 20000); !errors.Is(err, ErrTopUpUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	fx.gateway.err = payments.ErrInvalidTopUpRequest
	if _, err := fx.svc.Initiate(context.Background(), shopper, 20000); !errors.Is(err, ErrTopUpInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestTopUpVerifyCreditsOnce(t *testing.T) {
	fx := newTopUpFixture(t)
	ctx := context.Background()
	init := fx.initiate(t, 25000)
	cmd := VerifyTopUpCommand{
		ProviderOrderID: init.ProviderOrderID,
		PaymentID:       "pay_1",
		Signature:       payments.SignTopUp(topUpTestSecret, init.ProviderOrderID, "pay_1"),
		Amount:          25000,
	}

	result, err := fx.svc.Verify(ctx, shopper, cmd)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Wallet.Balance != 25000 || result.Transaction.Reason != walletReasonTopUp {
		t.Fatalf("unexpected result %#v", result)
	}
	if fx.topUps.records[init.ProviderOrderID].Status != domain.TopUpStatusCredited {
		t.Fatalf("expected record marked credited")
	}

	replay, err := fx.svc.Verify(ctx, shopper, cmd)
	if err != nil {
		t.Fatalf("Verify replay: %v", err)
	}
	if !replay.Duplicate || fx.wallets.balance("user-1") != 25000 {
		t.Fatalf("replay credited twice: %#v", replay)
	}
	if fx.topUps.marked != 1 {
		t.Fatalf("expected a single credited mark, got %d", fx.topUps.marked)
	}
}

func TestTopUpVerifyRejectsBadProof(t *testing.T) {
	fx := newTopUpFixture(t)
	ctx := context.Background()
	init := fx.initiate(t, 25000)
	valid := payments.SignTopUp(topUpTestSecret, init.ProviderOrderID, "pay_1")

	cases := []struct {
		name     string
		identity Identity
		cmd      VerifyTopUpCommand
		want     error
	}{
		{"tampered signature", shopper, VerifyTopUpCommand{ProviderOrderID: init.ProviderOrderID, PaymentID: "pay_1", Signature: "deadbeef", Amount: 25000}, ErrPaymentVerification},
		{"other payment id", shopper, VerifyTopUpCommand{ProviderOrderID: init.ProviderOrderID, PaymentID: "pay_2", Signature: valid, Amount: 25000}, ErrPaymentVerification},
		{"amount mismatch", shopper, VerifyTopUpCommand{ProviderOrderID: init.ProviderOrderID, PaymentID: "pay_1", Signature: valid, Amount: 99999}, ErrPaymentVerification},
		{"zero amount", shopper, VerifyTopUpCommand{ProviderOrderID: init.ProviderOrderID, PaymentID: "pay_1", Signature: valid}, ErrPaymentVerification},
		{"foreign user", Identity{UserID: "user-2"}, VerifyTopUpCommand{ProviderOrderID: init.ProviderOrderID, PaymentID: "pay_1", Signature: valid, Amount: 25000}, ErrTopUpNotFound},
		{"missing fields", shopper, VerifyTopUpCommand{ProviderOrderID: init.ProviderOrderID}, ErrTopUpInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := fx.svc.Verify(ctx, tc.identity, tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if fx.wallets.balance("user-1") != 0 || fx.wallets.balance("user-2") != 0 {
		t.Fatalf("rejected proofs must not credit")
	}
}

func TestTopUpWebhookAndVerifyShareIdempotency(t *testing.T) {
	fx := newTopUpFixture(t)
	ctx := context.Background()
	init := fx.initiate(t, 15000)

	ignored, err := fx.svc.ConfirmFromWebhook(ctx, TopUpWebhookCommand{ProviderOrderID: init.ProviderOrderID, PaymentID: "pay_1"})
	if err != nil || ignored.Transaction.ID != "" {
		t.Fatalf("failed payments should be ignored, got %#v %v", ignored, err)
	}
	if _, err := fx.svc.ConfirmFromWebhook(ctx, TopUpWebhookCommand{ProviderOrderID: init.ProviderOrderID, PaymentID: "pay_1", Amount: 1, Succeeded: true}); !errors.Is(err, ErrPaymentVerification) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}
	if _, err := fx.svc.ConfirmFromWebhook(ctx, TopUpWebhookCommand{ProviderOrderID: "pi_unknown", PaymentID: "pay_1", Succeeded: true}); !errors.Is(err, ErrTopUpNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if _, err := fx.svc.ConfirmFromWebhook(ctx, TopUpWebhookCommand{ProviderOrderID: init.ProviderOrderID, PaymentID: "pay_1", Amount: 15000, Succeeded: true}); err != nil {
		t.Fatalf("ConfirmFromWebhook: %v", err)
	}
	result, err := fx.svc.Verify(ctx, shopper, VerifyTopUpCommand{
		ProviderOrderID: init.ProviderOrderID,
		PaymentID:       "pay_1",
		Signature:       payments.SignTopUp(topUpTestSecret, init.ProviderOrderID, "pay_1"),
		Amount:          15000,
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Duplicate || fx.wallets.balance("user-1") != 15000 {
		t.Fatalf("expected the client verification to replay the webhook credit, got %#v", result)
	}
}
