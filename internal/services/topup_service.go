package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/kirana-mart/api/internal/domain"
	"github.com/kirana-mart/api/internal/payments"
	"github.com/kirana-mart/api/internal/repositories"
)

var (
	// ErrTopUpInvalidInput indicates a malformed top-up request.
	ErrTopUpInvalidInput = errors.New("topup: invalid input")
	// ErrTopUpNotFound indicates the provider order is unknown to the caller.
	ErrTopUpNotFound = errors.New("topup: not found")
	// ErrPaymentVerification indicates the payment proof did not check out.
	ErrPaymentVerification = errors.New("topup: payment verification failed")
	// ErrTopUpUnavailable indicates the provider or the store could not be reached.
	ErrTopUpUnavailable = errors.New("topup: unavailable")
)

const (
	walletReasonTopUp    = "wallet top-up"
	defaultMinimumTopUp  = int64(10000)
	topUpDescription     = "Wallet top-up"
	topUpIdempotencyBase = "topup-init:"
)

// TopUpServiceDeps wires the payment gateway and the wallet ledger for top-ups.
type TopUpServiceDeps struct {
	TopUps         repositories.TopUpRepository
	Gateway        payments.TopUpGateway
	Wallet         WalletService
	SigningSecret  string
	PublishableKey string
	Currency       string
	MinimumAmount  int64
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type topUpService struct {
	topUps         repositories.TopUpRepository
	gateway        payments.TopUpGateway
	wallet         WalletService
	secret         string
	publishableKey string
	currency       string
	minimum        int64
	now            func() time.Time
	newID          func() string
	logger         func(ctx context.Context, event string, fields map[string]any)
}

// NewTopUpService validates dependencies and returns the wallet top-up flow.
func NewTopUpService(deps TopUpServiceDeps) (TopUpService, error) {
	if deps.TopUps == nil {
		return nil, errors.New("topup service: top-up repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("topup service: payment gateway is required")
	}
	if deps.Wallet == nil {
		return nil, errors.New("topup service: wallet service is required")
	}
	if strings.TrimSpace(deps.SigningSecret) == "" {
		return nil, errors.New("topup service: signing secret is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultWalletCurrency
	}
	minimum := deps.MinimumAmount
	if minimum <= 0 {
		minimum = defaultMinimumTopUp
	}
	return &topUpService{
		topUps:         deps.TopUps,
		gateway:        deps.Gateway,
		wallet:         deps.Wallet,
		secret:         deps.SigningSecret,
		publishableKey: strings.TrimSpace(deps.PublishableKey),
		currency:       currency,
		minimum:        minimum,
		now:            func() time.Time { return clock().UTC() },
		newID:          idGen,
		logger:         logger,
	}, nil
}

// Initiate creates a provider order and records it so the later verification can be matched.
func (s *topUpService) Initiate(ctx context.Context, identity Identity, amount int64) (TopUpInitiation, error) {
	uid, err := identity.validate()
	if err != nil {
		return TopUpInitiation{}, err
	}
	if amount < s.minimum {
		return TopUpInitiation{}, fmt.Errorf("%w: minimum top-up is %d", ErrTopUpInvalidInput, s.minimum)
	}

	order, err := s.gateway.CreateTopUpOrder(ctx, payments.TopUpOrderRequest{
		UserID:         uid,
		Amount:         amount,
		Currency:       s.currency,
		Description:    topUpDescription,
		IdempotencyKey: topUpIdempotencyBase + uid + ":" + s.newID(),
		Metadata:       map[string]string{"userId": uid, "purpose": "wallet_topup"},
	})
	if err != nil {
		if errors.Is(err, payments.ErrInvalidTopUpRequest) {
			return TopUpInitiation{}, fmt.Errorf("%w: %v", ErrTopUpInvalidInput, err)
		}
		return TopUpInitiation{}, storageFailure(ctx, s.logger, "topup.gateway.failed", ErrTopUpUnavailable, "", err)
	}

	record := TopUp{
		ProviderOrderID: order.ProviderOrderID,
		UserID:          uid,
		Amount:          amount,
		Currency:        s.currency,
		Status:          domain.TopUpStatusInitiated,
		CreatedAt:       s.now(),
	}
	if err := s.topUps.Create(ctx, record); err != nil {
		return TopUpInitiation{}, storageFailure(ctx, s.logger, "topup.repository.failed", ErrTopUpUnavailable, order.ProviderOrderID, err)
	}
	s.logger(ctx, "topup.initiated", map[string]any{
		"userId":          uid,
		"providerOrderId": order.ProviderOrderID,
		"amount":          amount,
	})
	return TopUpInitiation{
		ProviderOrderID: order.ProviderOrderID,
		Amount:          amount,
		Currency:        s.currency,
		ClientSecret:    order.ClientSecret,
		PublishableKey:  s.publishableKey,
	}, nil
}

// Verify checks the client's signed payment proof and credits the wallet exactly once.
func (s *topUpService) Verify(ctx context.Context, identity Identity, cmd VerifyTopUpCommand) (WalletResult, error) {
	uid, err := identity.validate()
	if err != nil {
		return WalletResult{}, err
	}
	orderID := strings.TrimSpace(cmd.ProviderOrderID)
	paymentID := strings.TrimSpace(cmd.PaymentID)
	if orderID == "" || paymentID == "" || strings.TrimSpace(cmd.Signature) == "" {
		return WalletResult{}, fmt.Errorf("%w: provider order id, payment id and signature are required", ErrTopUpInvalidInput)
	}
	if !payments.VerifyTopUpSignature(s.secret, orderID, paymentID, cmd.Signature) {
		s.logger(ctx, "topup.verify.signature_mismatch", map[string]any{"userId": uid, "providerOrderId": orderID})
		return WalletResult{}, fmt.Errorf("%w: signature mismatch", ErrPaymentVerification)
	}

	record, err := s.load(ctx, orderID)
	if err != nil {
		return WalletResult{}, err
	}
	if record.UserID != uid {
		return WalletResult{}, fmt.Errorf("%w: %s", ErrTopUpNotFound, orderID)
	}
	if cmd.Amount <= 0 || cmd.Amount != record.Amount {
		return WalletResult{}, fmt.Errorf("%w: amount does not match the initiated top-up", ErrPaymentVerification)
	}
	return s.credit(ctx, record, paymentID)
}

// ConfirmFromWebhook credits a top-up the provider reported as paid. Failed payments are ignored.
func (s *topUpService) ConfirmFromWebhook(ctx context.Context, cmd TopUpWebhookCommand) (WalletResult, error) {
	orderID := strings.TrimSpace(cmd.ProviderOrderID)
	paymentID := strings.TrimSpace(cmd.PaymentID)
	if orderID == "" || paymentID == "" {
		return WalletResult{}, fmt.Errorf("%w: provider order id and payment id are required", ErrTopUpInvalidInput)
	}
	if !cmd.Succeeded {
		s.logger(ctx, "topup.webhook.ignored", map[string]any{"providerOrderId": orderID, "paymentId": paymentID})
		return WalletResult{}, nil
	}
	record, err := s.load(ctx, orderID)
	if err != nil {
		return WalletResult{}, err
	}
	if cmd.Amount != 0 && cmd.Amount != record.Amount {
		return WalletResult{}, fmt.Errorf("%w: webhook amount %d does not match %d", ErrPaymentVerification, cmd.Amount, record.Amount)
	}
	return s.credit(ctx, record, paymentID)
}

func (s *topUpService) credit(ctx context.Context, record TopUp, paymentID string) (WalletResult, error) {
	result, err := s.wallet.Credit(ctx, WalletEntryCommand{
		UserID:         record.UserID,
		Amount:         record.Amount,
		Reason:         walletReasonTopUp,
		IdempotencyKey: "topup:" + paymentID,
	})
	if err != nil {
		return WalletResult{}, err
	}
	if record.Status != domain.TopUpStatusCredited {
		if err := s.topUps.MarkCredited(ctx, record.ProviderOrderID, paymentID, s.now()); err != nil {
			s.logger(ctx, "topup.mark_credited.failed", map[string]any{
				"providerOrderId": record.ProviderOrderID,
				"error":           err.Error(),
			})
		}
	}
	if !result.Duplicate {
		s.logger(ctx, "topup.credited", map[string]any{
			"userId":          record.UserID,
			"providerOrderId": record.ProviderOrderID,
			"paymentId":       paymentID,
			"amount":          record.Amount,
			"balance":         result.Wallet.Balance,
		})
	}
	return result, nil
}

func (s *topUpService) load(ctx context.Context, providerOrderID string) (TopUp, error) {
	record, err := s.topUps.Get(ctx, providerOrderID)
	if err != nil {
		if isRepoNotFound(err) {
			return TopUp{}, fmt.Errorf("%w: %s", ErrTopUpNotFound, providerOrderID)
		}
		return TopUp{}, storageFailure(ctx, s.logger, "topup.repository.failed", ErrTopUpUnavailable, providerOrderID, err)
	}
	return record, nil
}
