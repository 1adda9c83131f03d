package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeGatewayConfig configures the StripeTopUpGateway.
type StripeGatewayConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time

	intents stripePaymentIntentAPI
}

// StripeTopUpGateway collects wallet top-ups through Stripe PaymentIntents.
type StripeTopUpGateway struct {
	intents stripePaymentIntentAPI
	account string
	clock   func() time.Time
	logger  StripeLogger
}

var _ TopUpGateway = (*StripeTopUpGateway)(nil)

// NewStripeTopUpGateway constructs the gateway using the given configuration.
func NewStripeTopUpGateway(cfg StripeGatewayConfig) (*StripeTopUpGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	intents := cfg.intents
	if intents == nil {
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		intents = client.New(apiKey, cfg.Backends).PaymentIntents
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeTopUpGateway{
		intents: intents,
		account: strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateTopUpOrder creates a PaymentIntent whose id becomes the provider order id.
func (g *StripeTopUpGateway) CreateTopUpOrder(ctx context.Context, req TopUpOrderRequest) (TopUpOrder, error) {
	if g == nil {
		return TopUpOrder{}, errors.New("stripe: gateway is nil")
	}
	userID := strings.TrimSpace(req.UserID)
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if userID == "" || currency == "" || req.Amount <= 0 {
		return TopUpOrder{}, fmt.Errorf("%w: user, currency and positive amount are required", ErrInvalidTopUpRequest)
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if desc := strings.TrimSpace(req.Description); desc != "" {
		params.Description = stripe.String(desc)
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	params.Metadata = map[string]string{"userId": userID, "purpose": "wallet_topup"}
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}

	intent, err := g.intents.New(params)
	if err != nil {
		return TopUpOrder{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	g.logger(ctx, "payments.stripe.topup.created", map[string]any{
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
		"currency":      intent.Currency,
	})

	createdAt := g.clock()
	if intent.Created != 0 {
		createdAt = time.Unix(intent.Created, 0).UTC()
	}
	return TopUpOrder{
		ProviderOrderID: intent.ID,
		Provider:        "stripe",
		ClientSecret:    intent.ClientSecret,
		Amount:          intent.Amount,
		Currency:        strings.ToUpper(string(intent.Currency)),
		CreatedAt:       createdAt,
	}, nil
}

// LookupPayment retrieves a PaymentIntent and normalises its state.
func (g *StripeTopUpGateway) LookupPayment(ctx context.Context, providerOrderID string) (PaymentDetails, error) {
	if g == nil {
		return PaymentDetails{}, errors.New("stripe: gateway is nil")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	intent, err := g.intents.Get(strings.TrimSpace(providerOrderID), params)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	return stripePaymentDetails(intent), nil
}

func stripePaymentDetails(intent *stripe.PaymentIntent) PaymentDetails {
	if intent == nil {
		return PaymentDetails{}
	}

	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = StatusFailed
	}

	paymentID := ""
	if charge := intent.LatestCharge; charge != nil {
		paymentID = charge.ID
		if charge.Refunded && charge.AmountRefunded >= charge.Amount && charge.Amount > 0 {
			status = StatusRefunded
		}
	}

	return PaymentDetails{
		Provider:  "stripe",
		IntentID:  intent.ID,
		PaymentID: paymentID,
		Status:    status,
		Amount:    intent.Amount,
		Currency:  strings.ToUpper(string(intent.Currency)),
		Metadata:  intent.Metadata,
	}
}
