package payments

import (
	"context"
	"errors"
	"time"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or PSP confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the PSP reports the payment as successfully captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the PSP reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the payment has been refunded (partially or fully).
	StatusRefunded Status = "refunded"
)

// ErrInvalidTopUpRequest is returned when a top-up order request is incomplete.
var ErrInvalidTopUpRequest = errors.New("payments: invalid top-up request")

// TopUpOrderRequest captures what the provider needs to collect a wallet top-up.
type TopUpOrderRequest struct {
	UserID         string
	Amount         int64
	Currency       string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// TopUpOrder is the provider-side order the client completes with its SDK.
type TopUpOrder struct {
	ProviderOrderID string
	Provider        string
	ClientSecret    string
	Amount          int64
	Currency        string
	CreatedAt       time.Time
}

// PaymentDetails normalises PSP specific fields for reconciliation.
type PaymentDetails struct {
	Provider  string
	IntentID  string
	PaymentID string
	Status    Status
	Amount    int64
	Currency  string
	Metadata  map[string]string
}

// TopUpGateway creates and inspects provider orders for wallet top-ups.
type TopUpGateway interface {
	CreateTopUpOrder(ctx context.Context, req TopUpOrderRequest) (TopUpOrder, error)
	LookupPayment(ctx context.Context, providerOrderID string) (PaymentDetails, error)
}
