package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/kirana-mart/api/internal/domain"
)

// ErrPricingInvalidInput signals a malformed pricing policy or line.
var ErrPricingInvalidInput = errors.New("pricing: invalid input")

const (
	defaultPricingCurrency       = "INR"
	defaultTaxRate               = "0.18"
	defaultFreeShippingThreshold = int64(100000)
	defaultFlatShipping          = int64(7900)
	defaultCODLimit              = int64(200000)
)

// DiscountHook returns the discount applied to a priced set of lines. No coupon logic exists yet.
type DiscountHook func(ctx context.Context, userID string, lines []QuoteLine, subtotal int64) int64

// PricingPolicy holds the checkout pricing constants. Money values are minor units.
type PricingPolicy struct {
	Currency              string
	TaxRate               decimal.Decimal
	FreeShippingThreshold int64
	FlatShipping          int64
	CODLimit              int64
}

// DefaultPricingPolicy returns 18% tax, free shipping from 100000, flat 7900 below it and a COD limit of 200000.
func DefaultPricingPolicy() PricingPolicy {
	return PricingPolicy{
		Currency:              defaultPricingCurrency,
		TaxRate:               decimal.RequireFromString(defaultTaxRate),
		FreeShippingThreshold: defaultFreeShippingThreshold,
		FlatShipping:          defaultFlatShipping,
		CODLimit:              defaultCODLimit,
	}
}

// NewPricingPolicy parses a policy from configuration values.
func NewPricingPolicy(currency, taxRate string, freeShippingThreshold, flatShipping, codLimit int64) (PricingPolicy, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(taxRate))
	if err != nil {
		return PricingPolicy{}, fmt.Errorf("%w: tax rate %q: %v", ErrPricingInvalidInput, taxRate, err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return PricingPolicy{}, fmt.Errorf("%w: tax rate must be in [0,1)", ErrPricingInvalidInput)
	}
	if freeShippingThreshold < 0 || flatShipping < 0 || codLimit <= 0 {
		return PricingPolicy{}, fmt.Errorf("%w: shipping and cod limits must be non-negative", ErrPricingInvalidInput)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = defaultPricingCurrency
	}
	return PricingPolicy{
		Currency:              currency,
		TaxRate:               rate,
		FreeShippingThreshold: freeShippingThreshold,
		FlatShipping:          flatShipping,
		CODLimit:              codLimit,
	}, nil
}

// PricingEngine applies the pricing policy to quote lines.
type PricingEngine struct {
	policy   PricingPolicy
	discount DiscountHook
}

// NewPricingEngine constructs an engine. A nil discount hook yields no discount.
func NewPricingEngine(policy PricingPolicy, discount DiscountHook) *PricingEngine {
	if discount == nil {
		discount = func(context.Context, string, []QuoteLine, int64) int64 { return 0 }
	}
	return &PricingEngine{policy: policy, discount: discount}
}

// Policy returns the active pricing policy.
func (e *PricingEngine) Policy() PricingPolicy {
	return e.policy
}

// Price aggregates the lines. Total is Subtotal + Tax + Shipping - Discount.
func (e *PricingEngine) Price(ctx context.Context, userID string, lines []QuoteLine) PricingBreakdown {
	var subtotal int64
	for _, line := range lines {
		subtotal += line.LineTotal
	}
	tax := e.Tax(subtotal)
	shipping := e.Shipping(subtotal)
	discount := e.discount(ctx, userID, lines, subtotal)
	if discount < 0 {
		discount = 0
	}
	if limit := subtotal + tax + shipping; discount > limit {
		discount = limit
	}
	return PricingBreakdown{
		Currency: e.policy.Currency,
		Subtotal: subtotal,
		Tax:      tax,
		Shipping: shipping,
		Discount: discount,
		Total:    subtotal + tax + shipping - discount,
	}
}

// Tax rounds subtotal*rate half-up to a whole minor unit.
func (e *PricingEngine) Tax(subtotal int64) int64 {
	if subtotal <= 0 {
		return 0
	}
	return decimal.NewFromInt(subtotal).Mul(e.policy.TaxRate).Round(0).IntPart()
}

// Shipping is free at or above the threshold.
func (e *PricingEngine) Shipping(subtotal int64) int64 {
	if subtotal >= e.policy.FreeShippingThreshold {
		return 0
	}
	return e.policy.FlatShipping
}

// CheckPaymentMethod enforces method-specific limits on the final total.
func (e *PricingEngine) CheckPaymentMethod(method PaymentMethod, total int64) error {
	switch method {
	case domain.PaymentMethodCOD:
		if total > e.policy.CODLimit {
			return fmt.Errorf("%w: cash on delivery is limited to %d, order total is %d", ErrCheckoutPaymentMethodNotAllowed, e.policy.CODLimit, total)
		}
	case domain.PaymentMethodWallet, domain.PaymentMethodOnline:
	default:
		return fmt.Errorf("%w: unsupported payment method %q", ErrCheckoutInvalidInput, method)
	}
	return nil
}

func lineTotal(unitPrice int64, quantity int) int64 {
	return unitPrice * int64(quantity)
}
