package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/kirana-mart/api/internal/platform/httpx"
	"github.com/kirana-mart/api/internal/platform/requestctx"
	"github.com/kirana-mart/api/internal/services"
)

var (
	errInvalidPageSize  = errors.New("pageSize must be a positive integer")
	errInvalidPageToken = errors.New("pageToken is not valid")
)

type errorRule struct {
	targets []error
	code    string
	status  int
	// message replaces the wrapped detail when set.
	message string
	// bare reports only the matched sentinel; whatever it wraps stays in the logs.
	bare bool
}

// errorRules is evaluated in order; the first rule whose target matches wins.
var errorRules = []errorRule{
	{targets: []error{services.ErrIdentityRequired}, code: "unauthenticated", status: http.StatusUnauthorized},
	{targets: []error{services.ErrIdentityBlocked}, code: "user_blocked", status: http.StatusForbidden},

	{
		targets: []error{services.ErrOrderConflict, services.ErrCartConflict, services.ErrWalletConflict},
		code:    "conflict",
		status:  http.StatusConflict,
		message: "the resource changed while processing the request, please retry",
	},

	{
		targets: []error{
			services.ErrCartUnavailable,
			services.ErrCheckoutUnavailable,
			services.ErrInventoryUnavailable,
			services.ErrOrderUnavailable,
			services.ErrWalletUnavailable,
			services.ErrTopUpUnavailable,
		},
		code:    "service_unavailable",
		status:  http.StatusServiceUnavailable,
		message: "temporarily unavailable, please retry",
	},

	{
		targets: []error{
			services.ErrOrderNotFound,
			services.ErrOrderItemNotFound,
			services.ErrCartItemNotFound,
			services.ErrInventoryProductNotFound,
			services.ErrCheckoutAddressNotFound,
			services.ErrTopUpNotFound,
		},
		code:   "not_found",
		status: http.StatusNotFound,
		bare:   true,
	},

	{targets: []error{services.ErrOrderInvalidState, services.ErrOrderAlreadyCancelled, services.ErrOrderReturnAlreadyRequested}, code: "invalid_state", status: http.StatusBadRequest},
	{targets: []error{services.ErrCartInsufficientStock, services.ErrInventoryInsufficientStock}, code: "insufficient_stock", status: http.StatusBadRequest},
	{targets: []error{services.ErrWalletInsufficientBalance}, code: "insufficient_balance", status: http.StatusBadRequest},
	{targets: []error{services.ErrPaymentVerification}, code: "payment_verification_failed", status: http.StatusBadRequest},

	{targets: []error{
		services.ErrCartInvalidInput,
		services.ErrCartProductUnavailable,
		services.ErrCartQuantityCapExceeded,
		services.ErrCartMinimumQuantity,
		services.ErrCheckoutInvalidInput,
		services.ErrCheckoutCartEmpty,
		services.ErrCheckoutOutOfStock,
		services.ErrCheckoutNoDeliveryAddress,
		services.ErrCheckoutPaymentMethodNotAllowed,
		services.ErrInventoryInvalidInput,
		services.ErrOrderInvalidInput,
		services.ErrWalletInvalidInput,
		services.ErrTopUpInvalidInput,
		services.ErrPricingInvalidInput,
	}, code: "invalid_request", status: http.StatusBadRequest},
}

// writeServiceError translates a service error into the JSON failure envelope. Unknown errors
// become a generic 500 and the cause is logged against the request.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	for _, rule := range errorRules {
		for _, target := range rule.targets {
			if !errors.Is(err, target) {
				continue
			}
			var msg string
			switch {
			case rule.message != "":
				msg = rule.message
			case rule.bare:
				msg = sentinelMessage(target)
			default:
				msg = publicMessage(err)
			}
			if rule.message != "" || rule.bare {
				requestctx.Logger(ctx).Warn("service error", zap.String("code", rule.code), zap.Error(err))
			}
			httpx.WriteError(ctx, w, httpx.NewError(rule.code, msg, rule.status))
			return
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "request timed out", http.StatusServiceUnavailable))
		return
	}
	requestctx.Logger(ctx).Error("unhandled service error", zap.Error(err))
	httpx.WriteError(ctx, w, httpx.NewError("internal_error", "something went wrong, please try again", http.StatusInternalServerError))
}

// publicMessage strips the "<domain>: " prefix of the innermost sentinel so that the wrapped
// detail reads naturally, e.g. "cart: insufficient stock: only 2 left" becomes
// "insufficient stock: only 2 left".
func publicMessage(err error) string {
	msg := err.Error()
	if prefix, rest, ok := strings.Cut(msg, ": "); ok && !strings.Contains(prefix, " ") {
		msg = rest
	}
	return msg
}

// sentinelMessage renders "order: item not found" as "order item not found".
func sentinelMessage(target error) string {
	return strings.Replace(target.Error(), ": ", " ", 1)
}

func writeServiceUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", name+" service is unavailable", http.StatusServiceUnavailable))
}
