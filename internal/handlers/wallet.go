package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kirana-mart/api/internal/platform/httpx"
	"github.com/kirana-mart/api/internal/services"
)

const maxWalletBodySize = 4 * 1024

// WalletHandlers exposes the caller's wallet, its ledger and the top-up flow.
type WalletHandlers struct {
	wallets services.WalletService
	topUps  services.TopUpService
}

// NewWalletHandlers constructs wallet handlers.
func NewWalletHandlers(wallets services.WalletService, topUps services.TopUpService) *WalletHandlers {
	return &WalletHandlers{wallets: wallets, topUps: topUps}
}

// Routes registers the /wallet endpoints.
func (h *WalletHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.getWallet)
	r.Get("/transactions", h.listTransactions)
	r.Post("/topup/initiate", h.initiateTopUp)
	r.Post("/topup/verify", h.verifyTopUp)
}

type initiateTopUpRequest struct {
	Amount int64 `json:"amount"`
}

type verifyTopUpRequest struct {
	ProviderOrderID string `json:"providerOrderId"`
	PaymentID       string `json:"paymentId"`
	Signature       string `json:"signature"`
	Amount          int64  `json:"amount"`
}

type walletTransactionPayload struct {
	ID             string       `json:"id"`
	Type           string       `json:"type"`
	Amount         moneyPayload `json:"amount"`
	BalanceAfter   moneyPayload `json:"balanceAfter"`
	Reason         string       `json:"reason"`
	RelatedOrderID string       `json:"relatedOrderId,omitempty"`
	CreatedAt      string       `json:"createdAt"`
}

func (h *WalletHandlers) getWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.wallets == nil {
		writeServiceUnavailable(ctx, w, "wallet")
		return
	}
	identity, ok := requireCaller(w, r)
	if !ok {
		return
	}
	wallet, err := h.wallets.Balance(ctx, identity.UserID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"balance":   newMoneyFormatter(wallet.Currency).format(identity.Locale, wallet.Balance),
		"updatedAt": formatTime(wallet.UpdatedAt),
	})
}

func (h *WalletHandlers) listTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.wallets == nil {
		writeServiceUnavailable(ctx, w, "wallet")
		return
	}
	identity, ok := requireCaller(w, r)
	if !ok {
		return
	}
	pager, err := parsePagination(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	wallet, err := h.wallets.Balance(ctx, identity.UserID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	page, err := h.wallets.ListTransactions(ctx, identity.UserID, pager)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	money := newMoneyFormatter(wallet.Currency)
	items := make([]walletTransactionPayload, 0, len(page.Items))
	for _, txn := range page.Items {
		items = append(items, walletTransactionPayload{
			ID:             txn.ID,
			Type:           string(txn.Type),
			Amount:         money.format(identity.Locale, txn.Amount),
			BalanceAfter:   money.format(identity.Locale, txn.BalanceAfter),
			Reason:         txn.Reason,
			RelatedOrderID: txn.RelatedOrderID,
			CreatedAt:      formatTime(txn.CreatedAt),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"transactions":  items,
		"nextPageToken": page.NextPageToken,
	})
}

func (h *WalletHandlers) initiateTopUp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.topUps == nil {
		writeServiceUnavailable(ctx, w, "top-up")
		return
	}
	identity, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req initiateTopUpRequest
	if err := httpx.DecodeJSON(r, maxWalletBodySize, &req, false); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	init, err := h.topUps.Initiate(ctx, identity, req.Amount)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"providerOrderId": init.ProviderOrderID,
		"amount":          newMoneyFormatter(init.Currency).format(identity.Locale, init.Amount),
		"clientSecret":    init.ClientSecret,
		"publishableKey":  init.PublishableKey,
		"prefill": map[string]string{
			"name":  identity.Name,
			"email": identity.Email,
		},
	})
}

func (h *WalletHandlers) verifyTopUp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.topUps == nil {
		writeServiceUnavailable(ctx, w, "top-up")
		return
	}
	identity, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req verifyTopUpRequest
	if err := httpx.DecodeJSON(r, maxWalletBodySize, &req, false); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	result, err := h.topUps.Verify(ctx, identity, services.VerifyTopUpCommand{
		ProviderOrderID: strings.TrimSpace(req.ProviderOrderID),
		PaymentID:       strings.TrimSpace(req.PaymentID),
		Signature:       strings.TrimSpace(req.Signature),
		Amount:          req.Amount,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"newBalance": newMoneyFormatter(result.Wallet.Currency).format(identity.Locale, result.Wallet.Balance),
		"duplicate":  result.Duplicate,
	})
}
