package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kirana-mart/api/internal/platform/httpx"
	"github.com/kirana-mart/api/internal/platform/requestctx"
	"github.com/kirana-mart/api/internal/services"
)

// MaintenanceHandlers exposes operational jobs to Cloud Scheduler. OIDC runs as group middleware.
type MaintenanceHandlers struct {
	scheduler services.CleanupScheduler
	wallets   services.WalletService
}

func NewMaintenanceHandlers(scheduler services.CleanupScheduler, wallets services.WalletService) *MaintenanceHandlers {
	return &MaintenanceHandlers{scheduler: scheduler, wallets: wallets}
}

// Routes registers the /internal endpoints.
func (h *MaintenanceHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/maintenance/orders:sweep", h.sweepOrders)
	r.Post("/maintenance/wallets:migrate", h.migrateWallets)
}

func (h *MaintenanceHandlers) sweepOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.scheduler == nil {
		writeServiceUnavailable(ctx, w, "cleanup")
		return
	}
	report, err := h.scheduler.Sweep(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	requestctx.Logger(ctx).Info("order sweep completed",
		zap.String("actor", actorID(r)),
		zap.Int("cancelled", report.Cancelled),
		zap.Int("failed", report.Failed),
		zap.Bool("skipped", report.Skipped),
	)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"report":  report,
	})
}

func (h *MaintenanceHandlers) migrateWallets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.wallets == nil {
		writeServiceUnavailable(ctx, w, "wallet")
		return
	}
	report, err := h.wallets.MigrateLegacyWallets(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"report": map[string]any{
			"scanned":   report.Scanned,
			"migrated":  report.Migrated,
			"repaired":  report.Repaired,
			"adjusted":  report.Adjusted,
			"failed":    report.Failed,
			"failedIds": report.FailedIDs,
		},
	})
}
