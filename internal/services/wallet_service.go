package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	domain "github.com/kirana-mart/api/internal/domain"
	"github.com/kirana-mart/api/internal/repositories"
)

var (
	// ErrWalletInvalidInput indicates a malformed wallet entry.
	ErrWalletInvalidInput = errors.New("wallet: invalid input")
	// ErrWalletInsufficientBalance indicates a debit larger than the balance.
	ErrWalletInsufficientBalance = errors.New("wallet: insufficient balance")
	// ErrWalletConflict indicates the ledger transaction kept aborting.
	ErrWalletConflict = errors.New("wallet: conflict")
	// ErrWalletUnavailable indicates the ledger store could not be reached.
	ErrWalletUnavailable = errors.New("wallet: unavailable")
)

const (
	walletReasonOpeningAdjustment = "opening balance adjustment"
	walletReasonLegacyImport      = "legacy wallet import"
	defaultMigrationBatchSize     = 200
	defaultWalletCurrency         = "INR"
)

// WalletServiceDeps wires the ledger and the legacy migration source.
type WalletServiceDeps struct {
	Wallets            repositories.WalletRepository
	Migrations         repositories.WalletMigrationRepository
	Currency           string
	MigrationBatchSize int
	Clock              func() time.Time
	IDGenerator        func() string
	Logger             func(ctx context.Context, event string, fields map[string]any)
}

type walletService struct {
	wallets    repositories.WalletRepository
	migrations repositories.WalletMigrationRepository
	currency   string
	batchSize  int
	now        func() time.Time
	newID      func() string
	logger     func(ctx context.Context, event string, fields map[string]any)
}

// NewWalletService constructs the wallet ledger service.
func NewWalletService(deps WalletServiceDeps) (WalletService, error) {
	if deps.Wallets == nil {
		return nil, errors.New("wallet service: wallet repository is required")
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
	batch := deps.MigrationBatchSize
	if batch <= 0 {
		batch = defaultMigrationBatchSize
	}
	return &walletService{
		wallets:    deps.Wallets,
		migrations: deps.Migrations,
		currency:   currency,
		batchSize:  batch,
		now:        func() time.Time { return clock().UTC() },
		newID:      idGen,
		logger:     logger,
	}, nil
}

func (s *walletService) Balance(ctx context.Context, userID string) (Wallet, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return Wallet{}, fmt.Errorf("%w: user id is required", ErrWalletInvalidInput)
	}
	wallet, err := s.wallets.Get(ctx, uid)
	if err != nil {
		if isRepoNotFound(err) {
			return Wallet{UserID: uid, Currency: s.currency}, nil
		}
		return Wallet{}, s.mapRepositoryError(ctx, uid, err)
	}
	if wallet.Currency == "" {
		wallet.Currency = s.currency
	}
	return wallet, nil
}

func (s *walletService) Credit(ctx context.Context, cmd WalletEntryCommand) (WalletResult, error) {
	return s.apply(ctx, domain.WalletCredit, cmd)
}

// Debit fails with ErrWalletInsufficientBalance and leaves the wallet untouched when the balance is short.
func (s *walletService) Debit(ctx context.Context, cmd WalletEntryCommand) (WalletResult, error) {
	return s.apply(ctx, domain.WalletDebit, cmd)
}

func (s *walletService) apply(ctx context.Context, kind domain.WalletTransactionType, cmd WalletEntryCommand) (WalletResult, error) {
	uid := strings.TrimSpace(cmd.UserID)
	if uid == "" {
		return WalletResult{}, fmt.Errorf("%w: user id is required", ErrWalletInvalidInput)
	}
	if cmd.Amount <= 0 {
		return WalletResult{}, fmt.Errorf("%w: amount must be positive", ErrWalletInvalidInput)
	}
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		return WalletResult{}, fmt.Errorf("%w: reason is required", ErrWalletInvalidInput)
	}

	result, err := s.wallets.Apply(ctx, repositories.WalletEntry{
		TransactionID:  s.newID(),
		UserID:         uid,
		Amount:         cmd.Amount,
		Type:           kind,
		Reason:         reason,
		RelatedOrderID: strings.TrimSpace(cmd.RelatedOrderID),
		IdempotencyKey: strings.TrimSpace(cmd.IdempotencyKey),
		Currency:       s.currency,
		Now:            s.now(),
	})
	if err != nil {
		return WalletResult{}, s.mapRepositoryError(ctx, uid, err)
	}
	if !result.Duplicate {
		s.logger(ctx, "wallet.entry.applied", map[string]any{
			"userId":        uid,
			"type":          string(kind),
			"amount":        cmd.Amount,
			"reason":        reason,
			"balance":       result.Wallet.Balance,
			"transactionId": result.Transaction.ID,
		})
	}
	return WalletResult{
		Wallet:      result.Wallet,
		Transaction: result.Transaction,
		Duplicate:   result.Duplicate,
	}, nil
}

func (s *walletService) ListTransactions(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[WalletTransaction], error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.CursorPage[WalletTransaction]{}, fmt.Errorf("%w: user id is required", ErrWalletInvalidInput)
	}
	page, err := s.wallets.ListTransactions(ctx, uid, pager)
	if err != nil {
		return domain.CursorPage[WalletTransaction]{}, s.mapRepositoryError(ctx, uid, err)
	}
	return page, nil
}

// MigrateLegacyWallets moves embedded user wallets into the ledger. Users that fail stay
// untouched and are reported; the next run picks them up again.
func (s *walletService) MigrateLegacyWallets(ctx context.Context) (WalletMigrationReport, error) {
	var report WalletMigrationReport
	if s.migrations == nil {
		return report, fmt.Errorf("%w: wallet migration source is not configured", ErrWalletUnavailable)
	}
	failed := map[string]struct{}{}
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch, err := s.migrations.ListLegacy(ctx, s.batchSize)
		if err != nil {
			return report, s.mapRepositoryError(ctx, "", err)
		}
		progressed := false
		for _, legacy := range batch {
			if _, seen := failed[legacy.UserID]; seen {
				continue
			}
			progressed = true
			report.Scanned++

			plan := s.planMigration(legacy)
			if err := s.migrations.Migrate(ctx, legacy.UserID, plan.wallet, plan.transactions); err != nil {
				failed[legacy.UserID] = struct{}{}
				report.Failed++
				report.FailedIDs = append(report.FailedIDs, legacy.UserID)
				s.logger(ctx, "wallet.migration.failed", map[string]any{
					"userId": legacy.UserID,
					"error":  err.Error(),
				})
				continue
			}
			report.Migrated++
			if plan.repaired {
				report.Repaired++
			}
			if plan.adjusted {
				report.Adjusted++
			}
		}
		if !progressed || len(batch) < s.batchSize {
			break
		}
	}
	s.logger(ctx, "wallet.migration.completed", map[string]any{
		"scanned":  report.Scanned,
		"migrated": report.Migrated,
		"repaired": report.Repaired,
		"adjusted": report.Adjusted,
		"failed":   report.Failed,
	})
	return report, nil
}

type migrationPlan struct {
	wallet       Wallet
	transactions []WalletTransaction
	repaired     bool
	adjusted     bool
}

// planMigration normalises an untyped legacy wallet. Missing or malformed wallets become a zero
// balance; a balance that disagrees with its history gets an opening adjustment entry.
func (s *walletService) planMigration(legacy repositories.LegacyWallet) migrationPlan {
	now := s.now()
	plan := migrationPlan{wallet: Wallet{UserID: legacy.UserID, Currency: s.currency, UpdatedAt: now}}

	raw, ok := legacy.Raw.(map[string]any)
	if !ok {
		plan.repaired = true
		return plan
	}
	balance, ok := legacyAmount(raw["balance"])
	if !ok || balance < 0 {
		plan.repaired = true
		balance = 0
	}
	if currency, ok := raw["currency"].(string); ok && strings.TrimSpace(currency) != "" {
		plan.wallet.Currency = strings.ToUpper(strings.TrimSpace(currency))
	}

	var history []WalletTransaction
	if entries, ok := raw["transactions"].([]any); ok {
		for i, entry := range entries {
			txn, ok := s.legacyTransaction(legacy.UserID, i, entry, now)
			if !ok {
				plan.repaired = true
				continue
			}
			history = append(history, txn)
		}
	} else if raw["transactions"] != nil {
		plan.repaired = true
	}
	sort.SliceStable(history, func(i, j int) bool { return history[i].CreatedAt.Before(history[j].CreatedAt) })

	var sum int64
	for _, txn := range history {
		sum += txn.Signed()
	}
	if diff := balance - sum; diff != 0 {
		plan.adjusted = true
		adjustment := WalletTransaction{
			ID:        "legacy_" + legacy.UserID + "_adjustment",
			UserID:    legacy.UserID,
			Amount:    diff,
			Type:      domain.WalletCredit,
			Reason:    walletReasonOpeningAdjustment,
			CreatedAt: now,
		}
		if diff < 0 {
			adjustment.Amount = -diff
			adjustment.Type = domain.WalletDebit
		}
		history = append(history, adjustment)
	}

	var running int64
	for i := range history {
		running += history[i].Signed()
		history[i].BalanceAfter = running
	}
	plan.wallet.Balance = balance
	plan.transactions = history
	return plan
}

func (s *walletService) legacyTransaction(uid string, index int, entry any, now time.Time) (WalletTransaction, bool) {
	fields, ok := entry.(map[string]any)
	if !ok {
		return WalletTransaction{}, false
	}
	amount, ok := legacyAmount(fields["amount"])
	if !ok || amount == 0 {
		return WalletTransaction{}, false
	}
	kind := domain.WalletTransactionType(strings.ToLower(strings.TrimSpace(fmt.Sprint(fields["type"]))))
	switch {
	case kind == domain.WalletCredit || kind == domain.WalletDebit:
	case amount < 0:
		kind = domain.WalletDebit
	default:
		kind = domain.WalletCredit
	}
	if amount < 0 {
		amount = -amount
	}
	reason, _ := fields["reason"].(string)
	if strings.TrimSpace(reason) == "" {
		reason = walletReasonLegacyImport
	}
	createdAt := now
	switch v := fields["createdAt"].(type) {
	case time.Time:
		createdAt = v.UTC()
	case string:
		if parsed, err := time.Parse(time.RFC3339, v); err == nil {
			createdAt = parsed.UTC()
		}
	}
	orderID, _ := fields["orderId"].(string)
	return WalletTransaction{
		ID:             fmt.Sprintf("legacy_%s_%04d", uid, index),
		UserID:         uid,
		Amount:         amount,
		Type:           kind,
		Reason:         strings.TrimSpace(reason),
		RelatedOrderID: strings.TrimSpace(orderID),
		CreatedAt:      createdAt,
	}, true
}

// legacyAmount accepts the numeric shapes Firestore decodes into an untyped map.
func legacyAmount(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return decimal.NewFromFloat(v).Round(0).IntPart(), true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return d.Round(0).IntPart(), true
	default:
		return 0, false
	}
}

func (s *walletService) mapRepositoryError(ctx context.Context, userID string, err error) error {
	if err == nil {
		return nil
	}
	var ledgerErr *repositories.LedgerError
	if errors.As(err, &ledgerErr) {
		switch ledgerErr.Code {
		case repositories.LedgerErrorInsufficientBalance:
			return fmt.Errorf("%w: %s", ErrWalletInsufficientBalance, ledgerErr.Message)
		case repositories.LedgerErrorInvalidEntry:
			return fmt.Errorf("%w: %s", ErrWalletInvalidInput, ledgerErr.Message)
		}
	}
	switch {
	case isRepoConflict(err):
		return storageFailure(ctx, s.logger, "wallet.repository.conflict", ErrWalletConflict, userID, err)
	case isRepoUnavailable(err):
		return storageFailure(ctx, s.logger, "wallet.repository.failed", ErrWalletUnavailable, userID, err)
	}
	return err
}
