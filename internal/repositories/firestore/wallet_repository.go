package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/oklog/ulid/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/kirana-mart/api/internal/domain"
	pfirestore "github.com/kirana-mart/api/internal/platform/firestore"
	"github.com/kirana-mart/api/internal/platform/pagination"
	"github.com/kirana-mart/api/internal/repositories"
)

const (
	walletsCollection                = "wallets"
	walletTransactionsCollectionPath = "wallets/%s/transactions"

	maxWalletTransactionPageSize = 100
)

// WalletRepository keeps wallets/{uid} balances and the wallets/{uid}/transactions ledger.
type WalletRepository struct {
	provider *pfirestore.Provider
	wallets  *pfirestore.BaseRepository[walletDocument]
}

func NewWalletRepository(provider *pfirestore.Provider) (*WalletRepository, error) {
	if provider == nil {
		return nil, errors.New("wallet repository requires firestore provider")
	}
	return &WalletRepository{
		provider: provider,
		wallets:  pfirestore.NewBaseRepository[walletDocument](provider, walletsCollection, nil),
	}, nil
}

// Get returns the wallet. A user without a wallet document has a zero balance.
func (r *WalletRepository) Get(ctx context.Context, userID string) (domain.Wallet, error) {
	if r == nil || r.wallets == nil {
		return domain.Wallet{}, errors.New("wallet repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	doc, err := r.wallets.Get(ctx, userID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return domain.Wallet{UserID: userID}, nil
		}
		return domain.Wallet{}, err
	}
	return doc.Data.toDomain(userID), nil
}

// Apply mutates the balance and appends exactly one ledger entry in a single transaction.
// A debit larger than the balance fails without writing anything. Entries carrying an
// idempotency key that was already applied return the stored transaction with Duplicate set.
func (r *WalletRepository) Apply(ctx context.Context, entry repositories.WalletEntry) (repositories.WalletApplyResult, error) {
	if r == nil || r.provider == nil {
		return repositories.WalletApplyResult{}, errors.New("wallet repository not initialised")
	}
	userID := strings.TrimSpace(entry.UserID)
	if userID == "" || entry.Amount <= 0 || strings.TrimSpace(entry.Reason) == "" {
		return repositories.WalletApplyResult{}, repositories.NewLedgerError(repositories.LedgerErrorInvalidEntry, "wallet apply: user id, positive amount and reason are required", nil)
	}
	if entry.Type != domain.WalletCredit && entry.Type != domain.WalletDebit {
		return repositories.WalletApplyResult{}, repositories.NewLedgerError(repositories.LedgerErrorInvalidEntry, fmt.Sprintf("wallet apply: unsupported type %q", entry.Type), nil)
	}
	now := entry.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	txnID := strings.TrimSpace(entry.TransactionID)
	if key := strings.TrimSpace(entry.IdempotencyKey); key != "" {
		txnID = idempotentTransactionID(key)
	}
	if txnID == "" {
		txnID = ulid.Make().String()
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return repositories.WalletApplyResult{}, err
	}
	walletRef := client.Collection(walletsCollection).Doc(userID)
	txnRef := client.Collection(fmt.Sprintf(walletTransactionsCollectionPath, userID)).Doc(txnID)

	var result repositories.WalletApplyResult
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		result = repositories.WalletApplyResult{}

		var wallet walletDocument
		walletSnap, err := tx.Get(walletRef)
		switch {
		case err == nil:
			if err := walletSnap.DataTo(&wallet); err != nil {
				return fmt.Errorf("decode wallet %s: %w", userID, err)
			}
		case status.Code(err) == codes.NotFound:
			wallet = walletDocument{Currency: strings.TrimSpace(entry.Currency)}
		default:
			return err
		}

		if existing, err := tx.Get(txnRef); err == nil {
			var doc walletTransactionDocument
			if err := existing.DataTo(&doc); err != nil {
				return fmt.Errorf("decode wallet transaction %s: %w", txnID, err)
			}
			result = repositories.WalletApplyResult{
				Wallet:      wallet.toDomain(userID),
				Transaction: doc.toDomain(userID, txnID),
				Duplicate:   true,
			}
			return nil
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		next := wallet.Balance
		switch entry.Type {
		case domain.WalletCredit:
			next += entry.Amount
		case domain.WalletDebit:
			if wallet.Balance < entry.Amount {
				return repositories.NewLedgerError(repositories.LedgerErrorInsufficientBalance, fmt.Sprintf("wallet %s balance %d is below debit %d", userID, wallet.Balance, entry.Amount), nil)
			}
			next -= entry.Amount
		}

		wallet.Balance = next
		wallet.UpdatedAt = now
		wallet.Revision++
		if wallet.Currency == "" {
			wallet.Currency = strings.TrimSpace(entry.Currency)
		}
		txnDoc := walletTransactionDocument{
			Amount:         entry.Amount,
			Type:           string(entry.Type),
			Reason:         strings.TrimSpace(entry.Reason),
			RelatedOrderID: strings.TrimSpace(entry.RelatedOrderID),
			IdempotencyKey: strings.TrimSpace(entry.IdempotencyKey),
			BalanceAfter:   next,
			CreatedAt:      now,
		}
		if err := tx.Set(walletRef, wallet); err != nil {
			return err
		}
		if err := tx.Create(txnRef, txnDoc); err != nil {
			return err
		}
		result = repositories.WalletApplyResult{
			Wallet:      wallet.toDomain(userID),
			Transaction: txnDoc.toDomain(userID, txnID),
		}
		return nil
	})
	if err != nil {
		return repositories.WalletApplyResult{}, wrapLedgerError("wallets.apply", err)
	}
	return result, nil
}

// ListTransactions pages through the ledger newest first.
func (r *WalletRepository) ListTransactions(ctx context.Context, userID string, pager domain.Pagination) (domain.CursorPage[domain.WalletTransaction], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.WalletTransaction]{}, errors.New("wallet repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.CursorPage[domain.WalletTransaction]{}, errors.New("wallet repository: user id is required")
	}
	pageSize := pagination.ClampPageSize(pager.PageSize, pagination.Options{MaxPageSize: maxWalletTransactionPageSize})
	cursor, err := pagination.DecodeToken(pager.PageToken)
	if err != nil {
		return domain.CursorPage[domain.WalletTransaction]{}, err
	}
	startAfter, err := timeIDCursor(cursor)
	if err != nil {
		return domain.CursorPage[domain.WalletTransaction]{}, err
	}

	ledger := pfirestore.NewBaseRepository[walletTransactionDocument](r.provider, fmt.Sprintf(walletTransactionsCollectionPath, userID), nil)
	docs, err := ledger.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if startAfter != nil {
			q = q.StartAfter(startAfter...)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.WalletTransaction]{}, err
	}

	items := make([]domain.WalletTransaction, 0, len(docs))
	for _, doc := range docs {
		items = append(items, doc.Data.toDomain(userID, doc.ID))
	}
	var next string
	if len(items) > pageSize {
		items = items[:pageSize]
		last := items[len(items)-1]
		next, err = pagination.EncodeToken(pagination.Cursor{StartAfter: []any{last.CreatedAt.UTC().Format(time.RFC3339Nano), last.ID}})
		if err != nil {
			return domain.CursorPage[domain.WalletTransaction]{}, err
		}
	}
	return domain.CursorPage[domain.WalletTransaction]{Items: items, NextPageToken: next}, nil
}

func idempotentTransactionID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "k_" + hex.EncodeToString(sum[:16])
}

type walletDocument struct {
	Balance   int64     `firestore:"balance"`
	Currency  string    `firestore:"currency,omitempty"`
	UpdatedAt time.Time `firestore:"updatedAt"`
	Revision  int64     `firestore:"revision"`
}

func (d walletDocument) toDomain(userID string) domain.Wallet {
	return domain.Wallet{
		UserID:    userID,
		Balance:   d.Balance,
		Currency:  d.Currency,
		UpdatedAt: d.UpdatedAt,
		Revision:  d.Revision,
	}
}

type walletTransactionDocument struct {
	Amount         int64     `firestore:"amount"`
	Type           string    `firestore:"type"`
	Reason         string    `firestore:"reason"`
	RelatedOrderID string    `firestore:"relatedOrderId,omitempty"`
	IdempotencyKey string    `firestore:"idempotencyKey,omitempty"`
	BalanceAfter   int64     `firestore:"balanceAfter"`
	CreatedAt      time.Time `firestore:"createdAt"`
}

func newWalletTransactionDocument(txn domain.WalletTransaction) walletTransactionDocument {
	return walletTransactionDocument{
		Amount:         txn.Amount,
		Type:           string(txn.Type),
		Reason:         txn.Reason,
		RelatedOrderID: txn.RelatedOrderID,
		IdempotencyKey: txn.IdempotencyKey,
		BalanceAfter:   txn.BalanceAfter,
		CreatedAt:      txn.CreatedAt.UTC(),
	}
}

func (d walletTransactionDocument) toDomain(userID, id string) domain.WalletTransaction {
	return domain.WalletTransaction{
		ID:             id,
		UserID:         userID,
		Amount:         d.Amount,
		Type:           domain.WalletTransactionType(d.Type),
		Reason:         d.Reason,
		RelatedOrderID: d.RelatedOrderID,
		IdempotencyKey: d.IdempotencyKey,
		BalanceAfter:   d.BalanceAfter,
		CreatedAt:      d.CreatedAt,
	}
}
