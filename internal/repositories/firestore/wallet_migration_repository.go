package firestore

import (
	"context"
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
	"github.com/kirana-mart/api/internal/repositories"
)

const (
	migrationTxTimeout = 30 * time.Second
	usersCollection    = "users"
	legacyWalletField  = "wallet"
)

// WalletMigrationRepository moves embedded users/{uid}.wallet maps into the wallet ledger.
type WalletMigrationRepository struct {
	provider *pfirestore.Provider
}

func NewWalletMigrationRepository(provider *pfirestore.Provider) (*WalletMigrationRepository, error) {
	if provider == nil {
		return nil, errors.New("wallet migration repository requires firestore provider")
	}
	return &WalletMigrationRepository{provider: provider}, nil
}

// ListLegacy returns users that still carry an embedded wallet field, untyped.
func (r *WalletMigrationRepository) ListLegacy(ctx context.Context, limit int) ([]repositories.LegacyWallet, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("wallet migration repository not initialised")
	}
	if limit <= 0 {
		limit = 200
	}
	users := pfirestore.NewBaseRepository[map[string]any](r.provider, usersCollection, pfirestore.MapDecoder)
	docs, err := users.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where(legacyWalletField, "!=", nil).Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	legacy := make([]repositories.LegacyWallet, 0, len(docs))
	for _, doc := range docs {
		legacy = append(legacy, repositories.LegacyWallet{UserID: doc.ID, Raw: doc.Data[legacyWalletField]})
	}
	return legacy, nil
}

// Migrate writes the normalised wallet and its ledger, then drops the embedded field. Users that
// already own a wallet document keep it untouched; only the legacy field is removed.
func (r *WalletMigrationRepository) Migrate(ctx context.Context, userID string, wallet domain.Wallet, txns []domain.WalletTransaction) error {
	if r == nil || r.provider == nil {
		return errors.New("wallet migration repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("wallet migration: user id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	walletRef := client.Collection(walletsCollection).Doc(userID)
	userRef := client.Collection(usersCollection).Doc(userID)
	ledger := client.Collection(fmt.Sprintf(walletTransactionsCollectionPath, userID))

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		_, err := tx.Get(walletRef)
		exists := err == nil
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if !exists {
			if err := tx.Set(walletRef, walletDocument{
				Balance:   wallet.Balance,
				Currency:  wallet.Currency,
				UpdatedAt: wallet.UpdatedAt.UTC(),
				Revision:  1,
			}); err != nil {
				return err
			}
			for _, txn := range txns {
				id := strings.TrimSpace(txn.ID)
				if id == "" {
					id = ulid.Make().String()
				}
				if err := tx.Create(ledger.Doc(id), newWalletTransactionDocument(txn)); err != nil {
					return err
				}
			}
		}
		return tx.Update(userRef, []firestore.Update{{Path: legacyWalletField, Value: firestore.Delete}})
	}, pfirestore.WithTxTimeout(migrationTxTimeout))
	return pfirestore.WrapError("wallets.migrate", err)
}
