package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/kirana-mart/api/internal/domain"
	pfirestore "github.com/kirana-mart/api/internal/platform/firestore"
)

const topUpsCollection = "walletTopUps"

// TopUpRepository persists provider orders created for wallet top-ups, keyed by provider order id.
type TopUpRepository struct {
	base *pfirestore.BaseRepository[topUpDocument]
}

func NewTopUpRepository(provider *pfirestore.Provider) (*TopUpRepository, error) {
	if provider == nil {
		return nil, errors.New("top-up repository requires firestore provider")
	}
	return &TopUpRepository{
		base: pfirestore.NewBaseRepository[topUpDocument](provider, topUpsCollection, nil),
	}, nil
}

func (r *TopUpRepository) Create(ctx context.Context, topUp domain.TopUp) error {
	if r == nil || r.base == nil {
		return errors.New("top-up repository not initialised")
	}
	ref, err := r.base.DocumentRef(ctx, strings.TrimSpace(topUp.ProviderOrderID))
	if err != nil {
		return err
	}
	doc := topUpDocument{
		UserID:    topUp.UserID,
		Amount:    topUp.Amount,
		Currency:  topUp.Currency,
		Status:    string(topUp.Status),
		CreatedAt: topUp.CreatedAt.UTC(),
	}
	if _, err := ref.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("topups.create", err)
	}
	return nil
}

func (r *TopUpRepository) Get(ctx context.Context, providerOrderID string) (domain.TopUp, error) {
	if r == nil || r.base == nil {
		return domain.TopUp{}, errors.New("top-up repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(providerOrderID))
	if err != nil {
		return domain.TopUp{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *TopUpRepository) MarkCredited(ctx context.Context, providerOrderID string, paymentID string, at time.Time) error {
	if r == nil || r.base == nil {
		return errors.New("top-up repository not initialised")
	}
	_, err := r.base.Update(ctx, strings.TrimSpace(providerOrderID), []firestore.Update{
		{Path: "status", Value: string(domain.TopUpStatusCredited)},
		{Path: "paymentId", Value: strings.TrimSpace(paymentID)},
		{Path: "creditedAt", Value: at.UTC()},
	})
	return err
}

type topUpDocument struct {
	UserID     string     `firestore:"userId"`
	Amount     int64      `firestore:"amount"`
	Currency   string     `firestore:"currency"`
	Status     string     `firestore:"status"`
	PaymentID  string     `firestore:"paymentId,omitempty"`
	CreatedAt  time.Time  `firestore:"createdAt"`
	CreditedAt *time.Time `firestore:"creditedAt,omitempty"`
}

func (d topUpDocument) toDomain(id string) domain.TopUp {
	return domain.TopUp{
		ProviderOrderID: id,
		UserID:          d.UserID,
		Amount:          d.Amount,
		Currency:        d.Currency,
		Status:          domain.TopUpStatus(d.Status),
		PaymentID:       d.PaymentID,
		CreatedAt:       d.CreatedAt,
		CreditedAt:      d.CreditedAt,
	}
}
