package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/kirana-mart/api/internal/domain"
	pfirestore "github.com/kirana-mart/api/internal/platform/firestore"
	"github.com/kirana-mart/api/internal/platform/pagination"
	"github.com/kirana-mart/api/internal/repositories"
)

const (
	ordersCollection = "orders"

	maxOrderPageSize = 100
)

// OrderRepository stores orders as single documents with embedded item snapshots.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[orderDocument]
}

func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil),
	}, nil
}

// Insert creates the order document. An existing id yields a conflict error.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	ref, err := r.base.DocumentRef(ctx, order.ID)
	if err != nil {
		return err
	}
	doc := newOrderDocument(order)
	if doc.Revision == 0 {
		doc.Revision = 1
	}
	if _, err := ref.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// Update commits the order only when the stored revision equals expectedRevision. The
// returned order carries the incremented revision.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order, expectedRevision int64) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	var saved domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var current orderDocument
		if err := snap.DataTo(&current); err != nil {
			return fmt.Errorf("decode order %s: %w", order.ID, err)
		}
		if current.Revision != expectedRevision {
			return status.Errorf(codes.FailedPrecondition, "order %s revision %d does not match expected %d", order.ID, current.Revision, expectedRevision)
		}
		doc := newOrderDocument(order)
		doc.Revision = expectedRevision + 1
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		saved = doc.toDomain(order.ID)
		return nil
	}, pfirestore.WithTxAttempts(1))
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.update", err)
	}
	return saved, nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// List returns the user's orders newest first using an opaque (createdAt, id) cursor.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	userID := strings.TrimSpace(filter.UserID)
	if userID == "" {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository: user id is required")
	}
	pageSize := pagination.ClampPageSize(filter.Pagination.PageSize, pagination.Options{MaxPageSize: maxOrderPageSize})

	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	startAfter, err := timeIDCursor(cursor)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("userId", "==", userID).
			OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc)
		if startAfter != nil {
			q = q.StartAfter(startAfter...)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toDomain(doc.ID))
	}

	var next string
	if len(orders) > pageSize {
		orders = orders[:pageSize]
		last := orders[len(orders)-1]
		next, err = pagination.EncodeToken(pagination.Cursor{StartAfter: []any{last.CreatedAt.UTC().Format(time.RFC3339Nano), last.ID}})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
	}
	return domain.CursorPage[domain.Order]{Items: orders, NextPageToken: next}, nil
}

// ListExpiredPending returns pending orders whose cancel deadline is before query.Before.
func (r *OrderRepository) ListExpiredPending(ctx context.Context, query repositories.ExpiredPendingQuery) ([]domain.Order, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("status", "==", string(domain.OrderStatusPending)).
			Where("pendingCancelAt", "<", query.Before.UTC()).
			OrderBy("pendingCancelAt", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toDomain(doc.ID))
	}
	return orders, nil
}

// ListPendingRestock returns orders holding cancelled items whose stock was not yet returned.
func (r *OrderRepository) ListPendingRestock(ctx context.Context, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("pendingRestock", "==", true).Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toDomain(doc.ID))
	}
	return orders, nil
}

func timeIDCursor(cursor pagination.Cursor) ([]any, error) {
	if len(cursor.StartAfter) == 0 {
		return nil, nil
	}
	if len(cursor.StartAfter) != 2 {
		return nil, fmt.Errorf("%w: unexpected cursor shape", pagination.ErrInvalidPageToken)
	}
	rawTime, ok := cursor.StartAfter[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: cursor time must be a string", pagination.ErrInvalidPageToken)
	}
	id, ok := cursor.StartAfter[1].(string)
	if !ok || strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: cursor id must be a string", pagination.ErrInvalidPageToken)
	}
	ts, err := time.Parse(time.RFC3339Nano, rawTime)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pagination.ErrInvalidPageToken, err)
	}
	return []any{ts, id}, nil
}

type orderDocument struct {
	UserID            string              `firestore:"userId"`
	Items             []orderItemDocument `firestore:"items"`
	Subtotal          int64               `firestore:"subtotal"`
	Tax               int64               `firestore:"tax"`
	Shipping          int64               `firestore:"shipping"`
	Discount          int64               `firestore:"discount"`
	Total             int64               `firestore:"finalAmount"`
	Address           addressDocument     `firestore:"address"`
	AddressID         string              `firestore:"addressId"`
	PaymentMethod     string              `firestore:"paymentMethod"`
	PaymentStatus     string              `firestore:"paymentStatus"`
	Status            string              `firestore:"status"`
	CancelReason      string              `firestore:"cancelReason,omitempty"`
	ReturnReason      string              `firestore:"returnReason,omitempty"`
	ReturnRequestedAt *time.Time          `firestore:"returnRequestedAt,omitempty"`
	PendingCancelAt   *time.Time          `firestore:"pendingCancelAt,omitempty"`
	PendingRestock    bool                `firestore:"pendingRestock"`
	CreatedAt         time.Time           `firestore:"createdAt"`
	UpdatedAt         time.Time           `firestore:"updatedAt"`
	Revision          int64               `firestore:"revision"`
}

type orderItemDocument struct {
	ID            string     `firestore:"id"`
	ProductID     string     `firestore:"productId"`
	Name          string     `firestore:"name"`
	Quantity      int        `firestore:"quantity"`
	UnitPrice     int64      `firestore:"unitPrice"`
	LineTotal     int64      `firestore:"lineTotal"`
	Status        string     `firestore:"status"`
	CancelReason  string     `firestore:"cancelReason,omitempty"`
	ReturnReason  string     `firestore:"returnReason,omitempty"`
	CancelledAt   *time.Time `firestore:"cancelledAt,omitempty"`
	RequestedAt   *time.Time `firestore:"requestedAt,omitempty"`
	ApprovedAt    *time.Time `firestore:"approvedAt,omitempty"`
	StockRestored bool       `firestore:"stockRestored"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, 0, len(order.Items))
	pendingRestock := false
	for _, item := range order.Items {
		if item.Status == domain.OrderStatusCancelled && !item.StockRestored {
			pendingRestock = true
		}
		items = append(items, orderItemDocument{
			ID:            item.ID,
			ProductID:     item.ProductID,
			Name:          item.Name,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			LineTotal:     item.LineTotal,
			Status:        string(item.Status),
			CancelReason:  item.CancelReason,
			ReturnReason:  item.ReturnReason,
			CancelledAt:   utcPtr(item.CancelledAt),
			RequestedAt:   utcPtr(item.RequestedAt),
			ApprovedAt:    utcPtr(item.ApprovedAt),
			StockRestored: item.StockRestored,
		})
	}
	return orderDocument{
		UserID:            order.UserID,
		Items:             items,
		Subtotal:          order.Totals.Subtotal,
		Tax:               order.Totals.Tax,
		Shipping:          order.Totals.Shipping,
		Discount:          order.Totals.Discount,
		Total:             order.Totals.Total,
		Address:           newAddressDocument(order.Address),
		AddressID:         order.Address.ID,
		PaymentMethod:     string(order.PaymentMethod),
		PaymentStatus:     string(order.PaymentStatus),
		Status:            string(order.Status),
		CancelReason:      order.CancelReason,
		ReturnReason:      order.ReturnReason,
		ReturnRequestedAt: utcPtr(order.ReturnRequestedAt),
		PendingCancelAt:   utcPtr(order.PendingCancelAt),
		PendingRestock:    pendingRestock,
		CreatedAt:         order.CreatedAt.UTC(),
		UpdatedAt:         order.UpdatedAt.UTC(),
		Revision:          order.Revision,
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderItem, 0, len(d.Items))
	for _, item := range d.Items {
		items = append(items, domain.OrderItem{
			ID:            item.ID,
			ProductID:     item.ProductID,
			Name:          item.Name,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			LineTotal:     item.LineTotal,
			Status:        domain.OrderStatus(item.Status),
			CancelReason:  item.CancelReason,
			ReturnReason:  item.ReturnReason,
			CancelledAt:   item.CancelledAt,
			RequestedAt:   item.RequestedAt,
			ApprovedAt:    item.ApprovedAt,
			StockRestored: item.StockRestored,
		})
	}
	address := d.Address.toDomain(d.AddressID)
	return domain.Order{
		ID:     id,
		UserID: d.UserID,
		Items:  items,
		Totals: domain.OrderTotals{
			Subtotal: d.Subtotal,
			Tax:      d.Tax,
			Shipping: d.Shipping,
			Discount: d.Discount,
			Total:    d.Total,
		},
		Address:           address,
		PaymentMethod:     domain.PaymentMethod(d.PaymentMethod),
		PaymentStatus:     domain.PaymentStatus(d.PaymentStatus),
		Status:            domain.OrderStatus(d.Status),
		CancelReason:      d.CancelReason,
		ReturnReason:      d.ReturnReason,
		ReturnRequestedAt: d.ReturnRequestedAt,
		PendingCancelAt:   d.PendingCancelAt,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
		Revision:          d.Revision,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
