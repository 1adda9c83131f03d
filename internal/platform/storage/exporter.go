package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"

	"github.com/kirana-mart/api/internal/domain"
)

const snapshotContentType = "application/json"

// ObjectWriter uploads a single object. The GCS-backed writer is used outside tests.
type ObjectWriter func(ctx context.Context, bucket, object, contentType string, data []byte) error

// InvoiceExporter writes the finalized order aggregate consumed by the invoice renderer.
type InvoiceExporter struct {
	bucket   string
	currency string
	write    ObjectWriter
	now      func() time.Time
}

// ExporterOption customises exporter behaviour.
type ExporterOption func(*InvoiceExporter)

// WithObjectWriter swaps the upload function.
func WithObjectWriter(writer ObjectWriter) ExporterOption {
	return func(e *InvoiceExporter) {
		if writer != nil {
			e.write = writer
		}
	}
}

// WithClock injects a custom clock.
func WithClock(clock func() time.Time) ExporterOption {
	return func(e *InvoiceExporter) {
		if clock != nil {
			e.now = clock
		}
	}
}

// NewInvoiceExporter constructs an exporter writing into bucket. client may be nil when a
// writer option is supplied.
func NewInvoiceExporter(client *gcs.Client, bucket, currency string, opts ...ExporterOption) (*InvoiceExporter, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage exporter: bucket is required")
	}
	exporter := &InvoiceExporter{
		bucket:   bucket,
		currency: strings.ToUpper(strings.TrimSpace(currency)),
		now:      time.Now,
	}
	if client != nil {
		exporter.write = gcsWriter(client)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(exporter)
		}
	}
	if exporter.write == nil {
		return nil, errors.New("storage exporter: client or object writer is required")
	}
	return exporter, nil
}

// ExportInvoice uploads the order snapshot and returns the object path.
func (e *InvoiceExporter) ExportInvoice(ctx context.Context, order domain.Order) (string, error) {
	if e == nil || e.write == nil {
		return "", errors.New("storage exporter: not initialised")
	}
	deliveredAt := order.UpdatedAt
	if deliveredAt.IsZero() {
		deliveredAt = e.now()
	}
	object, err := BuildObjectPath(PurposeInvoiceSnapshot, PathParams{OrderID: order.ID, DeliveredAt: deliveredAt})
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(newInvoiceSnapshot(order, e.currency, e.now().UTC()))
	if err != nil {
		return "", fmt.Errorf("storage exporter: marshal snapshot: %w", err)
	}
	if err := e.write(ctx, e.bucket, object, snapshotContentType, data); err != nil {
		return "", fmt.Errorf("storage exporter: write %s: %w", object, err)
	}
	return object, nil
}

func gcsWriter(client *gcs.Client) ObjectWriter {
	return func(ctx context.Context, bucket, object, contentType string, data []byte) error {
		w := client.Bucket(bucket).Object(object).NewWriter(ctx)
		w.ContentType = contentType
		w.CacheControl = "private, max-age=0"
		if _, err := w.Write(data); err != nil {
			_ = w.Close()
			return err
		}
		return w.Close()
	}
}

type invoiceSnapshot struct {
	OrderID       string               `json:"orderId"`
	UserID        string               `json:"userId"`
	Currency      string               `json:"currency"`
	PaymentMethod string               `json:"paymentMethod"`
	PaymentStatus string               `json:"paymentStatus"`
	Status        string               `json:"status"`
	Address       invoiceAddress       `json:"address"`
	Items         []invoiceSnapshotRow `json:"items"`
	Subtotal      int64                `json:"subtotal"`
	Tax           int64                `json:"tax"`
	Shipping      int64                `json:"shipping"`
	Discount      int64                `json:"discount"`
	Total         int64                `json:"total"`
	PlacedAt      time.Time            `json:"placedAt"`
	DeliveredAt   time.Time            `json:"deliveredAt"`
	ExportedAt    time.Time            `json:"exportedAt"`
}

type invoiceAddress struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type invoiceSnapshotRow struct {
	ItemID    string `json:"itemId"`
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	LineTotal int64  `json:"lineTotal"`
	Status    string `json:"status"`
}

func newInvoiceSnapshot(order domain.Order, currency string, exportedAt time.Time) invoiceSnapshot {
	rows := make([]invoiceSnapshotRow, 0, len(order.Items))
	for _, item := range order.Items {
		rows = append(rows, invoiceSnapshotRow{
			ItemID:    item.ID,
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			LineTotal: item.LineTotal,
			Status:    string(item.Status),
		})
	}
	return invoiceSnapshot{
		OrderID:       order.ID,
		UserID:        order.UserID,
		Currency:      currency,
		PaymentMethod: string(order.PaymentMethod),
		PaymentStatus: string(order.PaymentStatus),
		Status:        string(order.Status),
		Address: invoiceAddress{
			Recipient:  order.Address.Recipient,
			Line1:      order.Address.Line1,
			Line2:      order.Address.Line2,
			City:       order.Address.City,
			State:      order.Address.State,
			PostalCode: order.Address.PostalCode,
			Country:    order.Address.Country,
			Phone:      order.Address.Phone,
		},
		Items:       rows,
		Subtotal:    order.Totals.Subtotal,
		Tax:         order.Totals.Tax,
		Shipping:    order.Totals.Shipping,
		Discount:    order.Totals.Discount,
		Total:       order.Totals.Total,
		PlacedAt:    order.CreatedAt.UTC(),
		DeliveredAt: order.UpdatedAt.UTC(),
		ExportedAt:  exportedAt,
	}
}
