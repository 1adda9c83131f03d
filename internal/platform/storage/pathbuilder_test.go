package storage

import (
	"testing"
	"time"
)

func TestBuildInvoiceSnapshotPath(t *testing.T) {
	path, err := BuildObjectPath(PurposeInvoiceSnapshot, PathParams{
		OrderID:     "01HX0ORDER",
		DeliveredAt: time.Date(2025, 3, 9, 23, 30, 0, 0, time.FixedZone("IST", 5*3600+1800)),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "invoices/2025/03/01HX0ORDER.json"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildInvoiceSnapshotPathUsesUTCMonth(t *testing.T) {
	path, err := BuildObjectPath(PurposeInvoiceSnapshot, PathParams{
		OrderID:     "ord-1",
		DeliveredAt: time.Date(2025, 5, 1, 2, 0, 0, 0, time.FixedZone("IST", 5*3600+1800)),
		FileName:    "ord-1-v2.json",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "invoices/2025/04/ord-1-v2.json"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildObjectPathRejectsUnknownPurpose(t *testing.T) {
	if _, err := BuildObjectPath("invoice-document", PathParams{OrderID: "ord-1", DeliveredAt: time.Now()}); err == nil {
		t.Fatalf("expected error for unknown purpose")
	}
}

func TestBuildObjectPathRejectsInvalidSegment(t *testing.T) {
	_, err := BuildObjectPath(PurposeInvoiceSnapshot, PathParams{
		OrderID:     "../bad",
		DeliveredAt: time.Now(),
	})
	if err == nil {
		t.Fatalf("expected error for invalid segment")
	}
}

func TestBuildObjectPathRequiresDeliveryTime(t *testing.T) {
	if _, err := BuildObjectPath(PurposeInvoiceSnapshot, PathParams{OrderID: "ord-1"}); err == nil {
		t.Fatalf("expected error without delivery time")
	}
}
