package storage

import (
	"fmt"
	"strings"
	"time"
)

// ObjectPurpose captures what an object is for so its layout stays in one place.
type ObjectPurpose string

const PurposeInvoiceSnapshot ObjectPurpose = "invoice-snapshot"

// PathParams provide the identifiers used to compose object keys.
type PathParams struct {
	OrderID     string
	DeliveredAt time.Time
	FileName    string
}

// PathBuilder composes the object path for a given purpose.
type PathBuilder func(PathParams) (string, error)

var pathBuilders = map[ObjectPurpose]PathBuilder{
	PurposeInvoiceSnapshot: buildInvoiceSnapshotPath,
}

// BuildObjectPath resolves the storage object path for the given purpose.
func BuildObjectPath(purpose ObjectPurpose, params PathParams) (string, error) {
	builder, ok := pathBuilders[purpose]
	if !ok {
		return "", fmt.Errorf("storage: unsupported object purpose %q", purpose)
	}
	return builder(params)
}

// invoices/{yyyy}/{mm}/{orderID}.json
func buildInvoiceSnapshotPath(params PathParams) (string, error) {
	return buildInvoicePath(params, ".json")
}

func buildInvoicePath(params PathParams, ext string) (string, error) {
	orderID, err := validateSegment("orderID", params.OrderID)
	if err != nil {
		return "", err
	}
	if params.DeliveredAt.IsZero() {
		return "", fmt.Errorf("storage: deliveredAt is required")
	}
	at := params.DeliveredAt.UTC()
	name := strings.TrimSpace(params.FileName)
	if name == "" {
		name = orderID + ext
	}
	fileName, err := validateFileName(name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("invoices/%04d/%02d/%s", at.Year(), int(at.Month()), fileName), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}

func validateFileName(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: fileName is required")
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: fileName contains invalid path characters")
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: fileName contains invalid traversal sequence")
	}
	return value, nil
}
