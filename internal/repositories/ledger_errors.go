package repositories

import "fmt"

// LedgerErrorCode enumerates guarded-mutation failures raised by the stock and wallet ledgers.
type LedgerErrorCode string

const (
	// LedgerErrorInsufficientStock indicates a decrement would drive available quantity below zero.
	LedgerErrorInsufficientStock LedgerErrorCode = "ledger_insufficient_stock"
	// LedgerErrorInsufficientBalance indicates a debit exceeds the wallet balance.
	LedgerErrorInsufficientBalance LedgerErrorCode = "ledger_insufficient_balance"
	// LedgerErrorProductNotFound indicates the product has no stock record.
	LedgerErrorProductNotFound LedgerErrorCode = "ledger_product_not_found"
	// LedgerErrorInvalidEntry indicates the mutation request itself is malformed.
	LedgerErrorInvalidEntry LedgerErrorCode = "ledger_invalid_entry"
)

// LedgerError wraps ledger-specific failures with machine readable codes.
type LedgerError struct {
	Op        string
	Code      LedgerErrorCode
	Message   string
	ProductID string
	Err       error
}

// Error implements the error interface.
func (e *LedgerError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *LedgerError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewLedgerError constructs a typed ledger error.
func NewLedgerError(code LedgerErrorCode, message string, err error) *LedgerError {
	if message == "" {
		message = string(code)
	}
	return &LedgerError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
