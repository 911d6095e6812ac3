package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrValidation matches every *ValidationError through errors.Is.
var ErrValidation = errors.New("validation failed")

// ErrForbidden is returned when the acting role may not run an operation.
var ErrForbidden = errors.New("forbidden")

// ValidationError is a user-correctable rejection. Amount carries the
// corrective figure when one exists: minimum cash, stock shortfall, transfer
// shortfall or split mismatch.
type ValidationError struct {
	Code    string          `json:"code"`
	Field   string          `json:"field,omitempty"`
	Message string          `json:"message"`
	Amount  decimal.Decimal `json:"amount"`
}

func Invalid(code string, field string, format string, args ...any) *ValidationError {
	return &ValidationError{
		Code:    code,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
}

func (e *ValidationError) WithAmount(amount decimal.Decimal) *ValidationError {
	e.Amount = amount
	return e
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// AsValidation extracts the validation detail from a wrapped error.
func AsValidation(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}

const (
	CodeEmptyCart           = "empty_cart"
	CodeInvalidQuantity     = "invalid_quantity"
	CodeInvalidAmount       = "invalid_amount"
	CodeInsufficientStock   = "insufficient_stock"
	CodeUnknownProduct      = "unknown_product"
	CodeDiscountExceeds     = "discount_exceeds_total"
	CodeClientRequired      = "client_required"
	CodeClientBlocked       = "client_blocked"
	CodeCreditNotAllowed    = "credit_not_allowed"
	CodeCreditExceeded      = "credit_exceeded"
	CodeUnknownMethod       = "unknown_method"
	CodeReferenceRequired   = "reference_required"
	CodeDescriptionRequired = "description_required"
	CodeSplitParts          = "split_parts"
	CodeSplitMismatch       = "split_mismatch"
	CodeOverpayment         = "overpayment"
	CodeInvoiceSettled      = "invoice_settled"
	CodeTransferShortfall   = "transfer_shortfall"
	CodeTransferSameHolder  = "transfer_same_holder"
	CodeShiftNotOpen        = "shift_not_open"
	CodeOverrideRequired    = "discrepancy_requires_override"
	CodeOverrideResolved    = "override_already_resolved"
	CodeMissingField        = "missing_field"
	CodeInvalidPIN          = "invalid_supervisor_pin"
	CodeInvalidFile         = "invalid_file"
	CodeSameProduct         = "same_product"
)
