package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"mostrador/backend/internal/domain"
)

// Settle recomputes balance and status from the ledger entries.
func Settle(inv domain.Invoice) domain.Invoice {
	inv.Balance = inv.Total.Sub(inv.Paid())
	if inv.Balance.IsPositive() {
		inv.Status = domain.InvoiceStatusPending
	} else {
		inv.Balance = decimal.Zero
		inv.Status = domain.InvoiceStatusPaid
	}
	return inv
}

// ApplyAbono records a payment against the invoice's outstanding balance.
// The sum of entries never exceeds the total; an overpayment is rejected with
// the excess as Amount.
func ApplyAbono(inv domain.Invoice, entry domain.LedgerEntry, client *domain.Client, now time.Time) (domain.Invoice, error) {
	method, ok := domain.NormalizeMethod(entry.Method)
	if !ok {
		return inv, domain.Invalid(domain.CodeUnknownMethod, "method", "unknown payment method %q", entry.Method)
	}
	if method == domain.MethodCredit {
		return inv, domain.Invalid(domain.CodeUnknownMethod, "method", "a payment cannot be made on credit")
	}
	entry.Method = method
	entry.Reference = strings.TrimSpace(entry.Reference)
	if domain.RequiresReference(method) && entry.Reference == "" {
		return inv, domain.Invalid(domain.CodeReferenceRequired, "reference", "%s payments require a reference", method)
	}
	if !entry.Amount.IsPositive() {
		return inv, domain.Invalid(domain.CodeInvalidAmount, "amount", "payment amount must be positive")
	}
	if client != nil && client.Blocked {
		return inv, domain.Invalid(domain.CodeClientBlocked, "client_id", "client %s is blocked", client.Name)
	}

	balance := inv.Total.Sub(inv.Paid())
	if !balance.IsPositive() {
		return inv, domain.Invalid(domain.CodeInvoiceSettled, "invoice_id", "invoice %s is already paid", inv.Code)
	}
	if entry.Amount.GreaterThan(balance) {
		excess := entry.Amount.Sub(balance)
		return inv, domain.Invalid(domain.CodeOverpayment, "amount",
			"payment exceeds the balance of %s by %s", balance.StringFixed(0), excess.StringFixed(0)).
			WithAmount(excess)
	}

	entry.Seq = len(inv.Entries) + 1
	if entry.At.IsZero() {
		entry.At = now
	}
	inv.Entries = append(append([]domain.LedgerEntry(nil), inv.Entries...), entry)
	return Settle(inv), nil
}

// Overdue reports whether a pending invoice is past its due date.
func Overdue(inv domain.Invoice, now time.Time) bool {
	return inv.Status == domain.InvoiceStatusPending && inv.DueDate != nil && now.After(*inv.DueDate)
}
