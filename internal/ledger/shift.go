// Package ledger holds the cash accounting rules: shift open and close with
// discrepancy checks, transfers between cash holders and payments applied
// against invoices. Functions are pure; callers persist the results.
package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"mostrador/backend/internal/domain"
)

// DefaultTolerance is the largest discrepancy a shift closes with unattended.
var DefaultTolerance = decimal.NewFromInt(1)

const (
	ClassNormal   = "normal"
	ClassSurplus  = "sobrante"
	ClassShortage = "faltante"
)

type Reconciliation struct {
	Theoretical    decimal.Decimal `json:"theoretical"`
	Physical       decimal.Decimal `json:"physical"`
	Discrepancy    decimal.Decimal `json:"discrepancy"`
	NeedsOverride  bool            `json:"needs_override"`
	Classification string          `json:"classification"`
}

// Open starts a shift for userID. Without an explicit amount the opening cash
// is what the user carried over from the last close.
func Open(userID string, explicit *decimal.Decimal, carried decimal.Decimal, now time.Time) (domain.ShiftRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.ShiftRecord{}, domain.Invalid(domain.CodeMissingField, "user_id", "a shift needs a user")
	}
	opening := carried
	if explicit != nil {
		opening = *explicit
	}
	if opening.IsNegative() {
		return domain.ShiftRecord{}, domain.Invalid(domain.CodeInvalidAmount, "opening_cash", "opening cash cannot be negative")
	}
	return domain.ShiftRecord{
		UserID:      userID,
		OpenedAt:    now,
		OpeningCash: opening,
		CashIn:      decimal.Zero,
		CashOut:     decimal.Zero,
		Status:      domain.ShiftStatusOpen,
	}, nil
}

// FundOpening returns the balance deltas that bring holder's drawer to the
// opening amount. Cash above what the drawer holds comes out of the vault and
// cash below it goes back there. An opening equal to the drawer needs none.
func FundOpening(balances map[string]decimal.Decimal, holder string, opening decimal.Decimal) (map[string]decimal.Decimal, error) {
	diff := opening.Sub(balances[holder])
	var (
		deltas map[string]decimal.Decimal
		err    error
	)
	switch {
	case diff.IsPositive():
		deltas, err = PlanTransfer(balances, domain.VaultHolder, holder, diff)
	case diff.IsNegative():
		deltas, err = PlanTransfer(balances, holder, domain.VaultHolder, diff.Neg())
	}
	if verr, ok := domain.AsValidation(err); ok {
		verr.Field = "opening_cash"
	}
	return deltas, err
}

// Restore accepts a cached open-shift marker only when it belongs to userID
// and is still open.
func Restore(marker domain.ShiftRecord, userID string) (domain.ShiftRecord, bool) {
	if marker.Status != domain.ShiftStatusOpen || marker.UserID != userID || marker.ID == "" {
		return domain.ShiftRecord{}, false
	}
	return marker, true
}

func Theoretical(shift domain.ShiftRecord) decimal.Decimal {
	return shift.OpeningCash.Add(shift.CashIn).Sub(shift.CashOut)
}

// RecordCashIn adds cash received during the shift.
func RecordCashIn(shift domain.ShiftRecord, amount decimal.Decimal) domain.ShiftRecord {
	shift.CashIn = shift.CashIn.Add(amount)
	return shift
}

// RecordCashOut adds cash paid out of the drawer during the shift.
func RecordCashOut(shift domain.ShiftRecord, amount decimal.Decimal) domain.ShiftRecord {
	shift.CashOut = shift.CashOut.Add(amount)
	return shift
}

func Reconcile(shift domain.ShiftRecord, physical decimal.Decimal, tolerance decimal.Decimal) (Reconciliation, error) {
	if shift.Status != domain.ShiftStatusOpen {
		return Reconciliation{}, domain.Invalid(domain.CodeShiftNotOpen, "shift", "shift is not open")
	}
	if physical.IsNegative() {
		return Reconciliation{}, domain.Invalid(domain.CodeInvalidAmount, "physical", "counted cash cannot be negative")
	}

	theoretical := Theoretical(shift)
	discrepancy := physical.Sub(theoretical)
	rec := Reconciliation{
		Theoretical:    theoretical,
		Physical:       physical,
		Discrepancy:    discrepancy,
		NeedsOverride:  discrepancy.Abs().GreaterThan(tolerance),
		Classification: ClassNormal,
	}
	if rec.NeedsOverride {
		rec.Classification = ClassShortage
		if discrepancy.IsPositive() {
			rec.Classification = ClassSurplus
		}
	}
	return rec, nil
}

// Close finishes the shift. A discrepancy beyond tolerance needs an override,
// and the closed record is then flagged as authorized with discrepancy.
func Close(shift domain.ShiftRecord, rec Reconciliation, override *domain.Override, now time.Time) (domain.ShiftRecord, error) {
	if shift.Status != domain.ShiftStatusOpen {
		return domain.ShiftRecord{}, domain.Invalid(domain.CodeShiftNotOpen, "shift", "shift is not open")
	}
	if rec.NeedsOverride && override == nil {
		return domain.ShiftRecord{}, domain.Invalid(domain.CodeOverrideRequired, "physical",
			"cash count differs by %s, a supervisor must authorize the close", rec.Discrepancy.StringFixed(0)).
			WithAmount(rec.Discrepancy)
	}

	closedAt := now
	shift.Status = domain.ShiftStatusClosed
	shift.ClosedAt = &closedAt
	shift.Theoretical = rec.Theoretical
	shift.Physical = rec.Physical
	shift.Discrepancy = rec.Discrepancy
	if rec.NeedsOverride {
		shift.AuthorizedWithDiscrepancy = true
		shift.AuthorizedBy = override.By
	}
	return shift, nil
}
