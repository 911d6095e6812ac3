package ledger

import (
	"strings"

	"github.com/shopspring/decimal"

	"mostrador/backend/internal/domain"
)

// PlanTransfer returns the balance deltas moving amount from one holder to
// another. The deltas always sum to zero. A source that cannot cover the
// amount is rejected with the shortfall.
func PlanTransfer(balances map[string]decimal.Decimal, from string, to string, amount decimal.Decimal) (map[string]decimal.Decimal, error) {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" {
		return nil, domain.Invalid(domain.CodeMissingField, "holder", "transfer needs a source and a destination")
	}
	if from == to {
		return nil, domain.Invalid(domain.CodeTransferSameHolder, "to", "source and destination are the same")
	}
	if !amount.IsPositive() {
		return nil, domain.Invalid(domain.CodeInvalidAmount, "amount", "transfer amount must be positive")
	}

	available := balances[from]
	if amount.GreaterThan(available) {
		shortfall := amount.Sub(available)
		return nil, domain.Invalid(domain.CodeTransferShortfall, "amount",
			"%s holds %s, short by %s", from, available.StringFixed(0), shortfall.StringFixed(0)).
			WithAmount(shortfall)
	}
	return map[string]decimal.Decimal{
		from: amount.Neg(),
		to:   amount,
	}, nil
}

// Apply adds deltas to balances and returns the new map.
func Apply(balances map[string]decimal.Decimal, deltas map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(balances)+len(deltas))
	for holder, amount := range balances {
		out[holder] = amount
	}
	for holder, delta := range deltas {
		out[holder] = out[holder].Add(delta)
	}
	return out
}
