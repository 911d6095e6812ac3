// Package pricing computes invoice lines, totals, payment splits and credit
// eligibility. It is pure: callers supply stock, client and pending balances.
package pricing

import (
	"strings"

	"github.com/shopspring/decimal"

	"mostrador/backend/internal/domain"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// SplitTolerance is the largest accepted gap between a mixed payment and the
// invoice total.
var SplitTolerance = decimal.NewFromInt(1)

type Summary struct {
	Subtotal      decimal.Decimal `json:"subtotal"`
	TierDiscount  decimal.Decimal `json:"tier_discount"`
	ExtraDiscount decimal.Decimal `json:"extra_discount"`
	Delivery      decimal.Decimal `json:"delivery"`
	Total         decimal.Decimal `json:"total"`
}

type Settlement struct {
	Mode   string
	Parts  []domain.PaymentPart
	Credit decimal.Decimal
	Cash   decimal.Decimal
	// Upfront is every non-credit part; it is applied to the invoice as
	// ledger entries at checkout.
	Upfront decimal.Decimal
}

func ValidateCart(lines []domain.CartLine) error {
	if len(lines) == 0 {
		return domain.Invalid(domain.CodeEmptyCart, "lines", "cart is empty")
	}
	for _, line := range lines {
		if strings.TrimSpace(line.ProductID) == "" {
			return domain.Invalid(domain.CodeUnknownProduct, "lines", "line without product")
		}
		if line.Qty <= 0 {
			return domain.Invalid(domain.CodeInvalidQuantity, line.ProductID, "quantity must be positive")
		}
	}
	return nil
}

// ApplyDiscount prices every line at OriginalPrice less pct percent. Prices are
// always derived from OriginalPrice so repeated calls never compound.
func ApplyDiscount(lines []domain.InvoiceLine, pct decimal.Decimal) []domain.InvoiceLine {
	factor := one.Sub(pct.Div(hundred))
	out := make([]domain.InvoiceLine, len(lines))
	for i, line := range lines {
		line.UnitPrice = line.OriginalPrice.Mul(factor).Round(2)
		line.LineTotal = line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Qty)))
		out[i] = line
	}
	return out
}

// Summarize totals priced lines. Subtotal is the undiscounted amount and the
// tier discount is the gap between it and the discounted line totals, so
// Total = Subtotal + Delivery - (TierDiscount + ExtraDiscount).
func Summarize(lines []domain.InvoiceLine, delivery decimal.Decimal, extra decimal.Decimal) (Summary, error) {
	if delivery.IsNegative() {
		return Summary{}, domain.Invalid(domain.CodeInvalidAmount, "delivery", "delivery fee cannot be negative")
	}
	if extra.IsNegative() {
		return Summary{}, domain.Invalid(domain.CodeInvalidAmount, "extra_discount", "discount cannot be negative")
	}

	subtotal := decimal.Zero
	net := decimal.Zero
	for _, line := range lines {
		qty := decimal.NewFromInt(int64(line.Qty))
		subtotal = subtotal.Add(line.OriginalPrice.Mul(qty))
		net = net.Add(line.LineTotal)
	}

	summary := Summary{
		Subtotal:      subtotal,
		TierDiscount:  subtotal.Sub(net),
		ExtraDiscount: extra,
		Delivery:      delivery,
	}
	summary.Total = subtotal.Add(delivery).Sub(summary.TierDiscount.Add(extra))
	if summary.Total.IsNegative() {
		return Summary{}, domain.Invalid(domain.CodeDiscountExceeds, "extra_discount", "discount exceeds invoice amount").
			WithAmount(summary.Total.Neg())
	}
	return summary, nil
}

// CheckStock rejects the first product whose requested quantity exceeds the
// available POS stock. Amount is the shortfall in units.
func CheckStock(lines []domain.InvoiceLine, available map[string]int) error {
	requested := make(map[string]int, len(lines))
	order := make([]string, 0, len(lines))
	for _, line := range lines {
		if _, seen := requested[line.ProductID]; !seen {
			order = append(order, line.ProductID)
		}
		requested[line.ProductID] += line.Qty
	}
	for _, id := range order {
		stock, ok := available[id]
		if !ok {
			return domain.Invalid(domain.CodeUnknownProduct, id, "product not found")
		}
		if requested[id] > stock {
			shortfall := requested[id] - stock
			return domain.Invalid(domain.CodeInsufficientStock, id, "insufficient stock: requested %d, available %d", requested[id], stock).
				WithAmount(decimal.NewFromInt(int64(shortfall)))
		}
	}
	return nil
}

// AvailableCredit is the client's effective limit less what is already owed.
func AvailableCredit(client domain.Client, pending decimal.Decimal) decimal.Decimal {
	available := client.EffectiveLimit().Sub(pending)
	if available.IsNegative() {
		return decimal.Zero
	}
	return available
}

// CheckCredit validates the credit portion of a sale. On rejection Amount is
// the minimum cash needed to proceed.
func CheckCredit(portion decimal.Decimal, client *domain.Client, pending decimal.Decimal) error {
	if !portion.IsPositive() {
		return nil
	}
	if client == nil {
		return domain.Invalid(domain.CodeClientRequired, "client_id", "credit sales require a client").WithAmount(portion)
	}
	if client.Blocked {
		return domain.Invalid(domain.CodeClientBlocked, "client_id", "client %s is blocked for credit", client.Name).WithAmount(portion)
	}
	if client.Tier.IsBase() {
		return domain.Invalid(domain.CodeCreditNotAllowed, "client_id", "client tier does not allow credit").WithAmount(portion)
	}
	available := AvailableCredit(*client, pending)
	if portion.GreaterThan(available) {
		excess := portion.Sub(available)
		return domain.Invalid(domain.CodeCreditExceeded, "payment", "credit limit exceeded: pay at least %s in cash", excess.StringFixed(0)).
			WithAmount(excess)
	}
	return nil
}

// ResolvePayment validates a single or two-part payment against total and
// splits it into credit and upfront portions.
func ResolvePayment(payment domain.Payment, total decimal.Decimal) (Settlement, error) {
	mode := strings.ToLower(strings.TrimSpace(payment.Mode))
	if mode == "" {
		mode = domain.PaymentSingle
		if len(payment.Parts) == 2 {
			mode = domain.PaymentMixed
		}
	}

	parts := make([]domain.PaymentPart, 0, len(payment.Parts))
	for _, part := range payment.Parts {
		method, ok := domain.NormalizeMethod(part.Method)
		if !ok {
			return Settlement{}, domain.Invalid(domain.CodeUnknownMethod, "payment", "unknown payment method %q", part.Method)
		}
		part.Method = method
		part.Reference = strings.TrimSpace(part.Reference)
		part.Description = strings.TrimSpace(part.Description)
		if domain.RequiresReference(method) && part.Reference == "" {
			return Settlement{}, domain.Invalid(domain.CodeReferenceRequired, "payment", "%s payments require a reference", method)
		}
		if method == domain.MethodOther && part.Description == "" {
			return Settlement{}, domain.Invalid(domain.CodeDescriptionRequired, "payment", "other payments require a description")
		}
		parts = append(parts, part)
	}

	switch mode {
	case domain.PaymentSingle:
		if len(parts) != 1 {
			return Settlement{}, domain.Invalid(domain.CodeSplitParts, "payment", "single payments take exactly one method")
		}
		parts[0].Amount = total
	case domain.PaymentMixed:
		if len(parts) != 2 {
			return Settlement{}, domain.Invalid(domain.CodeSplitParts, "payment", "mixed payments take exactly two parts")
		}
		sum := decimal.Zero
		for _, part := range parts {
			if !part.Amount.IsPositive() {
				return Settlement{}, domain.Invalid(domain.CodeInvalidAmount, "payment", "split amounts must be positive")
			}
			sum = sum.Add(part.Amount)
		}
		gap := sum.Sub(total)
		if gap.Abs().GreaterThan(SplitTolerance) {
			return Settlement{}, domain.Invalid(domain.CodeSplitMismatch, "payment", "split parts add up to %s, invoice total is %s", sum.String(), total.String()).
				WithAmount(gap)
		}
		absorbRounding(parts, gap)
	default:
		return Settlement{}, domain.Invalid(domain.CodeSplitParts, "payment", "unknown payment mode %q", payment.Mode)
	}

	settlement := Settlement{Mode: mode, Parts: parts, Credit: decimal.Zero, Cash: decimal.Zero, Upfront: decimal.Zero}
	for _, part := range parts {
		switch part.Method {
		case domain.MethodCredit:
			settlement.Credit = settlement.Credit.Add(part.Amount)
		case domain.MethodCash:
			settlement.Cash = settlement.Cash.Add(part.Amount)
			settlement.Upfront = settlement.Upfront.Add(part.Amount)
		default:
			settlement.Upfront = settlement.Upfront.Add(part.Amount)
		}
	}
	return settlement, nil
}

// absorbRounding moves a tolerated split gap onto the credit part, or the
// last part when there is none, so the parts add up to the total exactly.
func absorbRounding(parts []domain.PaymentPart, gap decimal.Decimal) {
	if gap.IsZero() {
		return
	}
	target := len(parts) - 1
	for i, part := range parts {
		if part.Method == domain.MethodCredit {
			target = i
			break
		}
	}
	parts[target].Amount = parts[target].Amount.Sub(gap)
}
