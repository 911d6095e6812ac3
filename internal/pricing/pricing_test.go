package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mostrador/backend/internal/domain"
)

func dec(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func validationCode(t *testing.T, err error) *domain.ValidationError {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrValidation)
	verr, ok := domain.AsValidation(err)
	require.True(t, ok)
	return verr
}

func TestApplyDiscountNeverCompounds(t *testing.T) {
	lines := []domain.InvoiceLine{{ProductID: "p1", Qty: 2, OriginalPrice: dec(10000)}}

	once := ApplyDiscount(lines, dec(5))
	twice := ApplyDiscount(once, dec(5))

	assert.True(t, once[0].UnitPrice.Equal(dec(9500)))
	assert.True(t, twice[0].UnitPrice.Equal(once[0].UnitPrice))
	assert.True(t, twice[0].LineTotal.Equal(dec(19000)))

	reset := ApplyDiscount(twice, decimal.Zero)
	assert.True(t, reset[0].UnitPrice.Equal(dec(10000)))
}

func TestSummarizeTotals(t *testing.T) {
	lines := ApplyDiscount([]domain.InvoiceLine{
		{ProductID: "p1", Qty: 2, OriginalPrice: dec(10000)},
		{ProductID: "p2", Qty: 1, OriginalPrice: dec(5000)},
	}, dec(10))

	summary, err := Summarize(lines, dec(3000), dec(500))
	require.NoError(t, err)
	assert.True(t, summary.Subtotal.Equal(dec(25000)))
	assert.True(t, summary.TierDiscount.Equal(dec(2500)))
	// 25000 + 3000 - (2500 + 500)
	assert.True(t, summary.Total.Equal(dec(25000)))

	_, err = Summarize(lines, decimal.Zero, dec(30000))
	verr := validationCode(t, err)
	assert.Equal(t, domain.CodeDiscountExceeds, verr.Code)
}

func TestValidateCartRejectsEmptyAndZeroQuantity(t *testing.T) {
	verr := validationCode(t, ValidateCart(nil))
	assert.Equal(t, domain.CodeEmptyCart, verr.Code)

	verr = validationCode(t, ValidateCart([]domain.CartLine{{ProductID: "p1", Qty: 0}}))
	assert.Equal(t, domain.CodeInvalidQuantity, verr.Code)

	assert.NoError(t, ValidateCart([]domain.CartLine{{ProductID: "p1", Qty: 1}}))
}

func TestCheckStockReportsShortfall(t *testing.T) {
	lines := []domain.InvoiceLine{
		{ProductID: "p1", Qty: 3},
		{ProductID: "p1", Qty: 4},
	}

	verr := validationCode(t, CheckStock(lines, map[string]int{"p1": 5}))
	assert.Equal(t, domain.CodeInsufficientStock, verr.Code)
	assert.True(t, verr.Amount.Equal(dec(2)))

	assert.NoError(t, CheckStock(lines, map[string]int{"p1": 7}))
}

func TestCheckCreditLimitBoundary(t *testing.T) {
	client := &domain.Client{Name: "Tienda", Tier: domain.TierSilver, CreditLimit: dec(100000)}

	assert.NoError(t, CheckCredit(dec(100000), client, decimal.Zero))

	verr := validationCode(t, CheckCredit(dec(100001), client, decimal.Zero))
	assert.Equal(t, domain.CodeCreditExceeded, verr.Code)
	assert.True(t, verr.Amount.Equal(dec(1)))

	// Pending invoices consume the limit.
	verr = validationCode(t, CheckCredit(dec(50000), client, dec(80000)))
	assert.True(t, verr.Amount.Equal(dec(30000)))
}

func TestCheckCreditRejectsBaseTierAndBlocked(t *testing.T) {
	base := &domain.Client{Name: "Contado", Tier: domain.TierBase, CreditLimit: dec(100000)}
	verr := validationCode(t, CheckCredit(dec(1), base, decimal.Zero))
	assert.Equal(t, domain.CodeCreditNotAllowed, verr.Code)

	blocked := &domain.Client{Name: "Moroso", Tier: domain.TierGold, Blocked: true}
	verr = validationCode(t, CheckCredit(dec(1), blocked, decimal.Zero))
	assert.Equal(t, domain.CodeClientBlocked, verr.Code)

	verr = validationCode(t, CheckCredit(dec(1), nil, decimal.Zero))
	assert.Equal(t, domain.CodeClientRequired, verr.Code)

	assert.NoError(t, CheckCredit(decimal.Zero, nil, decimal.Zero))
}

func TestResolvePaymentMixedSplit(t *testing.T) {
	total := dec(100000)

	settlement, err := ResolvePayment(domain.Payment{Parts: []domain.PaymentPart{
		{Method: "Transferencia", Amount: dec(60000), Reference: "REF1"},
		{Method: "Efectivo", Amount: dec(40000)},
	}}, total)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentMixed, settlement.Mode)
	assert.True(t, settlement.Cash.Equal(dec(40000)))
	assert.True(t, settlement.Upfront.Equal(total))
	assert.True(t, settlement.Credit.IsZero())

	_, err = ResolvePayment(domain.Payment{Parts: []domain.PaymentPart{
		{Method: "Transferencia", Amount: dec(70000), Reference: "REF1"},
		{Method: "Efectivo", Amount: dec(40000)},
	}}, total)
	verr := validationCode(t, err)
	assert.Equal(t, domain.CodeSplitMismatch, verr.Code)
	assert.True(t, verr.Amount.Equal(dec(10000)))
}

func TestResolvePaymentToleratesOneUnitAndAbsorbsIntoCredit(t *testing.T) {
	settlement, err := ResolvePayment(domain.Payment{Mode: "mixed", Parts: []domain.PaymentPart{
		{Method: "credito", Amount: dec(60001)},
		{Method: "efectivo", Amount: dec(40000)},
	}}, dec(100000))
	require.NoError(t, err)
	assert.True(t, settlement.Credit.Equal(dec(60000)))
	assert.True(t, settlement.Cash.Equal(dec(40000)))
}

func TestResolvePaymentReferenceRules(t *testing.T) {
	_, err := ResolvePayment(domain.Payment{Parts: []domain.PaymentPart{{Method: "tarjeta"}}}, dec(1000))
	assert.Equal(t, domain.CodeReferenceRequired, validationCode(t, err).Code)

	_, err = ResolvePayment(domain.Payment{Parts: []domain.PaymentPart{{Method: "otro", Reference: "R-9"}}}, dec(1000))
	assert.Equal(t, domain.CodeDescriptionRequired, validationCode(t, err).Code)

	_, err = ResolvePayment(domain.Payment{Parts: []domain.PaymentPart{{Method: "bitcoin"}}}, dec(1000))
	assert.Equal(t, domain.CodeUnknownMethod, validationCode(t, err).Code)

	_, err = ResolvePayment(domain.Payment{Mode: "mixed", Parts: []domain.PaymentPart{{Method: "efectivo", Amount: dec(1000)}}}, dec(1000))
	assert.Equal(t, domain.CodeSplitParts, validationCode(t, err).Code)

	settlement, err := ResolvePayment(domain.Payment{Parts: []domain.PaymentPart{{Method: "credito"}}}, dec(1000))
	require.NoError(t, err)
	assert.True(t, settlement.Credit.Equal(dec(1000)))
	assert.True(t, settlement.Upfront.IsZero())
}
