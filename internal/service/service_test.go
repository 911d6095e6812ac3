package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mostrador/backend/internal/cache"
	"mostrador/backend/internal/domain"
	"mostrador/backend/internal/persist"
	"mostrador/backend/internal/sequence"
	"mostrador/backend/internal/store"
	"mostrador/backend/internal/store/memory"
)

const (
	testScope = "tienda-1"
	testPIN   = "2468"

	arrozID   = "3f1c2a10-5b7e-4c1a-9d2e-000000000001"
	jabonID   = "3f1c2a10-5b7e-4c1a-9d2e-000000000004"
	esquinaID = "8a0e4b52-77d1-4f3b-a1c6-00000000c001"
	mariaID   = "8a0e4b52-77d1-4f3b-a1c6-00000000c002"
)

var (
	admin   = domain.AppContext{UserID: "admin", Role: domain.RoleAdmin, Scope: testScope}
	cashier = domain.AppContext{UserID: "cajero", Role: domain.RoleCashier, Scope: testScope}
)

type fakePINs struct{}

func (fakePINs) ValidateManagerPIN(pin string) bool { return pin == testPIN }

type fixture struct {
	svc  *Service
	rows *memory.Store
	kv   *cache.Memory
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	rows := memory.NewSeeded(testScope)
	kv := cache.NewMemory()
	return fixture{svc: newServiceOn(rows, kv), rows: rows, kv: kv}
}

func newServiceOn(rows *memory.Store, kv *cache.Memory) *Service {
	adapter := persist.New(rows, persist.RetryPolicy{Attempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}, zerolog.Nop())
	sequencer := sequence.New(rows, kv, nil, "FAC", 6, zerolog.Nop())
	return New(adapter, sequencer, kv, fakePINs{}, Options{}, zerolog.Nop())
}

func dec(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func decPtr(v int64) *decimal.Decimal {
	d := dec(v)
	return &d
}

func requireCode(t *testing.T, err error, code string) *domain.ValidationError {
	t.Helper()
	require.Error(t, err)
	verr, ok := domain.AsValidation(err)
	require.True(t, ok, "expected validation error, got %v", err)
	assert.Equal(t, code, verr.Code)
	return verr
}

func single(method string) domain.Payment {
	return domain.Payment{Parts: []domain.PaymentPart{{Method: method}}}
}

func openShift(t *testing.T, svc *Service, app domain.AppContext, opening int64) domain.ShiftRecord {
	t.Helper()
	resp, err := svc.OpenShift(context.Background(), app, domain.ShiftOpenRequest{OpeningCash: decPtr(opening)})
	require.NoError(t, err)
	return resp.Shift
}

func productByID(t *testing.T, svc *Service, id string) domain.Product {
	t.Helper()
	products, err := svc.ListProducts(context.Background(), admin, true)
	require.NoError(t, err)
	for _, p := range products {
		if p.ID == id {
			return p
		}
	}
	t.Fatalf("product %s not found", id)
	return domain.Product{}
}

func balanceOf(t *testing.T, svc *Service, holder string) decimal.Decimal {
	t.Helper()
	balances, err := svc.Balances(context.Background(), admin)
	require.NoError(t, err)
	for _, b := range balances {
		if b.Holder == holder {
			return b.Amount
		}
	}
	return decimal.Zero
}

func TestCheckoutRequiresOpenShift(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Checkout(context.Background(), cashier, domain.CheckoutRequest{
		Lines:   []domain.CartLine{{ProductID: jabonID, Qty: 1}},
		Payment: single("efectivo"),
	})
	requireCode(t, err, domain.CodeShiftNotOpen)
	assert.Equal(t, 10, productByID(t, f.svc, jabonID).StockPOS)
}

func TestCheckoutTakesStockAndDeleteRestoresIt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	openShift(t, f.svc, cashier, 50000)

	resp, err := f.svc.Checkout(ctx, cashier, domain.CheckoutRequest{
		Lines:   []domain.CartLine{{ProductID: jabonID, Qty: 3}},
		Payment: single("Efectivo"),
	})
	require.NoError(t, err)
	inv := resp.Invoice
	assert.Equal(t, "FAC-000001", inv.Code)
	assert.Equal(t, sequence.SourceRemote, resp.SequenceSource)
	assert.Equal(t, domain.InvoiceStatusPaid, inv.Status)
	assert.True(t, inv.Total.Equal(dec(6300)))
	assert.True(t, inv.Balance.IsZero())
	require.Len(t, inv.Entries, 1)
	assert.Equal(t, domain.MethodCash, inv.Entries[0].Method)
	assert.Equal(t, 7, productByID(t, f.svc, jabonID).StockPOS)

	active, err := f.svc.ActiveShift(ctx, cashier)
	require.NoError(t, err)
	assert.True(t, active.Shift.CashIn.Equal(dec(6300)))
	assert.True(t, active.Balance.Equal(dec(56300)))
	assert.True(t, balanceOf(t, f.svc, domain.UserHolder("cajero")).Equal(dec(56300)))

	_, err = f.svc.DeleteInvoice(ctx, cashier, inv.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	deleted, err := f.svc.DeleteInvoice(ctx, admin, inv.Code)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, deleted.ID)
	assert.Equal(t, 10, productByID(t, f.svc, jabonID).StockPOS)

	invoices, err := f.svc.ListInvoices(ctx, admin)
	require.NoError(t, err)
	assert.Empty(t, invoices)
}

func TestCheckoutRejectsMoreThanPOSStock(t *testing.T) {
	f := newFixture(t)
	openShift(t, f.svc, cashier, 0)

	_, err := f.svc.Checkout(context.Background(), cashier, domain.CheckoutRequest{
		Lines:   []domain.CartLine{{ProductID: jabonID, Qty: 11}},
		Payment: single("efectivo"),
	})
	verr := requireCode(t, err, domain.CodeInsufficientStock)
	assert.True(t, verr.Amount.Equal(dec(1)))
	assert.Equal(t, 10, productByID(t, f.svc, jabonID).StockPOS)
}

func TestQuoteAppliesTierDiscount(t *testing.T) {
	f := newFixture(t)

	quote, err := f.svc.Quote(context.Background(), cashier, domain.CheckoutRequest{
		ClientID: esquinaID,
		Lines:    []domain.CartLine{{ProductID: arrozID, Qty: 2}},
		Delivery: dec(1000),
	})
	require.NoError(t, err)
	assert.True(t, quote.Subtotal.Equal(dec(5000)))
	assert.True(t, quote.TierDiscount.Equal(dec(250)))
	assert.True(t, quote.Total.Equal(dec(5750)))
	assert.True(t, quote.AvailableCredit.Equal(dec(1000000)))
	assert.True(t, quote.Lines[0].UnitPrice.Equal(dec(2375)))
}

func TestCreditSaleRespectsAvailableCredit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	openShift(t, f.svc, cashier, 0)

	clients, err := f.svc.ListClients(ctx, admin, false)
	require.NoError(t, err)
	var esquina domain.Client
	for _, c := range clients {
		if c.ID == esquinaID {
			esquina = c
		}
	}
	esquina.CreditLimit = dec(4750)
	_, err = f.svc.SaveClient(ctx, admin, esquina)
	require.NoError(t, err)

	resp, err := f.svc.Checkout(ctx, cashier, domain.CheckoutRequest{
		ClientID: esquinaID,
		Lines:    []domain.CartLine{{ProductID: arrozID, Qty: 2}},
		Payment:  single("credito"),
	})
	require.NoError(t, err)
	inv := resp.Invoice
	assert.Equal(t, domain.InvoiceStatusPending, inv.Status)
	assert.True(t, inv.Balance.Equal(dec(4750)))
	assert.True(t, inv.CreditPortion.Equal(dec(4750)))
	require.NotNil(t, inv.DueDate)
	assert.Equal(t, 30, int(inv.DueDate.Sub(inv.CreatedAt).Hours()/24))

	// The limit is used up; one more unit on credit is rejected with the
	// cash needed to proceed.
	_, err = f.svc.Checkout(ctx, cashier, domain.CheckoutRequest{
		ClientID: esquinaID,
		Lines:    []domain.CartLine{{ProductID: arrozID, Qty: 1}},
		Payment: domain.Payment{Parts: []domain.PaymentPart{
			{Method: "efectivo", Amount: dec(2000)},
			{Method: "credito", Amount: dec(375)},
		}},
	})
	verr := requireCode(t, err, domain.CodeCreditExceeded)
	assert.True(t, verr.Amount.Equal(dec(375)))

	receivables, err := f.svc.Receivables(ctx, admin, esquinaID)
	require.NoError(t, err)
	require.Len(t, receivables.Items, 1)
	assert.True(t, receivables.TotalBalance.Equal(dec(4750)))
	assert.Equal(t, "Tienda La Esquina", receivables.Items[0].ClientName)
	assert.Equal(t, 38, productByID(t, f.svc, arrozID).StockPOS)
}

func TestCreditSaleRejectedForBaseTierClient(t *testing.T) {
	f := newFixture(t)
	openShift(t, f.svc, cashier, 0)

	_, err := f.svc.Checkout(context.Background(), cashier, domain.CheckoutRequest{
		ClientID: mariaID,
		Lines:    []domain.CartLine{{ProductID: arrozID, Qty: 1}},
		Payment:  single("credito"),
	})
	requireCode(t, err, domain.CodeCreditNotAllowed)
}

func TestAbonosSettleInvoice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	openShift(t, f.svc, cashier, 0)

	resp, err := f.svc.Checkout(ctx, cashier, domain.CheckoutRequest{
		ClientID: esquinaID,
		Lines:    []domain.CartLine{{ProductID: arrozID, Qty: 2}},
		Payment:  single("credito"),
	})
	require.NoError(t, err)
	invoiceID := resp.Invoice.ID

	inv, err := f.svc.RegisterAbono(ctx, cashier, domain.AbonoRequest{InvoiceID: invoiceID, Amount: dec(2000), Method: "efectivo"})
	require.NoError(t, err)
	assert.True(t, inv.Balance.Equal(dec(2750)))
	assert.Equal(t, domain.InvoiceStatusPending, inv.Status)

	active, err := f.svc.ActiveShift(ctx, cashier)
	require.NoError(t, err)
	assert.True(t, active.Shift.CashIn.Equal(dec(2000)))

	_, err = f.svc.RegisterAbono(ctx, cashier, domain.AbonoRequest{InvoiceID: invoiceID, Amount: dec(3000), Method: "efectivo"})
	verr := requireCode(t, err, domain.CodeOverpayment)
	assert.True(t, verr.Amount.Equal(dec(250)))

	_, err = f.svc.RegisterAbono(ctx, cashier, domain.AbonoRequest{InvoiceID: invoiceID, Amount: dec(2750), Method: "transferencia"})
	requireCode(t, err, domain.CodeReferenceRequired)

	inv, err = f.svc.RegisterAbono(ctx, cashier, domain.AbonoRequest{InvoiceID: invoiceID, Amount: dec(2750), Method: "transferencia", Reference: "NEQUI-77"})
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, inv.Status)
	assert.True(t, inv.Balance.IsZero())
	assert.Len(t, inv.Entries, 2)

	receivables, err := f.svc.Receivables(ctx, admin, "")
	require.NoError(t, err)
	assert.Empty(t, receivables.Items)
	assert.True(t, receivables.TotalBalance.IsZero())
}

func TestCloseShiftWithinToleranceClosesAtOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	openShift(t, f.svc, cashier, 10000)

	resp, err := f.svc.CloseShift(ctx, cashier, domain.ShiftCloseRequest{Physical: dec(10001)})
	require.NoError(t, err)
	assert.Equal(t, domain.ShiftCloseClosed, resp.Status)
	assert.Equal(t, "normal", resp.Classification)
	assert.False(t, resp.Shift.AuthorizedWithDiscrepancy)
	assert.True(t, balanceOf(t, f.svc, domain.UserHolder("cajero")).Equal(dec(10001)))

	_, err = f.svc.ActiveShift(ctx, cashier)
	requireCode(t, err, domain.CodeShiftNotOpen)
}

func TestCloseShiftDiscrepancyWaitsForOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	openShift(t, f.svc, cashier, 10000)

	pending, err := f.svc.CloseShift(ctx, cashier, domain.ShiftCloseRequest{Physical: dec(9000)})
	require.NoError(t, err)
	assert.Equal(t, domain.ShiftClosePendingOverride, pending.Status)
	assert.Equal(t, "faltante", pending.Classification)
	assert.True(t, pending.Discrepancy.Equal(dec(-1000)))
	require.NotEmpty(t, pending.RequestID)

	// Nothing is persisted while the request is pending.
	_, err = f.svc.ActiveShift(ctx, cashier)
	require.NoError(t, err)

	events, err := f.svc.ListEvents(ctx, admin, domain.EventShiftOverrideRequested, true)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, pending.RequestID, events[0].RequestID)

	_, err = f.svc.AuthorizeShiftClose(ctx, cashier, domain.ShiftAuthorizeRequest{RequestID: pending.RequestID})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.svc.AuthorizeShiftClose(ctx, cashier, domain.ShiftAuthorizeRequest{RequestID: pending.RequestID, SupervisorPIN: "0000"})
	requireCode(t, err, domain.CodeInvalidPIN)

	closed, err := f.svc.AuthorizeShiftClose(ctx, admin, domain.ShiftAuthorizeRequest{RequestID: pending.RequestID})
	require.NoError(t, err)
	assert.Equal(t, domain.ShiftCloseClosed, closed.Status)
	assert.True(t, closed.Shift.AuthorizedWithDiscrepancy)
	assert.Equal(t, "admin", closed.Shift.AuthorizedBy)
	assert.True(t, closed.Shift.Discrepancy.Equal(dec(-1000)))
	assert.True(t, balanceOf(t, f.svc, domain.UserHolder("cajero")).Equal(dec(9000)))

	_, err = f.svc.AuthorizeShiftClose(ctx, admin, domain.ShiftAuthorizeRequest{RequestID: pending.RequestID})
	requireCode(t, err, domain.CodeOverrideResolved)

	events, err = f.svc.ListEvents(ctx, admin, domain.EventShiftOverrideRequested, true)
	require.NoError(t, err)
	assert.Empty(t, events)
	granted, err := f.svc.ListEvents(ctx, admin, domain.EventShiftOverrideGranted, false)
	require.NoError(t, err)
	assert.Len(t, granted, 1)

	_, err = f.svc.ActiveShift(ctx, cashier)
	requireCode(t, err, domain.CodeShiftNotOpen)
}

func TestCloseShiftWithSupervisorPIN(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	openShift(t, f.svc, cashier, 10000)

	_, err := f.svc.CloseShift(ctx, cashier, domain.ShiftCloseRequest{Physical: dec(12000), SupervisorPIN: "1111"})
	requireCode(t, err, domain.CodeInvalidPIN)

	resp, err := f.svc.CloseShift(ctx, cashier, domain.ShiftCloseRequest{Physical: dec(12000), SupervisorPIN: testPIN})
	require.NoError(t, err)
	assert.Equal(t, "sobrante", resp.Classification)
	assert.True(t, resp.Shift.AuthorizedWithDiscrepancy)
	assert.Equal(t, "manager_pin", resp.Shift.AuthorizedBy)
}

func TestOpenShiftIsIdempotentAndCarriesLastClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := openShift(t, f.svc, cashier, 15000)

	again, err := f.svc.OpenShift(ctx, cashier, domain.ShiftOpenRequest{OpeningCash: decPtr(99999)})
	require.NoError(t, err)
	assert.True(t, again.Restored)
	assert.Equal(t, first.ID, again.Shift.ID)
	assert.True(t, again.Shift.OpeningCash.Equal(dec(15000)))

	_, err = f.svc.CloseShift(ctx, cashier, domain.ShiftCloseRequest{Physical: dec(15000)})
	require.NoError(t, err)

	next, err := f.svc.OpenShift(ctx, cashier, domain.ShiftOpenRequest{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, next.Shift.ID)
	assert.True(t, next.Shift.OpeningCash.Equal(dec(15000)))
}

func TestRestoreSessionAfterReload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	shift := openShift(t, f.svc, cashier, 5000)
	volume := 140
	_, err := f.svc.SavePreferences(ctx, cashier, domain.Preferences{LastScreen: "pos", Volume: &volume})
	require.NoError(t, err)
	_, err = f.svc.RememberLookup(ctx, cashier, "arroz")
	require.NoError(t, err)

	// A fresh process over the same store and cache picks the session up.
	reloaded := newServiceOn(f.rows, f.kv)
	resp, err := reloaded.RestoreSession(ctx, cashier)
	require.NoError(t, err)
	require.NotNil(t, resp.Shift)
	assert.Equal(t, shift.ID, resp.Shift.ID)
	assert.Equal(t, "pos", resp.Preferences.LastScreen)
	require.NotNil(t, resp.Preferences.Volume)
	assert.Equal(t, 100, *resp.Preferences.Volume)
	assert.Equal(t, []string{"arroz"}, resp.Lookups)

	other, err := reloaded.RestoreSession(ctx, admin)
	require.NoError(t, err)
	assert.Nil(t, other.Shift)
}

func TestTransferConservesCash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	openShift(t, f.svc, cashier, 0)

	total := func() decimal.Decimal {
		balances, err := f.svc.Balances(ctx, admin)
		require.NoError(t, err)
		sum := decimal.Zero
		for _, b := range balances {
			sum = sum.Add(b.Amount)
		}
		return sum
	}
	before := total()

	_, err := f.svc.Transfer(ctx, admin, domain.TransferRequest{From: "caja_mayor", To: "cajero", Amount: dec(100000)})
	require.NoError(t, err)
	assert.True(t, total().Equal(before))
	assert.True(t, balanceOf(t, f.svc, domain.VaultHolder).Equal(dec(400000)))
	assert.True(t, balanceOf(t, f.svc, domain.UserHolder("cajero")).Equal(dec(100000)))

	active, err := f.svc.ActiveShift(ctx, cashier)
	require.NoError(t, err)
	assert.True(t, active.Balance.Equal(dec(100000)))

	_, err = f.svc.Transfer(ctx, admin, domain.TransferRequest{From: "vault", To: "user:cajero", Amount: dec(450000)})
	verr := requireCode(t, err, domain.CodeTransferShortfall)
	assert.True(t, verr.Amount.Equal(dec(50000)))
	assert.True(t, total().Equal(before))

	_, err = f.svc.Transfer(ctx, cashier, domain.TransferRequest{From: "vault", To: "admin", Amount: dec(1)})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.svc.Transfer(ctx, cashier, domain.TransferRequest{From: "cajero", To: "vault", Amount: dec(30000)})
	require.NoError(t, err)
	active, err = f.svc.ActiveShift(ctx, cashier)
	require.NoError(t, err)
	assert.True(t, active.Shift.CashOut.Equal(dec(30000)))
	assert.True(t, total().Equal(before))
}

func TestRecordExpenseLeavesDrawer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	openShift(t, f.svc, cashier, 20000)

	expense, err := f.svc.RecordExpense(ctx, cashier, domain.ExpenseRequest{Concept: "Bolsas", Amount: dec(5000)})
	require.NoError(t, err)
	assert.NotEmpty(t, expense.ID)
	assert.True(t, balanceOf(t, f.svc, domain.UserHolder("cajero")).Equal(dec(15000)))

	_, err = f.svc.RecordExpense(ctx, cashier, domain.ExpenseRequest{Concept: "Arriendo", Amount: dec(20000)})
	verr := requireCode(t, err, domain.CodeTransferShortfall)
	assert.True(t, verr.Amount.Equal(dec(5000)))

	_, err = f.svc.RecordExpense(ctx, cashier, domain.ExpenseRequest{Amount: dec(100)})
	requireCode(t, err, domain.CodeMissingField)

	expenses, err := f.svc.ListExpenses(ctx, cashier)
	require.NoError(t, err)
	assert.Len(t, expenses, 1)
}

func TestImportProductsTwiceOnlyUpdates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	file := `[
		{"nombre": "Sal 1kg", "codigo_barras": "7700000000017", "precio": 1800, "stock": 5},
		{"name": "Arroz 500g", "barcode": "770 2511 000014", "price": "2600", "stockPos": 40},
		{"name": "", "price": 100}
	]`

	first, err := f.svc.ImportProducts(ctx, admin, "json", strings.NewReader(file))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Inserted)
	assert.Equal(t, 1, first.Updated)
	require.Len(t, first.Rejected, 1)
	assert.Equal(t, "name", first.Rejected[0].Field)

	second, err := f.svc.ImportProducts(ctx, admin, "json", strings.NewReader(file))
	require.NoError(t, err)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 2, second.Updated)

	products, err := f.svc.ListProducts(ctx, admin, false)
	require.NoError(t, err)
	assert.Len(t, products, 5)
	arroz := productByID(t, f.svc, arrozID)
	assert.True(t, arroz.Price.Equal(dec(2600)))

	_, err = f.svc.ImportProducts(ctx, cashier, "json", strings.NewReader(file))
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestSaveProductMatchesByBarcode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.svc.SaveProduct(ctx, admin, domain.Product{
		ID:       "local-42",
		Name:     "Jabon Rey",
		Category: "aseo",
		Barcode:  "770-2310-000036",
		Price:    dec(2300),
		StockPOS: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, jabonID, res.Row.ID)
	assert.Equal(t, persist.OutcomeUpdatedByID, res.Outcome)

	products, err := f.svc.ListProducts(ctx, admin, false)
	require.NoError(t, err)
	assert.Len(t, products, 4)
	assert.Equal(t, "Jabon Rey", productByID(t, f.svc, jabonID).Name)

	_, err = f.svc.SaveProduct(ctx, cashier, domain.Product{Name: "Sal"})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestDeleteSoldProductArchivesIt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	openShift(t, f.svc, cashier, 0)
	_, err := f.svc.Checkout(ctx, cashier, domain.CheckoutRequest{
		Lines:   []domain.CartLine{{ProductID: jabonID, Qty: 1}},
		Payment: single("efectivo"),
	})
	require.NoError(t, err)

	res, err := f.svc.DeleteProduct(ctx, admin, jabonID)
	require.NoError(t, err)
	assert.Equal(t, persist.OutcomeArchived, res.Outcome)

	visible, err := f.svc.ListProducts(ctx, admin, false)
	require.NoError(t, err)
	assert.Len(t, visible, 3)
	assert.Equal(t, domain.ProductStatusArchived, productByID(t, f.svc, jabonID).Status)

	events, err := f.svc.ListEvents(ctx, admin, domain.EventDeleteDowngraded, false)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	res, err = f.svc.DeleteProduct(ctx, admin, arrozID)
	require.NoError(t, err)
	assert.Equal(t, persist.OutcomeDeleted, res.Outcome)
}

func TestCashierCannotGrantCredit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.SaveClient(ctx, cashier, domain.Client{Name: "Nuevo", Document: "555", Tier: domain.TierGold})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	res, err := f.svc.SaveClient(ctx, cashier, domain.Client{Name: "Tienda Esquina", Document: "900123456", Phone: "3001234567"})
	require.NoError(t, err)
	assert.Equal(t, esquinaID, res.Row.ID)
	assert.Equal(t, domain.TierSilver, res.Row.Tier)
	assert.True(t, res.Row.CreditLimit.Equal(dec(1000000)))
}

func TestInvoiceNumberingFallsBackLocally(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	openShift(t, f.svc, cashier, 0)
	sale := domain.CheckoutRequest{
		Lines:   []domain.CartLine{{ProductID: arrozID, Qty: 1}},
		Payment: single("efectivo"),
	}

	first, err := f.svc.Checkout(ctx, cashier, sale)
	require.NoError(t, err)
	assert.Equal(t, "FAC-000001", first.Invoice.Code)

	f.rows.SetSequenceAvailable(false)
	second, err := f.svc.Checkout(ctx, cashier, sale)
	require.NoError(t, err)
	assert.Equal(t, "FAC-000002", second.Invoice.Code)
	assert.Equal(t, sequence.SourceLocal, second.SequenceSource)

	events, err := f.svc.ListEvents(ctx, admin, domain.EventSequenceFallback, false)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestStockMovementsAndPurchases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	purchase, err := f.svc.RecordPurchase(ctx, admin, domain.PurchaseRequest{ProductID: jabonID, Qty: 12, UnitCost: dec(1600), PaidFromVault: true})
	require.NoError(t, err)
	assert.True(t, purchase.PaidFromVault)
	jabon := productByID(t, f.svc, jabonID)
	assert.Equal(t, 36, jabon.StockWarehouse)
	assert.True(t, jabon.Cost.Equal(dec(1600)))
	assert.True(t, balanceOf(t, f.svc, domain.VaultHolder).Equal(dec(480800)))

	moved, err := f.svc.MoveStockToPOS(ctx, cashier, domain.StockMoveRequest{ProductID: jabonID, Qty: 6})
	require.NoError(t, err)
	assert.Equal(t, 30, moved.StockWarehouse)
	assert.Equal(t, 16, moved.StockPOS)

	_, err = f.svc.MoveStockToPOS(ctx, cashier, domain.StockMoveRequest{ProductID: jabonID, Qty: 100})
	verr := requireCode(t, err, domain.CodeInsufficientStock)
	assert.True(t, verr.Amount.Equal(dec(70)))

	_, err = f.svc.RecordPurchase(ctx, admin, domain.PurchaseRequest{ProductID: jabonID, Qty: 1000, UnitCost: dec(1000), PaidFromVault: true})
	requireCode(t, err, domain.CodeTransferShortfall)
	assert.Equal(t, 30, productByID(t, f.svc, jabonID).StockWarehouse)
}

func TestBarterSwapsStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resp, err := f.svc.Barter(ctx, cashier, domain.BarterRequest{
		ReturnedProductID: arrozID,
		ReturnedQty:       2,
		TakenProductID:    jabonID,
		TakenQty:          1,
	})
	require.NoError(t, err)
	assert.Equal(t, 42, resp.Returned.StockPOS)
	assert.Equal(t, 9, resp.Taken.StockPOS)
	assert.True(t, resp.ValueDelta.Equal(dec(-2900)))

	_, err = f.svc.Barter(ctx, cashier, domain.BarterRequest{ReturnedProductID: arrozID, ReturnedQty: 1, TakenProductID: arrozID, TakenQty: 1})
	requireCode(t, err, domain.CodeSameProduct)

	_, err = f.svc.Barter(ctx, cashier, domain.BarterRequest{ReturnedProductID: arrozID, ReturnedQty: 1, TakenProductID: jabonID, TakenQty: 50})
	requireCode(t, err, domain.CodeInsufficientStock)
	assert.Equal(t, 42, productByID(t, f.svc, arrozID).StockPOS)
}

func TestRefreshKeepsStateWhenStoreMisbehaves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	products, err := f.svc.ListProducts(ctx, admin, false)
	require.NoError(t, err)
	require.Len(t, products, 4)

	f.rows.FailNext(3, store.ErrTransient)
	err = f.svc.Refresh(ctx, testScope)
	assert.ErrorIs(t, err, store.ErrTransient)

	// An empty product list while the view holds rows is treated as a bad read.
	for _, p := range products {
		require.NoError(t, f.rows.Products().Delete(ctx, testScope, p.ID))
	}
	require.NoError(t, f.svc.Refresh(ctx, ""))

	products, err = f.svc.ListProducts(ctx, admin, false)
	require.NoError(t, err)
	assert.Len(t, products, 4)
}

func TestOperationsRequireUserAndScope(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ListProducts(context.Background(), domain.AppContext{UserID: "admin"}, false)
	requireCode(t, err, domain.CodeMissingField)
}

func TestImportPriceListKeepsStockAndCost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resp, err := f.svc.ImportProducts(ctx, admin, "csv", strings.NewReader("barcode,name,price\n7702511000014,Arroz 500g,2600\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Inserted)
	assert.Equal(t, 1, resp.Updated)

	arroz := productByID(t, f.svc, arrozID)
	assert.True(t, arroz.Price.Equal(dec(2600)))
	assert.True(t, arroz.Cost.Equal(dec(1900)))
	assert.Equal(t, 40, arroz.StockPOS)
	assert.Equal(t, 100, arroz.StockWarehouse)
	assert.Equal(t, 10, arroz.ReorderLevel)
	assert.True(t, arroz.Visible)
	assert.Equal(t, domain.ProductStatusActive, arroz.Status)

	stored, err := f.rows.Products().Get(ctx, testScope, arrozID)
	require.NoError(t, err)
	assert.Equal(t, 40, stored.StockPOS)
	assert.True(t, stored.Cost.Equal(dec(1900)))
}

func TestImportClientsKeepsFieldsMissingFromFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	clients, err := f.svc.ListClients(ctx, admin, false)
	require.NoError(t, err)
	var esquina domain.Client
	for _, c := range clients {
		if c.ID == esquinaID {
			esquina = c
		}
	}
	esquina.Blocked = true
	esquina.Address = "Calle 10 # 4-21"
	_, err = f.svc.SaveClient(ctx, admin, esquina)
	require.NoError(t, err)

	resp, err := f.svc.ImportClients(ctx, admin, "csv", strings.NewReader("documento;nombre;telefono\n900123456;Tienda La Esquina;3001234567\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Updated)

	stored, err := f.rows.Clients().Get(ctx, testScope, esquinaID)
	require.NoError(t, err)
	assert.Equal(t, "3001234567", stored.Phone)
	assert.Equal(t, "Calle 10 # 4-21", stored.Address)
	assert.True(t, stored.Blocked)
	assert.Equal(t, domain.TierSilver, stored.Tier)
	assert.True(t, stored.CreditLimit.Equal(dec(1000000)))
	assert.Equal(t, 30, stored.TermDays)
}

func totalCash(t *testing.T, svc *Service) decimal.Decimal {
	t.Helper()
	balances, err := svc.Balances(context.Background(), admin)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, b := range balances {
		sum = sum.Add(b.Amount)
	}
	return sum
}

func TestOpenShiftSettlesOpeningCashAgainstVault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	before := totalCash(t, f.svc)
	drawer := domain.UserHolder("cajero")

	openShift(t, f.svc, cashier, 200000)
	assert.True(t, totalCash(t, f.svc).Equal(before))
	assert.True(t, balanceOf(t, f.svc, domain.VaultHolder).Equal(dec(300000)))
	assert.True(t, balanceOf(t, f.svc, drawer).Equal(dec(200000)))

	closed, err := f.svc.CloseShift(ctx, cashier, domain.ShiftCloseRequest{Physical: dec(200000)})
	require.NoError(t, err)
	assert.Equal(t, domain.ShiftCloseClosed, closed.Status)

	// Opening below what the drawer holds returns the rest to the vault.
	openShift(t, f.svc, cashier, 50000)
	assert.True(t, totalCash(t, f.svc).Equal(before))
	assert.True(t, balanceOf(t, f.svc, domain.VaultHolder).Equal(dec(450000)))
	assert.True(t, balanceOf(t, f.svc, drawer).Equal(dec(50000)))

	_, err = f.svc.CloseShift(ctx, cashier, domain.ShiftCloseRequest{Physical: dec(50000)})
	require.NoError(t, err)

	_, err = f.svc.OpenShift(ctx, cashier, domain.ShiftOpenRequest{OpeningCash: decPtr(600000)})
	verr := requireCode(t, err, domain.CodeTransferShortfall)
	assert.Equal(t, "opening_cash", verr.Field)
	assert.True(t, verr.Amount.Equal(dec(100000)))
	assert.True(t, totalCash(t, f.svc).Equal(before))

	_, err = f.svc.ActiveShift(ctx, cashier)
	requireCode(t, err, domain.CodeShiftNotOpen)
}

func TestDeleteInvoiceKeepsInvoiceWhenStockCannotReturn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	openShift(t, f.svc, cashier, 0)
	resp, err := f.svc.Checkout(ctx, cashier, domain.CheckoutRequest{
		Lines:   []domain.CartLine{{ProductID: jabonID, Qty: 2}},
		Payment: single("efectivo"),
	})
	require.NoError(t, err)
	assert.Equal(t, 8, productByID(t, f.svc, jabonID).StockPOS)

	f.rows.FailNext(3, store.ErrTransient)
	_, err = f.svc.DeleteInvoice(ctx, admin, resp.Invoice.ID)
	assert.ErrorIs(t, err, store.ErrTransient)

	_, err = f.rows.Invoices().Get(ctx, testScope, resp.Invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, productByID(t, f.svc, jabonID).StockPOS)

	_, err = f.svc.DeleteInvoice(ctx, admin, resp.Invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, productByID(t, f.svc, jabonID).StockPOS)
	_, err = f.rows.Invoices().Get(ctx, testScope, resp.Invoice.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFailedStockTakeDoesNotConsumeInvoiceNumber(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	openShift(t, f.svc, cashier, 0)
	assert.Equal(t, 10, productByID(t, f.svc, jabonID).StockPOS)

	// Another till sells most of the soap after this view was loaded.
	_, err := f.rows.AdjustStock(ctx, testScope, []domain.StockMove{{ProductID: jabonID, POSDelta: -8}})
	require.NoError(t, err)

	_, err = f.svc.Checkout(ctx, cashier, domain.CheckoutRequest{
		Lines:   []domain.CartLine{{ProductID: jabonID, Qty: 5}},
		Payment: single("efectivo"),
	})
	requireCode(t, err, domain.CodeInsufficientStock)

	resp, err := f.svc.Checkout(ctx, cashier, domain.CheckoutRequest{
		Lines:   []domain.CartLine{{ProductID: jabonID, Qty: 1}},
		Payment: single("efectivo"),
	})
	require.NoError(t, err)
	assert.Equal(t, "FAC-000001", resp.Invoice.Code)
}
