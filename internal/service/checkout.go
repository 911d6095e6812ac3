package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"mostrador/backend/internal/domain"
	"mostrador/backend/internal/ledger"
	"mostrador/backend/internal/persist"
	"mostrador/backend/internal/pricing"
	"mostrador/backend/internal/sequence"
	"mostrador/backend/internal/store"
)

// quote is a priced cart with its client, before payment.
type quote struct {
	lines   []domain.InvoiceLine
	summary pricing.Summary
	client  *domain.Client
	pending decimal.Decimal
}

func (s *Service) priceLocked(v *view, req domain.CheckoutRequest) (quote, error) {
	if err := pricing.ValidateCart(req.Lines); err != nil {
		return quote{}, err
	}

	var q quote
	discount := decimal.Zero
	if id := strings.TrimSpace(req.ClientID); id != "" {
		client, ok := v.client(id)
		if !ok || client.Archived {
			return quote{}, domain.Invalid(domain.CodeClientRequired, "client_id", "client %s not found", id)
		}
		q.client = &client
		q.pending = pendingBalance(v.invoices, client.ID)
		discount = client.Tier.Policy().DiscountPercent
	}

	lines := make([]domain.InvoiceLine, 0, len(req.Lines))
	available := make(map[string]int, len(req.Lines))
	for _, item := range req.Lines {
		p, ok := v.product(item.ProductID)
		if !ok || p.Status == domain.ProductStatusArchived {
			return quote{}, domain.Invalid(domain.CodeUnknownProduct, item.ProductID, "product not found")
		}
		available[p.ID] = p.StockPOS
		lines = append(lines, domain.InvoiceLine{
			ProductID:     p.ID,
			Name:          p.Name,
			Qty:           item.Qty,
			OriginalPrice: p.Price,
		})
	}
	if err := pricing.CheckStock(lines, available); err != nil {
		return quote{}, err
	}

	q.lines = pricing.ApplyDiscount(lines, discount)
	summary, err := pricing.Summarize(q.lines, req.Delivery, req.ExtraDiscount)
	if err != nil {
		return quote{}, err
	}
	q.summary = summary
	return q, nil
}

// pendingBalance is what the client still owes on pending invoices.
func pendingBalance(invoices []domain.Invoice, clientID string) decimal.Decimal {
	total := decimal.Zero
	for _, inv := range invoices {
		if inv.ClientID == clientID && inv.Status == domain.InvoiceStatusPending {
			total = total.Add(inv.Balance)
		}
	}
	return total
}

// Quote prices a cart without side effects.
func (s *Service) Quote(ctx context.Context, app domain.AppContext, req domain.CheckoutRequest) (domain.QuoteResponse, error) {
	if err := validateApp(app); err != nil {
		return domain.QuoteResponse{}, err
	}
	unlock := s.lock(app.Scope)
	defer unlock()
	v, err := s.viewLocked(ctx, app.Scope)
	if err != nil {
		return domain.QuoteResponse{}, err
	}

	q, err := s.priceLocked(v, req)
	if err != nil {
		return domain.QuoteResponse{}, err
	}
	resp := domain.QuoteResponse{
		Lines:           q.lines,
		Subtotal:        q.summary.Subtotal,
		TierDiscount:    q.summary.TierDiscount,
		ExtraDiscount:   q.summary.ExtraDiscount,
		Delivery:        q.summary.Delivery,
		Total:           q.summary.Total,
		AvailableCredit: decimal.Zero,
	}
	if q.client != nil {
		resp.AvailableCredit = pricing.AvailableCredit(*q.client, q.pending)
	}
	return resp, nil
}

// Checkout validates the cart, payment and credit, issues an invoice number,
// takes the stock and stores the invoice. Validation failures leave every
// balance untouched.
func (s *Service) Checkout(ctx context.Context, app domain.AppContext, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	if err := validateApp(app); err != nil {
		return domain.CheckoutResponse{}, err
	}
	unlock := s.lock(app.Scope)
	defer unlock()

	shift, err := s.activeShiftLocked(ctx, app)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	v, err := s.viewLocked(ctx, app.Scope)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	q, err := s.priceLocked(v, req)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	settlement, err := pricing.ResolvePayment(req.Payment, q.summary.Total)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	if err := pricing.CheckCredit(settlement.Credit, q.client, q.pending); err != nil {
		return domain.CheckoutResponse{}, err
	}

	moves := make([]domain.StockMove, 0, len(q.lines))
	for _, line := range q.lines {
		moves = append(moves, domain.StockMove{ProductID: line.ProductID, POSDelta: -line.Qty})
	}
	updated, err := s.adjustStock(ctx, app, "take stock", moves)
	if err != nil {
		return domain.CheckoutResponse{}, stockError(err)
	}

	// The number is issued last so a failed stock take never burns one.
	history := make([]string, 0, len(v.invoices))
	for _, inv := range v.invoices {
		history = append(history, inv.Code)
	}
	number, err := s.sequencer.Next(ctx, app, history)
	if err != nil {
		s.undoStock(ctx, app, moves)
		return domain.CheckoutResponse{}, fmt.Errorf("issue invoice number: %w", err)
	}

	now := s.now()
	inv := domain.Invoice{
		Code:          number.Code,
		Sequence:      number.Sequence,
		ShiftID:       shift.ID,
		UserID:        app.UserID,
		Lines:         q.lines,
		Subtotal:      q.summary.Subtotal,
		Delivery:      q.summary.Delivery,
		TierDiscount:  q.summary.TierDiscount,
		ExtraDiscount: q.summary.ExtraDiscount,
		Total:         q.summary.Total,
		Payment:       domain.Payment{Mode: settlement.Mode, Parts: settlement.Parts},
		CreditPortion: settlement.Credit,
		CashPortion:   settlement.Cash,
		CreatedAt:     now,
	}
	if q.client != nil {
		inv.ClientID = q.client.ID
	}
	for _, part := range settlement.Parts {
		if part.Method == domain.MethodCredit || !part.Amount.IsPositive() {
			continue
		}
		inv.Entries = append(inv.Entries, domain.LedgerEntry{
			Seq:       len(inv.Entries) + 1,
			At:        now,
			Amount:    part.Amount,
			Method:    part.Method,
			Reference: part.Reference,
			Actor:     app.UserID,
		})
	}
	if settlement.Credit.IsPositive() {
		due := now.AddDate(0, 0, q.client.EffectiveTermDays())
		inv.DueDate = &due
	}
	inv = ledger.Settle(inv)

	saved, err := s.adapter.SaveInvoice(ctx, app, inv)
	if err != nil {
		s.undoStock(ctx, app, moves)
		return domain.CheckoutResponse{}, err
	}
	inv = saved.Row
	v.absorbProducts(updated)
	v.invoices = append(v.invoices, inv)

	if settlement.Cash.IsPositive() {
		s.recordCashIn(ctx, app, shift, settlement.Cash)
	}
	if number.Source == sequence.SourceLocal {
		s.notify(ctx, app, domain.EventSequenceFallback, map[string]string{"code": inv.Code, "invoice_id": inv.ID})
	}
	s.audit(ctx, app, "invoice_create", "invoice", inv.ID, fmt.Sprintf("code=%s,total=%s,credit=%s,cash=%s", inv.Code, inv.Total, inv.CreditPortion, inv.CashPortion))

	s.logger.Info().Str("scope", app.Scope).Str("code", inv.Code).Str("total", inv.Total.String()).Str("sequence_source", number.Source).Msg("invoice issued")
	return domain.CheckoutResponse{Invoice: inv, SequenceSource: number.Source}, nil
}

// stockError turns a store-level stock rejection into a user-facing one.
func stockError(err error) error {
	if errors.Is(err, store.ErrInsufficientStock) {
		return domain.Invalid(domain.CodeInsufficientStock, "lines", "stock changed while checking out: %v", err)
	}
	if errors.Is(err, store.ErrNotFound) {
		return domain.Invalid(domain.CodeUnknownProduct, "lines", "%v", err)
	}
	return err
}

// adjustStock applies moves through the retry policy.
func (s *Service) adjustStock(ctx context.Context, app domain.AppContext, op string, moves []domain.StockMove) ([]domain.Product, error) {
	rows, err := s.rows()
	if err != nil {
		return nil, err
	}
	return persist.Retry(ctx, s.adapter, op, func(ctx context.Context) ([]domain.Product, error) {
		return rows.AdjustStock(ctx, app.Scope, moves)
	})
}

func reverseMoves(moves []domain.StockMove) []domain.StockMove {
	reverse := make([]domain.StockMove, 0, len(moves))
	for _, move := range moves {
		reverse = append(reverse, domain.StockMove{
			ProductID:      move.ProductID,
			WarehouseDelta: -move.WarehouseDelta,
			POSDelta:       -move.POSDelta,
		})
	}
	return reverse
}

// undoStock reverses moves after a later step failed. The caller is already
// returning that failure, so a failed reversal is only logged.
func (s *Service) undoStock(ctx context.Context, app domain.AppContext, moves []domain.StockMove) {
	if _, err := s.adjustStock(ctx, app, "restore stock", reverseMoves(moves)); err != nil {
		s.logger.Error().Err(err).Str("scope", app.Scope).Msg("failed to restore stock")
	}
}

// ListInvoices returns the scope's invoices newest first. Cashiers see only
// their own sales.
func (s *Service) ListInvoices(ctx context.Context, app domain.AppContext) ([]domain.Invoice, error) {
	if err := validateApp(app); err != nil {
		return nil, err
	}
	unlock := s.lock(app.Scope)
	defer unlock()
	v, err := s.viewLocked(ctx, app.Scope)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Invoice, 0, len(v.invoices))
	for _, inv := range v.invoices {
		if app.IsAdmin() || inv.UserID == app.UserID {
			out = append(out, inv)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	return out, nil
}

// DeleteInvoice removes a sale and puts its units back on the POS shelf.
// Payments already taken are not refunded here.
func (s *Service) DeleteInvoice(ctx context.Context, app domain.AppContext, id string) (domain.Invoice, error) {
	if err := validateApp(app); err != nil {
		return domain.Invoice{}, err
	}
	if err := requireAdmin(app); err != nil {
		return domain.Invoice{}, err
	}
	unlock := s.lock(app.Scope)
	defer unlock()
	v, err := s.viewLocked(ctx, app.Scope)
	if err != nil {
		return domain.Invoice{}, err
	}
	inv, ok := v.invoice(id)
	if !ok {
		return domain.Invoice{}, fmt.Errorf("invoice %s: %w", id, store.ErrNotFound)
	}

	returns := make([]domain.StockMove, 0, len(inv.Lines))
	for _, line := range inv.Lines {
		returns = append(returns, domain.StockMove{ProductID: line.ProductID, POSDelta: line.Qty})
	}
	restored, err := s.adjustStock(ctx, app, "return invoice stock", returns)
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("delete invoice %s: %w", inv.Code, err)
	}
	if err := s.adapter.DeleteInvoice(ctx, app, inv.ID); err != nil {
		s.undoStock(ctx, app, returns)
		return domain.Invoice{}, err
	}
	v.absorbProducts(restored)
	v.invoices = removeByID(v.invoices, persist.InvoiceKeys.ID, inv.ID)

	s.audit(ctx, app, "invoice_delete", "invoice", inv.ID, fmt.Sprintf("code=%s,total=%s", inv.Code, inv.Total))
	return inv, nil
}

// RegisterAbono applies a partial payment to a pending invoice.
func (s *Service) RegisterAbono(ctx context.Context, app domain.AppContext, req domain.AbonoRequest) (domain.Invoice, error) {
	if err := validateApp(app); err != nil {
		return domain.Invoice{}, err
	}
	unlock := s.lock(app.Scope)
	defer unlock()
	v, err := s.viewLocked(ctx, app.Scope)
	if err != nil {
		return domain.Invoice{}, err
	}
	inv, ok := v.invoice(strings.TrimSpace(req.InvoiceID))
	if !ok {
		return domain.Invoice{}, fmt.Errorf("invoice %s: %w", req.InvoiceID, store.ErrNotFound)
	}
	var client *domain.Client
	if c, ok := v.client(inv.ClientID); ok {
		client = &c
	}

	updated, err := ledger.ApplyAbono(inv, domain.LedgerEntry{
		Amount:    req.Amount,
		Method:    req.Method,
		Reference: req.Reference,
		Actor:     app.UserID,
	}, client, s.now())
	if err != nil {
		return domain.Invoice{}, err
	}

	saved, err := s.adapter.SaveInvoice(ctx, app, updated)
	if err != nil {
		return domain.Invoice{}, err
	}
	v.invoices = replaceByID(v.invoices, persist.InvoiceKeys.ID, saved.Row)

	entry := saved.Row.Entries[len(saved.Row.Entries)-1]
	if entry.Method == domain.MethodCash {
		if shift, err := s.activeShiftLocked(ctx, app); err == nil {
			s.recordCashIn(ctx, app, shift, entry.Amount)
		} else {
			s.logger.Warn().Str("user_id", app.UserID).Msg("cash payment received without an open shift")
			s.adjustBalances(ctx, app, map[string]decimal.Decimal{domain.UserHolder(app.UserID): entry.Amount})
		}
	}
	s.audit(ctx, app, "abono_create", "invoice", saved.Row.ID, fmt.Sprintf("amount=%s,method=%s,balance=%s", entry.Amount, entry.Method, saved.Row.Balance))
	return saved.Row, nil
}

// Receivables lists pending invoices, oldest due first. An empty clientID
// lists every client.
func (s *Service) Receivables(ctx context.Context, app domain.AppContext, clientID string) (domain.ReceivablesResponse, error) {
	if err := validateApp(app); err != nil {
		return domain.ReceivablesResponse{}, err
	}
	unlock := s.lock(app.Scope)
	defer unlock()
	v, err := s.viewLocked(ctx, app.Scope)
	if err != nil {
		return domain.ReceivablesResponse{}, err
	}

	now := s.now()
	resp := domain.ReceivablesResponse{Items: []domain.Receivable{}, TotalBalance: decimal.Zero}
	for _, inv := range v.invoices {
		if inv.Status != domain.InvoiceStatusPending || (clientID != "" && inv.ClientID != clientID) {
			continue
		}
		item := domain.Receivable{
			InvoiceID: inv.ID,
			Code:      inv.Code,
			ClientID:  inv.ClientID,
			Total:     inv.Total,
			Balance:   inv.Balance,
			DueDate:   inv.DueDate,
			Overdue:   ledger.Overdue(inv, now),
		}
		if c, ok := v.client(inv.ClientID); ok {
			item.ClientName = c.Name
		}
		resp.Items = append(resp.Items, item)
		resp.TotalBalance = resp.TotalBalance.Add(inv.Balance)
	}
	sort.SliceStable(resp.Items, func(i, j int) bool {
		return dueBefore(resp.Items[i].DueDate, resp.Items[j].DueDate)
	})
	return resp, nil
}

func dueBefore(a *time.Time, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.Before(*b)
	}
}
