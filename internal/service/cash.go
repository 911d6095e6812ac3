package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"mostrador/backend/internal/domain"
	"mostrador/backend/internal/ledger"
	"mostrador/backend/internal/persist"
	"mostrador/backend/internal/session"
	"mostrador/backend/internal/store"
)

var shiftKeys = persist.Keys[domain.ShiftRecord]{
	Table:      store.TableShifts,
	ID:         func(s domain.ShiftRecord) string { return s.ID },
	SetID:      func(s *domain.ShiftRecord, id string) { s.ID = id },
	NaturalKey: func(domain.ShiftRecord) string { return "" },
}

var expenseKeys = persist.Keys[domain.Expense]{
	Table:      store.TableExpenses,
	ID:         func(e domain.Expense) string { return e.ID },
	SetID:      func(e *domain.Expense, id string) { e.ID = id },
	NaturalKey: func(domain.Expense) string { return "" },
}

// overridePayload travels inside a shift override request event.
type overridePayload struct {
	ShiftID     string          `json:"shift_id"`
	UserID      string          `json:"user_id"`
	Theoretical decimal.Decimal `json:"theoretical"`
	Physical    decimal.Decimal `json:"physical"`
	Discrepancy decimal.Decimal `json:"discrepancy"`
}

func shiftNotOpen(userID string) error {
	return domain.Invalid(domain.CodeShiftNotOpen, "shift", "user %s has no open shift", userID)
}

func isShiftNotOpen(err error) bool {
	verr, ok := domain.AsValidation(err)
	return ok && verr.Code == domain.CodeShiftNotOpen
}

// activeShiftLocked finds the user's open shift. The session marker is
// checked against the store; when the store cannot be reached the marker is
// trusted.
func (s *Service) activeShiftLocked(ctx context.Context, app domain.AppContext) (domain.ShiftRecord, error) {
	sess := s.session(app)
	marker, ok, err := sess.LoadShift(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", app.UserID).Msg("failed to read shift marker")
	}
	if ok {
		if restored, valid := ledger.Restore(marker, app.UserID); valid {
			rows, err := s.rows()
			if err != nil {
				return restored, nil
			}
			stored, err := persist.Get(ctx, s.adapter, rows.Shifts(), shiftKeys, app, restored.ID)
			switch {
			case err == nil && stored.Status == domain.ShiftStatusOpen:
				return stored, nil
			case err != nil && !errors.Is(err, store.ErrNotFound):
				s.logger.Warn().Err(err).Str("shift_id", restored.ID).Msg("cannot verify shift, trusting cached marker")
				return restored, nil
			}
		}
		if err := sess.ClearShift(ctx); err != nil {
			s.logger.Warn().Err(err).Str("user_id", app.UserID).Msg("failed to clear stale shift marker")
		}
	}

	shift, found, err := s.openShiftFor(ctx, app, app.UserID)
	if err != nil {
		return domain.ShiftRecord{}, err
	}
	if !found {
		return domain.ShiftRecord{}, shiftNotOpen(app.UserID)
	}
	if err := sess.SaveShift(ctx, shift); err != nil {
		s.logger.Warn().Err(err).Str("user_id", app.UserID).Msg("failed to cache shift marker")
	}
	return shift, nil
}

// openShiftFor scans the store for userID's open shift.
func (s *Service) openShiftFor(ctx context.Context, app domain.AppContext, userID string) (domain.ShiftRecord, bool, error) {
	rows, err := s.rows()
	if err != nil {
		return domain.ShiftRecord{}, false, err
	}
	shifts, err := persist.List(ctx, s.adapter, rows.Shifts(), shiftKeys, app)
	if err != nil {
		return domain.ShiftRecord{}, false, err
	}
	for _, shift := range shifts {
		if shift.UserID == userID && shift.Status == domain.ShiftStatusOpen {
			return shift, true, nil
		}
	}
	return domain.ShiftRecord{}, false, nil
}

// saveShift writes an updated shift and refreshes its owner's marker.
func (s *Service) saveShift(ctx context.Context, app domain.AppContext, shift domain.ShiftRecord) (domain.ShiftRecord, error) {
	rows, err := s.rows()
	if err != nil {
		return shift, err
	}
	saved, err := persist.Retry(ctx, s.adapter, "update shift", func(ctx context.Context) (domain.ShiftRecord, error) {
		return rows.Shifts().UpdateByID(ctx, app.Scope, shift.ID, shift)
	})
	if err != nil {
		return shift, err
	}
	owner := session.New(s.kv, saved.UserID, s.logger)
	if saved.Status == domain.ShiftStatusOpen {
		err = owner.SaveShift(ctx, saved)
	} else {
		err = owner.ClearShift(ctx)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("shift_id", saved.ID).Msg("failed to update shift marker")
	}
	return saved, nil
}

// recordCashIn books cash received into the shift and the user's drawer.
func (s *Service) recordCashIn(ctx context.Context, app domain.AppContext, shift domain.ShiftRecord, amount decimal.Decimal) {
	if _, err := s.saveShift(ctx, app, ledger.RecordCashIn(shift, amount)); err != nil {
		s.logger.Error().Err(err).Str("shift_id", shift.ID).Str("amount", amount.String()).Msg("failed to record cash in shift")
	}
	s.adjustBalances(ctx, app, map[string]decimal.Decimal{domain.UserHolder(shift.UserID): amount})
}

func (s *Service) adjustBalances(ctx context.Context, app domain.AppContext, deltas map[string]decimal.Decimal) {
	rows, err := s.rows()
	if err != nil {
		return
	}
	if _, err := persist.Retry(ctx, s.adapter, "apply balance deltas", func(ctx context.Context) (map[string]decimal.Decimal, error) {
		return rows.ApplyBalanceDeltas(ctx, app.Scope, deltas)
	}); err != nil {
		s.logger.Error().Err(err).Str("scope", app.Scope).Msg("failed to apply balance deltas")
	}
}

func negate(deltas map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(deltas))
	for holder, delta := range deltas {
		out[holder] = delta.Neg()
	}
	return out
}

func shiftResponse(shift domain.ShiftRecord, restored bool) domain.ShiftResponse {
	return domain.ShiftResponse{Shift: shift, Balance: ledger.Theoretical(shift), Restored: restored}
}

// OpenShift starts the caller's shift. When one is already open it is
// returned unchanged. Without an explicit opening amount the shift starts
// with the cash the user's drawer held at the last close. An explicit amount
// is settled against the vault.
func (s *Service) OpenShift(ctx context.Context, app domain.AppContext, req domain.ShiftOpenRequest) (domain.ShiftResponse, error) {
	if err := validateApp(app); err != nil {
		return domain.ShiftResponse{}, err
	}
	unlock := s.lock(app.Scope)
	defer unlock()

	existing, err := s.activeShiftLocked(ctx, app)
	if err == nil {
		return shiftResponse(existing, true), nil
	}
	if !isShiftNotOpen(err) {
		return domain.ShiftResponse{}, err
	}

	rows, err := s.rows()
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	balances, err := persist.Retry(ctx, s.adapter, "load balances", func(ctx context.Context) (map[string]decimal.Decimal, error) {
		return rows.Balances(ctx, app.Scope)
	})
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	holder := domain.UserHolder(app.UserID)
	shift, err := ledger.Open(app.UserID, req.OpeningCash, balances[holder], s.now())
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	deltas, err := ledger.FundOpening(balances, holder, shift.OpeningCash)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	if len(deltas) > 0 {
		if _, err := persist.Retry(ctx, s.adapter, "fund opening cash", func(ctx context.Context) (map[string]decimal.Decimal, error) {
			return rows.ApplyBalanceDeltas(ctx, app.Scope, deltas)
		}); err != nil {
			if errors.Is(err, store.ErrInsufficientFunds) {
				return domain.ShiftResponse{}, domain.Invalid(domain.CodeTransferShortfall, "opening_cash", "the vault no longer holds enough cash")
			}
			return domain.ShiftResponse{}, err
		}
	}

	shift, err = persist.Retry(ctx, s.adapter, "insert shift", func(ctx context.Context) (domain.ShiftRecord, error) {
		return rows.Shifts().Insert(ctx, app.Scope, shift)
	})
	if err != nil {
		if len(deltas) > 0 {
			s.adjustBalances(ctx, app, negate(deltas))
		}
		return domain.ShiftResponse{}, err
	}
	if err := s.session(app).SaveShift(ctx, shift); err != nil {
		s.logger.Warn().Err(err).Str("user_id", app.UserID).Msg("failed to cache shift marker")
	}
	s.audit(ctx, app, "shift_open", "shift", shift.ID, "opening="+shift.OpeningCash.String())

	s.logger.Info().Str("scope", app.Scope).Str("user_id", app.UserID).Str("opening", shift.OpeningCash.String()).Msg("shift opened")
	return shiftResponse(shift, false), nil
}

func (s *Service) ActiveShift(ctx context.Context, app domain.AppContext) (domain.ShiftResponse, error) {
	if err := validateApp(app); err != nil {
		return domain.ShiftResponse{}, err
	}
	unlock := s.lock(app.Scope)
	defer unlock()
	shift, err := s.activeShiftLocked(ctx, app)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	return shiftResponse(shift, false), nil
}

// RestoreSession returns what a client needs to resume after a reload: the
// open shift if any, preferences and recent lookups.
func (s *Service) RestoreSession(ctx context.Context, app domain.AppContext) (domain.SessionResponse, error) {
	if err := validateApp(app); err != nil {
		return domain.SessionResponse{}, err
	}
	unlock := s.lock(app.Scope)
	defer unlock()

	resp := domain.SessionResponse{UserID: app.UserID}
	shift, err := s.activeShiftLocked(ctx, app)
	switch {
	case err == nil:
		resp.Shift = &shift
	case !isShiftNotOpen(err):
		s.logger.Warn().Err(err).Str("user_id", app.UserID).Msg("cannot restore shift")
	}

	sess := s.session(app)
	if resp.Preferences, err = sess.Preferences(ctx); err != nil {
		return domain.SessionResponse{}, err
	}
	if resp.Lookups, err = sess.Lookups(ctx); err != nil {
		return domain.SessionResponse{}, err
	}
	return resp, nil
}

// CloseShift reconciles counted cash against the expected drawer. Within
// tolerance the shift closes at once. Beyond it the close needs a supervisor:
// either a PIN in the request, or an override request that stays pending
// until AuthorizeShiftClose resolves it.
func (s *Service) CloseShift(ctx context.Context, app domain.AppContext, req domain.ShiftCloseRequest) (domain.ShiftCloseResponse, error) {
	if err := validateApp(app); err != nil {
		return domain.ShiftCloseResponse{}, err
	}
	unlock := s.lock(app.Scope)
	defer unlock()

	shift, err := s.activeShiftLocked(ctx, app)
	if err != nil {
		return domain.ShiftCloseResponse{}, err
	}
	rec, err := ledger.Reconcile(shift, req.Physical, s.tolerance)
	if err != nil {
		return domain.ShiftCloseResponse{}, err
	}

	var override *domain.Override
	if rec.NeedsOverride {
		pin := strings.TrimSpace(req.SupervisorPIN)
		if pin == "" {
			return s.requestOverride(ctx, app, shift, rec)
		}
		if s.pins == nil || !s.pins.ValidateManagerPIN(pin) {
			return domain.ShiftCloseResponse{}, domain.Invalid(domain.CodeInvalidPIN, "supervisor_pin", "supervisor PIN is not valid")
		}
		override = &domain.Override{By: "manager_pin", At: s.now()}
	}

	closed, err := s.finishCloseLocked(ctx, app, shift, rec, override)
	if err != nil {
		return domain.ShiftCloseResponse{}, err
	}
	return closeResponse(domain.ShiftCloseClosed, closed, rec, ""), nil
}

func closeResponse(status string, shift domain.ShiftRecord, rec ledger.Reconciliation, requestID string) domain.ShiftCloseResponse {
	return domain.ShiftCloseResponse{
		Status:         status,
		Shift:          shift,
		Theoretical:    rec.Theoretical,
		Physical:       rec.Physical,
		Discrepancy:    rec.Discrepancy,
		Classification: rec.Classification,
		RequestID:      requestID,
	}
}

func (s *Service) requestOverride(ctx context.Context, app domain.AppContext, shift domain.ShiftRecord, rec ledger.Reconciliation) (domain.ShiftCloseResponse, error) {
	event, err := s.publish(ctx, app, domain.EventShiftOverrideRequested, "", overridePayload{
		ShiftID:     shift.ID,
		UserID:      shift.UserID,
		Theoretical: rec.Theoretical,
		Physical:    rec.Physical,
		Discrepancy: rec.Discrepancy,
	})
	if err != nil {
		return domain.ShiftCloseResponse{}, err
	}
	s.logger.Warn().
		Str("shift_id", shift.ID).
		Str("discrepancy", rec.Discrepancy.String()).
		Str("request_id", event.RequestID).
		Msg("shift close waiting for supervisor override")
	return closeResponse(domain.ShiftClosePendingOverride, shift, rec, event.RequestID), nil
}

// finishCloseLocked closes the shift, leaves the counted cash as the drawer
// balance and drops the owner's marker.
func (s *Service) finishCloseLocked(ctx context.Context, app domain.AppContext, shift domain.ShiftRecord, rec ledger.Reconciliation, override *domain.Override) (domain.ShiftRecord, error) {
	closed, err := ledger.Close(shift, rec, override, s.now())
	if err != nil {
		return domain.ShiftRecord{}, err
	}
	closed, err = s.saveShift(ctx, app, closed)
	if err != nil {
		return domain.ShiftRecord{}, err
	}

	rows, err := s.rows()
	if err == nil {
		holder := domain.UserHolder(closed.UserID)
		if err := s.adapter.Exec(ctx, "set closing balance", func(ctx context.Context) error {
			return rows.SetBalance(ctx, app.Scope, holder, closed.Physical)
		}); err != nil {
			s.logger.Error().Err(err).Str("holder", holder).Msg("failed to set closing balance")
		}
	}

	detail := fmt.Sprintf("theoretical=%s,physical=%s,discrepancy=%s", rec.Theoretical, rec.Physical, rec.Discrepancy)
	if closed.AuthorizedWithDiscrepancy {
		detail += ",authorized_by=" + closed.AuthorizedBy
	}
	s.audit(ctx, app, "shift_close", "shift", closed.ID, detail)
	s.logger.Info().Str("shift_id", closed.ID).Str("discrepancy", rec.Discrepancy.String()).Msg("shift closed")
	return closed, nil
}

// AuthorizeShiftClose resolves a pending override request. Admins authorize
// with their session; anyone else needs a valid supervisor PIN. The close is
// recomputed against the shift as it is now.
func (s *Service) AuthorizeShiftClose(ctx context.Context, app domain.AppContext, req domain.ShiftAuthorizeRequest) (domain.ShiftCloseResponse, error) {
	if err := validateApp(app); err != nil {
		return domain.ShiftCloseResponse{}, err
	}
	by := app.UserID
	if !app.IsAdmin() {
		pin := strings.TrimSpace(req.SupervisorPIN)
		if pin == "" {
			return domain.ShiftCloseResponse{}, fmt.Errorf("authorize shift close: %w", domain.ErrForbidden)
		}
		if s.pins == nil || !s.pins.ValidateManagerPIN(pin) {
			return domain.ShiftCloseResponse{}, domain.Invalid(domain.CodeInvalidPIN, "supervisor_pin", "supervisor PIN is not valid")
		}
		by = "manager_pin"
	}
	requestID := strings.TrimSpace(req.RequestID)
	if requestID == "" {
		return domain.ShiftCloseResponse{}, domain.Invalid(domain.CodeMissingField, "request_id", "request_id is required")
	}

	unlock := s.lock(app.Scope)
	defer unlock()

	rows, err := s.rows()
	if err != nil {
		return domain.ShiftCloseResponse{}, err
	}
	event, err := persist.Retry(ctx, s.adapter, "get override request", func(ctx context.Context) (domain.Event, error) {
		return rows.Events().GetByNaturalKey(ctx, app.Scope, requestID)
	})
	if err != nil {
		return domain.ShiftCloseResponse{}, err
	}
	if event.Kind != domain.EventShiftOverrideRequested {
		return domain.ShiftCloseResponse{}, fmt.Errorf("override request %s: %w", requestID, store.ErrNotFound)
	}
	if event.ResolvedAt != nil {
		return domain.ShiftCloseResponse{}, domain.Invalid(domain.CodeOverrideResolved, "request_id", "override request %s was already resolved", requestID)
	}
	var payload overridePayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return domain.ShiftCloseResponse{}, fmt.Errorf("decode override request %s: %w", requestID, err)
	}

	shift, err := persist.Get(ctx, s.adapter, rows.Shifts(), shiftKeys, app, payload.ShiftID)
	if err != nil {
		return domain.ShiftCloseResponse{}, err
	}
	rec, err := ledger.Reconcile(shift, payload.Physical, s.tolerance)
	if err != nil {
		return domain.ShiftCloseResponse{}, err
	}
	now := s.now()
	closed, err := s.finishCloseLocked(ctx, app, shift, rec, &domain.Override{By: by, RequestID: requestID, At: now})
	if err != nil {
		return domain.ShiftCloseResponse{}, err
	}

	event.ResolvedAt = &now
	if err := s.adapter.Exec(ctx, "resolve override request", func(ctx context.Context) error {
		_, err := rows.Events().UpdateByID(ctx, app.Scope, event.ID, event)
		return err
	}); err != nil {
		s.logger.Error().Err(err).Str("request_id", requestID).Msg("failed to mark override request resolved")
	}
	if _, err := s.publish(ctx, app, domain.EventShiftOverrideGranted, "", map[string]string{
		"request_id": requestID,
		"shift_id":   closed.ID,
		"by":         by,
	}); err != nil {
		s.logger.Warn().Err(err).Str("request_id", requestID).Msg("failed to record override grant")
	}
	return closeResponse(domain.ShiftCloseClosed, closed, rec, requestID), nil
}

// normalizeHolder maps the names clients use for cash holders onto balance
// keys.
func normalizeHolder(raw string) string {
	holder := strings.TrimSpace(raw)
	switch strings.ToLower(holder) {
	case "":
		return ""
	case domain.VaultHolder, "caja_mayor", "caja mayor", "boveda":
		return domain.VaultHolder
	}
	if strings.HasPrefix(holder, "user:") {
		return domain.UserHolder(strings.TrimPrefix(holder, "user:"))
	}
	return domain.UserHolder(holder)
}

func userOfHolder(holder string) (string, bool) {
	if !strings.HasPrefix(holder, "user:") {
		return "", false
	}
	return strings.TrimPrefix(holder, "user:"), true
}

// Transfer moves cash between the vault and user drawers. Cashiers may only
// move cash into or out of their own drawer. An open shift on either drawer
// sees the movement as cash in or out.
func (s *Service) Transfer(ctx context.Context, app domain.AppContext, req domain.TransferRequest) (domain.TransferResponse, error) {
	if err := validateApp(app); err != nil {
		return domain.TransferResponse{}, err
	}
	from, to := normalizeHolder(req.From), normalizeHolder(req.To)
	own := domain.UserHolder(app.UserID)
	if !app.IsAdmin() && from != own && to != own {
		return domain.TransferResponse{}, fmt.Errorf("transfer between other holders: %w", domain.ErrForbidden)
	}

	unlock := s.lock(app.Scope)
	defer unlock()

	rows, err := s.rows()
	if err != nil {
		return domain.TransferResponse{}, err
	}
	balances, err := persist.Retry(ctx, s.adapter, "load balances", func(ctx context.Context) (map[string]decimal.Decimal, error) {
		return rows.Balances(ctx, app.Scope)
	})
	if err != nil {
		return domain.TransferResponse{}, err
	}
	deltas, err := ledger.PlanTransfer(balances, from, to, req.Amount)
	if err != nil {
		return domain.TransferResponse{}, err
	}
	if _, err := persist.Retry(ctx, s.adapter, "apply transfer", func(ctx context.Context) (map[string]decimal.Decimal, error) {
		return rows.ApplyBalanceDeltas(ctx, app.Scope, deltas)
	}); err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			return domain.TransferResponse{}, domain.Invalid(domain.CodeTransferShortfall, "amount", "%s no longer holds enough cash", from).WithAmount(req.Amount)
		}
		return domain.TransferResponse{}, err
	}

	for holder, delta := range deltas {
		userID, ok := userOfHolder(holder)
		if !ok {
			continue
		}
		shift, found, err := s.openShiftFor(ctx, app, userID)
		if err != nil || !found {
			continue
		}
		if delta.IsPositive() {
			shift = ledger.RecordCashIn(shift, delta)
		} else {
			shift = ledger.RecordCashOut(shift, delta.Neg())
		}
		if _, err := s.saveShift(ctx, app, shift); err != nil {
			s.logger.Error().Err(err).Str("shift_id", shift.ID).Msg("failed to record transfer on shift")
		}
	}
	s.audit(ctx, app, "cash_transfer", "balance", from+">"+to, "amount="+req.Amount.String())

	listed, err := s.balancesLocked(ctx, app)
	if err != nil {
		return domain.TransferResponse{}, err
	}
	return domain.TransferResponse{Balances: listed}, nil
}

// Balances lists every cash holder of the scope, sorted by holder.
func (s *Service) Balances(ctx context.Context, app domain.AppContext) ([]domain.CashBalance, error) {
	if err := validateApp(app); err != nil {
		return nil, err
	}
	unlock := s.lock(app.Scope)
	defer unlock()
	return s.balancesLocked(ctx, app)
}

func (s *Service) balancesLocked(ctx context.Context, app domain.AppContext) ([]domain.CashBalance, error) {
	rows, err := s.rows()
	if err != nil {
		return nil, err
	}
	balances, err := persist.Retry(ctx, s.adapter, "load balances", func(ctx context.Context) (map[string]decimal.Decimal, error) {
		return rows.Balances(ctx, app.Scope)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.CashBalance, 0, len(balances))
	for holder, amount := range balances {
		out = append(out, domain.CashBalance{Holder: holder, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Holder < out[j].Holder })
	return out, nil
}

// RecordExpense pays an expense out of the caller's drawer during an open
// shift.
func (s *Service) RecordExpense(ctx context.Context, app domain.AppContext, req domain.ExpenseRequest) (domain.Expense, error) {
	if err := validateApp(app); err != nil {
		return domain.Expense{}, err
	}
	concept := strings.TrimSpace(req.Concept)
	if concept == "" {
		return domain.Expense{}, domain.Invalid(domain.CodeMissingField, "concept", "concept is required")
	}
	if !req.Amount.IsPositive() {
		return domain.Expense{}, domain.Invalid(domain.CodeInvalidAmount, "amount", "expense amount must be positive")
	}

	unlock := s.lock(app.Scope)
	defer unlock()

	shift, err := s.activeShiftLocked(ctx, app)
	if err != nil {
		return domain.Expense{}, err
	}
	if available := ledger.Theoretical(shift); req.Amount.GreaterThan(available) {
		return domain.Expense{}, domain.Invalid(domain.CodeTransferShortfall, "amount", "drawer holds %s", available.StringFixed(0)).
			WithAmount(req.Amount.Sub(available))
	}
	rows, err := s.rows()
	if err != nil {
		return domain.Expense{}, err
	}

	expense, err := persist.Retry(ctx, s.adapter, "insert expense", func(ctx context.Context) (domain.Expense, error) {
		return rows.Expenses().Insert(ctx, app.Scope, domain.Expense{
			UserID:    app.UserID,
			ShiftID:   shift.ID,
			Concept:   concept,
			Amount:    req.Amount,
			CreatedAt: s.now(),
		})
	})
	if err != nil {
		return domain.Expense{}, err
	}
	if _, err := s.saveShift(ctx, app, ledger.RecordCashOut(shift, req.Amount)); err != nil {
		s.logger.Error().Err(err).Str("shift_id", shift.ID).Msg("failed to record expense on shift")
	}
	s.adjustBalances(ctx, app, map[string]decimal.Decimal{domain.UserHolder(app.UserID): req.Amount.Neg()})
	s.audit(ctx, app, "expense_create", "expense", expense.ID, fmt.Sprintf("concept=%s,amount=%s", concept, req.Amount))
	return expense, nil
}

// ListExpenses returns the scope's expenses newest first. Cashiers see only
// their own.
func (s *Service) ListExpenses(ctx context.Context, app domain.AppContext) ([]domain.Expense, error) {
	if err := validateApp(app); err != nil {
		return nil, err
	}
	rows, err := s.rows()
	if err != nil {
		return nil, err
	}
	expenses, err := persist.List(ctx, s.adapter, rows.Expenses(), expenseKeys, app)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Expense, 0, len(expenses))
	for _, e := range expenses {
		if app.IsAdmin() || e.UserID == app.UserID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
