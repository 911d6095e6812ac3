// Package service orchestrates the point-of-sale operations. Every mutation
// runs as propose, submit, reconcile: the change is validated locally,
// written through the persistence adapter, and the confirmed rows are merged
// into the canonical per-scope state.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mostrador/backend/internal/cache"
	"mostrador/backend/internal/domain"
	"mostrador/backend/internal/ledger"
	"mostrador/backend/internal/persist"
	"mostrador/backend/internal/reconcile"
	"mostrador/backend/internal/sequence"
	"mostrador/backend/internal/session"
	"mostrador/backend/internal/store"
)

// PINVerifier checks a supervisor PIN.
type PINVerifier interface {
	ValidateManagerPIN(pin string) bool
}

type Options struct {
	Tolerance decimal.Decimal
	Now       func() time.Time
}

type Service struct {
	adapter   *persist.Adapter
	sequencer *sequence.Sequencer
	kv        cache.KV
	pins      PINVerifier
	tolerance decimal.Decimal
	now       func() time.Time
	logger    zerolog.Logger

	mu     sync.Mutex
	views  map[string]*view
	scopes map[string]*sync.Mutex
}

// view is the canonical state of one scope.
type view struct {
	products []domain.Product
	clients  []domain.Client
	invoices []domain.Invoice
	loaded   bool
}

func New(adapter *persist.Adapter, sequencer *sequence.Sequencer, kv cache.KV, pins PINVerifier, opts Options, logger zerolog.Logger) *Service {
	if opts.Tolerance.IsZero() {
		opts.Tolerance = ledger.DefaultTolerance
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if kv == nil {
		kv = cache.NewMemory()
	}
	return &Service{
		adapter:   adapter,
		sequencer: sequencer,
		kv:        kv,
		pins:      pins,
		tolerance: opts.Tolerance,
		now:       opts.Now,
		logger:    logger.With().Str("component", "service").Logger(),
		views:     make(map[string]*view),
		scopes:    make(map[string]*sync.Mutex),
	}
}

// lock serializes operations on one scope.
func (s *Service) lock(scope string) func() {
	s.mu.Lock()
	mu, ok := s.scopes[scope]
	if !ok {
		mu = &sync.Mutex{}
		s.scopes[scope] = mu
	}
	s.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (s *Service) rows() (store.RowStore, error) {
	return s.adapter.Rows()
}

func (s *Service) session(app domain.AppContext) *session.Session {
	return session.New(s.kv, app.UserID, s.logger)
}

// scopeCache holds snapshots shared by every user of a scope.
func (s *Service) scopeCache(scope string) *session.Session {
	return session.New(s.kv, "scope:"+scope, s.logger)
}

func validateApp(app domain.AppContext) error {
	if strings.TrimSpace(app.UserID) == "" || strings.TrimSpace(app.Scope) == "" {
		return domain.Invalid(domain.CodeMissingField, "app", "user and scope are required")
	}
	return nil
}

func requireAdmin(app domain.AppContext) error {
	if !app.IsAdmin() {
		return fmt.Errorf("admin role required: %w", domain.ErrForbidden)
	}
	return nil
}

// viewLocked returns the scope view, loading it on first use. The scope lock
// must be held.
func (s *Service) viewLocked(ctx context.Context, scope string) (*view, error) {
	s.mu.Lock()
	v, ok := s.views[scope]
	if !ok {
		v = &view{}
		s.views[scope] = v
	}
	s.mu.Unlock()

	if !v.loaded {
		if err := s.loadLocked(ctx, scope, v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Refresh reloads products, clients and invoices of scope from the row store
// and merges them into the canonical view. An empty scope refreshes every
// scope loaded so far. On failure the current view is kept.
func (s *Service) Refresh(ctx context.Context, scope string) error {
	scopes := []string{scope}
	if scope == "" {
		s.mu.Lock()
		scopes = make([]string, 0, len(s.views))
		for known := range s.views {
			scopes = append(scopes, known)
		}
		s.mu.Unlock()
		sort.Strings(scopes)
	}

	var errs []error
	for _, sc := range scopes {
		unlock := s.lock(sc)
		s.mu.Lock()
		v, ok := s.views[sc]
		if !ok {
			v = &view{}
			s.views[sc] = v
		}
		s.mu.Unlock()
		if err := s.loadLocked(ctx, sc, v); err != nil {
			errs = append(errs, fmt.Errorf("refresh %s: %w", sc, err))
		}
		unlock()
	}
	return errors.Join(errs...)
}

func (s *Service) loadLocked(ctx context.Context, scope string, v *view) error {
	products, clients, invoices, err := s.fetch(ctx, scope)
	if err == nil {
		s.absorb(ctx, scope, v, products, clients, invoices)
		return nil
	}

	if v.loaded {
		s.logger.Warn().Err(err).Str("scope", scope).Msg("refresh failed, keeping current state")
		return err
	}
	// Nothing loaded yet: start from the last snapshot when the store is
	// unreachable.
	snapshots := s.scopeCache(scope)
	cachedProducts, okP, _ := session.LoadSnapshot[domain.Product](ctx, snapshots, "products")
	cachedClients, okC, _ := session.LoadSnapshot[domain.Client](ctx, snapshots, "clients")
	if errors.Is(err, store.ErrNotConfigured) || (!okP && !okC) {
		return err
	}
	s.logger.Warn().Err(err).Str("scope", scope).Msg("row store unavailable, serving cached snapshot")
	v.products = cachedProducts
	v.clients = cachedClients
	return nil
}

func (s *Service) fetch(ctx context.Context, scope string) ([]domain.Product, []domain.Client, []domain.Invoice, error) {
	rows, err := s.rows()
	if err != nil {
		return nil, nil, nil, err
	}
	app := domain.AppContext{Scope: scope}
	products, err := persist.List(ctx, s.adapter, rows.Products(), persist.ProductKeys, app)
	if err != nil {
		return nil, nil, nil, err
	}
	clients, err := persist.List(ctx, s.adapter, rows.Clients(), persist.ClientKeys, app)
	if err != nil {
		return nil, nil, nil, err
	}
	invoices, err := persist.List(ctx, s.adapter, rows.Invoices(), persist.InvoiceKeys, app)
	if err != nil {
		return nil, nil, nil, err
	}
	return products, clients, invoices, nil
}

// absorb merges fetched rows into the view. Rows not yet confirmed by the
// store stay; a fetch that comes back empty while the view has rows is
// treated as a failed read.
func (s *Service) absorb(ctx context.Context, scope string, v *view, products []domain.Product, clients []domain.Client, invoices []domain.Invoice) {
	if len(products) == 0 && len(v.products) > 0 {
		s.logger.Warn().Str("scope", scope).Msg("empty product list from store, keeping current products")
	} else {
		v.products = reconcile.MergeProducts(unconfirmed(v.products, persist.ProductKeys.ID), products).Rows
	}
	if len(clients) == 0 && len(v.clients) > 0 {
		s.logger.Warn().Str("scope", scope).Msg("empty client list from store, keeping current clients")
	} else {
		v.clients = reconcile.MergeClients(unconfirmed(v.clients, persist.ClientKeys.ID), clients).Rows
	}
	v.invoices = invoices
	v.loaded = true

	snapshots := s.scopeCache(scope)
	if _, err := session.SaveSnapshot(ctx, snapshots, "products", v.products); err != nil {
		s.logger.Warn().Err(err).Str("scope", scope).Msg("failed to cache product snapshot")
	}
	if _, err := session.SaveSnapshot(ctx, snapshots, "clients", v.clients); err != nil {
		s.logger.Warn().Err(err).Str("scope", scope).Msg("failed to cache client snapshot")
	}
}

func unconfirmed[T any](rows []T, id func(T) string) []T {
	var out []T
	for _, row := range rows {
		if !domain.IsCanonicalID(id(row)) {
			out = append(out, row)
		}
	}
	return out
}

func replaceByID[T any](rows []T, id func(T) string, row T) []T {
	for i := range rows {
		if id(rows[i]) == id(row) {
			rows[i] = row
			return rows
		}
	}
	return append(rows, row)
}

func removeByID[T any](rows []T, id func(T) string, target string) []T {
	out := rows[:0]
	for _, row := range rows {
		if id(row) != target {
			out = append(out, row)
		}
	}
	return out
}

func (v *view) product(id string) (domain.Product, bool) {
	for _, p := range v.products {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Product{}, false
}

func (v *view) client(id string) (domain.Client, bool) {
	for _, c := range v.clients {
		if c.ID == id {
			return c, true
		}
	}
	return domain.Client{}, false
}

func (v *view) invoice(id string) (domain.Invoice, bool) {
	for _, inv := range v.invoices {
		if inv.ID == id || inv.Code == id {
			return inv, true
		}
	}
	return domain.Invoice{}, false
}

func (v *view) absorbProducts(updated []domain.Product) {
	for _, p := range updated {
		v.products = replaceByID(v.products, persist.ProductKeys.ID, p)
	}
}

func (s *Service) audit(ctx context.Context, app domain.AppContext, action string, entityType string, entityID string, detail string) {
	rows, err := s.rows()
	if err != nil {
		return
	}
	entry := domain.AuditEntry{
		Actor:      app.UserID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  s.now(),
	}
	if err := s.adapter.Exec(ctx, "insert audit", func(ctx context.Context) error {
		_, err := rows.Audit().Insert(ctx, app.Scope, entry)
		return err
	}); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Str("entity", entityType+"/"+entityID).Msg("failed to write audit entry")
	}
}

// publish stores a typed event. An empty requestID gets a fresh one.
func (s *Service) publish(ctx context.Context, app domain.AppContext, kind string, requestID string, payload any) (domain.Event, error) {
	rows, err := s.rows()
	if err != nil {
		return domain.Event{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	event := domain.Event{
		RequestID: requestID,
		Kind:      kind,
		Payload:   raw,
		Actor:     app.UserID,
		CreatedAt: s.now(),
	}
	return persist.Retry(ctx, s.adapter, "insert event", func(ctx context.Context) (domain.Event, error) {
		return rows.Events().Insert(ctx, app.Scope, event)
	})
}

// notify is publish for events nobody waits on.
func (s *Service) notify(ctx context.Context, app domain.AppContext, kind string, payload any) {
	if _, err := s.publish(ctx, app, kind, "", payload); err != nil {
		s.logger.Warn().Err(err).Str("kind", kind).Msg("failed to record event")
	}
}

// ListEvents returns events newest first. With pendingOnly set, resolved
// events are skipped.
func (s *Service) ListEvents(ctx context.Context, app domain.AppContext, kind string, pendingOnly bool) ([]domain.Event, error) {
	if err := validateApp(app); err != nil {
		return nil, err
	}
	rows, err := s.rows()
	if err != nil {
		return nil, err
	}
	events, err := persist.List(ctx, s.adapter, rows.Events(), eventKeys, app)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Event, 0, len(events))
	for _, event := range events {
		if kind != "" && event.Kind != kind {
			continue
		}
		if pendingOnly && event.ResolvedAt != nil {
			continue
		}
		out = append(out, event)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Service) ListAudit(ctx context.Context, app domain.AppContext, limit int) ([]domain.AuditEntry, error) {
	if err := validateApp(app); err != nil {
		return nil, err
	}
	if err := requireAdmin(app); err != nil {
		return nil, err
	}
	rows, err := s.rows()
	if err != nil {
		return nil, err
	}
	entries, err := persist.List(ctx, s.adapter, rows.Audit(), auditKeys, app)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

var eventKeys = persist.Keys[domain.Event]{
	Table:      store.TableEvents,
	ID:         func(e domain.Event) string { return e.ID },
	SetID:      func(e *domain.Event, id string) { e.ID = id },
	NaturalKey: domain.Event.NaturalKey,
}

var auditKeys = persist.Keys[domain.AuditEntry]{
	Table:      store.TableAudit,
	ID:         func(a domain.AuditEntry) string { return a.ID },
	SetID:      func(a *domain.AuditEntry, id string) { a.ID = id },
	NaturalKey: func(domain.AuditEntry) string { return "" },
}

// Preferences, SavePreferences and RememberLookup expose the user's session
// settings.
func (s *Service) Preferences(ctx context.Context, app domain.AppContext) (domain.Preferences, error) {
	if err := validateApp(app); err != nil {
		return domain.Preferences{}, err
	}
	return s.session(app).Preferences(ctx)
}

func (s *Service) SavePreferences(ctx context.Context, app domain.AppContext, prefs domain.Preferences) (domain.Preferences, error) {
	if err := validateApp(app); err != nil {
		return domain.Preferences{}, err
	}
	return s.session(app).SavePreferences(ctx, prefs)
}

func (s *Service) RememberLookup(ctx context.Context, app domain.AppContext, term string) ([]string, error) {
	if err := validateApp(app); err != nil {
		return nil, err
	}
	return s.session(app).RememberLookup(ctx, term)
}
