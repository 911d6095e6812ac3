package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mostrador/backend/internal/domain"
	"mostrador/backend/internal/importer"
	"mostrador/backend/internal/persist"
	"mostrador/backend/internal/service"
	"mostrador/backend/internal/store"
)

const (
	maxJSONBody   = 1 << 20
	maxImportBody = 10 << 20
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	scope         string
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
	csrfSecret    []byte
	logger        zerolog.Logger
}

// New serves every request against scope, the business whose rows this
// instance owns.
func New(svc *service.Service, auth *AuthManager, scope string, allowedOrigin string, logger zerolog.Logger) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	return &API{
		service:       svc,
		auth:          auth,
		scope:         scope,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		csrfSecret:    csrfSecret,
		logger:        logger.With().Str("component", "http").Logger(),
	}
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket
// (Unix time truncated to the hour), hex-encoded.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	return a.csrfTokenForHour(time.Now().UTC().Truncate(time.Hour).Unix())
}

// validateCSRFToken accepts the current and previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	current := time.Now().UTC().Truncate(time.Hour).Unix()
	for _, bucket := range []int64{current, current - 3600} {
		if hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(bucket))) {
			return true
		}
	}
	return false
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

type actorKey struct{}

func withActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(domain.Actor)
	return actor, ok
}

// appContext is only valid behind requireAuth.
func (a *API) appContext(r *http.Request) domain.AppContext {
	actor, _ := actorFrom(r.Context())
	return domain.AppContext{UserID: actor.Username, Role: actor.Role, Scope: a.scope}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	anyone := []string{domain.RoleCashier, domain.RoleAdmin}

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/auth/csrf-token", a.handleCSRFToken)

	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, anyone...))
	mux.HandleFunc("/api/v1/products/import", a.requireAuth(a.handleProductImport, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/products/", a.requireAuth(a.handleProductActions, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/clients", a.requireAuth(a.handleClients, anyone...))
	mux.HandleFunc("/api/v1/clients/import", a.requireAuth(a.handleClientImport, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/clients/", a.requireAuth(a.handleClientActions, anyone...))

	mux.HandleFunc("/api/v1/checkout/quote", a.requireAuth(a.handleQuote, anyone...))
	mux.HandleFunc("/api/v1/checkout", a.requireAuth(a.handleCheckout, anyone...))
	mux.HandleFunc("/api/v1/invoices", a.requireAuth(a.handleInvoices, anyone...))
	mux.HandleFunc("/api/v1/invoices/", a.requireAuth(a.handleInvoiceActions, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/abonos", a.requireAuth(a.handleAbono, anyone...))
	mux.HandleFunc("/api/v1/receivables", a.requireAuth(a.handleReceivables, anyone...))

	mux.HandleFunc("/api/v1/shifts/open", a.requireAuth(a.handleShiftOpen, anyone...))
	mux.HandleFunc("/api/v1/shifts/close", a.requireAuth(a.handleShiftClose, anyone...))
	mux.HandleFunc("/api/v1/shifts/active", a.requireAuth(a.handleShiftActive, anyone...))
	mux.HandleFunc("/api/v1/shifts/authorize", a.requireAuth(a.handleShiftAuthorize, anyone...))
	mux.HandleFunc("/api/v1/session", a.requireAuth(a.handleSession, anyone...))
	mux.HandleFunc("/api/v1/session/preferences", a.requireAuth(a.handlePreferences, anyone...))
	mux.HandleFunc("/api/v1/session/lookups", a.requireAuth(a.handleLookups, anyone...))

	mux.HandleFunc("/api/v1/cash/balances", a.requireAuth(a.handleBalances, anyone...))
	mux.HandleFunc("/api/v1/cash/transfers", a.requireAuth(a.handleTransfer, anyone...))
	mux.HandleFunc("/api/v1/expenses", a.requireAuth(a.handleExpenses, anyone...))
	mux.HandleFunc("/api/v1/purchases", a.requireAuth(a.handlePurchases, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/stock/to-pos", a.requireAuth(a.handleStockToPOS, anyone...))
	mux.HandleFunc("/api/v1/stock/barter", a.requireAuth(a.handleBarter, anyone...))

	mux.HandleFunc("/api/v1/events", a.requireAuth(a.handleEvents, anyone...))
	mux.HandleFunc("/api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/sync/refresh", a.requireAuth(a.handleRefresh, anyone...))
	mux.HandleFunc("/api/v1/users/cashiers", a.requireAuth(a.handleCashiers, domain.RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(withActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken returns a stateless token for the X-CSRF-Token header of
// mutating requests.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	if !isMutating(r.Method) {
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

// pathID returns the single segment after prefix, or "" when there is none
// or more than one.
func pathID(r *http.Request, prefix string) string {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if tail == "" || strings.Contains(tail, "/") {
		return ""
	}
	return tail
}

func queryBool(r *http.Request, name string) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get(name)))
	return err == nil && parsed
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	app := a.appContext(r)
	switch r.Method {
	case http.MethodGet:
		products, err := a.service.ListProducts(r.Context(), app, queryBool(r, "include_archived"))
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	case http.MethodPost:
		var product domain.Product
		if err := decodeJSON(r, &product); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := a.service.SaveProduct(r.Context(), app, product)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, savedStatus(result.Outcome), map[string]any{"product": result.Row, "outcome": result.Outcome})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleProductActions(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "/api/v1/products/")
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("product id required"))
		return
	}
	app := a.appContext(r)

	switch r.Method {
	case http.MethodPut:
		var product domain.Product
		if err := decodeJSON(r, &product); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		product.ID = id
		result, err := a.service.SaveProduct(r.Context(), app, product)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": result.Row, "outcome": result.Outcome})
	case http.MethodDelete:
		result, err := a.service.DeleteProduct(r.Context(), app, id)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": result.Row, "outcome": result.Outcome})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleClients(w http.ResponseWriter, r *http.Request) {
	app := a.appContext(r)
	switch r.Method {
	case http.MethodGet:
		clients, err := a.service.ListClients(r.Context(), app, queryBool(r, "include_archived"))
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"clients": clients})
	case http.MethodPost:
		var client domain.Client
		if err := decodeJSON(r, &client); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := a.service.SaveClient(r.Context(), app, client)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, savedStatus(result.Outcome), map[string]any{"client": result.Row, "outcome": result.Outcome})
	default:
		writeMethodNotAllowed(w)
	}
}

// handleClientActions lets cashiers edit contact data; credit profile
// changes are rejected by the service for them.
func (a *API) handleClientActions(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "/api/v1/clients/")
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("client id required"))
		return
	}
	app := a.appContext(r)

	switch r.Method {
	case http.MethodPut:
		var client domain.Client
		if err := decodeJSON(r, &client); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		client.ID = id
		result, err := a.service.SaveClient(r.Context(), app, client)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"client": result.Row, "outcome": result.Outcome})
	case http.MethodDelete:
		if !app.IsAdmin() {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}
		result, err := a.service.DeleteClient(r.Context(), app, id)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"client": result.Row, "outcome": result.Outcome})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleProductImport(w http.ResponseWriter, r *http.Request) {
	a.handleImport(w, r, a.service.ImportProducts)
}

func (a *API) handleClientImport(w http.ResponseWriter, r *http.Request) {
	a.handleImport(w, r, a.service.ImportClients)
}

type importFunc func(ctx context.Context, app domain.AppContext, format string, r io.Reader) (domain.ImportResponse, error)

func (a *API) handleImport(w http.ResponseWriter, r *http.Request, run importFunc) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBody)

	format, body, err := importSource(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer func() { _ = body.Close() }()

	resp, err := run(r.Context(), a.appContext(r), format, body)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// importSource accepts a multipart upload under "file" or a raw body. The
// format comes from the "format" query parameter, then the file extension,
// then the content type.
func importSource(r *http.Request) (string, io.ReadCloser, error) {
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	contentType := strings.ToLower(r.Header.Get("Content-Type"))

	if strings.HasPrefix(contentType, "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			return "", nil, fmt.Errorf("file field required: %w", err)
		}
		if format == "" {
			format = strings.TrimPrefix(strings.ToLower(filepath.Ext(header.Filename)), ".")
		}
		return format, file, nil
	}

	if format == "" {
		switch {
		case strings.Contains(contentType, "json"):
			format = importer.FormatJSON
		case strings.Contains(contentType, "csv"), strings.Contains(contentType, "text/plain"):
			format = importer.FormatCSV
		case strings.Contains(contentType, "spreadsheet"), strings.Contains(contentType, "excel"):
			format = importer.FormatXLSX
		default:
			return "", nil, errors.New("import format required")
		}
	}
	return format, r.Body, nil
}

func (a *API) handleQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.Quote(r.Context(), a.appContext(r), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.Checkout(r.Context(), a.appContext(r), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleInvoices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	invoices, err := a.service.ListInvoices(r.Context(), a.appContext(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoices": invoices})
}

func (a *API) handleInvoiceActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w)
		return
	}
	id := pathID(r, "/api/v1/invoices/")
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("invoice id or code required"))
		return
	}

	invoice, err := a.service.DeleteInvoice(r.Context(), a.appContext(r), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": invoice})
}

func (a *API) handleAbono(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.AbonoRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	invoice, err := a.service.RegisterAbono(r.Context(), a.appContext(r), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": invoice})
}

func (a *API) handleReceivables(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	resp, err := a.service.Receivables(r.Context(), a.appContext(r), strings.TrimSpace(r.URL.Query().Get("client_id")))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleShiftOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.ShiftOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.OpenShift(r.Context(), a.appContext(r), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleShiftClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.ShiftCloseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.SupervisorPIN) != "" && !a.pinLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many supervisor PIN attempts"))
		return
	}

	resp, err := a.service.CloseShift(r.Context(), a.appContext(r), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if resp.Status == domain.ShiftClosePendingOverride {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (a *API) handleShiftAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.pinLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many supervisor PIN attempts"))
		return
	}

	var req domain.ShiftAuthorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.AuthorizeShiftClose(r.Context(), a.appContext(r), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleShiftActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	resp, err := a.service.ActiveShift(r.Context(), a.appContext(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	resp, err := a.service.RestoreSession(r.Context(), a.appContext(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handlePreferences(w http.ResponseWriter, r *http.Request) {
	app := a.appContext(r)
	switch r.Method {
	case http.MethodGet:
		prefs, err := a.service.Preferences(r.Context(), app)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, prefs)
	case http.MethodPut:
		var prefs domain.Preferences
		if err := decodeJSON(r, &prefs); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		saved, err := a.service.SavePreferences(r.Context(), app, prefs)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleLookups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req struct {
		Term string `json:"term"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	lookups, err := a.service.RememberLookup(r.Context(), a.appContext(r), req.Term)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lookups": lookups})
}

func (a *API) handleBalances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	balances, err := a.service.Balances(r.Context(), a.appContext(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": balances})
}

func (a *API) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.Transfer(r.Context(), a.appContext(r), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleExpenses(w http.ResponseWriter, r *http.Request) {
	app := a.appContext(r)
	switch r.Method {
	case http.MethodGet:
		expenses, err := a.service.ListExpenses(r.Context(), app)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"expenses": expenses})
	case http.MethodPost:
		var req domain.ExpenseRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		expense, err := a.service.RecordExpense(r.Context(), app, req)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"expense": expense})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handlePurchases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.PurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	purchase, err := a.service.RecordPurchase(r.Context(), a.appContext(r), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"purchase": purchase})
}

func (a *API) handleStockToPOS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.StockMoveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	product, err := a.service.MoveStockToPOS(r.Context(), a.appContext(r), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleBarter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.BarterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.Barter(r.Context(), a.appContext(r), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	kind := strings.TrimSpace(r.URL.Query().Get("kind"))
	events, err := a.service.ListEvents(r.Context(), a.appContext(r), kind, queryBool(r, "pending"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	entries, err := a.service.ListAudit(r.Context(), a.appContext(r), limit)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": entries})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	if err := a.service.Refresh(r.Context(), a.scope); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleCashiers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cashiers := a.auth.ListCashiers(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"cashiers": cashiers})
	case http.MethodPost:
		var req domain.CashierCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		cashier, err := a.auth.CreateCashier(r.Context(), req)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{"cashier": cashier})
	default:
		writeMethodNotAllowed(w)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		isImport := strings.HasSuffix(r.URL.Path, "/import")
		if isMutating(r.Method) && !isImport && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		a.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(startedAt)).
			Msg("request")
	})
}

func savedStatus(outcome persist.Outcome) int {
	if outcome == persist.OutcomeInserted {
		return http.StatusCreated
	}
	return http.StatusOK
}

// serviceStatus maps service and store errors onto HTTP status codes.
func serviceStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrUniqueViolation), errors.Is(err, store.ErrForeignKeyViolation):
		return http.StatusConflict
	case errors.Is(err, store.ErrTransient), errors.Is(err, store.ErrNotConfigured), errors.Is(err, store.ErrSequenceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := serviceStatus(err)
	if verr, ok := domain.AsValidation(err); ok {
		payload := map[string]any{
			"error": verr.Message,
			"code":  verr.Code,
		}
		if verr.Field != "" {
			payload["field"] = verr.Field
		}
		if !verr.Amount.IsZero() {
			payload["amount"] = verr.Amount
		}
		writeJSON(w, status, payload)
		return
	}
	if status >= 500 {
		a.logger.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
		if status == http.StatusServiceUnavailable {
			writeJSON(w, status, map[string]any{"error": "store unavailable, retry later"})
			return
		}
	}
	writeError(w, status, err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeError hides the message of 5xx responses.
func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
