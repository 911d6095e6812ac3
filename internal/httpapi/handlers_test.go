package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mostrador/backend/internal/cache"
	"mostrador/backend/internal/domain"
	"mostrador/backend/internal/persist"
	"mostrador/backend/internal/sequence"
	"mostrador/backend/internal/service"
	"mostrador/backend/internal/store"
	"mostrador/backend/internal/store/memory"
)

const (
	testScope = "tienda-1"
	testPIN   = "2468"
	jabonID   = "3f1c2a10-5b7e-4c1a-9d2e-000000000004"
)

// newTestAPI wires the real service, auth manager and seeded memory store so
// handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	rows := memory.NewSeeded(testScope)
	kv := cache.NewMemory()
	adapter := persist.New(rows, persist.RetryPolicy{Attempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}, zerolog.Nop())
	sequencer := sequence.New(rows, kv, nil, "FAC", 6, zerolog.Nop())
	auth := NewAuthManager("test-secret-key", time.Hour, testPIN, rows, zerolog.Nop())
	svc := service.New(adapter, sequencer, kv, auth, service.Options{}, zerolog.Nop())

	return New(svc, auth, testScope, "*", zerolog.Nop())
}

func login(t *testing.T, api *API, username string, password string) string {
	t.Helper()

	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	var payload domain.LoginResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&payload))
	require.NotEmpty(t, strings.TrimSpace(payload.AccessToken))
	return payload.AccessToken
}

// client sends authenticated requests carrying a CSRF token.
type client struct {
	api   *API
	token string
	csrf  string
}

func newClient(t *testing.T, api *API, username string, password string) client {
	t.Helper()
	return client{api: api, token: login(t, api, username, password), csrf: fetchCSRFToken(t, api)}
}

func (c client) do(t *testing.T, method string, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-CSRF-Token", c.csrf)
	res := httptest.NewRecorder()
	c.api.Handler().ServeHTTP(res, req)
	return res
}

func decodeMap(t *testing.T, res *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return body
}

func cashSale(productID string, qty int) map[string]any {
	return map[string]any{
		"lines":   []map[string]any{{"product_id": productID, "qty": qty}},
		"payment": map[string]any{"parts": []map[string]any{{"method": "efectivo"}}},
	}
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeMap(t, rec)["ok"])
}

func TestHandleLogin(t *testing.T) {
	api := newTestAPI(t)

	token := login(t, api, "cajero", "cajero123")
	actor, err := api.auth.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleCashier, actor.Role)

	payload, _ := json.Marshal(domain.LoginRequest{Username: "admin", Password: "wrongpassword"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleProductsRequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleProductsWithValidToken(t *testing.T) {
	api := newTestAPI(t)
	c := newClient(t, api, "cajero", "cajero123")

	res := c.do(t, http.MethodGet, "/api/v1/products", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	var body struct {
		Products []domain.Product `json:"products"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Len(t, body.Products, 4)
}

func TestCashierCannotManageCatalog(t *testing.T) {
	api := newTestAPI(t)
	c := newClient(t, api, "cajero", "cajero123")

	res := c.do(t, http.MethodDelete, "/api/v1/products/"+jabonID, nil)
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = c.do(t, http.MethodPost, "/api/v1/products", domain.Product{Name: "Fideos", Category: "granos"})
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = c.do(t, http.MethodGet, "/api/v1/audit-logs", nil)
	assert.Equal(t, http.StatusForbidden, res.Code)
}

func TestCheckoutOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	c := newClient(t, api, "cajero", "cajero123")

	res := c.do(t, http.MethodPost, "/api/v1/checkout", cashSale(jabonID, 3))
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	assert.Equal(t, domain.CodeShiftNotOpen, decodeMap(t, res)["code"])

	res = c.do(t, http.MethodPost, "/api/v1/shifts/open", map[string]any{"opening_cash": 50000})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = c.do(t, http.MethodPost, "/api/v1/checkout", cashSale(jabonID, 12))
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	body := decodeMap(t, res)
	assert.Equal(t, domain.CodeInsufficientStock, body["code"])
	assert.Equal(t, "2", body["amount"])

	res = c.do(t, http.MethodPost, "/api/v1/checkout", cashSale(jabonID, 3))
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	var checkout domain.CheckoutResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&checkout))
	assert.Equal(t, "FAC-000001", checkout.Invoice.Code)
	assert.Equal(t, domain.InvoiceStatusPaid, checkout.Invoice.Status)

	res = c.do(t, http.MethodGet, "/api/v1/invoices", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var listed struct {
		Invoices []domain.Invoice `json:"invoices"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&listed))
	assert.Len(t, listed.Invoices, 1)

	res = c.do(t, http.MethodDelete, "/api/v1/invoices/"+checkout.Invoice.Code, nil)
	assert.Equal(t, http.StatusForbidden, res.Code)

	adminClient := newClient(t, api, "admin", "admin123")
	res = adminClient.do(t, http.MethodDelete, "/api/v1/invoices/"+checkout.Invoice.Code, nil)
	assert.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = adminClient.do(t, http.MethodDelete, "/api/v1/invoices/"+checkout.Invoice.Code, nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestShiftCloseOverrideOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	c := newClient(t, api, "cajero", "cajero123")

	res := c.do(t, http.MethodPost, "/api/v1/shifts/open", map[string]any{"opening_cash": 50000})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = c.do(t, http.MethodPost, "/api/v1/shifts/close", map[string]any{"physical": 40000})
	require.Equal(t, http.StatusAccepted, res.Code, res.Body.String())
	var pending domain.ShiftCloseResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&pending))
	assert.Equal(t, domain.ShiftClosePendingOverride, pending.Status)
	require.NotEmpty(t, pending.RequestID)

	res = c.do(t, http.MethodGet, "/api/v1/events?pending=true", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var events struct {
		Events []domain.Event `json:"events"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&events))
	assert.NotEmpty(t, events.Events)

	res = c.do(t, http.MethodPost, "/api/v1/shifts/authorize", domain.ShiftAuthorizeRequest{RequestID: pending.RequestID, SupervisorPIN: "1111"})
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	assert.Equal(t, domain.CodeInvalidPIN, decodeMap(t, res)["code"])

	res = c.do(t, http.MethodPost, "/api/v1/shifts/authorize", domain.ShiftAuthorizeRequest{RequestID: pending.RequestID, SupervisorPIN: testPIN})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var closed domain.ShiftCloseResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&closed))
	assert.Equal(t, domain.ShiftCloseClosed, closed.Status)

	res = c.do(t, http.MethodGet, "/api/v1/shifts/active", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, res.Code)
}

func TestSessionPreferencesOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	c := newClient(t, api, "cajero", "cajero123")

	res := c.do(t, http.MethodPut, "/api/v1/session/preferences", map[string]any{"last_screen": "ventas"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = c.do(t, http.MethodPost, "/api/v1/session/lookups", map[string]any{"term": "jabon"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = c.do(t, http.MethodGet, "/api/v1/session", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var session domain.SessionResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&session))
	assert.Equal(t, "ventas", session.Preferences.LastScreen)
	assert.Contains(t, session.Lookups, "jabon")
	assert.Nil(t, session.Shift)
}

func TestProductImportFromCSVBody(t *testing.T) {
	api := newTestAPI(t)
	c := newClient(t, api, "admin", "admin123")

	csvBody := "nombre;categoria;precio;stock\nFideos;granos;1800;5\n"
	req := httptest.NewRequest(http.MethodPost, "/api/v1/products/import?format=csv", strings.NewReader(csvBody))
	req.Header.Set("Content-Type", "text/csv")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-CSRF-Token", c.csrf)
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)

	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var resp domain.ImportResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Inserted)
	assert.Empty(t, resp.Rejected)
}

func TestImportSourceDetectsFormat(t *testing.T) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "clientes.JSON")
	require.NoError(t, err)
	_, _ = part.Write([]byte(`[]`))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/clients/import", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	format, body, err := importSource(req)
	require.NoError(t, err)
	_ = body.Close()
	assert.Equal(t, "json", format)

	cases := []struct {
		contentType string
		want        string
	}{
		{"application/json", "json"},
		{"text/csv; charset=utf-8", "csv"},
		{"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "xlsx"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/products/import", strings.NewReader("x"))
		req.Header.Set("Content-Type", tc.contentType)
		format, _, err := importSource(req)
		require.NoError(t, err)
		assert.Equal(t, tc.want, format, tc.contentType)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/products/import", strings.NewReader("x"))
	_, _, err = importSource(req)
	assert.Error(t, err)
}

func TestServiceStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.Invalid(domain.CodeEmptyCart, "lines", "cart is empty"), http.StatusUnprocessableEntity},
		{fmt.Errorf("delete: %w", domain.ErrForbidden), http.StatusForbidden},
		{fmt.Errorf("get: %w", store.ErrNotFound), http.StatusNotFound},
		{store.ErrUniqueViolation, http.StatusConflict},
		{store.ErrForeignKeyViolation, http.StatusConflict},
		{fmt.Errorf("insert: %w", store.ErrTransient), http.StatusServiceUnavailable},
		{store.ErrSequenceUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, serviceStatus(tc.err), tc.err.Error())
	}
}
