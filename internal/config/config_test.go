package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	assert.Empty(t, cfg.AuthSecret)
	assert.Empty(t, cfg.ManagerPIN)
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range keys {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, "FAC", cfg.InvoicePrefix)
	assert.Equal(t, 6, cfg.InvoicePadWidth)
	assert.True(t, cfg.ShiftTolerance.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.RetryBaseBackoff)
	assert.Equal(t, time.Second, cfg.RefreshDebounce)
	assert.Equal(t, 8*time.Hour, cfg.TokenTTL())
	assert.Equal(t, "main-store", cfg.Scope)
	assert.False(t, cfg.IsProduction())
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "Production")
	t.Setenv("DEFAULT_SCOPE", "tienda-centro")
	t.Setenv("INVOICE_PREFIX", "fe")
	t.Setenv("INVOICE_PAD_WIDTH", "8")
	t.Setenv("SHIFT_TOLERANCE", "500")
	t.Setenv("RETRY_ATTEMPTS", "0")
	t.Setenv("REFRESH_DEBOUNCE_MS", "250")
	t.Setenv("REDIS_DB", "2")

	cfg := Load()
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "tienda-centro", cfg.Scope)
	assert.Equal(t, "FE", cfg.InvoicePrefix)
	assert.Equal(t, 8, cfg.InvoicePadWidth)
	assert.True(t, cfg.ShiftTolerance.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.RefreshDebounce)
	assert.Equal(t, 2, cfg.RedisDB)
}

func TestInvalidToleranceFallsBack(t *testing.T) {
	t.Setenv("SHIFT_TOLERANCE", "-3")
	assert.True(t, Load().ShiftTolerance.Equal(decimal.NewFromInt(1)))

	t.Setenv("SHIFT_TOLERANCE", "uno")
	assert.True(t, Load().ShiftTolerance.Equal(decimal.NewFromInt(1)))
}
