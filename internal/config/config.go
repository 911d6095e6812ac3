// Package config loads runtime settings from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Port          string
	Env           string
	AllowedOrigin string
	LogLevel      string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Scope is the business whose rows this instance serves.
	Scope string

	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string

	InvoicePrefix    string
	InvoicePadWidth  int
	ShiftTolerance   decimal.Decimal
	RetryAttempts    int
	RetryBaseBackoff time.Duration
	RefreshDebounce  time.Duration
}

var keys = []string{
	"PORT", "APP_ENV", "ALLOWED_ORIGIN", "LOG_LEVEL",
	"DATABASE_URL", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"DEFAULT_SCOPE", "AUTH_SECRET", "ACCESS_TOKEN_TTL_MINUTES", "MANAGER_PIN",
	"INVOICE_PREFIX", "INVOICE_PAD_WIDTH", "SHIFT_TOLERANCE",
	"RETRY_ATTEMPTS", "RETRY_BASE_BACKOFF_MS", "REFRESH_DEBOUNCE_MS",
}

// Load never injects defaults for AUTH_SECRET or MANAGER_PIN; the server
// refuses to start without them outside development.
func Load() Config {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	v.SetDefault("PORT", "8080")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("DEFAULT_SCOPE", "main-store")
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("INVOICE_PREFIX", "FAC")
	v.SetDefault("INVOICE_PAD_WIDTH", 6)
	v.SetDefault("SHIFT_TOLERANCE", "1")
	v.SetDefault("RETRY_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_BACKOFF_MS", 200)
	v.SetDefault("REFRESH_DEBOUNCE_MS", 1000)

	tolerance, err := decimal.NewFromString(strings.TrimSpace(v.GetString("SHIFT_TOLERANCE")))
	if err != nil || tolerance.IsNegative() {
		tolerance = decimal.NewFromInt(1)
	}

	return Config{
		Port:                  v.GetString("PORT"),
		Env:                   strings.ToLower(strings.TrimSpace(v.GetString("APP_ENV"))),
		AllowedOrigin:         v.GetString("ALLOWED_ORIGIN"),
		LogLevel:              strings.ToLower(strings.TrimSpace(v.GetString("LOG_LEVEL"))),
		DatabaseURL:           strings.TrimSpace(v.GetString("DATABASE_URL")),
		RedisAddr:             strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:         v.GetString("REDIS_PASSWORD"),
		RedisDB:               v.GetInt("REDIS_DB"),
		Scope:                 strings.TrimSpace(v.GetString("DEFAULT_SCOPE")),
		AuthSecret:            strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes: positive(v.GetInt("ACCESS_TOKEN_TTL_MINUTES"), 480),
		ManagerPIN:            strings.TrimSpace(v.GetString("MANAGER_PIN")),
		InvoicePrefix:         strings.ToUpper(strings.TrimSpace(v.GetString("INVOICE_PREFIX"))),
		InvoicePadWidth:       positive(v.GetInt("INVOICE_PAD_WIDTH"), 6),
		ShiftTolerance:        tolerance,
		RetryAttempts:         positive(v.GetInt("RETRY_ATTEMPTS"), 3),
		RetryBaseBackoff:      time.Duration(positive(v.GetInt("RETRY_BASE_BACKOFF_MS"), 200)) * time.Millisecond,
		RefreshDebounce:       time.Duration(positive(v.GetInt("REFRESH_DEBOUNCE_MS"), 1000)) * time.Millisecond,
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func positive(value int, fallback int) int {
	if value < 1 {
		return fallback
	}
	return value
}
