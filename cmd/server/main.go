package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mostrador/backend/internal/cache"
	"mostrador/backend/internal/config"
	"mostrador/backend/internal/httpapi"
	"mostrador/backend/internal/persist"
	"mostrador/backend/internal/sequence"
	"mostrador/backend/internal/service"
	"mostrador/backend/internal/store"
	"mostrador/backend/internal/store/memory"
	pgstore "mostrador/backend/internal/store/postgres"
	"mostrador/backend/internal/syncer"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	log.Logger = logger

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid security configuration")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var rows store.RowStore
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		rows = pg
		closers = append(closers, pg.Close)
		logger.Info().Msg("row store: postgres")
	} else {
		rows = memory.NewSeeded(cfg.Scope)
		logger.Info().Str("scope", cfg.Scope).Msg("row store: in-memory")
	}

	var kv cache.KV = cache.NewMemory()
	var locker sequence.Locker
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, using in-process cache")
		} else {
			kv = redisCache
			locker = sequence.NewRedisLocker(redisCache.Client())
			closers = append(closers, redisCache.Close)
			logger.Info().Msg("cache: redis")
		}
	} else {
		logger.Info().Msg("cache: in-process")
	}

	adapter := persist.New(rows, persist.RetryPolicy{
		Attempts:    cfg.RetryAttempts,
		BaseBackoff: cfg.RetryBaseBackoff,
		MaxBackoff:  8 * cfg.RetryBaseBackoff,
	}, logger)
	sequencer := sequence.New(rows, kv, locker, cfg.InvoicePrefix, cfg.InvoicePadWidth, logger)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.TokenTTL(), cfg.ManagerPIN, rows, logger)
	svc := service.New(adapter, sequencer, kv, auth, service.Options{Tolerance: cfg.ShiftTolerance}, logger)
	api := httpapi.New(svc, auth, cfg.Scope, cfg.AllowedOrigin, logger)

	runCtx, stopSync := context.WithCancel(context.Background())
	defer stopSync()
	go func() {
		err := syncer.New(rows, svc.Refresh, cfg.RefreshDebounce, logger).Run(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("syncer stopped")
		}
	}()

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Address()).Msg("mostrador backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	stopSync()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error().Err(err).Msg("close error")
		}
	}

	logger.Info().Msg("server stopped")
}

// newLogger writes human-readable output in development and JSON elsewhere.
func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.IsProduction() {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit, sequential
// (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"222222": true, "333333": true, "444444": true, "555555": true,
		"666666": true, "777777": true, "888888": true, "999999": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
