// Package session keeps per-user client state in the local cache so an open
// shift and the last loaded catalog survive a restart.
package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"mostrador/backend/internal/cache"
	"mostrador/backend/internal/domain"
)

const (
	keyLastScreen     = "last_screen"
	keyOpenShift      = "open_shift"
	keyLookups        = "lookups"
	keyVolume         = "volume"
	keyPaymentMethods = "payment_methods"
	keySnapshotPrefix = "snapshot:"
)

// MaxLookups caps the quick-lookup history.
const MaxLookups = 20

type Session struct {
	userID string
	kv     cache.KV
	logger zerolog.Logger
}

// New returns the session of userID. Keys are namespaced per user.
func New(kv cache.KV, userID string, logger zerolog.Logger) *Session {
	return &Session{
		userID: userID,
		kv:     cache.Scoped(kv, userID),
		logger: logger.With().Str("component", "session").Str("user_id", userID).Logger(),
	}
}

func (s *Session) UserID() string {
	return s.userID
}

func (s *Session) SaveShift(ctx context.Context, shift domain.ShiftRecord) error {
	return cache.SetJSON(ctx, s.kv, keyOpenShift, shift)
}

// LoadShift returns the cached open-shift marker, if any.
func (s *Session) LoadShift(ctx context.Context) (domain.ShiftRecord, bool, error) {
	shift, ok, err := cache.GetJSON[domain.ShiftRecord](ctx, s.kv, keyOpenShift)
	if err != nil {
		return domain.ShiftRecord{}, false, fmt.Errorf("load open shift: %w", err)
	}
	return shift, ok, nil
}

func (s *Session) ClearShift(ctx context.Context) error {
	return s.kv.Remove(ctx, keyOpenShift)
}

// SaveSnapshot caches rows under name. An empty result never replaces a
// non-empty snapshot, so a failed or partial fetch cannot wipe the cache.
// It reports whether the snapshot was written.
func SaveSnapshot[T any](ctx context.Context, s *Session, name string, rows []T) (bool, error) {
	key := keySnapshotPrefix + name
	if len(rows) == 0 {
		existing, ok, err := cache.GetJSON[[]T](ctx, s.kv, key)
		if err == nil && ok && len(existing) > 0 {
			s.logger.Warn().Str("snapshot", name).Int("cached", len(existing)).Msg("refusing to overwrite snapshot with empty result")
			return false, nil
		}
	}
	if err := cache.SetJSON(ctx, s.kv, key, rows); err != nil {
		return false, fmt.Errorf("save %s snapshot: %w", name, err)
	}
	return true, nil
}

func LoadSnapshot[T any](ctx context.Context, s *Session, name string) ([]T, bool, error) {
	rows, ok, err := cache.GetJSON[[]T](ctx, s.kv, keySnapshotPrefix+name)
	if err != nil {
		return nil, false, fmt.Errorf("load %s snapshot: %w", name, err)
	}
	return rows, ok, nil
}

// RememberLookup puts term at the front of the lookup history.
func (s *Session) RememberLookup(ctx context.Context, term string) ([]string, error) {
	term = strings.TrimSpace(term)
	history, err := s.Lookups(ctx)
	if err != nil {
		return nil, err
	}
	if term == "" {
		return history, nil
	}

	next := make([]string, 0, MaxLookups)
	next = append(next, term)
	for _, previous := range history {
		if len(next) == MaxLookups {
			break
		}
		if !strings.EqualFold(previous, term) {
			next = append(next, previous)
		}
	}
	if err := cache.SetJSON(ctx, s.kv, keyLookups, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Session) Lookups(ctx context.Context) ([]string, error) {
	history, _, err := cache.GetJSON[[]string](ctx, s.kv, keyLookups)
	if err != nil {
		return nil, fmt.Errorf("load lookups: %w", err)
	}
	return history, nil
}

func (s *Session) Preferences(ctx context.Context) (domain.Preferences, error) {
	var prefs domain.Preferences
	screen, _, err := s.kv.Get(ctx, keyLastScreen)
	if err != nil {
		return prefs, err
	}
	prefs.LastScreen = screen

	volume, ok, err := cache.GetJSON[int](ctx, s.kv, keyVolume)
	if err != nil {
		return prefs, err
	}
	if ok {
		prefs.Volume = &volume
	}

	methods, _, err := cache.GetJSON[[]string](ctx, s.kv, keyPaymentMethods)
	if err != nil {
		return prefs, err
	}
	prefs.PaymentMethods = methods
	return prefs, nil
}

// SavePreferences writes the fields present in prefs and leaves the rest.
// Volume is clamped to 0..100 and unknown payment methods are dropped.
func (s *Session) SavePreferences(ctx context.Context, prefs domain.Preferences) (domain.Preferences, error) {
	if screen := strings.TrimSpace(prefs.LastScreen); screen != "" {
		if err := s.kv.Set(ctx, keyLastScreen, screen); err != nil {
			return domain.Preferences{}, err
		}
	}
	if prefs.Volume != nil {
		volume := min(max(*prefs.Volume, 0), 100)
		if err := cache.SetJSON(ctx, s.kv, keyVolume, volume); err != nil {
			return domain.Preferences{}, err
		}
	}
	if prefs.PaymentMethods != nil {
		methods := make([]string, 0, len(prefs.PaymentMethods))
		seen := make(map[string]bool, len(prefs.PaymentMethods))
		for _, raw := range prefs.PaymentMethods {
			method, ok := domain.NormalizeMethod(raw)
			if ok && !seen[method] {
				seen[method] = true
				methods = append(methods, method)
			}
		}
		if err := cache.SetJSON(ctx, s.kv, keyPaymentMethods, methods); err != nil {
			return domain.Preferences{}, err
		}
	}
	return s.Preferences(ctx)
}
