// Package syncer turns row-store change notifications into debounced full
// refreshes of the canonical state.
package syncer

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"mostrador/backend/internal/domain"
)

type Source interface {
	Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error)
}

// RefreshFunc reloads the state of one scope. An empty scope means every
// scope the caller tracks.
type RefreshFunc func(ctx context.Context, scope string) error

type Syncer struct {
	source      Source
	refresh     RefreshFunc
	debounce    time.Duration
	resubscribe time.Duration
	logger      zerolog.Logger
}

func New(source Source, refresh RefreshFunc, debounce time.Duration, logger zerolog.Logger) *Syncer {
	if debounce <= 0 {
		debounce = time.Second
	}
	return &Syncer{
		source:      source,
		refresh:     refresh,
		debounce:    debounce,
		resubscribe: 2 * time.Second,
		logger:      logger.With().Str("component", "syncer").Logger(),
	}
}

// Run consumes notifications until ctx is done. A closed or failed
// subscription is re-established after a pause.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		events, err := s.source.Subscribe(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("change subscription failed")
		} else {
			s.consume(ctx, events)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.resubscribe):
		}
	}
}

func (s *Syncer) consume(ctx context.Context, events <-chan domain.ChangeEvent) {
	pending := make(map[string]bool)
	var timer *time.Timer
	var fire <-chan time.Time

	flush := func() {
		scopes := make([]string, 0, len(pending))
		for scope := range pending {
			scopes = append(scopes, scope)
		}
		sort.Strings(scopes)
		clear(pending)
		timer, fire = nil, nil
		for _, scope := range scopes {
			if err := s.refresh(ctx, scope); err != nil {
				// The cached state stays in place until the next change.
				s.logger.Warn().Err(err).Str("scope", scope).Msg("refresh failed")
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-events:
			if !ok {
				if timer != nil {
					timer.Stop()
					flush()
				}
				s.logger.Info().Msg("change subscription closed")
				return
			}
			pending[event.Scope] = true
			if timer == nil {
				timer = time.NewTimer(s.debounce)
				fire = timer.C
			}
		case <-fire:
			flush()
		}
	}
}
