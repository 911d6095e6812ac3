// Package sequence issues human-readable invoice codes such as FAC-000042.
//
// The remote row store owns the authoritative counter. When it cannot be
// reached the next number is derived from the highest code already known
// locally, which is not unique across clients issuing offline at the same
// time.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/rs/zerolog"

	"mostrador/backend/internal/cache"
	"mostrador/backend/internal/domain"
)

const (
	SourceRemote = "remote"
	SourceLocal  = "local"
)

// Counter is the remote atomic counter.
type Counter interface {
	NextInvoiceSequence(ctx context.Context, scope string, prefix string) (int64, error)
}

// Locker serializes the local fallback between processes sharing a cache.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

type RedisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(client redislock.RedisClient) *RedisLocker {
	return &RedisLocker{client: redislock.New(client)}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lock, err := l.client.Obtain(ctx, "lock:"+key, ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 20),
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = lock.Release(context.Background()) }, nil
}

type Number struct {
	Code     string `json:"code"`
	Sequence int64  `json:"sequence"`
	Source   string `json:"source"`
}

type Sequencer struct {
	remote   Counter
	local    cache.KV
	locker   Locker
	prefix   string
	padWidth int
	lockTTL  time.Duration
	logger   zerolog.Logger
}

// New builds a sequencer. remote and locker may be nil.
func New(remote Counter, local cache.KV, locker Locker, prefix string, padWidth int, logger zerolog.Logger) *Sequencer {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = "FAC"
	}
	if padWidth < 1 {
		padWidth = 6
	}
	if local == nil {
		local = cache.NewMemory()
	}
	return &Sequencer{
		remote:   remote,
		local:    local,
		locker:   locker,
		prefix:   prefix,
		padWidth: padWidth,
		lockTTL:  5 * time.Second,
		logger:   logger.With().Str("component", "sequence").Logger(),
	}
}

func (s *Sequencer) Prefix() string {
	return s.prefix
}

func (s *Sequencer) Format(seq int64) string {
	return fmt.Sprintf("%s-%0*d", s.prefix, s.padWidth, seq)
}

// Parse extracts the sequence from a code issued under this prefix.
func (s *Sequencer) Parse(code string) (int64, bool) {
	head, digits, ok := strings.Cut(strings.TrimSpace(code), "-")
	if !ok || !strings.EqualFold(head, s.prefix) || digits == "" {
		return 0, false
	}
	seq, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}

func (s *Sequencer) localKey(scope string) string {
	return "invoice_seq:" + scope + ":" + s.prefix
}

// Next issues the next code. history holds invoice codes known to the caller
// and is only read when the remote counter is unavailable.
func (s *Sequencer) Next(ctx context.Context, app domain.AppContext, history []string) (Number, error) {
	if s.remote != nil {
		seq, err := s.remote.NextInvoiceSequence(ctx, app.Scope, s.prefix)
		if err == nil {
			s.remember(ctx, app.Scope, seq)
			return Number{Code: s.Format(seq), Sequence: seq, Source: SourceRemote}, nil
		}
		s.logger.Warn().Err(err).Str("scope", app.Scope).Msg("remote invoice counter unavailable, numbering locally")
	}
	return s.nextLocal(ctx, app.Scope, history)
}

func (s *Sequencer) nextLocal(ctx context.Context, scope string, history []string) (Number, error) {
	key := s.localKey(scope)
	if s.locker != nil {
		release, err := s.locker.Obtain(ctx, key, s.lockTTL)
		switch {
		case err == nil:
			defer release()
		case errors.Is(err, redislock.ErrNotObtained):
			s.logger.Warn().Str("key", key).Msg("could not obtain numbering lock; proceeding without lock")
		default:
			s.logger.Warn().Err(err).Str("key", key).Msg("error obtaining numbering lock; proceeding without lock")
		}
	}

	highest, err := s.lastLocal(ctx, key)
	if err != nil {
		return Number{}, err
	}
	for _, code := range history {
		if seq, ok := s.Parse(code); ok && seq > highest {
			highest = seq
		}
	}

	next := highest + 1
	if err := s.local.Set(ctx, key, strconv.FormatInt(next, 10)); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to persist local invoice counter")
	}
	return Number{Code: s.Format(next), Sequence: next, Source: SourceLocal}, nil
}

func (s *Sequencer) lastLocal(ctx context.Context, key string) (int64, error) {
	raw, ok, err := s.local.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read local invoice counter: %w", err)
	}
	if !ok {
		return 0, nil
	}
	seq, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		s.logger.Warn().Str("key", key).Str("value", raw).Msg("ignoring unreadable local invoice counter")
		return 0, nil
	}
	return seq, nil
}

// remember raises the local counter to a remotely issued number so a later
// offline period continues after it.
func (s *Sequencer) remember(ctx context.Context, scope string, seq int64) {
	key := s.localKey(scope)
	last, err := s.lastLocal(ctx, key)
	if err != nil || last >= seq {
		return
	}
	if err := s.local.Set(ctx, key, strconv.FormatInt(seq, 10)); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to persist local invoice counter")
	}
}
