// Package persist turns entity saves and deletes into row-store operations
// when the caller cannot tell whether a row already exists remotely.
package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"mostrador/backend/internal/domain"
	"mostrador/backend/internal/store"
)

type Outcome string

const (
	OutcomeInserted     Outcome = "inserted"
	OutcomeUpdatedByID  Outcome = "updated_by_id"
	OutcomeUpdatedByKey Outcome = "updated_by_key"
	OutcomeArchived     Outcome = "archived"
	OutcomeDeleted      Outcome = "deleted"
)

// Result is a confirmed write. Row is what the store holds after the write,
// including its canonical id.
type Result[T any] struct {
	Row     T       `json:"row"`
	Outcome Outcome `json:"outcome"`
}

type RetryPolicy struct {
	Attempts    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second}
}

// Backoff is the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseBackoff <= 0 {
		return 0
	}
	wait := p.BaseBackoff << (attempt - 1)
	if wait <= 0 || (p.MaxBackoff > 0 && wait > p.MaxBackoff) {
		return p.MaxBackoff
	}
	return wait
}

// Keys tells the adapter how to read identity off a row type.
type Keys[T any] struct {
	Table      string
	ID         func(T) string
	SetID      func(*T, string)
	NaturalKey func(T) string
	// Archive marks a row inactive. Nil means the type cannot be archived
	// and a referenced delete fails.
	Archive func(T) T
}

var ProductKeys = Keys[domain.Product]{
	Table:      store.TableProducts,
	ID:         func(p domain.Product) string { return p.ID },
	SetID:      func(p *domain.Product, id string) { p.ID = id },
	NaturalKey: domain.Product.NaturalKey,
	Archive: func(p domain.Product) domain.Product {
		p.Status = domain.ProductStatusArchived
		p.Visible = false
		return p
	},
}

var ClientKeys = Keys[domain.Client]{
	Table:      store.TableClients,
	ID:         func(c domain.Client) string { return c.ID },
	SetID:      func(c *domain.Client, id string) { c.ID = id },
	NaturalKey: domain.Client.NaturalKey,
	Archive: func(c domain.Client) domain.Client {
		c.Archived = true
		return c
	},
}

var InvoiceKeys = Keys[domain.Invoice]{
	Table:      store.TableInvoices,
	ID:         func(i domain.Invoice) string { return i.ID },
	SetID:      func(i *domain.Invoice, id string) { i.ID = id },
	NaturalKey: domain.Invoice.NaturalKey,
}

type Adapter struct {
	rows   store.RowStore
	retry  RetryPolicy
	logger zerolog.Logger
}

func New(rows store.RowStore, retry RetryPolicy, logger zerolog.Logger) *Adapter {
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}
	return &Adapter{
		rows:   rows,
		retry:  retry,
		logger: logger.With().Str("component", "persist").Logger(),
	}
}

// Rows returns the underlying store, or ErrNotConfigured when there is none.
func (a *Adapter) Rows() (store.RowStore, error) {
	if a == nil || a.rows == nil {
		return nil, store.ErrNotConfigured
	}
	return a.rows, nil
}

// Retry runs fn until it succeeds, fails with a non-transient error, or the
// attempts run out.
func Retry[T any](ctx context.Context, a *Adapter, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if _, err := a.Rows(); err != nil {
		return zero, err
	}

	var lastErr error
	for attempt := 1; attempt <= a.retry.Attempts; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !errors.Is(err, store.ErrTransient) || attempt == a.retry.Attempts {
			break
		}

		wait := a.retry.Backoff(attempt)
		a.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("backoff", wait).Msg("transient store failure, retrying")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%s: %w", op, ctx.Err())
		case <-timer.C:
		}
	}
	return zero, fmt.Errorf("%s: %w", op, lastErr)
}

// Exec is Retry for operations without a result.
func (a *Adapter) Exec(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := Retry(ctx, a, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func List[T any](ctx context.Context, a *Adapter, table store.Table[T], keys Keys[T], app domain.AppContext) ([]T, error) {
	return Retry(ctx, a, "list "+keys.Table, func(ctx context.Context) ([]T, error) {
		return table.List(ctx, app.Scope)
	})
}

func Get[T any](ctx context.Context, a *Adapter, table store.Table[T], keys Keys[T], app domain.AppContext, id string) (T, error) {
	return Retry(ctx, a, "get "+keys.Table, func(ctx context.Context) (T, error) {
		return table.Get(ctx, app.Scope, id)
	})
}

// Save writes row choosing between update-by-id, update-by-natural-key and
// insert. A row with a canonical id is updated by id first; when another row
// owns its natural key the update goes to that row instead. A row without a
// canonical id coalesces with the row owning its natural key, and is inserted
// with a store-assigned id only when there is none.
func Save[T any](ctx context.Context, a *Adapter, table store.Table[T], keys Keys[T], app domain.AppContext, row T) (Result[T], error) {
	scope := app.Scope
	key := keys.NaturalKey(row)

	byKey := func() (Result[T], error) {
		saved, err := Retry(ctx, a, "update "+keys.Table+" by key", func(ctx context.Context) (T, error) {
			return table.UpdateByNaturalKey(ctx, scope, key, row)
		})
		return Result[T]{Row: saved, Outcome: OutcomeUpdatedByKey}, err
	}
	insert := func() (Result[T], error) {
		saved, err := Retry(ctx, a, "insert "+keys.Table, func(ctx context.Context) (T, error) {
			return table.Insert(ctx, scope, row)
		})
		if errors.Is(err, store.ErrUniqueViolation) && key != "" {
			// Another session inserted the same natural key first.
			return byKey()
		}
		return Result[T]{Row: saved, Outcome: OutcomeInserted}, err
	}

	if id := keys.ID(row); domain.IsCanonicalID(id) {
		saved, err := Retry(ctx, a, "update "+keys.Table+" by id", func(ctx context.Context) (T, error) {
			return table.UpdateByID(ctx, scope, id, row)
		})
		switch {
		case err == nil:
			return Result[T]{Row: saved, Outcome: OutcomeUpdatedByID}, nil
		case errors.Is(err, store.ErrUniqueViolation) && key != "":
			a.logger.Info().Str("table", keys.Table).Str("id", id).Str("key", key).Msg("natural key owned by another row, updating by key")
			return byKey()
		case errors.Is(err, store.ErrNotFound):
			return insert()
		default:
			return Result[T]{}, err
		}
	}

	keys.SetID(&row, "")
	if key != "" {
		res, err := byKey()
		if err == nil || !errors.Is(err, store.ErrNotFound) {
			return res, err
		}
	}
	return insert()
}

// Delete removes the row with id. When other rows still reference it the
// delete is downgraded to an archive update and the outcome says so.
func Delete[T any](ctx context.Context, a *Adapter, table store.Table[T], keys Keys[T], app domain.AppContext, id string) (Result[T], error) {
	scope := app.Scope
	err := a.Exec(ctx, "delete "+keys.Table, func(ctx context.Context) error {
		return table.Delete(ctx, scope, id)
	})
	if err == nil {
		var zero T
		return Result[T]{Row: zero, Outcome: OutcomeDeleted}, nil
	}
	if !errors.Is(err, store.ErrForeignKeyViolation) || keys.Archive == nil {
		return Result[T]{}, err
	}

	current, err := Get(ctx, a, table, keys, app, id)
	if err != nil {
		return Result[T]{}, err
	}
	archived, err := Retry(ctx, a, "archive "+keys.Table, func(ctx context.Context) (T, error) {
		return table.UpdateByID(ctx, scope, id, keys.Archive(current))
	})
	if err != nil {
		return Result[T]{}, err
	}
	a.logger.Info().Str("table", keys.Table).Str("id", id).Msg("delete downgraded to archive")
	return Result[T]{Row: archived, Outcome: OutcomeArchived}, nil
}
