package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"mostrador/backend/internal/domain"
	"mostrador/backend/internal/store"
)

// pgTable stores rows as JSONB documents with the id and natural key lifted
// into indexed columns.
type pgTable[T any] struct {
	s          *Store
	name       string
	id         func(T) string
	setID      func(*T, string)
	key        func(T) string
	afterWrite func(ctx context.Context, tx *sql.Tx, row T) error
}

func newPGTable[T any](s *Store, name string, id func(T) string, setID func(*T, string), key func(T) string) *pgTable[T] {
	if key == nil {
		key = func(T) string { return "" }
	}
	return &pgTable[T]{s: s, name: name, id: id, setID: setID, key: key}
}

func (t *pgTable[T]) List(ctx context.Context, scope string) ([]T, error) {
	rows, err := t.s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT body FROM %s
		WHERE scope = $1
		ORDER BY created_at, id
	`, t.name), scope)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := make([]T, 0, 64)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, classify(err)
		}
		var row T
		if err := json.Unmarshal(body, &row); err != nil {
			return nil, fmt.Errorf("decode %s row: %w", t.name, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (t *pgTable[T]) Get(ctx context.Context, scope string, id string) (T, error) {
	return t.getWhere(ctx, "id", scope, id)
}

func (t *pgTable[T]) GetByNaturalKey(ctx context.Context, scope string, key string) (T, error) {
	if key == "" {
		var zero T
		return zero, store.ErrNotFound
	}
	return t.getWhere(ctx, "natural_key", scope, key)
}

func (t *pgTable[T]) getWhere(ctx context.Context, column string, scope string, value string) (T, error) {
	var row T
	var body []byte
	err := t.s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT body FROM %s WHERE scope = $1 AND %s = $2
	`, t.name, column), scope, value).Scan(&body)
	if err != nil {
		return row, classify(err)
	}
	if err := json.Unmarshal(body, &row); err != nil {
		return row, fmt.Errorf("decode %s row: %w", t.name, err)
	}
	return row, nil
}

func (t *pgTable[T]) Insert(ctx context.Context, scope string, row T) (T, error) {
	if !domain.IsCanonicalID(t.id(row)) {
		t.setID(&row, uuid.NewString())
	}
	err := t.write(ctx, scope, domain.ChangeInsert, row, func(tx *sql.Tx, body []byte) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, scope, natural_key, body)
			VALUES ($1, $2, $3, $4)
		`, t.name), t.id(row), scope, nullIfEmpty(t.key(row)), body)
		return err
	})
	return row, err
}

func (t *pgTable[T]) UpdateByID(ctx context.Context, scope string, id string, row T) (T, error) {
	t.setID(&row, id)
	err := t.write(ctx, scope, domain.ChangeUpdate, row, func(tx *sql.Tx, body []byte) error {
		return t.updateRow(ctx, tx, scope, id, row, body)
	})
	return row, err
}

func (t *pgTable[T]) UpdateByNaturalKey(ctx context.Context, scope string, key string, row T) (T, error) {
	if key == "" {
		return row, store.ErrNotFound
	}
	tx, err := t.s.db.BeginTx(ctx, nil)
	if err != nil {
		return row, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id FROM %s WHERE scope = $1 AND natural_key = $2 FOR UPDATE
	`, t.name), scope, key).Scan(&id)
	if err != nil {
		return row, classify(err)
	}
	t.setID(&row, id)

	body, err := json.Marshal(row)
	if err != nil {
		return row, err
	}
	if err := t.updateRow(ctx, tx, scope, id, row, body); err != nil {
		return row, classify(err)
	}
	if err := t.finish(ctx, tx, scope, domain.ChangeUpdate, row); err != nil {
		return row, err
	}
	return row, nil
}

func (t *pgTable[T]) Delete(ctx context.Context, scope string, id string) error {
	tx, err := t.s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE scope = $1 AND id = $2
	`, t.name), scope, id)
	if err != nil {
		return classify(err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return store.ErrNotFound
	}
	if err := notify(ctx, tx, domain.ChangeEvent{Table: t.name, Kind: domain.ChangeDelete, Scope: scope}); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

func (t *pgTable[T]) updateRow(ctx context.Context, tx *sql.Tx, scope string, id string, row T, body []byte) error {
	result, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET natural_key = $3, body = $4, updated_at = now()
		WHERE scope = $1 AND id = $2
	`, t.name), scope, id, nullIfEmpty(t.key(row)), body)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTable[T]) write(ctx context.Context, scope string, kind string, row T, exec func(tx *sql.Tx, body []byte) error) error {
	body, err := json.Marshal(row)
	if err != nil {
		return err
	}
	tx, err := t.s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := exec(tx, body); err != nil {
		return classify(err)
	}
	return t.finish(ctx, tx, scope, kind, row)
}

func (t *pgTable[T]) finish(ctx context.Context, tx *sql.Tx, scope string, kind string, row T) error {
	if t.afterWrite != nil {
		if err := t.afterWrite(ctx, tx, row); err != nil {
			return classify(err)
		}
	}
	if err := notify(ctx, tx, domain.ChangeEvent{Table: t.name, Kind: kind, Scope: scope}); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}
