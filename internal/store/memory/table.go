package memory

import (
	"context"
	"slices"

	"mostrador/backend/internal/domain"
	"mostrador/backend/internal/store"
)

// table is a scoped, ordered collection sharing the owning Store's lock.
type table[T any] struct {
	s     *Store
	name  string
	rows  map[string][]T
	id    func(T) string
	setID func(*T, string)
	key   func(T) string
	clone func(T) T
	// referenced is called with the store lock held.
	referenced func(scope string, id string) bool
}

var _ store.Table[domain.Product] = (*table[domain.Product])(nil)

func newTable[T any](s *Store, name string, id func(T) string, setID func(*T, string), key func(T) string) *table[T] {
	if key == nil {
		key = func(T) string { return "" }
	}
	return &table[T]{
		s:     s,
		name:  name,
		rows:  make(map[string][]T),
		id:    id,
		setID: setID,
		key:   key,
		clone: func(row T) T { return row },
	}
}

func (t *table[T]) List(_ context.Context, scope string) ([]T, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if err := t.s.takeFault(); err != nil {
		return nil, err
	}
	rows := t.rows[scope]
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		out = append(out, t.clone(row))
	}
	return out, nil
}

func (t *table[T]) Get(_ context.Context, scope string, id string) (T, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var zero T
	if err := t.s.takeFault(); err != nil {
		return zero, err
	}
	idx := t.indexByID(scope, id)
	if idx < 0 {
		return zero, store.ErrNotFound
	}
	return t.clone(t.rows[scope][idx]), nil
}

func (t *table[T]) GetByNaturalKey(_ context.Context, scope string, key string) (T, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var zero T
	if err := t.s.takeFault(); err != nil {
		return zero, err
	}
	idx := t.indexByKey(scope, key, -1)
	if idx < 0 {
		return zero, store.ErrNotFound
	}
	return t.clone(t.rows[scope][idx]), nil
}

func (t *table[T]) Insert(_ context.Context, scope string, row T) (T, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var zero T
	if err := t.s.takeFault(); err != nil {
		return zero, err
	}

	id := t.id(row)
	if !domain.IsCanonicalID(id) {
		id = newCanonicalID()
		t.setID(&row, id)
	}
	if t.indexByID(scope, id) >= 0 {
		return zero, store.ErrUniqueViolation
	}
	if t.indexByKey(scope, t.key(row), -1) >= 0 {
		return zero, store.ErrUniqueViolation
	}

	t.rows[scope] = append(t.rows[scope], t.clone(row))
	t.s.publish(domain.ChangeEvent{Table: t.name, Kind: domain.ChangeInsert, Scope: scope})
	return t.clone(row), nil
}

func (t *table[T]) UpdateByID(_ context.Context, scope string, id string, row T) (T, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var zero T
	if err := t.s.takeFault(); err != nil {
		return zero, err
	}

	idx := t.indexByID(scope, id)
	if idx < 0 {
		return zero, store.ErrNotFound
	}
	if t.indexByKey(scope, t.key(row), idx) >= 0 {
		return zero, store.ErrUniqueViolation
	}
	t.setID(&row, id)
	t.rows[scope][idx] = t.clone(row)
	t.s.publish(domain.ChangeEvent{Table: t.name, Kind: domain.ChangeUpdate, Scope: scope})
	return t.clone(row), nil
}

func (t *table[T]) UpdateByNaturalKey(_ context.Context, scope string, key string, row T) (T, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var zero T
	if err := t.s.takeFault(); err != nil {
		return zero, err
	}

	idx := t.indexByKey(scope, key, -1)
	if idx < 0 {
		return zero, store.ErrNotFound
	}
	if t.indexByKey(scope, t.key(row), idx) >= 0 {
		return zero, store.ErrUniqueViolation
	}
	t.setID(&row, t.id(t.rows[scope][idx]))
	t.rows[scope][idx] = t.clone(row)
	t.s.publish(domain.ChangeEvent{Table: t.name, Kind: domain.ChangeUpdate, Scope: scope})
	return t.clone(row), nil
}

func (t *table[T]) Delete(_ context.Context, scope string, id string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if err := t.s.takeFault(); err != nil {
		return err
	}

	idx := t.indexByID(scope, id)
	if idx < 0 {
		return store.ErrNotFound
	}
	if t.referenced != nil && t.referenced(scope, id) {
		return store.ErrForeignKeyViolation
	}
	t.rows[scope] = slices.Delete(t.rows[scope], idx, idx+1)
	t.s.publish(domain.ChangeEvent{Table: t.name, Kind: domain.ChangeDelete, Scope: scope})
	return nil
}

func (t *table[T]) indexByID(scope string, id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(t.rows[scope], func(row T) bool { return t.id(row) == id })
}

// indexByKey ignores the row at skip. Empty keys never match.
func (t *table[T]) indexByKey(scope string, key string, skip int) int {
	if key == "" {
		return -1
	}
	for i, row := range t.rows[scope] {
		if i != skip && t.key(row) == key {
			return i
		}
	}
	return -1
}
