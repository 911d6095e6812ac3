package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mostrador/backend/internal/domain"
	"mostrador/backend/internal/store"
)

const notifyChannel = "row_changes"

type Store struct {
	db          *sql.DB
	databaseURL string
	log         zerolog.Logger

	products  *pgTable[domain.Product]
	clients   *pgTable[domain.Client]
	invoices  *pgTable[domain.Invoice]
	shifts    *pgTable[domain.ShiftRecord]
	expenses  *pgTable[domain.Expense]
	purchases *pgTable[domain.Purchase]
	events    *pgTable[domain.Event]
	audit     *pgTable[domain.AuditEntry]
}

var _ store.RowStore = (*Store)(nil)

func New(ctx context.Context, databaseURL string, logger zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, store.ErrNotConfigured
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, databaseURL: databaseURL, log: logger.With().Str("component", "postgres").Logger()}
	s.products = newPGTable(s, store.TableProducts,
		func(p domain.Product) string { return p.ID },
		func(p *domain.Product, id string) { p.ID = id },
		domain.Product.NaturalKey)
	s.clients = newPGTable(s, store.TableClients,
		func(c domain.Client) string { return c.ID },
		func(c *domain.Client, id string) { c.ID = id },
		domain.Client.NaturalKey)
	s.invoices = newPGTable(s, store.TableInvoices,
		func(i domain.Invoice) string { return i.ID },
		func(i *domain.Invoice, id string) { i.ID = id },
		domain.Invoice.NaturalKey)
	s.invoices.afterWrite = writeInvoiceRefs
	s.shifts = newPGTable(s, store.TableShifts,
		func(r domain.ShiftRecord) string { return r.ID },
		func(r *domain.ShiftRecord, id string) { r.ID = id },
		nil)
	s.expenses = newPGTable(s, store.TableExpenses,
		func(e domain.Expense) string { return e.ID },
		func(e *domain.Expense, id string) { e.ID = id },
		nil)
	s.purchases = newPGTable(s, store.TablePurchases,
		func(p domain.Purchase) string { return p.ID },
		func(p *domain.Purchase, id string) { p.ID = id },
		nil)
	s.events = newPGTable(s, store.TableEvents,
		func(e domain.Event) string { return e.ID },
		func(e *domain.Event, id string) { e.ID = id },
		domain.Event.NaturalKey)
	s.audit = newPGTable(s, store.TableAudit,
		func(a domain.AuditEntry) string { return a.ID },
		func(a *domain.AuditEntry, id string) { a.ID = id },
		nil)

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Products() store.Table[domain.Product] { return s.products }
func (s *Store) Clients() store.Table[domain.Client] { return s.clients }
func (s *Store) Invoices() store.Table[domain.Invoice] { return s.invoices }
func (s *Store) Shifts() store.Table[domain.ShiftRecord] { return s.shifts }
func (s *Store) Expenses() store.Table[domain.Expense] { return s.expenses }
func (s *Store) Purchases() store.Table[domain.Purchase] { return s.purchases }
func (s *Store) Events() store.Table[domain.Event] { return s.events }
func (s *Store) Audit() store.Table[domain.AuditEntry] { return s.audit }

var documentTables = []string{
	store.TableProducts,
	store.TableClients,
	store.TableInvoices,
	store.TableShifts,
	store.TableExpenses,
	store.TablePurchases,
	store.TableEvents,
	store.TableAudit,
}

// Migrate creates the schema when it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	statements := make([]string, 0, len(documentTables)*2+6)
	for _, name := range documentTables {
		statements = append(statements,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				scope TEXT NOT NULL,
				natural_key TEXT,
				body JSONB NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`, name),
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_scope_natural_key
				ON %s (scope, natural_key) WHERE natural_key IS NOT NULL`, name, name),
		)
	}
	statements = append(statements,
		`ALTER TABLE invoices ADD COLUMN IF NOT EXISTS client_id TEXT REFERENCES clients(id)`,
		`CREATE TABLE IF NOT EXISTS invoice_lines (
			invoice_id TEXT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
			product_id TEXT NOT NULL REFERENCES products(id),
			qty INT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cash_balances (
			scope TEXT NOT NULL,
			holder TEXT NOT NULL,
			amount NUMERIC(16,2) NOT NULL CHECK (amount >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (scope, holder)
		)`,
		`CREATE TABLE IF NOT EXISTS invoice_sequences (
			scope TEXT NOT NULL,
			prefix TEXT NOT NULL,
			last_value BIGINT NOT NULL,
			PRIMARY KEY (scope, prefix)
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password TEXT NOT NULL,
			role TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	)

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", classify(err))
		}
	}
	return nil
}

func (s *Store) AdjustStock(ctx context.Context, scope string, moves []domain.StockMove) ([]domain.Product, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	staged := make(map[string]domain.Product, len(moves))
	order := make([]string, 0, len(moves))
	for _, move := range moves {
		current, ok := staged[move.ProductID]
		if !ok {
			var body []byte
			err := tx.QueryRowContext(ctx, `
				SELECT body FROM products
				WHERE scope = $1 AND id = $2
				FOR UPDATE
			`, scope, move.ProductID).Scan(&body)
			if err != nil {
				return nil, fmt.Errorf("product %s: %w", move.ProductID, classify(err))
			}
			if err := json.Unmarshal(body, &current); err != nil {
				return nil, err
			}
			order = append(order, move.ProductID)
		}
		current.StockWarehouse += move.WarehouseDelta
		current.StockPOS += move.POSDelta
		if current.StockWarehouse < 0 || current.StockPOS < 0 {
			return nil, fmt.Errorf("product %s: %w", move.ProductID, store.ErrInsufficientStock)
		}
		staged[move.ProductID] = current
	}

	now := time.Now().UTC()
	updated := make([]domain.Product, 0, len(order))
	for _, id := range order {
		p := staged[id]
		p.UpdatedAt = now
		p.RefreshStatus()
		body, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE products SET body = $3, updated_at = $4
			WHERE scope = $1 AND id = $2
		`, scope, id, body, now); err != nil {
			return nil, classify(err)
		}
		updated = append(updated, p)
	}

	if err := notify(ctx, tx, domain.ChangeEvent{Table: store.TableProducts, Kind: domain.ChangeUpdate, Scope: scope}); err != nil {
		return nil, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return updated, nil
}

func (s *Store) Balances(ctx context.Context, scope string) (map[string]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT holder, amount FROM cash_balances WHERE scope = $1
	`, scope)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	balances := make(map[string]decimal.Decimal)
	for rows.Next() {
		var holder string
		var amount decimal.Decimal
		if err := rows.Scan(&holder, &amount); err != nil {
			return nil, classify(err)
		}
		balances[holder] = amount
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return balances, nil
}

func (s *Store) ApplyBalanceDeltas(ctx context.Context, scope string, deltas map[string]decimal.Decimal) (map[string]decimal.Decimal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock holders in a stable order so concurrent transfers cannot deadlock.
	holders := make([]string, 0, len(deltas))
	for holder := range deltas {
		holders = append(holders, holder)
	}
	sort.Strings(holders)

	next := make(map[string]decimal.Decimal, len(holders))
	for _, holder := range holders {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cash_balances (scope, holder, amount) VALUES ($1, $2, 0)
			ON CONFLICT (scope, holder) DO NOTHING
		`, scope, holder); err != nil {
			return nil, classify(err)
		}
		var amount decimal.Decimal
		if err := tx.QueryRowContext(ctx, `
			SELECT amount FROM cash_balances
			WHERE scope = $1 AND holder = $2
			FOR UPDATE
		`, scope, holder).Scan(&amount); err != nil {
			return nil, classify(err)
		}
		amount = amount.Add(deltas[holder])
		if amount.IsNegative() {
			return nil, fmt.Errorf("holder %s: %w", holder, store.ErrInsufficientFunds)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE cash_balances SET amount = $3, updated_at = now()
			WHERE scope = $1 AND holder = $2
		`, scope, holder, amount); err != nil {
			return nil, classify(err)
		}
		next[holder] = amount
	}

	if err := notify(ctx, tx, domain.ChangeEvent{Table: store.TableBalances, Kind: domain.ChangeUpdate, Scope: scope}); err != nil {
		return nil, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return next, nil
}

func (s *Store) SetBalance(ctx context.Context, scope string, holder string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return store.ErrInsufficientFunds
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_balances (scope, holder, amount, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (scope, holder)
		DO UPDATE SET amount = EXCLUDED.amount, updated_at = now()
	`, scope, holder, amount)
	return classify(err)
}

func (s *Store) NextInvoiceSequence(ctx context.Context, scope string, prefix string) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO invoice_sequences (scope, prefix, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (scope, prefix)
		DO UPDATE SET last_value = invoice_sequences.last_value + 1
		RETURNING last_value
	`, scope, strings.ToUpper(prefix)).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrSequenceUnavailable, classify(err))
	}
	return next, nil
}

// Subscribe holds a dedicated connection on LISTEN until ctx is done or the
// connection drops. The channel is closed in both cases.
func (s *Store) Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	conn, err := pgx.Connect(ctx, s.databaseURL)
	if err != nil {
		return nil, classify(err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		_ = conn.Close(context.Background())
		return nil, classify(err)
	}

	events := make(chan domain.ChangeEvent, 64)
	go func() {
		defer close(events)
		defer func() { _ = conn.Close(context.Background()) }()
		for {
			notification, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn().Err(err).Msg("change listener stopped")
				}
				return
			}
			var event domain.ChangeEvent
			if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
				s.log.Warn().Err(err).Str("payload", notification.Payload).Msg("malformed change notification")
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	return classify(err)
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, classify(err)
		}
		u.CreatedAt = u.CreatedAt.UTC()
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return classify(err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// writeInvoiceRefs mirrors invoice references into relational columns so
// the database enforces them.
func writeInvoiceRefs(ctx context.Context, tx *sql.Tx, inv domain.Invoice) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE invoices SET client_id = $2 WHERE id = $1
	`, inv.ID, nullIfEmpty(inv.ClientID)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM invoice_lines WHERE invoice_id = $1`, inv.ID); err != nil {
		return err
	}
	for _, line := range inv.Lines {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO invoice_lines (invoice_id, product_id, qty) VALUES ($1, $2, $3)
		`, inv.ID, line.ProductID, line.Qty); err != nil {
			return err
		}
	}
	return nil
}

func notify(ctx context.Context, tx *sql.Tx, event domain.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload))
	return err
}

// classify maps driver errors onto the store's sentinel errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%w: %s", store.ErrUniqueViolation, pgErr.ConstraintName)
		case pgErr.Code == "23503":
			return fmt.Errorf("%w: %s", store.ErrForeignKeyViolation, pgErr.ConstraintName)
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "40001", pgErr.Code == "40P01":
			return fmt.Errorf("%w: %v", store.ErrTransient, err)
		}
		return err
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) || pgconn.Timeout(err) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", store.ErrTransient, err)
	}
	return err
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
