package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"mostrador/backend/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrUniqueViolation     = errors.New("unique constraint violated")
	ErrForeignKeyViolation = errors.New("row is referenced by other rows")
	ErrTransient           = errors.New("transient network error")
	ErrNotConfigured       = errors.New("row store not configured")
	ErrSequenceUnavailable = errors.New("invoice sequence unavailable")
)

const (
	TableProducts  = "products"
	TableClients   = "clients"
	TableInvoices  = "invoices"
	TableShifts    = "shifts"
	TableExpenses  = "expenses"
	TablePurchases = "purchases"
	TableEvents    = "events"
	TableAudit     = "audit_log"
	TableBalances  = "cash_balances"
)

// Table is one scoped collection of the remote row store. Rows with an empty
// natural key never collide on it.
type Table[T any] interface {
	List(ctx context.Context, scope string) ([]T, error)
	Get(ctx context.Context, scope string, id string) (T, error)
	GetByNaturalKey(ctx context.Context, scope string, key string) (T, error)
	// Insert assigns a canonical id when the row does not carry one.
	Insert(ctx context.Context, scope string, row T) (T, error)
	UpdateByID(ctx context.Context, scope string, id string, row T) (T, error)
	// UpdateByNaturalKey overwrites the row holding key, keeping its id.
	UpdateByNaturalKey(ctx context.Context, scope string, key string, row T) (T, error)
	Delete(ctx context.Context, scope string, id string) error
}

type RowStore interface {
	Products() Table[domain.Product]
	Clients() Table[domain.Client]
	Invoices() Table[domain.Invoice]
	Shifts() Table[domain.ShiftRecord]
	Expenses() Table[domain.Expense]
	Purchases() Table[domain.Purchase]
	Events() Table[domain.Event]
	Audit() Table[domain.AuditEntry]

	// AdjustStock applies every move or none. A move that would leave
	// negative stock fails with ErrInsufficientStock.
	AdjustStock(ctx context.Context, scope string, moves []domain.StockMove) ([]domain.Product, error)

	Balances(ctx context.Context, scope string) (map[string]decimal.Decimal, error)
	// ApplyBalanceDeltas applies every delta or none. A holder left below
	// zero fails with ErrInsufficientFunds.
	ApplyBalanceDeltas(ctx context.Context, scope string, deltas map[string]decimal.Decimal) (map[string]decimal.Decimal, error)
	SetBalance(ctx context.Context, scope string, holder string, amount decimal.Decimal) error

	// NextInvoiceSequence atomically increments the counter for prefix.
	NextInvoiceSequence(ctx context.Context, scope string, prefix string) (int64, error)

	// Subscribe streams change notifications until ctx is done.
	Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error

	Close() error
}
