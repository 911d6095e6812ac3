package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"mostrador/backend/internal/domain"
	"mostrador/backend/internal/store"
)

type Store struct {
	mu sync.RWMutex

	products  *table[domain.Product]
	clients   *table[domain.Client]
	invoices  *table[domain.Invoice]
	shifts    *table[domain.ShiftRecord]
	expenses  *table[domain.Expense]
	purchases *table[domain.Purchase]
	events    *table[domain.Event]
	audit     *table[domain.AuditEntry]

	balances        map[string]map[string]decimal.Decimal
	sequences       map[string]int64
	sequenceDown    bool
	usersByUsername map[string]domain.UserAccount
	subscribers     map[int]chan domain.ChangeEvent
	nextSubscriber  int
	faults          []error
}

var _ store.RowStore = (*Store)(nil)

func New() *Store {
	s := &Store{
		balances:        make(map[string]map[string]decimal.Decimal),
		sequences:       make(map[string]int64),
		usersByUsername: make(map[string]domain.UserAccount),
		subscribers:     make(map[int]chan domain.ChangeEvent),
	}

	s.products = newTable(s, store.TableProducts,
		func(p domain.Product) string { return p.ID },
		func(p *domain.Product, id string) { p.ID = id },
		domain.Product.NaturalKey)
	s.clients = newTable(s, store.TableClients,
		func(c domain.Client) string { return c.ID },
		func(c *domain.Client, id string) { c.ID = id },
		domain.Client.NaturalKey)
	s.invoices = newTable(s, store.TableInvoices,
		func(i domain.Invoice) string { return i.ID },
		func(i *domain.Invoice, id string) { i.ID = id },
		domain.Invoice.NaturalKey)
	s.invoices.clone = cloneInvoice
	s.shifts = newTable(s, store.TableShifts,
		func(r domain.ShiftRecord) string { return r.ID },
		func(r *domain.ShiftRecord, id string) { r.ID = id },
		nil)
	s.expenses = newTable(s, store.TableExpenses,
		func(e domain.Expense) string { return e.ID },
		func(e *domain.Expense, id string) { e.ID = id },
		nil)
	s.purchases = newTable(s, store.TablePurchases,
		func(p domain.Purchase) string { return p.ID },
		func(p *domain.Purchase, id string) { p.ID = id },
		nil)
	s.events = newTable(s, store.TableEvents,
		func(e domain.Event) string { return e.ID },
		func(e *domain.Event, id string) { e.ID = id },
		domain.Event.NaturalKey)
	s.audit = newTable(s, store.TableAudit,
		func(a domain.AuditEntry) string { return a.ID },
		func(a *domain.AuditEntry, id string) { a.ID = id },
		nil)

	// Invoice lines reference products and invoices reference clients.
	s.products.referenced = func(scope string, id string) bool {
		for _, inv := range s.invoices.rows[scope] {
			for _, line := range inv.Lines {
				if line.ProductID == id {
					return true
				}
			}
		}
		return false
	}
	s.clients.referenced = func(scope string, id string) bool {
		for _, inv := range s.invoices.rows[scope] {
			if inv.ClientID == id {
				return true
			}
		}
		return false
	}

	return s
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning. These credentials are never used in production (the backend uses
// PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cajero123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Warn().Str("component", "memory-store").Msg("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cajero", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("username", u.username).Msg("failed to hash seed password")
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with demo users, a small catalog, two clients and
// an opening vault balance under scope.
func NewSeeded(scope string) *Store {
	s := New()
	s.usersByUsername = seedUsers()

	now := time.Now().UTC()
	products := []domain.Product{
		{ID: "3f1c2a10-5b7e-4c1a-9d2e-000000000001", Barcode: "7702511000014", Name: "Arroz 500g", Category: "granos", Price: decimal.NewFromInt(2500), Cost: decimal.NewFromInt(1900), StockWarehouse: 100, StockPOS: 40, ReorderLevel: 10, Visible: true},
		{ID: "3f1c2a10-5b7e-4c1a-9d2e-000000000002", Barcode: "7701018000022", Name: "Aceite Girasol 1L", Category: "aceites", Price: decimal.NewFromInt(9800), Cost: decimal.NewFromInt(8100), StockWarehouse: 30, StockPOS: 12, ReorderLevel: 4, Visible: true},
		{ID: "3f1c2a10-5b7e-4c1a-9d2e-000000000003", Name: "Panela 500g", Category: "endulzantes", Price: decimal.NewFromInt(3200), Cost: decimal.NewFromInt(2400), StockWarehouse: 50, StockPOS: 20, ReorderLevel: 5, Visible: true},
		{ID: "3f1c2a10-5b7e-4c1a-9d2e-000000000004", Barcode: "7702310000036", Name: "Jabon Barra", Category: "aseo", Price: decimal.NewFromInt(2100), Cost: decimal.NewFromInt(1500), StockWarehouse: 24, StockPOS: 10, ReorderLevel: 3, Visible: true},
	}
	for _, p := range products {
		p.UpdatedAt = now
		p.RefreshStatus()
		s.products.rows[scope] = append(s.products.rows[scope], p)
	}

	clients := []domain.Client{
		{ID: "8a0e4b52-77d1-4f3b-a1c6-00000000c001", Document: "900123456", Name: "Tienda La Esquina", Tier: domain.TierSilver, CreditLimit: decimal.NewFromInt(1000000), TermDays: 30},
		{ID: "8a0e4b52-77d1-4f3b-a1c6-00000000c002", Document: "1020304050", Name: "Maria Perez", Tier: domain.TierBase},
	}
	for _, c := range clients {
		c.UpdatedAt = now
		s.clients.rows[scope] = append(s.clients.rows[scope], c)
	}

	s.balances[scope] = map[string]decimal.Decimal{
		domain.VaultHolder: decimal.NewFromInt(500000),
	}
	return s
}

// FailNext makes the next n row operations fail with err.
func (s *Store) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.faults = append(s.faults, err)
	}
}

// SetSequenceAvailable toggles the remote invoice counter.
func (s *Store) SetSequenceAvailable(available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequenceDown = !available
}

// takeFault must be called with s.mu held.
func (s *Store) takeFault() error {
	if len(s.faults) == 0 {
		return nil
	}
	err := s.faults[0]
	s.faults = s.faults[1:]
	return err
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return nil
}

func (s *Store) Products() store.Table[domain.Product] { return s.products }
func (s *Store) Clients() store.Table[domain.Client] { return s.clients }
func (s *Store) Invoices() store.Table[domain.Invoice] { return s.invoices }
func (s *Store) Shifts() store.Table[domain.ShiftRecord] { return s.shifts }
func (s *Store) Expenses() store.Table[domain.Expense] { return s.expenses }
func (s *Store) Purchases() store.Table[domain.Purchase] { return s.purchases }
func (s *Store) Events() store.Table[domain.Event] { return s.events }
func (s *Store) Audit() store.Table[domain.AuditEntry] { return s.audit }

func (s *Store) AdjustStock(_ context.Context, scope string, moves []domain.StockMove) ([]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return nil, err
	}

	rows := s.products.rows[scope]
	staged := make(map[int]domain.Product, len(moves))
	order := make([]int, 0, len(moves))
	for _, move := range moves {
		idx := slices.IndexFunc(rows, func(p domain.Product) bool { return p.ID == move.ProductID })
		if idx < 0 {
			return nil, fmt.Errorf("product %s: %w", move.ProductID, store.ErrNotFound)
		}
		current, ok := staged[idx]
		if !ok {
			current = rows[idx]
			order = append(order, idx)
		}
		current.StockWarehouse += move.WarehouseDelta
		current.StockPOS += move.POSDelta
		if current.StockWarehouse < 0 || current.StockPOS < 0 {
			return nil, fmt.Errorf("product %s: %w", move.ProductID, store.ErrInsufficientStock)
		}
		staged[idx] = current
	}

	now := time.Now().UTC()
	updated := make([]domain.Product, 0, len(order))
	for _, idx := range order {
		p := staged[idx]
		p.UpdatedAt = now
		p.RefreshStatus()
		rows[idx] = p
		updated = append(updated, p)
	}
	if len(updated) > 0 {
		s.publish(domain.ChangeEvent{Table: store.TableProducts, Kind: domain.ChangeUpdate, Scope: scope})
	}
	return updated, nil
}

func (s *Store) Balances(_ context.Context, scope string) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(s.balances[scope]))
	for holder, amount := range s.balances[scope] {
		out[holder] = amount
	}
	return out, nil
}

func (s *Store) ApplyBalanceDeltas(_ context.Context, scope string, deltas map[string]decimal.Decimal) (map[string]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return nil, err
	}

	current := s.balances[scope]
	if current == nil {
		current = make(map[string]decimal.Decimal)
		s.balances[scope] = current
	}
	next := make(map[string]decimal.Decimal, len(deltas))
	for holder, delta := range deltas {
		amount := current[holder].Add(delta)
		if amount.IsNegative() {
			return nil, fmt.Errorf("holder %s: %w", holder, store.ErrInsufficientFunds)
		}
		next[holder] = amount
	}
	for holder, amount := range next {
		current[holder] = amount
	}
	s.publish(domain.ChangeEvent{Table: store.TableBalances, Kind: domain.ChangeUpdate, Scope: scope})
	return next, nil
}

func (s *Store) SetBalance(_ context.Context, scope string, holder string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return store.ErrInsufficientFunds
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return err
	}
	if s.balances[scope] == nil {
		s.balances[scope] = make(map[string]decimal.Decimal)
	}
	s.balances[scope][holder] = amount
	s.publish(domain.ChangeEvent{Table: store.TableBalances, Kind: domain.ChangeUpdate, Scope: scope})
	return nil
}

func (s *Store) NextInvoiceSequence(_ context.Context, scope string, prefix string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sequenceDown {
		return 0, store.ErrSequenceUnavailable
	}
	key := scope + "|" + strings.ToUpper(prefix)
	s.sequences[key]++
	return s.sequences[key], nil
}

func (s *Store) Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	ch := make(chan domain.ChangeEvent, 64)

	s.mu.Lock()
	id := s.nextSubscriber
	s.nextSubscriber++
	s.subscribers[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subscribers[id]; ok {
			close(sub)
			delete(s.subscribers, id)
		}
	}()
	return ch, nil
}

// publish must be called with s.mu held. Slow subscribers drop events; the
// next event triggers the same refresh.
func (s *Store) publish(event domain.ChangeEvent) {
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrUniqueViolation
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func newCanonicalID() string {
	return uuid.NewString()
}

func cloneInvoice(inv domain.Invoice) domain.Invoice {
	inv.Lines = slices.Clone(inv.Lines)
	inv.Entries = slices.Clone(inv.Entries)
	inv.Payment.Parts = slices.Clone(inv.Payment.Parts)
	return inv
}
