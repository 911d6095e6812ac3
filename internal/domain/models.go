package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AppContext identifies who is acting and which business scope owns the rows.
// It is passed explicitly to every service and adapter call.
type AppContext struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Scope  string `json:"scope"`
}

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

func (a AppContext) IsAdmin() bool {
	return a.Role == RoleAdmin
}

const (
	ProductStatusActive   = "active"
	ProductStatusLow      = "low"
	ProductStatusOut      = "out"
	ProductStatusArchived = "archived"
)

type Product struct {
	ID             string          `json:"id"`
	Barcode        string          `json:"barcode,omitempty"`
	Name           string          `json:"name"`
	Category       string          `json:"category"`
	Price          decimal.Decimal `json:"price"`
	Cost           decimal.Decimal `json:"cost"`
	StockWarehouse int             `json:"stock_warehouse"`
	StockPOS       int             `json:"stock_pos"`
	ReorderLevel   int             `json:"reorder_level"`
	Status         string          `json:"status"`
	Visible        bool            `json:"visible"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Fields         FieldSet        `json:"-"`
}

// RefreshStatus derives the availability status from POS stock. Archived
// products keep their status.
func (p *Product) RefreshStatus() {
	if p.Status == ProductStatusArchived {
		return
	}
	switch {
	case p.StockPOS <= 0:
		p.Status = ProductStatusOut
	case p.ReorderLevel > 0 && p.StockPOS <= p.ReorderLevel:
		p.Status = ProductStatusLow
	default:
		p.Status = ProductStatusActive
	}
}

// NaturalKey is the digits-only barcode, empty when the product has none.
func (p Product) NaturalKey() string {
	return NormalizeBarcode(p.Barcode)
}

type CreditTier string

const (
	TierBase   CreditTier = "base"
	TierBronze CreditTier = "bronce"
	TierSilver CreditTier = "plata"
	TierGold   CreditTier = "oro"
)

type TierPolicy struct {
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	Ceiling         decimal.Decimal `json:"ceiling"`
	TermDays        int             `json:"term_days"`
}

var tierPolicies = map[CreditTier]TierPolicy{
	TierBase:   {DiscountPercent: decimal.Zero, Ceiling: decimal.Zero, TermDays: 0},
	TierBronze: {DiscountPercent: decimal.NewFromInt(3), Ceiling: decimal.NewFromInt(500000), TermDays: 15},
	TierSilver: {DiscountPercent: decimal.NewFromInt(5), Ceiling: decimal.NewFromInt(1500000), TermDays: 30},
	TierGold:   {DiscountPercent: decimal.NewFromInt(10), Ceiling: decimal.NewFromInt(3000000), TermDays: 45},
}

// ParseTier accepts the tier code in any case. Unknown or empty values map to base.
func ParseTier(raw string) (CreditTier, bool) {
	tier := CreditTier(strings.ToLower(strings.TrimSpace(raw)))
	if tier == "" {
		return TierBase, true
	}
	if _, ok := tierPolicies[tier]; !ok {
		return TierBase, false
	}
	return tier, true
}

func (t CreditTier) Policy() TierPolicy {
	if policy, ok := tierPolicies[t]; ok {
		return policy
	}
	return tierPolicies[TierBase]
}

func (t CreditTier) IsBase() bool {
	return t == "" || t == TierBase
}

type Client struct {
	ID          string          `json:"id"`
	Document    string          `json:"document,omitempty"`
	Name        string          `json:"name"`
	Phone       string          `json:"phone,omitempty"`
	Address     string          `json:"address,omitempty"`
	Tier        CreditTier      `json:"tier"`
	CreditLimit decimal.Decimal `json:"credit_limit"`
	TermDays    int             `json:"term_days"`
	Blocked     bool            `json:"blocked"`
	Archived    bool            `json:"archived"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Fields      FieldSet        `json:"-"`
}

func (c Client) NaturalKey() string {
	return strings.TrimSpace(c.Document)
}

// EffectiveLimit is the explicit credit limit, or the tier ceiling when none
// was set. Base-tier clients never carry credit.
func (c Client) EffectiveLimit() decimal.Decimal {
	if c.Tier.IsBase() {
		return decimal.Zero
	}
	if c.CreditLimit.IsPositive() {
		return c.CreditLimit
	}
	return c.Tier.Policy().Ceiling
}

// EffectiveTermDays falls back to the tier's default term.
func (c Client) EffectiveTermDays() int {
	if c.TermDays > 0 {
		return c.TermDays
	}
	return c.Tier.Policy().TermDays
}

const (
	MethodCash     = "efectivo"
	MethodCredit   = "credito"
	MethodTransfer = "transferencia"
	MethodCard     = "tarjeta"
	MethodOther    = "otro"
)

const (
	PaymentSingle = "single"
	PaymentMixed  = "mixed"
)

type PaymentPart struct {
	Method      string          `json:"method"`
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference,omitempty"`
	Description string          `json:"description,omitempty"`
}

type Payment struct {
	Mode  string        `json:"mode"`
	Parts []PaymentPart `json:"parts"`
}

type InvoiceLine struct {
	ProductID     string          `json:"product_id"`
	Name          string          `json:"name"`
	Qty           int             `json:"qty"`
	OriginalPrice decimal.Decimal `json:"original_price"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	LineTotal     decimal.Decimal `json:"line_total"`
}

// LedgerEntry is a payment applied against an invoice: upfront non-credit
// parts at checkout and later abonos.
type LedgerEntry struct {
	Seq       int             `json:"seq"`
	At        time.Time       `json:"at"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
	Reference string          `json:"reference,omitempty"`
	Actor     string          `json:"actor"`
}

const (
	InvoiceStatusPaid    = "pagado"
	InvoiceStatusPending = "pendiente"
)

type Invoice struct {
	ID            string          `json:"id"`
	Code          string          `json:"code"`
	Sequence      int64           `json:"sequence"`
	ClientID      string          `json:"client_id,omitempty"`
	ShiftID       string          `json:"shift_id,omitempty"`
	UserID        string          `json:"user_id"`
	Lines         []InvoiceLine   `json:"lines"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Delivery      decimal.Decimal `json:"delivery"`
	TierDiscount  decimal.Decimal `json:"tier_discount"`
	ExtraDiscount decimal.Decimal `json:"extra_discount"`
	Total         decimal.Decimal `json:"total"`
	Payment       Payment         `json:"payment"`
	CreditPortion decimal.Decimal `json:"credit_portion"`
	CashPortion   decimal.Decimal `json:"cash_portion"`
	Entries       []LedgerEntry   `json:"entries"`
	Balance       decimal.Decimal `json:"balance"`
	Status        string          `json:"status"`
	DueDate       *time.Time      `json:"due_date,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (i Invoice) NaturalKey() string {
	return strings.TrimSpace(i.Code)
}

// Paid sums every ledger entry applied to the invoice.
func (i Invoice) Paid() decimal.Decimal {
	paid := decimal.Zero
	for _, entry := range i.Entries {
		paid = paid.Add(entry.Amount)
	}
	return paid
}

const (
	ShiftStatusOpen   = "open"
	ShiftStatusClosed = "closed"
)

type ShiftRecord struct {
	ID                        string          `json:"id"`
	UserID                    string          `json:"user_id"`
	OpenedAt                  time.Time       `json:"opened_at"`
	OpeningCash               decimal.Decimal `json:"opening_cash"`
	CashIn                    decimal.Decimal `json:"cash_in"`
	CashOut                   decimal.Decimal `json:"cash_out"`
	Status                    string          `json:"status"`
	ClosedAt                  *time.Time      `json:"closed_at,omitempty"`
	Theoretical               decimal.Decimal `json:"theoretical"`
	Physical                  decimal.Decimal `json:"physical"`
	Discrepancy               decimal.Decimal `json:"discrepancy"`
	AuthorizedWithDiscrepancy bool            `json:"authorized_with_discrepancy"`
	AuthorizedBy              string          `json:"authorized_by,omitempty"`
}

// Override is an elevated-role approval of a shift closure with discrepancy.
type Override struct {
	By        string    `json:"by"`
	RequestID string    `json:"request_id,omitempty"`
	At        time.Time `json:"at"`
}

// VaultHolder is the balance holder for the central cash vault (caja mayor).
const VaultHolder = "vault"

// UserHolder is the balance holder for a user's cash drawer.
func UserHolder(userID string) string {
	return "user:" + strings.TrimSpace(userID)
}

type CashBalance struct {
	Holder string          `json:"holder"`
	Amount decimal.Decimal `json:"amount"`
}

// StockMove is an atomic stock change. Deltas may be negative.
type StockMove struct {
	ProductID      string `json:"product_id"`
	WarehouseDelta int    `json:"warehouse_delta"`
	POSDelta       int    `json:"pos_delta"`
}

type Expense struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	ShiftID   string          `json:"shift_id,omitempty"`
	Concept   string          `json:"concept"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

type Purchase struct {
	ID            string          `json:"id"`
	ProductID     string          `json:"product_id"`
	Qty           int             `json:"qty"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	Supplier      string          `json:"supplier,omitempty"`
	PaidFromVault bool            `json:"paid_from_vault"`
	UserID        string          `json:"user_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

type AuditEntry struct {
	ID         string    `json:"id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	EventShiftOverrideRequested = "shift_close_override_requested"
	EventShiftOverrideGranted   = "shift_close_override_granted"
	EventDeleteDowngraded       = "delete_downgraded_to_archive"
	EventSequenceFallback       = "invoice_sequence_fallback"
)

// Event is a typed message between sessions, keyed by RequestID.
type Event struct {
	ID         string          `json:"id"`
	RequestID  string          `json:"request_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Actor      string          `json:"actor"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

func (e Event) NaturalKey() string {
	return strings.TrimSpace(e.RequestID)
}

const (
	ChangeInsert = "insert"
	ChangeUpdate = "update"
	ChangeDelete = "delete"
)

// ChangeEvent is a row-store notification. It carries no row data; consumers
// refresh.
type ChangeEvent struct {
	Table string `json:"table"`
	Kind  string `json:"kind"`
	Scope string `json:"scope,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
