package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CartLine struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type CheckoutRequest struct {
	ClientID      string          `json:"client_id,omitempty"`
	Lines         []CartLine      `json:"lines"`
	Delivery      decimal.Decimal `json:"delivery"`
	ExtraDiscount decimal.Decimal `json:"extra_discount"`
	Payment       Payment         `json:"payment"`
}

type QuoteResponse struct {
	Lines           []InvoiceLine   `json:"lines"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	TierDiscount    decimal.Decimal `json:"tier_discount"`
	ExtraDiscount   decimal.Decimal `json:"extra_discount"`
	Delivery        decimal.Decimal `json:"delivery"`
	Total           decimal.Decimal `json:"total"`
	AvailableCredit decimal.Decimal `json:"available_credit"`
}

type CheckoutResponse struct {
	Invoice        Invoice `json:"invoice"`
	SequenceSource string  `json:"sequence_source"`
}

type AbonoRequest struct {
	InvoiceID string          `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
	Reference string          `json:"reference,omitempty"`
}

type Receivable struct {
	InvoiceID  string          `json:"invoice_id"`
	Code       string          `json:"code"`
	ClientID   string          `json:"client_id"`
	ClientName string          `json:"client_name"`
	Total      decimal.Decimal `json:"total"`
	Balance    decimal.Decimal `json:"balance"`
	DueDate    *time.Time      `json:"due_date,omitempty"`
	Overdue    bool            `json:"overdue"`
}

type ReceivablesResponse struct {
	Items        []Receivable    `json:"items"`
	TotalBalance decimal.Decimal `json:"total_balance"`
}

type ShiftOpenRequest struct {
	OpeningCash *decimal.Decimal `json:"opening_cash,omitempty"`
}

type ShiftCloseRequest struct {
	Physical      decimal.Decimal `json:"physical"`
	SupervisorPIN string          `json:"supervisor_pin,omitempty"`
}

type ShiftAuthorizeRequest struct {
	RequestID     string `json:"request_id"`
	SupervisorPIN string `json:"supervisor_pin"`
}

const (
	ShiftCloseClosed          = "closed"
	ShiftClosePendingOverride = "pending_override"
)

type ShiftCloseResponse struct {
	Status         string          `json:"status"`
	Shift          ShiftRecord     `json:"shift"`
	Theoretical    decimal.Decimal `json:"theoretical"`
	Physical       decimal.Decimal `json:"physical"`
	Discrepancy    decimal.Decimal `json:"discrepancy"`
	Classification string          `json:"classification"`
	RequestID      string          `json:"request_id,omitempty"`
}

type ShiftResponse struct {
	Shift    ShiftRecord     `json:"shift"`
	Balance  decimal.Decimal `json:"balance"`
	Restored bool            `json:"restored,omitempty"`
}

type TransferRequest struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

type TransferResponse struct {
	Balances []CashBalance `json:"balances"`
}

type ExpenseRequest struct {
	Concept string          `json:"concept"`
	Amount  decimal.Decimal `json:"amount"`
}

type PurchaseRequest struct {
	ProductID     string          `json:"product_id"`
	Qty           int             `json:"qty"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	Supplier      string          `json:"supplier,omitempty"`
	PaidFromVault bool            `json:"paid_from_vault"`
}

type StockMoveRequest struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

// BarterRequest exchanges goods with a customer without money: the returned
// product re-enters POS stock and the taken product leaves it.
type BarterRequest struct {
	ReturnedProductID string `json:"returned_product_id"`
	ReturnedQty       int    `json:"returned_qty"`
	TakenProductID    string `json:"taken_product_id"`
	TakenQty          int    `json:"taken_qty"`
	Note              string `json:"note,omitempty"`
}

type BarterResponse struct {
	Returned   Product         `json:"returned"`
	Taken      Product         `json:"taken"`
	ValueDelta decimal.Decimal `json:"value_delta"`
}

type RowError struct {
	Row     int    `json:"row"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ImportResponse struct {
	Inserted int        `json:"inserted"`
	Updated  int        `json:"updated"`
	Rejected []RowError `json:"rejected,omitempty"`
}

type SessionResponse struct {
	UserID      string       `json:"user_id"`
	Shift       *ShiftRecord `json:"shift,omitempty"`
	Preferences Preferences  `json:"preferences"`
	Lookups     []string     `json:"lookups,omitempty"`
}

type Preferences struct {
	LastScreen     string   `json:"last_screen,omitempty"`
	Volume         *int     `json:"volume,omitempty"`
	PaymentMethods []string `json:"payment_methods,omitempty"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
