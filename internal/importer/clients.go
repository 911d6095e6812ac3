package importer

import (
	"strings"

	"github.com/shopspring/decimal"

	"mostrador/backend/internal/domain"
)

var clientAliases = aliasMap(map[string][]string{
	"id":           {"id", "_id", "uuid"},
	"document":     {"document", "documento", "nit", "cedula", "doc", "numero_documento"},
	"name":         {"name", "nombre", "razon_social", "cliente"},
	"phone":        {"phone", "telefono", "celular"},
	"address":      {"address", "direccion"},
	"tier":         {"tier", "nivel", "level", "credit_tier"},
	"credit_limit": {"credit_limit", "cupo", "limite", "limite_credito"},
	"term_days":    {"term_days", "plazo", "dias_plazo"},
	"blocked":      {"blocked", "bloqueado"},
})

var clientFields = map[string]domain.FieldSet{
	"document":     domain.FieldDocument,
	"name":         domain.FieldName,
	"phone":        domain.FieldPhone,
	"address":      domain.FieldAddress,
	"tier":         domain.FieldTier,
	"credit_limit": domain.FieldCreditLimit,
	"term_days":    domain.FieldTermDays,
	"blocked":      domain.FieldBlocked,
}

type clientRow struct {
	Name        string  `json:"name" validate:"required,max=200"`
	Document    string  `json:"document" validate:"omitempty,max=32"`
	Phone       string  `json:"phone" validate:"omitempty,max=32"`
	CreditLimit float64 `json:"credit_limit" validate:"gte=0"`
	TermDays    int     `json:"term_days" validate:"gte=0,lte=365"`
}

func clientFromRecord(rec record) (domain.Client, []domain.RowError) {
	limit, err := rec.amount("credit_limit")
	if err != nil {
		return domain.Client{}, []domain.RowError{{Row: rec.row, Field: "credit_limit", Message: "not a number"}}
	}
	term, err := rec.whole("term_days")
	if err != nil {
		return domain.Client{}, []domain.RowError{{Row: rec.row, Field: "term_days", Message: "not a whole number"}}
	}
	tier, ok := domain.ParseTier(rec.get("tier"))
	if !ok {
		return domain.Client{}, []domain.RowError{{Row: rec.row, Field: "tier", Message: "unknown credit tier"}}
	}

	c := domain.Client{
		ID:          rec.get("id"),
		Document:    strings.TrimSpace(rec.get("document")),
		Name:        strings.TrimSpace(rec.get("name")),
		Phone:       strings.TrimSpace(rec.get("phone")),
		Address:     strings.TrimSpace(rec.get("address")),
		Tier:        tier,
		CreditLimit: limit,
		TermDays:    term,
		Blocked:     parseBool(rec.get("blocked")),
		Fields:      rec.present(clientFields),
	}
	if c.Tier.IsBase() {
		c.CreditLimit = decimal.Zero
	}
	// A limit only travels with its tier.
	if !rec.has("tier") {
		c.Fields &^= domain.FieldCreditLimit
	}

	err = validate.Struct(clientRow{
		Name:        c.Name,
		Document:    c.Document,
		Phone:       c.Phone,
		CreditLimit: c.CreditLimit.InexactFloat64(),
		TermDays:    c.TermDays,
	})
	if err != nil {
		return domain.Client{}, validationRowErrors(rec.row, err)
	}
	return c, nil
}
