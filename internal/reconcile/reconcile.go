// Package reconcile merges product and client collections coming from
// different sources (local edits, remote echoes, bulk imports) into one
// canonical, duplicate-free list.
package reconcile

import (
	"strings"

	"mostrador/backend/internal/domain"
)

type Stats struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// Merge is the outcome of a merge. Touched lists the positions in Rows that
// were inserted or updated, in first-touch order.
type Merge[T any] struct {
	Rows    []T
	Stats   Stats
	Touched []int
}

func (m *Merge[T]) touch(idx int, seen map[int]bool) {
	if !seen[idx] {
		seen[idx] = true
		m.Touched = append(m.Touched, idx)
	}
}

// Signature identifies a product without barcode by its content.
func Signature(p domain.Product) string {
	return strings.ToLower(strings.TrimSpace(p.Name)) + "|" +
		strings.ToLower(strings.TrimSpace(p.Category)) + "|" +
		p.Price.String()
}

// PreferID keeps an already canonical id over a locally generated one.
func PreferID(existing string, incoming string) string {
	switch {
	case domain.IsCanonicalID(existing):
		return existing
	case domain.IsCanonicalID(incoming):
		return incoming
	case existing != "":
		return existing
	default:
		return incoming
	}
}

// MergeProducts matches each incoming product against the accumulated list
// by id, then normalized barcode, then content signature for products
// without barcode. Matches are overwritten by the incoming row; the rest are
// appended. The existing slice is not modified.
func MergeProducts(existing []domain.Product, incoming []domain.Product) Merge[domain.Product] {
	result := Merge[domain.Product]{Rows: make([]domain.Product, 0, len(existing)+len(incoming))}
	byID := make(map[string]int, len(existing))
	byBarcode := make(map[string]int, len(existing))
	bySignature := make(map[string]int, len(existing))

	index := func(idx int) {
		p := result.Rows[idx]
		if p.ID != "" {
			byID[p.ID] = idx
		}
		if key := p.NaturalKey(); key != "" {
			byBarcode[key] = idx
		} else {
			bySignature[Signature(p)] = idx
		}
	}

	for _, p := range existing {
		p.Barcode = domain.NormalizeBarcode(p.Barcode)
		result.Rows = append(result.Rows, p)
		index(len(result.Rows) - 1)
	}

	seen := make(map[int]bool, len(incoming))
	for _, in := range incoming {
		in.Barcode = domain.NormalizeBarcode(in.Barcode)

		idx, found := -1, false
		if in.ID != "" {
			idx, found = byID[in.ID]
		}
		if !found && in.Barcode != "" {
			idx, found = byBarcode[in.Barcode]
		}
		if !found && in.Barcode == "" {
			idx, found = bySignature[Signature(in)]
		}

		if !found {
			in.Fields = 0
			result.Rows = append(result.Rows, in)
			idx = len(result.Rows) - 1
			index(idx)
			result.Stats.Inserted++
			result.touch(idx, seen)
			continue
		}

		current := result.Rows[idx]
		delete(bySignature, Signature(current))
		result.Rows[idx] = overwriteProduct(current, in)
		index(idx)
		if !seen[idx] {
			result.Stats.Updated++
		}
		result.touch(idx, seen)
	}
	return result
}

// overwriteProduct applies incoming over current. Identity fields missing
// from the incoming row are kept. A partial row, such as one from a file
// that only lists prices, overwrites only the fields it carried.
func overwriteProduct(current domain.Product, incoming domain.Product) domain.Product {
	merged := incoming
	if incoming.Fields.Partial() {
		merged = patchProduct(current, incoming)
	}
	merged.ID = PreferID(current.ID, incoming.ID)
	merged.Fields = 0
	if merged.Barcode == "" {
		merged.Barcode = current.Barcode
	}
	if strings.TrimSpace(merged.Name) == "" {
		merged.Name = current.Name
	}
	if strings.TrimSpace(merged.Category) == "" {
		merged.Category = current.Category
	}
	if merged.Status == "" {
		merged.Status = current.Status
	}
	return merged
}

func patchProduct(current domain.Product, in domain.Product) domain.Product {
	out := current
	if in.Fields.Has(domain.FieldBarcode) {
		out.Barcode = in.Barcode
	}
	if in.Fields.Has(domain.FieldName) {
		out.Name = in.Name
	}
	if in.Fields.Has(domain.FieldCategory) {
		out.Category = in.Category
	}
	if in.Fields.Has(domain.FieldPrice) {
		out.Price = in.Price
	}
	if in.Fields.Has(domain.FieldCost) {
		out.Cost = in.Cost
	}
	if in.Fields.Has(domain.FieldStockPOS) {
		out.StockPOS = in.StockPOS
	}
	if in.Fields.Has(domain.FieldStockWarehouse) {
		out.StockWarehouse = in.StockWarehouse
	}
	if in.Fields.Has(domain.FieldReorderLevel) {
		out.ReorderLevel = in.ReorderLevel
	}
	if in.Fields.Has(domain.FieldVisible) {
		out.Visible = in.Visible
	}
	return out
}

func patchClient(current domain.Client, in domain.Client) domain.Client {
	if !in.Fields.Partial() {
		return in
	}
	out := current
	out.ID = in.ID
	if in.Fields.Has(domain.FieldDocument) {
		out.Document = in.Document
	}
	if in.Fields.Has(domain.FieldName) {
		out.Name = in.Name
	}
	if in.Fields.Has(domain.FieldPhone) {
		out.Phone = in.Phone
	}
	if in.Fields.Has(domain.FieldAddress) {
		out.Address = in.Address
	}
	if in.Fields.Has(domain.FieldTier) {
		out.Tier = in.Tier
	}
	if in.Fields.Has(domain.FieldCreditLimit) {
		out.CreditLimit = in.CreditLimit
	}
	if in.Fields.Has(domain.FieldTermDays) {
		out.TermDays = in.TermDays
	}
	if in.Fields.Has(domain.FieldBlocked) {
		out.Blocked = in.Blocked
	}
	return out
}

// MergeClients matches clients by id, then trimmed document number. The
// incoming row wins, except that an incomplete credit profile never
// downgrades a richer existing one. Clients without document are distinct.
func MergeClients(existing []domain.Client, incoming []domain.Client) Merge[domain.Client] {
	result := Merge[domain.Client]{Rows: make([]domain.Client, 0, len(existing)+len(incoming))}
	byID := make(map[string]int, len(existing))
	byDocument := make(map[string]int, len(existing))

	index := func(idx int) {
		c := result.Rows[idx]
		if c.ID != "" {
			byID[c.ID] = idx
		}
		if key := c.NaturalKey(); key != "" {
			byDocument[key] = idx
		}
	}

	for _, c := range existing {
		c.Document = c.NaturalKey()
		result.Rows = append(result.Rows, c)
		index(len(result.Rows) - 1)
	}

	seen := make(map[int]bool, len(incoming))
	for _, in := range incoming {
		in.Document = in.NaturalKey()

		idx, found := -1, false
		if in.ID != "" {
			idx, found = byID[in.ID]
		}
		if !found && in.Document != "" {
			idx, found = byDocument[in.Document]
		}

		if !found {
			in.Fields = 0
			result.Rows = append(result.Rows, in)
			idx = len(result.Rows) - 1
			index(idx)
			result.Stats.Inserted++
			result.touch(idx, seen)
			continue
		}

		current := result.Rows[idx]
		merged, _ := GuardCreditProfile(current, patchClient(current, in))
		merged.Fields = 0
		merged.ID = PreferID(current.ID, in.ID)
		if merged.Document == "" {
			merged.Document = current.Document
		}
		if strings.TrimSpace(merged.Name) == "" {
			merged.Name = current.Name
		}
		result.Rows[idx] = merged
		index(idx)
		if !seen[idx] {
			result.Stats.Updated++
		}
		result.touch(idx, seen)
	}
	return result
}

// GuardCreditProfile keeps the existing tier, limit and term when the
// incoming client carries the default tier with a zero limit while the
// existing one has a richer profile. It reports whether it intervened.
func GuardCreditProfile(existing domain.Client, incoming domain.Client) (domain.Client, bool) {
	incomingEmpty := incoming.Tier.IsBase() && incoming.CreditLimit.IsZero()
	existingRich := !existing.Tier.IsBase() || existing.CreditLimit.IsPositive()
	if !incomingEmpty || !existingRich {
		if incoming.Tier == "" {
			incoming.Tier = domain.TierBase
		}
		return incoming, false
	}
	incoming.Tier = existing.Tier
	incoming.CreditLimit = existing.CreditLimit
	if incoming.TermDays == 0 {
		incoming.TermDays = existing.TermDays
	}
	return incoming, true
}
