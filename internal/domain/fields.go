package domain

// FieldSet marks which fields an imported row actually carried. The zero
// value means the row is complete, which is the case for every row that
// does not come from a file import.
type FieldSet uint32

const (
	FieldBarcode FieldSet = 1 << iota
	FieldName
	FieldCategory
	FieldPrice
	FieldCost
	FieldStockPOS
	FieldStockWarehouse
	FieldReorderLevel
	FieldVisible
	FieldDocument
	FieldPhone
	FieldAddress
	FieldTier
	FieldCreditLimit
	FieldTermDays
	FieldBlocked
)

func (f FieldSet) Partial() bool {
	return f != 0
}

// Has reports whether field is present. A complete set has every field.
func (f FieldSet) Has(field FieldSet) bool {
	return f == 0 || f&field != 0
}
