package importer

import (
	"strings"

	"github.com/shopspring/decimal"

	"mostrador/backend/internal/domain"
)

var productAliases = aliasMap(map[string][]string{
	"id":              {"id", "_id", "uuid"},
	"barcode":         {"barcode", "codigo_barras", "codigo", "code", "ean", "cod_barras"},
	"name":            {"name", "nombre", "producto", "descripcion"},
	"category":        {"category", "categoria", "linea"},
	"price":           {"price", "precio", "precio_venta", "sale_price", "valor"},
	"cost":            {"cost", "costo", "precio_compra"},
	"stock_pos":       {"stock_pos", "stock", "existencia", "stock_punto", "stock_local"},
	"stock_warehouse": {"stock_warehouse", "bodega", "stock_bodega"},
	"reorder_level":   {"reorder_level", "stock_minimo", "minimo"},
	"visible":         {"visible", "activo", "active"},
})

var productFields = map[string]domain.FieldSet{
	"barcode":         domain.FieldBarcode,
	"name":            domain.FieldName,
	"category":        domain.FieldCategory,
	"price":           domain.FieldPrice,
	"cost":            domain.FieldCost,
	"stock_pos":       domain.FieldStockPOS,
	"stock_warehouse": domain.FieldStockWarehouse,
	"reorder_level":   domain.FieldReorderLevel,
	"visible":         domain.FieldVisible,
}

func aliasMap(groups map[string][]string) map[string]string {
	out := make(map[string]string)
	for field, aliases := range groups {
		for _, alias := range aliases {
			out[normalizeHeader(alias)] = field
		}
	}
	return out
}

type productRow struct {
	Name           string  `json:"name" validate:"required,max=200"`
	Barcode        string  `json:"barcode" validate:"omitempty,max=32"`
	Price          float64 `json:"price" validate:"gte=0"`
	Cost           float64 `json:"cost" validate:"gte=0"`
	StockPOS       int     `json:"stock_pos" validate:"gte=0"`
	StockWarehouse int     `json:"stock_warehouse" validate:"gte=0"`
	ReorderLevel   int     `json:"reorder_level" validate:"gte=0"`
}

func productFromRecord(rec record) (domain.Product, []domain.RowError) {
	var rowErrs []domain.RowError
	amount := func(field string) decimal.Decimal {
		d, err := rec.amount(field)
		if err != nil {
			rowErrs = append(rowErrs, domain.RowError{Row: rec.row, Field: field, Message: "not a number"})
		}
		return d
	}
	whole := func(field string) int {
		n, err := rec.whole(field)
		if err != nil {
			rowErrs = append(rowErrs, domain.RowError{Row: rec.row, Field: field, Message: "not a whole number"})
		}
		return n
	}

	p := domain.Product{
		ID:             rec.get("id"),
		Barcode:        domain.NormalizeBarcode(rec.get("barcode")),
		Name:           strings.TrimSpace(rec.get("name")),
		Category:       strings.TrimSpace(rec.get("category")),
		Price:          amount("price"),
		Cost:           amount("cost"),
		StockPOS:       whole("stock_pos"),
		StockWarehouse: whole("stock_warehouse"),
		ReorderLevel:   whole("reorder_level"),
		Visible:        true,
		Fields:         rec.present(productFields),
	}
	if raw := rec.get("visible"); raw != "" {
		p.Visible = parseBool(raw)
	}
	if len(rowErrs) > 0 {
		return domain.Product{}, rowErrs
	}

	err := validate.Struct(productRow{
		Name:           p.Name,
		Barcode:        p.Barcode,
		Price:          p.Price.InexactFloat64(),
		Cost:           p.Cost.InexactFloat64(),
		StockPOS:       p.StockPOS,
		StockWarehouse: p.StockWarehouse,
		ReorderLevel:   p.ReorderLevel,
	})
	if err != nil {
		return domain.Product{}, validationRowErrors(rec.row, err)
	}
	p.RefreshStatus()
	return p, nil
}
