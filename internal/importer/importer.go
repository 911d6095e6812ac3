// Package importer maps external product and client files onto the
// canonical schema. Field names are matched loosely so snake_case,
// camelCase and Spanish headers all land on the same field.
package importer

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"mostrador/backend/internal/domain"
)

const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

var validate = newValidator()

// newValidator reports fields by their json names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// record is one source row keyed by canonical field name. Fields listed in
// native came as JSON numbers and are not subject to locale parsing.
type record struct {
	row    int
	fields map[string]string
	native map[string]bool
}

func (r record) get(field string) string {
	return strings.TrimSpace(r.fields[field])
}

// has reports whether the source gave a value for field. Blank cells count
// as missing so they never overwrite stored data.
func (r record) has(field string) bool {
	return r.get(field) != ""
}

func (r record) amount(field string) (decimal.Decimal, error) {
	if r.native[field] {
		return decimal.NewFromString(r.get(field))
	}
	return parseAmount(r.get(field))
}

func (r record) whole(field string) (int, error) {
	if r.native[field] {
		return wholeNumber(r.get(field))
	}
	return parseInt(r.get(field))
}

// present collects the domain fields the record carries.
func (r record) present(columns map[string]domain.FieldSet) domain.FieldSet {
	var set domain.FieldSet
	for column, field := range columns {
		if r.has(column) {
			set |= field
		}
	}
	return set
}

func invalidFile(format string, err error) error {
	return domain.Invalid(domain.CodeInvalidFile, "file", "cannot read %s file: %v", format, err)
}

// Products parses a product file in the given format.
func Products(format string, r io.Reader) ([]domain.Product, []domain.RowError, error) {
	records, err := readRecords(format, r, productAliases, "products")
	if err != nil {
		return nil, nil, err
	}
	products := make([]domain.Product, 0, len(records))
	var rejected []domain.RowError
	for _, rec := range records {
		p, rowErrs := productFromRecord(rec)
		if len(rowErrs) > 0 {
			rejected = append(rejected, rowErrs...)
			continue
		}
		products = append(products, p)
	}
	return products, rejected, nil
}

// Clients parses a client file in the given format.
func Clients(format string, r io.Reader) ([]domain.Client, []domain.RowError, error) {
	records, err := readRecords(format, r, clientAliases, "clients")
	if err != nil {
		return nil, nil, err
	}
	clients := make([]domain.Client, 0, len(records))
	var rejected []domain.RowError
	for _, rec := range records {
		c, rowErrs := clientFromRecord(rec)
		if len(rowErrs) > 0 {
			rejected = append(rejected, rowErrs...)
			continue
		}
		clients = append(clients, c)
	}
	return clients, rejected, nil
}

func readRecords(format string, r io.Reader, aliases map[string]string, collection string) ([]record, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatJSON:
		return readJSON(r, aliases, collection)
	case FormatCSV, "txt":
		return readCSV(r, aliases)
	case FormatXLSX:
		return readXLSX(r, aliases)
	default:
		return nil, domain.Invalid(domain.CodeInvalidFile, "format", "unsupported import format %q", format)
	}
}

// readJSON accepts a bare array or an object wrapping it under the
// collection name, "data", "items" or a "modules" section.
func readJSON(r io.Reader, aliases map[string]string, collection string) ([]record, error) {
	decoder := json.NewDecoder(r)
	decoder.UseNumber()
	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return nil, invalidFile(FormatJSON, err)
	}

	items, ok := unwrapJSON(raw, collection)
	if !ok {
		return nil, invalidFile(FormatJSON, errors.New("expected an array of rows"))
	}

	records := make([]record, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		rec := record{row: i + 1, fields: make(map[string]string, len(obj)), native: make(map[string]bool)}
		for key, value := range obj {
			field, known := aliases[normalizeHeader(key)]
			if !known || value == nil {
				continue
			}
			rec.fields[field] = stringify(value)
			if _, ok := value.(json.Number); ok {
				rec.native[field] = true
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func unwrapJSON(raw any, collection string) ([]any, bool) {
	switch v := raw.(type) {
	case []any:
		return v, true
	case map[string]any:
		for _, key := range []string{collection, "data", "items", "rows"} {
			if inner, ok := v[key]; ok {
				return unwrapJSON(inner, collection)
			}
		}
		if modules, ok := v["modules"]; ok {
			return unwrapJSON(modules, collection)
		}
	}
	return nil, false
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

func readCSV(r io.Reader, aliases map[string]string) ([]record, error) {
	buffered := bufio.NewReader(r)
	firstLine, _ := buffered.Peek(4096)
	if idx := bytes.IndexByte(firstLine, '\n'); idx >= 0 {
		firstLine = firstLine[:idx]
	}

	reader := csv.NewReader(buffered)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	if bytes.Count(firstLine, []byte{';'}) > bytes.Count(firstLine, []byte{','}) {
		reader.Comma = ';'
	} else if bytes.Count(firstLine, []byte{'\t'}) > bytes.Count(firstLine, []byte{','}) {
		reader.Comma = '\t'
	}

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, invalidFile(FormatCSV, err)
	}
	return recordsFromRows(rows, aliases), nil
}

func readXLSX(r io.Reader, aliases map[string]string) ([]record, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, invalidFile(FormatXLSX, err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, invalidFile(FormatXLSX, errors.New("workbook has no sheets"))
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, invalidFile(FormatXLSX, err)
	}
	return recordsFromRows(rows, aliases), nil
}

// recordsFromRows treats the first row as header. Row numbers are 1-based
// and count the header, matching what a spreadsheet shows.
func recordsFromRows(rows [][]string, aliases map[string]string) []record {
	if len(rows) == 0 {
		return nil
	}
	columns := make([]string, len(rows[0]))
	for i, header := range rows[0] {
		columns[i] = aliases[normalizeHeader(header)]
	}

	records := make([]record, 0, len(rows)-1)
	for i, row := range rows[1:] {
		rec := record{row: i + 2, fields: make(map[string]string, len(columns))}
		empty := true
		for col, value := range row {
			if col >= len(columns) || columns[col] == "" {
				continue
			}
			if strings.TrimSpace(value) != "" {
				empty = false
			}
			rec.fields[columns[col]] = value
		}
		if !empty {
			records = append(records, rec)
		}
	}
	return records
}

// normalizeHeader lowercases and strips separators and accents so
// "Stock POS", "stock_pos" and "stockPos" compare equal.
func normalizeHeader(header string) string {
	header = strings.ToLower(strings.TrimSpace(header))
	header = strings.NewReplacer(
		"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ñ", "n",
		"_", "", "-", "", " ", "", ".", "",
	).Replace(header)
	return header
}

// parseAmount reads a typed or exported amount. Dots grouping thousands
// ("$1.500", "12.500.000") and the "1.234,56" form are read the way they are
// written in pesos. A lone comma is a decimal separator.
func parseAmount(raw string) (decimal.Decimal, error) {
	cleaned := strings.NewReplacer("$", "", " ", "", "COP", "", "cop", "").Replace(strings.TrimSpace(raw))
	if cleaned == "" {
		return decimal.Zero, nil
	}
	dot, comma := strings.LastIndex(cleaned, "."), strings.LastIndex(cleaned, ",")
	switch {
	case dot >= 0 && comma >= 0 && comma > dot:
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.Replace(cleaned, ",", ".", 1)
	case dot >= 0 && comma >= 0:
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	case comma >= 0 && thousandsGrouped(cleaned, ",") && strings.Count(cleaned, ",") > 1:
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	case comma >= 0:
		cleaned = strings.Replace(cleaned, ",", ".", 1)
	case thousandsGrouped(cleaned, "."):
		cleaned = strings.ReplaceAll(cleaned, ".", "")
	}
	return decimal.NewFromString(cleaned)
}

// thousandsGrouped reports whether sep splits raw into a leading group of one
// to three digits followed by groups of exactly three.
func thousandsGrouped(raw string, sep string) bool {
	groups := strings.Split(strings.TrimPrefix(raw, "-"), sep)
	if len(groups) < 2 || len(groups[0]) == 0 || len(groups[0]) > 3 {
		return false
	}
	for _, g := range groups[1:] {
		if len(g) != 3 {
			return false
		}
	}
	return true
}

func parseInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n, nil
	}
	// Spreadsheets often hand back whole numbers as "12.0".
	d, err := parseAmount(raw)
	if err != nil {
		return 0, fmt.Errorf("not a whole number: %q", raw)
	}
	return wholeFromDecimal(raw, d)
}

func wholeNumber(raw string) (int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("not a whole number: %q", raw)
	}
	return wholeFromDecimal(raw, d)
}

func wholeFromDecimal(raw string, d decimal.Decimal) (int, error) {
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("not a whole number: %q", raw)
	}
	return int(d.IntPart()), nil
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "si", "sí", "yes", "x":
		return true
	}
	return false
}

func validationRowErrors(row int, err error) []domain.RowError {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []domain.RowError{{Row: row, Message: err.Error()}}
	}
	out := make([]domain.RowError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, domain.RowError{
			Row:     row,
			Field:   fe.Field(),
			Message: fmt.Sprintf("failed %s validation", fe.Tag()),
		})
	}
	return out
}
