package importer

import (
	"fmt"
	"strings"
)

// ValidatedRow is a raw row seen through the active mapping.
// Errors is non-empty iff a required field resolves to a blank value.
type ValidatedRow struct {
	RowIndex    int               `json:"row_index"`
	Fields      map[string]string `json:"fields"`
	Errors      []string          `json:"errors"`
	IsDuplicate bool              `json:"is_duplicate"`
	// Overrides keeps operator edits so they survive a remap.
	Overrides map[string]string `json:"overrides,omitempty"`
}

// Valid reports whether the row may be committed.
func (r *ValidatedRow) Valid() bool {
	return len(r.Errors) == 0
}

// Value returns the mapped value for key.
func (r *ValidatedRow) Value(key string) string {
	return r.Fields[key]
}

// ValidateRows builds one ValidatedRow per table row, in table order.
func ValidateRows(table *RawTable, mapping Mapping, catalog Catalog) []ValidatedRow {
	rows := make([]ValidatedRow, len(table.Rows))
	for i, raw := range table.Rows {
		rows[i] = BuildRow(i, raw, mapping, catalog, nil)
	}
	return rows
}

// BuildRow maps one raw row and applies operator overrides on top.
func BuildRow(index int, raw map[string]string, mapping Mapping, catalog Catalog, overrides map[string]string) ValidatedRow {
	row := ValidatedRow{
		RowIndex: index,
		Fields:   make(map[string]string, len(catalog)),
	}
	for _, def := range catalog {
		value := ""
		if header := mapping.Header(def.Key); header != "" {
			value = raw[header]
		}
		row.Fields[def.Key] = value
	}
	for key, value := range overrides {
		if row.Overrides == nil {
			row.Overrides = make(map[string]string, len(overrides))
		}
		row.Overrides[key] = value
		row.Fields[key] = value
	}
	row.Errors = CheckRow(row.Fields, catalog)
	return row
}

// CheckRow returns one error per required field whose value is blank, in
// catalog order.
func CheckRow(fields map[string]string, catalog Catalog) []string {
	var errs []string
	for _, def := range catalog {
		if !def.Required {
			continue
		}
		if strings.TrimSpace(fields[def.Key]) == "" {
			errs = append(errs, fmt.Sprintf("%s missing", def.Key))
		}
	}
	return errs
}

// SetField edits one cell and re-checks only this row.
func (r *ValidatedRow) SetField(key, value string, catalog Catalog) {
	if r.Overrides == nil {
		r.Overrides = make(map[string]string)
	}
	r.Overrides[key] = value
	r.Fields[key] = value
	r.Errors = CheckRow(r.Fields, catalog)
}
