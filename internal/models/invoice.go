package models

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// Invoice is one row of the invoices table. Amount and date columns are NULL
// when the uploaded text could not be read; the raw text is kept alongside.
type Invoice struct {
	ID            int64               `db:"id" json:"id"`
	InvoiceNumber string              `db:"invoice_number" json:"invoice_number"`
	InvoiceDate   sql.NullTime        `db:"invoice_date" json:"invoice_date"`
	DateRaw       string              `db:"date_raw" json:"date_raw"`
	CustomerName  string              `db:"customer_name" json:"customer_name"`
	TotalAmount   decimal.NullDecimal `db:"total_amount" json:"total_amount"`
	TotalRaw      string              `db:"total_raw" json:"total_raw"`
	VATAmount     decimal.NullDecimal `db:"vat_amount" json:"vat_amount"`
	Status        string              `db:"status" json:"status"`
	ImportCode    string              `db:"import_code" json:"import_code"`
	CreatedBy     int                 `db:"created_by" json:"created_by"`
	CreatedAt     time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time           `db:"updated_at" json:"updated_at"`
}

// AccountingEntry is one row of the accounting_entries table, keyed by
// entry number and entry type.
type AccountingEntry struct {
	ID           int64               `db:"id" json:"id"`
	EntryNumber  string              `db:"entry_number" json:"entry_number"`
	EntryType    string              `db:"entry_type" json:"entry_type"`
	TemplateID   string              `db:"template_id" json:"template_id"`
	EntryDate    sql.NullTime        `db:"entry_date" json:"entry_date"`
	DateRaw      string              `db:"date_raw" json:"date_raw"`
	Counterparty string              `db:"counterparty" json:"counterparty"`
	Amount       decimal.NullDecimal `db:"amount" json:"amount"`
	AmountRaw    string              `db:"amount_raw" json:"amount_raw"`
	TaxAmount    decimal.NullDecimal `db:"tax_amount" json:"tax_amount"`
	Status       string              `db:"status" json:"status"`
	ImportCode   string              `db:"import_code" json:"import_code"`
	CreatedBy    int                 `db:"created_by" json:"created_by"`
	CreatedAt    time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time           `db:"updated_at" json:"updated_at"`
}
