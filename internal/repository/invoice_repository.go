package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"invoice-import/internal/importer"
	"invoice-import/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// InvoiceRepository reads and writes the import targets (invoices and
// accounting_entries).
type InvoiceRepository struct {
	db *sqlx.DB
}

func NewInvoiceRepository(db *sqlx.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

const upsertInvoicesQuery = `INSERT INTO invoices (invoice_number, invoice_date, date_raw,
	customer_name, total_amount, total_raw, vat_amount, status, import_code, created_by)
	VALUES (:invoice_number, :invoice_date, :date_raw, :customer_name, :total_amount,
	:total_raw, :vat_amount, :status, :import_code, :created_by)
	AS new ON DUPLICATE KEY UPDATE invoice_date = new.invoice_date, date_raw = new.date_raw,
	customer_name = new.customer_name, total_amount = new.total_amount, total_raw = new.total_raw,
	vat_amount = new.vat_amount, status = new.status, import_code = new.import_code`

const upsertEntriesQuery = `INSERT INTO accounting_entries (entry_number, entry_type, template_id,
	entry_date, date_raw, counterparty, amount, amount_raw, tax_amount, status, import_code, created_by)
	VALUES (:entry_number, :entry_type, :template_id, :entry_date, :date_raw, :counterparty,
	:amount, :amount_raw, :tax_amount, :status, :import_code, :created_by)
	AS new ON DUPLICATE KEY UPDATE template_id = new.template_id, entry_date = new.entry_date,
	date_raw = new.date_raw, counterparty = new.counterparty, amount = new.amount,
	amount_raw = new.amount_raw, tax_amount = new.tax_amount, status = new.status,
	import_code = new.import_code`

// ExistingInvoiceNumbers returns the subset of numbers already stored as invoices.
func (r *InvoiceRepository) ExistingInvoiceNumbers(ctx context.Context, numbers []string) ([]string, error) {
	if len(numbers) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In("SELECT invoice_number FROM invoices WHERE invoice_number IN (?)", numbers)
	if err != nil {
		return nil, err
	}
	var found []string
	if err := r.db.SelectContext(ctx, &found, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return found, nil
}

// ExistingEntryNumbers returns the subset of numbers already stored as
// accounting entries of the given type.
func (r *InvoiceRepository) ExistingEntryNumbers(ctx context.Context, entryType string, numbers []string) ([]string, error) {
	if len(numbers) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		"SELECT entry_number FROM accounting_entries WHERE entry_type = ? AND entry_number IN (?)",
		entryType, numbers,
	)
	if err != nil {
		return nil, err
	}
	var found []string
	if err := r.db.SelectContext(ctx, &found, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return found, nil
}

// Checker returns the existence check for the given target.
func (r *InvoiceRepository) Checker(target importer.ImportTarget) importer.ExistenceChecker {
	if target.Kind == importer.TargetAccountingEntries {
		return importer.ExistenceCheckerFunc(func(ctx context.Context, keys []string) ([]string, error) {
			return r.ExistingEntryNumbers(ctx, target.EntryType, keys)
		})
	}
	return importer.ExistenceCheckerFunc(r.ExistingInvoiceNumbers)
}

// Persister returns a BatchPersister that stamps every stored row with the
// session code and the operator.
func (r *InvoiceRepository) Persister(sessionCode string, userID int) importer.BatchPersister {
	return importer.BatchPersisterFunc(func(ctx context.Context, target importer.ImportTarget, rows []importer.ValidatedRow) error {
		return r.PersistChunk(ctx, target, rows, sessionCode, userID)
	})
}

// PersistChunk upserts one chunk in a single transaction so the chunk is
// stored completely or not at all.
func (r *InvoiceRepository) PersistChunk(ctx context.Context, target importer.ImportTarget, rows []importer.ValidatedRow, sessionCode string, userID int) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	switch target.Kind {
	case importer.TargetAccountingEntries:
		entries := make([]models.AccountingEntry, len(rows))
		for i, row := range rows {
			entries[i] = EntryFromRow(row, target, sessionCode, userID)
		}
		_, err = tx.NamedExecContext(ctx, upsertEntriesQuery, entries)
	case importer.TargetInvoices, "":
		invoices := make([]models.Invoice, len(rows))
		for i, row := range rows {
			invoices[i] = InvoiceFromRow(row, sessionCode, userID)
		}
		_, err = tx.NamedExecContext(ctx, upsertInvoicesQuery, invoices)
	default:
		return fmt.Errorf("unknown import target %q", target.Kind)
	}
	if err != nil {
		return fmt.Errorf("error upserting rows %d-%d: %w", rows[0].RowIndex, rows[len(rows)-1].RowIndex, err)
	}

	return tx.Commit()
}

// InvoiceFromRow converts a validated row into an invoice record. Values that
// cannot be read as a date or amount are stored as NULL.
func InvoiceFromRow(row importer.ValidatedRow, sessionCode string, userID int) models.Invoice {
	return models.Invoice{
		InvoiceNumber: strings.TrimSpace(row.Value(importer.FieldInvoiceNumber)),
		InvoiceDate:   nullDate(row.Value(importer.FieldDate)),
		DateRaw:       strings.TrimSpace(row.Value(importer.FieldDate)),
		CustomerName:  strings.TrimSpace(row.Value(importer.FieldCustomerName)),
		TotalAmount:   nullAmount(row.Value(importer.FieldTotalAmount)),
		TotalRaw:      strings.TrimSpace(row.Value(importer.FieldTotalAmount)),
		VATAmount:     nullAmount(row.Value(importer.FieldVATAmount)),
		Status:        importer.NormalizeStatus(row.Value(importer.FieldStatus)),
		ImportCode:    sessionCode,
		CreatedBy:     userID,
	}
}

// EntryFromRow converts a validated row into an accounting entry record.
func EntryFromRow(row importer.ValidatedRow, target importer.ImportTarget, sessionCode string, userID int) models.AccountingEntry {
	return models.AccountingEntry{
		EntryNumber:  strings.TrimSpace(row.Value(importer.FieldInvoiceNumber)),
		EntryType:    target.EntryType,
		TemplateID:   target.TemplateID,
		EntryDate:    nullDate(row.Value(importer.FieldDate)),
		DateRaw:      strings.TrimSpace(row.Value(importer.FieldDate)),
		Counterparty: strings.TrimSpace(row.Value(importer.FieldCustomerName)),
		Amount:       nullAmount(row.Value(importer.FieldTotalAmount)),
		AmountRaw:    strings.TrimSpace(row.Value(importer.FieldTotalAmount)),
		TaxAmount:    nullAmount(row.Value(importer.FieldVATAmount)),
		Status:       importer.NormalizeStatus(row.Value(importer.FieldStatus)),
		ImportCode:   sessionCode,
		CreatedBy:    userID,
	}
}

func nullDate(s string) sql.NullTime {
	t, ok := importer.ParseDate(s)
	return sql.NullTime{Time: t, Valid: ok}
}

func nullAmount(s string) decimal.NullDecimal {
	d, ok := importer.ParseAmount(s)
	return decimal.NullDecimal{Decimal: d, Valid: ok}
}
