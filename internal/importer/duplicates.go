package importer

import (
	"context"
	"strings"
)

// ExistenceChecker reports which natural keys already exist in the target
// store. Implementations must accept repeated calls without side effects.
type ExistenceChecker interface {
	ExistingKeys(ctx context.Context, keys []string) ([]string, error)
}

// ExistenceCheckerFunc adapts a function to ExistenceChecker.
type ExistenceCheckerFunc func(ctx context.Context, keys []string) ([]string, error)

func (f ExistenceCheckerFunc) ExistingKeys(ctx context.Context, keys []string) ([]string, error) {
	return f(ctx, keys)
}

// InvoiceNumbers collects the distinct non-blank invoice numbers of rows in
// row order.
func InvoiceNumbers(rows []ValidatedRow) []string {
	seen := make(map[string]bool, len(rows))
	var keys []string
	for _, row := range rows {
		key := strings.TrimSpace(row.Value(FieldInvoiceNumber))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	return keys
}

// MarkDuplicates flags rows whose invoice number already exists. It is
// advisory: with no checker or no keys nothing is called, and on error every
// flag is left false and the error is returned for the caller to report.
func MarkDuplicates(ctx context.Context, checker ExistenceChecker, rows []ValidatedRow) error {
	for i := range rows {
		rows[i].IsDuplicate = false
	}
	if checker == nil {
		return nil
	}

	keys := InvoiceNumbers(rows)
	if len(keys) == 0 {
		return nil
	}

	existing, err := checker.ExistingKeys(ctx, keys)
	if err != nil {
		return err
	}

	found := make(map[string]bool, len(existing))
	for _, key := range existing {
		found[strings.TrimSpace(key)] = true
	}
	for i := range rows {
		if found[strings.TrimSpace(rows[i].Value(FieldInvoiceNumber))] {
			rows[i].IsDuplicate = true
		}
	}
	return nil
}
