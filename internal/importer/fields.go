package importer

import (
	"strings"
	"unicode"
)

// Field keys of the invoice catalog.
const (
	FieldInvoiceNumber = "invoiceNumber"
	FieldDate          = "date"
	FieldCustomerName  = "customerName"
	FieldTotalAmount   = "totalAmount"
	FieldVATAmount     = "vatAmount"
	FieldStatus        = "status"
)

// FieldDefinition describes one target field an uploaded column can feed.
// AliasTokens are already normalized (lowercase, alphanumeric only).
type FieldDefinition struct {
	Key         string   `json:"key"`
	Label       string   `json:"label"`
	Required    bool     `json:"required"`
	AliasTokens []string `json:"alias_tokens"`
}

// Catalog is an ordered set of field definitions, required fields first.
type Catalog []FieldDefinition

// DefaultCatalog returns the invoice field catalog.
func DefaultCatalog() Catalog {
	return Catalog{
		{
			Key:      FieldInvoiceNumber,
			Label:    "Invoice Number",
			Required: true,
			AliasTokens: []string{
				"invoicenumber", "invoiceno", "invoicenr", "invoiceid", "rechnungsnummer",
				"rechnungsnr", "belegnummer", "belegnr", "ordernumber", "orderno", "ordernr",
				"orderid", "bestellnummer", "bestellnr", "auftragsnummer",
			},
		},
		{
			Key:         FieldDate,
			Label:       "Date",
			Required:    true,
			AliasTokens: []string{"date", "datum", "createdat", "issuedat", "issued"},
		},
		{
			Key:      FieldCustomerName,
			Label:    "Customer Name",
			Required: true,
			AliasTokens: []string{
				"customername", "customer", "kunde", "kundenname", "billingname",
				"client", "buyer", "empfaenger", "empfanger",
			},
		},
		{
			Key:      FieldTotalAmount,
			Label:    "Total Amount",
			Required: true,
			AliasTokens: []string{
				"totalamount", "grossamount", "total", "gesamt", "summe", "betrag", "brutto",
				"gross", "zahlbetrag", "umsatz",
			},
		},
		{
			Key:         FieldVATAmount,
			Label:       "VAT Amount",
			AliasTokens: []string{"vat", "mwst", "steuer", "tax"},
		},
		{
			Key:         FieldStatus,
			Label:       "Status",
			AliasTokens: []string{"status", "zahlungsstatus", "financialstatus", "paymentstatus"},
		},
	}
}

// Lookup returns the definition with the given key.
func (c Catalog) Lookup(key string) (FieldDefinition, bool) {
	for _, def := range c {
		if def.Key == key {
			return def, true
		}
	}
	return FieldDefinition{}, false
}

// Required returns the keys of all required fields in catalog order.
func (c Catalog) Required() []string {
	var keys []string
	for _, def := range c {
		if def.Required {
			keys = append(keys, def.Key)
		}
	}
	return keys
}

// NormalizeHeader lowercases s and strips every non-alphanumeric rune.
func NormalizeHeader(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
