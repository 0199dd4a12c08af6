package importer

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Stored invoice statuses.
const (
	InvoiceStatusDraft     = "DRAFT"
	InvoiceStatusSent      = "SENT"
	InvoiceStatusPaid      = "PAID"
	InvoiceStatusOverdue   = "OVERDUE"
	InvoiceStatusCancelled = "CANCELLED"
)

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"02.01.2006",
	"2.1.2006",
	"02.01.06",
	"02/01/2006",
	"01/02/2006",
	"2006/01/02",
}

// ParseDate reads a date in any of the layouts common in invoice exports.
// Day-first layouts are tried before month-first ones.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseAmount reads an amount written in English (1,234.56) or German
// (1.234,56) notation, with optional currency symbols.
func ParseAmount(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("€", "", "$", "", "EUR", "", "USD", "", " ", "", "\u00a0", "").Replace(s)
	if s == "" {
		return decimal.Zero, false
	}

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		// A single comma followed by three digits is a thousands separator.
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 != 3 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// NormalizeStatus maps German and shop status words to a stored status.
func NormalizeStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bezahlt", "paid", "teilweise bezahlt", "partial", "partially_paid":
		return InvoiceStatusPaid
	case "offen", "pending", "open", "sent", "authorized":
		return InvoiceStatusSent
	case "überfällig", "ueberfaellig", "overdue":
		return InvoiceStatusOverdue
	case "storniert", "cancelled", "canceled", "refunded", "voided":
		return InvoiceStatusCancelled
	case "gutschrift", "partially_refunded":
		return InvoiceStatusPaid
	case "entwurf", "draft":
		return InvoiceStatusDraft
	default:
		return InvoiceStatusSent
	}
}
