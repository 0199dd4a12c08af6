package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"invoice-import/internal/config"
	"invoice-import/internal/utils"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// Writes an order export in the shape shop systems produce, for trying the
// import by hand. Every seventh row has no customer and every eleventh row
// repeats an earlier order number.
func main() {
	format := flag.String("format", "xlsx", "output format: csv or xlsx")
	rows := flag.Int("rows", 250, "number of data rows")
	german := flag.Bool("german", false, "German headers, dd.mm.yyyy dates and 1.234,56 amounts")
	out := flag.String("out", "", "output directory (default IMPORT_EXPORT_PATH)")
	flag.Parse()

	logger := utils.GetLogger()

	dir := *out
	if dir == "" {
		cfg, err := config.Load()
		if err != nil {
			logger.Fatalf("Failed to load configuration: %v", err)
		}
		dir = cfg.ImportExportPath
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Fatalf("Failed to create output directory: %v", err)
	}

	headers, records := sampleRecords(*rows, *german)
	path := filepath.Join(dir, fmt.Sprintf("sample_orders_%s.%s", time.Now().Format("20060102_150405"), *format))

	var err error
	switch *format {
	case "csv":
		err = writeCSV(path, headers, records, *german)
	case "xlsx":
		err = writeXLSX(path, headers, records)
	default:
		logger.Fatalf("Unknown format %q", *format)
	}
	if err != nil {
		logger.Fatalf("Failed to write sample: %v", err)
	}

	logger.WithField("path", path).WithField("rows", len(records)).Info("Sample file written")
}

func sampleRecords(n int, german bool) ([]string, [][]string) {
	headers := []string{"Order Number", "Created At", "Billing Name", "Total", "Taxes", "Financial Status"}
	if german {
		headers = []string{"Bestellnummer", "Datum", "Kunde", "Gesamt", "MwSt", "Zahlungsstatus"}
	}

	customers := []string{"Müller GmbH", "Jane Doe", "ACME Corp", "Schmidt & Söhne", "Nordwind AG", "John Roe"}
	statuses := []string{"paid", "pending", "refunded", "partially_paid"}
	if german {
		statuses = []string{"bezahlt", "offen", "erstattet", "teilweise bezahlt"}
	}
	vatRate := decimal.NewFromFloat(0.19)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := rand.New(rand.NewSource(42))

	records := make([][]string, 0, n)
	for i := 0; i < n; i++ {
		number := fmt.Sprintf("#%d", 1001+i)
		if i > 0 && i%11 == 0 {
			number = records[i-1][0]
		}
		customer := customers[r.Intn(len(customers))]
		if i%7 == 6 {
			customer = ""
		}
		net := decimal.NewFromInt(int64(r.Intn(200000))).Div(decimal.NewFromInt(100))
		vat := net.Mul(vatRate).Round(2)
		total := net.Add(vat)
		date := start.AddDate(0, 0, i/3)

		dateText := date.Format("2006-01-02")
		if german {
			dateText = date.Format("02.01.2006")
		}
		records = append(records, []string{
			number,
			dateText,
			customer,
			formatAmount(total, german),
			formatAmount(vat, german),
			statuses[r.Intn(len(statuses))],
		})
	}
	return headers, records
}

func formatAmount(d decimal.Decimal, german bool) string {
	s := d.StringFixed(2)
	if !german {
		return s
	}
	intPart, frac := s[:len(s)-3], s[len(s)-2:]
	var grouped []byte
	for i := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			grouped = append(grouped, '.')
		}
		grouped = append(grouped, intPart[i])
	}
	return string(grouped) + "," + frac
}

func writeCSV(path string, headers []string, records [][]string, german bool) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if german {
		w.Comma = ';'
	}
	if err := w.Write(headers); err != nil {
		return err
	}
	if err := w.WriteAll(records); err != nil {
		return err
	}
	return f.Close()
}

func writeXLSX(path string, headers []string, records [][]string) error {
	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Orders"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return err
	}

	header := make([]interface{}, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return err
	}
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})
	last, _ := excelize.CoordinatesToCellName(len(headers), 1)
	f.SetCellStyle(sheetName, "A1", last, headerStyle)

	for i, record := range records {
		values := make([]interface{}, len(record))
		for j, v := range record {
			values[j] = v
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
			return err
		}
	}
	f.SetColWidth(sheetName, "A", "F", 18)
	f.SetColWidth(sheetName, "C", "C", 28)

	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	return f.SaveAs(path)
}
