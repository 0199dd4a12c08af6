package service

import (
	"bytes"
	"fmt"
	"strings"

	"invoice-import/internal/importer"
	"invoice-import/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	templateSheet     = "Invoices"
	instructionsSheet = "Instructions"
	errorReportSheet  = "Import Errors"
	historySheet      = "Import History"
)

type ExcelService struct{}

func NewExcelService() *ExcelService {
	return &ExcelService{}
}

// GenerateImportTemplate creates an upload template whose header row uses the
// catalog labels, so every column auto-maps.
func (s *ExcelService) GenerateImportTemplate(catalog importer.Catalog) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(templateSheet)
	if err != nil {
		return nil, err
	}

	headers := make([]interface{}, len(catalog))
	for i, def := range catalog {
		headers[i] = def.Label
	}
	if err := f.SetSheetRow(templateSheet, "A1", &headers); err != nil {
		return nil, err
	}

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})
	f.SetCellStyle(templateSheet, "A1", cellName(len(catalog), 1), headerStyle)

	samples := map[string][]string{
		importer.FieldInvoiceNumber: {"RE-2024-001", "RE-2024-002", "RE-2024-003"},
		importer.FieldDate:          {"2024-01-15", "16.01.2024", "2024-01-17"},
		importer.FieldCustomerName:  {"Müller GmbH", "Jane Doe", "ACME Corp"},
		importer.FieldTotalAmount:   {"1.190,00", "49.90", "250.00"},
		importer.FieldVATAmount:     {"190,00", "7.97", "39.92"},
		importer.FieldStatus:        {"bezahlt", "offen", "paid"},
	}
	for r := 0; r < 3; r++ {
		values := make([]interface{}, len(catalog))
		for i, def := range catalog {
			if sample, ok := samples[def.Key]; ok {
				values[i] = sample[r]
			} else {
				values[i] = ""
			}
		}
		if err := f.SetSheetRow(templateSheet, cellName(1, r+2), &values); err != nil {
			return nil, err
		}
	}

	for i, def := range catalog {
		col, _ := excelize.ColumnNumberToName(i + 1)
		width := 18.0
		if def.Key == importer.FieldCustomerName {
			width = 30
		}
		f.SetColWidth(templateSheet, col, col, width)
	}

	// Notes go on their own sheet; only the first sheet is imported.
	if _, err := f.NewSheet(instructionsSheet); err != nil {
		return nil, err
	}
	f.SetCellValue(instructionsSheet, "A1", "Instructions:")
	for i, def := range catalog {
		note := "optional"
		if def.Required {
			note = "required"
		}
		f.SetCellValue(instructionsSheet, cellName(1, i+2), fmt.Sprintf("%s (%s)", def.Label, note))
	}
	f.SetCellValue(instructionsSheet, cellName(1, len(catalog)+3), "Dates: YYYY-MM-DD or DD.MM.YYYY. Amounts: 1.190,00 or 1190.00")
	instructionStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 10},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#F0F8FF"}, Pattern: 1},
	})
	f.SetCellStyle(instructionsSheet, "A1", "A1", instructionStyle)
	f.SetColWidth(instructionsSheet, "A", "A", 60)

	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	return f.WriteToBuffer()
}

// GenerateErrorReport lists the rows that still have validation errors and
// the rows whose chunk failed in the last commit.
func (s *ExcelService) GenerateErrorReport(sess *importer.Session) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(errorReportSheet)
	if err != nil {
		return nil, err
	}

	headers := []interface{}{"Row Number", "Problem"}
	for _, def := range sess.Catalog {
		headers = append(headers, def.Label)
	}
	headers = append(headers, "Errors")
	if err := f.SetSheetRow(errorReportSheet, "A1", &headers); err != nil {
		return nil, err
	}
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#FFE6E6"}, Pattern: 1},
	})
	f.SetCellStyle(errorReportSheet, "A1", cellName(len(headers), 1), headerStyle)

	invalidStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#FFFFCC"}, Pattern: 1},
	})
	failedStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#F8D7DA"}, Pattern: 1},
	})

	line := 2
	write := func(row importer.ValidatedRow, problem, message string, style int) error {
		// Spreadsheet line of the source row: header is line 1.
		values := []interface{}{row.RowIndex + 2, problem}
		for _, def := range sess.Catalog {
			values = append(values, row.Value(def.Key))
		}
		values = append(values, message)
		if err := f.SetSheetRow(errorReportSheet, cellName(1, line), &values); err != nil {
			return err
		}
		f.SetCellStyle(errorReportSheet, cellName(1, line), cellName(len(values), line), style)
		line++
		return nil
	}

	invalid := sess.ErrorRows()
	for _, row := range invalid {
		if err := write(row, "invalid", strings.Join(row.Errors, "; "), invalidStyle); err != nil {
			return nil, err
		}
	}
	for _, row := range sess.FailedRows {
		if err := write(row, "failed", "chunk was not saved", failedStyle); err != nil {
			return nil, err
		}
	}

	f.SetColWidth(errorReportSheet, "A", "B", 12)
	last, _ := excelize.ColumnNumberToName(len(headers))
	f.SetColWidth(errorReportSheet, "C", last, 20)

	summaryRow := line + 1
	f.SetCellValue(errorReportSheet, cellName(1, summaryRow), "Import Summary")
	f.SetCellValue(errorReportSheet, cellName(1, summaryRow+1), "Session:")
	f.SetCellValue(errorReportSheet, cellName(2, summaryRow+1), sess.Code)
	f.SetCellValue(errorReportSheet, cellName(1, summaryRow+2), "Invalid Rows:")
	f.SetCellValue(errorReportSheet, cellName(2, summaryRow+2), len(invalid))
	f.SetCellValue(errorReportSheet, cellName(1, summaryRow+3), "Failed Rows:")
	f.SetCellValue(errorReportSheet, cellName(2, summaryRow+3), len(sess.FailedRows))
	summaryStyle, _ := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	f.SetCellStyle(errorReportSheet, cellName(1, summaryRow), cellName(1, summaryRow), summaryStyle)

	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	return f.WriteToBuffer()
}

// ExportImportHistory writes the import log list with status colouring.
func (s *ExcelService) ExportImportHistory(logs []models.ImportLog) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(historySheet)
	if err != nil {
		return nil, err
	}

	headers := []interface{}{
		"Session Code", "Filename", "Target", "Total Rows", "Committed",
		"Failed", "Duplicates", "Status", "Message", "Created At", "Updated At",
	}
	if err := f.SetSheetRow(historySheet, "A1", &headers); err != nil {
		return nil, err
	}

	border := []excelize.Border{
		{Type: "left", Color: "000000", Style: 1},
		{Type: "top", Color: "000000", Style: 1},
		{Type: "bottom", Color: "000000", Style: 1},
		{Type: "right", Color: "000000", Style: 1},
	}
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Bold: true, Size: 12},
		Fill:   excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: border,
	})
	f.SetCellStyle(historySheet, "A1", cellName(len(headers), 1), headerStyle)

	statusColors := map[string]string{
		string(importer.StatusCompleted):  "#D4EDDA",
		string(importer.StatusCommitting): "#FFF3CD",
		string(importer.StatusValidated):  "#FFF3CD",
		statusAbandoned:                   "#F8D7DA",
	}
	statusStyles := make(map[string]int, len(statusColors))
	for status, color := range statusColors {
		style, _ := f.NewStyle(&excelize.Style{
			Fill:   excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
			Border: border,
		})
		statusStyles[status] = style
	}
	dataStyle, _ := f.NewStyle(&excelize.Style{
		Border:    border,
		Alignment: &excelize.Alignment{Vertical: "center"},
	})

	counts := make(map[string]int)
	for i, log := range logs {
		row := i + 2
		values := []interface{}{
			log.SessionCode, log.Filename, log.Target, log.TotalRows, log.CommittedRows,
			log.FailedRows, log.DuplicateRows, log.Status, log.Message,
			log.CreatedAt.Format("2006-01-02 15:04:05"), log.UpdatedAt.Format("2006-01-02 15:04:05"),
		}
		if err := f.SetSheetRow(historySheet, cellName(1, row), &values); err != nil {
			return nil, err
		}
		f.SetCellStyle(historySheet, cellName(1, row), cellName(len(values), row), dataStyle)
		if style, ok := statusStyles[log.Status]; ok {
			f.SetCellStyle(historySheet, cellName(8, row), cellName(8, row), style)
		}
		counts[log.Status]++
	}

	f.SetColWidth(historySheet, "A", "K", 15)
	f.SetColWidth(historySheet, "A", "A", 22)
	f.SetColWidth(historySheet, "B", "B", 30)
	f.SetColWidth(historySheet, "I", "I", 30)
	f.SetColWidth(historySheet, "J", "K", 20)

	if len(logs) > 0 {
		summaryRow := len(logs) + 3
		f.SetCellValue(historySheet, cellName(1, summaryRow), "Summary:")
		f.SetCellValue(historySheet, cellName(2, summaryRow), fmt.Sprintf("Total Imports: %d", len(logs)))
		row := summaryRow + 1
		for _, status := range []string{
			string(importer.StatusCompleted), string(importer.StatusValidated),
			string(importer.StatusCommitting), string(importer.StatusMapped), statusAbandoned,
		} {
			if counts[status] == 0 {
				continue
			}
			f.SetCellValue(historySheet, cellName(2, row), fmt.Sprintf("%s: %d", status, counts[status]))
			row++
		}
	}

	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	return f.WriteToBuffer()
}

func cellName(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col, row)
	return name
}
