package importer

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Format identifies how an uploaded file is decoded.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// RawTable is the parsed content of an uploaded file. Headers are unique and
// keep their column order; every row holds a value for every header.
type RawTable struct {
	Headers []string            `json:"headers"`
	Rows    []map[string]string `json:"rows"`
	// Truncated is set when parsing stopped at MaxPreviewRows.
	Truncated bool `json:"truncated"`
}

// HasHeader reports whether name is one of the table's headers.
func (t *RawTable) HasHeader(name string) bool {
	for _, h := range t.Headers {
		if h == name {
			return true
		}
	}
	return false
}

// ParseOptions controls the Tabular Parser.
type ParseOptions struct {
	Format Format
	// MaxPreviewRows stops parsing after that many data rows. Zero means the
	// whole file is parsed.
	MaxPreviewRows int
	// Delimiter forces the CSV separator; zero sniffs it from the header line.
	Delimiter rune
}

// ParseError is returned when a file cannot be turned into a RawTable.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse error: %s: %v", e.Reason, e.Err)
	}
	return "parse error: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// DetectFormat picks a format from a filename extension.
func DetectFormat(filename string) (Format, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	default:
		return "", &ParseError{Reason: fmt.Sprintf("unsupported file type %q", filepath.Ext(filename))}
	}
}

// Parse decodes data into a RawTable. It fails with *ParseError when the
// content cannot be decoded or holds no data rows.
func Parse(data []byte, opts ParseOptions) (*RawTable, error) {
	var (
		records [][]string
		err     error
	)

	// The header line plus one row past the limit, so truncation is detectable.
	limit := 0
	if opts.MaxPreviewRows > 0 {
		limit = opts.MaxPreviewRows + 2
	}

	switch opts.Format {
	case FormatCSV, "":
		records, err = readCSV(data, opts.Delimiter, limit)
	case FormatXLSX:
		records, err = readXLSX(data, limit)
	default:
		return nil, &ParseError{Reason: fmt.Sprintf("unsupported format %q", opts.Format)}
	}
	if err != nil {
		return nil, err
	}

	return buildTable(records, opts.MaxPreviewRows)
}

func readCSV(data []byte, delimiter rune, limit int) ([][]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if delimiter == 0 {
		delimiter = sniffDelimiter(data)
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var records [][]string
	for limit == 0 || len(records) < limit {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &ParseError{Reason: "invalid CSV", Err: err}
		}
		if isBlankRecord(record) {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// sniffDelimiter counts candidate separators on the first line outside quotes.
func sniffDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}

	candidates := []rune{',', ';', '\t', '|'}
	counts := make(map[rune]int, len(candidates))
	inQuotes := false
	for _, r := range string(line) {
		if r == '"' {
			inQuotes = !inQuotes
			continue
		}
		if !inQuotes {
			counts[r]++
		}
	}

	best := ','
	for _, c := range candidates {
		if counts[c] > counts[best] {
			best = c
		}
	}
	return best
}

func readXLSX(data []byte, limit int) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, &ParseError{Reason: "invalid Excel file", Err: err}
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, &ParseError{Reason: "no sheets found in Excel file"}
	}

	rows, err := f.Rows(sheets[0])
	if err != nil {
		return nil, &ParseError{Reason: "failed to read rows", Err: err}
	}
	defer rows.Close()

	var records [][]string
	for rows.Next() {
		if limit > 0 && len(records) >= limit {
			break
		}
		cols, err := rows.Columns()
		if err != nil {
			return nil, &ParseError{Reason: "failed to read row", Err: err}
		}
		if isBlankRecord(cols) {
			continue
		}
		records = append(records, cols)
	}
	return records, nil
}

func buildTable(records [][]string, maxRows int) (*RawTable, error) {
	if len(records) == 0 {
		return nil, &ParseError{Reason: "file is empty"}
	}
	if len(records) < 2 {
		return nil, &ParseError{Reason: "file must contain a header row and at least one data row"}
	}

	headers := cleanHeaders(records[0])
	data := records[1:]
	truncated := false
	if maxRows > 0 && len(data) > maxRows {
		data = data[:maxRows]
		truncated = true
	}

	table := &RawTable{
		Headers:   headers,
		Rows:      make([]map[string]string, 0, len(data)),
		Truncated: truncated,
	}

	for _, record := range data {
		row := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(record) {
				row[h] = strings.TrimSpace(record[i])
			} else {
				row[h] = ""
			}
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

// cleanHeaders trims header names, names empty columns and makes duplicates
// unique with a " (n)" suffix. A suffixed name never reuses a name that
// appears elsewhere in the header row.
func cleanHeaders(raw []string) []string {
	names := make([]string, len(raw))
	reserved := make(map[string]bool, len(raw))
	for i, h := range raw {
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("Column_%d", i+1)
		}
		names[i] = h
		reserved[h] = true
	}

	headers := make([]string, len(names))
	used := make(map[string]bool, len(names))
	for i, h := range names {
		name := h
		for n := 2; used[name]; n++ {
			candidate := fmt.Sprintf("%s (%d)", h, n)
			if !reserved[candidate] {
				name = candidate
			}
		}
		used[name] = true
		headers[i] = name
	}
	return headers
}

func isBlankRecord(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
