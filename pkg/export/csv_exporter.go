package export

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Dataset is a header row plus records keyed by header.
type Dataset struct {
	Headers []string
	Rows    []map[string]string
}

var errNoHeaders = errors.New("csv requires at least one header")

// CSVExporter writes datasets as RFC 4180 CSV.
type CSVExporter struct {
	// Raw disables formula neutralising for consumers that are not spreadsheets.
	Raw bool
}

// NewCSVExporter builds a CSV exporter.
func NewCSVExporter() *CSVExporter {
	return &CSVExporter{}
}

// Render returns the dataset as CSV bytes.
func (e *CSVExporter) Render(data Dataset) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := e.RenderTo(buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RenderTo streams the dataset to w.
func (e *CSVExporter) RenderTo(w io.Writer, data Dataset) error {
	if len(data.Headers) == 0 {
		return errNoHeaders
	}
	writer := csv.NewWriter(w)
	if err := writer.Write(data.Headers); err != nil {
		return fmt.Errorf("write csv headers: %w", err)
	}
	record := make([]string, len(data.Headers))
	for n, row := range data.Rows {
		for i, header := range data.Headers {
			record[i] = e.cell(row[header])
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write csv row %d: %w", n+1, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// cell prefixes values a spreadsheet would evaluate as a formula.
func (e *CSVExporter) cell(value string) string {
	if e.Raw || value == "" {
		return value
	}
	if strings.ContainsRune("=+-@\t\r", rune(value[0])) {
		return "'" + value
	}
	return value
}
