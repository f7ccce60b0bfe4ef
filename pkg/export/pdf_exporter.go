package export

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jung-kurt/gofpdf"
)

const (
	pageWidth  = 190.0
	lineHeight = 6.0
)

// PDFExporter renders datasets into a tabular PDF whose cells wrap long text.
type PDFExporter struct{}

// NewPDFExporter constructs a PDF exporter.
func NewPDFExporter() *PDFExporter {
	return &PDFExporter{}
}

// Render creates a PDF document with an optional title and table body.
// With two headers the first column is treated as a label column and kept narrow.
func (e *PDFExporter) Render(data Dataset, title string) ([]byte, error) {
	if len(data.Headers) == 0 {
		return nil, fmt.Errorf("pdf requires at least one header")
	}
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(10, 15, 10)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	if title != "" {
		pdf.SetFont("Arial", "B", 14)
		pdf.CellFormat(0, 10, tr(strings.ToUpper(title)), "", 1, "C", false, 0, "")
		pdf.Ln(5)
	}

	widths := columnWidths(len(data.Headers))

	pdf.SetFont("Arial", "B", 10)
	for i, header := range data.Headers {
		pdf.CellFormat(widths[i], 8, tr(header), "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 9)
	for _, row := range data.Rows {
		lines := make([][]string, len(data.Headers))
		maxLines := 1
		for i, header := range data.Headers {
			lines[i] = splitCell(pdf, tr(row[header]), widths[i]-2)
			if len(lines[i]) > maxLines {
				maxLines = len(lines[i])
			}
		}
		rowHeight := float64(maxLines) * lineHeight
		_, pageHeight := pdf.GetPageSize()
		_, _, _, bottom := pdf.GetMargins()
		if pdf.GetY()+rowHeight > pageHeight-bottom {
			pdf.AddPage()
		}

		x, y := pdf.GetXY()
		for i := range data.Headers {
			pdf.Rect(x, y, widths[i], rowHeight, "D")
			pdf.SetXY(x+1, y)
			pdf.MultiCell(widths[i]-2, lineHeight, strings.Join(lines[i], "\n"), "", "L", false)
			x += widths[i]
			pdf.SetXY(x, y)
		}
		pdf.SetXY(10, y+rowHeight)
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func columnWidths(n int) []float64 {
	widths := make([]float64, n)
	if n == 2 {
		widths[0] = 50
		widths[1] = pageWidth - 50
		return widths
	}
	for i := range widths {
		widths[i] = pageWidth / float64(n)
	}
	return widths
}

func splitCell(pdf *gofpdf.Fpdf, text string, width float64) []string {
	if text == "" {
		return []string{""}
	}
	var out []string
	for _, raw := range pdf.SplitLines([]byte(text), width) {
		out = append(out, string(raw))
	}
	if len(out) == 0 {
		return []string{""}
	}
	return out
}
