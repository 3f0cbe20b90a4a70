package export

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jung-kurt/gofpdf"

	"github.com/esglens/esglens/pkg/analysis"
)

// pdfGapLimit caps the gap table so one analysis stays on one page.
const pdfGapLimit = 5

// renderPDF lays out one scorecard page per analysis: category scores,
// per-framework coverage and the most severe open gaps.
func renderPDF(rows []Row) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("ESG Disclosure Export", false)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	if len(rows) == 0 {
		pdf.AddPage()
		pdf.SetFont("Helvetica", "B", 16)
		pdf.CellFormat(0, 10, "ESG Disclosure Export", "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 11)
		pdf.CellFormat(0, 8, "No analyses recorded.", "", 1, "L", false, 0, "")
	}

	for _, row := range rows {
		var doc analysis.Document
		if err := json.Unmarshal(row.Result, &doc); err != nil {
			return nil, fmt.Errorf("export: decode analysis %s: %w", row.AnalysisID, err)
		}
		scorecardPage(pdf, tr, row, doc)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("export: render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func scorecardPage(pdf *gofpdf.Fpdf, tr func(string) string, row Row, doc analysis.Document) {
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, "ESG Disclosure Scorecard", "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 11)
	company := row.CompanyName
	if company == "" {
		company = "(unnamed company)"
	}
	pdf.CellFormat(0, 7, tr(company), "", 1, "L", false, 0, "")
	line := "Analyzed " + row.CreatedAt
	if row.ReportingPeriod != "" {
		line += "  |  Period " + row.ReportingPeriod
	}
	if row.IndustrySector != "" {
		line += "  |  " + row.IndustrySector
	}
	pdf.CellFormat(0, 7, tr(line), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	// Scores table.
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, "Category Scores", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	scoreRow(pdf, "Environmental", doc.Scores.Environmental)
	scoreRow(pdf, "Social", doc.Scores.Social)
	scoreRow(pdf, "Governance", doc.Scores.Governance)
	pdf.SetFont("Helvetica", "B", 11)
	scoreRow(pdf, "Overall", doc.Scores.Overall)
	pdf.Ln(4)

	// Framework coverage.
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, "Framework Coverage", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	for _, cov := range doc.Coverage {
		pdf.CellFormat(50, 7, cov.Framework, "1", 0, "L", false, 0, "")
		pdf.CellFormat(30, 7, fmt.Sprintf("%.1f%%", cov.CoveragePercentage), "1", 0, "R", false, 0, "")
		pdf.CellFormat(60, 7, fmt.Sprintf("mandatory %d/%d", cov.MandatoryMet, cov.MandatoryTotal), "1", 1, "L", false, 0, "")
	}
	pdf.Ln(4)

	// Top gaps, already sorted most severe first.
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, "Top Gaps", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	if len(doc.Gaps) == 0 {
		pdf.CellFormat(0, 7, "No open gaps.", "", 1, "L", false, 0, "")
		return
	}
	gaps := doc.Gaps
	if len(gaps) > pdfGapLimit {
		gaps = gaps[:pdfGapLimit]
	}
	for _, gap := range gaps {
		pdf.CellFormat(22, 7, gap.Severity, "1", 0, "L", false, 0, "")
		pdf.CellFormat(40, 7, gap.Framework+" "+gap.RequirementID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(128, 7, tr(clip(gap.Description, 88)), "1", 1, "L", false, 0, "")
	}
	if len(doc.Gaps) > pdfGapLimit {
		pdf.SetFont("Helvetica", "I", 9)
		pdf.CellFormat(0, 6, fmt.Sprintf("and %d more", len(doc.Gaps)-pdfGapLimit), "", 1, "L", false, 0, "")
	}
}

func scoreRow(pdf *gofpdf.Fpdf, label string, value float64) {
	pdf.CellFormat(50, 7, label, "1", 0, "L", false, 0, "")
	pdf.CellFormat(30, 7, fmt.Sprintf("%.1f", value), "1", 1, "R", false, 0, "")
}

func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
