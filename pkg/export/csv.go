package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
)

// csvHeader is a published contract: downstream spreadsheets key on
// these names and this order.
var csvHeader = []string{
	"analysis_id", "created_at", "company_name", "industry_sector",
	"reporting_period", "environmental", "social", "governance",
	"overall", "frameworks", "coverage_avg",
}

func renderCSV(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("export: csv header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			r.AnalysisID,
			r.CreatedAt,
			r.CompanyName,
			r.IndustrySector,
			r.ReportingPeriod,
			formatScore(r.Scores.Environmental),
			formatScore(r.Scores.Social),
			formatScore(r.Scores.Governance),
			formatScore(r.Scores.Overall),
			strings.Join(r.Frameworks, ";"),
			formatScore(r.CoverageAvg),
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("export: csv row %s: %w", r.AnalysisID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("export: csv flush: %w", err)
	}
	return buf.Bytes(), nil
}

// formatScore keeps one decimal so 72 and 72.0 export identically.
func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}
