package export

import (
	"encoding/json"
	"math"

	"github.com/esglens/esglens/pkg/analysis"
	"github.com/esglens/esglens/pkg/store"
)

// Row is one exported analysis. It carries the scalar columns the CSV
// needs plus the full result document, so a JSON dump can be loaded
// back into a fresh store without loss.
type Row struct {
	AnalysisID      string             `json:"analysis_id"`
	UserID          string             `json:"user_id"`
	CompanyName     string             `json:"company_name"`
	IndustrySector  string             `json:"industry_sector,omitempty"`
	ReportingPeriod string             `json:"reporting_period,omitempty"`
	SourceURL       string             `json:"source_url,omitempty"`
	QuickMode       bool               `json:"quick_mode"`
	Scores          analysis.Scores    `json:"scores"`
	Frameworks      []string           `json:"frameworks"`
	Coverage        map[string]float64 `json:"framework_coverage"`
	CoverageAvg     float64            `json:"coverage_avg"`
	CreatedAt       string             `json:"created_at"`
	Result          json.RawMessage    `json:"result"`
}

func newRow(rec store.AnalysisRecord) Row {
	return Row{
		AnalysisID:      rec.ID,
		UserID:          rec.UserID,
		CompanyName:     rec.CompanyName,
		IndustrySector:  rec.IndustrySector,
		ReportingPeriod: rec.ReportingPeriod,
		SourceURL:       rec.SourceURL,
		QuickMode:       rec.QuickMode,
		Scores: analysis.Scores{
			Environmental: rec.Environmental,
			Social:        rec.Social,
			Governance:    rec.Governance,
			Overall:       rec.Overall,
		},
		Frameworks:  rec.Frameworks,
		Coverage:    rec.Coverage,
		CoverageAvg: coverageAvg(rec.Coverage),
		CreatedAt:   store.FormatTimestamp(rec.CreatedAt),
		Result:      rec.Result,
	}
}

// Record converts an exported row back into a storable record,
// supporting re-import of JSON dumps.
func (r Row) Record() store.AnalysisRecord {
	return store.AnalysisRecord{
		ID:              r.AnalysisID,
		UserID:          r.UserID,
		CompanyName:     r.CompanyName,
		IndustrySector:  r.IndustrySector,
		ReportingPeriod: r.ReportingPeriod,
		SourceURL:       r.SourceURL,
		QuickMode:       r.QuickMode,
		Environmental:   r.Scores.Environmental,
		Social:          r.Scores.Social,
		Governance:      r.Scores.Governance,
		Overall:         r.Scores.Overall,
		Frameworks:      r.Frameworks,
		Coverage:        r.Coverage,
		Result:          r.Result,
		CreatedAt:       store.ParseTimestamp(r.CreatedAt),
	}
}

func coverageAvg(coverage map[string]float64) float64 {
	if len(coverage) == 0 {
		return 0
	}
	var sum float64
	for _, pct := range coverage {
		sum += pct
	}
	return round1(sum / float64(len(coverage)))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
