package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/esglens/esglens/pkg/activity"
	"github.com/esglens/esglens/pkg/analysis"
	"github.com/esglens/esglens/pkg/catalog"
	"github.com/esglens/esglens/pkg/compliance"
	"github.com/esglens/esglens/pkg/governor"
	"github.com/esglens/esglens/pkg/store"
	"github.com/esglens/esglens/pkg/tiers"
)

// Rate classes for the query endpoints. Neither costs credits; only
// the window is checked.
const (
	EndpointCompare   = "compare"
	EndpointBenchmark = "benchmark"
)

// maxCompanies bounds one compare or benchmark request.
const maxCompanies = 20

// trendPoints is how much history feeds a trend tag.
const trendPoints = 3

// maxHistoryDays caps the history window.
const maxHistoryDays = 3650

// Trend tags.
const (
	TrendImproving = "improving"
	TrendStable    = "stable"
	TrendDeclining = "declining"
)

// Reader is the slice of the store the query endpoints read.
type Reader interface {
	GetAnalysisByID(ctx context.Context, userID, analysisID string) (store.AnalysisRecord, error)
	GetCompany(ctx context.Context, name string) (store.Company, error)
	CompanyHistory(ctx context.Context, name string, days int) ([]store.AnalysisRecord, error)
	LatestAnalysesByCompany(ctx context.Context, name string, limit int) ([]store.AnalysisRecord, error)
	AggregateBenchmark(ctx context.Context, frameworks []string, sector string) (store.Baseline, error)
}

// RateAdmitter is the window check compare and benchmark pass through.
type RateAdmitter interface {
	Admit(ctx context.Context, userID string, tier tiers.Tier, endpoint string, cost int64) (governor.Admission, error)
}

// HistoryPoint is one analysis in a company's timeline.
type HistoryPoint struct {
	AnalysisID string             `json:"analysis_id"`
	CreatedAt  string             `json:"created_at"`
	Scores     analysis.Scores    `json:"scores"`
	Coverage   map[string]float64 `json:"framework_coverage"`
}

// History is a company's score timeline, oldest first, with per-pillar
// trend tags.
type History struct {
	Company    string            `json:"company"`
	PeriodDays int               `json:"period_days"`
	Points     []HistoryPoint    `json:"history"`
	Trend      map[string]string `json:"trend"`
}

// FrameworkCompliance summarizes one framework for one company.
type FrameworkCompliance struct {
	Coverage       float64 `json:"coverage"`
	MandatoryMet   int     `json:"mandatory_met"`
	MandatoryTotal int     `json:"mandatory_total"`
}

// BenchmarkEntry is one company's standing in a benchmark.
type BenchmarkEntry struct {
	Company      string                         `json:"company"`
	Found        bool                           `json:"found"`
	Scores       analysis.Scores                `json:"scores"`
	Trend        string                         `json:"trend,omitempty"`
	Frameworks   map[string]FrameworkCompliance `json:"framework_compliance,omitempty"`
	LastAnalyzed string                         `json:"last_analyzed,omitempty"`
}

// BenchmarkReport compares companies across frameworks.
type BenchmarkReport struct {
	Companies     []BenchmarkEntry `json:"companies"`
	AverageScores analysis.Scores  `json:"average_scores"`
	BestPerformer string           `json:"best_performer,omitempty"`
	Frameworks    []string         `json:"frameworks_analyzed"`
}

// CompareEntry is one company's latest standing.
type CompareEntry struct {
	Company      string          `json:"company"`
	Found        bool            `json:"found"`
	Scores       analysis.Scores `json:"scores"`
	Trend        string          `json:"trend,omitempty"`
	Sector       string          `json:"industry_sector,omitempty"`
	LastAnalyzed string          `json:"last_analyzed,omitempty"`
}

// CompareBaseline is the sector median the compared companies are set
// against. An empty sector means the baseline is global.
type CompareBaseline struct {
	Sector        string  `json:"sector,omitempty"`
	SampleSize    int64   `json:"sample_size"`
	Environmental float64 `json:"environmental"`
	Social        float64 `json:"social"`
	Governance    float64 `json:"governance"`
	Overall       float64 `json:"overall"`
}

// CompareReport is the /compare payload.
type CompareReport struct {
	Companies []CompareEntry  `json:"companies"`
	Baseline  CompareBaseline `json:"benchmark"`
}

// QueriesConfig wires a Queries service.
type QueriesConfig struct {
	Store    Reader
	Governor RateAdmitter
	Recorder activity.Recorder
	Logger   *slog.Logger
}

// Queries serves history, gap, benchmark and compare reads over stored
// analyses. Company data is shared read across users; per-analysis
// reads stay owner-scoped.
type Queries struct {
	reader Reader
	gov    RateAdmitter
	rec    activity.Recorder
	log    *slog.Logger
}

func NewQueries(cfg QueriesConfig) *Queries {
	if cfg.Recorder == nil {
		cfg.Recorder = activity.NopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queries{reader: cfg.Store, gov: cfg.Governor, rec: cfg.Recorder, log: cfg.Logger}
}

// History returns a company's analyses from the last days days, oldest
// first. Unknown companies report store.ErrNotFound.
func (q *Queries) History(ctx context.Context, name string, days int) (*History, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &analysis.ValidationError{Field: "company", Reason: "company name is required"}
	}
	if days > maxHistoryDays {
		days = maxHistoryDays
	}
	if days <= 0 {
		days = 90
	}

	recs, err := q.reader.CompanyHistory(ctx, name, days)
	if err != nil {
		return nil, fmt.Errorf("export: company history: %w", err)
	}
	if len(recs) == 0 {
		// A known company whose analyses all predate the window is an
		// empty timeline, not a missing company.
		if _, err := q.reader.GetCompany(ctx, name); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, store.ErrNotFound
			}
			return nil, fmt.Errorf("export: get company: %w", err)
		}
	}

	h := &History{Company: name, PeriodDays: days, Points: make([]HistoryPoint, 0, len(recs))}
	for _, rec := range recs {
		h.Points = append(h.Points, HistoryPoint{
			AnalysisID: rec.ID,
			CreatedAt:  store.FormatTimestamp(rec.CreatedAt),
			Scores:     recordScores(rec),
			Coverage:   rec.Coverage,
		})
	}
	h.Trend = map[string]string{
		"environmental": trendTag(pluck(recs, func(r store.AnalysisRecord) float64 { return r.Environmental })),
		"social":        trendTag(pluck(recs, func(r store.AnalysisRecord) float64 { return r.Social })),
		"governance":    trendTag(pluck(recs, func(r store.AnalysisRecord) float64 { return r.Governance })),
		"overall":       trendTag(pluck(recs, func(r store.AnalysisRecord) float64 { return r.Overall })),
	}
	return h, nil
}

// Gaps returns the gap list of one analysis owned by userID, sorted
// most severe first. Rows owned by someone else read as not found.
func (q *Queries) Gaps(ctx context.Context, userID, analysisID string) ([]compliance.Gap, error) {
	if strings.TrimSpace(analysisID) == "" {
		return nil, &analysis.ValidationError{Field: "analysis_id", Reason: "analysis id is required"}
	}
	rec, err := q.reader.GetAnalysisByID(ctx, userID, analysisID)
	if err != nil {
		return nil, err
	}
	var doc analysis.Document
	if err := json.Unmarshal(rec.Result, &doc); err != nil {
		return nil, fmt.Errorf("export: decode analysis %s: %w", analysisID, err)
	}
	if doc.Gaps == nil {
		return []compliance.Gap{}, nil
	}
	compliance.SortGaps(doc.Gaps)
	return doc.Gaps, nil
}

// Benchmark reports each company's latest scores, per-framework
// compliance and trend, plus the group average and best performer.
func (q *Queries) Benchmark(ctx context.Context, userID string, tier tiers.Tier, companies, frameworks []string) (*BenchmarkReport, error) {
	names, err := cleanCompanies(companies)
	if err != nil {
		return nil, err
	}
	tags, err := frameworkTags(frameworks)
	if err != nil {
		return nil, err
	}
	if _, err := q.gov.Admit(ctx, userID, tier, EndpointBenchmark, 0); err != nil {
		return nil, err
	}

	report := &BenchmarkReport{Frameworks: tags, Companies: make([]BenchmarkEntry, 0, len(names))}
	var (
		sums      analysis.Scores
		found     int
		bestScore float64
	)
	for _, name := range names {
		recs, err := q.reader.LatestAnalysesByCompany(ctx, name, trendPoints)
		if err != nil {
			return nil, fmt.Errorf("export: latest analyses for %s: %w", name, err)
		}
		entry := BenchmarkEntry{Company: name}
		if len(recs) > 0 {
			latest := recs[0]
			entry.Found = true
			entry.Scores = recordScores(latest)
			entry.Trend = trendTag(chronological(recs))
			entry.LastAnalyzed = store.FormatTimestamp(latest.CreatedAt)
			entry.Frameworks = q.frameworkCompliance(latest, tags)

			sums.Environmental += entry.Scores.Environmental
			sums.Social += entry.Scores.Social
			sums.Governance += entry.Scores.Governance
			sums.Overall += entry.Scores.Overall
			found++

			if entry.Scores.Overall > bestScore {
				bestScore = entry.Scores.Overall
				report.BestPerformer = name
			}
		}
		report.Companies = append(report.Companies, entry)
	}
	if found > 0 {
		n := float64(found)
		report.AverageScores = analysis.Scores{
			Environmental: round1(sums.Environmental / n),
			Social:        round1(sums.Social / n),
			Governance:    round1(sums.Governance / n),
			Overall:       round1(sums.Overall / n),
		}
	}

	q.recordQuery(ctx, userID, activity.KindBenchmark, map[string]any{
		"companies":  len(names),
		"frameworks": tags,
	})
	return report, nil
}

// Compare reports each company's latest scores and trend against a
// sector-median baseline; the baseline falls back to the global median
// when no compared company declares a sector.
func (q *Queries) Compare(ctx context.Context, userID string, tier tiers.Tier, companies []string) (*CompareReport, error) {
	names, err := cleanCompanies(companies)
	if err != nil {
		return nil, err
	}
	if _, err := q.gov.Admit(ctx, userID, tier, EndpointCompare, 0); err != nil {
		return nil, err
	}

	report := &CompareReport{Companies: make([]CompareEntry, 0, len(names))}
	sector := ""
	for _, name := range names {
		recs, err := q.reader.LatestAnalysesByCompany(ctx, name, trendPoints)
		if err != nil {
			return nil, fmt.Errorf("export: latest analyses for %s: %w", name, err)
		}
		entry := CompareEntry{Company: name}
		if len(recs) > 0 {
			latest := recs[0]
			entry.Found = true
			entry.Scores = recordScores(latest)
			entry.Trend = trendTag(chronological(recs))
			entry.Sector = latest.IndustrySector
			entry.LastAnalyzed = store.FormatTimestamp(latest.CreatedAt)
			if sector == "" {
				sector = latest.IndustrySector
			}
		}
		report.Companies = append(report.Companies, entry)
	}

	base, err := q.reader.AggregateBenchmark(ctx, nil, sector)
	if err != nil {
		return nil, fmt.Errorf("export: aggregate baseline: %w", err)
	}
	report.Baseline = CompareBaseline{
		Sector:        base.Sector,
		SampleSize:    base.SampleSize,
		Environmental: base.Environmental,
		Social:        base.Social,
		Governance:    base.Governance,
		Overall:       base.Overall,
	}

	q.recordQuery(ctx, userID, activity.KindCompare, map[string]any{"companies": len(names)})
	return report, nil
}

// frameworkCompliance pulls mandatory counts from the stored result
// document; when the snapshot will not parse, the denormalized coverage
// column still supplies the percentage.
func (q *Queries) frameworkCompliance(rec store.AnalysisRecord, tags []string) map[string]FrameworkCompliance {
	out := make(map[string]FrameworkCompliance, len(tags))
	var doc analysis.Document
	if err := json.Unmarshal(rec.Result, &doc); err != nil {
		q.log.Warn("stored analysis document unreadable", "analysis_id", rec.ID, "error", err)
		for _, tag := range tags {
			out[tag] = FrameworkCompliance{Coverage: rec.Coverage[tag]}
		}
		return out
	}
	byTag := make(map[string]compliance.Coverage, len(doc.Coverage))
	for _, cov := range doc.Coverage {
		byTag[cov.Framework] = cov
	}
	for _, tag := range tags {
		cov := byTag[tag]
		out[tag] = FrameworkCompliance{
			Coverage:       cov.CoveragePercentage,
			MandatoryMet:   cov.MandatoryMet,
			MandatoryTotal: cov.MandatoryTotal,
		}
	}
	return out
}

func (q *Queries) recordQuery(ctx context.Context, userID string, kind activity.Kind, payload map[string]any) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), activityTimeout)
	defer cancel()
	if err := q.rec.Record(rctx, activity.Event{UserID: userID, Kind: kind, Payload: payload}); err != nil {
		q.log.Warn("query activity append failed", "user_id", userID, "kind", string(kind), "error", err)
	}
}

func cleanCompanies(companies []string) ([]string, error) {
	names := make([]string, 0, len(companies))
	for _, c := range companies {
		if c = strings.TrimSpace(c); c != "" {
			names = append(names, c)
		}
	}
	if len(names) == 0 {
		return nil, &analysis.ValidationError{Field: "companies", Reason: "at least one company is required"}
	}
	if len(names) > maxCompanies {
		return nil, &analysis.ValidationError{Field: "companies", Reason: fmt.Sprintf("at most %d companies per request", maxCompanies)}
	}
	return names, nil
}

func frameworkTags(frameworks []string) ([]string, error) {
	if len(frameworks) == 0 {
		tags := make([]string, 0, len(catalog.AllFrameworks))
		for _, fw := range catalog.AllFrameworks {
			tags = append(tags, string(fw))
		}
		return tags, nil
	}
	seen := map[catalog.Framework]bool{}
	tags := make([]string, 0, len(frameworks))
	for _, raw := range frameworks {
		fw, ok := catalog.ParseFramework(strings.ToUpper(strings.TrimSpace(raw)))
		if !ok {
			return nil, &analysis.ValidationError{Field: "frameworks", Reason: fmt.Sprintf("unknown framework %q", raw)}
		}
		if !seen[fw] {
			seen[fw] = true
			tags = append(tags, string(fw))
		}
	}
	return tags, nil
}

// trendTag compares the newest of the last three points against the
// oldest of them: a swing of two or more sets the direction.
func trendTag(chronological []float64) string {
	if len(chronological) < 2 {
		return TrendStable
	}
	if len(chronological) > trendPoints {
		chronological = chronological[len(chronological)-trendPoints:]
	}
	delta := chronological[len(chronological)-1] - chronological[0]
	switch {
	case delta >= 2:
		return TrendImproving
	case delta <= -2:
		return TrendDeclining
	default:
		return TrendStable
	}
}

// chronological flips a newest-first slice into overall scores oldest
// first for trend derivation.
func chronological(recs []store.AnalysisRecord) []float64 {
	out := make([]float64, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		out = append(out, recs[i].Overall)
	}
	return out
}

func pluck(recs []store.AnalysisRecord, f func(store.AnalysisRecord) float64) []float64 {
	out := make([]float64, 0, len(recs))
	for _, rec := range recs {
		out = append(out, f(rec))
	}
	return out
}

func recordScores(rec store.AnalysisRecord) analysis.Scores {
	return analysis.Scores{
		Environmental: rec.Environmental,
		Social:        rec.Social,
		Governance:    rec.Governance,
		Overall:       rec.Overall,
	}
}

