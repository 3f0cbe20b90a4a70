// Package compliance evaluates report text against the disclosure
// requirement catalog: which requirements are evidenced, per-framework
// coverage, the gap list with severities, and templated recommendations.
package compliance

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/esglens/esglens/pkg/catalog"
	"github.com/esglens/esglens/pkg/metrics"
)

// Match reasons on findings.
const (
	ReasonKeyword = "keyword"
	ReasonMetric  = "metric"
)

// metricFoundConfidence is the floor a standardized metric must reach
// to count as evidence for a requirement.
const metricFoundConfidence = 0.5

// Finding records one evidenced requirement.
type Finding struct {
	Framework     string   `json:"framework"`
	RequirementID string   `json:"requirement_id"`
	Reason        string   `json:"reason"`
	Evidence      string   `json:"evidence,omitempty"`
	Confidence    float64  `json:"confidence"`
	Keywords      []string `json:"keywords_matched,omitempty"`
}

// Coverage summarizes one framework.
type Coverage struct {
	Framework          string  `json:"framework"`
	RequirementsFound  int     `json:"requirements_found"`
	RequirementsTotal  int     `json:"requirements_total"`
	MandatoryMet       int     `json:"mandatory_met"`
	MandatoryTotal     int     `json:"mandatory_total"`
	CoveragePercentage float64 `json:"coverage_percentage"`
}

// Gap is a requirement the text does not evidence.
type Gap struct {
	Framework     string `json:"framework"`
	RequirementID string `json:"requirement_id"`
	Category      string `json:"category"`
	Description   string `json:"description"`
	Severity      string `json:"severity"`
}

// Report is the full compliance result for one analysis.
type Report struct {
	Findings        []Finding  `json:"requirement_findings"`
	Coverage        []Coverage `json:"framework_coverage"`
	Gaps            []Gap      `json:"gaps"`
	Recommendations []string   `json:"recommendations"`
}

// Engine evaluates text against the catalog. Safe for concurrent use:
// the catalog is read-only.
type Engine struct {
	cat *catalog.Catalog
}

func NewEngine(cat *catalog.Catalog) *Engine {
	return &Engine{cat: cat}
}

// Evaluate checks the requested frameworks (all four when none are
// named) against normalized text and the standardized metrics already
// extracted from it. A requirement is evidenced by a keyword match or
// by a metric mapped to it with confidence ≥ 0.5; the metric wins when
// both apply.
func (e *Engine) Evaluate(text string, extracted []metrics.ExtractedMetric, frameworks []catalog.Framework, industry string) Report {
	if len(frameworks) == 0 {
		frameworks = catalog.AllFrameworks
	}

	byRequirement := metricsByRequirement(extracted)

	var rep Report
	for _, fw := range frameworks {
		reqs := e.cat.Requirements(fw)

		var found, mandatoryMet, mandatoryTotal int
		for i := range reqs {
			req := &reqs[i]
			if req.Mandatory {
				mandatoryTotal++
			}

			finding, ok := evaluateRequirement(req, text, byRequirement[req.ID])
			if ok {
				found++
				if req.Mandatory {
					mandatoryMet++
				}
				rep.Findings = append(rep.Findings, finding)
				continue
			}

			rep.Gaps = append(rep.Gaps, Gap{
				Framework:     string(fw),
				RequirementID: req.ID,
				Category:      req.Category,
				Description:   req.Description,
				Severity:      e.gapSeverity(req, text, industry),
			})
		}

		total := len(reqs)
		pct := 0.0
		if total > 0 {
			pct = round1(100 * float64(found) / float64(total))
		}
		rep.Coverage = append(rep.Coverage, Coverage{
			Framework:          string(fw),
			RequirementsFound:  found,
			RequirementsTotal:  total,
			MandatoryMet:       mandatoryMet,
			MandatoryTotal:     mandatoryTotal,
			CoveragePercentage: pct,
		})
	}

	rep.Recommendations = recommendations(rep.Gaps, rep.Coverage)
	if rep.Findings == nil {
		rep.Findings = []Finding{}
	}
	if rep.Gaps == nil {
		rep.Gaps = []Gap{}
	}
	if rep.Recommendations == nil {
		rep.Recommendations = []string{}
	}
	return rep
}

// evaluateRequirement applies the found policy to one requirement.
func evaluateRequirement(req *catalog.Requirement, text string, mapped []*metrics.ExtractedMetric) (Finding, bool) {
	var best *metrics.ExtractedMetric
	for _, m := range mapped {
		if m.Confidence < metricFoundConfidence {
			continue
		}
		if best == nil || m.Confidence > best.Confidence {
			best = m
		}
	}

	matched := matchedKeywords(req, text)

	switch {
	case best != nil:
		return Finding{
			Framework:     string(req.Framework),
			RequirementID: req.ID,
			Reason:        ReasonMetric,
			Evidence:      best.Snippet,
			Confidence:    best.Confidence,
			Keywords:      matched,
		}, true
	case len(matched) > 0:
		return Finding{
			Framework:     string(req.Framework),
			RequirementID: req.ID,
			Reason:        ReasonKeyword,
			Evidence:      evidenceAround(text, matched[0]),
			Confidence:    keywordConfidence(len(matched)),
			Keywords:      matched,
		}, true
	}
	return Finding{}, false
}

// gapSeverity applies the severity ladder. Industry rules escalate any
// gap; partial keyword overlap softens only an otherwise-medium one.
func (e *Engine) gapSeverity(req *catalog.Requirement, text, industry string) string {
	severity := catalog.SeverityMedium
	if req.Mandatory {
		severity = catalog.SeverityHigh
		if req.CriticalCategory {
			severity = catalog.SeverityCritical
		}
	}

	if escalated, ok := e.cat.EscalateSeverity(req, industry); ok {
		if catalog.SeverityRank(escalated) > catalog.SeverityRank(severity) {
			severity = escalated
		}
		return severity
	}

	if severity == catalog.SeverityMedium && partialOverlap(req, text) {
		return catalog.SeverityLow
	}
	return severity
}

// matchedKeywords returns the requirement keywords present in the text,
// in catalog order.
func matchedKeywords(req *catalog.Requirement, text string) []string {
	var out []string
	for _, kw := range req.Keywords {
		if strings.Contains(text, kw) {
			out = append(out, kw)
		}
	}
	return out
}

// keywordConfidence mirrors the grading of keyword-only evidence: each
// additional matched phrase adds 0.1 on a 0.3 base, capped at 0.9.
func keywordConfidence(matched int) float64 {
	c := 0.3 + 0.1*float64(matched)
	if c > 0.9 {
		return 0.9
	}
	return round1(c)
}

// partialOverlap reports whether any standalone token (≥ 4 chars) of a
// requirement keyword appears in the text, marking topical mention
// without the full phrase.
func partialOverlap(req *catalog.Requirement, text string) bool {
	for _, kw := range req.Keywords {
		for _, tok := range strings.Fields(kw) {
			if len(tok) >= 4 && strings.Contains(text, tok) {
				return true
			}
		}
	}
	return false
}

func metricsByRequirement(extracted []metrics.ExtractedMetric) map[string][]*metrics.ExtractedMetric {
	if len(extracted) == 0 {
		return nil
	}
	out := make(map[string][]*metrics.ExtractedMetric)
	for i := range extracted {
		for _, id := range extracted[i].FrameworkMappings {
			out[id] = append(out[id], &extracted[i])
		}
	}
	return out
}

// evidenceAround excerpts ±80 chars of context around the first
// occurrence of the phrase.
func evidenceAround(text, phrase string) string {
	i := strings.Index(text, phrase)
	if i < 0 {
		return ""
	}
	lo := i - 80
	if lo < 0 {
		lo = 0
	}
	hi := i + len(phrase) + 80
	if hi > len(text) {
		hi = len(text)
	}
	if lo > 0 {
		if sp := strings.IndexByte(text[lo:i], ' '); sp >= 0 {
			lo += sp + 1
		}
	}
	if hi < len(text) {
		if sp := strings.LastIndexByte(text[i+len(phrase):hi], ' '); sp >= 0 {
			hi = i + len(phrase) + sp
		}
	}
	return strings.TrimSpace(text[lo:hi])
}

// SortGaps orders gaps by severity (critical first), then framework,
// then requirement id. Used by the gaps endpoint.
func SortGaps(gaps []Gap) {
	sort.SliceStable(gaps, func(i, j int) bool {
		if a, b := catalog.SeverityRank(gaps[i].Severity), catalog.SeverityRank(gaps[j].Severity); a != b {
			return a > b
		}
		if gaps[i].Framework != gaps[j].Framework {
			return gaps[i].Framework < gaps[j].Framework
		}
		return gaps[i].RequirementID < gaps[j].RequirementID
	})
}

// recommendations turns gaps and coverage into short directives, capped
// at ten. Wording is templated so identical inputs produce identical
// output.
func recommendations(gaps []Gap, coverage []Coverage) []string {
	var out []string

	for _, cov := range coverage {
		if cov.CoveragePercentage >= 50 {
			continue
		}
		if missing := cov.MandatoryTotal - cov.MandatoryMet; missing > 0 {
			out = append(out, fmt.Sprintf(
				"Improve %s disclosure: currently at %.1f%% coverage. Focus on %d missing mandatory requirements.",
				cov.Framework, cov.CoveragePercentage, missing))
		} else {
			out = append(out, fmt.Sprintf(
				"Improve %s disclosure: currently at %.1f%% coverage. Focus on %d missing requirements.",
				cov.Framework, cov.CoveragePercentage, cov.RequirementsTotal-cov.RequirementsFound))
		}
	}

	if cats := categoriesWithSeverity(gaps, catalog.SeverityCritical); len(cats) > 0 {
		for _, cat := range cats {
			out = append(out, fmt.Sprintf(
				"Critical gap in %s: immediate action required to meet regulatory requirements.", cat))
		}
	}

	if cats := categoriesWithSeverity(gaps, catalog.SeverityHigh); len(cats) > 0 {
		if len(cats) > 3 {
			cats = cats[:3]
		}
		out = append(out, "Priority areas for improvement: "+strings.Join(cats, ", "))
	}

	for _, cov := range coverage {
		if cov.CoveragePercentage > 80 {
			out = append(out, fmt.Sprintf(
				"Strong %s compliance (%.1f%%). Consider external verification of reported figures.",
				cov.Framework, cov.CoveragePercentage))
		}
	}

	if len(out) > 10 {
		out = out[:10]
	}
	return out
}

func categoriesWithSeverity(gaps []Gap, severity string) []string {
	seen := map[string]struct{}{}
	for _, g := range gaps {
		if g.Severity == severity {
			seen[g.Category] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for cat := range seen {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
