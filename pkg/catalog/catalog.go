// Package catalog holds the versioned registry of disclosure frameworks
// and their requirements. The catalog is loaded once at startup from an
// embedded document, validated, and read-only thereafter.
package catalog

import (
	"regexp"
	"sort"
)

// Framework tags a reporting framework.
type Framework string

const (
	FrameworkCSRD Framework = "CSRD"
	FrameworkGRI  Framework = "GRI"
	FrameworkSASB Framework = "SASB"
	FrameworkTCFD Framework = "TCFD"
)

// AllFrameworks lists the supported frameworks in canonical order.
var AllFrameworks = []Framework{FrameworkCSRD, FrameworkGRI, FrameworkSASB, FrameworkTCFD}

// ParseFramework maps a wire tag to a Framework, reporting whether it
// is one of the supported four.
func ParseFramework(s string) (Framework, bool) {
	switch Framework(s) {
	case FrameworkCSRD, FrameworkGRI, FrameworkSASB, FrameworkTCFD:
		return Framework(s), true
	}
	return "", false
}

// Severity levels for gaps, ordered low to critical.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// SeverityRank orders severities for sorting; unknown ranks lowest.
func SeverityRank(s string) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// MetricPattern is a compiled extraction template. Group 1 captures the
// numeric token; group 2, when present, captures the unit token. When
// the pattern has no unit group, UnitHint supplies the unit.
type MetricPattern struct {
	Pattern  string
	UnitHint string

	re *regexp.Regexp
}

// Regexp returns the compiled case-insensitive pattern.
func (p *MetricPattern) Regexp() *regexp.Regexp { return p.re }

// Requirement is a single disclosure requirement within a framework.
type Requirement struct {
	ID               string
	Framework        Framework
	Category         string // Environmental | Social | Governance
	Subcategory      string
	Description      string
	Keywords         []string
	Mandatory        bool
	CriticalCategory bool
	DefaultSeverity  string
	MetricPatterns   []MetricPattern
}

// FrameworkSummary describes one framework for the catalog endpoint.
type FrameworkSummary struct {
	Name       string   `json:"name"`
	Total      int      `json:"total"`
	Mandatory  int      `json:"mandatory"`
	Categories []string `json:"categories"`
}

// Catalog is the immutable in-memory registry.
type Catalog struct {
	version      string
	requirements map[Framework][]Requirement
	byID         map[Framework]map[string]*Requirement
	rules        []severityRule
}

// Version returns the catalog's semantic version string.
func (c *Catalog) Version() string { return c.version }

// Frameworks returns the populated frameworks in canonical order.
func (c *Catalog) Frameworks() []Framework {
	out := make([]Framework, 0, len(c.requirements))
	for _, fw := range AllFrameworks {
		if _, ok := c.requirements[fw]; ok {
			out = append(out, fw)
		}
	}
	return out
}

// Requirements returns the requirements of a framework in catalog order.
// The returned slice must not be mutated.
func (c *Catalog) Requirements(fw Framework) []Requirement {
	return c.requirements[fw]
}

// Get looks up a requirement by framework and id.
func (c *Catalog) Get(fw Framework, id string) (*Requirement, bool) {
	reqs, ok := c.byID[fw]
	if !ok {
		return nil, false
	}
	req, ok := reqs[id]
	return req, ok
}

// TotalRequirements counts requirements across all frameworks.
func (c *Catalog) TotalRequirements() int {
	n := 0
	for _, reqs := range c.requirements {
		n += len(reqs)
	}
	return n
}

// Summary builds the per-framework summaries served by GET /frameworks.
// Identical inputs yield byte-identical output: categories are sorted.
func (c *Catalog) Summary() map[string]FrameworkSummary {
	out := make(map[string]FrameworkSummary, len(c.requirements))
	for fw, reqs := range c.requirements {
		mandatory := 0
		catSet := map[string]struct{}{}
		for _, r := range reqs {
			if r.Mandatory {
				mandatory++
			}
			catSet[r.Category] = struct{}{}
		}
		cats := make([]string, 0, len(catSet))
		for cat := range catSet {
			cats = append(cats, cat)
		}
		sort.Strings(cats)
		out[string(fw)] = FrameworkSummary{
			Name:       string(fw),
			Total:      len(reqs),
			Mandatory:  mandatory,
			Categories: cats,
		}
	}
	return out
}
