// Package metrics standardizes quantitative disclosures found in report
// text. Raw (value, unit) candidates are normalized onto canonical units
// with a confidence grade, so downstream scoring and compliance checks
// compare like with like.
package metrics

import (
	"errors"
	"math"
	"strings"
)

// ErrOutOfRange marks a value the category's validity rules refuse,
// such as negative emissions.
var ErrOutOfRange = errors.New("metrics: value out of range")

// Canonical unit names.
const (
	UnitEmissions  = "tCO2e"
	UnitEnergy     = "MWh"
	UnitWater      = "m³"
	UnitPercentage = "%"
	UnitCount      = "count"
	UnitYear       = "year"
	UnitHours      = "hours"
	UnitRate       = "rate"
)

type category int

const (
	catUnknown category = iota
	catEmissions
	catEnergy
	catWater
	catMonetary
	catPercentage
	catCount
	catYear
	catHours
	catRate
)

// Candidate is a raw extraction prior to standardization. UnitHinted
// marks units supplied by a pattern hint rather than the text itself.
type Candidate struct {
	Name       string
	ValueText  string
	UnitText   string
	Snippet    string
	UnitHinted bool
}

// ExtractedMetric is a standardized quantitative disclosure.
type ExtractedMetric struct {
	Name              string   `json:"name"`
	RawValue          string   `json:"raw_value"`
	RawUnit           string   `json:"raw_unit,omitempty"`
	NormalizedValue   float64  `json:"normalized_value"`
	NormalizedUnit    string   `json:"normalized_unit,omitempty"`
	Confidence        float64  `json:"confidence"`
	Snippet           string   `json:"snippet,omitempty"`
	FrameworkMappings []string `json:"framework_mappings,omitempty"`
}

type unitEntry struct {
	canonical string
	factor    float64
	cat       category
	exact     bool
}

// unitTable keys are normalized unit tokens: lowercased, single-spaced,
// with "of" connectors dropped.
var unitTable = map[string]unitEntry{
	// Emissions, base tCO2e.
	"tco2e":          {UnitEmissions, 1, catEmissions, true},
	"tco2":           {UnitEmissions, 1, catEmissions, true},
	"ktco2e":         {UnitEmissions, 1e3, catEmissions, true},
	"mtco2e":         {UnitEmissions, 1e6, catEmissions, true},
	"kgco2e":         {UnitEmissions, 1e-3, catEmissions, true},
	"t co2e":         {UnitEmissions, 1, catEmissions, false},
	"t co2":          {UnitEmissions, 1, catEmissions, false},
	"kt co2e":        {UnitEmissions, 1e3, catEmissions, false},
	"kt co2":         {UnitEmissions, 1e3, catEmissions, false},
	"mt co2e":        {UnitEmissions, 1e6, catEmissions, false},
	"mt co2":         {UnitEmissions, 1e6, catEmissions, false},
	"kg co2e":        {UnitEmissions, 1e-3, catEmissions, false},
	"kg co2":         {UnitEmissions, 1e-3, catEmissions, false},
	"tonne co2e":     {UnitEmissions, 1, catEmissions, false},
	"tonne co2":      {UnitEmissions, 1, catEmissions, false},
	"tonnes co2e":    {UnitEmissions, 1, catEmissions, false},
	"tonnes co2":     {UnitEmissions, 1, catEmissions, false},
	"ton co2e":       {UnitEmissions, 1, catEmissions, false},
	"ton co2":        {UnitEmissions, 1, catEmissions, false},
	"tons co2e":      {UnitEmissions, 1, catEmissions, false},
	"tons co2":       {UnitEmissions, 1, catEmissions, false},
	"kilotonnes co2": {UnitEmissions, 1e3, catEmissions, false},
	"megatonnes co2": {UnitEmissions, 1e6, catEmissions, false},

	// Energy, base MWh.
	"mwh":            {UnitEnergy, 1, catEnergy, true},
	"kwh":            {UnitEnergy, 1e-3, catEnergy, true},
	"gwh":            {UnitEnergy, 1e3, catEnergy, true},
	"twh":            {UnitEnergy, 1e6, catEnergy, true},
	"gj":             {UnitEnergy, 0.2778, catEnergy, true},
	"tj":             {UnitEnergy, 277.78, catEnergy, true},
	"megawatt hours": {UnitEnergy, 1, catEnergy, false},
	"kilowatt hours": {UnitEnergy, 1e-3, catEnergy, false},
	"gigawatt hours": {UnitEnergy, 1e3, catEnergy, false},

	// Water, base m³.
	"m3":           {UnitWater, 1, catWater, true},
	"m³":           {UnitWater, 1, catWater, true},
	"cubic meters": {UnitWater, 1, catWater, false},
	"cubic metres": {UnitWater, 1, catWater, false},
	"liters":       {UnitWater, 1e-3, catWater, true},
	"litres":       {UnitWater, 1e-3, catWater, true},
	"l":            {UnitWater, 1e-3, catWater, false},
	"gallons":      {UnitWater, 3.785e-3, catWater, true},
	"megalitres":   {UnitWater, 1e3, catWater, false},
	"megaliters":   {UnitWater, 1e3, catWater, false},

	// Monetary. Pass-through with a currency annotation, no FX.
	"usd":     {"USD", 1, catMonetary, true},
	"eur":     {"EUR", 1, catMonetary, true},
	"gbp":     {"GBP", 1, catMonetary, true},
	"$":       {"USD", 1, catMonetary, false},
	"€":       {"EUR", 1, catMonetary, false},
	"£":       {"GBP", 1, catMonetary, false},
	"dollars": {"USD", 1, catMonetary, false},
	"euros":   {"EUR", 1, catMonetary, false},

	// Percentage.
	"%":        {UnitPercentage, 1, catPercentage, true},
	"percent":  {UnitPercentage, 1, catPercentage, false},
	"per cent": {UnitPercentage, 1, catPercentage, false},
	"pct":      {UnitPercentage, 1, catPercentage, false},

	// Dimensionless pass-throughs.
	"count": {UnitCount, 1, catCount, true},
	"year":  {UnitYear, 1, catYear, true},
	"hours": {UnitHours, 1, catHours, true},
	"rate":  {UnitRate, 1, catRate, true},
}

var scaleWords = map[string]float64{
	"thousand": 1e3,
	"million":  1e6,
	"billion":  1e9,
	"trillion": 1e12,
}

// Standardize normalizes one candidate. Confidence grading: 1.0 for an
// exactly recognized unit, 0.8 for a synonym, 0.6 when the unit was
// inferred from context, 0.3 when the value parsed but the unit is
// unknown. Unparsable values and out-of-range rejects return an error
// and the candidate is dropped by the caller.
func Standardize(c Candidate) (ExtractedMetric, error) {
	value, err := ParseNumber(c.ValueText)
	if err != nil {
		return ExtractedMetric{}, err
	}

	token, scale := splitScale(normalizeUnitToken(c.UnitText))

	m := ExtractedMetric{
		Name:     c.Name,
		RawValue: strings.TrimSpace(c.ValueText),
		RawUnit:  strings.TrimSpace(c.UnitText),
		Snippet:  c.Snippet,
	}

	entry, known := unitTable[token]
	switch {
	case known:
		m.NormalizedValue = value * scale * entry.factor
		m.NormalizedUnit = entry.canonical
		if c.UnitHinted {
			m.Confidence = 0.6
		} else if entry.exact {
			m.Confidence = 1.0
		} else {
			m.Confidence = 0.8
		}
	case token != "":
		m.NormalizedValue = value * scale
		m.NormalizedUnit = token
		m.Confidence = 0.3
	default:
		m.NormalizedValue = value * scale
		m.Confidence = 0.3
	}

	if err := applyCategoryRules(&m, entry.cat); err != nil {
		return ExtractedMetric{}, err
	}
	if m.Name == "" {
		m.Name = inferName(m.NormalizedUnit, m.Snippet)
	}
	return m, nil
}

// applyCategoryRules enforces per-category validity. Percentages above
// 100 are clamped at half confidence; beyond 1000 (or negative) they are
// rejected outright, as are negative physical quantities.
func applyCategoryRules(m *ExtractedMetric, cat category) error {
	switch cat {
	case catEmissions, catEnergy, catWater:
		if m.NormalizedValue < 0 {
			return ErrOutOfRange
		}
	case catPercentage:
		if m.NormalizedValue < 0 || m.NormalizedValue > 1000 {
			return ErrOutOfRange
		}
		if m.NormalizedValue > 100 {
			m.NormalizedValue = 100
			m.Confidence *= 0.5
		}
	case catCount:
		if m.NormalizedValue < 0 {
			return ErrOutOfRange
		}
		m.NormalizedValue = math.Round(m.NormalizedValue)
	}
	return nil
}

// normalizeUnitToken lowercases, collapses whitespace and drops "of"
// connectors so "Tonnes of CO2e" and "tonnes co2e" hit the same key.
func normalizeUnitToken(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,;:")
		if f == "" || f == "of" {
			continue
		}
		out = append(out, f)
	}
	return strings.Join(out, " ")
}

// splitScale strips a leading or trailing scale word ("million m3",
// "usd billion") and returns the multiplier.
func splitScale(token string) (string, float64) {
	fields := strings.Fields(token)
	scale := 1.0
	if len(fields) > 0 {
		if f, ok := scaleWords[fields[0]]; ok {
			scale *= f
			fields = fields[1:]
		}
	}
	if len(fields) > 0 {
		if f, ok := scaleWords[fields[len(fields)-1]]; ok {
			scale *= f
			fields = fields[:len(fields)-1]
		}
	}
	return strings.Join(fields, " "), scale
}

// inferName labels a metric from its unit and surrounding text. Labels
// are stable: history and benchmark queries group by them.
func inferName(unit, snippet string) string {
	s := strings.ToLower(snippet)
	switch unit {
	case UnitEmissions:
		switch {
		case strings.Contains(s, "scope 1"):
			return "scope1_emissions"
		case strings.Contains(s, "scope 2"):
			return "scope2_emissions"
		case strings.Contains(s, "scope 3"):
			return "scope3_emissions"
		}
		return "carbon_emissions"
	case UnitEnergy:
		return "energy_consumption"
	case UnitWater:
		return "water_usage"
	case UnitPercentage:
		switch {
		case strings.Contains(s, "emission") && containsAny(s, "reduc", "cut", "decreas", "lower"):
			return "emissions_reduction"
		case strings.Contains(s, "board"):
			return "board_diversity"
		case strings.Contains(s, "women") || strings.Contains(s, "diversity"):
			return "workforce_diversity"
		case strings.Contains(s, "renewable"):
			return "renewable_energy_share"
		case strings.Contains(s, "turnover"):
			return "employee_turnover"
		case strings.Contains(s, "recycl"):
			return "recycling_rate"
		case strings.Contains(s, "retention"):
			return "employee_retention"
		}
		return "percentage"
	case UnitYear:
		return "target_year"
	case UnitHours:
		return "training_hours"
	case UnitRate:
		return "injury_rate"
	case UnitCount:
		switch {
		case strings.Contains(s, "employee"):
			return "workforce_size"
		case strings.Contains(s, "supplier"):
			return "supplier_count"
		case strings.Contains(s, "incident") || strings.Contains(s, "safety"):
			return "incident_count"
		}
		return "count"
	case "USD", "EUR", "GBP":
		return "monetary_value"
	}
	return "unclassified"
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
