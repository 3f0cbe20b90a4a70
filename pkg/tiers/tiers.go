// Package tiers defines the billing tiers for the disclosure analysis
// service. Tiers map to credit grants and per-endpoint rate limits.
package tiers

// TierID identifies a billing tier.
type TierID string

const (
	TierAnonymous  TierID = "anonymous"
	TierFree       TierID = "free"
	TierStarter    TierID = "starter"
	TierGrowth     TierID = "growth"
	TierEnterprise TierID = "enterprise"
)

// Limits defines request limits for a tier. Analyze, Compare and
// Benchmark are per sliding hour; Export is per sliding day.
type Limits struct {
	AnalyzePerHour   int64
	ComparePerHour   int64
	BenchmarkPerHour int64
	ExportPerDay     int64
	// ConcurrentAnalyses bounds in-flight analyses per user.
	ConcurrentAnalyses int
}

// Tier represents a billing tier with credit grant, limits and pricing.
type Tier struct {
	ID             TierID
	Name           string
	Description    string
	MonthlyCredits int64
	Limits         Limits
	Features       []string
	PricePerMonth  int64 // cents, -1 = custom pricing
}

// All available tiers
var (
	Anonymous = Tier{
		ID:             TierAnonymous,
		Name:           "Anonymous",
		Description:    "Unauthenticated access to public endpoints only",
		MonthlyCredits: 0,
		Limits: Limits{
			AnalyzePerHour:     5,
			ComparePerHour:     5,
			BenchmarkPerHour:   5,
			ExportPerDay:       1,
			ConcurrentAnalyses: 1,
		},
		Features:      []string{"public_endpoints"},
		PricePerMonth: 0,
	}

	Free = Tier{
		ID:             TierFree,
		Name:           "Free",
		Description:    "For individuals evaluating the service",
		MonthlyCredits: 100,
		Limits: Limits{
			AnalyzePerHour:     20,
			ComparePerHour:     10,
			BenchmarkPerHour:   10,
			ExportPerDay:       5,
			ConcurrentAnalyses: 4,
		},
		Features:      []string{"analyze", "compare", "export_json"},
		PricePerMonth: 0,
	}

	Starter = Tier{
		ID:             TierStarter,
		Name:           "Starter",
		Description:    "For small sustainability teams",
		MonthlyCredits: 1000,
		Limits: Limits{
			AnalyzePerHour:     100,
			ComparePerHour:     50,
			BenchmarkPerHour:   50,
			ExportPerDay:       20,
			ConcurrentAnalyses: 4,
		},
		Features:      []string{"analyze", "compare", "benchmark", "export_json", "export_csv"},
		PricePerMonth: 2900, // $29
	}

	Growth = Tier{
		ID:             TierGrowth,
		Name:           "Growth",
		Description:    "For reporting teams with portfolio coverage",
		MonthlyCredits: 5000,
		Limits: Limits{
			AnalyzePerHour:     500,
			ComparePerHour:     200,
			BenchmarkPerHour:   200,
			ExportPerDay:       100,
			ConcurrentAnalyses: 8,
		},
		Features: []string{
			"analyze", "compare", "benchmark",
			"export_json", "export_csv",
			"priority_support",
		},
		PricePerMonth: 9900, // $99
	}

	Enterprise = Tier{
		ID:             TierEnterprise,
		Name:           "Enterprise",
		Description:    "For large organizations with assurance needs",
		MonthlyCredits: 50000,
		Limits: Limits{
			AnalyzePerHour:     2000,
			ComparePerHour:     1000,
			BenchmarkPerHour:   1000,
			ExportPerDay:       1000,
			ConcurrentAnalyses: 16,
		},
		Features: []string{
			"all",
			"sso",
			"sla",
			"dedicated_support",
			"export_archive",
		},
		PricePerMonth: -1, // custom
	}

	// AllTiers contains all available tiers
	AllTiers = map[TierID]Tier{
		TierAnonymous:  Anonymous,
		TierFree:       Free,
		TierStarter:    Starter,
		TierGrowth:     Growth,
		TierEnterprise: Enterprise,
	}
)

// Get returns a tier by ID, or nil if not found.
func Get(id TierID) *Tier {
	tier, ok := AllTiers[id]
	if !ok {
		return nil
	}
	return &tier
}

// GetOrFree returns the tier for id, falling back to Free for unknown
// ids so a stale token cannot escalate limits.
func GetOrFree(id TierID) Tier {
	if tier, ok := AllTiers[id]; ok {
		return tier
	}
	return Free
}

// HasFeature checks if a tier has a specific feature.
func (t *Tier) HasFeature(feature string) bool {
	for _, f := range t.Features {
		if f == feature || f == "all" {
			return true
		}
	}
	return false
}

// LimitFor returns the tier's limit for a rate-limited endpoint class.
// Unknown endpoints return 0 (denied); the governor treats 0 as no quota.
func (t *Tier) LimitFor(endpoint string) int64 {
	switch endpoint {
	case "analyze":
		return t.Limits.AnalyzePerHour
	case "compare":
		return t.Limits.ComparePerHour
	case "benchmark":
		return t.Limits.BenchmarkPerHour
	case "export":
		return t.Limits.ExportPerDay
	default:
		return 0
	}
}

// IsUnlimited checks if a limit is unlimited (-1).
func IsUnlimited(limit int64) bool {
	return limit < 0
}
