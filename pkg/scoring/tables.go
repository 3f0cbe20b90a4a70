package scoring

// Pillar names as they appear on the wire.
const (
	PillarEnvironmental = "environmental"
	PillarSocial        = "social"
	PillarGovernance    = "governance"
)

// Per-pillar raw-score caps. A pillar reaching its cap scores 100; the
// caps differ because the vocabularies differ in size and specificity.
const (
	capEnvironmental = 40.0
	capSocial        = 35.0
	capGovernance    = 30.0
)

const (
	weightDefault  = 1.0
	weightCritical = 2.0
)

// Keyword vocabularies. Phrases are matched whole-word against
// normalized text; domain-critical disclosure terms carry double weight.
var (
	environmentalKeywords = weighted(
		[]string{
			"carbon neutral", "net zero", "renewable energy",
			"science-based targets", "scope 1", "scope 2", "scope 3",
			"transition plan", "double materiality", "scenario analysis",
			"physical risk", "transition risk", "taxonomy alignment",
			"1.5 degree",
		},
		[]string{
			"emissions", "climate", "sustainability", "recycling",
			"environment", "green", "eco", "conservation", "biodiversity",
			"circular economy", "energy efficiency", "waste",
			"deforestation", "pollution", "climate scenario",
			"climate opportunity", "environmental management",
		},
	)

	socialKeywords = weighted(
		[]string{
			"human rights", "diversity equity inclusion",
			"employee wellbeing", "collective bargaining", "due diligence",
			"health and safety",
		},
		[]string{
			"diversity", "safety", "community", "training", "social",
			"employee", "workplace", "engagement", "inclusion", "wellbeing",
			"stakeholder engagement", "local communities",
			"customer welfare", "data protection", "human capital",
			"consumer safety", "value chain workers", "affected communities",
			"gdpr", "material topics",
		},
	)

	governanceKeywords = weighted(
		[]string{
			"board independence", "executive compensation",
			"audit committee", "board diversity", "anti-corruption",
			"whistleblower protection", "climate governance",
			"board oversight",
		},
		[]string{
			"governance", "ethics", "compliance", "transparency", "board",
			"management", "oversight", "control", "remuneration policy",
			"business conduct", "risk committee",
			"sustainability governance", "lobbying", "code of conduct",
			"internal audit",
		},
	)
)

func weighted(critical, standard []string) map[string]float64 {
	out := make(map[string]float64, len(critical)+len(standard))
	for _, p := range critical {
		out[p] = weightCritical
	}
	for _, p := range standard {
		out[p] = weightDefault
	}
	return out
}

type pillar struct {
	name     string
	cap      float64
	keywords map[string]float64
}

var pillars = []pillar{
	{PillarEnvironmental, capEnvironmental, environmentalKeywords},
	{PillarSocial, capSocial, socialKeywords},
	{PillarGovernance, capGovernance, governanceKeywords},
}
