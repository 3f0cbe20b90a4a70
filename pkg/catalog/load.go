package catalog

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed data/catalog.yaml
var catalogYAML []byte

//go:embed data/catalog.schema.json
var catalogSchema []byte

// minVersion is the oldest catalog document this build understands.
const minVersion = "1.0.0"

type documentYAML struct {
	Version    string          `yaml:"version"`
	Frameworks []frameworkYAML `yaml:"frameworks"`
	Rules      []ruleYAML      `yaml:"severity_rules"`
}

type frameworkYAML struct {
	Name         string            `yaml:"name"`
	Requirements []requirementYAML `yaml:"requirements"`
}

type requirementYAML struct {
	ID               string        `yaml:"id"`
	Category         string        `yaml:"category"`
	Subcategory      string        `yaml:"subcategory"`
	Description      string        `yaml:"description"`
	Keywords         []string      `yaml:"keywords"`
	Mandatory        bool          `yaml:"mandatory"`
	CriticalCategory bool          `yaml:"critical_category"`
	MetricPatterns   []patternYAML `yaml:"metric_patterns"`
}

type patternYAML struct {
	Pattern  string `yaml:"pattern"`
	UnitHint string `yaml:"unit_hint"`
}

type ruleYAML struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
	Severity   string `yaml:"severity"`
}

// Load parses, validates and compiles the embedded catalog document.
// Any failure here is fatal at startup: a corrupt catalog must never serve.
func Load() (*Catalog, error) {
	return LoadBytes(catalogYAML)
}

// LoadBytes builds a catalog from a YAML document. Exposed for tests.
func LoadBytes(raw []byte) (*Catalog, error) {
	if err := validateSchema(raw); err != nil {
		return nil, fmt.Errorf("catalog schema: %w", err)
	}

	var doc documentYAML
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("catalog decode: %w", err)
	}

	ver, err := semver.NewVersion(doc.Version)
	if err != nil {
		return nil, fmt.Errorf("catalog version %q: %w", doc.Version, err)
	}
	floor := semver.MustParse(minVersion)
	if ver.LessThan(floor) {
		return nil, fmt.Errorf("catalog version %s is older than supported %s", ver, floor)
	}

	cat := &Catalog{
		version:      ver.String(),
		requirements: make(map[Framework][]Requirement, len(doc.Frameworks)),
		byID:         make(map[Framework]map[string]*Requirement, len(doc.Frameworks)),
	}

	for _, fy := range doc.Frameworks {
		fw, ok := ParseFramework(fy.Name)
		if !ok {
			return nil, fmt.Errorf("unknown framework %q", fy.Name)
		}
		if _, dup := cat.requirements[fw]; dup {
			return nil, fmt.Errorf("framework %s listed twice", fw)
		}

		reqs := make([]Requirement, 0, len(fy.Requirements))
		index := make(map[string]*Requirement, len(fy.Requirements))
		for _, ry := range fy.Requirements {
			req, err := buildRequirement(fw, ry)
			if err != nil {
				return nil, err
			}
			if _, dup := index[req.ID]; dup {
				return nil, fmt.Errorf("%s: duplicate requirement id %s", fw, req.ID)
			}
			reqs = append(reqs, req)
		}
		for i := range reqs {
			index[reqs[i].ID] = &reqs[i]
		}
		cat.requirements[fw] = reqs
		cat.byID[fw] = index
	}

	for _, fw := range AllFrameworks {
		if len(cat.requirements[fw]) == 0 {
			return nil, fmt.Errorf("framework %s has no requirements", fw)
		}
	}

	rules, err := compileSeverityRules(doc.Rules)
	if err != nil {
		return nil, err
	}
	cat.rules = rules

	return cat, nil
}

func buildRequirement(fw Framework, ry requirementYAML) (Requirement, error) {
	if len(ry.Keywords) < 3 {
		return Requirement{}, fmt.Errorf("%s %s: needs at least 3 keywords, has %d", fw, ry.ID, len(ry.Keywords))
	}

	keywords := make([]string, len(ry.Keywords))
	for i, k := range ry.Keywords {
		keywords[i] = strings.ToLower(strings.TrimSpace(k))
	}

	patterns := make([]MetricPattern, 0, len(ry.MetricPatterns))
	for _, py := range ry.MetricPatterns {
		re, err := regexp.Compile("(?i)" + py.Pattern)
		if err != nil {
			return Requirement{}, fmt.Errorf("%s %s: pattern %q: %w", fw, ry.ID, py.Pattern, err)
		}
		if re.NumSubexp() < 1 {
			return Requirement{}, fmt.Errorf("%s %s: pattern %q captures no value group", fw, ry.ID, py.Pattern)
		}
		patterns = append(patterns, MetricPattern{Pattern: py.Pattern, UnitHint: py.UnitHint, re: re})
	}

	severity := SeverityMedium
	if ry.Mandatory {
		severity = SeverityHigh
		if ry.CriticalCategory {
			severity = SeverityCritical
		}
	}

	return Requirement{
		ID:               ry.ID,
		Framework:        fw,
		Category:         ry.Category,
		Subcategory:      ry.Subcategory,
		Description:      ry.Description,
		Keywords:         keywords,
		Mandatory:        ry.Mandatory,
		CriticalCategory: ry.CriticalCategory,
		DefaultSeverity:  severity,
		MetricPatterns:   patterns,
	}, nil
}

// validateSchema checks the YAML document against the embedded JSON
// Schema (draft 2020-12). YAML is bridged through JSON so the validator
// sees plain maps and slices.
func validateSchema(raw []byte) error {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("yaml parse: %w", err)
	}
	jsonBytes, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("json bridge: %w", err)
	}
	var instance any
	if err := json.Unmarshal(jsonBytes, &instance); err != nil {
		return fmt.Errorf("json bridge decode: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	const schemaURL = "https://esglens.io/schemas/catalog.schema.json"
	if err := compiler.AddResource(schemaURL, bytes.NewReader(catalogSchema)); err != nil {
		return fmt.Errorf("schema load: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("schema compile: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	return nil
}
