package catalog

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// severityRule is a compiled industry escalation rule. Rules are catalog
// data: they decide when an optional requirement becomes high (or worse)
// for a given industry sector.
type severityRule struct {
	name     string
	severity string
	program  cel.Program
}

func compileSeverityRules(rules []ruleYAML) ([]severityRule, error) {
	if len(rules) == 0 {
		return nil, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("industry", cel.StringType),
		cel.Variable("framework", cel.StringType),
		cel.Variable("requirement", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("severity rule env: %w", err)
	}

	compiled := make([]severityRule, 0, len(rules))
	for _, ry := range rules {
		if SeverityRank(ry.Severity) == 0 {
			return nil, fmt.Errorf("severity rule %q: unknown severity %q", ry.Name, ry.Severity)
		}
		ast, issues := env.Compile(ry.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("severity rule %q: %w", ry.Name, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("severity rule %q: expression must yield bool", ry.Name)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("severity rule %q: %w", ry.Name, err)
		}
		compiled = append(compiled, severityRule{name: ry.Name, severity: ry.Severity, program: prg})
	}
	return compiled, nil
}

// EscalateSeverity evaluates the industry rules for a requirement and
// returns the highest matched severity. ok is false when no rule fires
// or no industry was supplied. Rule evaluation errors are treated as
// non-matches: a broken rule must not block an analysis.
func (c *Catalog) EscalateSeverity(req *Requirement, industry string) (string, bool) {
	industry = strings.ToLower(strings.TrimSpace(industry))
	if industry == "" || len(c.rules) == 0 || req == nil {
		return "", false
	}

	keywords := make([]any, len(req.Keywords))
	for i, k := range req.Keywords {
		keywords[i] = k
	}
	input := map[string]any{
		"industry":  industry,
		"framework": string(req.Framework),
		"requirement": map[string]any{
			"id":          req.ID,
			"category":    strings.ToLower(req.Category),
			"subcategory": strings.ToLower(req.Subcategory),
			"description": strings.ToLower(req.Description),
			"keywords":    keywords,
			"mandatory":   req.Mandatory,
		},
	}

	best := ""
	for _, rule := range c.rules {
		out, _, err := rule.program.Eval(input)
		if err != nil {
			continue
		}
		matched, ok := out.Value().(bool)
		if !ok || !matched {
			continue
		}
		if SeverityRank(rule.severity) > SeverityRank(best) {
			best = rule.severity
		}
	}
	return best, best != ""
}
