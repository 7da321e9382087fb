package guardrail

import (
	"context"
	"regexp"
)

// SafetyGuardrail rejects output matching a configured prohibited-patterns
// set; a separate sensitive-topics set only annotates details.warnings
// without failing.
type SafetyGuardrail struct {
	Prohibited      []*regexp.Regexp
	SensitiveTopics []*regexp.Regexp
	StrictCheck     bool
}

func NewSafetyGuardrail(prohibited, sensitive []string) (*SafetyGuardrail, error) {
	g := &SafetyGuardrail{StrictCheck: true} // safety fails closed by default
	for _, pattern := range prohibited {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, err
		}
		g.Prohibited = append(g.Prohibited, re)
	}
	for _, pattern := range sensitive {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, err
		}
		g.SensitiveTopics = append(g.SensitiveTopics, re)
	}
	return g, nil
}

func (g *SafetyGuardrail) Name() string { return "safety" }
func (g *SafetyGuardrail) Strict() bool { return g.StrictCheck }

func (g *SafetyGuardrail) Validate(ctx context.Context, output string, gctx Context) (Verdict, error) {
	for _, re := range g.Prohibited {
		if re.MatchString(output) {
			return Verdict{Passed: false, Reason: "output matched a prohibited pattern", Details: map[string]interface{}{
				"pattern": re.String(),
			}}, nil
		}
	}
	var warnings []string
	for _, re := range g.SensitiveTopics {
		if re.MatchString(output) {
			warnings = append(warnings, re.String())
		}
	}
	verdict := Verdict{Passed: true}
	if len(warnings) > 0 {
		verdict.Details = map[string]interface{}{"warnings": warnings}
	}
	return verdict, nil
}
