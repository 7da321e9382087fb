package guardrail

import (
	"context"
	"strings"
)

// QualityGuardrail rejects trivially short outputs, unbalanced code fences,
// or an output that merely echoes the input.
type QualityGuardrail struct {
	MinChars    int
	StrictCheck bool
}

func NewQualityGuardrail(minChars int) *QualityGuardrail {
	if minChars <= 0 {
		minChars = 20
	}
	return &QualityGuardrail{MinChars: minChars}
}

func (g *QualityGuardrail) Name() string { return "quality" }
func (g *QualityGuardrail) Strict() bool { return g.StrictCheck }

func (g *QualityGuardrail) Validate(ctx context.Context, output string, gctx Context) (Verdict, error) {
	trimmed := strings.TrimSpace(output)
	if len(trimmed) < g.MinChars {
		return Verdict{Passed: false, Reason: "output is too short to be useful", Details: map[string]interface{}{
			"length": len(trimmed), "min_chars": g.MinChars,
		}}, nil
	}
	if strings.Count(output, "```")%2 != 0 {
		return Verdict{Passed: false, Reason: "output has an unbalanced code fence"}, nil
	}
	if gctx.Input != "" && trimmed == strings.TrimSpace(gctx.Input) {
		return Verdict{Passed: false, Reason: "output echoes the input verbatim"}, nil
	}
	return Verdict{Passed: true}, nil
}
