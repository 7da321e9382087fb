package guardrail

import (
	"context"

	"github.com/altis0725/OKAMI/core"
)

// Pipeline runs an ordered series of Guardrails, short-circuiting on the
// first failing Verdict.
type Pipeline struct {
	guardrails []Guardrail
	logger     core.Logger
}

func NewPipeline(logger core.Logger, guardrails ...Guardrail) *Pipeline {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Pipeline{guardrails: guardrails, logger: logger}
}

// Run evaluates the guardrails in order and returns the first failing
// Verdict, or a passing one if none fails. A guardrail whose Validate call
// returns a Go error is treated as fail-open (logged, counted as passed)
// unless Strict()==true, in which case it fails closed with that error as
// the reason.
func (p *Pipeline) Run(ctx context.Context, output string, gctx Context) Verdict {
	for _, g := range p.guardrails {
		verdict, err := g.Validate(ctx, output, gctx)
		if err != nil {
			p.logger.Warn("guardrail internal error", map[string]interface{}{
				"guardrail": g.Name(),
				"error":     err.Error(),
			})
			if g.Strict() {
				return Verdict{Passed: false, Reason: g.Name() + " failed closed: " + err.Error()}
			}
			continue // fail-open: treat as passed for this guardrail
		}
		if !verdict.Passed {
			if verdict.Reason == "" {
				verdict.Reason = g.Name() + " rejected the output"
			}
			emitVerdict(g.Name(), "fail")
			return verdict
		}
		emitVerdict(g.Name(), "pass")
	}
	return Verdict{Passed: true}
}

// emitVerdict counts per-guardrail outcomes through the global registry
// seam, so the pipeline stays free of any telemetry import.
func emitVerdict(guardrail, verdict string) {
	if reg := core.GetGlobalMetricsRegistry(); reg != nil {
		reg.Counter("okami_guardrail_verdicts", "guardrail", guardrail, "verdict", verdict)
	}
}
