// Package guardrail implements the Guardrail Pipeline: an ordered
// series of output checks that gate a task's result before it is accepted,
// with a structured "corrective hint" on failure that the crew orchestrator
// feeds back into the agent's next prompt.
//
// Guardrails compose the way HTTP middleware does: an ordered sequence,
// each deciding whether evaluation continues.
package guardrail

import (
	"context"
	"fmt"
)

// Verdict is a single guardrail's (or the pipeline's aggregate) judgment on
// a task output.
type Verdict struct {
	Passed  bool
	Score   float64
	Reason  string
	Details map[string]interface{}
}

// Context carries everything a guardrail may need to judge an output. Kept
// independent of the crew package's richer task types to avoid an import
// cycle (crew depends on guardrail, not the reverse).
type Context struct {
	TaskDescription string
	Input           string
	AgentName       string
	Keywords        []string // optional precomputed task keywords for hallucination scoring
}

// Guardrail is a single pluggable check.
type Guardrail interface {
	Name() string
	// Strict guardrails fail closed: an internal error during Validate is
	// treated as a failing Verdict rather than fail-open pass.
	Strict() bool
	Validate(ctx context.Context, output string, gctx Context) (Verdict, error)
}

// CorrectiveHint renders a failing Verdict into the structured text appended
// to an agent's next prompt.
func CorrectiveHint(v Verdict) string {
	if v.Passed {
		return ""
	}
	hint := "Your previous output was rejected: " + v.Reason
	if len(v.Details) > 0 {
		hint += " (details: "
		first := true
		for k, val := range v.Details {
			if !first {
				hint += ", "
			}
			first = false
			hint += k + "=" + stringify(val)
		}
		hint += ")"
	}
	return hint
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []string:
		out := ""
		for i, s := range t {
			if i > 0 {
				out += ","
			}
			out += s
		}
		return out
	default:
		return fmt.Sprintf("%v", t)
	}
}
