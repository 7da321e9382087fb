package crew

import (
	"context"

	"github.com/altis0725/OKAMI/guardrail"
	"github.com/altis0725/OKAMI/memory"
)

func guardrailContextFor(task *TaskSpec, agent *AgentSpec) guardrail.Context {
	return guardrail.Context{
		TaskDescription: task.Description,
		Input:           task.Description,
		AgentName:       agent.Name,
	}
}

func correctiveHintText(v guardrail.Verdict) string {
	return guardrail.CorrectiveHint(v)
}

// guardrailParseFailureVerdict renders an output_schema validation failure
// as a guardrail-style rejection.
func guardrailParseFailureVerdict(err error) guardrail.Verdict {
	return guardrail.Verdict{
		Passed:  false,
		Reason:  "output schema validation failed",
		Details: map[string]interface{}{"error": err.Error()},
	}
}

// knowledgeGrounder adapts memory.KnowledgeStore to guardrail.KnowledgeGrounder
// so the hallucination guardrail stays dependency-free of the memory
// package.
type knowledgeGrounder struct {
	store *memory.KnowledgeStore
}

// NewKnowledgeGrounder wires a KnowledgeStore into the hallucination
// guardrail's grounding component.
func NewKnowledgeGrounder(store *memory.KnowledgeStore) guardrail.KnowledgeGrounder {
	return &knowledgeGrounder{store: store}
}

func (g *knowledgeGrounder) GroundingHits(ctx context.Context, claim string, k int) (int, error) {
	if g.store == nil {
		return 0, nil
	}
	return g.store.GroundingHits(ctx, claim, k)
}
