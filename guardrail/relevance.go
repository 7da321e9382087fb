package guardrail

import (
	"context"
	"math"

	"github.com/altis0725/OKAMI/ai"
	"github.com/altis0725/OKAMI/core"
)

// RelevanceGuardrail rejects an output whose embedding similarity to the
// task description falls below MinRelevance. An embedding failure is
// fail-open by this guardrail's own contract, independent of Strict: it
// passes rather than vetoing.
type RelevanceGuardrail struct {
	Embedder     ai.Embedder
	MinRelevance float64
	StrictCheck  bool
}

func NewRelevanceGuardrail(embedder ai.Embedder, minRelevance float64) *RelevanceGuardrail {
	if minRelevance == 0 {
		minRelevance = core.DefaultMinRelevance
	}
	return &RelevanceGuardrail{Embedder: embedder, MinRelevance: minRelevance}
}

func (g *RelevanceGuardrail) Name() string { return "relevance" }
func (g *RelevanceGuardrail) Strict() bool { return g.StrictCheck }

func (g *RelevanceGuardrail) Validate(ctx context.Context, output string, gctx Context) (Verdict, error) {
	taskVec, err := g.Embedder.Embed(ctx, gctx.TaskDescription)
	if err != nil {
		return Verdict{Passed: true, Reason: "relevance check skipped: embedding failed"}, nil
	}
	outVec, err := g.Embedder.Embed(ctx, output)
	if err != nil {
		return Verdict{Passed: true, Reason: "relevance check skipped: embedding failed"}, nil
	}
	score := cosine(taskVec, outVec)
	if score < g.MinRelevance {
		return Verdict{Passed: false, Score: score, Reason: "output is not relevant to the task", Details: map[string]interface{}{
			"score": score, "min_relevance": g.MinRelevance,
		}}, nil
	}
	return Verdict{Passed: true, Score: score}, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
