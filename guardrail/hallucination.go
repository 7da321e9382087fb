package guardrail

import (
	"context"
	"regexp"
	"strings"

	"github.com/altis0725/OKAMI/core"
)

// KnowledgeGrounder is the narrow slice of KnowledgeStore the hallucination
// guardrail needs: does the corpus have anything that backs this output.
// Declared here (not imported from memory) to keep guardrail dependency-free
// of the memory package; crew wires a concrete adapter at construction time.
type KnowledgeGrounder interface {
	GroundingHits(ctx context.Context, claim string, k int) (int, error)
}

// HallucinationGuardrail rejects output below a composite score built from
// lexical overlap with task keywords plus optional knowledge-grounding
// hits.
type HallucinationGuardrail struct {
	Grounder    KnowledgeGrounder // nil disables the grounding component
	Threshold   float64
	StrictCheck bool
}

func NewHallucinationGuardrail(grounder KnowledgeGrounder, threshold float64) *HallucinationGuardrail {
	if threshold == 0 {
		threshold = core.DefaultHallucinationThreshold
	}
	return &HallucinationGuardrail{Grounder: grounder, Threshold: threshold}
}

func (g *HallucinationGuardrail) Name() string { return "hallucination" }
func (g *HallucinationGuardrail) Strict() bool { return g.StrictCheck }

var wordPattern = regexp.MustCompile(`[a-zA-Z0-9]+`)

func tokenize(text string) map[string]bool {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		if len(w) > 2 {
			set[w] = true
		}
	}
	return set
}

func lexicalOverlap(keywords map[string]bool, output map[string]bool) float64 {
	if len(keywords) == 0 {
		return 1 // nothing to check against; don't penalize
	}
	hits := 0
	for k := range keywords {
		if output[k] {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

func (g *HallucinationGuardrail) Validate(ctx context.Context, output string, gctx Context) (Verdict, error) {
	keywords := make(map[string]bool)
	if len(gctx.Keywords) > 0 {
		for _, k := range gctx.Keywords {
			keywords[strings.ToLower(k)] = true
		}
	} else {
		keywords = tokenize(gctx.TaskDescription)
	}
	overlap := lexicalOverlap(keywords, tokenize(output))

	score := overlap
	details := map[string]interface{}{"lexical_overlap": overlap}

	if g.Grounder != nil {
		hits, err := g.Grounder.GroundingHits(ctx, output, 3)
		if err != nil {
			return Verdict{Passed: true, Reason: "hallucination check skipped: grounding lookup failed"}, nil
		}
		groundingScore := 0.0
		if hits > 0 {
			groundingScore = 1
		}
		score = (overlap + groundingScore) / 2
		details["grounding_hits"] = hits
	}

	if score < g.Threshold {
		return Verdict{Passed: false, Score: score, Reason: "output failed the hallucination/factuality check", Details: details}, nil
	}
	return Verdict{Passed: true, Score: score, Details: details}, nil
}
