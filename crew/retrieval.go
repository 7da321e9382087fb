package crew

import (
	"context"

	"github.com/altis0725/OKAMI/core"
	"github.com/altis0725/OKAMI/memory"
)

// retrievalContext composes the retrieval-augmented context block of a task
// prompt: the short-term memory block (recency ring plus semantic hits) and
// any knowledge_refs-scoped search hits declared on the agent.
func (o *Orchestrator) retrievalContext(ctx context.Context, runID string, agent *AgentSpec, task *TaskSpec) []string {
	var out []string

	if o.memoryStore != nil && agent.MemoryEnabled {
		records, err := o.memoryStore.ShortTermContext(ctx, runID, task.Description)
		if err != nil {
			o.logger.Warn("short-term retrieval failed", map[string]interface{}{
				"error": err.Error(), "run_id": runID, "agent": agent.Name,
			})
		}
		for _, r := range records {
			out = append(out, r.Content)
		}
	}

	if o.knowledgeStore != nil {
		for _, ref := range agent.KnowledgeRefs {
			query := ref.Query
			if query == "" {
				query = task.Description
			}
			hits, err := o.knowledgeStore.Search(ctx, query, core.DefaultSemanticTopK, memory.Category(ref.Category))
			if err != nil {
				o.logger.Warn("knowledge retrieval failed", map[string]interface{}{
					"error": err.Error(), "category": ref.Category, "agent": agent.Name,
				})
				continue
			}
			for _, h := range hits {
				out = append(out, h.Content)
			}
		}
	}

	return out
}
