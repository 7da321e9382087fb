package crew

import (
	"context"
	"fmt"

	"github.com/altis0725/OKAMI/ai"
	"github.com/altis0725/OKAMI/core"
)

// runHierarchical drives the hierarchical process: a single main task is
// injected as the root and driven by the manager agent, which emits
// delegate tool calls the orchestrator resolves synchronously via
// dispatchTool/delegate. The runtime executor set contains the manager
// exactly once (executeTask falls back to compiled.Manager when a task's
// AgentRef is empty) even though the compiled agents list excludes it.
func (o *Orchestrator) runHierarchical(ctx context.Context, runID string, compiled *CompiledCrew, inputs map[string]interface{}, trace *ExecutionTrace) (string, []ExecutionStep, ai.TokenUsage, error) {
	description, _ := inputs["task"].(string)
	if description == "" {
		return "", nil, ai.TokenUsage{}, fmt.Errorf("%w: hierarchical crew requires inputs[\"task\"]", core.ErrInvalidConfiguration)
	}
	expected, _ := inputs["expected_output"].(string)

	mainTask := &TaskSpec{
		Name:           "main",
		Description:    description,
		ExpectedOutput: expected,
	}

	taskCtx, cancel := context.WithTimeout(ctx, o.config.TaskTimeout)
	defer cancel()

	var usage ai.TokenUsage
	var childSteps []ExecutionStep
	step, err := o.executeTask(taskCtx, runID, compiled, mainTask, nil, 0, &usage, &childSteps)

	steps := append(childSteps, step)
	return step.RawOutput, steps, usage, err
}
