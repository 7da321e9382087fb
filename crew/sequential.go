package crew

import (
	"context"
	"errors"
	"sync"

	"github.com/altis0725/OKAMI/ai"
	"github.com/altis0725/OKAMI/core"
)

// runSequential drives the sequential process: tasks execute in
// compiled.Order (a topological sort over ContextRefs). Tasks with
// async=true run concurrently with any immediately-following async tasks
// whose dependencies are already satisfied; everything else runs strictly
// serially. A task's context_refs outputs are visible and stable before it
// starts.
func (o *Orchestrator) runSequential(ctx context.Context, runID string, compiled *CompiledCrew, trace *ExecutionTrace) (string, []ExecutionStep, ai.TokenUsage, error) {
	outputs := make(map[string]string, len(compiled.Order))
	var steps []ExecutionStep
	var usage ai.TokenUsage
	var finalOutput string

	// A guardrail-exhausted task records final_verdict=fail and the crew
	// proceeds; only unrecoverable runtime errors abort the sequential run.
	var guardrailFailure error

	i := 0
	for i < len(compiled.Order) {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return finalOutput, steps, usage, core.ErrDeadlineExceeded
			}
			return finalOutput, steps, usage, core.ErrCancelled
		}

		name := compiled.Order[i]
		task := compiled.Tasks[name]

		if !task.Async {
			step, children, taskUsage, err := o.runOneSequentialTask(ctx, runID, compiled, task, outputs)
			steps = append(steps, children...)
			steps = append(steps, step)
			outputs[name] = step.RawOutput
			finalOutput = step.RawOutput
			usage.PromptTokens += taskUsage.PromptTokens
			usage.CompletionTokens += taskUsage.CompletionTokens
			usage.TotalTokens += taskUsage.TotalTokens
			if err != nil {
				if !errors.Is(err, core.ErrGuardrailRejected) {
					return finalOutput, steps, usage, err
				}
				guardrailFailure = err
			}
			i++
			continue
		}

		batch := []string{name}
		for j := i + 1; j < len(compiled.Order); j++ {
			next := compiled.Tasks[compiled.Order[j]]
			if !next.Async || !depsSatisfied(next, outputs) {
				break
			}
			batch = append(batch, compiled.Order[j])
		}

		batchSteps := make([]ExecutionStep, len(batch))
		batchChildren := make([][]ExecutionStep, len(batch))
		batchUsage := make([]ai.TokenUsage, len(batch))
		batchErrs := make([]error, len(batch))
		var wg sync.WaitGroup
		for bi, taskName := range batch {
			wg.Add(1)
			go func(bi int, taskName string) {
				defer wg.Done()
				t := compiled.Tasks[taskName]
				batchSteps[bi], batchChildren[bi], batchUsage[bi], batchErrs[bi] = o.runOneSequentialTask(ctx, runID, compiled, t, outputs)
			}(bi, taskName)
		}
		wg.Wait()

		var batchErr error
		for bi, taskName := range batch {
			steps = append(steps, batchChildren[bi]...)
			steps = append(steps, batchSteps[bi])
			outputs[taskName] = batchSteps[bi].RawOutput
			finalOutput = batchSteps[bi].RawOutput
			usage.PromptTokens += batchUsage[bi].PromptTokens
			usage.CompletionTokens += batchUsage[bi].CompletionTokens
			usage.TotalTokens += batchUsage[bi].TotalTokens
			if err := batchErrs[bi]; err != nil {
				if errors.Is(err, core.ErrGuardrailRejected) {
					guardrailFailure = err
				} else if batchErr == nil {
					batchErr = err
				}
			}
		}
		if batchErr != nil {
			return finalOutput, steps, usage, batchErr
		}
		i += len(batch)
	}
	return finalOutput, steps, usage, guardrailFailure
}

// runOneSequentialTask bounds a single task by the configured task timeout;
// the effective deadline is the earlier of the request deadline and the
// task timeout since a context.WithTimeout child never outlives its parent.
func (o *Orchestrator) runOneSequentialTask(ctx context.Context, runID string, compiled *CompiledCrew, task *TaskSpec, outputs map[string]string) (ExecutionStep, []ExecutionStep, ai.TokenUsage, error) {
	taskCtx, cancel := context.WithTimeout(ctx, o.config.TaskTimeout)
	defer cancel()

	var usage ai.TokenUsage
	var childSteps []ExecutionStep
	step, err := o.executeTask(taskCtx, runID, compiled, task, dependencyOutputs(task, outputs), 0, &usage, &childSteps)
	return step, childSteps, usage, err
}

// dependencyOutputs returns the final outputs of task's context_refs in the
// declared order.
func dependencyOutputs(task *TaskSpec, outputs map[string]string) []string {
	out := make([]string, 0, len(task.ContextRefs))
	for _, dep := range task.ContextRefs {
		out = append(out, outputs[dep])
	}
	return out
}

func depsSatisfied(task *TaskSpec, outputs map[string]string) bool {
	for _, dep := range task.ContextRefs {
		if _, ok := outputs[dep]; !ok {
			return false
		}
	}
	return true
}
