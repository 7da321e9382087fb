package crew

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/altis0725/OKAMI/ai"
	"github.com/altis0725/OKAMI/core"
	"github.com/altis0725/OKAMI/resilience"
)

// executeTask runs the per-task loop: build prompt, call the
// completer, dispatch tool calls bounded by max_iter, run guardrails, retry
// with a corrective hint up to max_retries. usage accumulates token
// accounting across this call and any delegated children; childSteps
// accumulates ExecutionSteps produced by delegation so the caller can
// splice them into the trace.
func (o *Orchestrator) executeTask(ctx context.Context, runID string, compiled *CompiledCrew, task *TaskSpec, depOutputs []string, depth int, usage *ai.TokenUsage, childSteps *[]ExecutionStep) (ExecutionStep, error) {
	start := time.Now()
	agent := compiled.Agents[task.AgentRef]
	if agent == nil {
		agent = compiled.Manager
	}
	step := ExecutionStep{TaskName: task.Name, AgentName: agent.Name}

	ctx, span := o.telemetry.StartSpan(ctx, "crew.task")
	span.SetAttribute("task.name", task.Name)
	span.SetAttribute("task.agent", agent.Name)
	span.SetAttribute("task.depth", depth)
	defer span.End()

	if err := ctx.Err(); err != nil {
		step.Error = core.ErrCancelled.Error()
		step.FinalVerdict = VerdictFail
		step.Duration = time.Since(start)
		return step, fmt.Errorf("%w", core.ErrCancelled)
	}

	if err := o.rateLimiter.Allow(ctx, agent.Name, agent.MaxRPM, o.config.RPMWaitBudget); err != nil {
		step.Error = err.Error()
		step.FinalVerdict = VerdictFail
		step.Duration = time.Since(start)
		return step, err
	}

	retrieval := o.retrievalContext(ctx, runID, agent, task)
	toolNames := mergedToolNames(agent, task)
	pipeline := o.pipelineFor(task.GuardrailRefs)

	maxAttempts := task.MaxRetries + 1
	var correctiveHint string

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		step.Attempts = attempt
		prompt := buildPrompt(agent, task, depOutputs, retrieval, toolNames, correctiveHint, nil)

		rawOutput, toolCalls, maxIterErr := o.runCompletionLoop(ctx, agent, task, compiled, runID, depth, &prompt, usage, childSteps)
		step.ToolCalls = append(step.ToolCalls, toolCalls...)
		if maxIterErr != nil {
			step.Error = maxIterErr.Error()
			step.FinalVerdict = VerdictFail
			step.Duration = time.Since(start)
			return step, maxIterErr
		}

		step.RawOutput = rawOutput

		if task.OutputSchema != nil {
			if err := validateSchema(task.OutputSchema, rawOutput); err != nil {
				verdict := guardrailParseFailureVerdict(err)
				step.GuardrailVerdicts = append(step.GuardrailVerdicts, verdict)
				if attempt < maxAttempts {
					correctiveHint = "Your previous output did not satisfy the required schema: " + err.Error()
					continue
				}
				step.FinalVerdict = VerdictFail
				step.Duration = time.Since(start)
				return step, fmt.Errorf("%w: %v", core.ErrGuardrailRejected, err)
			}
		}

		gctx := guardrailContextFor(task, agent)
		verdict := pipeline.Run(ctx, rawOutput, gctx)
		step.GuardrailVerdicts = append(step.GuardrailVerdicts, verdict)

		if verdict.Passed {
			step.FinalVerdict = VerdictPass
			step.Duration = time.Since(start)
			if o.memoryStore != nil && agent.MemoryEnabled {
				_, _ = o.memoryStore.SaveShortTerm(ctx, runID, rawOutput, map[string]interface{}{
					"agent_name": agent.Name, "task_name": task.Name,
				})
			}
			return step, nil
		}

		if attempt < maxAttempts {
			correctiveHint = correctiveHintText(verdict)
			continue
		}
		step.FinalVerdict = VerdictFail
		step.Duration = time.Since(start)
		return step, fmt.Errorf("%w: %s", core.ErrGuardrailRejected, verdict.Reason)
	}

	step.FinalVerdict = VerdictFail
	step.Duration = time.Since(start)
	return step, core.ErrGuardrailRejected
}

// runCompletionLoop drives the Completer/tool-call loop for a single
// attempt, bounded by agent.MaxIter.
func (o *Orchestrator) runCompletionLoop(ctx context.Context, agent *AgentSpec, task *TaskSpec, compiled *CompiledCrew, runID string, depth int, prompt *string, usage *ai.TokenUsage, childSteps *[]ExecutionStep) (string, []ToolCallRecord, error) {
	var toolCalls []ToolCallRecord
	maxIter := agent.MaxIter
	if maxIter <= 0 {
		maxIter = 1
	}

	for iter := 1; iter <= maxIter; iter++ {
		completion, err := o.completeWithRetry(ctx, agent, *prompt)
		if err != nil {
			return "", toolCalls, fmt.Errorf("completer: %w", err)
		}
		if usage != nil {
			usage.PromptTokens += completion.Usage.PromptTokens
			usage.CompletionTokens += completion.Usage.CompletionTokens
			usage.TotalTokens += completion.Usage.TotalTokens
		}
		if completion.ToolCall == nil {
			return completion.Text, toolCalls, nil
		}
		if iter == maxIter {
			return "", toolCalls, core.ErrMaxIterExceeded
		}

		record, resultText, strict, toolErr := o.dispatchTool(ctx, agent, task, compiled, runID, depth, completion.ToolCall, usage, childSteps)
		toolCalls = append(toolCalls, record)
		if toolErr != nil && strict {
			return "", toolCalls, fmt.Errorf("%w: %v", core.ErrToolFailed, toolErr)
		}
		*prompt = *prompt + "\n\nTool " + completion.ToolCall.Tool + " result: " + resultText
	}
	return "", toolCalls, core.ErrMaxIterExceeded
}

func (o *Orchestrator) completeWithRetry(ctx context.Context, agent *AgentSpec, prompt string) (*ai.Completion, error) {
	ctx, span := o.telemetry.StartSpan(ctx, "completer.call")
	span.SetAttribute("agent.name", agent.Name)
	defer span.End()

	var completion *ai.Completion
	err := resilience.Retry(ctx, o.retryConfig, func() error {
		c, err := o.completer.Complete(ctx, systemPrompt(agent), prompt, &ai.GenerationOptions{})
		if err != nil {
			if errors.Is(err, core.ErrCompleterFatal) {
				return resilience.Permanent(err)
			}
			return err
		}
		completion = c
		return nil
	})
	if err != nil {
		span.RecordError(err)
	}
	return completion, err
}

func mergedToolNames(agent *AgentSpec, task *TaskSpec) []string {
	names := append([]string{}, agent.Tools...)
	names = append(names, task.Tools...)
	return names
}

func validateSchema(schema *Schema, output string) error {
	switch schema.Type {
	case "string":
		return nil
	case "object", "json":
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(output), &payload); err != nil {
			return fmt.Errorf("output is not valid JSON: %w", err)
		}
		for _, field := range schema.Required {
			if _, ok := payload[field]; !ok {
				return fmt.Errorf("missing required field %q", field)
			}
		}
		return nil
	default:
		return nil
	}
}
