package crew

import (
	"context"
	"fmt"
	"time"

	"github.com/altis0725/OKAMI/ai"
	"github.com/altis0725/OKAMI/core"
)

// dispatchTool resolves a single tool-call response: the reserved `delegate`
// tool is handled by the orchestrator itself; anything else goes through
// the caller-registered ToolRegistry. toolErr is non-nil whenever the call
// failed; strict reports whether that failure should abort the task
// outright.
func (o *Orchestrator) dispatchTool(ctx context.Context, agent *AgentSpec, task *TaskSpec, compiled *CompiledCrew, runID string, depth int, call *ai.ToolCallRequest, usage *ai.TokenUsage, childSteps *[]ExecutionStep) (ToolCallRecord, string, bool, error) {
	start := time.Now()
	record := ToolCallRecord{Name: call.Tool, Args: call.Args}

	ctx, span := o.telemetry.StartSpan(ctx, "tool.call")
	span.SetAttribute("tool.name", call.Tool)
	span.SetAttribute("agent.name", agent.Name)
	defer span.End()

	if call.Tool == DelegateToolName {
		resultText, err := o.delegate(ctx, compiled, runID, depth, call.Args, usage, childSteps)
		record.Duration = time.Since(start)
		if err != nil {
			record.Error = err.Error()
			return record, err.Error(), false, err
		}
		record.Result = resultText
		return record, resultText, false, nil
	}

	tool, ok := o.tools.Lookup(call.Tool)
	if !ok {
		err := fmt.Errorf("%w: %s", core.ErrToolNotFound, call.Tool)
		record.Error = err.Error()
		record.Duration = time.Since(start)
		return record, err.Error(), false, err
	}

	result, err := tool.Execute(ctx, call.Args)
	record.Duration = time.Since(start)
	if err != nil {
		record.Error = err.Error()
		return record, err.Error(), tool.Strict(), fmt.Errorf("%w: %v", core.ErrToolFailed, err)
	}
	record.Result = result
	return record, result, false, nil
}

// delegate resolves a manager's `delegate{agent, task, context?}` call
// synchronously: constructs a child task, executes it (recursion bounded by
// max_delegation_depth), and returns its final output to the manager.
// Rejected delegations (depth exceeded, target disallows delegation) are
// returned as an error the caller folds into a non-strict tool result, so
// the manager sees a structured error and may retry rather than failing the
// whole crew.
func (o *Orchestrator) delegate(ctx context.Context, compiled *CompiledCrew, runID string, depth int, args map[string]interface{}, usage *ai.TokenUsage, childSteps *[]ExecutionStep) (string, error) {
	maxDepth := o.config.MaxDelegationDepth
	if maxDepth <= 0 {
		maxDepth = core.DefaultMaxDelegationDepth
	}
	if depth >= maxDepth {
		return "", fmt.Errorf("%w: depth %d exceeds max_delegation_depth %d", core.ErrDelegationDepth, depth+1, maxDepth)
	}

	d, err := ai.ParseDelegateArgs(args)
	if err != nil {
		return "", fmt.Errorf("parse delegate args: %w", err)
	}
	target, ok := compiled.Agents[d.Agent]
	if !ok {
		return "", fmt.Errorf("%w: delegate target %q", core.ErrUnresolvedRef, d.Agent)
	}
	if !target.AllowDelegation {
		return "", fmt.Errorf("%w: %s", core.ErrDelegationForbidden, d.Agent)
	}

	child := &TaskSpec{
		Name:           fmt.Sprintf("delegate:%s:%d", d.Agent, len(*childSteps)),
		Description:    d.Task,
		ExpectedOutput: d.Expected,
		AgentRef:       d.Agent,
	}
	var depOutputs []string
	if d.ContextNote != "" {
		depOutputs = []string{d.ContextNote}
	}

	step, err := o.executeTask(ctx, runID, compiled, child, depOutputs, depth+1, usage, childSteps)
	*childSteps = append(*childSteps, step)
	if err != nil {
		return "", err
	}
	return step.RawOutput, nil
}
