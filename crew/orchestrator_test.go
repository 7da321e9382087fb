package crew

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altis0725/OKAMI/ai"
	"github.com/altis0725/OKAMI/core"
	"github.com/altis0725/OKAMI/guardrail"
	"github.com/altis0725/OKAMI/memory"
	"github.com/altis0725/OKAMI/vectorstore"
)

// scriptedCompleter answers by the first rule whose substring matches the
// prompt, so concurrent tasks get deterministic responses regardless of
// call order.
type scriptedCompleter struct {
	mu      sync.Mutex
	rules   []scriptRule
	prompts []string
}

type scriptRule struct {
	contains string
	respond  func(prompt string) ai.Completion
}

func (s *scriptedCompleter) Complete(ctx context.Context, systemPrompt, prompt string, opts *ai.GenerationOptions) (*ai.Completion, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	for _, r := range s.rules {
		if strings.Contains(prompt, r.contains) {
			c := r.respond(prompt)
			return &c, nil
		}
	}
	return &ai.Completion{Text: "no rule matched"}, nil
}

func (s *scriptedCompleter) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

func text(out string) func(string) ai.Completion {
	return func(string) ai.Completion { return ai.Completion{Text: out} }
}

type stubGuardrail struct {
	name   string
	strict bool
	check  func(output string) (guardrail.Verdict, error)
}

func (g *stubGuardrail) Name() string { return g.name }
func (g *stubGuardrail) Strict() bool { return g.strict }
func (g *stubGuardrail) Validate(ctx context.Context, output string, gctx guardrail.Context) (guardrail.Verdict, error) {
	return g.check(output)
}

type stubTool struct {
	name   string
	strict bool
	calls  int
	run    func(args map[string]interface{}) (string, error)
}

func (t *stubTool) Name() string { return t.name }
func (t *stubTool) Strict() bool { return t.strict }
func (t *stubTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	t.calls++
	return t.run(args)
}

func compileSequential(t *testing.T, agents map[string]*AgentSpec, tasks map[string]*TaskSpec, order ...string) *CompiledCrew {
	t.Helper()
	names := make([]string, 0, len(agents))
	for n := range agents {
		names = append(names, n)
	}
	spec := &CrewSpec{Name: "test-crew", Process: ProcessSequential, Agents: names, Tasks: order}
	compiled, err := Compile(spec, agents, tasks)
	require.NoError(t, err)
	return compiled
}

func TestSequentialHappyPath(t *testing.T) {
	completer := ai.NewFakeCompleter(
		ai.Completion{Text: "42"},
		ai.Completion{Text: "the answer is 42"},
	)
	agents := specAgents("solver", "writer")
	tasks := map[string]*TaskSpec{
		"compute": {Name: "compute", Description: "compute the answer", AgentRef: "solver"},
		"report":  {Name: "report", Description: "report the answer", AgentRef: "writer", ContextRefs: []string{"compute"}},
	}
	compiled := compileSequential(t, agents, tasks, "compute", "report")

	var reportPrompt string
	completer.OnCall = func(system, prompt string, opts *ai.GenerationOptions) {
		if strings.Contains(prompt, "report the answer") {
			reportPrompt = prompt
		}
	}

	o := NewOrchestrator(completer, nil, nil)
	result, err := o.Execute(context.Background(), compiled, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "the answer is 42", result.FinalOutput)
	require.Len(t, result.TasksOutput, 2)
	assert.Equal(t, VerdictPass, result.TasksOutput[0].FinalVerdict)
	assert.Equal(t, VerdictPass, result.TasksOutput[1].FinalVerdict)

	// The dependent task's prompt carries the upstream final output exactly once.
	assert.Equal(t, 1, strings.Count(reportPrompt, "42"))
	assert.Equal(t, StatusCompleted, result.Trace.Status)
	assert.NotEmpty(t, result.Trace.RunID)
	assert.False(t, result.Trace.EndedAt.IsZero())
}

func TestDependencyOutputsInDeclaredOrder(t *testing.T) {
	completer := &scriptedCompleter{rules: []scriptRule{
		{contains: "Task: alpha", respond: text("ALPHA-OUT")},
		{contains: "Task: beta", respond: text("BETA-OUT")},
		{contains: "Task: gamma", respond: text("merged")},
	}}
	agents := specAgents("a")
	tasks := map[string]*TaskSpec{
		"t1": {Name: "t1", Description: "alpha", AgentRef: "a", Async: true},
		"t2": {Name: "t2", Description: "beta", AgentRef: "a", Async: true},
		"t3": {Name: "t3", Description: "gamma", AgentRef: "a", ContextRefs: []string{"t1", "t2"}},
	}
	compiled := compileSequential(t, agents, tasks, "t1", "t2", "t3")

	o := NewOrchestrator(completer, nil, nil)
	result, err := o.Execute(context.Background(), compiled, nil)
	require.NoError(t, err)
	assert.Equal(t, "merged", result.FinalOutput)

	var gammaPrompt string
	for _, p := range completer.recorded() {
		if strings.Contains(p, "Task: gamma") {
			gammaPrompt = p
		}
	}
	require.NotEmpty(t, gammaPrompt)
	idxA := strings.Index(gammaPrompt, "ALPHA-OUT")
	idxB := strings.Index(gammaPrompt, "BETA-OUT")
	require.True(t, idxA >= 0 && idxB >= 0)
	assert.Less(t, idxA, idxB, "context outputs appear in declared order")
	assert.Equal(t, 1, strings.Count(gammaPrompt, "ALPHA-OUT"))
	assert.Equal(t, 1, strings.Count(gammaPrompt, "BETA-OUT"))
}

func TestGuardrailRetryLoop(t *testing.T) {
	completer := ai.NewFakeCompleter(
		ai.Completion{Text: "off topic ramble"},
		ai.Completion{Text: "still off topic"},
		ai.Completion{Text: "on-topic answer"},
	)
	agents := specAgents("a")
	tasks := map[string]*TaskSpec{
		"t": {Name: "t", Description: "answer on topic", AgentRef: "a", MaxRetries: 2, GuardrailRefs: []string{"topical"}},
	}
	compiled := compileSequential(t, agents, tasks, "t")

	topical := &stubGuardrail{name: "topical", check: func(output string) (guardrail.Verdict, error) {
		if strings.Contains(output, "on-topic") {
			return guardrail.Verdict{Passed: true}, nil
		}
		return guardrail.Verdict{Passed: false, Reason: "output drifted off topic"}, nil
	}}

	var prompts []string
	completer.OnCall = func(system, prompt string, opts *ai.GenerationOptions) {
		prompts = append(prompts, prompt)
	}

	o := NewOrchestrator(completer, nil, nil, WithGuardrails(map[string]guardrail.Guardrail{"topical": topical}))
	result, err := o.Execute(context.Background(), compiled, nil)
	require.NoError(t, err)

	require.Len(t, result.TasksOutput, 1)
	step := result.TasksOutput[0]
	assert.Equal(t, 3, step.Attempts)
	assert.Equal(t, VerdictPass, step.FinalVerdict)

	rejections := 0
	for _, v := range step.GuardrailVerdicts {
		if !v.Passed {
			rejections++
		}
	}
	assert.Equal(t, 2, rejections)

	// Retries carry the corrective hint from the failing verdict.
	require.Len(t, prompts, 3)
	assert.NotContains(t, prompts[0], "rejected")
	assert.Contains(t, prompts[1], "output drifted off topic")
	assert.Contains(t, prompts[2], "output drifted off topic")
}

func TestZeroRetriesFailsAfterOneAttempt(t *testing.T) {
	completer := ai.NewFakeCompleter(ai.Completion{Text: "anything"})
	agents := specAgents("a")
	tasks := map[string]*TaskSpec{
		"t": {Name: "t", Description: "d", AgentRef: "a", MaxRetries: 0, GuardrailRefs: []string{"never"}},
	}
	compiled := compileSequential(t, agents, tasks, "t")

	never := &stubGuardrail{name: "never", check: func(string) (guardrail.Verdict, error) {
		return guardrail.Verdict{Passed: false, Reason: "always rejected"}, nil
	}}

	o := NewOrchestrator(completer, nil, nil, WithGuardrails(map[string]guardrail.Guardrail{"never": never}))
	result, err := o.Execute(context.Background(), compiled, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrGuardrailRejected)

	require.Len(t, result.TasksOutput, 1)
	assert.Equal(t, 1, result.TasksOutput[0].Attempts)
	assert.Equal(t, VerdictFail, result.TasksOutput[0].FinalVerdict)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 1, completer.CallCount())
}

func TestGuardrailFailureDoesNotAbortLaterTasks(t *testing.T) {
	completer := &scriptedCompleter{rules: []scriptRule{
		{contains: "Task: first", respond: text("rejected output")},
		{contains: "Task: second", respond: text("fine")},
	}}
	agents := specAgents("a")
	tasks := map[string]*TaskSpec{
		"t1": {Name: "t1", Description: "first", AgentRef: "a", GuardrailRefs: []string{"never"}},
		"t2": {Name: "t2", Description: "second", AgentRef: "a"},
	}
	compiled := compileSequential(t, agents, tasks, "t1", "t2")

	never := &stubGuardrail{name: "never", check: func(string) (guardrail.Verdict, error) {
		return guardrail.Verdict{Passed: false, Reason: "no"}, nil
	}}

	o := NewOrchestrator(completer, nil, nil, WithGuardrails(map[string]guardrail.Guardrail{"never": never}))
	result, err := o.Execute(context.Background(), compiled, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrGuardrailRejected)

	require.Len(t, result.TasksOutput, 2)
	assert.Equal(t, VerdictFail, result.TasksOutput[0].FinalVerdict)
	assert.Equal(t, VerdictPass, result.TasksOutput[1].FinalVerdict)
	assert.Equal(t, StatusPartial, result.Status)
}

func TestMaxIterExceededWithoutInvokingTool(t *testing.T) {
	completer := ai.NewFakeCompleter(ai.Completion{
		Text:     `{"tool": "search", "args": {"q": "x"}}`,
		ToolCall: &ai.ToolCallRequest{Tool: "search", Args: map[string]interface{}{"q": "x"}},
	})
	agents := map[string]*AgentSpec{
		"a": {Name: "a", Role: "a", MaxIter: 1, Tools: []string{"search"}},
	}
	tasks := map[string]*TaskSpec{
		"t": {Name: "t", Description: "d", AgentRef: "a"},
	}
	compiled := compileSequential(t, agents, tasks, "t")

	search := &stubTool{name: "search", run: func(map[string]interface{}) (string, error) { return "hits", nil }}

	o := NewOrchestrator(completer, nil, nil, WithTools(NewToolRegistry(search)))
	result, err := o.Execute(context.Background(), compiled, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMaxIterExceeded)
	assert.Equal(t, 0, search.calls, "tool must not run once the iteration budget is spent")
	assert.Equal(t, StatusFailed, result.Status)
}

func TestToolLoopFeedsResultBack(t *testing.T) {
	call := ai.Completion{
		Text:     `{"tool": "search", "args": {"q": "x"}}`,
		ToolCall: &ai.ToolCallRequest{Tool: "search", Args: map[string]interface{}{"q": "x"}},
	}
	completer := ai.NewFakeCompleter(call, ai.Completion{Text: "final answer from hits"})
	agents := map[string]*AgentSpec{
		"a": {Name: "a", Role: "a", MaxIter: 3, Tools: []string{"search"}},
	}
	tasks := map[string]*TaskSpec{"t": {Name: "t", Description: "d", AgentRef: "a"}}
	compiled := compileSequential(t, agents, tasks, "t")

	search := &stubTool{name: "search", run: func(map[string]interface{}) (string, error) { return "three hits", nil }}

	var prompts []string
	completer.OnCall = func(system, prompt string, opts *ai.GenerationOptions) { prompts = append(prompts, prompt) }

	o := NewOrchestrator(completer, nil, nil, WithTools(NewToolRegistry(search)))
	result, err := o.Execute(context.Background(), compiled, nil)
	require.NoError(t, err)

	assert.Equal(t, "final answer from hits", result.FinalOutput)
	assert.Equal(t, 1, search.calls)
	require.Len(t, result.TasksOutput, 1)
	require.Len(t, result.TasksOutput[0].ToolCalls, 1)
	assert.Equal(t, "three hits", result.TasksOutput[0].ToolCalls[0].Result)
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "three hits")
}

func TestStrictToolFailureFailsTask(t *testing.T) {
	completer := ai.NewFakeCompleter(ai.Completion{
		Text:     `{"tool": "db", "args": {}}`,
		ToolCall: &ai.ToolCallRequest{Tool: "db", Args: map[string]interface{}{}},
	})
	agents := map[string]*AgentSpec{"a": {Name: "a", Role: "a", MaxIter: 3}}
	tasks := map[string]*TaskSpec{"t": {Name: "t", Description: "d", AgentRef: "a"}}
	compiled := compileSequential(t, agents, tasks, "t")

	db := &stubTool{name: "db", strict: true, run: func(map[string]interface{}) (string, error) {
		return "", errors.New("connection refused")
	}}

	o := NewOrchestrator(completer, nil, nil, WithTools(NewToolRegistry(db)))
	_, err := o.Execute(context.Background(), compiled, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrToolFailed)
}

func TestCompleterFatalNotRetried(t *testing.T) {
	completer := ai.NewFakeCompleter()
	completer.Err = fmt.Errorf("%w: invalid api key", core.ErrCompleterFatal)
	agents := specAgents("a")
	tasks := map[string]*TaskSpec{"t": {Name: "t", Description: "d", AgentRef: "a"}}
	compiled := compileSequential(t, agents, tasks, "t")

	o := NewOrchestrator(completer, nil, nil)
	_, err := o.Execute(context.Background(), compiled, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCompleterFatal)
	assert.Equal(t, 1, completer.CallCount(), "fatal completer errors must not be retried")
}

func TestOutputSchemaRejectTriggersRetry(t *testing.T) {
	completer := ai.NewFakeCompleter(
		ai.Completion{Text: "not json at all"},
		ai.Completion{Text: `{"answer": "42"}`},
	)
	agents := specAgents("a")
	tasks := map[string]*TaskSpec{
		"t": {Name: "t", Description: "d", AgentRef: "a", MaxRetries: 1,
			OutputSchema: &Schema{Type: "json", Required: []string{"answer"}}},
	}
	compiled := compileSequential(t, agents, tasks, "t")

	o := NewOrchestrator(completer, nil, nil)
	result, err := o.Execute(context.Background(), compiled, nil)
	require.NoError(t, err)
	require.Len(t, result.TasksOutput, 1)
	assert.Equal(t, 2, result.TasksOutput[0].Attempts)
	assert.Equal(t, VerdictPass, result.TasksOutput[0].FinalVerdict)
}

func TestHierarchicalDelegation(t *testing.T) {
	completer := ai.NewFakeCompleter(
		// Manager turn 1: delegate research.
		ai.Completion{ToolCall: &ai.ToolCallRequest{Tool: DelegateToolName,
			Args: map[string]interface{}{"agent": "research", "task": "research X"}}},
		// research child answers.
		ai.Completion{Text: "report R"},
		// Manager turn 2: delegate writing, passing the report along.
		ai.Completion{ToolCall: &ai.ToolCallRequest{Tool: DelegateToolName,
			Args: map[string]interface{}{"agent": "writer", "task": "write memo", "context": "report R"}}},
		// writer child answers.
		ai.Completion{Text: "memo M"},
		// Manager terminal answer.
		ai.Completion{Text: "memo M"},
	)

	agents := map[string]*AgentSpec{
		"research": {Name: "research", Role: "researcher", MaxIter: 3, AllowDelegation: true},
		"writer":   {Name: "writer", Role: "writer", MaxIter: 3, AllowDelegation: true},
		"boss":     {Name: "boss", Role: "manager", MaxIter: 6},
	}
	spec := &CrewSpec{Name: "h", Process: ProcessHierarchical,
		Agents: []string{"research", "writer"}, ManagerAgent: "boss"}
	compiled, err := Compile(spec, agents, map[string]*TaskSpec{})
	require.NoError(t, err)

	o := NewOrchestrator(completer, nil, nil)
	result, err := o.Execute(context.Background(), compiled,
		map[string]interface{}{"task": "research X and write a memo"})
	require.NoError(t, err)

	assert.Equal(t, "memo M", result.FinalOutput)
	require.Len(t, result.TasksOutput, 3, "two child steps plus the manager step")
	assert.Equal(t, "research", result.TasksOutput[0].AgentName)
	assert.Equal(t, "writer", result.TasksOutput[1].AgentName)
	assert.Equal(t, "boss", result.TasksOutput[2].AgentName)

	managerStep := result.TasksOutput[2]
	require.Len(t, managerStep.ToolCalls, 2)
	assert.Equal(t, "report R", managerStep.ToolCalls[0].Result)
	assert.Equal(t, "memo M", managerStep.ToolCalls[1].Result)
}

func TestDelegationDepthExceededReturnsStructuredError(t *testing.T) {
	completer := ai.NewFakeCompleter(
		// Manager delegates to research (depth 0 -> child at depth 1).
		ai.Completion{ToolCall: &ai.ToolCallRequest{Tool: DelegateToolName,
			Args: map[string]interface{}{"agent": "research", "task": "go deeper"}}},
		// Child tries to delegate again; with max depth 1 this is rejected.
		ai.Completion{ToolCall: &ai.ToolCallRequest{Tool: DelegateToolName,
			Args: map[string]interface{}{"agent": "writer", "task": "even deeper"}}},
		// Child recovers with a terminal answer after seeing the error.
		ai.Completion{Text: "did it myself"},
		// Manager terminal answer.
		ai.Completion{Text: "done"},
	)

	agents := map[string]*AgentSpec{
		"research": {Name: "research", Role: "r", MaxIter: 4, AllowDelegation: true},
		"writer":   {Name: "writer", Role: "w", MaxIter: 4, AllowDelegation: true},
		"boss":     {Name: "boss", Role: "m", MaxIter: 4},
	}
	spec := &CrewSpec{Name: "h", Process: ProcessHierarchical,
		Agents: []string{"research", "writer"}, ManagerAgent: "boss"}
	compiled, err := Compile(spec, agents, map[string]*TaskSpec{})
	require.NoError(t, err)

	o := NewOrchestrator(completer, nil, nil, WithConfig(&Config{
		MaxDelegationDepth: 1,
		RPMWaitBudget:      core.DefaultRPMWaitBudget,
		TaskTimeout:        core.DefaultTaskTimeout,
	}))
	result, err := o.Execute(context.Background(), compiled,
		map[string]interface{}{"task": "top level"})
	require.NoError(t, err)
	assert.Equal(t, "done", result.FinalOutput)

	var childStep *ExecutionStep
	for i := range result.TasksOutput {
		if result.TasksOutput[i].AgentName == "research" {
			childStep = &result.TasksOutput[i]
		}
	}
	require.NotNil(t, childStep)
	require.Len(t, childStep.ToolCalls, 1)
	assert.Contains(t, childStep.ToolCalls[0].Error, "max_delegation_depth")
}

func TestDelegationToForbiddenAgentRejected(t *testing.T) {
	completer := ai.NewFakeCompleter(
		ai.Completion{ToolCall: &ai.ToolCallRequest{Tool: DelegateToolName,
			Args: map[string]interface{}{"agent": "loner", "task": "do this"}}},
		ai.Completion{Text: "fine, handled it"},
	)
	agents := map[string]*AgentSpec{
		"loner": {Name: "loner", Role: "l", MaxIter: 3, AllowDelegation: false},
		"boss":  {Name: "boss", Role: "m", MaxIter: 4},
	}
	spec := &CrewSpec{Name: "h", Process: ProcessHierarchical,
		Agents: []string{"loner"}, ManagerAgent: "boss"}
	compiled, err := Compile(spec, agents, map[string]*TaskSpec{})
	require.NoError(t, err)

	o := NewOrchestrator(completer, nil, nil)
	result, err := o.Execute(context.Background(), compiled,
		map[string]interface{}{"task": "anything"})
	require.NoError(t, err)
	assert.Equal(t, "fine, handled it", result.FinalOutput)

	managerStep := result.TasksOutput[len(result.TasksOutput)-1]
	require.Len(t, managerStep.ToolCalls, 1)
	assert.Contains(t, managerStep.ToolCalls[0].Error, "does not allow delegation")
}

func TestCancellationBetweenTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	completer := ai.NewFakeCompleter(ai.Completion{Text: "A done"})
	completer.OnCall = func(system, prompt string, opts *ai.GenerationOptions) {
		cancel() // cancel after A's only completion call
	}

	agents := specAgents("a")
	tasks := map[string]*TaskSpec{
		"first":  {Name: "first", Description: "one", AgentRef: "a"},
		"second": {Name: "second", Description: "two", AgentRef: "a", ContextRefs: []string{"first"}},
	}
	compiled := compileSequential(t, agents, tasks, "first", "second")

	o := NewOrchestrator(completer, nil, nil)
	result, err := o.Execute(ctx, compiled, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCancelled)

	assert.Equal(t, StatusFailed, result.Status)
	require.Len(t, result.TasksOutput, 1, "only the first task ran")
	assert.Equal(t, "first", result.TasksOutput[0].TaskName)
	assert.Equal(t, 1, completer.CallCount())
}

func TestUnknownToolReturnsStructuredErrorToAgent(t *testing.T) {
	completer := ai.NewFakeCompleter(
		ai.Completion{ToolCall: &ai.ToolCallRequest{Tool: "nope", Args: map[string]interface{}{}}},
		ai.Completion{Text: "recovered"},
	)
	agents := map[string]*AgentSpec{"a": {Name: "a", Role: "a", MaxIter: 3}}
	tasks := map[string]*TaskSpec{"t": {Name: "t", Description: "d", AgentRef: "a"}}
	compiled := compileSequential(t, agents, tasks, "t")

	o := NewOrchestrator(completer, nil, nil)
	result, err := o.Execute(context.Background(), compiled, nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.FinalOutput)
	require.Len(t, result.TasksOutput[0].ToolCalls, 1)
	assert.Contains(t, result.TasksOutput[0].ToolCalls[0].Error, "tool not found")
}

func TestRunEndWritesLongTermMemory(t *testing.T) {
	completer := ai.NewFakeCompleter(
		ai.Completion{Text: "the answer is 42"},
	)
	agents := specAgents("solver")
	tasks := map[string]*TaskSpec{
		"compute": {Name: "compute", Description: "compute the answer", AgentRef: "solver"},
	}
	spec := &CrewSpec{Name: "memory-crew", Process: ProcessSequential,
		Agents: []string{"solver"}, Tasks: []string{"compute"}, MemoryEnabled: true}
	compiled, err := Compile(spec, agents, tasks)
	require.NoError(t, err)

	store := memory.NewStore(vectorstore.NewInMemoryIndex(), ai.NewFakeEmbedder(8), nil, nil)
	o := NewOrchestrator(completer, store, nil)
	result, err := o.Execute(context.Background(), compiled, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)

	// The run summary lands in long-term memory unconditionally, even though
	// no agent flagged anything for promotion.
	summaries, err := store.SearchLongTerm(context.Background(), "the answer is 42", 5,
		map[string]interface{}{"record_kind": "run_summary"})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Contains(t, summaries[0].Content, "memory-crew")
	assert.Contains(t, summaries[0].Content, "the answer is 42")
	assert.Equal(t, result.Trace.RunID, summaries[0].Metadata["run_id"])

	// Each passing step contributes a distilled fact tagged with its agent.
	facts, err := store.SearchLongTerm(context.Background(), "compute the answer", 5,
		map[string]interface{}{"record_kind": "distilled_fact"})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "solver", facts[0].Metadata[memory.MetaAgentName])
	assert.Contains(t, facts[0].Content, "the answer is 42")
}

func TestMetricsRecordRuns(t *testing.T) {
	completer := ai.NewFakeCompleter(ai.Completion{Text: "ok"})
	agents := specAgents("a")
	tasks := map[string]*TaskSpec{"t": {Name: "t", Description: "d", AgentRef: "a"}}
	compiled := compileSequential(t, agents, tasks, "t")

	o := NewOrchestrator(completer, nil, nil)
	_, err := o.Execute(context.Background(), compiled, nil)
	require.NoError(t, err)

	m := o.Metrics()
	assert.Equal(t, int64(1), m.TotalRuns)
	assert.Equal(t, int64(1), m.SuccessfulRuns)
	assert.Greater(t, int64(m.AverageRunDuration), int64(0))
}

func TestRPMWaitBudgetExceeded(t *testing.T) {
	limiter := NewInProcessRateLimiter()
	ctx := context.Background()

	require.NoError(t, limiter.Allow(ctx, "agent", 2, 10*time.Millisecond))
	require.NoError(t, limiter.Allow(ctx, "agent", 2, 10*time.Millisecond))

	err := limiter.Allow(ctx, "agent", 2, 10*time.Millisecond)
	assert.ErrorIs(t, err, core.ErrRateBudgetExceeded)

	// A different agent has its own bucket.
	assert.NoError(t, limiter.Allow(ctx, "other", 2, 10*time.Millisecond))
}
