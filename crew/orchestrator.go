package crew

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/altis0725/OKAMI/ai"
	"github.com/altis0725/OKAMI/core"
	"github.com/altis0725/OKAMI/guardrail"
	"github.com/altis0725/OKAMI/memory"
	"github.com/altis0725/OKAMI/resilience"
)

// Metrics holds running per-run counters exposed alongside each crew's
// result.
type Metrics struct {
	mu                 sync.Mutex
	TotalRuns          int64
	SuccessfulRuns     int64
	FailedRuns         int64
	PartialRuns        int64
	TotalTaskAttempts  int64
	TotalDelegations   int64
	AverageRunDuration time.Duration
}

func (m *Metrics) recordRun(status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRuns++
	switch status {
	case StatusCompleted:
		m.SuccessfulRuns++
	case StatusFailed:
		m.FailedRuns++
	case StatusPartial:
		m.PartialRuns++
	}
	if m.AverageRunDuration == 0 {
		m.AverageRunDuration = duration
	} else {
		m.AverageRunDuration = (m.AverageRunDuration + duration) / 2
	}
}

func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		TotalRuns: m.TotalRuns, SuccessfulRuns: m.SuccessfulRuns, FailedRuns: m.FailedRuns,
		PartialRuns: m.PartialRuns, TotalTaskAttempts: m.TotalTaskAttempts,
		TotalDelegations: m.TotalDelegations, AverageRunDuration: m.AverageRunDuration,
	}
}

// Config bundles the orchestrator's tunables.
type Config struct {
	MaxDelegationDepth int
	RPMWaitBudget      time.Duration
	TaskTimeout        time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		MaxDelegationDepth: core.DefaultMaxDelegationDepth,
		RPMWaitBudget:      core.DefaultRPMWaitBudget,
		TaskTimeout:        core.DefaultTaskTimeout,
	}
}

// Orchestrator compiles nothing itself; it drives a CompiledCrew to
// completion against its constructed dependency set: the completer, the
// memory and knowledge stores, the named guardrails, the tool registry, and
// the per-agent rate limiter.
type Orchestrator struct {
	completer      ai.Completer
	memoryStore    *memory.Store
	knowledgeStore *memory.KnowledgeStore
	guardrails     map[string]guardrail.Guardrail
	tools          *ToolRegistry
	rateLimiter    RateLimiter
	retryConfig    *resilience.RetryConfig
	breaker        core.CircuitBreaker
	logger         core.Logger
	telemetry      core.Telemetry
	config         *Config
	metrics        *Metrics
}

type Option func(*Orchestrator)

func WithTools(registry *ToolRegistry) Option { return func(o *Orchestrator) { o.tools = registry } }
func WithGuardrails(named map[string]guardrail.Guardrail) Option {
	return func(o *Orchestrator) { o.guardrails = named }
}
func WithRateLimiter(rl RateLimiter) Option { return func(o *Orchestrator) { o.rateLimiter = rl } }
func WithCircuitBreaker(cb core.CircuitBreaker) Option {
	return func(o *Orchestrator) { o.breaker = cb }
}
func WithLogger(logger core.Logger) Option  { return func(o *Orchestrator) { o.logger = logger } }
func WithTelemetry(t core.Telemetry) Option { return func(o *Orchestrator) { o.telemetry = t } }
func WithConfig(cfg *Config) Option         { return func(o *Orchestrator) { o.config = cfg } }

func NewOrchestrator(completer ai.Completer, memoryStore *memory.Store, knowledgeStore *memory.KnowledgeStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		completer:      completer,
		memoryStore:    memoryStore,
		knowledgeStore: knowledgeStore,
		guardrails:     make(map[string]guardrail.Guardrail),
		tools:          NewToolRegistry(),
		rateLimiter:    NewInProcessRateLimiter(),
		retryConfig:    resilience.CompleterRetryConfig(),
		logger:         &core.NoOpLogger{},
		telemetry:      &core.NoOpTelemetry{},
		config:         DefaultConfig(),
		metrics:        &Metrics{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Metrics() Metrics { return o.metrics.Snapshot() }

// Execute drives a compiled crew to completion. The returned
// CrewResult.Trace is frozen at return; no further mutation occurs.
func (o *Orchestrator) Execute(ctx context.Context, compiled *CompiledCrew, inputs map[string]interface{}) (*CrewResult, error) {
	if o.breaker != nil && !o.breaker.CanExecute() {
		return nil, core.ErrCircuitBreakerOpen
	}

	runID := uuid.New().String()
	start := time.Now()

	ctx, span := o.telemetry.StartSpan(ctx, "crew.execute")
	span.SetAttribute("crew.name", compiled.Spec.Name)
	span.SetAttribute("crew.run_id", runID)
	span.SetAttribute("crew.process", compiled.Spec.Process)
	defer span.End()

	trace := ExecutionTrace{
		CrewName:  compiled.Spec.Name,
		RunID:     runID,
		StartedAt: start,
		Inputs:    inputs,
		Status:    StatusCompleted,
	}

	var tasksOutput []ExecutionStep
	var finalOutput string
	var usage ai.TokenUsage
	var runErr error

	switch compiled.Spec.Process {
	case ProcessHierarchical:
		finalOutput, tasksOutput, usage, runErr = o.runHierarchical(ctx, runID, compiled, inputs, &trace)
	default:
		finalOutput, tasksOutput, usage, runErr = o.runSequential(ctx, runID, compiled, &trace)
	}

	trace.Steps = tasksOutput
	trace.EndedAt = time.Now()
	trace.FinalOutput = finalOutput

	status := StatusCompleted
	if runErr != nil {
		status = StatusFailed
		// Cancellation always reads as failed, even with completed steps
		// behind it; anything else with at least one passing step is partial.
		if !errors.Is(runErr, core.ErrCancelled) && !errors.Is(runErr, core.ErrDeadlineExceeded) {
			for _, step := range tasksOutput {
				if step.FinalVerdict == VerdictPass {
					status = StatusPartial
				}
			}
		}
	}
	trace.Status = status

	if o.memoryStore != nil {
		o.saveRunMemory(ctx, runID, compiled, &trace)
		if err := o.memoryStore.PromoteAndClear(ctx, runID); err != nil {
			o.logger.Warn("short-term memory promotion failed", map[string]interface{}{"run_id": runID, "error": err.Error()})
		}
	}

	if o.breaker != nil {
		if runErr != nil {
			_ = o.breaker.Execute(ctx, func() error { return fmt.Errorf("run failed") })
		} else {
			_ = o.breaker.Execute(ctx, func() error { return nil })
		}
	}
	if runErr != nil {
		span.RecordError(runErr)
	}
	span.SetAttribute("crew.status", status)
	o.telemetry.RecordMetric("okami_crew_runs", 1, map[string]string{
		"crew": compiled.Spec.Name, "status": status,
	})
	o.metrics.recordRun(status, time.Since(start))

	result := &CrewResult{
		FinalOutput: finalOutput,
		TasksOutput: tasksOutput,
		TokenUsage:  usage,
		Trace:       trace,
		Status:      status,
	}
	return result, runErr
}

// summaryExcerptLimit caps how much of an output is distilled into a single
// long-term memory record.
const summaryExcerptLimit = 500

// saveRunMemory writes the run-end long-term records: a summary of the
// final output, plus one distilled fact per passing step tagged with the
// producing agent's name. Failures are logged, never fatal — the run's
// result is already final by the time this executes.
func (o *Orchestrator) saveRunMemory(ctx context.Context, runID string, compiled *CompiledCrew, trace *ExecutionTrace) {
	if !compiled.Spec.MemoryEnabled {
		return
	}

	summary := fmt.Sprintf("Crew %q run finished with status %s. Final output: %s",
		compiled.Spec.Name, trace.Status, excerpt(trace.FinalOutput))
	if _, err := o.memoryStore.SaveLongTerm(ctx, summary, map[string]interface{}{
		"crew": compiled.Spec.Name, "run_id": runID, "record_kind": "run_summary", "status": trace.Status,
	}); err != nil {
		o.logger.Warn("run summary memory write failed", map[string]interface{}{"run_id": runID, "error": err.Error()})
	}

	for _, step := range trace.Steps {
		if step.FinalVerdict != VerdictPass || step.RawOutput == "" {
			continue
		}
		fact := fmt.Sprintf("Task %q: %s", step.TaskName, excerpt(step.RawOutput))
		if _, err := o.memoryStore.SaveLongTerm(ctx, fact, map[string]interface{}{
			"crew": compiled.Spec.Name, "run_id": runID, "record_kind": "distilled_fact",
			memory.MetaAgentName: step.AgentName, "task_name": step.TaskName,
		}); err != nil {
			o.logger.Warn("distilled fact memory write failed", map[string]interface{}{
				"run_id": runID, "task": step.TaskName, "error": err.Error(),
			})
		}
	}
}

func excerpt(s string) string {
	if len(s) <= summaryExcerptLimit {
		return s
	}
	return s[:summaryExcerptLimit] + "…"
}

func (o *Orchestrator) pipelineFor(refs []string) *guardrail.Pipeline {
	var guardrails []guardrail.Guardrail
	for _, ref := range refs {
		if g, ok := o.guardrails[ref]; ok {
			guardrails = append(guardrails, g)
		}
	}
	return guardrail.NewPipeline(o.logger, guardrails...)
}
