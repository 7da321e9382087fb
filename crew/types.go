// Package crew implements the CrewOrchestrator: compiles declarative
// AgentSpec/TaskSpec/CrewSpec documents into an executable plan and drives
// it to completion under either the sequential or hierarchical process
// discipline, producing a CrewResult and a frozen ExecutionTrace.
package crew

import (
	"time"

	"github.com/altis0725/OKAMI/ai"
	"github.com/altis0725/OKAMI/guardrail"
)

// KnowledgeRef scopes a retrieval-augmented context pull to a knowledge
// category and a query.
type KnowledgeRef struct {
	Category string
	Query    string
}

// Schema is a minimal output-schema descriptor.
// Only a closed set of Type values is recognized; anything else fails
// compile-time validation with core.ErrUnknownType.
type Schema struct {
	Type     string // "string" | "object" | "json"
	Required []string
}

var knownSchemaTypes = map[string]bool{"string": true, "object": true, "json": true}

// AgentSpec is immutable after a run compiles.
type AgentSpec struct {
	Name            string
	Role            string
	Goal            string
	Backstory       string
	SystemTemplate  string
	PromptTemplate  string
	Tools           []string
	MaxIter         int
	MaxRPM          int
	AllowDelegation bool
	MemoryEnabled   bool
	KnowledgeRefs   []KnowledgeRef
}

// TaskSpec. Tasks form a DAG via ContextRefs; cycles are rejected at
// compile time.
type TaskSpec struct {
	Name           string
	Description    string
	ExpectedOutput string
	AgentRef       string // optional; resolved by the manager if empty in hierarchical mode
	ContextRefs    []string
	GuardrailRefs  []string
	MaxRetries     int
	OutputSchema   *Schema
	Async          bool
	Tools          []string
}

// CrewSpec. Invariant: in hierarchical mode ManagerAgent must not
// appear in Agents at compile time; it is injected into the live executor
// set at runtime.
type CrewSpec struct {
	Name             string
	Process          string // "sequential" | "hierarchical"
	Agents           []string
	Tasks            []string
	ManagerAgent     string
	MemoryEnabled    bool
	MemoryConfig     map[string]interface{}
	KnowledgeSources []KnowledgeRef
	PlanningEnabled  bool
}

const (
	ProcessSequential   = "sequential"
	ProcessHierarchical = "hierarchical"
)

// ToolCallRecord captures one tool invocation inside a task's transcript.
type ToolCallRecord struct {
	Name     string
	Args     map[string]interface{}
	Result   string
	Error    string
	Duration time.Duration
}

// ExecutionStep is the per-task artifact of one crew run.
type ExecutionStep struct {
	TaskName          string
	AgentName         string
	Attempts          int
	ToolCalls         []ToolCallRecord
	RawOutput         string
	GuardrailVerdicts []guardrail.Verdict
	FinalVerdict      string // "pass" | "fail"
	Duration          time.Duration
	Error             string
}

const (
	VerdictPass = "pass"
	VerdictFail = "fail"
)

// ExecutionTrace: created at run start, mutated only by the
// orchestrator, frozen at run end.
type ExecutionTrace struct {
	CrewName    string
	RunID       string
	StartedAt   time.Time
	EndedAt     time.Time
	Inputs      map[string]interface{}
	Steps       []ExecutionStep
	FinalOutput string
	Status      string // "completed" | "failed" | "partial"
}

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPartial   = "partial"
)

// CrewResult is the CrewOrchestrator's output.
type CrewResult struct {
	FinalOutput string
	TasksOutput []ExecutionStep
	TokenUsage  ai.TokenUsage
	Trace       ExecutionTrace
	Status      string
}
