package evolution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/altis0725/OKAMI/core"
	"github.com/altis0725/OKAMI/crew"
)

// CrewExecutor is the narrow slice of *crew.Orchestrator the coordinator
// needs — defined here, at the consumer, so tests can substitute a fake
// without depending on a real Orchestrator's dependencies.
type CrewExecutor interface {
	Execute(ctx context.Context, compiled *crew.CompiledCrew, inputs map[string]interface{}) (*crew.CrewResult, error)
}

// Config bundles the coordinator's tunables.
type Config struct {
	Enabled    bool
	MaxChanges int
	// AutoApply false demotes every parsed change to a proposal for human
	// review instead of applying it.
	AutoApply bool
	Timeout   time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		Enabled:    true,
		MaxChanges: core.DefaultMaxEvolutionChanges,
		AutoApply:  true,
		Timeout:    core.DefaultEvolutionTimeout,
	}
}

// RunResult is the outcome of one Trigger call.
type RunResult struct {
	RunID     string
	Changes   []ChangeResult
	Malformed []string
}

// Coordinator is EvolutionCoordinator: it fires at most once
// per primary run, runs a dedicated hierarchical evolution crew over a
// compacted trace summary, and feeds its JSON output through Parse and
// Applier.Apply. It never blocks the primary request path — TriggerAsync
// detaches onto its own background context before calling Trigger.
//
// The evolutionCrew is expected to be a single-manager hierarchical
// CompiledCrew: runHierarchical reads inputs["task"], so the
// coordinator formats the trace/response context directly into that field
// rather than requiring a templating layer the crew package doesn't have.
type Coordinator struct {
	executor      CrewExecutor
	evolutionCrew *crew.CompiledCrew
	applier       *Applier
	logger        core.Logger
	config        *Config

	mu      sync.Mutex
	fired   map[string]bool
	metrics *Metrics
}

func NewCoordinator(executor CrewExecutor, evolutionCrew *crew.CompiledCrew, applier *Applier, logger core.Logger, config *Config) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Coordinator{
		executor:      executor,
		evolutionCrew: evolutionCrew,
		applier:       applier,
		logger:        logger,
		config:        config,
		fired:         make(map[string]bool),
		metrics:       &Metrics{},
	}
}

func (c *Coordinator) Metrics() Snapshot { return c.metrics.snapshot() }

// TriggerAsync launches Trigger in a goroutine against a fresh background
// context bounded by config.Timeout, so the caller's request context
// expiring (or being canceled once the response is written) cannot cut the
// evolution pass short.
func (c *Coordinator) TriggerAsync(trace *crew.ExecutionTrace, userInput, mainResponse string) {
	if !c.config.Enabled {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
		defer cancel()
		if _, err := c.Trigger(ctx, trace, userInput, mainResponse); err != nil {
			c.logger.Warn("evolution trigger failed", map[string]interface{}{"run_id": trace.RunID, "error": err.Error()})
		}
	}()
}

// Trigger runs the evolution pipeline synchronously for one primary run. It
// is exported for callers that want to await it directly (e.g. tests, or a
// caller that prefers to drive its own detachment).
func (c *Coordinator) Trigger(ctx context.Context, trace *crew.ExecutionTrace, userInput, mainResponse string) (*RunResult, error) {
	if !c.config.Enabled {
		return nil, nil
	}

	c.mu.Lock()
	if c.fired[trace.RunID] {
		c.mu.Unlock()
		return nil, fmt.Errorf("evolution already fired for run %s", trace.RunID)
	}
	c.fired[trace.RunID] = true
	c.mu.Unlock()

	inputs := map[string]interface{}{
		"task":            reviewPrompt(trace, userInput, mainResponse),
		"expected_output": `a JSON object of the form {"changes": [...]}`,
	}

	result, err := c.executor.Execute(ctx, c.evolutionCrew, inputs)
	if err != nil {
		c.logger.Warn("evolution crew execution failed", map[string]interface{}{"run_id": trace.RunID, "error": err.Error()})
		return nil, err
	}

	changes, malformed, err := Parse(result.FinalOutput)
	if err != nil {
		c.logger.Warn("evolution payload decode failed", map[string]interface{}{"run_id": trace.RunID, "error": err.Error()})
		return nil, err
	}
	for _, m := range malformed {
		c.logger.Warn("malformed evolution change skipped", map[string]interface{}{"run_id": trace.RunID, "detail": m})
	}

	var changeResults []ChangeResult
	if c.config.AutoApply {
		changeResults = c.applier.Apply(ctx, changes)
	} else {
		changeResults = c.applier.ProposeAll(ctx, changes)
	}
	c.metrics.record(changeResults)

	return &RunResult{RunID: trace.RunID, Changes: changeResults, Malformed: malformed}, nil
}

// reviewPrompt builds the evolution crew's main task description out of the
// primary run's inputs/response and a compacted trace.
func reviewPrompt(trace *crew.ExecutionTrace, userInput, mainResponse string) string {
	var b strings.Builder
	b.WriteString("Review the following completed crew run and propose knowledge improvements ")
	b.WriteString("as an evolution JSON payload. Only add_knowledge and update_knowledge entries ")
	b.WriteString("are ever applied automatically; everything else is recorded as a proposal.\n\n")
	b.WriteString("User input:\n" + userInput + "\n\n")
	b.WriteString("Main response:\n" + mainResponse + "\n\n")
	b.WriteString("Execution trace:\n" + summarizeTrace(trace))
	return b.String()
}

func summarizeTrace(trace *crew.ExecutionTrace) string {
	var b strings.Builder
	for _, s := range trace.Steps {
		fmt.Fprintf(&b, "- task=%s agent=%s attempts=%d verdict=%s duration=%s",
			s.TaskName, s.AgentName, s.Attempts, s.FinalVerdict, s.Duration)
		if s.Error != "" {
			errExcerpt := s.Error
			if len(errExcerpt) > 200 {
				errExcerpt = errExcerpt[:200]
			}
			fmt.Fprintf(&b, " error=%q", errExcerpt)
		}
		b.WriteString("\n")
	}
	return b.String()
}
