package crew

import (
	"fmt"

	"github.com/altis0725/OKAMI/core"
)

// CompiledCrew is the executable plan a CrewSpec compiles to.
type CompiledCrew struct {
	Spec    *CrewSpec
	Agents  map[string]*AgentSpec
	Tasks   map[string]*TaskSpec
	Order   []string // topologically sorted task names (sequential execution order)
	Manager *AgentSpec
}

// Compile validates a CrewSpec against its referenced agents/tasks and
// returns an executable plan.
func Compile(spec *CrewSpec, agents map[string]*AgentSpec, tasks map[string]*TaskSpec) (*CompiledCrew, error) {
	compiled := &CompiledCrew{Spec: spec, Agents: make(map[string]*AgentSpec), Tasks: make(map[string]*TaskSpec)}

	for _, name := range spec.Agents {
		agent, ok := agents[name]
		if !ok {
			return nil, fmt.Errorf("agent %q: %w", name, core.ErrUnresolvedRef)
		}
		compiled.Agents[name] = agent
	}

	for _, name := range spec.Tasks {
		task, ok := tasks[name]
		if !ok {
			return nil, fmt.Errorf("task %q: %w", name, core.ErrUnresolvedRef)
		}
		for _, dep := range task.ContextRefs {
			if _, ok := tasks[dep]; !ok {
				return nil, fmt.Errorf("task %q depends on unresolved task %q: %w", name, dep, core.ErrUnresolvedRef)
			}
		}
		if task.AgentRef != "" {
			if _, ok := agents[task.AgentRef]; !ok {
				return nil, fmt.Errorf("task %q references unresolved agent %q: %w", name, task.AgentRef, core.ErrUnresolvedRef)
			}
		}
		if task.OutputSchema != nil && !knownSchemaTypes[task.OutputSchema.Type] {
			return nil, fmt.Errorf("task %q output_schema type %q: %w", name, task.OutputSchema.Type, core.ErrUnknownType)
		}
		compiled.Tasks[name] = task
	}

	switch spec.Process {
	case ProcessHierarchical:
		if spec.ManagerAgent == "" {
			return nil, fmt.Errorf("hierarchical crew %q: %w", spec.Name, core.ErrMissingManager)
		}
		manager, ok := agents[spec.ManagerAgent]
		if !ok {
			return nil, fmt.Errorf("manager agent %q: %w", spec.ManagerAgent, core.ErrUnresolvedRef)
		}
		if _, inAgents := compiled.Agents[spec.ManagerAgent]; inAgents {
			return nil, fmt.Errorf("manager agent %q listed in agents: %w", spec.ManagerAgent, core.ErrManagerInAgents)
		}
		compiled.Manager = manager
	case ProcessSequential:
		for name, task := range compiled.Tasks {
			if task.AgentRef == "" {
				return nil, fmt.Errorf("sequential task %q has no agent_ref: %w", name, core.ErrUnresolvedRef)
			}
		}
	default:
		return nil, fmt.Errorf("crew %q: unknown process %q: %w", spec.Name, spec.Process, core.ErrInvalidConfiguration)
	}

	order, err := topologicalOrder(compiled.Tasks, spec.Tasks)
	if err != nil {
		return nil, err
	}
	compiled.Order = order

	return compiled, nil
}

// topologicalOrder runs Kahn's algorithm over task ContextRefs. Any task not
// visited once the queue drains indicates a cycle.
func topologicalOrder(tasks map[string]*TaskSpec, declared []string) ([]string, error) {
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for name, task := range tasks {
		indegree[name] += 0
		for _, dep := range task.ContextRefs {
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	queue := make([]string, 0, len(declared))
	for _, name := range declared {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	order := make([]string, 0, len(tasks))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(tasks) {
		return nil, fmt.Errorf("crew task graph: %w", core.ErrCyclicDAG)
	}
	return order, nil
}
