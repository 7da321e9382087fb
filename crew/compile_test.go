package crew

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altis0725/OKAMI/core"
)

func specAgents(names ...string) map[string]*AgentSpec {
	agents := make(map[string]*AgentSpec, len(names))
	for _, n := range names {
		agents[n] = &AgentSpec{Name: n, Role: n, MaxIter: 5}
	}
	return agents
}

func TestCompileSequentialHappyPath(t *testing.T) {
	agents := specAgents("a", "b")
	tasks := map[string]*TaskSpec{
		"first":  {Name: "first", Description: "do one", AgentRef: "a"},
		"second": {Name: "second", Description: "do two", AgentRef: "b", ContextRefs: []string{"first"}},
	}
	spec := &CrewSpec{Name: "demo", Process: ProcessSequential, Agents: []string{"a", "b"}, Tasks: []string{"first", "second"}}

	compiled, err := Compile(spec, agents, tasks)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, compiled.Order)
	assert.Nil(t, compiled.Manager)
}

func TestCompileRejectsCycle(t *testing.T) {
	agents := specAgents("a")
	tasks := map[string]*TaskSpec{
		"x": {Name: "x", AgentRef: "a", ContextRefs: []string{"y"}},
		"y": {Name: "y", AgentRef: "a", ContextRefs: []string{"x"}},
	}
	spec := &CrewSpec{Name: "cyclic", Process: ProcessSequential, Agents: []string{"a"}, Tasks: []string{"x", "y"}}

	_, err := Compile(spec, agents, tasks)
	assert.ErrorIs(t, err, core.ErrCyclicDAG)
}

func TestCompileRejectsUnresolvedRefs(t *testing.T) {
	agents := specAgents("a")
	tasks := map[string]*TaskSpec{
		"x": {Name: "x", AgentRef: "a", ContextRefs: []string{"ghost"}},
	}
	spec := &CrewSpec{Name: "c", Process: ProcessSequential, Agents: []string{"a"}, Tasks: []string{"x"}}
	_, err := Compile(spec, agents, tasks)
	assert.ErrorIs(t, err, core.ErrUnresolvedRef)

	spec = &CrewSpec{Name: "c", Process: ProcessSequential, Agents: []string{"missing"}, Tasks: []string{"x"}}
	_, err = Compile(spec, agents, tasks)
	assert.ErrorIs(t, err, core.ErrUnresolvedRef)
}

func TestCompileSequentialRequiresAgentRef(t *testing.T) {
	agents := specAgents("a")
	tasks := map[string]*TaskSpec{
		"x": {Name: "x", Description: "unassigned"},
	}
	spec := &CrewSpec{Name: "c", Process: ProcessSequential, Agents: []string{"a"}, Tasks: []string{"x"}}

	_, err := Compile(spec, agents, tasks)
	assert.ErrorIs(t, err, core.ErrUnresolvedRef)
}

func TestCompileHierarchicalManagerRules(t *testing.T) {
	agents := specAgents("worker", "boss")
	tasks := map[string]*TaskSpec{}

	// Missing manager.
	spec := &CrewSpec{Name: "h", Process: ProcessHierarchical, Agents: []string{"worker"}}
	_, err := Compile(spec, agents, tasks)
	assert.ErrorIs(t, err, core.ErrMissingManager)

	// Manager listed among agents.
	spec = &CrewSpec{Name: "h", Process: ProcessHierarchical, Agents: []string{"worker", "boss"}, ManagerAgent: "boss"}
	_, err = Compile(spec, agents, tasks)
	assert.ErrorIs(t, err, core.ErrManagerInAgents)

	// Valid: manager excluded from the compiled agents list, present once as
	// the runtime manager.
	spec = &CrewSpec{Name: "h", Process: ProcessHierarchical, Agents: []string{"worker"}, ManagerAgent: "boss"}
	compiled, err := Compile(spec, agents, tasks)
	require.NoError(t, err)
	require.NotNil(t, compiled.Manager)
	assert.Equal(t, "boss", compiled.Manager.Name)
	_, managerInAgents := compiled.Agents["boss"]
	assert.False(t, managerInAgents)
}

func TestCompileRejectsUnknownSchemaType(t *testing.T) {
	agents := specAgents("a")
	tasks := map[string]*TaskSpec{
		"x": {Name: "x", AgentRef: "a", OutputSchema: &Schema{Type: "xml"}},
	}
	spec := &CrewSpec{Name: "c", Process: ProcessSequential, Agents: []string{"a"}, Tasks: []string{"x"}}

	_, err := Compile(spec, agents, tasks)
	assert.ErrorIs(t, err, core.ErrUnknownType)
}

func TestCompileRejectsUnknownProcess(t *testing.T) {
	spec := &CrewSpec{Name: "c", Process: "consensus"}
	_, err := Compile(spec, specAgents(), map[string]*TaskSpec{})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}
