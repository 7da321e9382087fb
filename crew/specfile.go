package crew

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/altis0725/OKAMI/core"
)

// SpecDocument is the persisted, declarative form of a crew deployment:
// one YAML document carrying agents, tasks, and crews keyed by name.
// Identity keys are case-sensitive.
type SpecDocument struct {
	Agents map[string]*AgentSpec `yaml:"agents"`
	Tasks  map[string]*TaskSpec  `yaml:"tasks"`
	Crews  map[string]*CrewSpec  `yaml:"crews"`
}

type agentSpecDoc struct {
	Role            string         `yaml:"role"`
	Goal            string         `yaml:"goal"`
	Backstory       string         `yaml:"backstory"`
	SystemTemplate  string         `yaml:"system_template"`
	PromptTemplate  string         `yaml:"prompt_template"`
	Tools           []string       `yaml:"tools"`
	MaxIter         int            `yaml:"max_iter"`
	MaxRPM          int            `yaml:"max_rpm"`
	AllowDelegation bool           `yaml:"allow_delegation"`
	MemoryEnabled   bool           `yaml:"memory_enabled"`
	KnowledgeRefs   []knowledgeDoc `yaml:"knowledge_refs"`
}

type taskSpecDoc struct {
	Description    string   `yaml:"description"`
	ExpectedOutput string   `yaml:"expected_output"`
	Agent          string   `yaml:"agent"`
	Context        []string `yaml:"context"`
	Guardrails     []string `yaml:"guardrails"`
	MaxRetries     int      `yaml:"max_retries"`
	OutputSchema   *Schema  `yaml:"output_schema"`
	Async          bool     `yaml:"async"`
	Tools          []string `yaml:"tools"`
}

type crewSpecDoc struct {
	Process          string                 `yaml:"process"`
	Agents           []string               `yaml:"agents"`
	Tasks            []string               `yaml:"tasks"`
	ManagerAgent     string                 `yaml:"manager_agent"`
	MemoryEnabled    bool                   `yaml:"memory_enabled"`
	MemoryConfig     map[string]interface{} `yaml:"memory_config"`
	KnowledgeSources []knowledgeDoc         `yaml:"knowledge_sources"`
	PlanningEnabled  bool                   `yaml:"planning_enabled"`
}

type knowledgeDoc struct {
	Category string `yaml:"category"`
	Query    string `yaml:"query"`
}

type specFileDoc struct {
	Agents map[string]yaml.Node `yaml:"agents"`
	Tasks  map[string]yaml.Node `yaml:"tasks"`
	Crews  map[string]yaml.Node `yaml:"crews"`
}

var (
	agentFields = fieldSet("role", "goal", "backstory", "system_template",
		"prompt_template", "tools", "max_iter", "max_rpm", "allow_delegation",
		"memory_enabled", "knowledge_refs")
	taskFields = fieldSet("description", "expected_output", "agent", "context",
		"guardrails", "max_retries", "output_schema", "async", "tools")
	crewFields = fieldSet("process", "agents", "tasks", "manager_agent",
		"memory_enabled", "memory_config", "knowledge_sources", "planning_enabled")
)

func fieldSet(names ...string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// DecodeSpecDocument parses a persisted spec document. Unknown fields are
// ignored with a warning rather than rejected; structural errors
// (invalid YAML, wrong node kinds) fail with ValidationError semantics.
func DecodeSpecDocument(data []byte, logger core.Logger) (*SpecDocument, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	var raw specFileDoc
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode spec document: %w: %v", core.ErrInvalidConfiguration, err)
	}

	doc := &SpecDocument{
		Agents: make(map[string]*AgentSpec, len(raw.Agents)),
		Tasks:  make(map[string]*TaskSpec, len(raw.Tasks)),
		Crews:  make(map[string]*CrewSpec, len(raw.Crews)),
	}

	for name, node := range raw.Agents {
		warnUnknownFields(&node, agentFields, "agent", name, logger)
		var a agentSpecDoc
		if err := node.Decode(&a); err != nil {
			return nil, fmt.Errorf("agent %q: %w: %v", name, core.ErrInvalidConfiguration, err)
		}
		maxIter := a.MaxIter
		if maxIter < 1 {
			maxIter = 1
		}
		doc.Agents[name] = &AgentSpec{
			Name:            name,
			Role:            a.Role,
			Goal:            a.Goal,
			Backstory:       a.Backstory,
			SystemTemplate:  a.SystemTemplate,
			PromptTemplate:  a.PromptTemplate,
			Tools:           a.Tools,
			MaxIter:         maxIter,
			MaxRPM:          a.MaxRPM,
			AllowDelegation: a.AllowDelegation,
			MemoryEnabled:   a.MemoryEnabled,
			KnowledgeRefs:   toKnowledgeRefs(a.KnowledgeRefs),
		}
	}

	for name, node := range raw.Tasks {
		warnUnknownFields(&node, taskFields, "task", name, logger)
		var t taskSpecDoc
		if err := node.Decode(&t); err != nil {
			return nil, fmt.Errorf("task %q: %w: %v", name, core.ErrInvalidConfiguration, err)
		}
		doc.Tasks[name] = &TaskSpec{
			Name:           name,
			Description:    t.Description,
			ExpectedOutput: t.ExpectedOutput,
			AgentRef:       t.Agent,
			ContextRefs:    t.Context,
			GuardrailRefs:  t.Guardrails,
			MaxRetries:     t.MaxRetries,
			OutputSchema:   t.OutputSchema,
			Async:          t.Async,
			Tools:          t.Tools,
		}
	}

	for name, node := range raw.Crews {
		warnUnknownFields(&node, crewFields, "crew", name, logger)
		var c crewSpecDoc
		if err := node.Decode(&c); err != nil {
			return nil, fmt.Errorf("crew %q: %w: %v", name, core.ErrInvalidConfiguration, err)
		}
		doc.Crews[name] = &CrewSpec{
			Name:             name,
			Process:          c.Process,
			Agents:           c.Agents,
			Tasks:            c.Tasks,
			ManagerAgent:     c.ManagerAgent,
			MemoryEnabled:    c.MemoryEnabled,
			MemoryConfig:     c.MemoryConfig,
			KnowledgeSources: toKnowledgeRefs(c.KnowledgeSources),
			PlanningEnabled:  c.PlanningEnabled,
		}
	}

	return doc, nil
}

func toKnowledgeRefs(docs []knowledgeDoc) []KnowledgeRef {
	if len(docs) == 0 {
		return nil
	}
	refs := make([]KnowledgeRef, len(docs))
	for i, d := range docs {
		refs[i] = KnowledgeRef{Category: d.Category, Query: d.Query}
	}
	return refs
}

func warnUnknownFields(node *yaml.Node, known map[string]bool, entity, name string, logger core.Logger) {
	if node.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if !known[key] {
			logger.Warn("unknown field in spec document ignored", map[string]interface{}{
				"entity": entity, "name": name, "field": key,
			})
		}
	}
}
