package crew

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altis0725/OKAMI/core"
)

type warnRecorder struct {
	core.NoOpLogger
	mu    sync.Mutex
	warns []map[string]interface{}
}

func (w *warnRecorder) Warn(msg string, fields map[string]interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.warns = append(w.warns, fields)
}

const sampleSpecDoc = `
agents:
  researcher:
    role: senior researcher
    goal: find facts
    max_iter: 10
    max_rpm: 30
    allow_delegation: true
    memory_enabled: true
    knowledge_refs:
      - category: domain
        query: research methods
  manager:
    role: crew manager
    max_iter: 15
    favorite_color: blue
tasks:
  investigate:
    description: investigate the topic
    expected_output: a factual summary
    agent: researcher
    guardrails: [quality, relevance]
    max_retries: 2
  summarize:
    description: summarize findings
    agent: researcher
    context: [investigate]
    output_schema:
      type: json
      required: [summary]
crews:
  default:
    process: sequential
    agents: [researcher]
    tasks: [investigate, summarize]
    memory_enabled: true
`

func TestDecodeSpecDocument(t *testing.T) {
	logger := &warnRecorder{}
	doc, err := DecodeSpecDocument([]byte(sampleSpecDoc), logger)
	require.NoError(t, err)

	researcher := doc.Agents["researcher"]
	require.NotNil(t, researcher)
	assert.Equal(t, "researcher", researcher.Name)
	assert.Equal(t, "senior researcher", researcher.Role)
	assert.Equal(t, 10, researcher.MaxIter)
	assert.Equal(t, 30, researcher.MaxRPM)
	assert.True(t, researcher.AllowDelegation)
	require.Len(t, researcher.KnowledgeRefs, 1)
	assert.Equal(t, "domain", researcher.KnowledgeRefs[0].Category)

	investigate := doc.Tasks["investigate"]
	require.NotNil(t, investigate)
	assert.Equal(t, "researcher", investigate.AgentRef)
	assert.Equal(t, []string{"quality", "relevance"}, investigate.GuardrailRefs)
	assert.Equal(t, 2, investigate.MaxRetries)

	summarize := doc.Tasks["summarize"]
	require.NotNil(t, summarize)
	assert.Equal(t, []string{"investigate"}, summarize.ContextRefs)
	require.NotNil(t, summarize.OutputSchema)
	assert.Equal(t, "json", summarize.OutputSchema.Type)
	assert.Equal(t, []string{"summary"}, summarize.OutputSchema.Required)

	crew := doc.Crews["default"]
	require.NotNil(t, crew)
	assert.Equal(t, ProcessSequential, crew.Process)

	// The decoded document compiles directly.
	_, err = Compile(crew, doc.Agents, doc.Tasks)
	assert.NoError(t, err)
}

func TestDecodeSpecDocumentWarnsOnUnknownFields(t *testing.T) {
	logger := &warnRecorder{}
	_, err := DecodeSpecDocument([]byte(sampleSpecDoc), logger)
	require.NoError(t, err)

	var found bool
	for _, w := range logger.warns {
		if w["field"] == "favorite_color" && w["name"] == "manager" {
			found = true
		}
	}
	assert.True(t, found, "unknown field should be warned about, got %v", logger.warns)
}

func TestDecodeSpecDocumentClampsMaxIter(t *testing.T) {
	doc, err := DecodeSpecDocument([]byte("agents:\n  a:\n    role: r\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Agents["a"].MaxIter, "max_iter floors at 1")
}

func TestDecodeSpecDocumentRejectsInvalidYAML(t *testing.T) {
	_, err := DecodeSpecDocument([]byte("agents: [not: a: map"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}
