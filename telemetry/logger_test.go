package telemetry

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevelGating(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("okami-test", WithOutput(&buf), WithLevel("WARN"), WithJSON(false))

	logger.Debug("debug line", nil)
	logger.Info("info line", nil)
	logger.Warn("warn line", nil)
	logger.Error("error line", nil)

	out := buf.String()
	assert.NotContains(t, out, "debug line")
	assert.NotContains(t, out, "info line")
	assert.Contains(t, out, "warn line")
	assert.Contains(t, out, "error line")
}

func TestLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("okami-test", WithOutput(&buf), WithLevel("INFO"), WithJSON(true))

	logger.Info("crew run finished", map[string]interface{}{"run_id": "r-1", "status": "completed"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "crew run finished", entry["msg"])
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "r-1", entry["run_id"])
	assert.Equal(t, "completed", entry["status"])
	assert.Equal(t, "okami-test", entry["service"])
}

func TestLoggerWithComponent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger("okami-test", WithOutput(&buf), WithLevel("INFO"), WithJSON(true))
	child := parent.WithComponent("guardrail")

	child.Info("pipeline short-circuited", nil)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "guardrail", entry["component"])

	// Parent stays untagged.
	buf.Reset()
	parent.Info("untagged", nil)
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	_, hasComponent := entry["component"]
	assert.False(t, hasComponent)
}

func TestLoggerTextFieldsDeterministic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("", WithOutput(&buf), WithLevel("INFO"), WithJSON(false))

	logger.Info("msg", map[string]interface{}{"b": 2, "a": 1, "c": 3})

	line := strings.TrimSpace(buf.String())
	idxA := strings.Index(line, "a=1")
	idxB := strings.Index(line, "b=2")
	idxC := strings.Index(line, "c=3")
	require.True(t, idxA >= 0 && idxB >= 0 && idxC >= 0, "all fields rendered: %s", line)
	assert.True(t, idxA < idxB && idxB < idxC, "fields sorted: %s", line)
}
