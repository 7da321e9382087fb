package crew

import "strings"

// buildPrompt composes a task prompt from five ordered elements: agent
// templates, task description and expected-output contract, ordered
// dependency outputs, retrieval-augmented context, and the tool manifest,
// plus, on a retry, a corrective hint from the previous guardrail failure.
func buildPrompt(agent *AgentSpec, task *TaskSpec, depOutputs []string, retrieval []string, toolNames []string, correctiveHint string, toolTranscript []ToolCallRecord) string {
	var b strings.Builder

	if agent.PromptTemplate != "" {
		b.WriteString(agent.PromptTemplate)
		b.WriteString("\n\n")
	}

	b.WriteString("Task: " + task.Description + "\n")
	if task.ExpectedOutput != "" {
		b.WriteString("Expected output: " + task.ExpectedOutput + "\n")
	}

	if len(depOutputs) > 0 {
		b.WriteString("\nContext from prior tasks:\n")
		for _, out := range depOutputs {
			b.WriteString("- " + out + "\n")
		}
	}

	if len(retrieval) > 0 {
		b.WriteString("\nRelevant memory/knowledge:\n")
		for _, r := range retrieval {
			b.WriteString("- " + r + "\n")
		}
	}

	if len(toolNames) > 0 {
		b.WriteString("\nAvailable tools: " + strings.Join(toolNames, ", ") + "\n")
	}

	if len(toolTranscript) > 0 {
		b.WriteString("\nPrior tool calls this attempt:\n")
		for _, tc := range toolTranscript {
			if tc.Error != "" {
				b.WriteString("- " + tc.Name + " failed: " + tc.Error + "\n")
			} else {
				b.WriteString("- " + tc.Name + " returned: " + tc.Result + "\n")
			}
		}
	}

	if correctiveHint != "" {
		b.WriteString("\n" + correctiveHint + "\n")
	}

	return b.String()
}

func systemPrompt(agent *AgentSpec) string {
	var b strings.Builder
	if agent.SystemTemplate != "" {
		b.WriteString(agent.SystemTemplate)
	} else {
		b.WriteString("You are " + agent.Role + ".")
	}
	if agent.Goal != "" {
		b.WriteString(" Your goal: " + agent.Goal + ".")
	}
	if agent.Backstory != "" {
		b.WriteString(" " + agent.Backstory)
	}
	return b.String()
}
