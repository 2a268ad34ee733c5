package backend

import (
	"fmt"
	"strings"

	"github.com/aristath/nexus/internal/scheduler"
)

// MaxContextChars bounds each dependency output embedded in a prompt.
const MaxContextChars = 8000

const truncationMarker = "\n...(truncated)"

// truncate cuts s to n runes, appending a marker when anything was dropped.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + truncationMarker
}

// SystemPrompt returns the agent's own system prompt or one derived from its
// name and role.
func SystemPrompt(agent scheduler.Agent) string {
	if agent.SystemPrompt != "" {
		return agent.SystemPrompt
	}
	name := agent.Name
	if name == "" {
		name = agent.ID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", name)
	if agent.Description != "" {
		fmt.Fprintf(&b, ", %s", strings.TrimSuffix(agent.Description, "."))
	}
	b.WriteString(".\nNever leave placeholders. Implement fully.\nFollow the task description strictly.")
	return b.String()
}

// BuildPrompt renders the prompt for one execution: the task, the outputs of
// its dependencies and role specific instructions.
func BuildPrompt(req scheduler.ExecutionRequest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "<task_description>\n%s\n</task_description>\n\n", strings.TrimSpace(req.Task.Description))
	if req.Task.ExpectedOutput != "" {
		fmt.Fprintf(&b, "<expected_output>\n%s\n</expected_output>\n\n", strings.TrimSpace(req.Task.ExpectedOutput))
	}

	b.WriteString("<context_data>\n")
	for _, id := range req.Task.DependsOn {
		out, ok := req.DependencyOutputs[id]
		if !ok {
			continue
		}
		kind := out.Kind
		if kind == "" {
			kind = scheduler.OutputText
		}
		fmt.Fprintf(&b, "<task_result id=%q type=%q>\n%s\n</task_result>\n", id, kind, truncate(out.Content, MaxContextChars))
	}
	b.WriteString("</context_data>\n")

	switch {
	case req.Agent.Role.ProducesFiles():
		b.WriteString(`
<writer_rules>
1. Output the FULL content of every file you change in a fenced block whose
   first line names the file:
   ` + "```go\n   Path: internal/example/example.go\n   ...\n   ```" + `
2. Check imports against the context data provided.
</writer_rules>
`)
		if len(req.FeedbackHistory) > 0 {
			b.WriteString("\n<revision_history>\nPrevious attempts failed review. Fix these issues:\n")
			for i, msg := range req.FeedbackHistory {
				fmt.Fprintf(&b, "Attempt %d: %s\n", i+1, strings.TrimSpace(msg))
			}
			b.WriteString("Do not repeat the same mistakes.\n</revision_history>\n")
		}
	case req.Agent.Role == scheduler.RoleReviewer:
		b.WriteString(`
<reviewer_instructions>
Verify that the work compiles against the context, fulfils the task, contains
no hardcoded secrets or injection flaws and has no placeholders.

Reply with JSON only:
{"decision": "APPROVED"|"NEEDS_REVISION", "feedback": "detailed report", "severity": "low"|"medium"|"critical"}
</reviewer_instructions>
`)
	}

	return b.String()
}
