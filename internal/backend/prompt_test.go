package backend

import (
	"strings"
	"testing"

	"github.com/aristath/nexus/internal/scheduler"
)

func TestBuildPrompt_IncludesDependenciesInOrder(t *testing.T) {
	req := scheduler.ExecutionRequest{
		Task:  scheduler.Task{ID: "C", Description: "combine", ExpectedOutput: "a summary", DependsOn: []string{"B", "A"}},
		Agent: scheduler.Agent{ID: "general", Role: scheduler.RoleGeneral},
		DependencyOutputs: map[string]scheduler.TaskOutput{
			"A": {Kind: scheduler.OutputFile, Content: "alpha"},
			"B": {Content: "beta"},
		},
	}
	prompt := BuildPrompt(req)

	for _, want := range []string{
		"<task_description>\ncombine\n</task_description>",
		"<expected_output>\na summary\n</expected_output>",
		"<task_result id=\"B\" type=\"text\">\nbeta\n</task_result>",
		"<task_result id=\"A\" type=\"file\">\nalpha\n</task_result>",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Index(prompt, `id="B"`) > strings.Index(prompt, `id="A"`) {
		t.Error("dependencies should follow the task's declared order")
	}
	if strings.Contains(prompt, "writer_rules") || strings.Contains(prompt, "reviewer_instructions") {
		t.Error("general agents get no role instructions")
	}
}

func TestBuildPrompt_TruncatesLargeDependencies(t *testing.T) {
	big := strings.Repeat("é", MaxContextChars+10)
	req := scheduler.ExecutionRequest{
		Task:              scheduler.Task{ID: "B", Description: "use it", DependsOn: []string{"A"}},
		Agent:             scheduler.Agent{ID: "general"},
		DependencyOutputs: map[string]scheduler.TaskOutput{"A": {Content: big}},
	}
	prompt := BuildPrompt(req)
	if !strings.Contains(prompt, strings.Repeat("é", MaxContextChars)+"\n...(truncated)\n</task_result>") {
		t.Error("expected dependency output truncated to MaxContextChars with a marker")
	}
	if strings.Contains(prompt, strings.Repeat("é", MaxContextChars+1)) {
		t.Error("truncated content leaked into the prompt")
	}

	if got := truncate("short", MaxContextChars); got != "short" {
		t.Errorf("short content changed: %q", got)
	}
}

func TestBuildPrompt_WriterRevisionHistory(t *testing.T) {
	req := scheduler.ExecutionRequest{
		Task:            scheduler.Task{ID: "W", Description: "write"},
		Agent:           scheduler.Agent{ID: "code-writer", Role: scheduler.RoleWriter},
		FeedbackHistory: []string{"missing tests", "still no tests"},
		Iteration:       2,
	}
	prompt := BuildPrompt(req)
	for _, want := range []string{"<writer_rules>", "Path: ", "Attempt 1: missing tests\nAttempt 2: still no tests\n"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}

	req.FeedbackHistory = nil
	if strings.Contains(BuildPrompt(req), "revision_history") {
		t.Error("first attempt should carry no revision history")
	}
}

func TestBuildPrompt_ReviewerAsksForVerdict(t *testing.T) {
	prompt := BuildPrompt(scheduler.ExecutionRequest{
		Task:  scheduler.Task{ID: "R", Description: "review"},
		Agent: scheduler.Agent{ID: "code-reviewer", Role: scheduler.RoleReviewer},
	})
	if !strings.Contains(prompt, `"decision": "APPROVED"|"NEEDS_REVISION"`) {
		t.Errorf("reviewer prompt lacks the verdict format:\n%s", prompt)
	}
}

func TestSystemPrompt(t *testing.T) {
	if got := SystemPrompt(scheduler.Agent{ID: "x", SystemPrompt: "custom"}); got != "custom" {
		t.Errorf("explicit system prompt ignored: %q", got)
	}
	got := SystemPrompt(scheduler.Agent{ID: "code-writer", Name: "Code Writer", Description: "implements changes."})
	if !strings.HasPrefix(got, "You are Code Writer, implements changes.\n") {
		t.Errorf("derived system prompt = %q", got)
	}
	if got := SystemPrompt(scheduler.Agent{ID: "anon"}); !strings.HasPrefix(got, "You are anon.") {
		t.Errorf("fallback to id failed: %q", got)
	}
}
