package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/aristath/nexus/internal/backend"
	"github.com/aristath/nexus/internal/scheduler"
)

// ErrUnparseablePlan is returned when the planning agent's reply holds no plan.
var ErrUnparseablePlan = errors.New("planner reply contains no plan")

// RuntimePlanner asks a planning agent to decompose the objective.
type RuntimePlanner struct {
	Runtime    scheduler.AgentRuntime
	Agent      scheduler.Agent
	Catalog    []scheduler.Agent
	ReviewGate bool
	Context    string // extra repository context handed to the agent
	Logger     *zap.Logger
}

// Plan implements orchestrator.Planner.
func (p *RuntimePlanner) Plan(ctx context.Context, objective string) (*scheduler.DAG, error) {
	req := scheduler.ExecutionRequest{
		Task: scheduler.Task{
			ID:             "plan",
			Description:    p.prompt(objective),
			AgentID:        p.Agent.ID,
			ExpectedOutput: "A JSON object with a tasks array",
		},
		Agent:   p.Agent,
		Attempt: 1,
	}
	out, usage, err := p.Runtime.Execute(ctx, req, func(string) {})
	if err != nil {
		return nil, fmt.Errorf("planning agent: %w", err)
	}
	if p.Logger != nil {
		p.Logger.Debug("plan received", zap.Int("tokens", usage.TotalTokens))
	}

	raw, ok := backend.ExtractJSON(out.Content)
	if !ok {
		return nil, ErrUnparseablePlan
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseablePlan, err)
	}
	if len(doc.Tasks) == 0 {
		return nil, fmt.Errorf("%w: no tasks", ErrUnparseablePlan)
	}
	return finish(doc, p.Catalog, p.ReviewGate, p.Logger)
}

func (p *RuntimePlanner) prompt(objective string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<objective>%s</objective>\n", strings.TrimSpace(objective))
	if p.Context != "" {
		fmt.Fprintf(&b, "<context>%s</context>\n", strings.TrimSpace(p.Context))
	}
	b.WriteString("<instructions>\nDecompose the objective into atomic, actionable engineering tasks.\n\nAgents:\n")
	for _, a := range p.Catalog {
		fmt.Fprintf(&b, "- '%s' (%s): %s\n", a.ID, a.Role, a.Description)
	}
	b.WriteString(`
Rules:
1. Every task that writes code is followed by a reviewer task that depends on it
   and names it in "reviewOf".
2. A reviewer task depends only on the task it reviews.
3. Use only the agent ids listed above. Dependencies must not form cycles.

Reply with JSON only:
{"tasks": [{"id": "...", "description": "...", "agentId": "...", "depends_on": ["..."], "expectedOutput": "...", "reviewOf": "..."}]}
</instructions>`)
	return b.String()
}
