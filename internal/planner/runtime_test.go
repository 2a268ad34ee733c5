package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/nexus/internal/scheduler"
)

type replyRuntime struct {
	reply string
	err   error
	req   scheduler.ExecutionRequest
}

func (r *replyRuntime) Execute(ctx context.Context, req scheduler.ExecutionRequest, stream scheduler.StreamFunc) (scheduler.TaskOutput, scheduler.Usage, error) {
	r.req = req
	return scheduler.TaskOutput{Content: r.reply}, scheduler.Usage{TotalTokens: 1}, r.err
}

func TestRuntimePlannerParsesReply(t *testing.T) {
	rt := &replyRuntime{reply: "Here is the plan:\n```json\n" +
		`{"tasks":[{"id":"t1","description":"write it","agentId":"code-writer","depends_on":[]},` +
		`{"id":"t2","description":"check it","agentId":"code-reviewer","depends_on":["t1"],"reviewOf":"t1"}]}` +
		"\n```"}
	p := &RuntimePlanner{
		Runtime:    rt,
		Agent:      scheduler.Agent{ID: "planner", Role: scheduler.RoleGeneral},
		Catalog:    catalog(),
		ReviewGate: true,
		Context:    "Go service",
	}

	dag, err := p.Plan(context.Background(), "ship retries")
	require.NoError(t, err)
	assert.Equal(t, 2, dag.Len(), "an already reviewed writer gets no extra reviewer")
	_, err = dag.Validate()
	require.NoError(t, err)

	prompt := rt.req.Task.Description
	assert.Contains(t, prompt, "<objective>ship retries</objective>")
	assert.Contains(t, prompt, "<context>Go service</context>")
	assert.Contains(t, prompt, "- 'code-reviewer' (reviewer): reviews code")
	assert.Equal(t, "planner", rt.req.Agent.ID)
}

func TestRuntimePlannerErrors(t *testing.T) {
	agent := scheduler.Agent{ID: "planner"}

	boom := errors.New("offline")
	_, err := (&RuntimePlanner{Runtime: &replyRuntime{err: boom}, Agent: agent}).Plan(context.Background(), "x")
	assert.ErrorIs(t, err, boom)

	_, err = (&RuntimePlanner{Runtime: &replyRuntime{reply: "I cannot help"}, Agent: agent}).Plan(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnparseablePlan)

	_, err = (&RuntimePlanner{Runtime: &replyRuntime{reply: `{"tasks": []}`}, Agent: agent}).Plan(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnparseablePlan)
}
