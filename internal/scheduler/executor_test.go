package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runtimeFunc func(ctx context.Context, req ExecutionRequest, stream StreamFunc) (TaskOutput, Usage, error)

func (f runtimeFunc) Execute(ctx context.Context, req ExecutionRequest, stream StreamFunc) (TaskOutput, Usage, error) {
	return f(ctx, req, stream)
}

func TestExecutorPrepareCollectsDependencyOutputs(t *testing.T) {
	dag := validDAG(t,
		graphSpec{id: "A"},
		graphSpec{id: "B"},
		graphSpec{id: "C", agent: "code-writer", deps: []string{"A", "B"}},
	)
	outputs := NewOutputMap()
	outputs.Put("A", TaskOutput{Content: "from A"})
	outputs.Put("B", TaskOutput{Content: "from B"})
	exec := NewExecutor(dag, outputs, nil)

	req, err := exec.Prepare(StatusRecord{TaskID: "C", Attempt: 2, Iteration: 1, FeedbackHistory: []string{"fix it"}})
	require.NoError(t, err)
	assert.Equal(t, "C", req.Task.ID)
	assert.Equal(t, RoleWriter, req.Agent.Role)
	assert.Equal(t, "from A", req.DependencyOutputs["A"].Content)
	assert.Equal(t, "from B", req.DependencyOutputs["B"].Content)
	assert.Equal(t, []string{"fix it"}, req.FeedbackHistory)
	assert.Equal(t, 2, req.Attempt)
}

func TestExecutorExecute(t *testing.T) {
	dag := validDAG(t,
		graphSpec{id: "W", agent: "code-writer"},
		graphSpec{id: "R", agent: "code-reviewer", deps: []string{"W"}},
	)

	tests := []struct {
		name    string
		taskID  string
		runtime runtimeFunc
		wantErr error
		check   func(t *testing.T, res ExecutionResult)
	}{
		{
			name:   "success streams and defaults kind",
			taskID: "W",
			runtime: func(ctx context.Context, req ExecutionRequest, stream StreamFunc) (TaskOutput, Usage, error) {
				stream("partial")
				return TaskOutput{Content: "done"}, Usage{TotalTokens: 7}, nil
			},
			check: func(t *testing.T, res ExecutionResult) {
				assert.Equal(t, OutputText, res.Output.Kind)
				assert.Equal(t, 7, res.Usage.TotalTokens)
			},
		},
		{
			name:   "runtime error",
			taskID: "W",
			runtime: func(ctx context.Context, req ExecutionRequest, stream StreamFunc) (TaskOutput, Usage, error) {
				return TaskOutput{}, Usage{}, errors.New("rate limited")
			},
			check: func(t *testing.T, res ExecutionResult) {
				assert.ErrorContains(t, res.Err, "rate limited")
			},
		},
		{
			name:   "panic becomes error",
			taskID: "W",
			runtime: func(ctx context.Context, req ExecutionRequest, stream StreamFunc) (TaskOutput, Usage, error) {
				panic("kaboom")
			},
			check: func(t *testing.T, res ExecutionResult) {
				assert.ErrorContains(t, res.Err, "kaboom")
			},
		},
		{
			name:   "reviewer without verdict",
			taskID: "R",
			runtime: func(ctx context.Context, req ExecutionRequest, stream StreamFunc) (TaskOutput, Usage, error) {
				return TaskOutput{Content: "I think it's fine"}, Usage{}, nil
			},
			wantErr: ErrMissingVerdict,
		},
		{
			name:   "reviewer with verdict",
			taskID: "R",
			runtime: func(ctx context.Context, req ExecutionRequest, stream StreamFunc) (TaskOutput, Usage, error) {
				return verdict(DecisionApproved, "ok"), Usage{}, nil
			},
			check: func(t *testing.T, res ExecutionResult) {
				assert.NoError(t, res.Err)
				assert.Equal(t, DecisionApproved, res.Output.Review.Decision)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := NewExecutor(dag, NewOutputMap(), tt.runtime)
			req, err := exec.Prepare(StatusRecord{TaskID: tt.taskID, Attempt: 1})
			require.NoError(t, err)

			var chunks []string
			res := exec.Execute(context.Background(), req, func(c string) { chunks = append(chunks, c) })
			assert.Equal(t, tt.taskID, res.TaskID)
			assert.Equal(t, 1, res.Attempt)
			if tt.wantErr != nil {
				assert.ErrorIs(t, res.Err, tt.wantErr)
				return
			}
			tt.check(t, res)
		})
	}
}

func TestExecutorCancelledBeforeStart(t *testing.T) {
	dag := validDAG(t, graphSpec{id: "A"})
	called := false
	exec := NewExecutor(dag, NewOutputMap(), runtimeFunc(func(ctx context.Context, req ExecutionRequest, stream StreamFunc) (TaskOutput, Usage, error) {
		called = true
		return TaskOutput{}, Usage{}, nil
	}))
	req, err := exec.Prepare(StatusRecord{TaskID: "A", Attempt: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := exec.Execute(ctx, req, nil)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.False(t, called)
}

func TestOutputMapCopies(t *testing.T) {
	m := NewOutputMap()
	m.Put("A", TaskOutput{GeneratedFiles: []GeneratedFile{{Filename: "a.go"}}})
	out, ok := m.Get("A")
	require.True(t, ok)
	out.GeneratedFiles[0].Filename = "b.go"

	again, _ := m.Get("A")
	assert.Equal(t, "a.go", again.GeneratedFiles[0].Filename)
	assert.Len(t, m.Collect([]string{"A", "missing"}), 1)

	m.Reset()
	assert.Zero(t, m.Len())
}

func TestOutputMapSwapUndo(t *testing.T) {
	m := NewOutputMap()
	undo := m.Swap("A", TaskOutput{Content: "first"})
	undo()
	_, ok := m.Get("A")
	assert.False(t, ok, "undo removes an entry that did not exist")

	m.Put("A", TaskOutput{Content: "first"})
	undo = m.Swap("A", TaskOutput{Content: "second"})
	out, _ := m.Get("A")
	assert.Equal(t, "second", out.Content)
	undo()
	out, _ = m.Get("A")
	assert.Equal(t, "first", out.Content)
}
