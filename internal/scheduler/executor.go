package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// StreamFunc receives partial output while an agent is working.
type StreamFunc func(chunk string)

// ExecutionRequest is everything an agent runtime needs to run one task.
type ExecutionRequest struct {
	Task              Task
	Agent             Agent
	DependencyOutputs map[string]TaskOutput
	FeedbackHistory   []string
	Iteration         int
	Attempt           int
}

// AgentRuntime produces the output of one task. Implementations must honour
// ctx cancellation and report failures as errors rather than empty output.
type AgentRuntime interface {
	Execute(ctx context.Context, req ExecutionRequest, stream StreamFunc) (TaskOutput, Usage, error)
}

// ExecutionResult is the message an executor sends back to the scheduler loop.
type ExecutionResult struct {
	TaskID   string
	Attempt  int
	Output   TaskOutput
	Usage    Usage
	Err      error
	Duration time.Duration
}

// Executor is the boundary between the scheduler and the agent runtime.
type Executor struct {
	dag     *DAG
	outputs *OutputMap
	runtime AgentRuntime
}

// NewExecutor creates an executor for one mission.
func NewExecutor(dag *DAG, outputs *OutputMap, runtime AgentRuntime) *Executor {
	return &Executor{dag: dag, outputs: outputs, runtime: runtime}
}

// Prepare builds the request for a freshly dispatched record.
func (e *Executor) Prepare(rec StatusRecord) (ExecutionRequest, error) {
	task, ok := e.dag.Get(rec.TaskID)
	if !ok {
		return ExecutionRequest{}, fmt.Errorf("%w: %q", ErrUnknownTask, rec.TaskID)
	}
	agent, ok := e.dag.Agent(task.AgentID)
	if !ok {
		return ExecutionRequest{}, fmt.Errorf("%w: %q", ErrUnknownAgent, task.AgentID)
	}
	return ExecutionRequest{
		Task:              *task,
		Agent:             *agent,
		DependencyOutputs: e.outputs.Collect(task.DependsOn),
		FeedbackHistory:   append([]string(nil), rec.FeedbackHistory...),
		Iteration:         rec.Iteration,
		Attempt:           rec.Attempt,
	}, nil
}

// Execute runs the request through the agent runtime. It never panics: a
// panicking runtime is reported as an error result.
func (e *Executor) Execute(ctx context.Context, req ExecutionRequest, stream StreamFunc) (res ExecutionResult) {
	start := time.Now()
	res = ExecutionResult{TaskID: req.Task.ID, Attempt: req.Attempt}
	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("agent runtime panicked: %v\n%s", p, debug.Stack())
			res.Output = TaskOutput{}
		}
		res.Duration = time.Since(start)
	}()

	if stream == nil {
		stream = func(string) {}
	}
	if err := ctx.Err(); err != nil {
		res.Err = fmt.Errorf("task %s not started: %w", req.Task.ID, err)
		return res
	}

	out, usage, err := e.runtime.Execute(ctx, req, stream)
	if err != nil {
		res.Err = fmt.Errorf("task %s: %w", req.Task.ID, err)
		return res
	}
	if out.Kind == "" {
		out.Kind = OutputText
	}
	if _, reviews := e.dag.WriterOf(req.Task.ID); reviews && !out.Review.Valid() {
		res.Err = fmt.Errorf("task %s: %w", req.Task.ID, ErrMissingVerdict)
		return res
	}
	res.Output = out
	res.Usage = usage
	return res
}
