package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aristath/nexus/internal/events"
	"github.com/aristath/nexus/internal/scheduler"
	"github.com/aristath/nexus/internal/vcs"
)

type handler func(ctx context.Context, req scheduler.ExecutionRequest, call int, stream scheduler.StreamFunc) (scheduler.TaskOutput, scheduler.Usage, error)

// fakeRuntime answers per task id and records every call.
type fakeRuntime struct {
	mu       sync.Mutex
	calls    map[string]int
	requests map[string][]scheduler.ExecutionRequest
	handlers map[string]handler
	started  chan string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		calls:    make(map[string]int),
		requests: make(map[string][]scheduler.ExecutionRequest),
		handlers: make(map[string]handler),
		started:  make(chan string, 64),
	}
}

func (f *fakeRuntime) on(taskID string, h handler) *fakeRuntime {
	f.handlers[taskID] = h
	return f
}

func (f *fakeRuntime) Execute(ctx context.Context, req scheduler.ExecutionRequest, stream scheduler.StreamFunc) (scheduler.TaskOutput, scheduler.Usage, error) {
	f.mu.Lock()
	f.calls[req.Task.ID]++
	call := f.calls[req.Task.ID]
	f.requests[req.Task.ID] = append(f.requests[req.Task.ID], req)
	h := f.handlers[req.Task.ID]
	f.mu.Unlock()
	f.started <- req.Task.ID

	if h != nil {
		return h(ctx, req, call, stream)
	}
	out := scheduler.TaskOutput{Content: "out-" + req.Task.ID}
	if req.Agent.Role == scheduler.RoleWriter {
		out.Kind = scheduler.OutputFile
		out.GeneratedFiles = []scheduler.GeneratedFile{{Filename: req.Task.ID + ".go", Content: fmt.Sprintf("package %s // v%d", req.Task.ID, call)}}
	}
	return out, scheduler.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, nil
}

func (f *fakeRuntime) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeRuntime) requestsFor(id string) []scheduler.ExecutionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduler.ExecutionRequest(nil), f.requests[id]...)
}

func (f *fakeRuntime) waitStarted(t *testing.T, n int) []string {
	t.Helper()
	var ids []string
	for len(ids) < n {
		select {
		case id := <-f.started:
			ids = append(ids, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d tasks started: %v", len(ids), n, ids)
		}
	}
	return ids
}

func verdictHandler(decisions ...scheduler.Decision) handler {
	return func(ctx context.Context, req scheduler.ExecutionRequest, call int, stream scheduler.StreamFunc) (scheduler.TaskOutput, scheduler.Usage, error) {
		d := decisions[len(decisions)-1]
		if call <= len(decisions) {
			d = decisions[call-1]
		}
		return scheduler.TaskOutput{
			Kind:   scheduler.OutputText,
			Review: &scheduler.Review{Decision: d, Feedback: fmt.Sprintf("feedback %d", call), Severity: scheduler.SeverityMedium},
		}, scheduler.Usage{}, nil
	}
}

func blockUntilCancelled(ctx context.Context, req scheduler.ExecutionRequest, call int, stream scheduler.StreamFunc) (scheduler.TaskOutput, scheduler.Usage, error) {
	<-ctx.Done()
	return scheduler.TaskOutput{}, scheduler.Usage{}, ctx.Err()
}

// fakePublisher records publisher calls.
type fakePublisher struct {
	mu         sync.Mutex
	branches   []string
	commits    []fakeCommit
	requests   []string
	branchErr  error
	commitErr  error
	requestErr error
}

type fakeCommit struct {
	branch  string
	message string
	files   []vcs.File
}

func (p *fakePublisher) CreateBranch(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.branchErr != nil {
		return p.branchErr
	}
	p.branches = append(p.branches, name)
	return nil
}

func (p *fakePublisher) Commit(ctx context.Context, branch string, files []vcs.File, message string) (vcs.CommitRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.commitErr != nil {
		return vcs.CommitRef{}, p.commitErr
	}
	p.commits = append(p.commits, fakeCommit{branch: branch, message: message, files: files})
	return vcs.CommitRef{SHA: fmt.Sprintf("sha%d", len(p.commits)), Branch: branch}, nil
}

func (p *fakePublisher) OpenRequest(ctx context.Context, branch, title, body string) (vcs.RequestRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.requestErr != nil {
		return vcs.RequestRef{}, p.requestErr
	}
	p.requests = append(p.requests, title+"\n"+body)
	return vcs.RequestRef{Number: len(p.requests), URL: "https://example.test/pr"}, nil
}

func (p *fakePublisher) commitLog() []fakeCommit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]fakeCommit(nil), p.commits...)
}

var errPublisherDown = errors.New("publisher down")

type taskDef struct {
	id       string
	agent    string
	deps     []string
	reviewOf string
}

func testGraph(t *testing.T, defs ...taskDef) *scheduler.DAG {
	t.Helper()
	dag := scheduler.NewDAG()
	for _, a := range []*scheduler.Agent{
		{ID: "code-writer", Role: scheduler.RoleWriter},
		{ID: "code-reviewer", Role: scheduler.RoleReviewer},
		{ID: "code-reader", Role: scheduler.RoleReader},
	} {
		require.NoError(t, dag.AddAgent(a))
	}
	for _, d := range defs {
		agent := d.agent
		if agent == "" {
			agent = "code-reader"
		}
		require.NoError(t, dag.AddTask(&scheduler.Task{ID: d.id, AgentID: agent, DependsOn: d.deps, ReviewOf: d.reviewOf, Description: "do " + d.id}))
	}
	return dag
}

func testMission(t *testing.T, defs ...taskDef) *Mission {
	t.Helper()
	m, err := NewMission("add retries", testGraph(t, defs...))
	require.NoError(t, err)
	return m
}

func reviewGraph() []taskDef {
	return []taskDef{
		{id: "W", agent: "code-writer"},
		{id: "R", agent: "code-reviewer", deps: []string{"W"}},
		{id: "D", deps: []string{"R"}},
	}
}

func newTestRunner(t *testing.T, rt scheduler.AgentRuntime, pub vcs.Publisher, bus *events.EventBus) *Runner {
	t.Helper()
	cfg := RunnerConfig{Runtime: rt, Bus: bus, Logger: zaptest.NewLogger(t), MaxRevisionIterations: 3}
	if pub != nil {
		cfg.Publisher = pub
	}
	r := NewRunner(cfg)
	t.Cleanup(r.Wait)
	return r
}

func runAsync(ctx context.Context, r *Runner, m *Mission) <-chan runResult {
	ch := make(chan runResult, 1)
	go func() {
		o, err := r.Run(ctx, m)
		ch <- runResult{o, err}
	}()
	return ch
}

type runResult struct {
	outcome scheduler.Outcome
	err     error
}

func awaitRun(t *testing.T, ch <-chan runResult) runResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("mission did not finish")
		return runResult{}
	}
}

func status(t *testing.T, m *Mission, id string) scheduler.TaskStatus {
	t.Helper()
	rec, ok := m.Registry.Get(id)
	require.True(t, ok)
	return rec.Status
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
