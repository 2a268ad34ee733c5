package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/nexus/internal/events"
	"github.com/aristath/nexus/internal/scheduler"
)

func TestRunLinearSuccess(t *testing.T) {
	rt := newFakeRuntime()
	rt.on("B", func(ctx context.Context, req scheduler.ExecutionRequest, call int, stream scheduler.StreamFunc) (scheduler.TaskOutput, scheduler.Usage, error) {
		// the dependency's output is visible before B is dispatched
		if req.DependencyOutputs["A"].Content != "out-A" {
			return scheduler.TaskOutput{}, scheduler.Usage{}, errors.New("missing dependency output")
		}
		stream("par")
		stream("tial")
		return scheduler.TaskOutput{Content: "out-B"}, scheduler.Usage{TotalTokens: 3}, nil
	})
	m := testMission(t, taskDef{id: "A"}, taskDef{id: "B", deps: []string{"A"}})
	r := newTestRunner(t, rt, nil, nil)

	outcome, err := r.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomeSuccess, outcome)
	assert.Equal(t, StageReviewing, m.Stage())

	for _, id := range []string{"A", "B"} {
		assert.Equal(t, scheduler.StatusCompleted, status(t, m, id))
		_, ok := m.Outputs.Get(id)
		assert.True(t, ok, "COMPLETED task %s has an output", id)
	}
	b, _ := m.Registry.Get("B")
	assert.Equal(t, "partial", b.StreamingContent)
	assert.Equal(t, 18, m.Registry.TotalUsage().TotalTokens)

	_, err = r.Run(context.Background(), m)
	assert.Error(t, err, "a finished mission cannot run again without reset")
}

func TestRunScenarioRevisionExhaustion(t *testing.T) {
	rt := newFakeRuntime().on("R", verdictHandler(scheduler.DecisionNeedsRevision))
	pub := &fakePublisher{}
	bus := events.NewEventBus()
	all := bus.SubscribeAll(512)
	m := testMission(t, reviewGraph()...)
	r := newTestRunner(t, rt, pub, bus)

	outcome, err := r.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomeFailure, outcome)

	w, _ := m.Registry.Get("W")
	assert.Equal(t, scheduler.StatusError, w.Status)
	assert.Equal(t, 3, w.Iteration)
	assert.Equal(t, []string{"feedback 1", "feedback 2", "feedback 3"}, w.FeedbackHistory)
	assert.Equal(t, scheduler.StatusError, status(t, m, "R"))
	assert.Equal(t, scheduler.StatusBlocked, status(t, m, "D"))

	assert.Equal(t, 3, rt.callCount("W"))
	assert.Equal(t, 3, rt.callCount("R"))
	assert.Zero(t, rt.callCount("D"))
	assert.Empty(t, pub.commitLog(), "rejected work is never committed")

	// Each writer attempt sees the feedback accumulated so far.
	reqs := rt.requestsFor("W")
	require.Len(t, reqs, 3)
	assert.Empty(t, reqs[0].FeedbackHistory)
	assert.Equal(t, []string{"feedback 1"}, reqs[1].FeedbackHistory)
	assert.Equal(t, []string{"feedback 1", "feedback 2"}, reqs[2].FeedbackHistory)
	assert.Equal(t, 2, reqs[2].Iteration)

	var revisions []string
	for _, ev := range drain(all) {
		if rev, ok := ev.(events.TaskRevisionEvent); ok {
			revisions = append(revisions, rev.Result)
		}
	}
	assert.Equal(t, []string{"revise", "revise", "exhausted"}, revisions)
}

func TestRunScenarioApprovedAfterOneRevision(t *testing.T) {
	rt := newFakeRuntime().on("R", verdictHandler(scheduler.DecisionNeedsRevision, scheduler.DecisionApproved))
	pub := &fakePublisher{}
	m := testMission(t, reviewGraph()...)
	r := newTestRunner(t, rt, pub, nil)

	outcome, err := r.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomeSuccess, outcome)

	w, _ := m.Registry.Get("W")
	assert.Equal(t, scheduler.StatusCompleted, w.Status)
	assert.Equal(t, 1, w.Iteration)
	assert.Equal(t, []string{"feedback 1"}, w.FeedbackHistory)
	assert.Equal(t, scheduler.StatusCompleted, status(t, m, "D"))

	require.Len(t, pub.branches, 1)
	assert.True(t, strings.HasPrefix(pub.branches[0], "nexus/feat/add-retries-"))
	assert.Equal(t, pub.branches[0], m.Branch())

	commits := pub.commitLog()
	require.Len(t, commits, 1, "only the approved iteration is committed")
	assert.Equal(t, "feat(code-writer): do W", commits[0].message)
	require.Len(t, commits[0].files, 1)
	assert.Equal(t, "package W // v2", commits[0].files[0].Content)
}

func TestRunScenarioParallelDispatch(t *testing.T) {
	release := map[string]chan struct{}{"A": make(chan struct{}), "B": make(chan struct{}), "C": make(chan struct{})}
	rt := newFakeRuntime()
	for id, ch := range release {
		ch := ch
		rt.on(id, func(ctx context.Context, req scheduler.ExecutionRequest, call int, stream scheduler.StreamFunc) (scheduler.TaskOutput, scheduler.Usage, error) {
			<-ch
			return scheduler.TaskOutput{Content: "ok"}, scheduler.Usage{}, nil
		})
	}
	m := testMission(t, taskDef{id: "A"}, taskDef{id: "B"}, taskDef{id: "C"})
	r := newTestRunner(t, rt, nil, nil)

	done := runAsync(context.Background(), r, m)
	started := rt.waitStarted(t, 3)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, started, "independent tasks are dispatched together")
	assert.Equal(t, 3, m.Registry.Working())

	close(release["A"])
	close(release["B"])
	select {
	case <-done:
		t.Fatal("mission finished before its slowest task")
	case <-time.After(50 * time.Millisecond):
	}

	close(release["C"])
	res := awaitRun(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, scheduler.OutcomeSuccess, res.outcome)
}

func TestRunScenarioCancellation(t *testing.T) {
	rt := newFakeRuntime().on("A", blockUntilCancelled).on("B", blockUntilCancelled)
	bus := events.NewEventBus()
	finished := bus.Subscribe(64, events.TopicMission)
	m := testMission(t, taskDef{id: "A"}, taskDef{id: "B"}, taskDef{id: "C", deps: []string{"A"}})
	r := newTestRunner(t, rt, nil, bus)

	done := runAsync(context.Background(), r, m)
	rt.waitStarted(t, 2)
	m.Cancel()
	m.Cancel()

	res := awaitRun(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, scheduler.OutcomeAborted, res.outcome)
	assert.Equal(t, StageAborted, m.Stage())

	r.Wait()
	for _, id := range []string{"A", "B", "C"} {
		assert.Equal(t, scheduler.StatusCancelled, status(t, m, id), id)
	}
	assert.Zero(t, rt.callCount("C"))

	var outcome scheduler.Outcome
	for _, ev := range drain(finished) {
		if f, ok := ev.(events.MissionFinishedEvent); ok {
			outcome = f.Outcome
		}
	}
	assert.Equal(t, scheduler.OutcomeAborted, outcome)
}

func TestRunCancelledBeforeStartDispatchesNothing(t *testing.T) {
	tests := []struct {
		name   string
		cancel func(m *Mission, stop context.CancelFunc)
	}{
		{"mission cancel", func(m *Mission, stop context.CancelFunc) { m.Cancel() }},
		{"context done", func(m *Mission, stop context.CancelFunc) { stop() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newFakeRuntime()
			bus := events.NewEventBus()
			taskEvents := bus.Subscribe(64, events.TopicTask)
			m := testMission(t, taskDef{id: "A"}, taskDef{id: "B"}, taskDef{id: "C", deps: []string{"A"}})
			r := newTestRunner(t, rt, nil, bus)

			ctx, stop := context.WithCancel(context.Background())
			defer stop()
			tt.cancel(m, stop)

			outcome, err := r.Run(ctx, m)
			require.NoError(t, err)
			assert.Equal(t, scheduler.OutcomeAborted, outcome)

			r.Wait()
			for _, id := range []string{"A", "B", "C"} {
				assert.Equal(t, scheduler.StatusCancelled, status(t, m, id), id)
				assert.Zero(t, rt.callCount(id), id)
			}
			for _, ev := range drain(taskEvents) {
				if s, ok := ev.(events.TaskStatusEvent); ok {
					assert.NotEqual(t, scheduler.StatusWorking, s.Record.Status, "task %s dispatched after cancel", s.Record.TaskID)
				}
			}
		})
	}
}

func TestRunCancelStopsDispatchAfterResult(t *testing.T) {
	var m *Mission
	rt := newFakeRuntime().on("A", func(ctx context.Context, req scheduler.ExecutionRequest, call int, stream scheduler.StreamFunc) (scheduler.TaskOutput, scheduler.Usage, error) {
		// Cancel lands together with A's result; B must never start.
		m.Cancel()
		return scheduler.TaskOutput{Content: "out-A"}, scheduler.Usage{}, nil
	})
	m = testMission(t, taskDef{id: "A"}, taskDef{id: "B", deps: []string{"A"}})
	r := newTestRunner(t, rt, nil, nil)

	outcome, err := r.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomeAborted, outcome)
	r.Wait()
	assert.Zero(t, rt.callCount("B"))
	assert.Equal(t, scheduler.StatusCancelled, status(t, m, "B"))
}

func TestRunDiscardsLateResults(t *testing.T) {
	unblock := make(chan struct{})
	rt := newFakeRuntime().on("A", func(ctx context.Context, req scheduler.ExecutionRequest, call int, stream scheduler.StreamFunc) (scheduler.TaskOutput, scheduler.Usage, error) {
		<-unblock // ignores cancellation
		stream("late chunk")
		return scheduler.TaskOutput{Content: "late"}, scheduler.Usage{}, nil
	})
	m := testMission(t, taskDef{id: "A"})
	r := newTestRunner(t, rt, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, r, m)
	rt.waitStarted(t, 1)
	cancel()

	res := awaitRun(t, done)
	assert.Equal(t, scheduler.OutcomeAborted, res.outcome)

	close(unblock)
	r.Wait()
	a, _ := m.Registry.Get("A")
	assert.Equal(t, scheduler.StatusCancelled, a.Status)
	assert.Empty(t, a.StreamingContent)
	assert.Zero(t, m.Outputs.Len())
}

func TestRunFailurePropagation(t *testing.T) {
	rt := newFakeRuntime().on("A", func(ctx context.Context, req scheduler.ExecutionRequest, call int, stream scheduler.StreamFunc) (scheduler.TaskOutput, scheduler.Usage, error) {
		return scheduler.TaskOutput{}, scheduler.Usage{}, errors.New("model unavailable")
	})
	m := testMission(t,
		taskDef{id: "A"},
		taskDef{id: "B", deps: []string{"A"}},
		taskDef{id: "C", deps: []string{"B"}},
		taskDef{id: "E"},
	)
	r := newTestRunner(t, rt, nil, nil)

	outcome, err := r.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomeFailure, outcome)

	a, _ := m.Registry.Get("A")
	assert.Equal(t, scheduler.StatusError, a.Status)
	assert.Contains(t, a.Error, "model unavailable")
	assert.Equal(t, scheduler.StatusBlocked, status(t, m, "B"))
	assert.Equal(t, scheduler.StatusBlocked, status(t, m, "C"))
	assert.Equal(t, scheduler.StatusCompleted, status(t, m, "E"))
	assert.Equal(t, 1, rt.callCount("A"), "failed tasks are not retried")
	assert.Zero(t, rt.callCount("B"))
}

func TestRunDispatchesEachTaskOnce(t *testing.T) {
	rt := newFakeRuntime()
	m := testMission(t,
		taskDef{id: "A"},
		taskDef{id: "B", deps: []string{"A"}},
		taskDef{id: "C", deps: []string{"A"}},
		taskDef{id: "D", deps: []string{"B", "C"}},
	)
	r := newTestRunner(t, rt, nil, nil)

	outcome, err := r.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomeSuccess, outcome)
	for _, id := range []string{"A", "B", "C", "D"} {
		assert.Equal(t, 1, rt.callCount(id), id)
	}
}

func TestRunReviewerWithoutVerdictFails(t *testing.T) {
	rt := newFakeRuntime().on("R", func(ctx context.Context, req scheduler.ExecutionRequest, call int, stream scheduler.StreamFunc) (scheduler.TaskOutput, scheduler.Usage, error) {
		return scheduler.TaskOutput{Content: "seems fine"}, scheduler.Usage{}, nil
	})
	m := testMission(t, reviewGraph()...)
	r := newTestRunner(t, rt, nil, nil)

	outcome, err := r.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomeFailure, outcome)

	rec, _ := m.Registry.Get("R")
	assert.Equal(t, scheduler.StatusError, rec.Status)
	assert.Contains(t, rec.Error, scheduler.ErrMissingVerdict.Error())
	assert.Equal(t, scheduler.StatusBlocked, status(t, m, "D"))
}

func TestRunFailedReviewerBlocksWriterConsumers(t *testing.T) {
	rt := newFakeRuntime().on("R", func(ctx context.Context, req scheduler.ExecutionRequest, call int, stream scheduler.StreamFunc) (scheduler.TaskOutput, scheduler.Usage, error) {
		return scheduler.TaskOutput{}, scheduler.Usage{}, errors.New("model unavailable")
	})
	m := testMission(t,
		taskDef{id: "W", agent: "code-writer"},
		taskDef{id: "R", agent: "code-reviewer", deps: []string{"W"}},
		taskDef{id: "C", deps: []string{"W"}},
	)
	r := newTestRunner(t, rt, nil, nil)

	outcome, err := r.Run(context.Background(), m)
	require.NoError(t, err, "a failed reviewer must not stall the mission")
	assert.Equal(t, scheduler.OutcomeFailure, outcome)

	assert.Equal(t, scheduler.StatusError, status(t, m, "R"))
	c, _ := m.Registry.Get("C")
	assert.Equal(t, scheduler.StatusBlocked, c.Status)
	assert.Contains(t, c.Error, "blocked by failed task R")
	assert.Zero(t, rt.callCount("C"))
}

func TestRunRejectedVerdictLeavesNoOutput(t *testing.T) {
	rt := newFakeRuntime().on("R", func(ctx context.Context, req scheduler.ExecutionRequest, call int, stream scheduler.StreamFunc) (scheduler.TaskOutput, scheduler.Usage, error) {
		return scheduler.TaskOutput{Content: "no verdict here"}, scheduler.Usage{}, nil
	})
	m := testMission(t, reviewGraph()...)
	r := newTestRunner(t, rt, nil, nil)

	_, err := r.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusError, status(t, m, "R"))
	_, ok := m.Outputs.Get("R")
	assert.False(t, ok, "a result that never reached COMPLETED is not in the output map")
	_, ok = m.Outputs.Get("W")
	assert.True(t, ok)
}

func TestRunPublisherFailuresAreNonFatal(t *testing.T) {
	rt := newFakeRuntime().on("R", verdictHandler(scheduler.DecisionApproved))
	pub := &fakePublisher{commitErr: errPublisherDown}
	bus := events.NewEventBus()
	vcsEvents := bus.Subscribe(16, events.TopicVCS)
	m := testMission(t, reviewGraph()...)
	r := newTestRunner(t, rt, pub, bus)

	outcome, err := r.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomeSuccess, outcome)
	assert.Equal(t, scheduler.StatusCompleted, status(t, m, "W"))

	var kinds []string
	for _, ev := range drain(vcsEvents) {
		v := ev.(events.VCSEvent)
		kinds = append(kinds, v.Kind)
		if v.Kind == events.EventTypeCommit {
			assert.True(t, v.Failed())
			assert.Equal(t, "W", v.Task)
		}
	}
	assert.Equal(t, []string{events.EventTypeBranchCreated, events.EventTypeCommit}, kinds)
}

func TestRunBranchFailureSkipsCommits(t *testing.T) {
	rt := newFakeRuntime().on("R", verdictHandler(scheduler.DecisionApproved))
	pub := &fakePublisher{branchErr: errPublisherDown}
	m := testMission(t, reviewGraph()...)
	r := newTestRunner(t, rt, pub, nil)

	outcome, err := r.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomeSuccess, outcome)
	assert.Empty(t, m.Branch())
	assert.Empty(t, pub.commitLog())
}

func TestRunPublishesStatusEvents(t *testing.T) {
	bus := events.NewEventBus()
	ch := bus.SubscribeAll(256)
	m := testMission(t, taskDef{id: "A"})
	r := newTestRunner(t, newFakeRuntime(), nil, bus)

	_, err := r.Run(context.Background(), m)
	require.NoError(t, err)

	var types []string
	var statuses []scheduler.TaskStatus
	for _, ev := range drain(ch) {
		types = append(types, ev.EventType())
		if s, ok := ev.(events.TaskStatusEvent); ok {
			statuses = append(statuses, s.Record.Status)
			assert.Equal(t, m.ID, s.MissionID())
		}
	}
	assert.Equal(t, events.EventTypeMissionStarted, types[0])
	assert.Equal(t, events.EventTypeMissionFinished, types[len(types)-1])
	assert.Equal(t, []scheduler.TaskStatus{scheduler.StatusWorking, scheduler.StatusCompleted}, statuses)
}

func TestMissionResetAllowsRerun(t *testing.T) {
	m := testMission(t, taskDef{id: "A"})
	r := newTestRunner(t, newFakeRuntime(), nil, nil)

	_, err := r.Run(context.Background(), m)
	require.NoError(t, err)
	require.NoError(t, m.Reset())
	assert.Equal(t, StageReady, m.Stage())
	assert.Equal(t, scheduler.StatusPending, status(t, m, "A"))
	assert.Zero(t, m.Outputs.Len())

	outcome, err := r.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomeSuccess, outcome)
}

func TestNewMissionRejectsInvalidPlans(t *testing.T) {
	_, err := NewMission("x", testGraph(t, taskDef{id: "A", deps: []string{"B"}}, taskDef{id: "B", deps: []string{"A"}}))
	assert.ErrorIs(t, err, scheduler.ErrCycle)

	_, err = NewMission("x", testGraph(t))
	assert.ErrorIs(t, err, scheduler.ErrEmptyPlan)
}

func TestPullRequestSummary(t *testing.T) {
	rt := newFakeRuntime().on("R", verdictHandler(scheduler.DecisionNeedsRevision, scheduler.DecisionApproved))
	m := testMission(t, reviewGraph()...)
	r := newTestRunner(t, rt, nil, nil)
	_, err := r.Run(context.Background(), m)
	require.NoError(t, err)

	title, body := PullRequestSummary(m)
	assert.Equal(t, "feat: add retries", title)
	assert.Contains(t, body, "- [code-writer] do W (1 revisions)")
	assert.Contains(t, body, "- [code-reviewer] do R\n")
	assert.Contains(t, body, "Tokens:")
}
