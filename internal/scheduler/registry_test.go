package scheduler

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryInitialState(t *testing.T) {
	dag := validDAG(t, graphSpec{id: "A"}, graphSpec{id: "B", deps: []string{"A"}})
	reg := newRegistry(t, dag)

	snap := reg.Snapshot()
	require.Len(t, snap.Records, 2)
	for _, rec := range snap.Records {
		assert.Equal(t, StatusPending, rec.Status)
		assert.Zero(t, rec.Iteration)
		assert.Empty(t, rec.FeedbackHistory)
	}
	assert.Equal(t, []string{"A"}, reg.Ready())
}

func TestRegistryRequiresValidatedGraph(t *testing.T) {
	dag := buildDAG(t, graphSpec{id: "A"})
	_, err := NewRegistry(dag)
	assert.ErrorIs(t, err, ErrNotValidated)
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to TaskStatus }{
		{StatusPending, StatusWorking},
		{StatusPending, StatusCancelled},
		{StatusPending, StatusBlocked},
		{StatusWorking, StatusCompleted},
		{StatusWorking, StatusError},
		{StatusWorking, StatusCancelled},
		{StatusCompleted, StatusPending},
		{StatusCompleted, StatusError},
		{StatusError, StatusPending},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	denied := []struct{ from, to TaskStatus }{
		{StatusPending, StatusCompleted},
		{StatusBlocked, StatusPending},
		{StatusCancelled, StatusPending},
		{StatusCancelled, StatusWorking},
		{StatusError, StatusBlocked},
		{StatusCompleted, StatusWorking},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}
}

func TestRegistryDispatchIsIdempotent(t *testing.T) {
	dag := validDAG(t, graphSpec{id: "A"})
	reg := newRegistry(t, dag)

	rec, err := reg.Dispatch("A")
	require.NoError(t, err)
	assert.Equal(t, StatusWorking, rec.Status)
	assert.Equal(t, 1, rec.Attempt)
	assert.False(t, rec.StartedAt.IsZero())

	_, err = reg.Dispatch("A")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Empty(t, reg.Ready(), "a WORKING task is never ready again")
}

func TestRegistryConcurrentDispatchOnlyOnce(t *testing.T) {
	dag := validDAG(t, graphSpec{id: "A"})
	reg := newRegistry(t, dag)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Dispatch("A"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestRegistryReadiness(t *testing.T) {
	dag := validDAG(t,
		graphSpec{id: "A"},
		graphSpec{id: "B"},
		graphSpec{id: "C", deps: []string{"A", "B"}},
	)
	reg := newRegistry(t, dag)

	assert.ElementsMatch(t, []string{"A", "B"}, reg.Ready())
	complete(t, reg, "A")
	assert.Equal(t, []string{"B"}, reg.Ready())
	complete(t, reg, "B")
	assert.Equal(t, []string{"C"}, reg.Ready())
}

func TestRegistryConsumerOfReviewedWriterWaitsForReviewer(t *testing.T) {
	dag := validDAG(t,
		graphSpec{id: "W", agent: "code-writer"},
		graphSpec{id: "R", agent: "code-reviewer", deps: []string{"W"}},
		graphSpec{id: "X", deps: []string{"W"}},
	)
	reg := newRegistry(t, dag)

	complete(t, reg, "W")
	assert.Equal(t, []string{"R"}, reg.Ready())
	complete(t, reg, "R")
	assert.Equal(t, []string{"X"}, reg.Ready())
}

func TestRegistryFailedReviewerBlocksWriterConsumers(t *testing.T) {
	// W <- R (review), W <- X <- Y, Z independent
	dag := validDAG(t,
		graphSpec{id: "W", agent: "code-writer"},
		graphSpec{id: "R", agent: "code-reviewer", deps: []string{"W"}},
		graphSpec{id: "X", deps: []string{"W"}},
		graphSpec{id: "Y", deps: []string{"X"}},
		graphSpec{id: "Z"},
	)
	reg := newRegistry(t, dag)
	complete(t, reg, "W")

	rec, err := reg.Dispatch("R")
	require.NoError(t, err)
	_, err = reg.Update(func(tx *Txn) error {
		return tx.Fail("R", rec.Attempt, ErrMissingVerdict)
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, statusOf(t, reg, "W"))
	assert.Equal(t, StatusError, statusOf(t, reg, "R"))
	assert.Equal(t, StatusBlocked, statusOf(t, reg, "X"))
	assert.Equal(t, StatusBlocked, statusOf(t, reg, "Y"))
	assert.Equal(t, StatusPending, statusOf(t, reg, "Z"))
	assert.Equal(t, []string{"Z"}, reg.Ready())
}

func TestRegistryUpdateIsAtomic(t *testing.T) {
	dag := validDAG(t, graphSpec{id: "A"}, graphSpec{id: "B"})
	reg := newRegistry(t, dag)
	before := reg.Snapshot()

	boom := errors.New("boom")
	_, err := reg.Update(func(tx *Txn) error {
		require.NoError(t, tx.Transition("A", StatusWorking))
		return boom
	})
	require.ErrorIs(t, err, boom)

	after := reg.Snapshot()
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, StatusPending, statusOf(t, reg, "A"))
}

func TestRegistryUnknownTask(t *testing.T) {
	reg := newRegistry(t, validDAG(t, graphSpec{id: "A"}))
	_, err := reg.Dispatch("ghost")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestRegistryFailurePropagation(t *testing.T) {
	// A -> B -> C, A -> D, E independent
	dag := validDAG(t,
		graphSpec{id: "A"},
		graphSpec{id: "B", deps: []string{"A"}},
		graphSpec{id: "C", deps: []string{"B"}},
		graphSpec{id: "D", deps: []string{"A"}},
		graphSpec{id: "E"},
	)
	reg := newRegistry(t, dag)

	rec, err := reg.Dispatch("A")
	require.NoError(t, err)
	changes, err := reg.Update(func(tx *Txn) error {
		return tx.Fail("A", rec.Attempt, errors.New("model refused"))
	})
	require.NoError(t, err)
	assert.Len(t, changes, 4)

	assert.Equal(t, StatusError, statusOf(t, reg, "A"))
	for _, id := range []string{"B", "C", "D"} {
		assert.Equal(t, StatusBlocked, statusOf(t, reg, id), id)
	}
	assert.Equal(t, StatusPending, statusOf(t, reg, "E"))

	failed, _ := reg.Get("A")
	assert.Equal(t, "model refused", failed.Error)
	assert.Equal(t, []string{"E"}, reg.Ready())
}

func TestRegistryStaleResultRejected(t *testing.T) {
	reg := newRegistry(t, validDAG(t, graphSpec{id: "A"}))
	rec, err := reg.Dispatch("A")
	require.NoError(t, err)

	_, err = reg.Update(func(tx *Txn) error {
		return tx.Complete("A", rec.Attempt+1, TaskOutput{}, Usage{})
	})
	assert.ErrorIs(t, err, ErrStaleResult)

	reg.CancelAll()
	_, err = reg.Update(func(tx *Txn) error {
		return tx.Complete("A", rec.Attempt, TaskOutput{}, Usage{})
	})
	assert.ErrorIs(t, err, ErrStaleResult)
	assert.Equal(t, StatusCancelled, statusOf(t, reg, "A"))
}

func TestRegistryCancelAll(t *testing.T) {
	dag := validDAG(t,
		graphSpec{id: "A"},
		graphSpec{id: "B"},
		graphSpec{id: "C", deps: []string{"A"}},
		graphSpec{id: "D"},
	)
	reg := newRegistry(t, dag)
	complete(t, reg, "D")
	_, err := reg.Dispatch("A")
	require.NoError(t, err)
	_, err = reg.Dispatch("B")
	require.NoError(t, err)

	changes := reg.CancelAll()
	assert.Len(t, changes, 3)
	for _, id := range []string{"A", "B", "C"} {
		assert.Equal(t, StatusCancelled, statusOf(t, reg, id))
	}
	assert.Equal(t, StatusCompleted, statusOf(t, reg, "D"))
	assert.Empty(t, reg.CancelAll(), "cancelling twice is a no-op")

	outcome, done := reg.Outcome()
	require.True(t, done)
	assert.Equal(t, OutcomeAborted, outcome)
}

func TestRegistryOutcome(t *testing.T) {
	dag := validDAG(t, graphSpec{id: "A"}, graphSpec{id: "B"})

	t.Run("unfinished", func(t *testing.T) {
		reg := newRegistry(t, dag)
		complete(t, reg, "A")
		_, done := reg.Outcome()
		assert.False(t, done)
	})

	t.Run("success", func(t *testing.T) {
		reg := newRegistry(t, dag)
		complete(t, reg, "A")
		complete(t, reg, "B")
		outcome, done := reg.Outcome()
		require.True(t, done)
		assert.Equal(t, OutcomeSuccess, outcome)
	})

	t.Run("failure", func(t *testing.T) {
		reg := newRegistry(t, dag)
		complete(t, reg, "A")
		rec, err := reg.Dispatch("B")
		require.NoError(t, err)
		_, err = reg.Update(func(tx *Txn) error { return tx.Fail("B", rec.Attempt, errors.New("x")) })
		require.NoError(t, err)
		outcome, done := reg.Outcome()
		require.True(t, done)
		assert.Equal(t, OutcomeFailure, outcome)
	})

	t.Run("cancel wins over error", func(t *testing.T) {
		reg := newRegistry(t, dag)
		rec, err := reg.Dispatch("B")
		require.NoError(t, err)
		_, err = reg.Update(func(tx *Txn) error { return tx.Fail("B", rec.Attempt, errors.New("x")) })
		require.NoError(t, err)
		reg.CancelAll()
		outcome, done := reg.Outcome()
		require.True(t, done)
		assert.Equal(t, OutcomeAborted, outcome)
	})
}

func TestRegistryAppendStream(t *testing.T) {
	reg := newRegistry(t, validDAG(t, graphSpec{id: "A"}))
	rec, err := reg.Dispatch("A")
	require.NoError(t, err)

	_, err = reg.AppendStream("A", rec.Attempt, "hel")
	require.NoError(t, err)
	got, err := reg.AppendStream("A", rec.Attempt, "lo")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.StreamingContent)

	_, err = reg.AppendStream("A", rec.Attempt+1, "late")
	assert.ErrorIs(t, err, ErrStaleResult)
}

func TestRegistryResetAndUsage(t *testing.T) {
	reg := newRegistry(t, validDAG(t, graphSpec{id: "A"}, graphSpec{id: "B"}))
	for _, id := range []string{"A", "B"} {
		rec, err := reg.Dispatch(id)
		require.NoError(t, err)
		_, err = reg.Update(func(tx *Txn) error {
			return tx.Complete(id, rec.Attempt, TaskOutput{}, Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})
		})
		require.NoError(t, err)
	}
	assert.Equal(t, Usage{PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30}, reg.TotalUsage())

	reg.Reset()
	assert.Equal(t, StatusPending, statusOf(t, reg, "A"))
	assert.Equal(t, Usage{}, reg.TotalUsage())
}
