package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// graphSpec is a compact way to describe test graphs: task id -> agent id and deps.
type graphSpec struct {
	id       string
	agent    string
	deps     []string
	reviewOf string
}

func testAgents() []*Agent {
	return []*Agent{
		{ID: "code-writer", Role: RoleWriter},
		{ID: "code-reviewer", Role: RoleReviewer},
		{ID: "code-reader", Role: RoleReader},
		{ID: "devops-engineer", Role: RoleDevOps},
	}
}

func buildDAG(t *testing.T, specs ...graphSpec) *DAG {
	t.Helper()
	dag := NewDAG()
	for _, a := range testAgents() {
		require.NoError(t, dag.AddAgent(a))
	}
	for _, s := range specs {
		agent := s.agent
		if agent == "" {
			agent = "code-reader"
		}
		require.NoError(t, dag.AddTask(&Task{ID: s.id, AgentID: agent, DependsOn: s.deps, ReviewOf: s.reviewOf, Description: "do " + s.id}))
	}
	return dag
}

func validDAG(t *testing.T, specs ...graphSpec) *DAG {
	t.Helper()
	dag := buildDAG(t, specs...)
	_, err := dag.Validate()
	require.NoError(t, err)
	return dag
}

func newRegistry(t *testing.T, dag *DAG) *Registry {
	t.Helper()
	reg, err := NewRegistry(dag)
	require.NoError(t, err)
	return reg
}

func statusOf(t *testing.T, reg *Registry, id string) TaskStatus {
	t.Helper()
	rec, ok := reg.Get(id)
	require.True(t, ok, "record %s", id)
	return rec.Status
}

func complete(t *testing.T, reg *Registry, id string) {
	t.Helper()
	rec, err := reg.Dispatch(id)
	require.NoError(t, err)
	_, err = reg.Update(func(tx *Txn) error {
		return tx.Complete(id, rec.Attempt, TaskOutput{Content: id}, Usage{})
	})
	require.NoError(t, err)
}
