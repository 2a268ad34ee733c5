// Package planner turns objectives into task graphs.
package planner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aristath/nexus/internal/scheduler"
)

// ErrNoReviewer is returned when the review gate needs a reviewer agent and
// the catalog has none.
var ErrNoReviewer = errors.New("no reviewer agent in catalog")

// TaskDoc is one task of a plan document.
type TaskDoc struct {
	ID             string   `yaml:"id" json:"id"`
	Description    string   `yaml:"description" json:"description"`
	AgentID        string   `yaml:"agentId" json:"agentId"`
	DependsOn      []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	ExpectedOutput string   `yaml:"expectedOutput,omitempty" json:"expectedOutput,omitempty"`
	Complexity     string   `yaml:"complexity,omitempty" json:"complexity,omitempty"`
	ReviewOf       string   `yaml:"reviewOf,omitempty" json:"reviewOf,omitempty"`
}

// AgentDoc declares or overrides an agent in a plan document.
type AgentDoc struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Category    string `yaml:"category,omitempty" json:"category,omitempty"`
	Role        string `yaml:"role,omitempty" json:"role,omitempty"`
}

// Document is the serialised form of a plan, as written by hand or produced
// by a planning agent.
type Document struct {
	Objective string     `yaml:"objective,omitempty" json:"objective,omitempty"`
	Agents    []AgentDoc `yaml:"agents,omitempty" json:"agents,omitempty"`
	Tasks     []TaskDoc  `yaml:"tasks" json:"tasks"`
}

// InferRole derives a role from an agent id such as "code-writer".
func InferRole(agentID string) scheduler.Role {
	id := strings.ToLower(agentID)
	switch {
	case strings.Contains(id, "review"):
		return scheduler.RoleReviewer
	case strings.Contains(id, "writer"):
		return scheduler.RoleWriter
	case strings.Contains(id, "devops"):
		return scheduler.RoleDevOps
	case strings.Contains(id, "research"):
		return scheduler.RoleResearcher
	case strings.Contains(id, "issue"), strings.Contains(id, "analyst"):
		return scheduler.RoleAnalyst
	case strings.Contains(id, "reader"):
		return scheduler.RoleReader
	}
	return scheduler.RoleGeneral
}

// Build turns doc into an unvalidated graph. Catalog agents are always
// available; document agents add to or override them.
func Build(doc Document, catalog []scheduler.Agent) (*scheduler.DAG, error) {
	agents := make(map[string]scheduler.Agent, len(catalog)+len(doc.Agents))
	var order []string
	for _, a := range catalog {
		if _, seen := agents[a.ID]; !seen {
			order = append(order, a.ID)
		}
		agents[a.ID] = a
	}
	for _, d := range doc.Agents {
		a, known := agents[d.ID]
		if !known {
			order = append(order, d.ID)
			a = scheduler.Agent{ID: d.ID, Role: InferRole(d.ID)}
		}
		if d.Name != "" {
			a.Name = d.Name
		}
		if d.Description != "" {
			a.Description = d.Description
		}
		if d.Category != "" {
			a.Category = d.Category
		}
		if d.Role != "" {
			a.Role = scheduler.Role(d.Role)
		}
		agents[d.ID] = a
	}
	// Tasks may reference agents nobody declared.
	for _, t := range doc.Tasks {
		if _, ok := agents[t.AgentID]; !ok && t.AgentID != "" {
			order = append(order, t.AgentID)
			agents[t.AgentID] = scheduler.Agent{ID: t.AgentID, Name: t.AgentID, Role: InferRole(t.AgentID)}
		}
	}

	dag := scheduler.NewDAG()
	for _, id := range order {
		a := agents[id]
		if !a.Role.Valid() && a.Role != "" {
			return nil, fmt.Errorf("agent %q: unknown role %q", id, a.Role)
		}
		if err := dag.AddAgent(&a); err != nil {
			return nil, err
		}
	}
	for _, t := range doc.Tasks {
		if err := dag.AddTask(&scheduler.Task{
			ID:             strings.TrimSpace(t.ID),
			Description:    t.Description,
			AgentID:        t.AgentID,
			DependsOn:      append([]string(nil), t.DependsOn...),
			ExpectedOutput: t.ExpectedOutput,
			Complexity:     t.Complexity,
			ReviewOf:       t.ReviewOf,
		}); err != nil {
			return nil, err
		}
	}
	return dag, nil
}

// EnsureReviews appends a reviewer task for every writer task that has none,
// using the first reviewer agent of the catalog. It returns the ids of the
// inserted tasks. Consumers of the writer keep their dependency; the scheduler
// holds them until the review approves.
func EnsureReviews(doc *Document, catalog []scheduler.Agent) ([]string, error) {
	roles := make(map[string]scheduler.Role, len(catalog))
	var reviewer string
	for _, a := range catalog {
		roles[a.ID] = a.Role
		if reviewer == "" && a.Role == scheduler.RoleReviewer {
			reviewer = a.ID
		}
	}
	for _, a := range doc.Agents {
		role := scheduler.Role(a.Role)
		if role == "" {
			if r, ok := roles[a.ID]; ok {
				role = r
			} else {
				role = InferRole(a.ID)
			}
		}
		roles[a.ID] = role
	}
	roleOf := func(agentID string) scheduler.Role {
		if r, ok := roles[agentID]; ok {
			return r
		}
		return InferRole(agentID)
	}

	reviewed := make(map[string]bool)
	ids := make(map[string]bool, len(doc.Tasks))
	for _, t := range doc.Tasks {
		ids[t.ID] = true
		if t.ReviewOf != "" {
			reviewed[t.ReviewOf] = true
			continue
		}
		if roleOf(t.AgentID) == scheduler.RoleReviewer && len(t.DependsOn) == 1 {
			reviewed[t.DependsOn[0]] = true
		}
	}

	var inserted []string
	for _, t := range append([]TaskDoc(nil), doc.Tasks...) {
		if roleOf(t.AgentID) != scheduler.RoleWriter || reviewed[t.ID] {
			continue
		}
		if reviewer == "" {
			return inserted, fmt.Errorf("%w: task %q needs review", ErrNoReviewer, t.ID)
		}
		id := t.ID + "-review"
		for n := 2; ids[id]; n++ {
			id = fmt.Sprintf("%s-review-%d", t.ID, n)
		}
		ids[id] = true
		doc.Tasks = append(doc.Tasks, TaskDoc{
			ID:             id,
			Description:    fmt.Sprintf("Review the changes from task %s: %s", t.ID, firstLine(t.Description)),
			AgentID:        reviewer,
			DependsOn:      []string{t.ID},
			ExpectedOutput: "A verdict approving the changes or requesting a revision",
			ReviewOf:       t.ID,
		})
		inserted = append(inserted, id)
	}
	return inserted, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
