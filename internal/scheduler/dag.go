package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gammazero/toposort"
)

// DAG is the task graph of a mission: tasks, the agents that run them and the
// dependency edges between them. It is built once, validated, and then only read.
type DAG struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	ids        []string // insertion order, keeps validation deterministic
	agents     map[string]*Agent
	dependents map[string][]string // taskID -> tasks that depend on it

	validated bool
	order     []string
	index     map[string]int
	reviewer  map[string]string // writerID -> reviewerID
	writer    map[string]string // reviewerID -> writerID
}

// NewDAG creates an empty graph.
func NewDAG() *DAG {
	return &DAG{
		tasks:      make(map[string]*Task),
		agents:     make(map[string]*Agent),
		dependents: make(map[string][]string),
	}
}

// AddAgent registers an agent. Returns an error if the id is taken.
func (d *DAG) AddAgent(agent *Agent) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if agent.ID == "" {
		return fmt.Errorf("agent id is empty")
	}
	if _, exists := d.agents[agent.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateAgent, agent.ID)
	}
	if agent.Role == "" {
		agent.Role = RoleGeneral
	}
	d.agents[agent.ID] = cloneAgent(agent)
	d.validated = false
	return nil
}

// AddTask adds a task to the graph. Returns an error if the id is taken.
func (d *DAG) AddTask(task *Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if task.ID == "" {
		return fmt.Errorf("task id is empty")
	}
	if _, exists := d.tasks[task.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTask, task.ID)
	}

	d.tasks[task.ID] = cloneTask(task)
	d.ids = append(d.ids, task.ID)
	for _, depID := range task.DependsOn {
		d.dependents[depID] = append(d.dependents[depID], task.ID)
	}
	d.validated = false
	return nil
}

// Validate checks the structural well-formedness of the graph and returns the
// topological order. Validation rejects empty plans, dangling dependencies,
// unknown agents, cycles and ambiguous review pairings.
func (d *DAG) Validate() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.tasks) == 0 {
		return nil, ErrEmptyPlan
	}

	for _, id := range d.ids {
		task := d.tasks[id]
		if _, ok := d.agents[task.AgentID]; !ok {
			return nil, fmt.Errorf("%w: task %q uses agent %q", ErrUnknownAgent, id, task.AgentID)
		}
		seen := make(map[string]bool, len(task.DependsOn))
		for _, depID := range task.DependsOn {
			if _, exists := d.tasks[depID]; !exists {
				return nil, fmt.Errorf("%w: task %q depends on %q", ErrUnknownDependency, id, depID)
			}
			if seen[depID] {
				return nil, fmt.Errorf("%w: task %q lists %q twice", ErrDuplicateDep, id, depID)
			}
			seen[depID] = true
		}
	}

	var edges []toposort.Edge
	for _, id := range d.ids {
		task := d.tasks[id]
		if len(task.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range task.DependsOn {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycle, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(d.tasks) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for _, id := range d.ids {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("%w: unreachable tasks %s", ErrCycle, strings.Join(missing, ", "))
	}

	index := make(map[string]int, len(order))
	for i, id := range order {
		index[id] = i
	}
	d.order = order
	d.index = index

	if err := d.resolvePairs(); err != nil {
		return nil, err
	}

	d.validated = true
	return append([]string(nil), order...), nil
}

// resolvePairs binds every reviewer to the writer it gates. A task reviews a
// writer when it names it in ReviewOf, or when its agent has the reviewer role
// and it has exactly one dependency. Caller must hold d.mu.
func (d *DAG) resolvePairs() error {
	reviewer := make(map[string]string)
	writer := make(map[string]string)

	for _, id := range d.order {
		task := d.tasks[id]
		target := task.ReviewOf
		if target == "" {
			if d.agents[task.AgentID].Role != RoleReviewer {
				continue
			}
			if len(task.DependsOn) != 1 {
				return fmt.Errorf("%w: reviewer %q has %d dependencies and no review_of", ErrInvalidPairing, id, len(task.DependsOn))
			}
			target = task.DependsOn[0]
		}

		if target == id {
			return fmt.Errorf("%w: task %q reviews itself", ErrInvalidPairing, id)
		}
		if !contains(task.DependsOn, target) {
			return fmt.Errorf("%w: reviewer %q does not depend on %q", ErrInvalidPairing, id, target)
		}
		if other, taken := reviewer[target]; taken {
			return fmt.Errorf("%w: %q is reviewed by both %q and %q", ErrInvalidPairing, target, other, id)
		}
		reviewer[target] = id
		writer[id] = target
	}

	// A consumer of the writer's unreviewed output waits for the reviewer, so
	// the reviewer must not itself depend on such a consumer.
	for w, r := range reviewer {
		ancestors := d.ancestorsLocked(r)
		for _, dep := range d.dependents[w] {
			if dep != r && ancestors[dep] {
				return fmt.Errorf("%w: reviewer %q depends on %q which consumes unreviewed output of %q", ErrInvalidPairing, r, dep, w)
			}
		}
	}

	d.reviewer = reviewer
	d.writer = writer
	return nil
}

func (d *DAG) ancestorsLocked(id string) map[string]bool {
	seen := make(map[string]bool)
	queue := append([]string(nil), d.tasks[id].DependsOn...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, d.tasks[cur].DependsOn...)
	}
	return seen
}

// Validated reports whether Validate succeeded since the last mutation.
func (d *DAG) Validated() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.validated
}

// Order returns the validated topological order.
func (d *DAG) Order() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.order...)
}

// Len returns the number of tasks.
func (d *DAG) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.tasks)
}

// Get returns a copy of the task.
func (d *DAG) Get(taskID string) (*Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	task, ok := d.tasks[taskID]
	if !ok {
		return nil, false
	}
	return cloneTask(task), true
}

// Agent returns a copy of the agent.
func (d *DAG) Agent(agentID string) (*Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	agent, ok := d.agents[agentID]
	if !ok {
		return nil, false
	}
	return cloneAgent(agent), true
}

// Agents returns copies of all agents sorted by id.
func (d *DAG) Agents() []*Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Agent, 0, len(d.agents))
	for _, a := range d.agents {
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tasks returns copies of all tasks, in topological order once validated and
// in insertion order before that.
func (d *DAG) Tasks() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := d.ids
	if d.validated {
		ids = d.order
	}
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneTask(d.tasks[id]))
	}
	return out
}

// Dependents returns the ids of tasks that directly depend on taskID.
func (d *DAG) Dependents(taskID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.dependents[taskID]...)
}

// Descendants returns every task that transitively depends on taskID, in
// breadth-first order.
func (d *DAG) Descendants(taskID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := map[string]bool{taskID: true}
	var out []string
	queue := append([]string(nil), d.dependents[taskID]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, cur)
		queue = append(queue, d.dependents[cur]...)
	}
	return out
}

// ReviewerOf returns the reviewer paired with writerID.
func (d *DAG) ReviewerOf(writerID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.reviewer[writerID]
	return r, ok
}

// WriterOf returns the writer reviewed by reviewerID.
func (d *DAG) WriterOf(reviewerID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.writer[reviewerID]
	return w, ok
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
