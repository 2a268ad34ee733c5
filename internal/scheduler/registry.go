package scheduler

import (
	"fmt"
	"sync"
	"time"
)

// StatusRecord is the mutable execution state of one task.
type StatusRecord struct {
	TaskID           string      `json:"taskId"`
	AgentID          string      `json:"agentId"`
	Status           TaskStatus  `json:"status"`
	Iteration        int         `json:"iteration"`
	Attempt          int         `json:"attempt"`
	FeedbackHistory  []string    `json:"feedbackHistory,omitempty"`
	StreamingContent string      `json:"streamingContent,omitempty"`
	Result           *TaskOutput `json:"result,omitempty"`
	Usage            Usage       `json:"usage"`
	Error            string      `json:"error,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	StartedAt        time.Time   `json:"startedAt,omitempty"`
	FinishedAt       time.Time   `json:"finishedAt,omitempty"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// Duration is the wall time of the latest attempt, zero while running.
func (r StatusRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *StatusRecord) clone() *StatusRecord {
	c := *r
	c.FeedbackHistory = append([]string(nil), r.FeedbackHistory...)
	c.Result = cloneOutput(r.Result)
	return &c
}

// transitions lists every allowed status change. COMPLETED and ERROR only
// leave their state through the revision controller.
var transitions = map[TaskStatus][]TaskStatus{
	StatusPending:   {StatusWorking, StatusCancelled, StatusBlocked},
	StatusWorking:   {StatusCompleted, StatusError, StatusCancelled, StatusBlocked},
	StatusCompleted: {StatusPending, StatusError},
	StatusError:     {StatusPending},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Change describes one record touched by a registry transaction.
type Change struct {
	Previous TaskStatus
	Record   StatusRecord
}

// StatusChanged reports whether the transaction moved the record to a new status.
func (c Change) StatusChanged() bool {
	return c.Previous != c.Record.Status
}

// Snapshot is a consistent view of every record at one registry version.
type Snapshot struct {
	Version uint64
	Records []StatusRecord // graph order
}

// Counts tallies records by status.
func (s Snapshot) Counts() map[TaskStatus]int {
	counts := make(map[TaskStatus]int)
	for _, r := range s.Records {
		counts[r.Status]++
	}
	return counts
}

// Registry owns every StatusRecord of a mission. All writes go through Update,
// which applies a mutation against the previous state and publishes the result
// atomically.
type Registry struct {
	mu      sync.RWMutex
	dag     *DAG
	records map[string]*StatusRecord
	order   []string
	version uint64
	now     func() time.Time
}

// NewRegistry initialises one PENDING record per task. The graph must be validated.
func NewRegistry(dag *DAG) (*Registry, error) {
	if !dag.Validated() {
		return nil, ErrNotValidated
	}
	r := &Registry{
		dag:     dag,
		records: make(map[string]*StatusRecord),
		now:     time.Now,
	}
	r.reset()
	return r, nil
}

func (r *Registry) reset() {
	now := r.now()
	r.records = make(map[string]*StatusRecord)
	r.order = r.order[:0]
	for _, task := range r.dag.Tasks() {
		r.records[task.ID] = &StatusRecord{
			TaskID:    task.ID,
			AgentID:   task.AgentID,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		r.order = append(r.order, task.ID)
	}
	r.version++
}

// Reset returns every record to its initial PENDING state.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
}

// Get returns a copy of a task's record.
func (r *Registry) Get(taskID string) (StatusRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[taskID]
	if !ok {
		return StatusRecord{}, false
	}
	return *rec.clone(), true
}

// Snapshot returns copies of all records taken under one lock.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := Snapshot{Version: r.version, Records: make([]StatusRecord, 0, len(r.order))}
	for _, id := range r.order {
		out.Records = append(out.Records, *r.records[id].clone())
	}
	return out
}

// Update runs fn inside a transaction. Either every staged change is applied
// or, when fn returns an error, none is.
func (r *Registry) Update(fn func(tx *Txn) error) ([]Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &Txn{reg: r, staged: make(map[string]*StatusRecord), now: r.now()}
	if err := fn(tx); err != nil {
		return nil, err
	}
	if len(tx.touched) == 0 {
		return nil, nil
	}

	changes := make([]Change, 0, len(tx.touched))
	for _, id := range tx.touched {
		rec := tx.staged[id]
		rec.UpdatedAt = tx.now
		changes = append(changes, Change{Previous: r.records[id].Status, Record: *rec.clone()})
		r.records[id] = rec
	}
	r.version++
	return changes, nil
}

// Txn stages mutations of registry records. It is only valid inside Update.
type Txn struct {
	reg     *Registry
	staged  map[string]*StatusRecord
	touched []string
	now     time.Time
}

func (tx *Txn) record(taskID string) (*StatusRecord, error) {
	if rec, ok := tx.staged[taskID]; ok {
		return rec, nil
	}
	rec, ok := tx.reg.records[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, taskID)
	}
	c := rec.clone()
	tx.staged[taskID] = c
	tx.touched = append(tx.touched, taskID)
	return c, nil
}

// Get returns the staged view of a record.
func (tx *Txn) Get(taskID string) (StatusRecord, error) {
	if rec, ok := tx.staged[taskID]; ok {
		return *rec.clone(), nil
	}
	rec, ok := tx.reg.records[taskID]
	if !ok {
		return StatusRecord{}, fmt.Errorf("%w: %q", ErrUnknownTask, taskID)
	}
	return *rec.clone(), nil
}

// Transition moves a task to a new status, enforcing the state machine.
func (tx *Txn) Transition(taskID string, to TaskStatus) error {
	rec, err := tx.record(taskID)
	if err != nil {
		return err
	}
	if !CanTransition(rec.Status, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, taskID, rec.Status, to)
	}
	rec.Status = to
	switch to {
	case StatusWorking:
		rec.StartedAt = tx.now
		rec.FinishedAt = time.Time{}
	case StatusPending:
		rec.FinishedAt = time.Time{}
	default:
		rec.FinishedAt = tx.now
	}
	return nil
}

// Mutate applies fn to the staged record. Status must be changed with Transition.
func (tx *Txn) Mutate(taskID string, fn func(rec *StatusRecord)) error {
	rec, err := tx.record(taskID)
	if err != nil {
		return err
	}
	status := rec.Status
	fn(rec)
	rec.Status = status
	return nil
}

// Current checks that taskID is WORKING under the given dispatch attempt.
func (tx *Txn) Current(taskID string, attempt int) error {
	rec, err := tx.Get(taskID)
	if err != nil {
		return err
	}
	if rec.Status != StatusWorking || rec.Attempt != attempt {
		return fmt.Errorf("%w: %s is %s at attempt %d, result from attempt %d", ErrStaleResult, taskID, rec.Status, rec.Attempt, attempt)
	}
	return nil
}

// BlockDescendants marks every non-terminal transitive dependent of taskID BLOCKED.
// A failed reviewer also blocks the consumers of its writer, which would
// otherwise wait on the approval gate forever.
func (tx *Txn) BlockDescendants(taskID string) error {
	for _, id := range tx.downstream(taskID) {
		rec, err := tx.Get(id)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			continue
		}
		if err := tx.Transition(id, StatusBlocked); err != nil {
			return err
		}
		if err := tx.Mutate(id, func(r *StatusRecord) {
			r.Error = fmt.Sprintf("blocked by failed task %s", taskID)
		}); err != nil {
			return err
		}
	}
	return nil
}

// downstream lists the tasks a failure of taskID can never let run.
func (tx *Txn) downstream(taskID string) []string {
	dag := tx.reg.dag
	out := dag.Descendants(taskID)
	writerID, ok := dag.WriterOf(taskID)
	if !ok {
		return out
	}
	seen := map[string]bool{taskID: true, writerID: true}
	for _, id := range out {
		seen[id] = true
	}
	for _, consumer := range dag.Dependents(writerID) {
		if seen[consumer] {
			continue
		}
		seen[consumer] = true
		out = append(out, consumer)
		for _, id := range dag.Descendants(consumer) {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// Complete records a successful result for the current attempt.
func (tx *Txn) Complete(taskID string, attempt int, out TaskOutput, usage Usage) error {
	if err := tx.Current(taskID, attempt); err != nil {
		return err
	}
	if err := tx.Transition(taskID, StatusCompleted); err != nil {
		return err
	}
	return tx.Mutate(taskID, func(r *StatusRecord) {
		r.Result = cloneOutput(&out)
		r.Usage = r.Usage.Add(usage)
		r.Error = ""
	})
}

// Fail records an execution error and blocks everything downstream.
func (tx *Txn) Fail(taskID string, attempt int, cause error) error {
	if err := tx.Current(taskID, attempt); err != nil {
		return err
	}
	if err := tx.Transition(taskID, StatusError); err != nil {
		return err
	}
	if err := tx.Mutate(taskID, func(r *StatusRecord) { r.Error = cause.Error() }); err != nil {
		return err
	}
	return tx.BlockDescendants(taskID)
}

// Dispatch moves a PENDING task to WORKING and returns the new record. It fails
// for any task that is not PENDING, so a task is never dispatched twice.
func (r *Registry) Dispatch(taskID string) (StatusRecord, error) {
	changes, err := r.Update(func(tx *Txn) error {
		if err := tx.Transition(taskID, StatusWorking); err != nil {
			return err
		}
		return tx.Mutate(taskID, func(rec *StatusRecord) {
			rec.Attempt++
			rec.StreamingContent = ""
			rec.Error = ""
		})
	})
	if err != nil {
		return StatusRecord{}, err
	}
	return changes[0].Record, nil
}

// AppendStream adds a chunk of partial output to a WORKING task.
func (r *Registry) AppendStream(taskID string, attempt int, chunk string) (StatusRecord, error) {
	changes, err := r.Update(func(tx *Txn) error {
		if err := tx.Current(taskID, attempt); err != nil {
			return err
		}
		return tx.Mutate(taskID, func(rec *StatusRecord) { rec.StreamingContent += chunk })
	})
	if err != nil {
		return StatusRecord{}, err
	}
	return changes[0].Record, nil
}

// CancelAll moves every PENDING or WORKING task to CANCELLED.
func (r *Registry) CancelAll() []Change {
	changes, _ := r.Update(func(tx *Txn) error {
		for _, id := range tx.reg.order {
			rec := tx.reg.records[id]
			if rec.Status != StatusPending && rec.Status != StatusWorking {
				continue
			}
			if err := tx.Transition(id, StatusCancelled); err != nil {
				return err
			}
		}
		return nil
	})
	return changes
}

// Ready returns, in graph order, every PENDING task whose dependencies are all
// COMPLETED. Consumers of a reviewed writer also wait for its reviewer.
func (r *Registry) Ready() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ready []string
	for _, id := range r.order {
		if r.records[id].Status != StatusPending {
			continue
		}
		task, _ := r.dag.Get(id)
		if r.depsSatisfied(task) {
			ready = append(ready, id)
		}
	}
	return ready
}

func (r *Registry) depsSatisfied(task *Task) bool {
	for _, depID := range task.DependsOn {
		if r.records[depID].Status != StatusCompleted {
			return false
		}
		if reviewerID, ok := r.dag.ReviewerOf(depID); ok && reviewerID != task.ID {
			if r.records[reviewerID].Status != StatusCompleted {
				return false
			}
		}
	}
	return true
}

// Outcome is the final result of a mission.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeAborted Outcome = "aborted"
)

// Outcome reports the mission outcome once every record is terminal.
func (r *Registry) Outcome() (Outcome, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var cancelled, failed bool
	for _, rec := range r.records {
		if !rec.Status.Terminal() {
			return "", false
		}
		switch rec.Status {
		case StatusCancelled:
			cancelled = true
		case StatusError, StatusBlocked:
			failed = true
		}
	}
	switch {
	case cancelled:
		return OutcomeAborted, true
	case failed:
		return OutcomeFailure, true
	}
	return OutcomeSuccess, true
}

// Working returns the number of tasks currently WORKING.
func (r *Registry) Working() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, rec := range r.records {
		if rec.Status == StatusWorking {
			n++
		}
	}
	return n
}

// TotalUsage sums token usage across all records.
func (r *Registry) TotalUsage() Usage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total Usage
	for _, rec := range r.records {
		total = total.Add(rec.Usage)
	}
	return total
}
