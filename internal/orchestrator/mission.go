package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/nexus/internal/scheduler"
)

// Stage is the coarse lifecycle of a mission as shown to operators.
type Stage string

const (
	StageReady      Stage = "ready"
	StagePlanning   Stage = "planning"
	StageExecuting  Stage = "executing"
	StageReviewing  Stage = "reviewing"
	StageCommitting Stage = "committing"
	StageFinished   Stage = "finished"
	StageAborted    Stage = "aborted"
)

var (
	ErrMissionRunning = errors.New("mission is already running")
	ErrMissionStalled = errors.New("mission stalled with unfinished tasks and nothing in flight")
	ErrNoMission      = errors.New("no mission loaded")
	ErrNoPublisher    = errors.New("no publisher configured")
	ErrNoBranch       = errors.New("mission has no branch")
	ErrNotReviewable  = errors.New("mission did not finish successfully")
)

// Mission bundles the immutable plan of one objective with its execution state.
type Mission struct {
	ID        string
	Objective string
	Graph     *scheduler.DAG
	Registry  *scheduler.Registry
	Outputs   *scheduler.OutputMap
	CreatedAt time.Time

	mu        sync.RWMutex
	stage     Stage
	branch    string
	outcome   scheduler.Outcome
	running   bool
	cancelled chan struct{}
	cancelOne *sync.Once
}

// NewMission validates graph and prepares a mission with every task PENDING.
// Structurally invalid plans never produce a mission.
func NewMission(objective string, graph *scheduler.DAG) (*Mission, error) {
	if !graph.Validated() {
		if _, err := graph.Validate(); err != nil {
			return nil, fmt.Errorf("invalid plan: %w", err)
		}
	}
	reg, err := scheduler.NewRegistry(graph)
	if err != nil {
		return nil, err
	}
	return &Mission{
		ID:        uuid.NewString(),
		Objective: objective,
		Graph:     graph,
		Registry:  reg,
		Outputs:   scheduler.NewOutputMap(),
		CreatedAt: time.Now(),
		stage:     StageReady,
		cancelled: make(chan struct{}),
		cancelOne: &sync.Once{},
	}, nil
}

// Cancel requests cooperative cancellation. Only the first call has an effect.
func (m *Mission) Cancel() {
	m.mu.RLock()
	once, ch := m.cancelOne, m.cancelled
	m.mu.RUnlock()
	once.Do(func() { close(ch) })
}

// Done is closed once Cancel has been called.
func (m *Mission) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cancelled
}

func (m *Mission) Stage() Stage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stage
}

func (m *Mission) setStage(s Stage) {
	m.mu.Lock()
	m.stage = s
	m.mu.Unlock()
}

// Branch returns the mission branch, empty when none was created.
func (m *Mission) Branch() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.branch
}

func (m *Mission) setBranch(b string) {
	m.mu.Lock()
	m.branch = b
	m.mu.Unlock()
}

// Outcome returns the final outcome, empty while unfinished.
func (m *Mission) Outcome() scheduler.Outcome {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.outcome
}

func (m *Mission) begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrMissionRunning
	}
	if m.outcome != "" {
		return fmt.Errorf("mission %s already finished with %s", m.ID, m.outcome)
	}
	m.running = true
	return nil
}

func (m *Mission) finish(o scheduler.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.outcome = o
	if o == scheduler.OutcomeAborted {
		m.stage = StageAborted
	} else {
		m.stage = StageReviewing
	}
}

// Reset clears every record and output so the plan can run again.
func (m *Mission) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrMissionRunning
	}
	m.Registry.Reset()
	m.Outputs.Reset()
	m.stage = StageReady
	m.outcome = ""
	m.branch = ""
	m.cancelled = make(chan struct{})
	m.cancelOne = &sync.Once{}
	return nil
}

// Snapshot is a serialisable view of a mission.
type Snapshot struct {
	ID        string                   `json:"id"`
	Objective string                   `json:"objective"`
	Stage     Stage                    `json:"stage"`
	Branch    string                   `json:"branch,omitempty"`
	Outcome   scheduler.Outcome        `json:"outcome,omitempty"`
	Version   uint64                   `json:"version"`
	Tasks     []scheduler.Task         `json:"tasks"`
	Records   []scheduler.StatusRecord `json:"records"`
	Counts    map[string]int           `json:"counts"`
	Usage     scheduler.Usage          `json:"usage"`
	CreatedAt time.Time                `json:"createdAt"`
}

// Snapshot captures the current state of the mission.
func (m *Mission) Snapshot() Snapshot {
	regSnap := m.Registry.Snapshot()
	counts := make(map[string]int)
	var usage scheduler.Usage
	for _, rec := range regSnap.Records {
		counts[rec.Status.String()]++
		usage = usage.Add(rec.Usage)
	}
	tasks := m.Graph.Tasks()
	plain := make([]scheduler.Task, 0, len(tasks))
	for _, t := range tasks {
		plain = append(plain, *t)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		ID:        m.ID,
		Objective: m.Objective,
		Stage:     m.stage,
		Branch:    m.branch,
		Outcome:   m.outcome,
		Version:   regSnap.Version,
		Tasks:     plain,
		Records:   regSnap.Records,
		Counts:    counts,
		Usage:     usage,
		CreatedAt: m.CreatedAt,
	}
}
