package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/aristath/nexus/internal/scheduler"
	"github.com/aristath/nexus/internal/vcs"
)

// Planner turns an objective into a task graph.
type Planner interface {
	Plan(ctx context.Context, objective string) (*scheduler.DAG, error)
}

// Controller owns the process-wide current mission. Planning a new objective
// tears down the previous mission.
type Controller struct {
	runner  *Runner
	planner Planner
	log     *zap.Logger

	mu       sync.RWMutex
	current  *Mission
	planning bool
}

// NewController creates a controller.
func NewController(runner *Runner, planner Planner, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{runner: runner, planner: planner, log: logger.Named("controller")}
}

// Plan asks the planner for a graph and loads it as the current mission.
func (c *Controller) Plan(ctx context.Context, objective string) (*Mission, error) {
	c.mu.Lock()
	if c.current != nil && c.current.Stage() == StageExecuting {
		c.mu.Unlock()
		return nil, ErrMissionRunning
	}
	c.current = nil
	c.planning = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.planning = false
		c.mu.Unlock()
	}()

	c.log.Info("planning", zap.String("objective", objective))
	dag, err := c.planner.Plan(ctx, objective)
	if err != nil {
		return nil, fmt.Errorf("plan objective: %w", err)
	}
	return c.Load(objective, dag)
}

// Load validates an existing graph and makes it the current mission.
func (c *Controller) Load(objective string, dag *scheduler.DAG) (*Mission, error) {
	m, err := NewMission(objective, dag)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.Stage() == StageExecuting {
		return nil, ErrMissionRunning
	}
	c.current = m
	c.log.Info("mission loaded", zap.String("mission", m.ID), zap.Int("tasks", dag.Len()))
	return m, nil
}

// Current returns the loaded mission.
func (c *Controller) Current() (*Mission, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current, c.current != nil
}

// Stage reports planning while a plan is being produced, otherwise the stage
// of the current mission.
func (c *Controller) Stage() Stage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.planning {
		return StagePlanning
	}
	if c.current == nil {
		return StageReady
	}
	return c.current.Stage()
}

// Execute runs the current mission to completion.
func (c *Controller) Execute(ctx context.Context) (scheduler.Outcome, error) {
	m, ok := c.Current()
	if !ok {
		return "", ErrNoMission
	}
	return c.runner.Run(ctx, m)
}

// Cancel requests cancellation of the current mission.
func (c *Controller) Cancel() bool {
	m, ok := c.Current()
	if !ok {
		return false
	}
	m.Cancel()
	return true
}

// Reset drops the current mission.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.Stage() == StageExecuting {
		return ErrMissionRunning
	}
	c.current = nil
	return nil
}

// OpenPullRequest opens a review request summarising the current mission.
func (c *Controller) OpenPullRequest(ctx context.Context) (vcs.RequestRef, error) {
	m, ok := c.Current()
	if !ok {
		return vcs.RequestRef{}, ErrNoMission
	}
	title, body := PullRequestSummary(m)
	return c.runner.OpenPullRequest(ctx, m, title, body)
}
