package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/nexus/internal/events"
	"github.com/aristath/nexus/internal/scheduler"
	"github.com/aristath/nexus/internal/vcs"
)

// RunnerConfig configures the scheduler loop.
type RunnerConfig struct {
	Runtime               scheduler.AgentRuntime
	Publisher             vcs.Publisher    // nil disables branches, commits and requests
	Bus                   *events.EventBus // nil disables event publication
	Logger                *zap.Logger
	MaxRevisionIterations int
	BranchPrefix          string
}

// Runner drives missions. A single loop goroutine per mission owns every
// status transition; executors run concurrently and report back over a channel.
type Runner struct {
	cfg       RunnerConfig
	log       *zap.Logger
	revisions *scheduler.RevisionController
	locks     *scheduler.ResourceLockManager

	inflight errgroup.Group // executor goroutines
	commits  errgroup.Group // publisher side effects
}

// NewRunner creates a runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:       cfg,
		log:       logger.Named("runner"),
		revisions: scheduler.NewRevisionController(cfg.MaxRevisionIterations),
		locks:     scheduler.NewResourceLockManager(),
	}
}

// Wait blocks until every executor goroutine started by the runner returned.
// Results they deliver after their mission ended are discarded.
func (r *Runner) Wait() {
	_ = r.inflight.Wait()
	_ = r.commits.Wait()
}

type streamChunk struct {
	taskID  string
	attempt int
	chunk   string
}

type loopMsg struct {
	result *scheduler.ExecutionResult
	stream *streamChunk
}

// run holds the per-mission state of one Run call. It is only touched by the
// loop goroutine.
type run struct {
	ctx      context.Context // executor context, cancelled on abort or m.Cancel
	mission  *Mission
	stop     <-chan struct{} // the mission's cancel signal
	exec     *scheduler.Executor
	msgs     chan loopMsg
	done     chan struct{}
	inflight int
	log      *zap.Logger
}

// cancelled reports whether ctx is done or the mission was cancelled.
func (lr *run) cancelled() bool {
	select {
	case <-lr.ctx.Done():
		return true
	case <-lr.stop:
		return true
	default:
		return false
	}
}

func (lr *run) send(msg loopMsg) {
	select {
	case lr.msgs <- msg:
	case <-lr.done:
	}
}

// Run executes m until every task is terminal or cancellation is requested,
// through ctx or m.Cancel. It returns the mission outcome. Publisher failures
// never change the outcome.
func (r *Runner) Run(ctx context.Context, m *Mission) (scheduler.Outcome, error) {
	if err := m.begin(); err != nil {
		return "", err
	}
	start := time.Now()
	log := r.log.With(zap.String("mission", m.ID))
	m.setStage(StageExecuting)
	if r.cfg.Publisher != nil && m.Branch() == "" {
		r.createBranch(ctx, m, log)
	}
	r.publishStarted(m)

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()
	stop := m.Done()

	lr := &run{
		ctx:     execCtx,
		mission: m,
		stop:    stop,
		exec:    scheduler.NewExecutor(m.Graph, m.Outputs, r.cfg.Runtime),
		msgs:    make(chan loopMsg, 64),
		done:    make(chan struct{}),
		log:     log,
	}
	defer close(lr.done)
	go func() {
		select {
		case <-stop:
			cancelExec()
		case <-lr.done:
		}
	}()

	log.Info("mission started", zap.String("objective", m.Objective), zap.Int("tasks", m.Graph.Len()))
	r.dispatchReady(lr)

	var (
		outcome scheduler.Outcome
		runErr  error
	)
loop:
	for {
		// Cancellation wins over anything already queued.
		select {
		case <-ctx.Done():
			r.abort(lr, "context cancelled")
			cancelExec()
			break loop
		case <-stop:
			r.abort(lr, "cancel requested")
			cancelExec()
			break loop
		default:
		}

		if o, finished := m.Registry.Outcome(); finished {
			outcome = o
			break
		}
		if lr.inflight == 0 {
			runErr = ErrMissionStalled
			r.blockStalled(lr)
			break
		}

		select {
		case <-ctx.Done():
		case <-stop:
		case msg := <-lr.msgs:
			if msg.stream != nil {
				r.handleStream(lr, msg.stream)
				continue
			}
			lr.inflight--
			r.handleResult(ctx, lr, *msg.result)
			r.dispatchReady(lr)
		}
	}

	if outcome == "" {
		outcome, _ = m.Registry.Outcome()
		if outcome == "" {
			outcome = scheduler.OutcomeFailure
		}
	}

	// Approved work is persisted before the mission reports its outcome.
	_ = r.commits.Wait()
	m.finish(outcome)

	usage := m.Registry.TotalUsage()
	finished := events.MissionFinishedEvent{
		Mission:   m.ID,
		Outcome:   outcome,
		Usage:     usage,
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	}
	if runErr != nil {
		finished.Error = runErr.Error()
	}
	r.publish(finished)
	log.Info("mission finished",
		zap.String("outcome", string(outcome)),
		zap.Duration("duration", finished.Duration),
		zap.Int("tokens", usage.TotalTokens))
	return outcome, runErr
}

// dispatchReady hands every ready task to an executor goroutine. Nothing is
// dispatched once the mission is cancelled.
func (r *Runner) dispatchReady(lr *run) {
	for _, id := range lr.mission.Registry.Ready() {
		if lr.cancelled() {
			return
		}
		rec, err := lr.mission.Registry.Dispatch(id)
		if err != nil {
			lr.log.Debug("skipping dispatch", zap.String("task", id), zap.Error(err))
			continue
		}
		r.publishChanges(lr.mission, []scheduler.Change{{Previous: scheduler.StatusPending, Record: rec}})

		req, err := lr.exec.Prepare(rec)
		if err != nil {
			r.applyFailure(lr, scheduler.ExecutionResult{TaskID: id, Attempt: rec.Attempt, Err: err})
			continue
		}

		lr.log.Info("task dispatched",
			zap.String("task", id),
			zap.String("agent", req.Agent.ID),
			zap.Int("iteration", rec.Iteration))

		lr.inflight++
		taskID, attempt := id, rec.Attempt
		r.inflight.Go(func() error {
			res := lr.exec.Execute(lr.ctx, req, func(chunk string) {
				lr.send(loopMsg{stream: &streamChunk{taskID: taskID, attempt: attempt, chunk: chunk}})
			})
			lr.send(loopMsg{result: &res})
			return nil
		})
	}
}

func (r *Runner) handleStream(lr *run, c *streamChunk) {
	if _, err := lr.mission.Registry.AppendStream(c.taskID, c.attempt, c.chunk); err != nil {
		return
	}
	r.publish(events.TaskOutputEvent{
		Mission:   lr.mission.ID,
		ID:        c.taskID,
		Attempt:   c.attempt,
		Chunk:     c.chunk,
		Timestamp: time.Now(),
	})
}

func (r *Runner) handleResult(ctx context.Context, lr *run, res scheduler.ExecutionResult) {
	if res.Err != nil {
		r.applyFailure(lr, res)
		return
	}

	m := lr.mission
	var (
		outcome scheduler.RevisionOutcome
		undo    func()
	)
	changes, err := m.Registry.Update(func(tx *scheduler.Txn) error {
		if err := tx.Current(res.TaskID, res.Attempt); err != nil {
			return err
		}
		undo = m.Outputs.Swap(res.TaskID, res.Output)
		var err error
		outcome, err = r.revisions.Resolve(tx, res.TaskID, res.Attempt, res.Output, res.Usage)
		return err
	})
	if err != nil && undo != nil {
		undo()
	}
	switch {
	case errors.Is(err, scheduler.ErrStaleResult):
		lr.log.Debug("discarding late result", zap.String("task", res.TaskID), zap.Int("attempt", res.Attempt))
		return
	case err != nil:
		res.Err = err
		r.applyFailure(lr, res)
		return
	}

	lr.log.Info("task completed", zap.String("task", res.TaskID), zap.Duration("duration", res.Duration))
	r.publishChanges(m, changes)

	if outcome.Kind == scheduler.RevisionNone {
		return
	}
	r.publish(events.TaskRevisionEvent{
		Mission:    m.ID,
		WriterID:   outcome.WriterID,
		ReviewerID: outcome.ReviewerID,
		Result:     outcome.Kind.String(),
		Iteration:  outcome.Iteration,
		Feedback:   outcome.Feedback,
		Severity:   outcome.Severity,
		Timestamp:  time.Now(),
	})

	fields := []zap.Field{
		zap.String("writer", outcome.WriterID),
		zap.String("reviewer", outcome.ReviewerID),
		zap.Int("iteration", outcome.Iteration),
	}
	switch outcome.Kind {
	case scheduler.RevisionApproved:
		lr.log.Info("review approved", fields...)
		r.commitApproved(ctx, m, outcome.WriterID, lr.log)
	case scheduler.RevisionRequested:
		lr.log.Info("revision requested", append(fields, zap.String("feedback", outcome.Feedback))...)
	case scheduler.RevisionExhausted:
		lr.log.Warn("revision limit reached", append(fields, zap.Int("max", r.revisions.MaxIterations()))...)
	}
}

func (r *Runner) applyFailure(lr *run, res scheduler.ExecutionResult) {
	changes, err := lr.mission.Registry.Update(func(tx *scheduler.Txn) error {
		return tx.Fail(res.TaskID, res.Attempt, res.Err)
	})
	if errors.Is(err, scheduler.ErrStaleResult) {
		lr.log.Debug("discarding late failure", zap.String("task", res.TaskID), zap.Error(res.Err))
		return
	}
	if err != nil {
		lr.log.Error("recording failure", zap.String("task", res.TaskID), zap.Error(err))
		return
	}
	lr.log.Warn("task failed", zap.String("task", res.TaskID), zap.Error(res.Err), zap.Int("blocked", len(changes)-1))
	r.publishChanges(lr.mission, changes)
}

func (r *Runner) abort(lr *run, reason string) {
	changes := lr.mission.Registry.CancelAll()
	lr.log.Warn("mission aborted", zap.String("reason", reason), zap.Int("cancelled", len(changes)), zap.Int("in_flight", lr.inflight))
	r.publishChanges(lr.mission, changes)
}

func (r *Runner) blockStalled(lr *run) {
	var pending []string
	for _, rec := range lr.mission.Registry.Snapshot().Records {
		if rec.Status == scheduler.StatusPending {
			pending = append(pending, rec.TaskID)
		}
	}
	changes, err := lr.mission.Registry.Update(func(tx *scheduler.Txn) error {
		for _, id := range pending {
			if err := tx.Transition(id, scheduler.StatusBlocked); err != nil {
				return err
			}
			if err := tx.Mutate(id, func(s *scheduler.StatusRecord) { s.Error = ErrMissionStalled.Error() }); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		lr.log.Error("blocking stalled tasks", zap.Error(err))
		return
	}
	lr.log.Error("mission stalled", zap.Int("blocked", len(changes)))
	r.publishChanges(lr.mission, changes)
}

func (r *Runner) createBranch(ctx context.Context, m *Mission, log *zap.Logger) {
	name := vcs.BranchName(r.cfg.BranchPrefix, m.Objective)
	ev := events.VCSEvent{Kind: events.EventTypeBranchCreated, Mission: m.ID, Branch: name, Timestamp: time.Now()}
	if err := r.cfg.Publisher.CreateBranch(ctx, name); err != nil {
		log.Warn("branch creation failed, approved work will not be committed", zap.String("branch", name), zap.Error(err))
		ev.Error = err.Error()
		r.publish(ev)
		return
	}
	m.setBranch(name)
	log.Info("branch created", zap.String("branch", name))
	r.publish(ev)
}

// CommitMessage formats the commit message for an approved writer task.
func CommitMessage(task *scheduler.Task) string {
	desc := strings.TrimSpace(task.Description)
	if i := strings.IndexByte(desc, '\n'); i >= 0 {
		desc = strings.TrimSpace(desc[:i])
	}
	return fmt.Sprintf("feat(%s): %s", task.AgentID, desc)
}

func (r *Runner) commitApproved(ctx context.Context, m *Mission, writerID string, log *zap.Logger) {
	branch := m.Branch()
	if r.cfg.Publisher == nil || branch == "" {
		return
	}
	out, ok := m.Outputs.Get(writerID)
	if !ok || len(out.GeneratedFiles) == 0 {
		return
	}
	task, _ := m.Graph.Get(writerID)
	message := CommitMessage(task)

	files := make([]vcs.File, 0, len(out.GeneratedFiles))
	keys := []string{"branch:" + branch}
	for _, f := range out.GeneratedFiles {
		files = append(files, vcs.File{Path: f.Filename, Content: f.Content})
		keys = append(keys, "file:"+f.Filename)
	}

	r.commits.Go(func() error {
		release := r.locks.LockAll(keys...)
		defer release()

		ev := events.VCSEvent{Kind: events.EventTypeCommit, Mission: m.ID, Task: writerID, Branch: branch}
		ref, err := r.cfg.Publisher.Commit(ctx, branch, files, message)
		ev.Timestamp = time.Now()
		if err != nil {
			log.Warn("commit failed", zap.String("task", writerID), zap.Error(err))
			ev.Error = err.Error()
		} else {
			log.Info("commit created", zap.String("task", writerID), zap.String("sha", ref.SHA))
			ev.Ref, ev.URL = ref.SHA, ref.URL
		}
		r.publish(ev)
		return nil
	})
}

// OpenPullRequest opens a review request for a successfully finished mission.
func (r *Runner) OpenPullRequest(ctx context.Context, m *Mission, title, body string) (vcs.RequestRef, error) {
	if r.cfg.Publisher == nil {
		return vcs.RequestRef{}, ErrNoPublisher
	}
	branch := m.Branch()
	if branch == "" {
		return vcs.RequestRef{}, ErrNoBranch
	}
	if m.Outcome() != scheduler.OutcomeSuccess || m.Stage() != StageReviewing {
		return vcs.RequestRef{}, ErrNotReviewable
	}

	m.setStage(StageCommitting)
	ev := events.VCSEvent{Kind: events.EventTypeRequest, Mission: m.ID, Branch: branch}
	ref, err := r.cfg.Publisher.OpenRequest(ctx, branch, title, body)
	ev.Timestamp = time.Now()
	if err != nil {
		m.setStage(StageReviewing)
		ev.Error = err.Error()
		r.publish(ev)
		return vcs.RequestRef{}, fmt.Errorf("open request for %s: %w", branch, err)
	}
	m.setStage(StageFinished)
	ev.URL = ref.URL
	r.publish(ev)
	r.log.Info("review request opened", zap.String("mission", m.ID), zap.String("url", ref.URL))
	return ref, nil
}

// PullRequestSummary builds a title and body describing the mission's work.
func PullRequestSummary(m *Mission) (title, body string) {
	title = "feat: " + strings.TrimSpace(m.Objective)
	if len(title) > 72 {
		title = strings.TrimSpace(title[:69]) + "..."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Objective\n\n%s\n\n## Tasks\n\n", strings.TrimSpace(m.Objective))
	for _, task := range m.Graph.Tasks() {
		rec, _ := m.Registry.Get(task.ID)
		if rec.Status != scheduler.StatusCompleted {
			continue
		}
		fmt.Fprintf(&b, "- [%s] %s", task.AgentID, task.Description)
		if rec.Iteration > 0 {
			fmt.Fprintf(&b, " (%d revisions)", rec.Iteration)
		}
		b.WriteString("\n")
	}
	usage := m.Registry.TotalUsage()
	fmt.Fprintf(&b, "\nTokens: %d prompt, %d completion, %d total\n", usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	return title, b.String()
}

func (r *Runner) publish(ev events.Event) {
	if r.cfg.Bus != nil {
		r.cfg.Bus.Publish(ev)
	}
}

func (r *Runner) publishChanges(m *Mission, changes []scheduler.Change) {
	if r.cfg.Bus == nil || len(changes) == 0 {
		return
	}
	now := time.Now()
	for _, c := range changes {
		r.cfg.Bus.Publish(events.TaskStatusEvent{Mission: m.ID, Previous: c.Previous, Record: c.Record, Timestamp: now})
	}
	snap := m.Registry.Snapshot()
	counts := make(map[string]int)
	var usage scheduler.Usage
	for _, rec := range snap.Records {
		counts[rec.Status.String()]++
		usage = usage.Add(rec.Usage)
	}
	r.cfg.Bus.Publish(events.MissionProgressEvent{Mission: m.ID, Total: len(snap.Records), Counts: counts, Usage: usage, Timestamp: now})
}

func (r *Runner) publishStarted(m *Mission) {
	if r.cfg.Bus == nil {
		return
	}
	var tasks []scheduler.Task
	for _, t := range m.Graph.Tasks() {
		tasks = append(tasks, *t)
	}
	var agents []scheduler.Agent
	for _, a := range m.Graph.Agents() {
		agents = append(agents, *a)
	}
	r.cfg.Bus.Publish(events.MissionStartedEvent{
		Mission:   m.ID,
		Objective: m.Objective,
		Branch:    m.Branch(),
		Tasks:     tasks,
		Agents:    agents,
		Timestamp: time.Now(),
	})
}
