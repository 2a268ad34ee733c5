package events

import (
	"time"

	"github.com/aristath/nexus/internal/scheduler"
)

// Event is anything published on the bus.
type Event interface {
	EventType() string
	Topic() string
	MissionID() string
	TaskID() string
}

// Topics
const (
	TopicTask    = "task"
	TopicMission = "mission"
	TopicVCS     = "vcs"
)

// Event types
const (
	EventTypeTaskStatus      = "task.status"
	EventTypeTaskOutput      = "task.output"
	EventTypeTaskRevision    = "task.revision"
	EventTypeMissionStarted  = "mission.started"
	EventTypeMissionProgress = "mission.progress"
	EventTypeMissionFinished = "mission.finished"
	EventTypeBranchCreated   = "vcs.branch"
	EventTypeCommit          = "vcs.commit"
	EventTypeRequest         = "vcs.request"
)

// TaskStatusEvent carries a record snapshot after a status or result change.
type TaskStatusEvent struct {
	Mission   string                 `json:"missionId"`
	Previous  scheduler.TaskStatus   `json:"previous"`
	Record    scheduler.StatusRecord `json:"record"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e TaskStatusEvent) EventType() string { return EventTypeTaskStatus }
func (e TaskStatusEvent) Topic() string     { return TopicTask }
func (e TaskStatusEvent) MissionID() string { return e.Mission }
func (e TaskStatusEvent) TaskID() string    { return e.Record.TaskID }

// TaskOutputEvent is one streamed chunk of partial output.
type TaskOutputEvent struct {
	Mission   string    `json:"missionId"`
	ID        string    `json:"taskId"`
	Attempt   int       `json:"attempt"`
	Chunk     string    `json:"chunk"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) Topic() string     { return TopicTask }
func (e TaskOutputEvent) MissionID() string { return e.Mission }
func (e TaskOutputEvent) TaskID() string    { return e.ID }

// TaskRevisionEvent reports a reviewer verdict and what it did to the pair.
type TaskRevisionEvent struct {
	Mission    string             `json:"missionId"`
	WriterID   string             `json:"writerId"`
	ReviewerID string             `json:"reviewerId"`
	Result     string             `json:"result"` // approved, revise or exhausted
	Iteration  int                `json:"iteration"`
	Feedback   string             `json:"feedback,omitempty"`
	Severity   scheduler.Severity `json:"severity,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

func (e TaskRevisionEvent) EventType() string { return EventTypeTaskRevision }
func (e TaskRevisionEvent) Topic() string     { return TopicTask }
func (e TaskRevisionEvent) MissionID() string { return e.Mission }
func (e TaskRevisionEvent) TaskID() string    { return e.WriterID }

// MissionStartedEvent carries the immutable plan of a mission.
type MissionStartedEvent struct {
	Mission   string            `json:"missionId"`
	Objective string            `json:"objective"`
	Branch    string            `json:"branch,omitempty"`
	Tasks     []scheduler.Task  `json:"tasks"`
	Agents    []scheduler.Agent `json:"agents"`
	Timestamp time.Time         `json:"timestamp"`
}

func (e MissionStartedEvent) EventType() string { return EventTypeMissionStarted }
func (e MissionStartedEvent) Topic() string     { return TopicMission }
func (e MissionStartedEvent) MissionID() string { return e.Mission }
func (e MissionStartedEvent) TaskID() string    { return "" }

// MissionProgressEvent summarises task counts by status.
type MissionProgressEvent struct {
	Mission   string          `json:"missionId"`
	Total     int             `json:"total"`
	Counts    map[string]int  `json:"counts"`
	Usage     scheduler.Usage `json:"usage"`
	Timestamp time.Time       `json:"timestamp"`
}

func (e MissionProgressEvent) EventType() string { return EventTypeMissionProgress }
func (e MissionProgressEvent) Topic() string     { return TopicMission }
func (e MissionProgressEvent) MissionID() string { return e.Mission }
func (e MissionProgressEvent) TaskID() string    { return "" }

// Done returns the number of tasks in a terminal state.
func (e MissionProgressEvent) Done() int {
	n := 0
	for status, c := range e.Counts {
		if s, err := scheduler.ParseStatus(status); err == nil && s.Terminal() {
			n += c
		}
	}
	return n
}

// MissionFinishedEvent is published once the mission reaches an outcome.
type MissionFinishedEvent struct {
	Mission   string            `json:"missionId"`
	Outcome   scheduler.Outcome `json:"outcome"`
	Error     string            `json:"error,omitempty"`
	Usage     scheduler.Usage   `json:"usage"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
}

func (e MissionFinishedEvent) EventType() string { return EventTypeMissionFinished }
func (e MissionFinishedEvent) Topic() string     { return TopicMission }
func (e MissionFinishedEvent) MissionID() string { return e.Mission }
func (e MissionFinishedEvent) TaskID() string    { return "" }

// VCSEvent reports the outcome of a call into the persistence collaborator.
// Error is set when the call failed; the mission continues regardless.
type VCSEvent struct {
	Kind      string    `json:"kind"` // one of the vcs.* event types
	Mission   string    `json:"missionId"`
	Task      string    `json:"taskId,omitempty"`
	Branch    string    `json:"branch"`
	Ref       string    `json:"ref,omitempty"`
	URL       string    `json:"url,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e VCSEvent) EventType() string { return e.Kind }
func (e VCSEvent) Topic() string     { return TopicVCS }
func (e VCSEvent) MissionID() string { return e.Mission }
func (e VCSEvent) TaskID() string    { return e.Task }

// Failed reports whether the collaborator call failed.
func (e VCSEvent) Failed() bool { return e.Error != "" }
