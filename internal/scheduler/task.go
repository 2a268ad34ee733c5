package scheduler

import (
	"errors"
	"strings"
)

// TaskStatus is the lifecycle state of a single task within a mission.
type TaskStatus int

const (
	StatusPending   TaskStatus = iota // Waiting for dependencies or dispatch
	StatusWorking                     // Handed to the executor
	StatusCompleted                   // Output recorded
	StatusError                       // Execution failed or revisions exhausted
	StatusBlocked                     // An upstream task failed
	StatusCancelled                   // Mission aborted before the task finished
)

var statusNames = [...]string{"PENDING", "WORKING", "COMPLETED", "ERROR", "BLOCKED", "CANCELLED"}

func (s TaskStatus) String() string {
	if int(s) < 0 || int(s) >= len(statusNames) {
		return "UNKNOWN"
	}
	return statusNames[s]
}

// ParseStatus is the inverse of String.
func ParseStatus(s string) (TaskStatus, error) {
	for i, name := range statusNames {
		if strings.EqualFold(name, s) {
			return TaskStatus(i), nil
		}
	}
	return 0, errors.New("unknown task status " + s)
}

func (s TaskStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TaskStatus) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Terminal reports whether no further transitions are expected for the
// status during normal scheduling. Only the revision controller may move a
// COMPLETED or ERROR task back to PENDING.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusBlocked, StatusCancelled:
		return true
	}
	return false
}

// Role is the structured capability an agent carries.
type Role string

const (
	RoleWriter     Role = "writer"
	RoleReviewer   Role = "reviewer"
	RoleReader     Role = "reader"
	RoleResearcher Role = "researcher"
	RoleAnalyst    Role = "analyst"
	RoleDevOps     Role = "devops"
	RoleGeneral    Role = "general"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleWriter, RoleReviewer, RoleReader, RoleResearcher, RoleAnalyst, RoleDevOps, RoleGeneral:
		return true
	}
	return false
}

// ProducesFiles reports whether tasks run by this role are expected to emit files.
func (r Role) ProducesFiles() bool {
	return r == RoleWriter || r == RoleDevOps
}

// Agent describes who executes a task. Immutable once the mission starts.
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	Description  string   `json:"description,omitempty"`
	Category     string   `json:"category,omitempty"`
	Role         Role     `json:"role"`
	Capabilities []string `json:"capabilities,omitempty"`
	SystemPrompt string   `json:"-"`
}

// HasCapability reports whether the agent carries the given capability tag.
func (a *Agent) HasCapability(tag string) bool {
	for _, c := range a.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Task is a unit of work in the mission graph.
type Task struct {
	ID             string   `json:"id"`                  // Unique identifier
	Description    string   `json:"description"`         // Instruction for the agent
	AgentID        string   `json:"agentId"`             // Key into the graph's agent set
	DependsOn      []string `json:"dependsOn,omitempty"` // Task IDs that must complete first
	ExpectedOutput string   `json:"expectedOutput,omitempty"`
	Complexity     string   `json:"complexity,omitempty"` // Low, Medium or High; informational
	ReviewOf       string   `json:"reviewOf,omitempty"`   // Writer this task reviews, when set
}

// OutputKind classifies what a task produced.
type OutputKind string

const (
	OutputText   OutputKind = "text"
	OutputFile   OutputKind = "file"
	OutputSearch OutputKind = "search"
	OutputIssue  OutputKind = "issue"
)

// Decision is a reviewer verdict.
type Decision string

const (
	DecisionApproved      Decision = "APPROVED"
	DecisionNeedsRevision Decision = "NEEDS_REVISION"
)

// Severity grades reviewer feedback.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityCritical Severity = "critical"
)

// Review is the verdict carried by a reviewer's output.
type Review struct {
	Decision Decision `json:"decision"`
	Feedback string   `json:"feedback"`
	Severity Severity `json:"severity,omitempty"`
}

// Valid reports whether the decision is one of the two known verdicts.
func (r *Review) Valid() bool {
	return r != nil && (r.Decision == DecisionApproved || r.Decision == DecisionNeedsRevision)
}

// GeneratedFile is a file a writer proposes to persist.
type GeneratedFile struct {
	Filename        string `json:"filename"`
	Content         string `json:"content"`
	OriginalContent string `json:"originalContent,omitempty"`
}

// TaskOutput is what the executor records for a completed task.
type TaskOutput struct {
	Kind           OutputKind      `json:"type"`
	Content        string          `json:"content"`
	GeneratedFiles []GeneratedFile `json:"generatedFiles,omitempty"`
	Review         *Review         `json:"review,omitempty"`
	Reasoning      string          `json:"reasoning,omitempty"`
}

// Usage is the token accounting reported by the agent runtime.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

func cloneTask(t *Task) *Task {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	return &c
}

func cloneAgent(a *Agent) *Agent {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	return &c
}

func cloneOutput(o *TaskOutput) *TaskOutput {
	if o == nil {
		return nil
	}
	c := *o
	c.GeneratedFiles = append([]GeneratedFile(nil), o.GeneratedFiles...)
	if o.Review != nil {
		r := *o.Review
		c.Review = &r
	}
	return &c
}
