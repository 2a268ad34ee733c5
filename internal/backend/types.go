package backend

import "github.com/aristath/nexus/internal/scheduler"

// Message represents a message sent to the backend.
type Message struct {
	Content string
	Role    string // "user" or "system"

	// Stream receives output chunks as the backend produces them. Optional.
	Stream func(chunk string)
}

// Response represents a response from the backend.
type Response struct {
	Content   string
	SessionID string
	Usage     scheduler.Usage
	Error     string
}

// Config defines the configuration for a backend.
type Config struct {
	Type         string   // "claude" or "command"
	Binary       string   // executable for the claude backend, defaults to "claude"
	Command      []string // argv for the command backend
	WorkDir      string
	SessionID    string
	Model        string
	SystemPrompt string
	Env          []string // extra KEY=VALUE pairs for the subprocess
}
