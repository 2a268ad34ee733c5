package backend

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// CommandAdapter runs an arbitrary command per message. The prompt is written
// to stdin and stdout becomes the response. The system prompt is exported as
// NEXUS_SYSTEM_PROMPT.
type CommandAdapter struct {
	argv         []string
	workDir      string
	systemPrompt string
	env          []string
	sessionID    string
	procMgr      *ProcessManager
}

// NewCommandAdapter creates an adapter for cfg.Command.
func NewCommandAdapter(cfg Config, procMgr *ProcessManager) (*CommandAdapter, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("command backend requires a command")
	}
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &CommandAdapter{
		argv:         append([]string(nil), cfg.Command...),
		workDir:      cfg.WorkDir,
		systemPrompt: cfg.SystemPrompt,
		env:          cfg.Env,
		sessionID:    sessionID,
		procMgr:      procMgr,
	}, nil
}

// Send runs the command once.
func (a *CommandAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	cmd := newCommand(ctx, a.argv[0], a.argv[1:]...)
	cmd.Dir = a.workDir
	cmd.Stdin = strings.NewReader(msg.Content)
	cmd.Env = append(os.Environ(), a.env...)
	cmd.Env = append(cmd.Env, "NEXUS_SYSTEM_PROMPT="+a.systemPrompt, "NEXUS_SESSION_ID="+a.sessionID)

	var onLine func([]byte)
	if msg.Stream != nil {
		onLine = func(line []byte) { msg.Stream(string(line) + "\n") }
	}
	stdout, _, err := executeCommand(ctx, cmd, a.procMgr, onLine)
	if err != nil {
		return Response{Error: err.Error()}, err
	}
	return Response{Content: strings.TrimRight(string(stdout), "\n"), SessionID: a.sessionID}, nil
}

// Close is a no-op.
func (a *CommandAdapter) Close() error {
	return nil
}

// SessionID returns the identifier exported to the command.
func (a *CommandAdapter) SessionID() string {
	return a.sessionID
}
