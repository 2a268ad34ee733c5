package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/aristath/nexus/internal/scheduler"
)

// ClaudeAdapter implements the Backend interface for the Claude Code CLI.
type ClaudeAdapter struct {
	binary       string
	sessionID    string
	workDir      string
	model        string
	systemPrompt string
	env          []string
	started      bool
	procMgr      *ProcessManager
}

// claudeEvent is one line of `--output-format stream-json` output.
//
//	{"type":"assistant","message":{"content":[{"type":"text","text":"..."}]}}
//	{"type":"result","result":"...","session_id":"...","is_error":false,"usage":{...}}
type claudeEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
	Usage   *struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	} `json:"usage"`
}

var errNoResult = errors.New("claude produced no result event")

// NewClaudeAdapter creates a new Claude Code backend adapter.
// If cfg.SessionID is empty, a new UUID will be generated.
// The ProcessManager is optional - if nil, subprocesses won't be tracked.
func NewClaudeAdapter(cfg Config, procMgr *ProcessManager) (*ClaudeAdapter, error) {
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	binary := cfg.Binary
	if binary == "" {
		binary = "claude"
	}

	return &ClaudeAdapter{
		binary:       binary,
		sessionID:    sessionID,
		workDir:      workDir,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		env:          cfg.Env,
		procMgr:      procMgr,
	}, nil
}

// Send sends a message to Claude Code CLI and returns the response.
// The first call uses --session-id, subsequent calls use --resume.
func (a *ClaudeAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	args := a.buildArgs(msg, a.started)

	cmd := newCommand(ctx, a.binary, args...)
	cmd.Dir = a.workDir
	if len(a.env) > 0 {
		cmd.Env = append(os.Environ(), a.env...)
	}

	var parser streamParser
	parser.stream = msg.Stream
	_, stderr, err := executeCommand(ctx, cmd, a.procMgr, parser.line)
	if err != nil {
		return Response{
			Error: fmt.Sprintf("claude command failed: %v", err),
		}, err
	}

	resp, err := parser.response()
	if err != nil {
		return Response{
			Error: fmt.Sprintf("failed to parse claude response: %v (stderr: %s)", err, strings.TrimSpace(string(stderr))),
		}, err
	}
	if resp.SessionID != "" {
		a.sessionID = resp.SessionID
	}

	a.started = true

	return resp, nil
}

// Close is a no-op for Claude Code (subprocess-per-invocation model).
func (a *ClaudeAdapter) Close() error {
	return nil
}

// SessionID returns the current session identifier.
func (a *ClaudeAdapter) SessionID() string {
	return a.sessionID
}

// buildArgs constructs the command-line arguments for the claude CLI.
// isResume determines whether to use --session-id (false) or --resume (true).
func (a *ClaudeAdapter) buildArgs(msg Message, isResume bool) []string {
	args := []string{"-p", msg.Content, "--output-format", "stream-json", "--verbose"}

	if isResume {
		args = append(args, "--resume", a.sessionID)
	} else {
		args = append(args, "--session-id", a.sessionID)
	}

	if a.model != "" {
		args = append(args, "--model", a.model)
	}

	if a.systemPrompt != "" {
		args = append(args, "--system-prompt", a.systemPrompt)
	}

	return args
}

// streamParser folds stream-json lines into a Response.
type streamParser struct {
	stream    func(string)
	text      strings.Builder
	result    *claudeEvent
	sessionID string
	malformed int
}

func (p *streamParser) line(raw []byte) {
	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return
	}
	var ev claudeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		p.malformed++
		return
	}
	if ev.SessionID != "" {
		p.sessionID = ev.SessionID
	}
	switch ev.Type {
	case "assistant":
		for _, item := range ev.Message.Content {
			if item.Type != "text" || item.Text == "" {
				continue
			}
			p.text.WriteString(item.Text)
			if p.stream != nil {
				p.stream(item.Text)
			}
		}
	case "result":
		p.result = &ev
	}
}

func (p *streamParser) response() (Response, error) {
	if p.result == nil {
		if p.malformed > 0 {
			return Response{}, fmt.Errorf("%w: %d malformed lines", errNoResult, p.malformed)
		}
		return Response{}, errNoResult
	}
	if p.result.IsError {
		return Response{}, fmt.Errorf("claude reported an error: %s", p.result.Result)
	}

	content := p.result.Result
	if content == "" {
		content = p.text.String()
	}
	resp := Response{Content: content, SessionID: p.sessionID}
	if u := p.result.Usage; u != nil {
		prompt := u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
		resp.Usage = scheduler.Usage{
			PromptTokens:     prompt,
			CompletionTokens: u.OutputTokens,
			TotalTokens:      prompt + u.OutputTokens,
		}
	}
	return resp, nil
}

// parseClaudeResponse parses complete stream-json output.
func parseClaudeResponse(data []byte) (Response, error) {
	var p streamParser
	for _, line := range strings.Split(string(data), "\n") {
		p.line([]byte(line))
	}
	return p.response()
}
