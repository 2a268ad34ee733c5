package backend

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/nexus/internal/scheduler"
)

// ConfigFunc resolves the backend configuration used for an agent.
type ConfigFunc func(agent scheduler.Agent) (Config, error)

// StaticConfig uses cfg for every agent.
func StaticConfig(cfg Config) ConfigFunc {
	return func(scheduler.Agent) (Config, error) { return cfg, nil }
}

// CLIRuntime executes tasks by driving a CLI backend. Every execution gets a
// fresh session; revision feedback travels in the prompt.
type CLIRuntime struct {
	configFor ConfigFunc
	pm        *ProcessManager
	log       *zap.Logger
}

// NewCLIRuntime creates a runtime. pm and logger are optional.
func NewCLIRuntime(configFor ConfigFunc, pm *ProcessManager, logger *zap.Logger) *CLIRuntime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CLIRuntime{configFor: configFor, pm: pm, log: logger.Named("runtime")}
}

// Execute implements scheduler.AgentRuntime.
func (r *CLIRuntime) Execute(ctx context.Context, req scheduler.ExecutionRequest, stream scheduler.StreamFunc) (scheduler.TaskOutput, scheduler.Usage, error) {
	cfg, err := r.configFor(req.Agent)
	if err != nil {
		return scheduler.TaskOutput{}, scheduler.Usage{}, fmt.Errorf("resolve backend for %s: %w", req.Agent.ID, err)
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = SystemPrompt(req.Agent)
	}

	b, err := New(cfg, r.pm)
	if err != nil {
		return scheduler.TaskOutput{}, scheduler.Usage{}, err
	}
	defer b.Close()

	log := r.log.With(
		zap.String("task", req.Task.ID),
		zap.String("agent", req.Agent.ID),
		zap.String("session", b.SessionID()),
		zap.Int("attempt", req.Attempt))
	log.Debug("sending prompt", zap.Int("iteration", req.Iteration))

	start := time.Now()
	resp, err := b.Send(ctx, Message{Role: "user", Content: BuildPrompt(req), Stream: stream})
	if err != nil {
		return scheduler.TaskOutput{}, scheduler.Usage{}, fmt.Errorf("agent %s: %w", req.Agent.ID, err)
	}
	out := ParseOutput(req.Agent.Role, resp.Content)
	log.Debug("response received",
		zap.Duration("duration", time.Since(start)),
		zap.Int("files", len(out.GeneratedFiles)),
		zap.Int("tokens", resp.Usage.TotalTokens))
	return out, resp.Usage, nil
}
