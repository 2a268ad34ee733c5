package config

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap/zapcore"

	"github.com/aristath/nexus/internal/scheduler"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Validate checks cross references and enumerated values.
func (c *Config) Validate() error {
	var errs []error
	if c.Revision.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("revision.max_iterations must be at least 1, got %d", c.Revision.MaxIterations))
	}

	for name, p := range c.Providers {
		switch p.Type {
		case "claude", "command":
		default:
			errs = append(errs, fmt.Errorf("provider %q: unknown type %q", name, p.Type))
		}
		if p.Command == "" {
			errs = append(errs, fmt.Errorf("provider %q: command is required", name))
		}
	}

	for _, id := range sortedKeys(c.Agents) {
		a := c.Agents[id]
		if !scheduler.Role(a.Role).Valid() {
			errs = append(errs, fmt.Errorf("agent %q: unknown role %q", id, a.Role))
		}
		if _, ok := c.Providers[a.Provider]; !ok {
			errs = append(errs, fmt.Errorf("agent %q: unknown provider %q", id, a.Provider))
		}
	}
	if c.Planner.Agent != "" {
		if _, ok := c.Agents[c.Planner.Agent]; !ok {
			errs = append(errs, fmt.Errorf("planner.agent %q is not a configured agent", c.Planner.Agent))
		}
	}

	switch c.VCS.Kind {
	case "", "none":
	case "local":
		if c.VCS.RepoPath == "" {
			errs = append(errs, errors.New("vcs.repo_path is required for the local publisher"))
		}
	case "github":
		if c.VCS.Owner == "" || c.VCS.Repo == "" {
			errs = append(errs, errors.New("vcs.owner and vcs.repo are required for the github publisher"))
		}
	default:
		errs = append(errs, fmt.Errorf("vcs.kind: unknown publisher %q", c.VCS.Kind))
	}

	if c.NATS.Enabled && !c.NATS.Embedded && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required unless nats.embedded is set"))
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Catalog returns the agents available to plans, sorted by id. The planner's
// own agent is excluded.
func (c *Config) Catalog() []scheduler.Agent {
	var agents []scheduler.Agent
	for _, id := range sortedKeys(c.Agents) {
		if id == c.Planner.Agent {
			continue
		}
		agents = append(agents, c.agent(id))
	}
	return agents
}

// PlannerAgent returns the agent that decomposes objectives.
func (c *Config) PlannerAgent() (scheduler.Agent, error) {
	if _, ok := c.Agents[c.Planner.Agent]; !ok {
		return scheduler.Agent{}, fmt.Errorf("%w: planner agent %q is not defined", ErrInvalid, c.Planner.Agent)
	}
	return c.agent(c.Planner.Agent), nil
}

func (c *Config) agent(id string) scheduler.Agent {
	a := c.Agents[id]
	return scheduler.Agent{
		ID:           id,
		Name:         a.Name,
		Description:  a.Description,
		Category:     a.Category,
		Role:         scheduler.Role(a.Role),
		Capabilities: append([]string(nil), a.Capabilities...),
		SystemPrompt: a.SystemPrompt,
	}
}

// Resolve returns the agent and provider configuration for an agent id.
func (c *Config) Resolve(agentID string) (AgentConfig, ProviderConfig, error) {
	a, ok := c.Agents[agentID]
	if !ok {
		return AgentConfig{}, ProviderConfig{}, fmt.Errorf("unknown agent %q", agentID)
	}
	p, ok := c.Providers[a.Provider]
	if !ok {
		return AgentConfig{}, ProviderConfig{}, fmt.Errorf("agent %q: unknown provider %q", agentID, a.Provider)
	}
	return a, p, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
