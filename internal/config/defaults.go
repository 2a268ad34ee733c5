package config

import "github.com/aristath/nexus/internal/scheduler"

// DefaultConfig returns the default configuration with the built-in provider
// and agent catalog.
func DefaultConfig() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{
			"claude": {
				Type:    "claude",
				Command: "claude",
			},
		},
		Agents: map[string]AgentConfig{
			"code-reader": {
				Name:        "Code Reader",
				Description: "Reads files and summarises the code relevant to a task",
				Category:    "analysis",
				Role:        string(scheduler.RoleReader),
				Provider:    "claude",
			},
			"code-researcher": {
				Name:        "Code Researcher",
				Description: "Searches the codebase for usages and prior art",
				Category:    "analysis",
				Role:        string(scheduler.RoleResearcher),
				Provider:    "claude",
			},
			"issue-analyst": {
				Name:        "Issue Analyst",
				Description: "Reads issues and extracts requirements",
				Category:    "analysis",
				Role:        string(scheduler.RoleAnalyst),
				Provider:    "claude",
			},
			"code-writer": {
				Name:        "Code Writer",
				Description: "Implements code changes",
				Category:    "engineering",
				Role:        string(scheduler.RoleWriter),
				Provider:    "claude",
			},
			"code-reviewer": {
				Name:        "Code Reviewer",
				Description: "Validates logic, security and completeness of a writer's changes",
				Category:    "quality",
				Role:        string(scheduler.RoleReviewer),
				Provider:    "claude",
			},
			"planner": {
				Name:        "Lead Architect",
				Description: "Decomposes objectives into task graphs",
				Category:    "planning",
				Role:        string(scheduler.RoleGeneral),
				Provider:    "claude",
			},
			"devops-engineer": {
				Name:        "DevOps Engineer",
				Description: "Handles build configuration, deployment and environment setup",
				Category:    "operations",
				Role:        string(scheduler.RoleDevOps),
				Provider:    "claude",
			},
		},
		Planner: PlannerConfig{
			Agent:      "planner",
			ReviewGate: true,
		},
		Revision: RevisionConfig{
			MaxIterations: scheduler.DefaultMaxRevisionIterations,
		},
		VCS: VCSConfig{
			Kind:              "none",
			BaseBranch:        "main",
			TokenEnv:          "GITHUB_TOKEN",
			BranchPrefix:      "nexus/feat",
			RequestsPerSecond: 5,
			AuthorName:        "nexus",
			AuthorEmail:       "nexus@localhost",
		},
		Store: StoreConfig{
			Path: ".nexus/missions.db",
		},
		NATS: NATSConfig{
			Port:          4222,
			SubjectPrefix: "nexus",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:7420",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
