package config

// ProviderConfig defines a transport layer (CLI command, args, base settings).
// Providers are separate from agents -- multiple agents can share one provider.
type ProviderConfig struct {
	Type    string   `koanf:"type" yaml:"type"`                   // backend type: "claude" or "command"
	Command string   `koanf:"command" yaml:"command"`             // executable
	Args    []string `koanf:"args" yaml:"args,omitempty"`         // extra args for command providers
	WorkDir string   `koanf:"work_dir" yaml:"work_dir,omitempty"` // defaults to the current directory
	Env     []string `koanf:"env" yaml:"env,omitempty"`           // extra KEY=VALUE pairs
}

// AgentConfig defines a catalog agent and the provider it runs on.
type AgentConfig struct {
	Name         string   `koanf:"name" yaml:"name"`
	Description  string   `koanf:"description" yaml:"description"`
	Category     string   `koanf:"category" yaml:"category,omitempty"`
	Role         string   `koanf:"role" yaml:"role"`
	Provider     string   `koanf:"provider" yaml:"provider"` // key into Providers
	Model        string   `koanf:"model" yaml:"model,omitempty"`
	SystemPrompt string   `koanf:"system_prompt" yaml:"system_prompt,omitempty"`
	Capabilities []string `koanf:"capabilities" yaml:"capabilities,omitempty"`
}

// PlannerConfig selects how objectives become task graphs.
type PlannerConfig struct {
	Agent      string `koanf:"agent" yaml:"agent"`             // agent used by the runtime planner
	ReviewGate bool   `koanf:"review_gate" yaml:"review_gate"` // insert reviewers after unreviewed writers
}

// RevisionConfig bounds the writer/reviewer loop.
type RevisionConfig struct {
	MaxIterations int `koanf:"max_iterations" yaml:"max_iterations"`
}

// VCSConfig selects and configures the publisher.
type VCSConfig struct {
	Kind              string  `koanf:"kind" yaml:"kind"` // "none", "local" or "github"
	Owner             string  `koanf:"owner" yaml:"owner,omitempty"`
	Repo              string  `koanf:"repo" yaml:"repo,omitempty"`
	BaseBranch        string  `koanf:"base_branch" yaml:"base_branch"`
	TokenEnv          string  `koanf:"token_env" yaml:"token_env"`
	RepoPath          string  `koanf:"repo_path" yaml:"repo_path,omitempty"`
	BranchPrefix      string  `koanf:"branch_prefix" yaml:"branch_prefix"`
	RequestsPerSecond float64 `koanf:"requests_per_second" yaml:"requests_per_second"`
	AuthorName        string  `koanf:"author_name" yaml:"author_name"`
	AuthorEmail       string  `koanf:"author_email" yaml:"author_email"`
}

// StoreConfig locates the mission database. An empty path disables persistence.
type StoreConfig struct {
	Path string `koanf:"path" yaml:"path"`
}

// NATSConfig mirrors mission events onto NATS subjects.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled" yaml:"enabled"`
	URL           string `koanf:"url" yaml:"url,omitempty"`
	Embedded      bool   `koanf:"embedded" yaml:"embedded"`
	Port          int    `koanf:"port" yaml:"port"`
	DataDir       string `koanf:"data_dir" yaml:"data_dir,omitempty"`
	SubjectPrefix string `koanf:"subject_prefix" yaml:"subject_prefix"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `koanf:"addr" yaml:"addr"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`       // "json" or "console"
	File   string `koanf:"file" yaml:"file,omitempty"` // defaults to stderr
}

// Config is the top-level configuration.
type Config struct {
	Providers map[string]ProviderConfig `koanf:"providers" yaml:"providers"`
	Agents    map[string]AgentConfig    `koanf:"agents" yaml:"agents"`
	Planner   PlannerConfig             `koanf:"planner" yaml:"planner"`
	Revision  RevisionConfig            `koanf:"revision" yaml:"revision"`
	VCS       VCSConfig                 `koanf:"vcs" yaml:"vcs"`
	Store     StoreConfig               `koanf:"store" yaml:"store"`
	NATS      NATSConfig                `koanf:"nats" yaml:"nats"`
	Server    ServerConfig              `koanf:"server" yaml:"server"`
	Log       LogConfig                 `koanf:"log" yaml:"log"`
}
