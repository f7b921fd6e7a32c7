// Package config defines the runtime configuration structure and its
// layered precedence: environment variables override persisted settings
// override the bootstrap file (~/.ironclaw/bootstrap.json) override
// compiled defaults.
package config

import "time"

// Config is the root configuration structure.
type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	LLM           LLMConfig           `yaml:"llm"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	Heartbeat     HeartbeatConfig     `yaml:"heartbeat"`
	Agent         AgentConfig         `yaml:"agent"`
	Safety        SafetyConfig        `yaml:"safety"`
	Tools         ToolsConfig         `yaml:"tools"`
	Workspace     WorkspaceConfig     `yaml:"workspace"`
	Channels      ChannelsConfig      `yaml:"channels"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Auth          AuthConfig          `yaml:"auth"`
}

// AuthConfig configures pairing-token issuance for plug-in channel
// processes.
type AuthConfig struct {
	PairingSecret string        `yaml:"pairing_secret"`
	PairingExpiry time.Duration `yaml:"pairing_expiry"`
}

// DatabaseConfig selects and configures the persistence dialect.
type DatabaseConfig struct {
	// Backend is "sqlite" or "postgres".
	Backend         string        `yaml:"backend"`
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	// VectorDimension sizes the postgres dialect's pgvector column.
	VectorDimension int `yaml:"vector_dimension"`
}

// LLMConfig selects the active provider and its failover chain.
type LLMConfig struct {
	// Backend is "anthropic", "openai", or "stub".
	Backend        string         `yaml:"backend"`
	Anthropic      ProviderConfig `yaml:"anthropic"`
	OpenAI         ProviderConfig `yaml:"openai"`
	FailoverOrder  []string       `yaml:"failover_order"`
	CooldownPeriod time.Duration  `yaml:"cooldown_period"`
	RequestTimeout time.Duration  `yaml:"request_timeout"`
	Extra          map[string]any `yaml:"extra,omitempty"`
}

// ProviderConfig carries a single provider's credential and model default.
type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url,omitempty"`
}

// GatewayConfig configures the optional HTTP web gateway.
type GatewayConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Port           int     `yaml:"port"`
	AuthToken      string  `yaml:"auth_token"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// SandboxConfig configures the orchestrator-worker container boundary.
type SandboxConfig struct {
	Enabled       bool          `yaml:"enabled"`
	WorkerBinary  string        `yaml:"worker_binary"`
	MemoryLimitMB int           `yaml:"memory_limit_mb"`
	CPUShares     int           `yaml:"cpu_shares"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	AllowedHosts  []string      `yaml:"allowed_hosts"`
}

// HeartbeatConfig configures the idle-session heartbeat background task.
type HeartbeatConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// AgentConfig bounds the scheduler's concurrency and timeouts.
type AgentConfig struct {
	MaxParallelJobs   int           `yaml:"max_parallel_jobs"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	StuckThreshold    time.Duration `yaml:"stuck_threshold"`
	RepairMaxAttempts int           `yaml:"repair_max_attempts"`
	CancelGracePeriod time.Duration `yaml:"cancel_grace_period"`
}

// ToolsConfig is the session-level tool-access policy: deny wins, then
// require-approval, then (when non-empty) the allowlist.
type ToolsConfig struct {
	Allow           []string `yaml:"allow,omitempty"`
	Deny            []string `yaml:"deny,omitempty"`
	RequireApproval []string `yaml:"require_approval,omitempty"`
}

// SafetyConfig tunes the five-stage content safety pipeline.
type SafetyConfig struct {
	MaxOutputLength       int  `yaml:"max_output_length"`
	InjectionCheckEnabled bool `yaml:"injection_check_enabled"`
}

// WorkspaceConfig tunes chunking and hybrid search.
type WorkspaceConfig struct {
	ChunkTargetSize int `yaml:"chunk_target_size"`
	ChunkOverlap    int `yaml:"chunk_overlap"`
	RRFK0           int `yaml:"rrf_k0"`
}

// ChannelsConfig enables/configures each channel adapter.
type ChannelsConfig struct {
	Terminal  TerminalChannelConfig  `yaml:"terminal"`
	HTTP      HTTPChannelConfig      `yaml:"http"`
	WebSocket WebSocketChannelConfig `yaml:"websocket"`
}

type TerminalChannelConfig struct {
	Enabled bool `yaml:"enabled"`
}

type HTTPChannelConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

type WebSocketChannelConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig configures metrics and tracing export.
type ObservabilityConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsPort    int    `yaml:"metrics_port"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
	ServiceName    string `yaml:"service_name"`
}

// Default returns the compiled-in default configuration, the lowest
// layer of the precedence chain.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Backend:         "sqlite",
			URL:             "~/.ironclaw/ironclaw.db",
			MaxConnections:  1,
			ConnMaxLifetime: time.Hour,
			VectorDimension: 768,
		},
		LLM: LLMConfig{
			Backend:        "stub",
			FailoverOrder:  []string{"anthropic", "openai", "stub"},
			CooldownPeriod: 30 * time.Second,
			RequestTimeout: 120 * time.Second,
		},
		Gateway: GatewayConfig{
			Enabled:        false,
			Port:           8765,
			RateLimitRPS:   5,
			RateLimitBurst: 20,
		},
		Sandbox: SandboxConfig{
			Enabled:       false,
			MemoryLimitMB: 512,
			CPUShares:     1024,
			TokenTTL:      15 * time.Minute,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:     true,
			Interval:    5 * time.Minute,
			IdleTimeout: 30 * time.Minute,
		},
		Agent: AgentConfig{
			MaxParallelJobs:   4,
			JobTimeout:        10 * time.Minute,
			StuckThreshold:    2 * time.Minute,
			RepairMaxAttempts: 3,
			CancelGracePeriod: 5 * time.Second,
		},
		Safety: SafetyConfig{
			MaxOutputLength:       1 << 20,
			InjectionCheckEnabled: true,
		},
		Workspace: WorkspaceConfig{
			ChunkTargetSize: 800,
			ChunkOverlap:    100,
			RRFK0:           60,
		},
		Channels: ChannelsConfig{
			Terminal: TerminalChannelConfig{Enabled: true},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: true,
			MetricsPort:    9090,
			TracingEnabled: false,
			ServiceName:    "ironclaw",
		},
		Auth: AuthConfig{
			PairingExpiry: 24 * time.Hour,
		},
	}
}
