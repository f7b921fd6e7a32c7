package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danielsimonjr/ironclaw/internal/config"
	"github.com/danielsimonjr/ironclaw/internal/llm"
	"github.com/danielsimonjr/ironclaw/internal/llm/providers"
	"github.com/danielsimonjr/ironclaw/internal/observability"
	"github.com/danielsimonjr/ironclaw/internal/safety"
	"github.com/danielsimonjr/ironclaw/internal/scheduler"
	"github.com/danielsimonjr/ironclaw/internal/session"
	"github.com/danielsimonjr/ironclaw/internal/storage"
	"github.com/danielsimonjr/ironclaw/internal/storage/postgres"
	"github.com/danielsimonjr/ironclaw/internal/storage/sqlite"
	"github.com/danielsimonjr/ironclaw/internal/tools"
	"github.com/danielsimonjr/ironclaw/internal/tools/builtin"
	"github.com/danielsimonjr/ironclaw/internal/tools/policy"
	"github.com/danielsimonjr/ironclaw/internal/workspace"
	"github.com/danielsimonjr/ironclaw/internal/workspace/embeddings"
	"github.com/danielsimonjr/ironclaw/internal/workspace/embeddings/remote"
)

// DefaultUserID is the nominal single-user partition key.
const DefaultUserID = "local"

// app is the assembled runtime: every process-wide collaborator, wired
// once and injected explicitly into whatever the subcommand needs.
type app struct {
	Config     *config.Config
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Store      storage.Port
	Workspace  *workspace.Manager
	Embeddings embeddings.Provider
	Safety     *safety.Pipeline
	Registry   *tools.Registry
	Gate       *tools.Gate
	Extensions *builtin.ExtensionManager
	Allowlist  *policy.BinaryAllowlist
	LLM        llm.Provider
	Sessions   *session.Manager
	Scheduler  *scheduler.Scheduler
	Worker     *scheduler.Worker
}

// loadConfig layers the effective configuration. Persisted settings are
// merged in only when a store is already open; CLI startup does a first
// pass without them, and run() re-applies them after opening the store.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	path := flags.bootstrapPath
	if path == "" {
		path = config.BootstrapPath()
	}
	cfg, err := config.Load(path, nil, os.Environ())
	if err != nil {
		return nil, &configError{err: err}
	}
	return cfg, nil
}

// openStore opens the configured persistence backend, or the in-memory
// port when --no-db is set.
func openStore(ctx context.Context, cfg *config.Config, noDB bool) (storage.Port, error) {
	if noDB {
		return storage.NewMemoryPort(), nil
	}
	switch cfg.Database.Backend {
	case "sqlite":
		return sqlite.Open(ctx, expandHome(cfg.Database.URL))
	case "postgres":
		return postgres.Open(ctx, postgres.Config{DSN: cfg.Database.URL, Dimension: cfg.Database.VectorDimension})
	default:
		return nil, &configError{err: fmt.Errorf("unknown database backend %q", cfg.Database.Backend)}
	}
}

// buildApp assembles the runtime. It does not start channels, the
// gateway, or background tasks; that is run()'s job. Subcommands that
// only need the store plus one collaborator use it too and ignore the
// rest.
func buildApp(ctx context.Context, flags *rootFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		RedactPatterns: observability.DefaultRedactPatterns,
	})
	metrics := observability.NewMetrics()

	store, err := openStore(ctx, cfg, flags.noDB)
	if err != nil {
		return nil, err
	}

	// Second config pass now that persisted settings are reachable.
	if !flags.noDB {
		if persisted, err := store.ListSettings(ctx, DefaultUserID); err == nil && len(persisted) > 0 {
			if err := config.ApplyPersistedSettings(cfg, persisted); err != nil {
				_ = store.Close()
				return nil, &configError{err: err}
			}
			// Environment still wins over persisted settings.
			cfg2, err := config.Load(pickBootstrapPath(flags), nil, os.Environ())
			if err == nil {
				cfg.Database = cfg2.Database
			}
		}
	}

	safetyCfg := safety.DefaultConfig()
	safetyCfg.MaxContentBytes = cfg.Safety.MaxOutputLength
	safetyCfg.InjectionCheckDisabled = !cfg.Safety.InjectionCheckEnabled
	pipeline, err := safety.New(safetyCfg)
	if err != nil {
		_ = store.Close()
		return nil, &configError{err: err}
	}

	embed := buildEmbeddings(cfg)
	ws := workspace.NewManager(store, workspace.ChunkerConfig{
		TargetSize: cfg.Workspace.ChunkTargetSize,
		MinSize:    cfg.Workspace.ChunkTargetSize / 4,
		Overlap:    cfg.Workspace.ChunkOverlap,
	}, embed)

	provider, err := buildLLM(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	allowlist := policy.NewBinaryAllowlist()
	extensions := builtin.NewExtensionManager()
	registry := tools.NewRegistry()
	workspaceRoot := filepath.Join(ironclawDir(), "workspace")
	for _, reg := range []func() error{
		func() error { return builtin.RegisterOrchestratorSafe(registry) },
		func() error { return builtin.RegisterDeveloper(registry, workspaceRoot, allowlist) },
		func() error { return builtin.RegisterWorkspace(registry, ws, embed) },
		func() error { return builtin.RegisterJobs(registry, store) },
		func() error { return builtin.RegisterExtensions(registry, extensions) },
		func() error { return builtin.RegisterRoutines(registry, store, nil) },
		func() error { return builtin.RegisterBuilder(registry, store) },
	} {
		if err := reg(); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("registering tools: %w", err)
		}
	}

	sessions := session.NewManager(store)
	gate := tools.NewGate(nil)
	sched := scheduler.New(cfg.Agent.MaxParallelJobs)

	worker := &scheduler.Worker{
		LLM:       provider,
		Registry:  registry,
		Gate:      gate,
		Safety:    pipeline,
		Store:     store,
		Workspace: ws,
		Sessions:  sessions,
		Budget:    session.DefaultContextBudget(),
		Policy: &policy.ToolAccessPolicy{
			Allow:           cfg.Tools.Allow,
			Deny:            cfg.Tools.Deny,
			RequireApproval: cfg.Tools.RequireApproval,
		},
		Model: defaultModel(cfg),
	}

	return &app{
		Config:     cfg,
		Logger:     logger,
		Metrics:    metrics,
		Store:      store,
		Workspace:  ws,
		Embeddings: embed,
		Safety:     pipeline,
		Registry:   registry,
		Gate:       gate,
		Extensions: extensions,
		Allowlist:  allowlist,
		LLM:        provider,
		Sessions:   sessions,
		Scheduler:  sched,
		Worker:     worker,
	}, nil
}

func (a *app) Close() error {
	return a.Store.Close()
}

// buildLLM wires the configured provider chain behind the failover
// wrapper, in the configured failover order.
func buildLLM(cfg *config.Config) (llm.Provider, error) {
	build := func(name string) (llm.Provider, error) {
		switch name {
		case "anthropic":
			if cfg.LLM.Anthropic.APIKey == "" {
				return nil, nil
			}
			return providers.NewAnthropicProvider(providers.AnthropicConfig{
				APIKey:       cfg.LLM.Anthropic.APIKey,
				BaseURL:      cfg.LLM.Anthropic.BaseURL,
				DefaultModel: cfg.LLM.Anthropic.DefaultModel,
			})
		case "openai":
			if cfg.LLM.OpenAI.APIKey == "" {
				return nil, nil
			}
			return providers.NewOpenAIProvider(providers.OpenAIConfig{
				APIKey:       cfg.LLM.OpenAI.APIKey,
				BaseURL:      cfg.LLM.OpenAI.BaseURL,
				DefaultModel: cfg.LLM.OpenAI.DefaultModel,
			})
		case "stub":
			return providers.NewStubProvider("stub"), nil
		default:
			return nil, &configError{err: fmt.Errorf("unknown LLM backend %q", name)}
		}
	}

	// A single configured backend short-circuits the chain.
	if cfg.LLM.Backend != "" && cfg.LLM.Backend != "auto" {
		p, err := build(cfg.LLM.Backend)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, &configError{err: fmt.Errorf("LLM backend %q selected but no credential configured", cfg.LLM.Backend)}
		}
		return p, nil
	}

	var chain []llm.Provider
	for _, name := range cfg.LLM.FailoverOrder {
		p, err := build(name)
		if err != nil {
			return nil, err
		}
		if p != nil {
			chain = append(chain, p)
		}
	}
	if len(chain) == 0 {
		return nil, &configError{err: fmt.Errorf("no LLM provider configured")}
	}
	fc := llm.DefaultFailoverConfig()
	fc.BaseCooldown = cfg.LLM.CooldownPeriod
	fc.PerProviderTimeout = cfg.LLM.RequestTimeout
	return llm.NewFailover(fc, chain...), nil
}

// buildEmbeddings picks the remote provider when an OpenAI key exists,
// otherwise the local deterministic one.
func buildEmbeddings(cfg *config.Config) embeddings.Provider {
	if cfg.LLM.OpenAI.APIKey != "" {
		if p, err := remote.NewOpenAI(remote.OpenAIConfig{APIKey: cfg.LLM.OpenAI.APIKey, BaseURL: cfg.LLM.OpenAI.BaseURL}); err == nil {
			return p
		}
	}
	return embeddings.NewLocal()
}

func defaultModel(cfg *config.Config) string {
	switch cfg.LLM.Backend {
	case "openai":
		return cfg.LLM.OpenAI.DefaultModel
	case "anthropic":
		return cfg.LLM.Anthropic.DefaultModel
	}
	if cfg.LLM.Anthropic.DefaultModel != "" {
		return cfg.LLM.Anthropic.DefaultModel
	}
	return cfg.LLM.OpenAI.DefaultModel
}

func pickBootstrapPath(flags *rootFlags) string {
	if flags.bootstrapPath != "" {
		return flags.bootstrapPath
	}
	return config.BootstrapPath()
}

// ironclawDir is the ~/.ironclaw state directory.
func ironclawDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ironclaw"
	}
	return filepath.Join(home, ".ironclaw")
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
