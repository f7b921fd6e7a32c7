package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BootstrapPath returns the default bootstrap file location,
// ~/.ironclaw/bootstrap.json.
func BootstrapPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ironclaw/bootstrap.json"
	}
	return filepath.Join(home, ".ironclaw", "bootstrap.json")
}

// Load builds the effective configuration by layering, lowest to
// highest precedence: compiled defaults, the bootstrap file (YAML or
// JSON, detected by extension), persisted settings (as a raw map
// merged in by the caller, since reading the settings store requires
// an already-open persistence connection), and environment variables.
// bootstrapPath may be empty to skip that layer.
func Load(bootstrapPath string, persisted map[string]any, environ []string) (*Config, error) {
	cfg := Default()

	if bootstrapPath != "" {
		if raw, err := loadFile(bootstrapPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: reading bootstrap file %s: %w", bootstrapPath, err)
			}
		} else if err := applyRaw(cfg, raw); err != nil {
			return nil, fmt.Errorf("config: parsing bootstrap file %s: %w", bootstrapPath, err)
		}
	}

	if len(persisted) > 0 {
		if err := applyRaw(cfg, persisted); err != nil {
			return nil, fmt.Errorf("config: applying persisted settings: %w", err)
		}
	}

	applyEnv(cfg, environ)

	return cfg, nil
}

func loadFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if err := dec.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("expected a single document")
	}
	return raw, nil
}

// applyRaw merges raw on top of cfg by round-tripping through YAML:
// marshal the merged map and strictly decode it into the typed struct so
// unknown keys are rejected early rather than silently ignored.
func applyRaw(cfg *Config, raw map[string]any) error {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	return dec.Decode(cfg)
}

// envBindings maps each documented environment variable to a
// setter closure over the in-progress Config.
func envBindings(cfg *Config) map[string]func(string) {
	return map[string]func(string){
		"DATABASE_BACKEND":  func(v string) { cfg.Database.Backend = v },
		"DATABASE_URL":      func(v string) { cfg.Database.URL = v },
		"LLM_BACKEND":       func(v string) { cfg.LLM.Backend = v },
		"ANTHROPIC_API_KEY": func(v string) { cfg.LLM.Anthropic.APIKey = v },
		"OPENAI_API_KEY":    func(v string) { cfg.LLM.OpenAI.APIKey = v },
		"GATEWAY_PORT": func(v string) {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.Gateway.Port = n
			}
		},
		"GATEWAY_AUTH_TOKEN": func(v string) { cfg.Gateway.AuthToken = v },
		"SANDBOX_ENABLED":    func(v string) { cfg.Sandbox.Enabled = parseBool(v) },
		"HEARTBEAT_ENABLED":  func(v string) { cfg.Heartbeat.Enabled = parseBool(v) },
		"HEARTBEAT_INTERVAL_SECS": func(v string) {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.Heartbeat.Interval = time.Duration(n) * time.Second
			}
		},
		"AGENT_MAX_PARALLEL_JOBS": func(v string) {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.Agent.MaxParallelJobs = n
			}
		},
		"AGENT_JOB_TIMEOUT_SECS": func(v string) {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.Agent.JobTimeout = time.Duration(n) * time.Second
			}
		},
		"AGENT_STUCK_THRESHOLD_SECS": func(v string) {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.Agent.StuckThreshold = time.Duration(n) * time.Second
			}
		},
		"SAFETY_MAX_OUTPUT_LENGTH": func(v string) {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.Safety.MaxOutputLength = n
			}
		},
		"SAFETY_INJECTION_CHECK_ENABLED": func(v string) { cfg.Safety.InjectionCheckEnabled = parseBool(v) },
		"GATEWAY_RATE_LIMIT_RPS": func(v string) {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				cfg.Gateway.RateLimitRPS = f
			}
		},
		"AUTH_PAIRING_SECRET": func(v string) { cfg.Auth.PairingSecret = v },
	}
}

func applyEnv(cfg *Config, environ []string) {
	bindings := envBindings(cfg)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if set, ok := bindings[key]; ok {
			set(value)
		}
	}
}

func parseBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

// HotReloadable reports whether changing field at yamlPath (dotted,
// e.g. "safety.max_output_length") can be applied without a restart.
// Persistence backend, port bindings, and the master-key source always
// require a restart; everything else is hot-reloadable.
func HotReloadable(yamlPath string) bool {
	switch {
	case yamlPath == "database.backend", yamlPath == "database.url":
		return false
	case strings.HasSuffix(yamlPath, ".port"):
		return false
	case yamlPath == "gateway.auth_token":
		return false
	default:
		return true
	}
}

// ApplyPersistedSettings converts the flat map returned by
// storage.SettingsStore.ListSettings into the nested shape applyRaw
// expects, re-nesting dotted keys like "safety.max_output_length".
func ApplyPersistedSettings(cfg *Config, flat map[string]any) error {
	nested := map[string]any{}
	for key, value := range flat {
		parts := strings.Split(key, ".")
		cursor := nested
		for i, p := range parts {
			if i == len(parts)-1 {
				cursor[p] = value
				break
			}
			next, ok := cursor[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				cursor[p] = next
			}
			cursor = next
		}
	}
	return applyRaw(cfg, nested)
}
