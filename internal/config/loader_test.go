package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	bootstrap := filepath.Join(dir, "bootstrap.json")
	if err := os.WriteFile(bootstrap, []byte(`{
		"database": {"backend": "postgres", "url": "postgres://file"},
		"gateway": {"port": 9000}
	}`), 0o600); err != nil {
		t.Fatal(err)
	}

	environ := []string{
		"DATABASE_URL=postgres://env",
		"AGENT_MAX_PARALLEL_JOBS=9",
		"HEARTBEAT_INTERVAL_SECS=120",
	}
	cfg, err := Load(bootstrap, nil, environ)
	if err != nil {
		t.Fatal(err)
	}

	// File overrides compiled defaults.
	if cfg.Database.Backend != "postgres" {
		t.Fatalf("backend = %q, want file value", cfg.Database.Backend)
	}
	if cfg.Gateway.Port != 9000 {
		t.Fatalf("gateway port = %d, want file value 9000", cfg.Gateway.Port)
	}
	// Environment overrides the file.
	if cfg.Database.URL != "postgres://env" {
		t.Fatalf("database url = %q, want env value", cfg.Database.URL)
	}
	if cfg.Agent.MaxParallelJobs != 9 {
		t.Fatalf("max parallel jobs = %d, want 9", cfg.Agent.MaxParallelJobs)
	}
	if cfg.Heartbeat.Interval != 2*time.Minute {
		t.Fatalf("heartbeat interval = %v, want 2m", cfg.Heartbeat.Interval)
	}
	// Untouched fields keep compiled defaults.
	if !cfg.Safety.InjectionCheckEnabled {
		t.Fatal("safety default lost")
	}
}

func TestLoadMissingBootstrapIsFine(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.Backend != "sqlite" {
		t.Fatalf("backend = %q, want compiled default", cfg.Database.Backend)
	}
}

func TestPersistedSettingsLayer(t *testing.T) {
	cfg := Default()
	err := ApplyPersistedSettings(cfg, map[string]any{
		"safety.max_output_length": 4096,
		"heartbeat.enabled":        false,
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Safety.MaxOutputLength != 4096 {
		t.Fatalf("max output length = %d, want 4096", cfg.Safety.MaxOutputLength)
	}
	if cfg.Heartbeat.Enabled {
		t.Fatal("heartbeat.enabled not applied")
	}
}

func TestHotReloadable(t *testing.T) {
	requiresRestart := []string{"database.backend", "database.url", "gateway.port", "gateway.auth_token", "channels.http.port"}
	for _, k := range requiresRestart {
		if HotReloadable(k) {
			t.Errorf("HotReloadable(%q) = true, want false", k)
		}
	}
	for _, k := range []string{"safety.max_output_length", "heartbeat.interval", "agent.stuck_threshold"} {
		if !HotReloadable(k) {
			t.Errorf("HotReloadable(%q) = false, want true", k)
		}
	}
}
