package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielsimonjr/ironclaw/internal/auth"
	"github.com/danielsimonjr/ironclaw/internal/config"
	"github.com/danielsimonjr/ironclaw/internal/storage/migrate"
	"github.com/danielsimonjr/ironclaw/internal/workerproc"
	"github.com/danielsimonjr/ironclaw/pkg/models"
)

func newWorkerCmd() *cobra.Command {
	var jobID, toolName string
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run as a sandboxed tool worker (invoked inside containers)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code := workerproc.Run(workerproc.Options{JobID: jobID, ToolName: toolName})
			if code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "sandboxed job id")
	cmd.Flags().StringVar(&toolName, "tool", "", "tool name to execute")
	return cmd
}

func newOnboardCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Initialize ~/.ironclaw with a bootstrap config and identity documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ironclawDir()
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return err
			}
			bootstrap := pickBootstrapPath(flags)
			if _, err := os.Stat(bootstrap); os.IsNotExist(err) {
				seed := map[string]any{
					"database": map[string]any{"backend": "sqlite", "url": filepath.Join(dir, "ironclaw.db")},
					"llm":      map[string]any{"backend": "stub"},
				}
				data, err := json.MarshalIndent(seed, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(bootstrap, data, 0o600); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "wrote", bootstrap)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), bootstrap, "already exists, leaving it alone")
			}

			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			// Identity documents are seeded through the store directly;
			// the workspace write path rejects them on purpose.
			for path, content := range map[string]string{
				"/identity.md": "# Identity\n\nYou are IronClaw, a personal assistant.\n",
				"/user.md":     "# User\n\nNothing recorded yet.\n",
			} {
				if existing, err := a.Store.GetDocument(ctx, DefaultUserID, path); err == nil && existing != nil {
					continue
				}
				now := time.Now().UTC()
				doc := &models.MemoryDocument{
					ID: models.NewID(), UserID: DefaultUserID, Path: path,
					Content: content, Importance: 1, CreatedAt: now, UpdatedAt: now, LastAccessedAt: now,
				}
				if err := a.Store.PutDocument(ctx, doc); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "onboarding complete")
			return nil
		},
	}
}

func newConfigCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and persist configuration settings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			redacted := *cfg
			redacted.LLM.Anthropic.APIKey = redact(redacted.LLM.Anthropic.APIKey)
			redacted.LLM.OpenAI.APIKey = redact(redacted.LLM.OpenAI.APIKey)
			redacted.Gateway.AuthToken = redact(redacted.Gateway.AuthToken)
			out, err := json.MarshalIndent(redacted, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Persist a setting (dotted key, e.g. safety.max_output_length)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			var value any = args[1]
			var parsed any
			if err := json.Unmarshal([]byte(args[1]), &parsed); err == nil {
				value = parsed
			}
			if err := a.Store.PutSetting(ctx, &models.Setting{
				UserID: DefaultUserID, Key: args[0], Value: value, UpdatedAt: time.Now().UTC(),
			}); err != nil {
				return err
			}
			if !config.HotReloadable(args[0]) {
				fmt.Fprintln(cmd.OutOrStdout(), "saved; this setting requires a restart to take effect")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "saved")
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List persisted settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			settings, err := a.Store.ListSettings(ctx, DefaultUserID)
			if err != nil {
				return err
			}
			for k, v := range settings {
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", k, v)
			}
			return nil
		},
	})
	return cmd
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize runtime state from persistence",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "database: %s\n", a.Config.Database.Backend)
			fmt.Fprintf(out, "llm: %s\n", a.LLM.Name())
			jobs, err := a.Store.ListJobs(ctx, DefaultUserID, []models.JobState{models.JobInProgress, models.JobPending}, 50, 0)
			if err == nil {
				fmt.Fprintf(out, "open jobs: %d\n", len(jobs))
				for _, j := range jobs {
					fmt.Fprintf(out, "  %s %s (%s)\n", j.ID, j.Title, j.State)
				}
			}
			return nil
		},
	}
}

func newDoctorCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, persistence connectivity, and schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "config: ok (backend=%s)\n", cfg.Database.Backend)

			if flags.noDB {
				fmt.Fprintln(out, "persistence: skipped (--no-db)")
				return nil
			}

			runner, err := migrate.New(cfg.Database.Backend, expandHome(cfg.Database.URL))
			if err != nil {
				return fmt.Errorf("persistence: %w", err)
			}
			defer runner.Close()
			if err := runner.Up(); err != nil {
				return err
			}
			version, dirty, err := runner.Version()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "persistence: ok (schema version %d, dirty=%v)\n", version, dirty)
			fmt.Fprintf(out, "hot-reloadable fields: %s\n", strings.Join(reconcilable, ", "))
			return nil
		},
	}
}

func newPairingCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Issue and verify plug-in channel pairing tokens",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "issue <channel>",
		Short: "Issue a pairing token for a plug-in channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			svc := auth.NewPairingService(cfg.Auth.PairingSecret, cfg.Auth.PairingExpiry)
			token, err := svc.Issue(DefaultUserID, args[0])
			if err != nil {
				return &authError{err: err}
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "verify <token>",
		Short: "Verify a pairing token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			svc := auth.NewPairingService(cfg.Auth.PairingSecret, cfg.Auth.PairingExpiry)
			userID, channelName, err := svc.Verify(args[0])
			if err != nil {
				return &authError{err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid: user=%s channel=%s\n", userID, channelName)
			return nil
		},
	})
	return cmd
}

func newLogsCmd(flags *rootFlags) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the tail of the runtime log file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(ironclawDir(), "ironclaw.log")
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Fprintln(cmd.OutOrStdout(), "no log file at", path)
					return nil
				}
				return err
			}
			lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
			if len(lines) > n {
				lines = lines[len(lines)-n:]
			}
			for _, line := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 100, "number of lines to print")
	return cmd
}

const systemdUnit = `[Unit]
Description=IronClaw assistant runtime
After=network-online.target

[Service]
ExecStart=%s run
Restart=on-failure
Environment=HOME=%s

[Install]
WantedBy=default.target
`

func newServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Host service integration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print a systemd unit for this binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := os.Executable()
			if err != nil {
				return err
			}
			home, _ := os.UserHomeDir()
			fmt.Fprintf(cmd.OutOrStdout(), systemdUnit, exe, home)
			return nil
		},
	})
	return cmd
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
