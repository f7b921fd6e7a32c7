package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielsimonjr/ironclaw/internal/config"
	"github.com/danielsimonjr/ironclaw/internal/tools"
	"github.com/danielsimonjr/ironclaw/internal/workspace"
	"github.com/danielsimonjr/ironclaw/pkg/models"
)

func newMemoryCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Read, write, and search the persistent workspace",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "put <path> <content>",
		Short: "Write or replace a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			doc, err := a.Workspace.PutDocument(ctx, DefaultUserID, args[0], args[1], workspace.DocumentOptions{})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", doc.Path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <path>",
		Short: "Read a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			doc, err := a.Workspace.GetDocument(ctx, DefaultUserID, args[0])
			if err != nil {
				return err
			}
			if doc == nil {
				return fmt.Errorf("document not found: %s", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), doc.Content)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "search <query>",
		Short: "Hybrid-search the workspace",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			query := strings.Join(args, " ")
			var embedding []float32
			if vec, err := a.Embeddings.Embed(ctx, query); err == nil {
				embedding = vec
			}
			results, err := a.Workspace.Search(ctx, DefaultUserID, query, embedding, 10, models.SearchFilters{})
			if err != nil {
				return err
			}
			for i, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%d. %s#%d (%.4f)\n   %s\n", i+1, r.Path, r.ChunkIndex, r.Score, r.Snippet)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list [prefix]",
		Short: "List documents, optionally under a path prefix",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			prefix := ""
			if len(args) > 0 {
				prefix = args[0]
			}
			docs, err := a.Store.ListDocuments(ctx, DefaultUserID, prefix)
			if err != nil {
				return err
			}
			for _, d := range docs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%d bytes, importance %.2f)\n", d.Path, len(d.Content), d.Importance)
			}
			return nil
		},
	})
	return cmd
}

func newSessionsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions and their threads",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			sess, err := a.Store.GetSessionByUser(ctx, DefaultUserID)
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s (active thread %s)\n", sess.ID, sess.ActiveThreadID)
			threads, err := a.Store.ListThreadsBySession(ctx, sess.ID)
			if err != nil {
				return err
			}
			for _, t := range threads {
				title := t.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  %s %s [%s] %d turns\n", t.ID, title, t.State, t.TurnCount)
			}
			return nil
		},
	}
}

// listRoutines prints routines matching kind; empty kind prints all.
func listRoutines(cmd *cobra.Command, flags *rootFlags, kind models.RoutineTriggerKind) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()
	routines, err := a.Store.ListRoutines(ctx, DefaultUserID, false)
	if err != nil {
		return err
	}
	for _, r := range routines {
		if kind != "" && r.TriggerKind != kind {
			continue
		}
		detail := r.CronExpr
		if r.TriggerKind == models.TriggerRegex {
			detail = "/" + r.RegexPattern + "/"
		}
		state := "enabled"
		if !r.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s [%s %s] %s (%d runs)\n", r.ID, r.Name, r.TriggerKind, detail, state, r.RunCount)
	}
	return nil
}

func newCronCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage cron-triggered routines",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cron routines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listRoutines(cmd, flags, models.TriggerCron)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "add <name> <expr> <prompt>",
		Short: "Add a cron routine",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			r := &models.Routine{
				ID: models.NewID(), UserID: DefaultUserID, Name: args[0],
				TriggerKind: models.TriggerCron, CronExpr: args[1], SystemPrompt: args[2],
				Enabled: true, CreatedAt: time.Now().UTC(),
			}
			if err := a.Store.CreateRoutine(ctx, r); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "created", r.ID)
			return nil
		},
	})
	return cmd
}

func newHooksCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "Manage event-triggered routines",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List regex-triggered routines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listRoutines(cmd, flags, models.TriggerRegex)
		},
	})
	return cmd
}

func newWebhooksCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "Manage webhook-triggered routines",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List webhook routines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listRoutines(cmd, flags, models.TriggerWebhook)
		},
	})
	return cmd
}

func newSkillsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "skills",
		Short: "List skill documents stored under /skills/",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			docs, err := a.Store.ListDocuments(ctx, DefaultUserID, "/skills/")
			if err != nil {
				return err
			}
			if len(docs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no skills; add documents under /skills/ with `ironclaw memory put`")
				return nil
			}
			for _, d := range docs {
				fmt.Fprintln(cmd.OutOrStdout(), d.Path)
			}
			return nil
		},
	}
}

func newAgentsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "Show the identity documents injected into every system prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			for path := range workspace.IdentityPaths {
				doc, err := a.Workspace.GetDocument(ctx, DefaultUserID, path)
				switch {
				case err != nil || doc == nil:
					fmt.Fprintf(cmd.OutOrStdout(), "%s: absent\n", path)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bytes\n", path, len(doc.Content))
				}
			}
			return nil
		},
	}
}

func newNodesCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "Show runtime node information",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			// Single-node runtime: one local node, no clustering.
			fmt.Fprintf(cmd.OutOrStdout(), "local (database=%s, gateway=%v, sandbox=%v)\n",
				cfg.Database.Backend, cfg.Gateway.Enabled, cfg.Sandbox.Enabled)
			return nil
		},
	}
}

func newBrowserCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "browser",
		Short: "Print the web UI URL served by the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if !cfg.Gateway.Enabled {
				fmt.Fprintln(cmd.OutOrStdout(), "gateway disabled; enable it to use the web UI")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "http://127.0.0.1:%d/\n", cfg.Gateway.Port)
			return nil
		},
	}
}

func newChannelsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List configured channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			report := func(name string, enabled bool, detail string) {
				state := "disabled"
				if enabled {
					state = "enabled"
				}
				fmt.Fprintf(out, "%-10s %s %s\n", name, state, detail)
			}
			report("terminal", cfg.Channels.Terminal.Enabled, "")
			report("http", cfg.Channels.HTTP.Enabled, fmt.Sprintf("port=%d path=%s", cfg.Channels.HTTP.Port, cfg.Channels.HTTP.Path))
			report("websocket", cfg.Channels.WebSocket.Enabled, fmt.Sprintf("port=%d path=%s", cfg.Channels.WebSocket.Port, cfg.Channels.WebSocket.Path))
			report("gateway", cfg.Gateway.Enabled, fmt.Sprintf("port=%d", cfg.Gateway.Port))
			return nil
		},
	}
}

func newPluginsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List plug-in channel pairings and extensions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			exts := a.Extensions.List()
			if len(exts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no extensions installed in this process; use the extension_install tool or `ironclaw mcp add`")
				return nil
			}
			for _, e := range exts {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", e.Name, e.Endpoint)
			}
			return nil
		},
	}
}

func newMCPCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Manage Model Context Protocol tool servers",
	}
	const settingKey = "mcp.servers"
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered MCP servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			setting, err := a.Store.GetSetting(ctx, DefaultUserID, settingKey)
			if err != nil || setting == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no MCP servers registered")
				return nil
			}
			servers, _ := setting.Value.(map[string]any)
			for name, endpoint := range servers {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %v\n", name, endpoint)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "add <name> <endpoint>",
		Short: "Register an MCP server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			servers := map[string]any{}
			if setting, err := a.Store.GetSetting(ctx, DefaultUserID, settingKey); err == nil && setting != nil {
				if existing, ok := setting.Value.(map[string]any); ok {
					servers = existing
				}
			}
			servers[args[0]] = args[1]
			if err := a.Store.PutSetting(ctx, &models.Setting{
				UserID: DefaultUserID, Key: settingKey, Value: servers, UpdatedAt: time.Now().UTC(),
			}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "registered", args[0])
			return nil
		},
	})
	return cmd
}

func newToolCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tool",
		Short: "Inspect and run registered tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			for _, t := range a.Registry.List() {
				approval := ""
				if t.RequiresApproval() {
					approval = " (requires approval)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s%s\n", t.Name(), t.Description(), approval)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "run <name> [json-params]",
		Short: "Run a tool directly (approval gates do not apply from the CLI)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			params := json.RawMessage(`{}`)
			if len(args) == 2 {
				params = json.RawMessage(args[1])
			}
			jobCtx := tools.JobContext{UserID: DefaultUserID, Workspace: a.Workspace}
			out, err := a.Registry.Execute(ctx, jobCtx, args[0], params)
			if err != nil {
				return err
			}
			if out.IsError {
				return fmt.Errorf("%s", out.Content)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.Content)
			return nil
		},
	})
	return cmd
}

func newMessageCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "message <text>",
		Short: "Run a single turn and print the response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			content := strings.Join(args, " ")
			sess, thread, err := a.Sessions.Resolve(ctx, DefaultUserID, "cli", "message")
			if err != nil {
				return err
			}
			turn := &models.Turn{
				ID: models.NewID(), ThreadID: thread.ID, TurnNumber: thread.TurnCount,
				UserInput: content, State: models.TurnInProgress, StartedAt: time.Now().UTC(),
			}
			if err := a.Store.CreateTurn(ctx, turn); err != nil {
				return err
			}
			thread.TurnCount++
			_ = a.Sessions.TransitionThread(ctx, thread, models.ThreadProcessing)

			auto := tools.NewAutoApprovedSet()
			if err := a.Worker.RunTurn(ctx, sess, thread, auto, nil, turn); err != nil {
				return err
			}
			if turn.State == models.TurnFailed {
				return fmt.Errorf("turn failed: %s", turn.FailReason)
			}
			fmt.Fprintln(cmd.OutOrStdout(), turn.Response)
			return nil
		},
	}
}

func newGatewayCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start only the HTTP gateway (no channels, no background tasks)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentWith(cmd, flags, func(cfg *config.Config) {
				cfg.Gateway.Enabled = true
				cfg.Channels.Terminal.Enabled = false
				cfg.Channels.HTTP.Enabled = false
				cfg.Channels.WebSocket.Enabled = false
				cfg.Heartbeat.Enabled = false
			})
		},
	}
}
