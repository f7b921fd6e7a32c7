// Package workerproc is the body of the sandboxed worker process: it
// reads its job token and callback URL from the environment, its tool
// parameters from stdin, runs exactly one tool invocation in-process
// against a workspace-scoped registry, and POSTs the result back to the
// orchestrator's bearer-authenticated callback endpoint before exiting.
// Both the standalone ironclaw-worker binary and `ironclaw worker`
// delegate here.
package workerproc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/tools"
	"github.com/danielsimonjr/ironclaw/internal/tools/builtin"
	"github.com/danielsimonjr/ironclaw/internal/tools/policy"
)

// Options carries the flag-level inputs; everything else comes from the
// environment variables the LocalRunner sets.
type Options struct {
	JobID    string
	ToolName string
	Stdin    io.Reader
	Logger   *slog.Logger
}

// Run executes one tool invocation and reports the result to the
// orchestrator. The returned code is the process exit code: 0 success,
// 1 execution failure, 2 missing wiring.
func Run(opts Options) int {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "ironclaw-worker")
	}
	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}

	token := os.Getenv("IRONCLAW_JOB_TOKEN")
	callbackURL := strings.TrimRight(os.Getenv("IRONCLAW_CALLBACK_URL"), "/")
	jobID := opts.JobID
	if jobID == "" {
		jobID = os.Getenv("IRONCLAW_JOB_ID")
	}

	if jobID == "" || token == "" || callbackURL == "" || opts.ToolName == "" {
		logger.Error("missing required job wiring",
			"job_id", jobID, "tool", opts.ToolName,
			"has_token", token != "", "has_callback", callbackURL != "")
		return 2
	}

	params, err := io.ReadAll(stdin)
	if err != nil {
		return fail(context.Background(), logger, callbackURL, jobID, token, fmt.Errorf("reading params from stdin: %w", err))
	}
	if len(params) == 0 {
		params = []byte("{}")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	registry, err := buildRegistry()
	if err != nil {
		return fail(ctx, logger, callbackURL, jobID, token, err)
	}

	jobCtx := tools.JobContext{JobID: jobID}
	out, err := registry.Execute(ctx, jobCtx, opts.ToolName, params)
	if err != nil {
		return fail(ctx, logger, callbackURL, jobID, token, err)
	}

	result := completionResult{Success: !out.IsError, Output: out.Content, Detail: out.Detail}
	if out.IsError {
		result.Error = out.Content
		result.Output = ""
	}
	if err := postComplete(ctx, callbackURL, jobID, token, result); err != nil {
		logger.Error("reporting completion failed", "error", err)
		return 1
	}
	return 0
}

// buildRegistry reconstructs the same Container-domain tool set the
// orchestrator would have run in-process, scoped to the workspace root
// and shell allowlist the Dispatcher passed via environment.
func buildRegistry() (*tools.Registry, error) {
	workspaceRoot := os.Getenv("IRONCLAW_WORKSPACE_ROOT")
	if workspaceRoot == "" {
		workspaceRoot = "."
	}
	allowlist := policy.NewBinaryAllowlist()
	if raw := os.Getenv("IRONCLAW_ALLOWED_BINARIES"); raw != "" {
		allowlist.Allowed = strings.Split(raw, ",")
	}

	reg := tools.NewRegistry()
	if err := builtin.RegisterDeveloper(reg, workspaceRoot, allowlist); err != nil {
		return nil, fmt.Errorf("registering worker tools: %w", err)
	}
	return reg, nil
}

type completionResult struct {
	Success bool           `json:"success"`
	Output  string         `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

func fail(ctx context.Context, logger *slog.Logger, callbackURL, jobID, token string, cause error) int {
	logger.Error("tool execution failed", "error", cause)
	_ = postComplete(ctx, callbackURL, jobID, token, completionResult{Success: false, Error: cause.Error()})
	return 1
}

func postComplete(ctx context.Context, callbackURL, jobID, token string, result completionResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding completion result: %w", err)
	}
	url := fmt.Sprintf("%s/worker/%s/complete", callbackURL, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting completion: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("completion callback returned %s", resp.Status)
	}
	return nil
}
