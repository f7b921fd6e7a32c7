package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/danielsimonjr/ironclaw/internal/tools"
	"github.com/danielsimonjr/ironclaw/internal/tools/policy"
	"github.com/danielsimonjr/ironclaw/pkg/models"
)

// Dispatcher routes Domain=Container tool calls through the sandbox
// protocol when enabled, or executes them in-process with a conspicuous
// audit record when disabled.
type Dispatcher struct {
	Tokens  *TokenStore
	Runner  Runner
	Enabled bool
	BaseURL string // host base URL the worker callback points at

	// WorkspaceRoot and Allowlist are handed to every sandboxed launch
	// so the worker process can reconstruct the same file/shell policy
	// the in-process fallback would have enforced.
	WorkspaceRoot string
	Allowlist     *policy.BinaryAllowlist

	mu      sync.Mutex
	pending map[string]chan CompletionResult
}

// NewDispatcher constructs a Dispatcher. enabled toggles whether
// Container-domain tools actually route through Runner; when false every
// call executes in-process via fallback.
func NewDispatcher(tokens *TokenStore, runner Runner, baseURL string, enabled bool, workspaceRoot string, allowlist *policy.BinaryAllowlist) *Dispatcher {
	return &Dispatcher{
		Tokens:        tokens,
		Runner:        runner,
		BaseURL:       baseURL,
		Enabled:       enabled,
		WorkspaceRoot: workspaceRoot,
		Allowlist:     allowlist,
		pending:       make(map[string]chan CompletionResult),
	}
}

// Execute runs tool, either by launching a sandboxed worker and awaiting
// its completion callback, or — when sandboxing is disabled or the tool
// is Domain=Orchestrator — in-process via fallback.
func (d *Dispatcher) Execute(ctx context.Context, jobCtx tools.JobContext, tool tools.Tool, params json.RawMessage, fallback func(ctx context.Context) (*tools.Output, error)) (*tools.Output, error) {
	if tool.Domain() != tools.DomainContainer || !d.Enabled {
		out, err := fallback(ctx)
		if out != nil {
			out.Detail = withAuditNote(out.Detail, tool.Domain(), d.Enabled)
		}
		return out, err
	}
	return d.executeSandboxed(ctx, jobCtx, tool, params)
}

func withAuditNote(detail map[string]any, domain tools.Domain, sandboxEnabled bool) map[string]any {
	if detail == nil {
		detail = make(map[string]any)
	}
	detail["execution_domain"] = string(domain)
	detail["sandboxed"] = domain == tools.DomainContainer && sandboxEnabled
	return detail
}

func (d *Dispatcher) executeSandboxed(ctx context.Context, jobCtx tools.JobContext, tool tools.Tool, params json.RawMessage) (*tools.Output, error) {
	if jobCtx.JobID == "" {
		jobCtx.JobID = models.NewID()
	}
	job := &models.SandboxJob{
		JobID:            jobCtx.JobID,
		WallClockTimeout: tool.ExecutionTimeout(),
		TokenTTL:         DefaultTokenTTL,
	}
	if job.WallClockTimeout <= 0 {
		job.WallClockTimeout = DefaultWallClockTimeout
	}

	token, err := d.Tokens.Issue(job.JobID, job.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("sandbox: issuing token: %w", err)
	}

	resultCh := make(chan CompletionResult, 1)
	d.mu.Lock()
	d.pending[job.JobID] = resultCh
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, job.JobID)
		d.mu.Unlock()
	}()

	var allowedBinaries []string
	if d.Allowlist != nil {
		allowedBinaries = d.Allowlist.Allowed
	}
	if err := d.Runner.Launch(ctx, LaunchSpec{
		Job:             job,
		Token:           token,
		CallbackURL:     d.BaseURL,
		ToolName:        tool.Name(),
		Params:          params,
		WorkspaceRoot:   d.WorkspaceRoot,
		AllowedBinaries: allowedBinaries,
	}); err != nil {
		d.Tokens.Revoke(job.JobID)
		return tools.ErrorOutput("sandbox: launch failed: " + err.Error()), nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, job.WallClockTimeout)
	defer cancel()

	select {
	case result := <-resultCh:
		if !result.Success {
			return tools.ErrorOutput(result.Error), nil
		}
		return &tools.Output{Content: result.Output, Detail: result.Detail}, nil
	case <-timeoutCtx.Done():
		_ = d.Runner.Terminate(context.Background(), job.JobID)
		return tools.ErrorOutput("sandbox: job exceeded wall-clock timeout"), nil
	}
}

// Complete fulfills the pending job's result channel; this is the
// CompletionHandler wired into Server.OnComplete.
func (d *Dispatcher) Complete(ctx context.Context, jobID string, result CompletionResult) error {
	d.mu.Lock()
	ch, ok := d.pending[jobID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("sandbox: no pending job %s", jobID)
	}
	select {
	case ch <- result:
	default:
	}
	return nil
}
