package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/tools"
	"github.com/danielsimonjr/ironclaw/internal/tools/policy"
)

// ShellParams names the binary to run and its arguments. Unlike the
// sandboxed exec path, this tool never invokes a shell interpreter
// itself, so there is no shell-metacharacter injection surface; the
// binary allowlist instead governs which programs may be named directly.
type ShellParams struct {
	Command string   `json:"command" jsonschema:"required,description=Binary name, checked against the allowlist."`
	Args    []string `json:"args,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`
}

// ShellTool runs an allowlisted binary as a direct subprocess.
type ShellTool struct {
	tools.BaseTool
	Allowlist *policy.BinaryAllowlist
	Resolver  PathResolver
}

// NewShellTool constructs the reserved "shell" tool with the given
// allowlist; a nil allowlist gets the enforced-by-default set.
func NewShellTool(allowlist *policy.BinaryAllowlist, workspaceRoot string) *ShellTool {
	if allowlist == nil {
		allowlist = policy.NewBinaryAllowlist()
	}
	return &ShellTool{
		BaseTool: tools.BaseTool{
			ToolName:        "shell",
			ToolDescription: "Run an allowlisted binary as a subprocess in the workspace.",
			ToolSchema:      tools.GenerateSchema(&ShellParams{}),
			ToolDomain:      tools.DomainContainer,
			Approval:        true,
			Timeout:         120 * time.Second,
		},
		Allowlist: allowlist,
		Resolver:  PathResolver{Root: workspaceRoot},
	}
}

func (t *ShellTool) Execute(ctx context.Context, jobCtx tools.JobContext, params json.RawMessage) (*tools.Output, error) {
	if err := t.Allowlist.Validate(); err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	var p ShellParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.ErrorOutput("invalid parameters: " + err.Error()), nil
	}
	command := strings.TrimSpace(p.Command)
	if command == "" {
		return tools.ErrorOutput("command is required"), nil
	}
	if !t.Allowlist.IsAllowed(command) {
		return tools.ErrorOutput("binary not in allowlist: " + command), nil
	}

	dir := t.Resolver.Root
	if p.Cwd != "" {
		resolved, err := t.Resolver.Resolve(p.Cwd)
		if err != nil {
			return tools.ErrorOutput(err.Error()), nil
		}
		dir = resolved
	}

	cmd := exec.CommandContext(ctx, command, p.Args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &tools.Output{
			Content: stdout.String() + stderr.String(),
			IsError: true,
			Detail:  map[string]any{"error": err.Error()},
		}, nil
	}
	return &tools.Output{Content: stdout.String(), Detail: map[string]any{"stderr": stderr.String()}}, nil
}
