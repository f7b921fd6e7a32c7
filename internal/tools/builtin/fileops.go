package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danielsimonjr/ironclaw/internal/tools"
)

// FileReadParams names a workspace-relative file to read.
type FileReadParams struct {
	Path string `json:"path" jsonschema:"required"`
}

// FileReadTool reads a workspace file's contents.
type FileReadTool struct {
	tools.BaseTool
	Resolver PathResolver
}

// NewFileReadTool constructs the reserved "file_read" tool.
func NewFileReadTool(workspaceRoot string) *FileReadTool {
	return &FileReadTool{
		BaseTool: tools.BaseTool{
			ToolName:        "file_read",
			ToolDescription: "Read the contents of a workspace file.",
			ToolSchema:      tools.GenerateSchema(&FileReadParams{}),
			ToolDomain:      tools.DomainContainer,
		},
		Resolver: PathResolver{Root: workspaceRoot},
	}
}

func (t *FileReadTool) Execute(ctx context.Context, jobCtx tools.JobContext, params json.RawMessage) (*tools.Output, error) {
	var p FileReadParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.ErrorOutput("invalid parameters: " + err.Error()), nil
	}
	resolved, err := t.Resolver.Resolve(p.Path)
	if err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	return &tools.Output{Content: string(data)}, nil
}

// FileWriteParams names a workspace-relative path and its new contents.
type FileWriteParams struct {
	Path    string `json:"path" jsonschema:"required"`
	Content string `json:"content" jsonschema:"required"`
}

// FileWriteTool writes (creating or overwriting) a workspace file.
type FileWriteTool struct {
	tools.BaseTool
	Resolver PathResolver
}

// NewFileWriteTool constructs the reserved "file_write" tool.
func NewFileWriteTool(workspaceRoot string) *FileWriteTool {
	return &FileWriteTool{
		BaseTool: tools.BaseTool{
			ToolName:        "file_write",
			ToolDescription: "Create or overwrite a workspace file with the given content.",
			ToolSchema:      tools.GenerateSchema(&FileWriteParams{}),
			ToolDomain:      tools.DomainContainer,
			Approval:        true,
		},
		Resolver: PathResolver{Root: workspaceRoot},
	}
}

func (t *FileWriteTool) Execute(ctx context.Context, jobCtx tools.JobContext, params json.RawMessage) (*tools.Output, error) {
	var p FileWriteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.ErrorOutput("invalid parameters: " + err.Error()), nil
	}
	resolved, err := t.Resolver.Resolve(p.Path)
	if err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	if err := os.WriteFile(resolved, []byte(p.Content), 0o644); err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	return &tools.Output{Content: fmt.Sprintf("wrote %d bytes to %s", len(p.Content), p.Path)}, nil
}

// FileListParams optionally scopes listing to a subdirectory.
type FileListParams struct {
	Path string `json:"path,omitempty" jsonschema:"description=Subdirectory to list; defaults to the workspace root."`
}

// FileListTool lists entries directly under a workspace directory.
type FileListTool struct {
	tools.BaseTool
	Resolver PathResolver
}

// NewFileListTool constructs the reserved "file_list" tool.
func NewFileListTool(workspaceRoot string) *FileListTool {
	return &FileListTool{
		BaseTool: tools.BaseTool{
			ToolName:        "file_list",
			ToolDescription: "List entries directly under a workspace directory.",
			ToolSchema:      tools.GenerateSchema(&FileListParams{}),
			ToolDomain:      tools.DomainContainer,
		},
		Resolver: PathResolver{Root: workspaceRoot},
	}
}

func (t *FileListTool) Execute(ctx context.Context, jobCtx tools.JobContext, params json.RawMessage) (*tools.Output, error) {
	var p FileListParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return tools.ErrorOutput("invalid parameters: " + err.Error()), nil
		}
	}
	dir := t.Resolver.Root
	if p.Path != "" {
		resolved, err := t.Resolver.Resolve(p.Path)
		if err != nil {
			return tools.ErrorOutput(err.Error()), nil
		}
		dir = resolved
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &tools.Output{Content: strings.Join(names, "\n")}, nil
}

// FilePatchParams replaces the first occurrence of Find with Replace in
// the named file. This is a deliberately simpler contract than a unified
// diff: it covers the common single-hunk edit without needing a patch
// parser, at the cost of not supporting multi-hunk or fuzzy-context
// patches.
type FilePatchParams struct {
	Path    string `json:"path" jsonschema:"required"`
	Find    string `json:"find" jsonschema:"required"`
	Replace string `json:"replace"`
}

// FilePatchTool performs a single find/replace edit against a workspace
// file.
type FilePatchTool struct {
	tools.BaseTool
	Resolver PathResolver
}

// NewFilePatchTool constructs the reserved "file_patch" tool.
func NewFilePatchTool(workspaceRoot string) *FilePatchTool {
	return &FilePatchTool{
		BaseTool: tools.BaseTool{
			ToolName:        "file_patch",
			ToolDescription: "Replace the first occurrence of a string in a workspace file.",
			ToolSchema:      tools.GenerateSchema(&FilePatchParams{}),
			ToolDomain:      tools.DomainContainer,
			Approval:        true,
		},
		Resolver: PathResolver{Root: workspaceRoot},
	}
}

func (t *FilePatchTool) Execute(ctx context.Context, jobCtx tools.JobContext, params json.RawMessage) (*tools.Output, error) {
	var p FilePatchParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.ErrorOutput("invalid parameters: " + err.Error()), nil
	}
	resolved, err := t.Resolver.Resolve(p.Path)
	if err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	content := string(data)
	if !strings.Contains(content, p.Find) {
		return tools.ErrorOutput("find text not present in file"), nil
	}
	patched := strings.Replace(content, p.Find, p.Replace, 1)
	if err := os.WriteFile(resolved, []byte(patched), 0o644); err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	return &tools.Output{Content: "patched " + p.Path}, nil
}
