package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danielsimonjr/ironclaw/internal/tools"
	"github.com/danielsimonjr/ironclaw/internal/workspace"
	"github.com/danielsimonjr/ironclaw/internal/workspace/embeddings"
	"github.com/danielsimonjr/ironclaw/pkg/models"
)

// workspaceFrom extracts the concrete workspace handle a workspace tool
// needs from the opaque JobContext field.
func workspaceFrom(jobCtx tools.JobContext) (*workspace.Manager, error) {
	ws, ok := jobCtx.Workspace.(*workspace.Manager)
	if !ok || ws == nil {
		return nil, fmt.Errorf("no workspace handle in job context")
	}
	return ws, nil
}

// WorkspacePutParams writes or replaces one document.
type WorkspacePutParams struct {
	Path       string   `json:"path" jsonschema:"required,description=Workspace path with a leading slash."`
	Content    string   `json:"content" jsonschema:"required"`
	Importance float64  `json:"importance,omitempty" jsonschema:"description=Relevance weight in [0 1]."`
	Tags       []string `json:"tags,omitempty"`
}

// WorkspacePutTool writes a document into the caller's workspace,
// re-chunking and re-embedding it.
type WorkspacePutTool struct {
	tools.BaseTool
	ws *workspace.Manager
}

// NewWorkspacePutTool constructs the reserved "workspace_put" tool.
func NewWorkspacePutTool(ws *workspace.Manager) *WorkspacePutTool {
	return &WorkspacePutTool{
		BaseTool: tools.BaseTool{
			ToolName:        "workspace_put",
			ToolDescription: "Write or replace a document in persistent memory.",
			ToolSchema:      tools.GenerateSchema(&WorkspacePutParams{}),
			ToolDomain:      tools.DomainOrchestrator,
			NoSanitization:  true,
		},
		ws: ws,
	}
}

func (t *WorkspacePutTool) Execute(ctx context.Context, jobCtx tools.JobContext, params json.RawMessage) (*tools.Output, error) {
	ws, err := workspaceFrom(jobCtx)
	if err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	var p WorkspacePutParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.ErrorOutput("invalid parameters: " + err.Error()), nil
	}
	doc, err := ws.PutDocument(ctx, jobCtx.UserID, p.Path, p.Content, workspace.DocumentOptions{
		Importance: p.Importance,
		Tags:       p.Tags,
	})
	if err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	return &tools.Output{
		Content: "wrote " + doc.Path,
		Detail:  map[string]any{"document_id": doc.ID, "path": doc.Path},
	}, nil
}

// WorkspaceGetParams reads one document by path.
type WorkspaceGetParams struct {
	Path string `json:"path" jsonschema:"required"`
}

// WorkspaceGetTool reads one document from the caller's workspace.
type WorkspaceGetTool struct {
	tools.BaseTool
	ws *workspace.Manager
}

// NewWorkspaceGetTool constructs the reserved "workspace_get" tool.
func NewWorkspaceGetTool(ws *workspace.Manager) *WorkspaceGetTool {
	return &WorkspaceGetTool{
		BaseTool: tools.BaseTool{
			ToolName:        "workspace_get",
			ToolDescription: "Read a document from persistent memory by path.",
			ToolSchema:      tools.GenerateSchema(&WorkspaceGetParams{}),
			ToolDomain:      tools.DomainOrchestrator,
			NoSanitization:  true,
		},
		ws: ws,
	}
}

func (t *WorkspaceGetTool) Execute(ctx context.Context, jobCtx tools.JobContext, params json.RawMessage) (*tools.Output, error) {
	ws, err := workspaceFrom(jobCtx)
	if err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	var p WorkspaceGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.ErrorOutput("invalid parameters: " + err.Error()), nil
	}
	doc, err := ws.GetDocument(ctx, jobCtx.UserID, p.Path)
	if err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	if doc == nil {
		return tools.ErrorOutput("document not found: " + p.Path), nil
	}
	return &tools.Output{
		Content: doc.Content,
		Detail:  map[string]any{"document_id": doc.ID, "path": doc.Path, "importance": doc.Importance},
	}, nil
}

// WorkspaceSearchParams runs a hybrid search over the workspace.
type WorkspaceSearchParams struct {
	Query      string `json:"query" jsonschema:"required"`
	Limit      int    `json:"limit,omitempty" jsonschema:"description=Maximum hits to return, default 5."`
	PathPrefix string `json:"path_prefix,omitempty"`
}

// WorkspaceSearchTool runs hybrid lexical+vector search over the
// caller's workspace, embedding the query when a provider is available.
type WorkspaceSearchTool struct {
	tools.BaseTool
	ws    *workspace.Manager
	embed embeddings.Provider
}

// NewWorkspaceSearchTool constructs the reserved "workspace_search" tool.
// embed may be nil for lexical-only search.
func NewWorkspaceSearchTool(ws *workspace.Manager, embed embeddings.Provider) *WorkspaceSearchTool {
	return &WorkspaceSearchTool{
		BaseTool: tools.BaseTool{
			ToolName:        "workspace_search",
			ToolDescription: "Search persistent memory with combined keyword and semantic ranking.",
			ToolSchema:      tools.GenerateSchema(&WorkspaceSearchParams{}),
			ToolDomain:      tools.DomainOrchestrator,
			NoSanitization:  true,
		},
		ws:    ws,
		embed: embed,
	}
}

func (t *WorkspaceSearchTool) Execute(ctx context.Context, jobCtx tools.JobContext, params json.RawMessage) (*tools.Output, error) {
	ws, err := workspaceFrom(jobCtx)
	if err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	var p WorkspaceSearchParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.ErrorOutput("invalid parameters: " + err.Error()), nil
	}
	if strings.TrimSpace(p.Query) == "" {
		return tools.ErrorOutput("query must not be empty"), nil
	}
	if p.Limit <= 0 {
		p.Limit = 5
	}

	var queryEmbedding []float32
	if t.embed != nil {
		// Best effort: a failed embedding degrades to lexical-only.
		if vec, err := t.embed.Embed(ctx, p.Query); err == nil {
			queryEmbedding = vec
		}
	}

	results, err := ws.Search(ctx, jobCtx.UserID, p.Query, queryEmbedding, p.Limit, models.SearchFilters{PathPrefix: p.PathPrefix})
	if err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s#%d (%.4f)\n%s\n", i+1, r.Path, r.ChunkIndex, r.Score, r.Snippet)
	}
	if b.Len() == 0 {
		b.WriteString("no results")
	}
	return &tools.Output{Content: b.String(), Detail: map[string]any{"count": len(results)}}, nil
}

// WorkspaceConnectParams links two documents with a typed edge.
type WorkspaceConnectParams struct {
	SourcePath string  `json:"source_path" jsonschema:"required"`
	TargetPath string  `json:"target_path" jsonschema:"required"`
	Type       string  `json:"type" jsonschema:"required,description=One of updates extends derives."`
	Strength   float64 `json:"strength,omitempty" jsonschema:"description=Edge weight in [0 1], default 0.5."`
}

// WorkspaceConnectTool creates a typed connection between two documents.
type WorkspaceConnectTool struct {
	tools.BaseTool
	ws *workspace.Manager
}

// NewWorkspaceConnectTool constructs the reserved "workspace_connect" tool.
func NewWorkspaceConnectTool(ws *workspace.Manager) *WorkspaceConnectTool {
	return &WorkspaceConnectTool{
		BaseTool: tools.BaseTool{
			ToolName:        "workspace_connect",
			ToolDescription: "Link two memory documents with a typed relationship.",
			ToolSchema:      tools.GenerateSchema(&WorkspaceConnectParams{}),
			ToolDomain:      tools.DomainOrchestrator,
			NoSanitization:  true,
		},
		ws: ws,
	}
}

func (t *WorkspaceConnectTool) Execute(ctx context.Context, jobCtx tools.JobContext, params json.RawMessage) (*tools.Output, error) {
	ws, err := workspaceFrom(jobCtx)
	if err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	var p WorkspaceConnectParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.ErrorOutput("invalid parameters: " + err.Error()), nil
	}
	typ := models.ConnectionType(strings.ToLower(strings.TrimSpace(p.Type)))
	switch typ {
	case models.ConnectionUpdates, models.ConnectionExtends, models.ConnectionDerives:
	default:
		return tools.ErrorOutput("type must be one of: updates, extends, derives"), nil
	}
	if p.Strength == 0 {
		p.Strength = 0.5
	}

	source, err := ws.GetDocument(ctx, jobCtx.UserID, p.SourcePath)
	if err != nil || source == nil {
		return tools.ErrorOutput("source document not found: " + p.SourcePath), nil
	}
	target, err := ws.GetDocument(ctx, jobCtx.UserID, p.TargetPath)
	if err != nil || target == nil {
		return tools.ErrorOutput("target document not found: " + p.TargetPath), nil
	}

	if err := ws.Connect(ctx, source.ID, target.ID, typ, p.Strength, nil); err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	return &tools.Output{Content: fmt.Sprintf("connected %s -[%s]-> %s", source.Path, typ, target.Path)}, nil
}
