package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/danielsimonjr/ironclaw/internal/net/ssrf"
	"github.com/danielsimonjr/ironclaw/internal/tools"
)

// Extension is one registered remote tool server: a named HTTP endpoint
// the agent may route external-protocol tool calls to.
type Extension struct {
	Name          string `json:"name"`
	Endpoint      string `json:"endpoint"`
	Authenticated bool   `json:"authenticated"`
}

// ExtensionManager tracks the installed extensions for the lifetime of
// the process. Credentials for an extension live in the secrets vault,
// never here; the manager records only whether auth has completed.
type ExtensionManager struct {
	mu         sync.RWMutex
	extensions map[string]*Extension
}

// NewExtensionManager returns an empty manager.
func NewExtensionManager() *ExtensionManager {
	return &ExtensionManager{extensions: make(map[string]*Extension)}
}

// Install registers (or replaces) an extension after validating its
// endpoint against the same network policy outbound tools obey.
func (m *ExtensionManager) Install(ctx context.Context, name, endpoint string) (*Extension, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("endpoint must be an absolute http(s) URL")
	}
	if err := ssrf.ValidatePublicHostname(ctx, parsed.Hostname()); err != nil {
		return nil, fmt.Errorf("endpoint blocked by network policy: %w", err)
	}
	ext := &Extension{Name: name, Endpoint: endpoint}
	m.mu.Lock()
	m.extensions[name] = ext
	m.mu.Unlock()
	return ext, nil
}

// List returns the installed extensions sorted by name.
func (m *ExtensionManager) List() []*Extension {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Extension, 0, len(m.extensions))
	for _, e := range m.extensions {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the named extension, if installed.
func (m *ExtensionManager) Get(name string) (*Extension, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.extensions[name]
	return e, ok
}

// MarkAuthenticated records that the named extension completed its auth
// handshake.
func (m *ExtensionManager) MarkAuthenticated(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.extensions[name]
	if !ok {
		return false
	}
	e.Authenticated = true
	return true
}

// ExtensionInstallParams registers a remote tool server.
type ExtensionInstallParams struct {
	Name     string `json:"name" jsonschema:"required"`
	Endpoint string `json:"endpoint" jsonschema:"required,description=Base URL of the remote tool server."`
}

// ExtensionInstallTool registers a remote tool server with the manager.
type ExtensionInstallTool struct {
	tools.BaseTool
	mgr *ExtensionManager
}

// NewExtensionInstallTool constructs the reserved "extension_install" tool.
func NewExtensionInstallTool(mgr *ExtensionManager) *ExtensionInstallTool {
	return &ExtensionInstallTool{
		BaseTool: tools.BaseTool{
			ToolName:        "extension_install",
			ToolDescription: "Register a remote tool server by name and endpoint.",
			ToolSchema:      tools.GenerateSchema(&ExtensionInstallParams{}),
			ToolDomain:      tools.DomainOrchestrator,
			NoSanitization:  true,
			Approval:        true,
		},
		mgr: mgr,
	}
}

func (t *ExtensionInstallTool) Execute(ctx context.Context, jobCtx tools.JobContext, params json.RawMessage) (*tools.Output, error) {
	var p ExtensionInstallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.ErrorOutput("invalid parameters: " + err.Error()), nil
	}
	if strings.TrimSpace(p.Name) == "" {
		return tools.ErrorOutput("name must not be empty"), nil
	}
	ext, err := t.mgr.Install(ctx, p.Name, p.Endpoint)
	if err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	return &tools.Output{Content: "installed extension " + ext.Name, Detail: map[string]any{"name": ext.Name}}, nil
}

// ExtensionListParams has no fields; listing takes no arguments.
type ExtensionListParams struct{}

// ExtensionListTool lists the installed extensions.
type ExtensionListTool struct {
	tools.BaseTool
	mgr *ExtensionManager
}

// NewExtensionListTool constructs the reserved "extension_list" tool.
func NewExtensionListTool(mgr *ExtensionManager) *ExtensionListTool {
	return &ExtensionListTool{
		BaseTool: tools.BaseTool{
			ToolName:        "extension_list",
			ToolDescription: "List the installed remote tool servers.",
			ToolSchema:      tools.GenerateSchema(&ExtensionListParams{}),
			ToolDomain:      tools.DomainOrchestrator,
			NoSanitization:  true,
		},
		mgr: mgr,
	}
}

func (t *ExtensionListTool) Execute(ctx context.Context, jobCtx tools.JobContext, params json.RawMessage) (*tools.Output, error) {
	exts := t.mgr.List()
	var b strings.Builder
	for _, e := range exts {
		auth := "unauthenticated"
		if e.Authenticated {
			auth = "authenticated"
		}
		fmt.Fprintf(&b, "%s %s (%s)\n", e.Name, e.Endpoint, auth)
	}
	if b.Len() == 0 {
		b.WriteString("no extensions installed")
	}
	return &tools.Output{Content: b.String(), Detail: map[string]any{"count": len(exts)}}, nil
}

// ExtensionAuthParams marks an extension's auth handshake complete.
type ExtensionAuthParams struct {
	Name string `json:"name" jsonschema:"required"`
}

// ExtensionAuthTool completes an extension's authentication, surfacing
// AuthRequired/AuthCompleted status events through the caller.
type ExtensionAuthTool struct {
	tools.BaseTool
	mgr *ExtensionManager
}

// NewExtensionAuthTool constructs the reserved "extension_auth" tool.
func NewExtensionAuthTool(mgr *ExtensionManager) *ExtensionAuthTool {
	return &ExtensionAuthTool{
		BaseTool: tools.BaseTool{
			ToolName:        "extension_auth",
			ToolDescription: "Complete the authentication handshake for an installed extension.",
			ToolSchema:      tools.GenerateSchema(&ExtensionAuthParams{}),
			ToolDomain:      tools.DomainOrchestrator,
			NoSanitization:  true,
			Approval:        true,
		},
		mgr: mgr,
	}
}

func (t *ExtensionAuthTool) Execute(ctx context.Context, jobCtx tools.JobContext, params json.RawMessage) (*tools.Output, error) {
	var p ExtensionAuthParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.ErrorOutput("invalid parameters: " + err.Error()), nil
	}
	if !t.mgr.MarkAuthenticated(p.Name) {
		return tools.ErrorOutput("extension not installed: " + p.Name), nil
	}
	return &tools.Output{Content: "authenticated extension " + p.Name}, nil
}
