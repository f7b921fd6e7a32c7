package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Phase identifies one of the ordered groups the registry fills during
// startup.
type Phase int

const (
	PhaseOrchestratorSafe Phase = iota
	PhaseDeveloper
	PhaseWorkspace
	PhaseJob
	PhaseExtension
	PhaseRoutine
	PhaseBuilder
)

func (p Phase) String() string {
	switch p {
	case PhaseOrchestratorSafe:
		return "orchestrator-safe"
	case PhaseDeveloper:
		return "developer"
	case PhaseWorkspace:
		return "workspace"
	case PhaseJob:
		return "job"
	case PhaseExtension:
		return "extension"
	case PhaseRoutine:
		return "routine"
	case PhaseBuilder:
		return "builder"
	default:
		return "unknown"
	}
}

// reservedNames is the protected set registration must never shadow,
// independent of which concrete tool backs them.
var reservedNames = map[string]bool{
	"echo": true, "time": true, "json": true, "http": true, "shell": true,
	"file_read": true, "file_write": true, "file_list": true, "file_patch": true,
	"workspace_search": true, "workspace_put": true, "workspace_get": true, "workspace_connect": true,
	"job_create": true, "job_status": true, "job_cancel": true,
	"extension_install": true, "extension_list": true, "extension_auth": true,
	"routine_create": true, "routine_list": true, "routine_run": true,
	"builder": true,
}

// ErrReservedName is returned by Register when a caller tries to register
// a tool whose name collides with a reserved name from a different phase
// or a different instance than the one that first claimed it.
type ErrReservedName struct{ Name string }

func (e *ErrReservedName) Error() string {
	return fmt.Sprintf("tools: %q is a reserved name and cannot be shadowed", e.Name)
}

// Registry is the name-keyed mapping of available tools. It is
// read-mostly: lookups take the read lock, registration takes the write
// lock and additionally rejects attempts to overwrite a reserved name
// with a tool registered under a later phase.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	phase   map[string]Phase
	current Phase
}

// NewRegistry returns an empty registry ready for phased registration.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
		phase: make(map[string]Phase),
	}
}

// BeginPhase marks the phase subsequent Register calls belong to. Phases
// are expected to run in the order PhaseOrchestratorSafe..PhaseBuilder but
// the registry does not itself enforce ordering beyond bookkeeping, since
// an optional phase (e.g. PhaseBuilder) may be skipped entirely when the
// corresponding feature is disabled.
func (r *Registry) BeginPhase(p Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = p
}

// Register adds a tool under the registry's current phase. Re-registering
// the same name from within the *same* phase replaces the previous
// registration (a tool updating itself); re-registering a reserved name
// that was already claimed by an earlier phase is rejected.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	if existingPhase, ok := r.phase[name]; ok && existingPhase != r.current && reservedNames[name] {
		return &ErrReservedName{Name: name}
	}
	r.tools[name] = tool
	r.phase[name] = r.current
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.phase, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool, in no particular order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

const (
	// MaxToolNameLength bounds a tool-call name before lookup, avoiding a
	// map probe on pathologically long attacker-controlled input.
	MaxToolNameLength = 256
	// MaxParamsSize bounds a tool call's raw JSON parameters.
	MaxParamsSize = 10 << 20
)

// Execute looks up name and runs it with params, returning an error
// Output rather than a Go error for any caller-facing failure so the
// result can flow straight into a Turn's tool-result content.
func (r *Registry) Execute(ctx context.Context, jobCtx JobContext, name string, params json.RawMessage) (*Output, error) {
	if len(name) > MaxToolNameLength {
		return ErrorOutput(fmt.Sprintf("tool name exceeds %d characters", MaxToolNameLength)), nil
	}
	if len(params) > MaxParamsSize {
		return ErrorOutput(fmt.Sprintf("tool parameters exceed %d bytes", MaxParamsSize)), nil
	}
	tool, ok := r.Get(name)
	if !ok {
		return ErrorOutput("tool not found: " + name), nil
	}

	timeout := tool.ExecutionTimeout()
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := tool.Execute(execCtx, jobCtx, params)
	if err != nil {
		return ErrorOutput(err.Error()), nil
	}
	return out, nil
}

// NormalizeName lowercases and trims a tool name for pattern matching,
// mirroring the comparisons the approval gate and allowlists perform.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
