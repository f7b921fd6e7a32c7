package builtin

import (
	"github.com/danielsimonjr/ironclaw/internal/storage"
	"github.com/danielsimonjr/ironclaw/internal/tools"
	"github.com/danielsimonjr/ironclaw/internal/tools/policy"
	"github.com/danielsimonjr/ironclaw/internal/workspace"
	"github.com/danielsimonjr/ironclaw/internal/workspace/embeddings"
)

// RegisterOrchestratorSafe registers the tools that never touch the
// workspace filesystem or an external process: echo, time, json, http.
// This is always the registry's first phase.
func RegisterOrchestratorSafe(reg *tools.Registry) error {
	reg.BeginPhase(tools.PhaseOrchestratorSafe)
	for _, t := range []tools.Tool{NewEchoTool(), NewTimeTool(), NewJSONTool(), NewHTTPTool()} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// RegisterDeveloper registers the shell and file-operation tools scoped
// to workspaceRoot, the registry's second phase.
func RegisterDeveloper(reg *tools.Registry, workspaceRoot string, allowlist *policy.BinaryAllowlist) error {
	reg.BeginPhase(tools.PhaseDeveloper)
	for _, t := range []tools.Tool{
		NewShellTool(allowlist, workspaceRoot),
		NewFileReadTool(workspaceRoot),
		NewFileWriteTool(workspaceRoot),
		NewFileListTool(workspaceRoot),
		NewFilePatchTool(workspaceRoot),
	} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// RegisterWorkspace registers the persistent-memory tools, the registry's
// third phase. It requires a live workspace handle; embed may be nil for
// lexical-only search.
func RegisterWorkspace(reg *tools.Registry, ws *workspace.Manager, embed embeddings.Provider) error {
	reg.BeginPhase(tools.PhaseWorkspace)
	for _, t := range []tools.Tool{
		NewWorkspacePutTool(ws),
		NewWorkspaceGetTool(ws),
		NewWorkspaceSearchTool(ws, embed),
		NewWorkspaceConnectTool(ws),
	} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// RegisterJobs registers the background-job tools, the registry's fourth
// phase.
func RegisterJobs(reg *tools.Registry, store storage.JobStore) error {
	reg.BeginPhase(tools.PhaseJob)
	for _, t := range []tools.Tool{
		NewJobCreateTool(store),
		NewJobStatusTool(store),
		NewJobCancelTool(store),
	} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// RegisterExtensions registers the extension-management tools, the
// registry's fifth phase.
func RegisterExtensions(reg *tools.Registry, mgr *ExtensionManager) error {
	reg.BeginPhase(tools.PhaseExtension)
	for _, t := range []tools.Tool{
		NewExtensionInstallTool(mgr),
		NewExtensionListTool(mgr),
		NewExtensionAuthTool(mgr),
	} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// RegisterRoutines registers the routine tools, the registry's sixth
// phase.
func RegisterRoutines(reg *tools.Registry, store storage.RoutineStore, fire RoutineFirer) error {
	reg.BeginPhase(tools.PhaseRoutine)
	for _, t := range []tools.Tool{
		NewRoutineCreateTool(store),
		NewRoutineListTool(store),
		NewRoutineRunTool(store, fire),
	} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// RegisterBuilder registers the software-builder tool, the registry's
// final phase. Callers skip this entirely when the builder is disabled.
func RegisterBuilder(reg *tools.Registry, store storage.JobStore) error {
	reg.BeginPhase(tools.PhaseBuilder)
	return reg.Register(NewBuilderTool(store))
}
