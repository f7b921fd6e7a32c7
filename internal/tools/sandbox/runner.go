package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/danielsimonjr/ironclaw/pkg/models"
)

// LaunchSpec is everything a Runner needs to place one job's tool
// invocation into an isolated execution environment.
type LaunchSpec struct {
	Job         *models.SandboxJob
	Token       string
	CallbackURL string // host base URL the worker calls back into, e.g. http://127.0.0.1:PORT
	ToolName    string
	Params      json.RawMessage
	// WorkspaceRoot and AllowedBinaries carry enough of the host's
	// policy for the worker to reconstruct the same Container-domain
	// tools it would have run in-process: the worker has no
	// other way to learn the workspace path or the shell allowlist.
	WorkspaceRoot   string
	AllowedBinaries []string
}

// Runner places a job's work into an isolated environment and returns
// once the environment has been launched; completion arrives
// asynchronously via the worker's POST .../complete callback to Server.
type Runner interface {
	Name() string
	Launch(ctx context.Context, spec LaunchSpec) error
	// Terminate force-stops a running job's environment, used on
	// cancellation.
	Terminate(ctx context.Context, jobID string) error
}

// LocalRunner executes the ironclaw-worker binary as a child process,
// the zero-infrastructure sandbox backend: no container runtime, but the
// same bearer-token RPC contract, process-level resource limits via
// exec.Cmd, and wall-clock enforcement via ctx. Suitable for single-host
// deployments that accept in-process-adjacent isolation rather than full
// container confinement.
type LocalRunner struct {
	// WorkerBinary is the path to the ironclaw-worker executable.
	WorkerBinary string

	procs map[string]*exec.Cmd
}

// NewLocalRunner returns a LocalRunner invoking workerBinary for each job.
func NewLocalRunner(workerBinary string) *LocalRunner {
	return &LocalRunner{WorkerBinary: workerBinary, procs: make(map[string]*exec.Cmd)}
}

func (r *LocalRunner) Name() string { return "local" }

// Launch starts the worker binary with its job token and callback URL
// passed via environment. The tool call's parameters don't fit in an
// env var or argv reliably (arbitrary size, arbitrary bytes), so they
// are written as a single JSON line to the child's stdin; the worker
// reads and closes stdin before doing anything else.
func (r *LocalRunner) Launch(ctx context.Context, spec LaunchSpec) error {
	cmd := exec.CommandContext(ctx, r.WorkerBinary,
		"--job-id", spec.Job.JobID,
		"--tool", spec.ToolName,
	)
	cmd.Env = append(os.Environ(),
		"IRONCLAW_JOB_TOKEN="+spec.Token,
		"IRONCLAW_CALLBACK_URL="+spec.CallbackURL,
		"IRONCLAW_JOB_ID="+spec.Job.JobID,
		"IRONCLAW_WORKSPACE_ROOT="+spec.WorkspaceRoot,
		"IRONCLAW_ALLOWED_BINARIES="+strings.Join(spec.AllowedBinaries, ","),
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("sandbox: piping local worker stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("sandbox: starting local worker: %w", err)
	}
	params := spec.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	go func() {
		_, _ = stdin.Write(params)
		_ = stdin.Close()
	}()
	if r.procs == nil {
		r.procs = make(map[string]*exec.Cmd)
	}
	r.procs[spec.Job.JobID] = cmd
	go func() { _ = cmd.Wait() }()
	return nil
}

// Terminate sends the worker process an interrupt signal.
func (r *LocalRunner) Terminate(ctx context.Context, jobID string) error {
	cmd, ok := r.procs[jobID]
	if !ok || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// DefaultWallClockTimeout bounds a sandboxed job when the caller's
// SandboxJob doesn't specify one.
const DefaultWallClockTimeout = 10 * time.Minute
