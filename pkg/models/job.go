package models

import "time"

// JobState is the lifecycle state of a Job.
type JobState string

const (
	JobPending    JobState = "pending"
	JobInProgress JobState = "in_progress"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobStuck      JobState = "stuck"
	JobSubmitted  JobState = "submitted"
	JobAccepted   JobState = "accepted"
	JobCancelled  JobState = "cancelled"
)

// terminalJobStates are states from which no further transition is valid.
var terminalJobStates = map[JobState]bool{
	JobAccepted:  true,
	JobFailed:    true,
	JobCancelled: true,
}

// IsTerminal reports whether s is a terminal job state.
func (s JobState) IsTerminal() bool {
	return terminalJobStates[s]
}

// JobMode distinguishes how a Job's work is actually executed.
type JobMode string

const (
	JobModeLocal           JobMode = "local"
	JobModeSandboxedWorker JobMode = "sandboxed-worker"
	JobModeClaudeBridge    JobMode = "claude-bridge"
)

// Job is a longer-running task explicitly created by the agent, as opposed
// to a conversational turn.
type Job struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	State          JobState  `json:"state"`
	Mode           JobMode   `json:"mode"`
	ProjectDir     string    `json:"project_dir,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	RepairAttempts int       `json:"repair_attempts"`
	CreatedAt      time.Time `json:"created_at"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// validJobTransitions enumerates the allowed state machine edges here
var validJobTransitions = map[JobState]map[JobState]bool{
	JobPending:    {JobInProgress: true},
	JobInProgress: {JobCompleted: true, JobFailed: true, JobStuck: true},
	JobStuck:      {JobInProgress: true, JobFailed: true},
	JobCompleted:  {JobSubmitted: true},
	JobSubmitted:  {JobAccepted: true},
}

// CanTransition reports whether moving from s to next is a legal edge in
// the Job state machine. Terminal states never accept further transitions.
func (s JobState) CanTransition(next JobState) bool {
	if s.IsTerminal() {
		return false
	}
	edges, ok := validJobTransitions[s]
	if !ok {
		return false
	}
	return edges[next]
}

// JobEvent is an append-only audit record of job lifecycle activity,
// reported by in-process tools or by a sandboxed worker via the protocol
// in internal/tools/sandbox.
type JobEvent struct {
	ID        string         `json:"id"`
	JobID     string         `json:"job_id"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// SandboxJob records the per-job sandbox execution metadata: the container
// reference, declared capability surface, and resource limits.
type SandboxJob struct {
	JobID            string        `json:"job_id"`
	ContainerRef     string        `json:"container_ref,omitempty"`
	AllowedHosts     []string      `json:"allowed_hosts,omitempty"`
	AllowedSecrets   []string      `json:"allowed_secrets,omitempty"`
	MemoryLimitMB    int           `json:"memory_limit_mb"`
	CPUShares        int           `json:"cpu_shares"`
	WallClockTimeout time.Duration `json:"wall_clock_timeout"`
	FuelBudget       int64         `json:"fuel_budget,omitempty"`
	TokenTTL         time.Duration `json:"token_ttl"`
}

// PendingApproval is a tool call suspended pending the user's explicit
// approve/always/deny decision.
type PendingApproval struct {
	RequestID  string         `json:"request_id"`
	ThreadID   string         `json:"thread_id"`
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// LlmCallRecord is a telemetry/audit row for a single LLM completion call.
type LlmCallRecord struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"thread_id"`
	TurnID       string    `json:"turn_id,omitempty"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	FinishReason string    `json:"finish_reason"`
	CreatedAt    time.Time `json:"created_at"`
}

// EstimationSnapshot records a point-in-time cost/token estimate used by
// analytics and budget forecasting.
type EstimationSnapshot struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	EstCostUSD  float64   `json:"est_cost_usd"`
	ActualCost  float64   `json:"actual_cost_usd"`
	CreatedAt   time.Time `json:"created_at"`
}

// ToolFailure tracks consecutive failures for a tool, feeding the
// self-repair background task's tool-breaker logic.
type ToolFailure struct {
	ToolName            string    `json:"tool_name"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Broken              bool      `json:"broken"`
	LastFailureAt       time.Time `json:"last_failure_at"`
	LastFailureReason   string    `json:"last_failure_reason,omitempty"`
}
