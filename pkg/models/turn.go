package models

import "time"

// TurnState is the lifecycle state of a single Turn.
type TurnState string

const (
	TurnPending     TurnState = "pending"
	TurnInProgress  TurnState = "in_progress"
	TurnCompleted   TurnState = "completed"
	TurnFailed      TurnState = "failed"
	TurnInterrupted TurnState = "interrupted"
)

// Turn pairs one user request with the assistant's eventual response.
// Once Completed or Failed, a Turn is immutable apart from the thread's
// undo-stack reference to it.
type Turn struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"thread_id"`
	TurnNumber   int       `json:"turn_number"`
	UserInput    string    `json:"user_input"`
	Response     string    `json:"response,omitempty"`
	State        TurnState `json:"state"`
	Actions      []Action  `json:"actions,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	FailReason   string    `json:"fail_reason,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
}

// TotalCost sums the turn's own LLM cost with every recorded Action's cost,
// satisfying the invariant that a completed turn's cost equals the sum of
// its actions' costs plus its LLM-call costs.
func (t *Turn) TotalCost() float64 {
	total := t.CostUSD
	for _, a := range t.Actions {
		total += a.CostUSD
	}
	return total
}

// Action is a single tool invocation performed during a turn. Actions are
// append-only within their turn.
type Action struct {
	ID            string         `json:"id"`
	TurnID        string         `json:"turn_id"`
	ToolName      string         `json:"tool_name"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	Duration      time.Duration  `json:"duration"`
	CostUSD       float64        `json:"cost_usd"`
	BeforeVerdict string         `json:"before_verdict,omitempty"`
	AfterVerdict  string         `json:"after_verdict,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
