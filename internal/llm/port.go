// Package llm defines the backend-neutral LLM port: the request and
// response shapes every provider speaks, plus the failover wrapper that
// chains providers with per-provider cooldowns.
package llm

import "context"

// Role is who a Message is attributed to.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of conversation history passed to a provider.
type Message struct {
	Role Role
	// Content is the textual content of the message; empty for a
	// tool-only assistant turn carrying only ToolCalls.
	Content string
	// ToolCalls is set on an assistant message that requested tool
	// execution in a prior iteration.
	ToolCalls []ToolCall
	// ToolCallID correlates a RoleTool message with the ToolCall that
	// produced it.
	ToolCallID string
	// ToolName names the tool a RoleTool message answers on behalf of.
	ToolName string
}

// ToolCall is a single tool invocation the model requested.
type ToolCall struct {
	ID         string
	Name       string
	Parameters []byte // raw JSON object
}

// ToolSchema describes one tool the model may call, in the provider's
// function-calling shape.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  []byte // JSON-Schema, raw
}

// ToolChoice constrains which tool (if any) the model must call.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceRequired ToolChoice = "required"
)

// Request carries every parameter a completion call may need, including
// the ordered tool schema list and a continuation hint for providers that
// support server-side response chaining.
type Request struct {
	Model         string
	Messages      []Message
	System        string
	Temperature   *float64
	MaxTokens     int
	StopSequences []string
	Metadata      map[string]string
	Tools         []ToolSchema
	ToolChoice    ToolChoice
	// PriorResponseID, when non-empty and the provider supports chaining,
	// seeds this request from a previous response instead of replaying
	// the full Messages history.
	PriorResponseID string
}

// FinishReason is why the model stopped generating.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolUse       FinishReason = "tool_use"
	FinishContentFilter FinishReason = "content_filter"
	FinishUnknown       FinishReason = "unknown"
)

// Response is a provider's answer to a completion request.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason FinishReason
	InputTokens  int
	OutputTokens int
	// ResponseID is an opaque continuation handle for providers supporting
	// response chaining; empty when unsupported.
	ResponseID string
	Provider   string
	Model      string
}

// Provider is the backend-neutral LLM port every concrete binding implements.
type Provider interface {
	Name() string
	// Complete runs a plain completion with no tool schemas attached.
	Complete(ctx context.Context, req *Request) (*Response, error)
	// CompleteWithTools runs a completion where req.Tools is non-empty and
	// the response may carry ToolCalls instead of (or alongside) Text.
	CompleteWithTools(ctx context.Context, req *Request) (*Response, error)
	// CostPerToken returns the provider's USD cost per input and output
	// token, for per-turn cost aggregation.
	CostPerToken(model string) (inputUSD, outputUSD float64)
}
