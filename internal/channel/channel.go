// Package channel defines the channel port: the contract every
// input surface (terminal, HTTP webhook, WebSocket, sandboxed plug-in)
// implements, and the Manager that fans incoming messages in and routes
// responses/status events back out. Concrete adapters register by name;
// the Manager owns stream fan-in and response routing.
package channel

import (
	"context"
	"time"
)

// IncomingMessage is one inbound message from a channel.
type IncomingMessage struct {
	ID               string
	ChannelName      string
	UserID           string
	UserName         string
	Content          string
	ExternalThreadID string
	ReceivedAt       time.Time
	Metadata         map[string]string
}

// OutgoingResponse is the final text delivered back through the
// originating channel.
type OutgoingResponse struct {
	Content  string
	ThreadID string
	Metadata map[string]string
}

// StatusKind enumerates StatusUpdate's tagged variants.
type StatusKind string

const (
	StatusThinking       StatusKind = "thinking"
	StatusToolStarted    StatusKind = "tool_started"
	StatusToolCompleted  StatusKind = "tool_completed"
	StatusToolResult     StatusKind = "tool_result"
	StatusStreamChunk    StatusKind = "stream_chunk"
	StatusJobStarted     StatusKind = "job_started"
	StatusApprovalNeeded StatusKind = "approval_needed"
	StatusAuthRequired   StatusKind = "auth_required"
	StatusAuthCompleted  StatusKind = "auth_completed"
	StatusError          StatusKind = "error"
)

// StatusUpdate is a single status event streamed alongside a worker
// iteration. Only the fields relevant to Kind are populated.
type StatusUpdate struct {
	Kind StatusKind

	Text string // Thinking, StreamChunk

	ToolName string // ToolStarted, ToolCompleted, ToolResult
	Success  bool   // ToolCompleted
	Preview  string // ToolResult

	JobID string // JobStarted

	RequestID     string // ApprovalNeeded
	Tool          string // ApprovalNeeded
	ParamsPreview string // ApprovalNeeded

	Extension string // AuthRequired, AuthCompleted

	Message string // Error
}

// Channel is the contract every input surface implements.
type Channel interface {
	Name() string
	// Start begins delivering IncomingMessages on the returned channel
	// until ctx is cancelled or Shutdown is called.
	Start(ctx context.Context) (<-chan IncomingMessage, error)
	Respond(ctx context.Context, incoming *IncomingMessage, resp OutgoingResponse) error
	SendStatus(ctx context.Context, incoming *IncomingMessage, status StatusUpdate) error
	HealthCheck(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Broadcaster is an optional capability a Channel may implement to push a
// message to a user outside of any specific incoming-message context
// (e.g. a heartbeat delivery or a routine firing).
type Broadcaster interface {
	Broadcast(ctx context.Context, userID string, resp OutgoingResponse) error
}
