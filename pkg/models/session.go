package models

import "time"

// Session groups all threads belonging to a single user. A session has
// exactly one active thread at all times and a set of tool names that have
// been auto-approved for the lifetime of the session.
type Session struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	ActiveThreadID   string          `json:"active_thread_id"`
	AutoApprovedTool map[string]bool `json:"auto_approved_tools"`
	CreatedAt        time.Time       `json:"created_at"`
	LastActiveAt     time.Time       `json:"last_active_at"`
}

// NewSession constructs a session for userID with a single active thread.
func NewSession(userID, activeThreadID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:               NewID(),
		UserID:           userID,
		ActiveThreadID:   activeThreadID,
		AutoApprovedTool: make(map[string]bool),
		CreatedAt:        now,
		LastActiveAt:     now,
	}
}

// IsAutoApproved reports whether toolName has already been granted standing
// approval in this session.
func (s *Session) IsAutoApproved(toolName string) bool {
	if s == nil || s.AutoApprovedTool == nil {
		return false
	}
	return s.AutoApprovedTool[toolName]
}

// AutoApprove adds toolName to the session's standing-approval set.
func (s *Session) AutoApprove(toolName string) {
	if s.AutoApprovedTool == nil {
		s.AutoApprovedTool = make(map[string]bool)
	}
	s.AutoApprovedTool[toolName] = true
}

// ThreadState is the lifecycle state of a Thread.
type ThreadState string

const (
	ThreadIdle            ThreadState = "idle"
	ThreadProcessing      ThreadState = "processing"
	ThreadWaitingApproval ThreadState = "waiting_approval"
	ThreadStopped         ThreadState = "stopped"
)

// Thread is an ordered, independent sequence of turns within a session.
type Thread struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	UserID    string      `json:"user_id"`
	State     ThreadState `json:"state"`
	TurnCount int         `json:"turn_count"`
	Title     string      `json:"title,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`

	// PendingApprovalID, when non-empty, is the single PendingApproval
	// record attached while State == ThreadWaitingApproval.
	PendingApprovalID string `json:"pending_approval_id,omitempty"`
}

// NewThread constructs an idle thread for the given session.
func NewThread(sessionID, userID string) *Thread {
	now := time.Now().UTC()
	return &Thread{
		ID:        NewID(),
		SessionID: sessionID,
		UserID:    userID,
		State:     ThreadIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
