package models

import "time"

// MemoryDocument is a path-addressed document in the per-user workspace.
// The pair (UserID, Path) is unique.
type MemoryDocument struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Path           string     `json:"path"`
	Content        string     `json:"content"`
	Importance     float64    `json:"importance"`
	AccessCount    int64      `json:"access_count"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
	EventDate      *time.Time `json:"event_date,omitempty"`
	SourceURL      string     `json:"source_url,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// MemoryChunk is a derived, independently searchable fragment of a
// MemoryDocument. Chunks are recomputed atomically (delete-then-insert) on
// every document update.
type MemoryChunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"embedding,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ConnectionType enumerates the typed edges between two documents.
type ConnectionType string

const (
	ConnectionUpdates ConnectionType = "updates"
	ConnectionExtends ConnectionType = "extends"
	ConnectionDerives ConnectionType = "derives"
)

// MemoryConnection is a typed, directed edge between two documents.
// The triple (SourceID, TargetID, Type) is unique and SourceID must never
// equal TargetID.
type MemoryConnection struct {
	ID        string         `json:"id"`
	SourceID  string         `json:"source_id"`
	TargetID  string         `json:"target_id"`
	Type      ConnectionType `json:"connection_type"`
	Strength  float64        `json:"strength"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// MemorySpace is a named, per-user collection of documents.
type MemorySpace struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	DocumentIDs []string  `json:"document_ids,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ProfileType distinguishes durable facts from evolving observations.
type ProfileType string

const (
	ProfileStatic  ProfileType = "static"
	ProfileDynamic ProfileType = "dynamic"
)

// UserProfileEntry is a (UserID, Key)-unique row in the user's profile.
type UserProfileEntry struct {
	UserID     string      `json:"user_id"`
	Key        string      `json:"key"`
	Type       ProfileType `json:"profile_type"`
	Value      string      `json:"value"`
	Confidence float64     `json:"confidence"`
	Source     string      `json:"source,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// RoutineTriggerKind enumerates how a Routine fires.
type RoutineTriggerKind string

const (
	TriggerCron    RoutineTriggerKind = "cron"
	TriggerRegex   RoutineTriggerKind = "regex"
	TriggerWebhook RoutineTriggerKind = "webhook"
	TriggerManual  RoutineTriggerKind = "manual"
)

// Routine is a scheduled or event-triggered automatic turn.
type Routine struct {
	ID           string             `json:"id"`
	UserID       string             `json:"user_id"`
	Name         string             `json:"name"`
	TriggerKind  RoutineTriggerKind `json:"trigger_kind"`
	CronExpr     string             `json:"cron_expr,omitempty"`
	RegexPattern string             `json:"regex_pattern,omitempty"`
	SystemPrompt string             `json:"action"`
	Cooldown     time.Duration      `json:"cooldown"`
	Enabled      bool               `json:"enabled"`
	LastFiredAt  time.Time          `json:"last_fired_at,omitempty"`
	RunCount     int64              `json:"run_count"`
	CreatedAt    time.Time          `json:"created_at"`
}

// RoutineRun records one firing of a Routine.
type RoutineRun struct {
	ID        string    `json:"id"`
	RoutineID string    `json:"routine_id"`
	JobID     string    `json:"job_id,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	FiredAt   time.Time `json:"fired_at"`
}

// Setting is a per-user key/value configuration row.
type Setting struct {
	UserID    string    `json:"user_id"`
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SearchMode controls which retrieval strategies hybrid search combines.
type SearchMode string

const (
	SearchModeHybrid  SearchMode = "hybrid"
	SearchModeLexical SearchMode = "lexical"
	SearchModeVector  SearchMode = "vector"
)

// SearchFilters narrows a hybrid search to a subset of the workspace.
type SearchFilters struct {
	PathPrefix string
	Tags       []string
	SpaceID    string
}

// SearchResult is one ranked hit from a hybrid search.
type SearchResult struct {
	DocumentID string  `json:"document_id"`
	Path       string  `json:"path"`
	ChunkIndex int     `json:"chunk_index"`
	Snippet    string  `json:"snippet"`
	Score      float64 `json:"score"`
}
