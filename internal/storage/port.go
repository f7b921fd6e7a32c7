package storage

import (
	"context"

	"github.com/danielsimonjr/ironclaw/pkg/models"
)

// ConversationStore persists sessions, threads, turns, and actions — the
// conversational half of the data model.
type ConversationStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetSessionByUser(ctx context.Context, userID string) (*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	ListIdleSessions(ctx context.Context, idleSince int64) ([]*models.Session, error)
	DeleteSession(ctx context.Context, id string) error

	CreateThread(ctx context.Context, t *models.Thread) error
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	ListThreadsBySession(ctx context.Context, sessionID string) ([]*models.Thread, error)
	UpdateThread(ctx context.Context, t *models.Thread) error
	OwnsThread(ctx context.Context, userID, threadID string) (bool, error)

	CreateTurn(ctx context.Context, t *models.Turn) error
	GetTurn(ctx context.Context, threadID string, turnNumber int) (*models.Turn, error)
	ListTurns(ctx context.Context, threadID string, limit, offset int) ([]*models.Turn, error)
	UpdateTurn(ctx context.Context, t *models.Turn) error
	CountTurns(ctx context.Context, threadID string) (int, error)

	AppendAction(ctx context.Context, turnID string, a models.Action) error
	ListActions(ctx context.Context, turnID string) ([]models.Action, error)
}

// JobStore persists Jobs and their audit JobEvents.
type JobStore interface {
	CreateJob(ctx context.Context, j *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, userID string, states []models.JobState, limit, offset int) ([]*models.Job, error)
	UpdateJob(ctx context.Context, j *models.Job) error
	OwnsJob(ctx context.Context, userID, jobID string) (bool, error)
	ListStuckCandidates(ctx context.Context, lastActivityBefore int64) ([]*models.Job, error)

	AppendJobEvent(ctx context.Context, e *models.JobEvent) error
	ListJobEvents(ctx context.Context, jobID string, limit, offset int) ([]*models.JobEvent, error)

	UpsertSandboxJob(ctx context.Context, sj *models.SandboxJob) error
	GetSandboxJob(ctx context.Context, jobID string) (*models.SandboxJob, error)
}

// LlmCallStore persists per-call cost/token telemetry and rollups.
type LlmCallStore interface {
	RecordLlmCall(ctx context.Context, r *models.LlmCallRecord) error
	ListLlmCalls(ctx context.Context, threadID string, limit, offset int) ([]*models.LlmCallRecord, error)
	SumLlmCost(ctx context.Context, threadID string) (float64, error)

	RecordEstimation(ctx context.Context, e *models.EstimationSnapshot) error
	LatestEstimation(ctx context.Context, userID string) (*models.EstimationSnapshot, error)
}

// ToolFailureStore persists per-tool consecutive-failure counters feeding
// the self-repair background task's tool-breaker.
type ToolFailureStore interface {
	RecordToolFailure(ctx context.Context, toolName, reason string) (*models.ToolFailure, error)
	RecordToolSuccess(ctx context.Context, toolName string) error
	GetToolFailure(ctx context.Context, toolName string) (*models.ToolFailure, error)
	ListBrokenTools(ctx context.Context) ([]*models.ToolFailure, error)
	// ListFailingTools returns tools whose consecutive-failure count has
	// reached threshold but that aren't marked broken yet, the self-repair
	// background task's scan target before it calls MarkBroken.
	ListFailingTools(ctx context.Context, threshold int) ([]*models.ToolFailure, error)
	// MarkBroken flags toolName broken once its consecutive-failure streak
	// reaches threshold, feeding the self-repair background task's
	// tool-breaker.
	MarkBroken(ctx context.Context, toolName string, threshold int) (bool, error)
}

// RoutineStore persists Routines and their RoutineRuns.
type RoutineStore interface {
	CreateRoutine(ctx context.Context, r *models.Routine) error
	GetRoutine(ctx context.Context, id string) (*models.Routine, error)
	ListRoutines(ctx context.Context, userID string, enabledOnly bool) ([]*models.Routine, error)
	UpdateRoutine(ctx context.Context, r *models.Routine) error
	DeleteRoutine(ctx context.Context, id string) error

	RecordRoutineRun(ctx context.Context, run *models.RoutineRun) error
	ListRoutineRuns(ctx context.Context, routineID string, limit int) ([]*models.RoutineRun, error)
}

// SettingsStore persists arbitrary per-user key/value settings.
type SettingsStore interface {
	GetSetting(ctx context.Context, userID, key string) (*models.Setting, error)
	ListSettings(ctx context.Context, userID string) (map[string]any, error)
	PutSetting(ctx context.Context, s *models.Setting) error
	// PutSettingsBulk writes the full map atomically; a subsequent read of
	// all settings for userID returns exactly this map.
	PutSettingsBulk(ctx context.Context, userID string, values map[string]any) error
	DeleteSetting(ctx context.Context, userID, key string) error
}

// WorkspaceStore persists workspace documents, their derived chunks, and
// exposes the hybrid-search port operation.
type WorkspaceStore interface {
	PutDocument(ctx context.Context, d *models.MemoryDocument) error
	GetDocument(ctx context.Context, userID, path string) (*models.MemoryDocument, error)
	GetDocumentByID(ctx context.Context, id string) (*models.MemoryDocument, error)
	ListDocuments(ctx context.Context, userID, pathPrefix string) ([]*models.MemoryDocument, error)
	DeleteDocument(ctx context.Context, userID, path string) error
	TouchDocumentAccess(ctx context.Context, id string) error

	// ReplaceChunks atomically deletes all chunks for documentID and
	// inserts the given replacement set.
	ReplaceChunks(ctx context.Context, documentID string, chunks []*models.MemoryChunk) error
	ListChunks(ctx context.Context, documentID string) ([]*models.MemoryChunk, error)

	// LexicalSearch returns up to limit (chunk_id, rank) hits ordered by
	// relevance for the backend's full-text index.
	LexicalSearch(ctx context.Context, userID, query string, limit int, filters models.SearchFilters) ([]RankedChunk, error)
	// VectorSearch returns up to limit (chunk_id, rank) hits ordered by
	// cosine/inner-product similarity to queryEmbedding. Returns
	// ErrVectorUnsupported if the backend has no vector index.
	VectorSearch(ctx context.Context, userID string, queryEmbedding []float32, limit int, filters models.SearchFilters) ([]RankedChunk, error)

	CreateConnection(ctx context.Context, c *models.MemoryConnection) error
	ListConnections(ctx context.Context, documentID string, maxDepth int) ([]*models.MemoryConnection, error)
	DeleteConnection(ctx context.Context, id string) error

	CreateSpace(ctx context.Context, s *models.MemorySpace) error
	GetSpace(ctx context.Context, userID, name string) (*models.MemorySpace, error)
	ListSpaces(ctx context.Context, userID string) ([]*models.MemorySpace, error)
	AddToSpace(ctx context.Context, spaceID, documentID string) error

	PutProfileEntry(ctx context.Context, e *models.UserProfileEntry) error
	GetProfileEntry(ctx context.Context, userID, key string) (*models.UserProfileEntry, error)
	ListProfileEntries(ctx context.Context, userID string, profileType models.ProfileType) ([]*models.UserProfileEntry, error)
}

// RankedChunk is one row of a single-strategy (lexical or vector) search,
// prior to reciprocal rank fusion.
type RankedChunk struct {
	ChunkID    string
	DocumentID string
	Rank       int // 1-based; lower is better
}

// Migrator exposes the current applied schema version for `doctor`-style
// introspection.
type Migrator interface {
	CurrentVersion(ctx context.Context) (int, bool, error)
	Up(ctx context.Context) error
}

// Port is the complete backend-neutral persistence contract. Two dialects
// (SQLite, Postgres) implement Port with identical observable semantics;
// see internal/storage/sqlite and internal/storage/postgres.
type Port interface {
	ConversationStore
	JobStore
	LlmCallStore
	ToolFailureStore
	RoutineStore
	SettingsStore
	WorkspaceStore
	Migrator

	Close() error
}
