// Package postgres implements the storage.Port contract against
// PostgreSQL, using tsvector/GIN for the lexical half of hybrid search
// and the pgvector extension for the vector half — the production
// dialect's answer to the approximate-NN gap the SQLite dialect leaves
// as a brute-force scan. Runs on jackc/pgx/v5's native connection pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/danielsimonjr/ironclaw/internal/storage"
	"github.com/danielsimonjr/ironclaw/pkg/models"
)

// Store implements storage.Port against PostgreSQL via a pgx connection
// pool.
type Store struct {
	pool      *pgxpool.Pool
	dimension int
}

// Config configures Open.
type Config struct {
	// DSN is the PostgreSQL connection string (e.g. "postgres://...").
	DSN string
	// Dimension is the embedding vector width chunks.embedding is
	// declared with; callers must reindex on dimension change.
	Dimension int
}

// Open connects to Postgres and applies the fixed DDL, including
// `CREATE EXTENSION IF NOT EXISTS vector` for pgvector.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Dimension <= 0 {
		cfg.Dimension = 768
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, storage.NewError(storage.KindPool, "Open", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storage.NewError(storage.KindPool, "Open", err)
	}
	s := &Store{pool: pool, dimension: cfg.Dimension}
	if err := s.Up(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Up applies the fixed, idempotent DDL (`CREATE TABLE IF NOT EXISTS`)
// on every startup; schema-version reporting lives in storage/migrate.
func (s *Store) Up(ctx context.Context) error {
	for _, stmt := range s.schemaStatements() {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return storage.NewError(storage.KindMigration, "Up", err)
		}
	}
	return nil
}

func (s *Store) CurrentVersion(ctx context.Context) (int, bool, error) {
	return len(s.schemaStatements()), true, nil
}

func (s *Store) schemaStatements() []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY, user_id TEXT NOT NULL, active_thread_id TEXT,
			auto_approved_tools JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL, last_active_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY, session_id TEXT NOT NULL, user_id TEXT NOT NULL,
			state TEXT NOT NULL, turn_count INTEGER NOT NULL DEFAULT 0, title TEXT,
			pending_approval_id TEXT, created_at TIMESTAMPTZ NOT NULL, updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY, thread_id TEXT NOT NULL, turn_number INTEGER NOT NULL,
			user_input TEXT NOT NULL, response TEXT, state TEXT NOT NULL,
			actions JSONB NOT NULL DEFAULT '[]', input_tokens INTEGER, output_tokens INTEGER,
			cost_usd DOUBLE PRECISION, fail_reason TEXT, started_at TIMESTAMPTZ NOT NULL, ended_at TIMESTAMPTZ,
			UNIQUE(thread_id, turn_number)
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY, user_id TEXT NOT NULL, title TEXT, description TEXT,
			state TEXT NOT NULL, mode TEXT NOT NULL, project_dir TEXT, failure_reason TEXT,
			repair_attempts INTEGER, created_at TIMESTAMPTZ NOT NULL, started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ, last_activity_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS job_events (
			id TEXT PRIMARY KEY, job_id TEXT NOT NULL, kind TEXT NOT NULL,
			payload JSONB, created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sandbox_jobs (
			job_id TEXT PRIMARY KEY, container_ref TEXT, allowed_hosts JSONB, allowed_secrets JSONB,
			memory_limit_mb INTEGER, cpu_shares INTEGER, wall_clock_timeout_ns BIGINT,
			fuel_budget BIGINT, token_ttl_ns BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS llm_calls (
			id TEXT PRIMARY KEY, thread_id TEXT NOT NULL, turn_id TEXT, provider TEXT,
			model TEXT, input_tokens INTEGER, output_tokens INTEGER, cost_usd DOUBLE PRECISION,
			finish_reason TEXT, created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS estimations (
			id TEXT PRIMARY KEY, user_id TEXT NOT NULL, period_start TIMESTAMPTZ, period_end TIMESTAMPTZ,
			est_cost_usd DOUBLE PRECISION, actual_cost_usd DOUBLE PRECISION, created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tool_failures (
			tool_name TEXT PRIMARY KEY, consecutive_failures INTEGER, broken BOOLEAN,
			last_failure_at TIMESTAMPTZ, last_failure_reason TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS routines (
			id TEXT PRIMARY KEY, user_id TEXT NOT NULL, name TEXT, trigger_kind TEXT,
			cron_expr TEXT, regex_pattern TEXT, action TEXT, cooldown_ns BIGINT,
			enabled BOOLEAN, last_fired_at TIMESTAMPTZ, run_count BIGINT, created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS routine_runs (
			id TEXT PRIMARY KEY, routine_id TEXT NOT NULL, job_id TEXT, success BOOLEAN,
			error TEXT, fired_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			user_id TEXT NOT NULL, key TEXT NOT NULL, value JSONB, updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY, user_id TEXT NOT NULL, path TEXT NOT NULL, content TEXT,
			importance DOUBLE PRECISION, access_count BIGINT, last_accessed_at TIMESTAMPTZ,
			event_date TIMESTAMPTZ, source_url TEXT, tags JSONB,
			created_at TIMESTAMPTZ NOT NULL, updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE(user_id, path)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY, document_id TEXT NOT NULL, chunk_index INTEGER,
			content TEXT, content_tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', coalesce(content, ''))) STORED,
			embedding vector(%d), created_at TIMESTAMPTZ NOT NULL
		)`, s.dimension),
		`CREATE INDEX IF NOT EXISTS chunks_tsv_idx ON chunks USING GIN (content_tsv)`,
		`CREATE INDEX IF NOT EXISTS chunks_document_idx ON chunks (document_id)`,
		`CREATE TABLE IF NOT EXISTS connections (
			id TEXT PRIMARY KEY, source_id TEXT NOT NULL, target_id TEXT NOT NULL,
			connection_type TEXT NOT NULL, strength DOUBLE PRECISION, metadata JSONB, created_at TIMESTAMPTZ NOT NULL,
			UNIQUE(source_id, target_id, connection_type)
		)`,
		`CREATE TABLE IF NOT EXISTS spaces (
			id TEXT PRIMARY KEY, user_id TEXT NOT NULL, name TEXT NOT NULL,
			document_ids JSONB, created_at TIMESTAMPTZ NOT NULL, UNIQUE(user_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS profile_entries (
			user_id TEXT NOT NULL, key TEXT NOT NULL, profile_type TEXT, value TEXT,
			confidence DOUBLE PRECISION, source TEXT, updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY(user_id, key)
		)`,
	}
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func fromNullTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// vectorLiteral renders v as a pgvector input literal, e.g. "[0.1,0.2]".
// pgx sends this as a plain string parameter; Postgres casts it via the
// query's explicit ::vector cast.
func vectorLiteral(v []float32) *string {
	if len(v) == 0 {
		return nil
	}
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = fmt.Sprintf("%g", f)
	}
	lit := "[" + strings.Join(parts, ",") + "]"
	return &lit
}

func isNoRows(err error) bool { return err == pgx.ErrNoRows }

// -- conversations --------------------------------------------------------

func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	approved, _ := json.Marshal(sess.AutoApprovedTool)
	_, err := s.pool.Exec(ctx, `INSERT INTO sessions(id,user_id,active_thread_id,auto_approved_tools,created_at,last_active_at) VALUES($1,$2,$3,$4,$5,$6)`,
		sess.ID, sess.UserID, sess.ActiveThreadID, approved, sess.CreatedAt.UTC(), sess.LastActiveAt.UTC())
	if err != nil {
		return storage.NewError(storage.KindConstraint, "CreateSession", err)
	}
	return nil
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var sess models.Session
	var approved []byte
	var active *string
	if err := row.Scan(&sess.ID, &sess.UserID, &active, &approved, &sess.CreatedAt, &sess.LastActiveAt); err != nil {
		if isNoRows(err) {
			return nil, storage.NewError(storage.KindNotFound, "GetSession", nil)
		}
		return nil, storage.NewError(storage.KindQuery, "GetSession", err)
	}
	if active != nil {
		sess.ActiveThreadID = *active
	}
	_ = json.Unmarshal(approved, &sess.AutoApprovedTool)
	if sess.AutoApprovedTool == nil {
		sess.AutoApprovedTool = make(map[string]bool)
	}
	return &sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT id,user_id,active_thread_id,auto_approved_tools,created_at,last_active_at FROM sessions WHERE id=$1`, id)
	return scanSession(row)
}

func (s *Store) GetSessionByUser(ctx context.Context, userID string) (*models.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT id,user_id,active_thread_id,auto_approved_tools,created_at,last_active_at FROM sessions WHERE user_id=$1 LIMIT 1`, userID)
	return scanSession(row)
}

func (s *Store) UpdateSession(ctx context.Context, sess *models.Session) error {
	approved, _ := json.Marshal(sess.AutoApprovedTool)
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET user_id=$1,active_thread_id=$2,auto_approved_tools=$3,last_active_at=$4 WHERE id=$5`,
		sess.UserID, sess.ActiveThreadID, approved, sess.LastActiveAt.UTC(), sess.ID)
	if err != nil {
		return storage.NewError(storage.KindQuery, "UpdateSession", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.NewError(storage.KindNotFound, "UpdateSession", nil)
	}
	return nil
}

func (s *Store) ListIdleSessions(ctx context.Context, idleSince int64) ([]*models.Session, error) {
	cutoff := time.Unix(idleSince, 0).UTC()
	rows, err := s.pool.Query(ctx, `SELECT id,user_id,active_thread_id,auto_approved_tools,created_at,last_active_at FROM sessions WHERE last_active_at < $1`, cutoff)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListIdleSessions", err)
	}
	defer rows.Close()
	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id=$1`, id)
	if err != nil {
		return storage.NewError(storage.KindQuery, "DeleteSession", err)
	}
	return nil
}

const threadCols = `id,session_id,user_id,state,turn_count,title,pending_approval_id,created_at,updated_at`

func scanThread(row pgx.Row) (*models.Thread, error) {
	var t models.Thread
	var title, pending *string
	if err := row.Scan(&t.ID, &t.SessionID, &t.UserID, &t.State, &t.TurnCount, &title, &pending, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if isNoRows(err) {
			return nil, storage.NewError(storage.KindNotFound, "GetThread", nil)
		}
		return nil, storage.NewError(storage.KindQuery, "GetThread", err)
	}
	if title != nil {
		t.Title = *title
	}
	if pending != nil {
		t.PendingApprovalID = *pending
	}
	return &t, nil
}

func (s *Store) CreateThread(ctx context.Context, t *models.Thread) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO threads(`+threadCols+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		t.ID, t.SessionID, t.UserID, t.State, t.TurnCount, nullStr(t.Title), nullStr(t.PendingApprovalID), t.CreatedAt.UTC(), t.UpdatedAt.UTC())
	if err != nil {
		return storage.NewError(storage.KindConstraint, "CreateThread", err)
	}
	return nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *Store) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+threadCols+` FROM threads WHERE id=$1`, id)
	return scanThread(row)
}

func (s *Store) ListThreadsBySession(ctx context.Context, sessionID string) ([]*models.Thread, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+threadCols+` FROM threads WHERE session_id=$1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListThreadsBySession", err)
	}
	defer rows.Close()
	var out []*models.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateThread(ctx context.Context, t *models.Thread) error {
	tag, err := s.pool.Exec(ctx, `UPDATE threads SET state=$1,turn_count=$2,title=$3,pending_approval_id=$4,updated_at=$5 WHERE id=$6`,
		t.State, t.TurnCount, nullStr(t.Title), nullStr(t.PendingApprovalID), t.UpdatedAt.UTC(), t.ID)
	if err != nil {
		return storage.NewError(storage.KindQuery, "UpdateThread", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.NewError(storage.KindNotFound, "UpdateThread", nil)
	}
	return nil
}

func (s *Store) OwnsThread(ctx context.Context, userID, threadID string) (bool, error) {
	var owner string
	err := s.pool.QueryRow(ctx, `SELECT user_id FROM threads WHERE id=$1`, threadID).Scan(&owner)
	if isNoRows(err) {
		return false, storage.NewError(storage.KindNotFound, "OwnsThread", nil)
	}
	if err != nil {
		return false, storage.NewError(storage.KindQuery, "OwnsThread", err)
	}
	return owner == userID, nil
}

const turnCols = `id,thread_id,turn_number,user_input,response,state,actions,input_tokens,output_tokens,cost_usd,fail_reason,started_at,ended_at`

func scanTurn(row pgx.Row) (*models.Turn, error) {
	var t models.Turn
	var response, failReason *string
	var ended *time.Time
	var actions []byte
	if err := row.Scan(&t.ID, &t.ThreadID, &t.TurnNumber, &t.UserInput, &response, &t.State, &actions, &t.InputTokens, &t.OutputTokens, &t.CostUSD, &failReason, &t.StartedAt, &ended); err != nil {
		if isNoRows(err) {
			return nil, storage.NewError(storage.KindNotFound, "GetTurn", nil)
		}
		return nil, storage.NewError(storage.KindQuery, "GetTurn", err)
	}
	if response != nil {
		t.Response = *response
	}
	if failReason != nil {
		t.FailReason = *failReason
	}
	t.EndedAt = fromNullTime(ended)
	_ = json.Unmarshal(actions, &t.Actions)
	return &t, nil
}

func (s *Store) CreateTurn(ctx context.Context, t *models.Turn) error {
	actions, _ := json.Marshal(t.Actions)
	_, err := s.pool.Exec(ctx, `INSERT INTO turns(`+turnCols+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		t.ID, t.ThreadID, t.TurnNumber, t.UserInput, nullStr(t.Response), t.State, actions, t.InputTokens, t.OutputTokens, t.CostUSD, nullStr(t.FailReason), t.StartedAt.UTC(), nullTime(t.EndedAt))
	if err != nil {
		return storage.NewError(storage.KindConstraint, "CreateTurn", err)
	}
	return nil
}

func (s *Store) GetTurn(ctx context.Context, threadID string, turnNumber int) (*models.Turn, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+turnCols+` FROM turns WHERE thread_id=$1 AND turn_number=$2`, threadID, turnNumber)
	return scanTurn(row)
}

func (s *Store) ListTurns(ctx context.Context, threadID string, limit, offset int) ([]*models.Turn, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := s.pool.Query(ctx, `SELECT `+turnCols+` FROM turns WHERE thread_id=$1 ORDER BY turn_number LIMIT $2 OFFSET $3`, threadID, limit, offset)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListTurns", err)
	}
	defer rows.Close()
	var out []*models.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTurn(ctx context.Context, t *models.Turn) error {
	actions, _ := json.Marshal(t.Actions)
	tag, err := s.pool.Exec(ctx, `UPDATE turns SET response=$1,state=$2,actions=$3,input_tokens=$4,output_tokens=$5,cost_usd=$6,fail_reason=$7,ended_at=$8 WHERE thread_id=$9 AND turn_number=$10`,
		nullStr(t.Response), t.State, actions, t.InputTokens, t.OutputTokens, t.CostUSD, nullStr(t.FailReason), nullTime(t.EndedAt), t.ThreadID, t.TurnNumber)
	if err != nil {
		return storage.NewError(storage.KindQuery, "UpdateTurn", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.NewError(storage.KindNotFound, "UpdateTurn", nil)
	}
	return nil
}

func (s *Store) CountTurns(ctx context.Context, threadID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM turns WHERE thread_id=$1`, threadID).Scan(&n)
	if err != nil {
		return 0, storage.NewError(storage.KindQuery, "CountTurns", err)
	}
	return n, nil
}

func (s *Store) AppendAction(ctx context.Context, turnID string, a models.Action) error {
	var threadID string
	var turnNumber int
	var actions []byte
	err := s.pool.QueryRow(ctx, `SELECT thread_id,turn_number,actions FROM turns WHERE id=$1`, turnID).Scan(&threadID, &turnNumber, &actions)
	if isNoRows(err) {
		return storage.NewError(storage.KindNotFound, "AppendAction", nil)
	}
	if err != nil {
		return storage.NewError(storage.KindQuery, "AppendAction", err)
	}
	var list []models.Action
	_ = json.Unmarshal(actions, &list)
	list = append(list, a)
	encoded, _ := json.Marshal(list)
	_, err = s.pool.Exec(ctx, `UPDATE turns SET actions=$1 WHERE thread_id=$2 AND turn_number=$3`, encoded, threadID, turnNumber)
	if err != nil {
		return storage.NewError(storage.KindQuery, "AppendAction", err)
	}
	return nil
}

func (s *Store) ListActions(ctx context.Context, turnID string) ([]models.Action, error) {
	var actions []byte
	err := s.pool.QueryRow(ctx, `SELECT actions FROM turns WHERE id=$1`, turnID).Scan(&actions)
	if isNoRows(err) {
		return nil, storage.NewError(storage.KindNotFound, "ListActions", nil)
	}
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListActions", err)
	}
	var list []models.Action
	_ = json.Unmarshal(actions, &list)
	return list, nil
}

var _ storage.Port = (*Store)(nil)
