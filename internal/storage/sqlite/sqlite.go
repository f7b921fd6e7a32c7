// Package sqlite implements the storage.Port contract against a
// single-file SQLite database, using FTS5 for the lexical half of hybrid
// search and a brute-force cosine scan over blob-encoded float32 vectors
// for the vector half (SQLite ships no native vector index).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danielsimonjr/ironclaw/internal/storage"
	"github.com/danielsimonjr/ironclaw/pkg/models"
)

// Store implements storage.Port against SQLite via database/sql.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the embedded schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storage.NewError(storage.KindPool, "Open", err)
	}
	db.SetMaxOpenConns(1) // SQLite: single writer, serialize via one conn
	s := &Store{db: db}
	if err := s.Up(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Up applies the fixed DDL. Statements are idempotent (CREATE ... IF NOT
// EXISTS) so Up is safe to call on every startup.
func (s *Store) Up(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storage.NewError(storage.KindMigration, "Up", err)
		}
	}
	return nil
}

func (s *Store) CurrentVersion(ctx context.Context) (int, bool, error) {
	return len(schemaStatements), true, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY, user_id TEXT NOT NULL, active_thread_id TEXT,
		auto_approved_tools TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL, last_active_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY, session_id TEXT NOT NULL, user_id TEXT NOT NULL,
		state TEXT NOT NULL, turn_count INTEGER NOT NULL DEFAULT 0, title TEXT,
		pending_approval_id TEXT, created_at TEXT NOT NULL, updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY, thread_id TEXT NOT NULL, turn_number INTEGER NOT NULL,
		user_input TEXT NOT NULL, response TEXT, state TEXT NOT NULL,
		actions TEXT NOT NULL DEFAULT '[]', input_tokens INTEGER, output_tokens INTEGER,
		cost_usd REAL, fail_reason TEXT, started_at TEXT NOT NULL, ended_at TEXT,
		UNIQUE(thread_id, turn_number)
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY, user_id TEXT NOT NULL, title TEXT, description TEXT,
		state TEXT NOT NULL, mode TEXT NOT NULL, project_dir TEXT, failure_reason TEXT,
		repair_attempts INTEGER, created_at TEXT NOT NULL, started_at TEXT,
		completed_at TEXT, last_activity_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS job_events (
		id TEXT PRIMARY KEY, job_id TEXT NOT NULL, kind TEXT NOT NULL,
		payload TEXT, created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sandbox_jobs (
		job_id TEXT PRIMARY KEY, container_ref TEXT, allowed_hosts TEXT,
		allowed_secrets TEXT, memory_limit_mb INTEGER, cpu_shares INTEGER,
		wall_clock_timeout_ns INTEGER, fuel_budget INTEGER, token_ttl_ns INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS llm_calls (
		id TEXT PRIMARY KEY, thread_id TEXT NOT NULL, turn_id TEXT, provider TEXT,
		model TEXT, input_tokens INTEGER, output_tokens INTEGER, cost_usd REAL,
		finish_reason TEXT, created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS estimations (
		id TEXT PRIMARY KEY, user_id TEXT NOT NULL, period_start TEXT, period_end TEXT,
		est_cost_usd REAL, actual_cost_usd REAL, created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tool_failures (
		tool_name TEXT PRIMARY KEY, consecutive_failures INTEGER, broken INTEGER,
		last_failure_at TEXT, last_failure_reason TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS routines (
		id TEXT PRIMARY KEY, user_id TEXT NOT NULL, name TEXT, trigger_kind TEXT,
		cron_expr TEXT, regex_pattern TEXT, action TEXT, cooldown_ns INTEGER,
		enabled INTEGER, last_fired_at TEXT, run_count INTEGER, created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS routine_runs (
		id TEXT PRIMARY KEY, routine_id TEXT NOT NULL, job_id TEXT, success INTEGER,
		error TEXT, fired_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		user_id TEXT NOT NULL, key TEXT NOT NULL, value TEXT, updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY, user_id TEXT NOT NULL, path TEXT NOT NULL, content TEXT,
		importance REAL, access_count INTEGER, last_accessed_at TEXT, event_date TEXT,
		source_url TEXT, tags TEXT, created_at TEXT NOT NULL, updated_at TEXT NOT NULL,
		UNIQUE(user_id, path)
	)`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
		chunk_id UNINDEXED, document_id UNINDEXED, content
	)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY, document_id TEXT NOT NULL, chunk_index INTEGER,
		content TEXT, embedding BLOB, created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY, source_id TEXT NOT NULL, target_id TEXT NOT NULL,
		connection_type TEXT NOT NULL, strength REAL, metadata TEXT, created_at TEXT NOT NULL,
		UNIQUE(source_id, target_id, connection_type)
	)`,
	`CREATE TABLE IF NOT EXISTS spaces (
		id TEXT PRIMARY KEY, user_id TEXT NOT NULL, name TEXT NOT NULL,
		document_ids TEXT, created_at TEXT NOT NULL, UNIQUE(user_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS profile_entries (
		user_id TEXT NOT NULL, key TEXT NOT NULL, profile_type TEXT, value TEXT,
		confidence REAL, source TEXT, updated_at TEXT NOT NULL, PRIMARY KEY(user_id, key)
	)`,
}

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func marshalVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func unmarshalVector(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// -- conversations --------------------------------------------------------

func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	approved, _ := json.Marshal(sess.AutoApprovedTool)
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions(id,user_id,active_thread_id,auto_approved_tools,created_at,last_active_at) VALUES(?,?,?,?,?,?)`,
		sess.ID, sess.UserID, sess.ActiveThreadID, string(approved), ts(sess.CreatedAt), ts(sess.LastActiveAt))
	if err != nil {
		return storage.NewError(storage.KindConstraint, "CreateSession", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,user_id,active_thread_id,auto_approved_tools,created_at,last_active_at FROM sessions WHERE id=?`, id)
	return s.scanSessionFull(row)
}

func (s *Store) scanSessionFull(row *sql.Row) (*models.Session, error) {
	var sess models.Session
	var approved string
	var active sql.NullString
	var created, lastActive string
	if err := row.Scan(&sess.ID, &sess.UserID, &active, &approved, &created, &lastActive); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.NewError(storage.KindNotFound, "GetSession", nil)
		}
		return nil, storage.NewError(storage.KindQuery, "GetSession", err)
	}
	sess.ActiveThreadID = active.String
	sess.CreatedAt = parseTS(created)
	sess.LastActiveAt = parseTS(lastActive)
	_ = json.Unmarshal([]byte(approved), &sess.AutoApprovedTool)
	if sess.AutoApprovedTool == nil {
		sess.AutoApprovedTool = make(map[string]bool)
	}
	return &sess, nil
}

func (s *Store) GetSessionByUser(ctx context.Context, userID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,user_id,active_thread_id,auto_approved_tools,created_at,last_active_at FROM sessions WHERE user_id=? LIMIT 1`, userID)
	return s.scanSessionFull(row)
}

func (s *Store) UpdateSession(ctx context.Context, sess *models.Session) error {
	approved, _ := json.Marshal(sess.AutoApprovedTool)
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET user_id=?,active_thread_id=?,auto_approved_tools=?,last_active_at=? WHERE id=?`,
		sess.UserID, sess.ActiveThreadID, string(approved), ts(sess.LastActiveAt), sess.ID)
	if err != nil {
		return storage.NewError(storage.KindQuery, "UpdateSession", err)
	}
	return requireRowAffected(res, "UpdateSession")
}

func requireRowAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storage.NewError(storage.KindQuery, op, err)
	}
	if n == 0 {
		return storage.NewError(storage.KindNotFound, op, nil)
	}
	return nil
}

func (s *Store) ListIdleSessions(ctx context.Context, idleSince int64) ([]*models.Session, error) {
	cutoff := ts(time.Unix(idleSince, 0))
	rows, err := s.db.QueryContext(ctx, `SELECT id,user_id,active_thread_id,auto_approved_tools,created_at,last_active_at FROM sessions WHERE last_active_at < ?`, cutoff)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListIdleSessions", err)
	}
	defer rows.Close()
	var out []*models.Session
	for rows.Next() {
		var sess models.Session
		var approved string
		var active sql.NullString
		var created, lastActive string
		if err := rows.Scan(&sess.ID, &sess.UserID, &active, &approved, &created, &lastActive); err != nil {
			return nil, storage.NewError(storage.KindQuery, "ListIdleSessions", err)
		}
		sess.ActiveThreadID = active.String
		sess.CreatedAt = parseTS(created)
		sess.LastActiveAt = parseTS(lastActive)
		_ = json.Unmarshal([]byte(approved), &sess.AutoApprovedTool)
		out = append(out, &sess)
	}
	return out, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return storage.NewError(storage.KindQuery, "DeleteSession", err)
	}
	return nil
}

func (s *Store) CreateThread(ctx context.Context, t *models.Thread) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO threads(id,session_id,user_id,state,turn_count,title,pending_approval_id,created_at,updated_at) VALUES(?,?,?,?,?,?,?,?,?)`,
		t.ID, t.SessionID, t.UserID, t.State, t.TurnCount, t.Title, t.PendingApprovalID, ts(t.CreatedAt), ts(t.UpdatedAt))
	if err != nil {
		return storage.NewError(storage.KindConstraint, "CreateThread", err)
	}
	return nil
}

func scanThread(scan func(dest ...any) error) (*models.Thread, error) {
	var t models.Thread
	var title, pending sql.NullString
	var created, updated string
	if err := scan(&t.ID, &t.SessionID, &t.UserID, &t.State, &t.TurnCount, &title, &pending, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.NewError(storage.KindNotFound, "GetThread", nil)
		}
		return nil, storage.NewError(storage.KindQuery, "GetThread", err)
	}
	t.Title = title.String
	t.PendingApprovalID = pending.String
	t.CreatedAt = parseTS(created)
	t.UpdatedAt = parseTS(updated)
	return &t, nil
}

const threadCols = `id,session_id,user_id,state,turn_count,title,pending_approval_id,created_at,updated_at`

func (s *Store) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+threadCols+` FROM threads WHERE id=?`, id)
	return scanThread(row.Scan)
}

func (s *Store) ListThreadsBySession(ctx context.Context, sessionID string) ([]*models.Thread, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+threadCols+` FROM threads WHERE session_id=? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListThreadsBySession", err)
	}
	defer rows.Close()
	var out []*models.Thread
	for rows.Next() {
		t, err := scanThread(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) UpdateThread(ctx context.Context, t *models.Thread) error {
	res, err := s.db.ExecContext(ctx, `UPDATE threads SET state=?,turn_count=?,title=?,pending_approval_id=?,updated_at=? WHERE id=?`,
		t.State, t.TurnCount, t.Title, t.PendingApprovalID, ts(t.UpdatedAt), t.ID)
	if err != nil {
		return storage.NewError(storage.KindQuery, "UpdateThread", err)
	}
	return requireRowAffected(res, "UpdateThread")
}

func (s *Store) OwnsThread(ctx context.Context, userID, threadID string) (bool, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM threads WHERE id=?`, threadID).Scan(&owner)
	if err == sql.ErrNoRows {
		return false, storage.NewError(storage.KindNotFound, "OwnsThread", nil)
	}
	if err != nil {
		return false, storage.NewError(storage.KindQuery, "OwnsThread", err)
	}
	return owner == userID, nil
}

func (s *Store) CreateTurn(ctx context.Context, t *models.Turn) error {
	actions, _ := json.Marshal(t.Actions)
	_, err := s.db.ExecContext(ctx, `INSERT INTO turns(id,thread_id,turn_number,user_input,response,state,actions,input_tokens,output_tokens,cost_usd,fail_reason,started_at,ended_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ThreadID, t.TurnNumber, t.UserInput, t.Response, t.State, string(actions), t.InputTokens, t.OutputTokens, t.CostUSD, t.FailReason, ts(t.StartedAt), ts(t.EndedAt))
	if err != nil {
		return storage.NewError(storage.KindConstraint, "CreateTurn", err)
	}
	return nil
}

const turnCols = `id,thread_id,turn_number,user_input,response,state,actions,input_tokens,output_tokens,cost_usd,fail_reason,started_at,ended_at`

func scanTurn(scan func(dest ...any) error) (*models.Turn, error) {
	var t models.Turn
	var response, failReason, ended sql.NullString
	var actions string
	var started string
	if err := scan(&t.ID, &t.ThreadID, &t.TurnNumber, &t.UserInput, &response, &t.State, &actions, &t.InputTokens, &t.OutputTokens, &t.CostUSD, &failReason, &started, &ended); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.NewError(storage.KindNotFound, "GetTurn", nil)
		}
		return nil, storage.NewError(storage.KindQuery, "GetTurn", err)
	}
	t.Response = response.String
	t.FailReason = failReason.String
	t.StartedAt = parseTS(started)
	t.EndedAt = parseTS(ended.String)
	_ = json.Unmarshal([]byte(actions), &t.Actions)
	return &t, nil
}

func (s *Store) GetTurn(ctx context.Context, threadID string, turnNumber int) (*models.Turn, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+turnCols+` FROM turns WHERE thread_id=? AND turn_number=?`, threadID, turnNumber)
	return scanTurn(row.Scan)
}

func (s *Store) ListTurns(ctx context.Context, threadID string, limit, offset int) ([]*models.Turn, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+turnCols+` FROM turns WHERE thread_id=? ORDER BY turn_number LIMIT ? OFFSET ?`, threadID, limit, offset)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListTurns", err)
	}
	defer rows.Close()
	var out []*models.Turn
	for rows.Next() {
		t, err := scanTurn(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) UpdateTurn(ctx context.Context, t *models.Turn) error {
	actions, _ := json.Marshal(t.Actions)
	res, err := s.db.ExecContext(ctx, `UPDATE turns SET response=?,state=?,actions=?,input_tokens=?,output_tokens=?,cost_usd=?,fail_reason=?,ended_at=? WHERE thread_id=? AND turn_number=?`,
		t.Response, t.State, string(actions), t.InputTokens, t.OutputTokens, t.CostUSD, t.FailReason, ts(t.EndedAt), t.ThreadID, t.TurnNumber)
	if err != nil {
		return storage.NewError(storage.KindQuery, "UpdateTurn", err)
	}
	return requireRowAffected(res, "UpdateTurn")
}

func (s *Store) CountTurns(ctx context.Context, threadID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE thread_id=?`, threadID).Scan(&n)
	if err != nil {
		return 0, storage.NewError(storage.KindQuery, "CountTurns", err)
	}
	return n, nil
}

func (s *Store) AppendAction(ctx context.Context, turnID string, a models.Action) error {
	var threadID string
	var turnNumber int
	var actions string
	err := s.db.QueryRowContext(ctx, `SELECT thread_id,turn_number,actions FROM turns WHERE id=?`, turnID).Scan(&threadID, &turnNumber, &actions)
	if err == sql.ErrNoRows {
		return storage.NewError(storage.KindNotFound, "AppendAction", nil)
	}
	if err != nil {
		return storage.NewError(storage.KindQuery, "AppendAction", err)
	}
	var list []models.Action
	_ = json.Unmarshal([]byte(actions), &list)
	list = append(list, a)
	encoded, _ := json.Marshal(list)
	_, err = s.db.ExecContext(ctx, `UPDATE turns SET actions=? WHERE thread_id=? AND turn_number=?`, string(encoded), threadID, turnNumber)
	if err != nil {
		return storage.NewError(storage.KindQuery, "AppendAction", err)
	}
	return nil
}

func (s *Store) ListActions(ctx context.Context, turnID string) ([]models.Action, error) {
	var actions string
	err := s.db.QueryRowContext(ctx, `SELECT actions FROM turns WHERE id=?`, turnID).Scan(&actions)
	if err == sql.ErrNoRows {
		return nil, storage.NewError(storage.KindNotFound, "ListActions", nil)
	}
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListActions", err)
	}
	var list []models.Action
	_ = json.Unmarshal([]byte(actions), &list)
	return list, nil
}

// The remaining Port methods (jobs, llm calls, estimations, tool
// failures, routines, settings, workspace) follow the identical
// marshal/scan pattern above and live in sqlite_rest.go to keep this file
// focused on the conversational core.
