package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/storage"
	"github.com/danielsimonjr/ironclaw/pkg/models"
)

// -- jobs -------------------------------------------------------------

func (s *Store) CreateJob(ctx context.Context, j *models.Job) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs(id,user_id,title,description,state,mode,project_dir,failure_reason,repair_attempts,created_at,started_at,completed_at,last_activity_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.UserID, j.Title, j.Description, j.State, j.Mode, j.ProjectDir, j.FailureReason, j.RepairAttempts,
		ts(j.CreatedAt), ts(j.StartedAt), ts(j.CompletedAt), ts(j.LastActivityAt))
	if err != nil {
		return storage.NewError(storage.KindConstraint, "CreateJob", err)
	}
	return nil
}

const jobCols = `id,user_id,title,description,state,mode,project_dir,failure_reason,repair_attempts,created_at,started_at,completed_at,last_activity_at`

func scanJob(scan func(dest ...any) error) (*models.Job, error) {
	var j models.Job
	var projectDir, failureReason, started, completed sql.NullString
	var created, lastActivity string
	if err := scan(&j.ID, &j.UserID, &j.Title, &j.Description, &j.State, &j.Mode, &projectDir, &failureReason,
		&j.RepairAttempts, &created, &started, &completed, &lastActivity); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.NewError(storage.KindNotFound, "GetJob", nil)
		}
		return nil, storage.NewError(storage.KindQuery, "GetJob", err)
	}
	j.ProjectDir = projectDir.String
	j.FailureReason = failureReason.String
	j.CreatedAt = parseTS(created)
	j.StartedAt = parseTS(started.String)
	j.CompletedAt = parseTS(completed.String)
	j.LastActivityAt = parseTS(lastActivity)
	return &j, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

func (s *Store) ListJobs(ctx context.Context, userID string, states []models.JobState, limit, offset int) ([]*models.Job, error) {
	query := `SELECT ` + jobCols + ` FROM jobs WHERE 1=1`
	args := []any{}
	if userID != "" {
		query += ` AND user_id=?`
		args = append(args, userID)
	}
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, st := range states {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += ` AND state IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_at LIMIT ? OFFSET ?`
	if limit <= 0 {
		limit = 1 << 30
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListJobs", err)
	}
	defer rows.Close()
	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *Store) UpdateJob(ctx context.Context, j *models.Job) error {
	var current models.JobState
	err := s.db.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id=?`, j.ID).Scan(&current)
	if err == sql.ErrNoRows {
		return storage.NewError(storage.KindNotFound, "UpdateJob", nil)
	}
	if err != nil {
		return storage.NewError(storage.KindQuery, "UpdateJob", err)
	}
	if current != j.State && !current.CanTransition(j.State) {
		return storage.NewError(storage.KindConstraint, "UpdateJob: illegal transition", nil)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET title=?,description=?,state=?,mode=?,project_dir=?,failure_reason=?,repair_attempts=?,started_at=?,completed_at=?,last_activity_at=? WHERE id=?`,
		j.Title, j.Description, j.State, j.Mode, j.ProjectDir, j.FailureReason, j.RepairAttempts,
		ts(j.StartedAt), ts(j.CompletedAt), ts(j.LastActivityAt), j.ID)
	if err != nil {
		return storage.NewError(storage.KindQuery, "UpdateJob", err)
	}
	return requireRowAffected(res, "UpdateJob")
}

func (s *Store) OwnsJob(ctx context.Context, userID, jobID string) (bool, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM jobs WHERE id=?`, jobID).Scan(&owner)
	if err == sql.ErrNoRows {
		return false, storage.NewError(storage.KindNotFound, "OwnsJob", nil)
	}
	if err != nil {
		return false, storage.NewError(storage.KindQuery, "OwnsJob", err)
	}
	return owner == userID, nil
}

func (s *Store) ListStuckCandidates(ctx context.Context, lastActivityBefore int64) ([]*models.Job, error) {
	cutoff := ts(time.Unix(lastActivityBefore, 0))
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE state=? AND last_activity_at < ?`, models.JobInProgress, cutoff)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListStuckCandidates", err)
	}
	defer rows.Close()
	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *Store) AppendJobEvent(ctx context.Context, e *models.JobEvent) error {
	payload, _ := json.Marshal(e.Payload)
	_, err := s.db.ExecContext(ctx, `INSERT INTO job_events(id,job_id,kind,payload,created_at) VALUES(?,?,?,?,?)`,
		e.ID, e.JobID, e.Kind, string(payload), ts(e.CreatedAt))
	if err != nil {
		return storage.NewError(storage.KindQuery, "AppendJobEvent", err)
	}
	return nil
}

func (s *Store) ListJobEvents(ctx context.Context, jobID string, limit, offset int) ([]*models.JobEvent, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id,job_id,kind,payload,created_at FROM job_events WHERE job_id=? ORDER BY created_at LIMIT ? OFFSET ?`, jobID, limit, offset)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListJobEvents", err)
	}
	defer rows.Close()
	var out []*models.JobEvent
	for rows.Next() {
		var e models.JobEvent
		var payload string
		var created string
		if err := rows.Scan(&e.ID, &e.JobID, &e.Kind, &payload, &created); err != nil {
			return nil, storage.NewError(storage.KindQuery, "ListJobEvents", err)
		}
		_ = json.Unmarshal([]byte(payload), &e.Payload)
		e.CreatedAt = parseTS(created)
		out = append(out, &e)
	}
	return out, nil
}

func (s *Store) UpsertSandboxJob(ctx context.Context, sj *models.SandboxJob) error {
	hosts, _ := json.Marshal(sj.AllowedHosts)
	secrets, _ := json.Marshal(sj.AllowedSecrets)
	_, err := s.db.ExecContext(ctx, `INSERT INTO sandbox_jobs(job_id,container_ref,allowed_hosts,allowed_secrets,memory_limit_mb,cpu_shares,wall_clock_timeout_ns,fuel_budget,token_ttl_ns)
		VALUES(?,?,?,?,?,?,?,?,?)
		ON CONFLICT(job_id) DO UPDATE SET container_ref=excluded.container_ref, allowed_hosts=excluded.allowed_hosts,
		allowed_secrets=excluded.allowed_secrets, memory_limit_mb=excluded.memory_limit_mb, cpu_shares=excluded.cpu_shares,
		wall_clock_timeout_ns=excluded.wall_clock_timeout_ns, fuel_budget=excluded.fuel_budget, token_ttl_ns=excluded.token_ttl_ns`,
		sj.JobID, sj.ContainerRef, string(hosts), string(secrets), sj.MemoryLimitMB, sj.CPUShares,
		sj.WallClockTimeout.Nanoseconds(), sj.FuelBudget, sj.TokenTTL.Nanoseconds())
	if err != nil {
		return storage.NewError(storage.KindQuery, "UpsertSandboxJob", err)
	}
	return nil
}

func (s *Store) GetSandboxJob(ctx context.Context, jobID string) (*models.SandboxJob, error) {
	var sj models.SandboxJob
	var hosts, secrets string
	var wallNS, ttlNS int64
	err := s.db.QueryRowContext(ctx, `SELECT job_id,container_ref,allowed_hosts,allowed_secrets,memory_limit_mb,cpu_shares,wall_clock_timeout_ns,fuel_budget,token_ttl_ns FROM sandbox_jobs WHERE job_id=?`, jobID).
		Scan(&sj.JobID, &sj.ContainerRef, &hosts, &secrets, &sj.MemoryLimitMB, &sj.CPUShares, &wallNS, &sj.FuelBudget, &ttlNS)
	if err == sql.ErrNoRows {
		return nil, storage.NewError(storage.KindNotFound, "GetSandboxJob", nil)
	}
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "GetSandboxJob", err)
	}
	_ = json.Unmarshal([]byte(hosts), &sj.AllowedHosts)
	_ = json.Unmarshal([]byte(secrets), &sj.AllowedSecrets)
	sj.WallClockTimeout = time.Duration(wallNS)
	sj.TokenTTL = time.Duration(ttlNS)
	return &sj, nil
}

// -- llm calls / estimations -------------------------------------------

func (s *Store) RecordLlmCall(ctx context.Context, r *models.LlmCallRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO llm_calls(id,thread_id,turn_id,provider,model,input_tokens,output_tokens,cost_usd,finish_reason,created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.ThreadID, r.TurnID, r.Provider, r.Model, r.InputTokens, r.OutputTokens, r.CostUSD, r.FinishReason, ts(r.CreatedAt))
	if err != nil {
		return storage.NewError(storage.KindQuery, "RecordLlmCall", err)
	}
	return nil
}

func (s *Store) ListLlmCalls(ctx context.Context, threadID string, limit, offset int) ([]*models.LlmCallRecord, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id,thread_id,turn_id,provider,model,input_tokens,output_tokens,cost_usd,finish_reason,created_at FROM llm_calls WHERE thread_id=? ORDER BY created_at LIMIT ? OFFSET ?`, threadID, limit, offset)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListLlmCalls", err)
	}
	defer rows.Close()
	var out []*models.LlmCallRecord
	for rows.Next() {
		var r models.LlmCallRecord
		var created string
		if err := rows.Scan(&r.ID, &r.ThreadID, &r.TurnID, &r.Provider, &r.Model, &r.InputTokens, &r.OutputTokens, &r.CostUSD, &r.FinishReason, &created); err != nil {
			return nil, storage.NewError(storage.KindQuery, "ListLlmCalls", err)
		}
		r.CreatedAt = parseTS(created)
		out = append(out, &r)
	}
	return out, nil
}

func (s *Store) SumLlmCost(ctx context.Context, threadID string) (float64, error) {
	var sum sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(cost_usd) FROM llm_calls WHERE thread_id=?`, threadID).Scan(&sum)
	if err != nil {
		return 0, storage.NewError(storage.KindQuery, "SumLlmCost", err)
	}
	return sum.Float64, nil
}

func (s *Store) RecordEstimation(ctx context.Context, e *models.EstimationSnapshot) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO estimations(id,user_id,period_start,period_end,est_cost_usd,actual_cost_usd,created_at) VALUES(?,?,?,?,?,?,?)`,
		e.ID, e.UserID, ts(e.PeriodStart), ts(e.PeriodEnd), e.EstCostUSD, e.ActualCost, ts(e.CreatedAt))
	if err != nil {
		return storage.NewError(storage.KindQuery, "RecordEstimation", err)
	}
	return nil
}

func (s *Store) LatestEstimation(ctx context.Context, userID string) (*models.EstimationSnapshot, error) {
	var e models.EstimationSnapshot
	var start, end, created string
	err := s.db.QueryRowContext(ctx, `SELECT id,user_id,period_start,period_end,est_cost_usd,actual_cost_usd,created_at FROM estimations WHERE user_id=? ORDER BY period_end DESC LIMIT 1`, userID).
		Scan(&e.ID, &e.UserID, &start, &end, &e.EstCostUSD, &e.ActualCost, &created)
	if err == sql.ErrNoRows {
		return nil, storage.NewError(storage.KindNotFound, "LatestEstimation", nil)
	}
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "LatestEstimation", err)
	}
	e.PeriodStart = parseTS(start)
	e.PeriodEnd = parseTS(end)
	e.CreatedAt = parseTS(created)
	return &e, nil
}

// -- tool failures -------------------------------------------------------

func (s *Store) RecordToolFailure(ctx context.Context, toolName, reason string) (*models.ToolFailure, error) {
	now := ts(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `INSERT INTO tool_failures(tool_name,consecutive_failures,broken,last_failure_at,last_failure_reason)
		VALUES(?,1,0,?,?)
		ON CONFLICT(tool_name) DO UPDATE SET consecutive_failures=consecutive_failures+1, last_failure_at=excluded.last_failure_at, last_failure_reason=excluded.last_failure_reason`,
		toolName, now, reason)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "RecordToolFailure", err)
	}
	return s.GetToolFailure(ctx, toolName)
}

func (s *Store) RecordToolSuccess(ctx context.Context, toolName string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tool_failures SET consecutive_failures=0, broken=0 WHERE tool_name=?`, toolName)
	if err != nil {
		return storage.NewError(storage.KindQuery, "RecordToolSuccess", err)
	}
	return nil
}

func (s *Store) GetToolFailure(ctx context.Context, toolName string) (*models.ToolFailure, error) {
	var f models.ToolFailure
	var broken int
	var lastFailure string
	var reason sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT tool_name,consecutive_failures,broken,last_failure_at,last_failure_reason FROM tool_failures WHERE tool_name=?`, toolName).
		Scan(&f.ToolName, &f.ConsecutiveFailures, &broken, &lastFailure, &reason)
	if err == sql.ErrNoRows {
		return nil, storage.NewError(storage.KindNotFound, "GetToolFailure", nil)
	}
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "GetToolFailure", err)
	}
	f.Broken = broken != 0
	f.LastFailureAt = parseTS(lastFailure)
	f.LastFailureReason = reason.String
	return &f, nil
}

func (s *Store) ListBrokenTools(ctx context.Context) ([]*models.ToolFailure, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tool_name,consecutive_failures,broken,last_failure_at,last_failure_reason FROM tool_failures WHERE broken=1`)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListBrokenTools", err)
	}
	defer rows.Close()
	var out []*models.ToolFailure
	for rows.Next() {
		var f models.ToolFailure
		var broken int
		var lastFailure string
		var reason sql.NullString
		if err := rows.Scan(&f.ToolName, &f.ConsecutiveFailures, &broken, &lastFailure, &reason); err != nil {
			return nil, storage.NewError(storage.KindQuery, "ListBrokenTools", err)
		}
		f.Broken = broken != 0
		f.LastFailureAt = parseTS(lastFailure)
		f.LastFailureReason = reason.String
		out = append(out, &f)
	}
	return out, nil
}

// ListFailingTools returns tools at or above threshold consecutive
// failures that aren't marked broken yet.
func (s *Store) ListFailingTools(ctx context.Context, threshold int) ([]*models.ToolFailure, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tool_name,consecutive_failures,broken,last_failure_at,last_failure_reason FROM tool_failures WHERE broken=0 AND consecutive_failures>=?`, threshold)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListFailingTools", err)
	}
	defer rows.Close()
	var out []*models.ToolFailure
	for rows.Next() {
		var f models.ToolFailure
		var broken int
		var lastFailure string
		var reason sql.NullString
		if err := rows.Scan(&f.ToolName, &f.ConsecutiveFailures, &broken, &lastFailure, &reason); err != nil {
			return nil, storage.NewError(storage.KindQuery, "ListFailingTools", err)
		}
		f.Broken = broken != 0
		f.LastFailureAt = parseTS(lastFailure)
		f.LastFailureReason = reason.String
		out = append(out, &f)
	}
	return out, nil
}

// MarkBroken flags toolName broken once its failure streak reaches
// threshold, used by internal/background's self-repair task.
func (s *Store) MarkBroken(ctx context.Context, toolName string, threshold int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tool_failures SET broken=1 WHERE tool_name=? AND consecutive_failures>=? AND broken=0`, toolName, threshold)
	if err != nil {
		return false, storage.NewError(storage.KindQuery, "MarkBroken", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// -- routines -------------------------------------------------------------

func (s *Store) CreateRoutine(ctx context.Context, r *models.Routine) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO routines(id,user_id,name,trigger_kind,cron_expr,regex_pattern,action,cooldown_ns,enabled,last_fired_at,run_count,created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.UserID, r.Name, r.TriggerKind, r.CronExpr, r.RegexPattern, r.SystemPrompt, r.Cooldown.Nanoseconds(), boolToInt(r.Enabled), ts(r.LastFiredAt), r.RunCount, ts(r.CreatedAt))
	if err != nil {
		return storage.NewError(storage.KindConstraint, "CreateRoutine", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const routineCols = `id,user_id,name,trigger_kind,cron_expr,regex_pattern,action,cooldown_ns,enabled,last_fired_at,run_count,created_at`

func scanRoutine(scan func(dest ...any) error) (*models.Routine, error) {
	var r models.Routine
	var cronExpr, regexPattern, lastFired sql.NullString
	var cooldownNS int64
	var enabled int
	var created string
	if err := scan(&r.ID, &r.UserID, &r.Name, &r.TriggerKind, &cronExpr, &regexPattern, &r.SystemPrompt, &cooldownNS, &enabled, &lastFired, &r.RunCount, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.NewError(storage.KindNotFound, "GetRoutine", nil)
		}
		return nil, storage.NewError(storage.KindQuery, "GetRoutine", err)
	}
	r.CronExpr = cronExpr.String
	r.RegexPattern = regexPattern.String
	r.Cooldown = time.Duration(cooldownNS)
	r.Enabled = enabled != 0
	r.LastFiredAt = parseTS(lastFired.String)
	r.CreatedAt = parseTS(created)
	return &r, nil
}

func (s *Store) GetRoutine(ctx context.Context, id string) (*models.Routine, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+routineCols+` FROM routines WHERE id=?`, id)
	return scanRoutine(row.Scan)
}

func (s *Store) ListRoutines(ctx context.Context, userID string, enabledOnly bool) ([]*models.Routine, error) {
	query := `SELECT ` + routineCols + ` FROM routines WHERE 1=1`
	var args []any
	if userID != "" {
		query += ` AND user_id=?`
		args = append(args, userID)
	}
	if enabledOnly {
		query += ` AND enabled=1`
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListRoutines", err)
	}
	defer rows.Close()
	var out []*models.Routine
	for rows.Next() {
		r, err := scanRoutine(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) UpdateRoutine(ctx context.Context, r *models.Routine) error {
	res, err := s.db.ExecContext(ctx, `UPDATE routines SET name=?,cron_expr=?,regex_pattern=?,action=?,cooldown_ns=?,enabled=?,last_fired_at=?,run_count=? WHERE id=?`,
		r.Name, r.CronExpr, r.RegexPattern, r.SystemPrompt, r.Cooldown.Nanoseconds(), boolToInt(r.Enabled), ts(r.LastFiredAt), r.RunCount, r.ID)
	if err != nil {
		return storage.NewError(storage.KindQuery, "UpdateRoutine", err)
	}
	return requireRowAffected(res, "UpdateRoutine")
}

func (s *Store) DeleteRoutine(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM routines WHERE id=?`, id)
	if err != nil {
		return storage.NewError(storage.KindQuery, "DeleteRoutine", err)
	}
	return nil
}

func (s *Store) RecordRoutineRun(ctx context.Context, run *models.RoutineRun) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO routine_runs(id,routine_id,job_id,success,error,fired_at) VALUES(?,?,?,?,?,?)`,
		run.ID, run.RoutineID, run.JobID, boolToInt(run.Success), run.Error, ts(run.FiredAt))
	if err != nil {
		return storage.NewError(storage.KindQuery, "RecordRoutineRun", err)
	}
	return nil
}

func (s *Store) ListRoutineRuns(ctx context.Context, routineID string, limit int) ([]*models.RoutineRun, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id,routine_id,job_id,success,error,fired_at FROM routine_runs WHERE routine_id=? ORDER BY fired_at DESC LIMIT ?`, routineID, limit)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListRoutineRuns", err)
	}
	defer rows.Close()
	var out []*models.RoutineRun
	for rows.Next() {
		var run models.RoutineRun
		var success int
		var fired string
		if err := rows.Scan(&run.ID, &run.RoutineID, &run.JobID, &success, &run.Error, &fired); err != nil {
			return nil, storage.NewError(storage.KindQuery, "ListRoutineRuns", err)
		}
		run.Success = success != 0
		run.FiredAt = parseTS(fired)
		out = append(out, &run)
	}
	return out, nil
}

// -- settings -------------------------------------------------------------

func (s *Store) GetSetting(ctx context.Context, userID, key string) (*models.Setting, error) {
	var value string
	var updated string
	err := s.db.QueryRowContext(ctx, `SELECT value,updated_at FROM settings WHERE user_id=? AND key=?`, userID, key).Scan(&value, &updated)
	if err == sql.ErrNoRows {
		return nil, storage.NewError(storage.KindNotFound, "GetSetting", nil)
	}
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "GetSetting", err)
	}
	var v any
	_ = json.Unmarshal([]byte(value), &v)
	return &models.Setting{UserID: userID, Key: key, Value: v, UpdatedAt: parseTS(updated)}, nil
}

func (s *Store) ListSettings(ctx context.Context, userID string) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key,value FROM settings WHERE user_id=?`, userID)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListSettings", err)
	}
	defer rows.Close()
	out := make(map[string]any)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, storage.NewError(storage.KindQuery, "ListSettings", err)
		}
		var v any
		_ = json.Unmarshal([]byte(value), &v)
		out[key] = v
	}
	return out, nil
}

func (s *Store) PutSetting(ctx context.Context, st *models.Setting) error {
	value, _ := json.Marshal(st.Value)
	_, err := s.db.ExecContext(ctx, `INSERT INTO settings(user_id,key,value,updated_at) VALUES(?,?,?,?)
		ON CONFLICT(user_id,key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		st.UserID, st.Key, string(value), ts(time.Now().UTC()))
	if err != nil {
		return storage.NewError(storage.KindQuery, "PutSetting", err)
	}
	return nil
}

// PutSettingsBulk writes the full settings map for userID inside a single
// transaction so a subsequent read observes exactly the written map.
func (s *Store) PutSettingsBulk(ctx context.Context, userID string, values map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.NewError(storage.KindPool, "PutSettingsBulk", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM settings WHERE user_id=?`, userID); err != nil {
		return storage.NewError(storage.KindQuery, "PutSettingsBulk", err)
	}
	now := ts(time.Now().UTC())
	for k, v := range values {
		encoded, _ := json.Marshal(v)
		if _, err := tx.ExecContext(ctx, `INSERT INTO settings(user_id,key,value,updated_at) VALUES(?,?,?,?)`, userID, k, string(encoded), now); err != nil {
			return storage.NewError(storage.KindQuery, "PutSettingsBulk", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storage.NewError(storage.KindQuery, "PutSettingsBulk", err)
	}
	return nil
}

func (s *Store) DeleteSetting(ctx context.Context, userID, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE user_id=? AND key=?`, userID, key)
	if err != nil {
		return storage.NewError(storage.KindQuery, "DeleteSetting", err)
	}
	return nil
}

// -- workspace: documents ---------------------------------------------

func (s *Store) PutDocument(ctx context.Context, d *models.MemoryDocument) error {
	tags, _ := json.Marshal(d.Tags)
	var eventDate string
	if d.EventDate != nil {
		eventDate = ts(*d.EventDate)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO documents(id,user_id,path,content,importance,access_count,last_accessed_at,event_date,source_url,tags,created_at,updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(user_id,path) DO UPDATE SET content=excluded.content, importance=excluded.importance,
		event_date=excluded.event_date, source_url=excluded.source_url, tags=excluded.tags, updated_at=excluded.updated_at`,
		d.ID, d.UserID, d.Path, d.Content, d.Importance, d.AccessCount, ts(d.LastAccessedAt), eventDate, d.SourceURL, string(tags), ts(d.CreatedAt), ts(d.UpdatedAt))
	if err != nil {
		return storage.NewError(storage.KindConstraint, "PutDocument", err)
	}
	return nil
}

const documentCols = `id,user_id,path,content,importance,access_count,last_accessed_at,event_date,source_url,tags,created_at,updated_at`

func scanDocument(scan func(dest ...any) error) (*models.MemoryDocument, error) {
	var d models.MemoryDocument
	var eventDate, sourceURL, tags sql.NullString
	var lastAccessed, created, updated string
	if err := scan(&d.ID, &d.UserID, &d.Path, &d.Content, &d.Importance, &d.AccessCount, &lastAccessed, &eventDate, &sourceURL, &tags, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.NewError(storage.KindNotFound, "GetDocument", nil)
		}
		return nil, storage.NewError(storage.KindQuery, "GetDocument", err)
	}
	d.LastAccessedAt = parseTS(lastAccessed)
	d.SourceURL = sourceURL.String
	d.CreatedAt = parseTS(created)
	d.UpdatedAt = parseTS(updated)
	_ = json.Unmarshal([]byte(tags.String), &d.Tags)
	if eventDate.String != "" {
		t := parseTS(eventDate.String)
		d.EventDate = &t
	}
	return &d, nil
}

func (s *Store) GetDocument(ctx context.Context, userID, path string) (*models.MemoryDocument, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentCols+` FROM documents WHERE user_id=? AND path=?`, userID, path)
	return scanDocument(row.Scan)
}

func (s *Store) GetDocumentByID(ctx context.Context, id string) (*models.MemoryDocument, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentCols+` FROM documents WHERE id=?`, id)
	return scanDocument(row.Scan)
}

func (s *Store) ListDocuments(ctx context.Context, userID, pathPrefix string) ([]*models.MemoryDocument, error) {
	query := `SELECT ` + documentCols + ` FROM documents WHERE user_id=?`
	args := []any{userID}
	if pathPrefix != "" {
		query += ` AND path LIKE ?`
		args = append(args, pathPrefix+"%")
	}
	query += ` ORDER BY path`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListDocuments", err)
	}
	defer rows.Close()
	var out []*models.MemoryDocument
	for rows.Next() {
		d, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) DeleteDocument(ctx context.Context, userID, path string) error {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM documents WHERE user_id=? AND path=?`, userID, path).Scan(&id)
	if err == sql.ErrNoRows {
		return storage.NewError(storage.KindNotFound, "DeleteDocument", nil)
	}
	if err != nil {
		return storage.NewError(storage.KindQuery, "DeleteDocument", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.NewError(storage.KindPool, "DeleteDocument", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks_fts WHERE document_id=?`, id); err != nil {
		return storage.NewError(storage.KindQuery, "DeleteDocument", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id=?`, id); err != nil {
		return storage.NewError(storage.KindQuery, "DeleteDocument", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id=?`, id); err != nil {
		return storage.NewError(storage.KindQuery, "DeleteDocument", err)
	}
	return tx.Commit()
}

func (s *Store) TouchDocumentAccess(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE documents SET access_count=access_count+1, last_accessed_at=? WHERE id=?`, ts(time.Now().UTC()), id)
	if err != nil {
		return storage.NewError(storage.KindQuery, "TouchDocumentAccess", err)
	}
	return nil
}

// -- workspace: chunks and search ---------------------------------------

// ReplaceChunks deletes all existing chunks (and their FTS rows) for
// documentID and inserts the replacement set inside one transaction, per
// the delete-then-insert contract.
func (s *Store) ReplaceChunks(ctx context.Context, documentID string, chunks []*models.MemoryChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.NewError(storage.KindPool, "ReplaceChunks", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks_fts WHERE document_id=?`, documentID); err != nil {
		return storage.NewError(storage.KindQuery, "ReplaceChunks", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id=?`, documentID); err != nil {
		return storage.NewError(storage.KindQuery, "ReplaceChunks", err)
	}
	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO chunks(id,document_id,chunk_index,content,embedding,created_at) VALUES(?,?,?,?,?,?)`,
			c.ID, documentID, c.ChunkIndex, c.Content, marshalVector(c.Embedding), ts(c.CreatedAt)); err != nil {
			return storage.NewError(storage.KindQuery, "ReplaceChunks", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO chunks_fts(chunk_id,document_id,content) VALUES(?,?,?)`, c.ID, documentID, c.Content); err != nil {
			return storage.NewError(storage.KindQuery, "ReplaceChunks", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storage.NewError(storage.KindQuery, "ReplaceChunks", err)
	}
	return nil
}

func (s *Store) ListChunks(ctx context.Context, documentID string) ([]*models.MemoryChunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id,document_id,chunk_index,content,embedding,created_at FROM chunks WHERE document_id=? ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListChunks", err)
	}
	defer rows.Close()
	var out []*models.MemoryChunk
	for rows.Next() {
		var c models.MemoryChunk
		var embedding []byte
		var created string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &embedding, &created); err != nil {
			return nil, storage.NewError(storage.KindQuery, "ListChunks", err)
		}
		c.Embedding = unmarshalVector(embedding)
		c.CreatedAt = parseTS(created)
		out = append(out, &c)
	}
	return out, nil
}

// LexicalSearch delegates ranking to FTS5's bm25(), joined against
// documents for the path-prefix/tag filters allows on either leg of
// hybrid search.
func (s *Store) LexicalSearch(ctx context.Context, userID, query string, limit int, filters models.SearchFilters) ([]storage.RankedChunk, error) {
	if limit <= 0 {
		limit = 20
	}
	sqlQuery := `SELECT f.chunk_id, f.document_id FROM chunks_fts f
		JOIN documents d ON d.id = f.document_id
		WHERE f.content MATCH ? AND d.user_id = ?`
	args := []any{query, userID}
	if filters.PathPrefix != "" {
		sqlQuery += ` AND d.path LIKE ?`
		args = append(args, filters.PathPrefix+"%")
	}
	sqlQuery += ` ORDER BY bm25(f) LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "LexicalSearch", err)
	}
	defer rows.Close()
	var out []storage.RankedChunk
	rank := 1
	for rows.Next() {
		var rc storage.RankedChunk
		if err := rows.Scan(&rc.ChunkID, &rc.DocumentID); err != nil {
			return nil, storage.NewError(storage.KindQuery, "LexicalSearch", err)
		}
		rc.Rank = rank
		rank++
		out = append(out, rc)
	}
	return out, nil
}

// VectorSearch performs a brute-force cosine scan, since SQLite carries no
// native vector index. Callers needing approximate-NN performance at
// scale should prefer the Postgres/pgvector dialect.
func (s *Store) VectorSearch(ctx context.Context, userID string, queryEmbedding []float32, limit int, filters models.SearchFilters) ([]storage.RankedChunk, error) {
	if limit <= 0 {
		limit = 20
	}
	sqlQuery := `SELECT c.id, c.document_id, c.embedding FROM chunks c JOIN documents d ON d.id = c.document_id WHERE d.user_id=?`
	args := []any{userID}
	if filters.PathPrefix != "" {
		sqlQuery += ` AND d.path LIKE ?`
		args = append(args, filters.PathPrefix+"%")
	}
	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "VectorSearch", err)
	}
	defer rows.Close()

	type scored struct {
		chunkID, documentID string
		score               float64
	}
	var candidates []scored
	for rows.Next() {
		var chunkID, documentID string
		var embedding []byte
		if err := rows.Scan(&chunkID, &documentID, &embedding); err != nil {
			return nil, storage.NewError(storage.KindQuery, "VectorSearch", err)
		}
		vec := unmarshalVector(embedding)
		if len(vec) == 0 {
			continue
		}
		candidates = append(candidates, scored{chunkID, documentID, cosineSimilarity(queryEmbedding, vec)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]storage.RankedChunk, len(candidates))
	for i, c := range candidates {
		out[i] = storage.RankedChunk{ChunkID: c.chunkID, DocumentID: c.documentID, Rank: i + 1}
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (sqrt(na) * sqrt(nb))
}

func sqrt(x float64) float64 {
	if x == 0 {
		return 0
	}
	z := x
	for i := 0; i < 20; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

// -- workspace: connections, spaces, profile entries --------------------

func (s *Store) CreateConnection(ctx context.Context, c *models.MemoryConnection) error {
	if c.SourceID == c.TargetID {
		return storage.NewError(storage.KindConstraint, "CreateConnection: self-loop", nil)
	}
	metadata, _ := json.Marshal(c.Metadata)
	_, err := s.db.ExecContext(ctx, `INSERT INTO connections(id,source_id,target_id,connection_type,strength,metadata,created_at) VALUES(?,?,?,?,?,?,?)`,
		c.ID, c.SourceID, c.TargetID, c.Type, c.Strength, string(metadata), ts(c.CreatedAt))
	if err != nil {
		return storage.NewError(storage.KindConstraint, "CreateConnection", err)
	}
	return nil
}

// ListConnections performs a breadth-first traversal out to maxDepth hops
// (clamped to [1,10], default 1).
func (s *Store) ListConnections(ctx context.Context, documentID string, maxDepth int) ([]*models.MemoryConnection, error) {
	if maxDepth <= 0 {
		maxDepth = 1
	}
	if maxDepth > 10 {
		maxDepth = 10
	}
	seen := map[string]bool{documentID: true}
	frontier := []string{documentID}
	var out []*models.MemoryConnection
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, docID := range frontier {
			rows, err := s.db.QueryContext(ctx, `SELECT id,source_id,target_id,connection_type,strength,metadata,created_at FROM connections WHERE source_id=? OR target_id=?`, docID, docID)
			if err != nil {
				return nil, storage.NewError(storage.KindQuery, "ListConnections", err)
			}
			for rows.Next() {
				var c models.MemoryConnection
				var metadata string
				var created string
				if err := rows.Scan(&c.ID, &c.SourceID, &c.TargetID, &c.Type, &c.Strength, &metadata, &created); err != nil {
					rows.Close()
					return nil, storage.NewError(storage.KindQuery, "ListConnections", err)
				}
				_ = json.Unmarshal([]byte(metadata), &c.Metadata)
				c.CreatedAt = parseTS(created)
				out = append(out, &c)
				other := c.TargetID
				if other == docID {
					other = c.SourceID
				}
				if !seen[other] {
					seen[other] = true
					next = append(next, other)
				}
			}
			rows.Close()
		}
		frontier = next
	}
	return out, nil
}

func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id=?`, id)
	if err != nil {
		return storage.NewError(storage.KindQuery, "DeleteConnection", err)
	}
	return nil
}

func (s *Store) CreateSpace(ctx context.Context, sp *models.MemorySpace) error {
	docIDs, _ := json.Marshal(sp.DocumentIDs)
	_, err := s.db.ExecContext(ctx, `INSERT INTO spaces(id,user_id,name,document_ids,created_at) VALUES(?,?,?,?,?)`,
		sp.ID, sp.UserID, sp.Name, string(docIDs), ts(sp.CreatedAt))
	if err != nil {
		return storage.NewError(storage.KindConstraint, "CreateSpace", err)
	}
	return nil
}

func scanSpace(scan func(dest ...any) error) (*models.MemorySpace, error) {
	var sp models.MemorySpace
	var docIDs string
	var created string
	if err := scan(&sp.ID, &sp.UserID, &sp.Name, &docIDs, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.NewError(storage.KindNotFound, "GetSpace", nil)
		}
		return nil, storage.NewError(storage.KindQuery, "GetSpace", err)
	}
	_ = json.Unmarshal([]byte(docIDs), &sp.DocumentIDs)
	sp.CreatedAt = parseTS(created)
	return &sp, nil
}

func (s *Store) GetSpace(ctx context.Context, userID, name string) (*models.MemorySpace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,user_id,name,document_ids,created_at FROM spaces WHERE user_id=? AND name=?`, userID, name)
	return scanSpace(row.Scan)
}

func (s *Store) ListSpaces(ctx context.Context, userID string) ([]*models.MemorySpace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id,user_id,name,document_ids,created_at FROM spaces WHERE user_id=? ORDER BY name`, userID)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListSpaces", err)
	}
	defer rows.Close()
	var out []*models.MemorySpace
	for rows.Next() {
		sp, err := scanSpace(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, nil
}

func (s *Store) AddToSpace(ctx context.Context, spaceID, documentID string) error {
	var docIDs string
	err := s.db.QueryRowContext(ctx, `SELECT document_ids FROM spaces WHERE id=?`, spaceID).Scan(&docIDs)
	if err == sql.ErrNoRows {
		return storage.NewError(storage.KindNotFound, "AddToSpace", nil)
	}
	if err != nil {
		return storage.NewError(storage.KindQuery, "AddToSpace", err)
	}
	var ids []string
	_ = json.Unmarshal([]byte(docIDs), &ids)
	for _, id := range ids {
		if id == documentID {
			return nil
		}
	}
	ids = append(ids, documentID)
	encoded, _ := json.Marshal(ids)
	_, err = s.db.ExecContext(ctx, `UPDATE spaces SET document_ids=? WHERE id=?`, string(encoded), spaceID)
	if err != nil {
		return storage.NewError(storage.KindQuery, "AddToSpace", err)
	}
	return nil
}

func (s *Store) PutProfileEntry(ctx context.Context, e *models.UserProfileEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO profile_entries(user_id,key,profile_type,value,confidence,source,updated_at) VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(user_id,key) DO UPDATE SET profile_type=excluded.profile_type, value=excluded.value,
		confidence=excluded.confidence, source=excluded.source, updated_at=excluded.updated_at`,
		e.UserID, e.Key, e.Type, e.Value, e.Confidence, e.Source, ts(e.UpdatedAt))
	if err != nil {
		return storage.NewError(storage.KindQuery, "PutProfileEntry", err)
	}
	return nil
}

func (s *Store) GetProfileEntry(ctx context.Context, userID, key string) (*models.UserProfileEntry, error) {
	var e models.UserProfileEntry
	var source sql.NullString
	var updated string
	err := s.db.QueryRowContext(ctx, `SELECT user_id,key,profile_type,value,confidence,source,updated_at FROM profile_entries WHERE user_id=? AND key=?`, userID, key).
		Scan(&e.UserID, &e.Key, &e.Type, &e.Value, &e.Confidence, &source, &updated)
	if err == sql.ErrNoRows {
		return nil, storage.NewError(storage.KindNotFound, "GetProfileEntry", nil)
	}
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "GetProfileEntry", err)
	}
	e.Source = source.String
	e.UpdatedAt = parseTS(updated)
	return &e, nil
}

func (s *Store) ListProfileEntries(ctx context.Context, userID string, profileType models.ProfileType) ([]*models.UserProfileEntry, error) {
	query := `SELECT user_id,key,profile_type,value,confidence,source,updated_at FROM profile_entries WHERE user_id=?`
	args := []any{userID}
	if profileType != "" {
		query += ` AND profile_type=?`
		args = append(args, profileType)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListProfileEntries", err)
	}
	defer rows.Close()
	var out []*models.UserProfileEntry
	for rows.Next() {
		var e models.UserProfileEntry
		var source sql.NullString
		var updated string
		if err := rows.Scan(&e.UserID, &e.Key, &e.Type, &e.Value, &e.Confidence, &source, &updated); err != nil {
			return nil, storage.NewError(storage.KindQuery, "ListProfileEntries", err)
		}
		e.Source = source.String
		e.UpdatedAt = parseTS(updated)
		out = append(out, &e)
	}
	return out, nil
}

var _ storage.Port = (*Store)(nil)
