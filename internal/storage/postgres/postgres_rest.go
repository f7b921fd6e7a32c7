package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/danielsimonjr/ironclaw/internal/storage"
	"github.com/danielsimonjr/ironclaw/pkg/models"
)

// -- jobs -----------------------------------------------------------------

const jobCols = `id,user_id,title,description,state,mode,project_dir,failure_reason,repair_attempts,created_at,started_at,completed_at,last_activity_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var projectDir, failReason *string
	var started, completed *time.Time
	if err := row.Scan(&j.ID, &j.UserID, &j.Title, &j.Description, &j.State, &j.Mode, &projectDir, &failReason, &j.RepairAttempts, &j.CreatedAt, &started, &completed, &j.LastActivityAt); err != nil {
		if isNoRows(err) {
			return nil, storage.NewError(storage.KindNotFound, "GetJob", nil)
		}
		return nil, storage.NewError(storage.KindQuery, "GetJob", err)
	}
	if projectDir != nil {
		j.ProjectDir = *projectDir
	}
	if failReason != nil {
		j.FailureReason = *failReason
	}
	j.StartedAt = fromNullTime(started)
	j.CompletedAt = fromNullTime(completed)
	return &j, nil
}

func (s *Store) CreateJob(ctx context.Context, j *models.Job) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO jobs(`+jobCols+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		j.ID, j.UserID, j.Title, j.Description, j.State, j.Mode, nullStr(j.ProjectDir), nullStr(j.FailureReason),
		j.RepairAttempts, j.CreatedAt.UTC(), nullTime(j.StartedAt), nullTime(j.CompletedAt), j.LastActivityAt.UTC())
	if err != nil {
		return storage.NewError(storage.KindConstraint, "CreateJob", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=$1`, id)
	return scanJob(row)
}

func (s *Store) ListJobs(ctx context.Context, userID string, states []models.JobState, limit, offset int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	query := `SELECT ` + jobCols + ` FROM jobs WHERE user_id=$1`
	args := []any{userID}
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, st := range states {
			args = append(args, st)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query += ` AND state IN (` + strings.Join(placeholders, ",") + `)`
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListJobs", err)
	}
	defer rows.Close()
	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) UpdateJob(ctx context.Context, j *models.Job) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET title=$1,description=$2,state=$3,mode=$4,project_dir=$5,failure_reason=$6,repair_attempts=$7,started_at=$8,completed_at=$9,last_activity_at=$10 WHERE id=$11`,
		j.Title, j.Description, j.State, j.Mode, nullStr(j.ProjectDir), nullStr(j.FailureReason), j.RepairAttempts,
		nullTime(j.StartedAt), nullTime(j.CompletedAt), j.LastActivityAt.UTC(), j.ID)
	if err != nil {
		return storage.NewError(storage.KindQuery, "UpdateJob", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.NewError(storage.KindNotFound, "UpdateJob", nil)
	}
	return nil
}

func (s *Store) OwnsJob(ctx context.Context, userID, jobID string) (bool, error) {
	var owner string
	err := s.pool.QueryRow(ctx, `SELECT user_id FROM jobs WHERE id=$1`, jobID).Scan(&owner)
	if isNoRows(err) {
		return false, storage.NewError(storage.KindNotFound, "OwnsJob", nil)
	}
	if err != nil {
		return false, storage.NewError(storage.KindQuery, "OwnsJob", err)
	}
	return owner == userID, nil
}

func (s *Store) ListStuckCandidates(ctx context.Context, lastActivityBefore int64) ([]*models.Job, error) {
	cutoff := time.Unix(lastActivityBefore, 0).UTC()
	rows, err := s.pool.Query(ctx, `SELECT `+jobCols+` FROM jobs WHERE state=$1 AND last_activity_at < $2`, models.JobInProgress, cutoff)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListStuckCandidates", err)
	}
	defer rows.Close()
	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) AppendJobEvent(ctx context.Context, e *models.JobEvent) error {
	payload, _ := json.Marshal(e.Payload)
	_, err := s.pool.Exec(ctx, `INSERT INTO job_events(id,job_id,kind,payload,created_at) VALUES($1,$2,$3,$4,$5)`,
		e.ID, e.JobID, e.Kind, payload, e.CreatedAt.UTC())
	if err != nil {
		return storage.NewError(storage.KindConstraint, "AppendJobEvent", err)
	}
	return nil
}

func (s *Store) ListJobEvents(ctx context.Context, jobID string, limit, offset int) ([]*models.JobEvent, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := s.pool.Query(ctx, `SELECT id,job_id,kind,payload,created_at FROM job_events WHERE job_id=$1 ORDER BY created_at LIMIT $2 OFFSET $3`, jobID, limit, offset)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListJobEvents", err)
	}
	defer rows.Close()
	var out []*models.JobEvent
	for rows.Next() {
		var e models.JobEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.JobID, &e.Kind, &payload, &e.CreatedAt); err != nil {
			return nil, storage.NewError(storage.KindQuery, "ListJobEvents", err)
		}
		_ = json.Unmarshal(payload, &e.Payload)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) UpsertSandboxJob(ctx context.Context, sj *models.SandboxJob) error {
	hosts, _ := json.Marshal(sj.AllowedHosts)
	secrets, _ := json.Marshal(sj.AllowedSecrets)
	_, err := s.pool.Exec(ctx, `INSERT INTO sandbox_jobs(job_id,container_ref,allowed_hosts,allowed_secrets,memory_limit_mb,cpu_shares,wall_clock_timeout_ns,fuel_budget,token_ttl_ns)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (job_id) DO UPDATE SET container_ref=excluded.container_ref, allowed_hosts=excluded.allowed_hosts,
			allowed_secrets=excluded.allowed_secrets, memory_limit_mb=excluded.memory_limit_mb, cpu_shares=excluded.cpu_shares,
			wall_clock_timeout_ns=excluded.wall_clock_timeout_ns, fuel_budget=excluded.fuel_budget, token_ttl_ns=excluded.token_ttl_ns`,
		sj.JobID, nullStr(sj.ContainerRef), hosts, secrets, sj.MemoryLimitMB, sj.CPUShares, sj.WallClockTimeout.Nanoseconds(), sj.FuelBudget, sj.TokenTTL.Nanoseconds())
	if err != nil {
		return storage.NewError(storage.KindQuery, "UpsertSandboxJob", err)
	}
	return nil
}

func (s *Store) GetSandboxJob(ctx context.Context, jobID string) (*models.SandboxJob, error) {
	var sj models.SandboxJob
	var containerRef *string
	var hosts, secrets []byte
	var wallNs, ttlNs int64
	err := s.pool.QueryRow(ctx, `SELECT job_id,container_ref,allowed_hosts,allowed_secrets,memory_limit_mb,cpu_shares,wall_clock_timeout_ns,fuel_budget,token_ttl_ns FROM sandbox_jobs WHERE job_id=$1`, jobID).
		Scan(&sj.JobID, &containerRef, &hosts, &secrets, &sj.MemoryLimitMB, &sj.CPUShares, &wallNs, &sj.FuelBudget, &ttlNs)
	if isNoRows(err) {
		return nil, storage.NewError(storage.KindNotFound, "GetSandboxJob", nil)
	}
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "GetSandboxJob", err)
	}
	if containerRef != nil {
		sj.ContainerRef = *containerRef
	}
	_ = json.Unmarshal(hosts, &sj.AllowedHosts)
	_ = json.Unmarshal(secrets, &sj.AllowedSecrets)
	sj.WallClockTimeout = time.Duration(wallNs)
	sj.TokenTTL = time.Duration(ttlNs)
	return &sj, nil
}

// -- llm calls / estimations ------------------------------------------------

func (s *Store) RecordLlmCall(ctx context.Context, r *models.LlmCallRecord) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO llm_calls(id,thread_id,turn_id,provider,model,input_tokens,output_tokens,cost_usd,finish_reason,created_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.ThreadID, nullStr(r.TurnID), r.Provider, r.Model, r.InputTokens, r.OutputTokens, r.CostUSD, r.FinishReason, r.CreatedAt.UTC())
	if err != nil {
		return storage.NewError(storage.KindConstraint, "RecordLlmCall", err)
	}
	return nil
}

func (s *Store) ListLlmCalls(ctx context.Context, threadID string, limit, offset int) ([]*models.LlmCallRecord, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := s.pool.Query(ctx, `SELECT id,thread_id,turn_id,provider,model,input_tokens,output_tokens,cost_usd,finish_reason,created_at FROM llm_calls WHERE thread_id=$1 ORDER BY created_at LIMIT $2 OFFSET $3`, threadID, limit, offset)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListLlmCalls", err)
	}
	defer rows.Close()
	var out []*models.LlmCallRecord
	for rows.Next() {
		var r models.LlmCallRecord
		var turnID *string
		if err := rows.Scan(&r.ID, &r.ThreadID, &turnID, &r.Provider, &r.Model, &r.InputTokens, &r.OutputTokens, &r.CostUSD, &r.FinishReason, &r.CreatedAt); err != nil {
			return nil, storage.NewError(storage.KindQuery, "ListLlmCalls", err)
		}
		if turnID != nil {
			r.TurnID = *turnID
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Store) SumLlmCost(ctx context.Context, threadID string) (float64, error) {
	var sum float64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(cost_usd),0) FROM llm_calls WHERE thread_id=$1`, threadID).Scan(&sum)
	if err != nil {
		return 0, storage.NewError(storage.KindQuery, "SumLlmCost", err)
	}
	return sum, nil
}

func (s *Store) RecordEstimation(ctx context.Context, e *models.EstimationSnapshot) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO estimations(id,user_id,period_start,period_end,est_cost_usd,actual_cost_usd,created_at) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.UserID, e.PeriodStart.UTC(), e.PeriodEnd.UTC(), e.EstCostUSD, e.ActualCost, e.CreatedAt.UTC())
	if err != nil {
		return storage.NewError(storage.KindConstraint, "RecordEstimation", err)
	}
	return nil
}

func (s *Store) LatestEstimation(ctx context.Context, userID string) (*models.EstimationSnapshot, error) {
	var e models.EstimationSnapshot
	err := s.pool.QueryRow(ctx, `SELECT id,user_id,period_start,period_end,est_cost_usd,actual_cost_usd,created_at FROM estimations WHERE user_id=$1 ORDER BY created_at DESC LIMIT 1`, userID).
		Scan(&e.ID, &e.UserID, &e.PeriodStart, &e.PeriodEnd, &e.EstCostUSD, &e.ActualCost, &e.CreatedAt)
	if isNoRows(err) {
		return nil, storage.NewError(storage.KindNotFound, "LatestEstimation", nil)
	}
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "LatestEstimation", err)
	}
	return &e, nil
}

// -- tool failures ----------------------------------------------------------

func scanToolFailure(row pgx.Row) (*models.ToolFailure, error) {
	var tf models.ToolFailure
	var lastAt *time.Time
	var reason *string
	if err := row.Scan(&tf.ToolName, &tf.ConsecutiveFailures, &tf.Broken, &lastAt, &reason); err != nil {
		if isNoRows(err) {
			return nil, storage.NewError(storage.KindNotFound, "GetToolFailure", nil)
		}
		return nil, storage.NewError(storage.KindQuery, "GetToolFailure", err)
	}
	tf.LastFailureAt = fromNullTime(lastAt)
	if reason != nil {
		tf.LastFailureReason = *reason
	}
	return &tf, nil
}

func (s *Store) RecordToolFailure(ctx context.Context, toolName, reason string) (*models.ToolFailure, error) {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `INSERT INTO tool_failures(tool_name,consecutive_failures,broken,last_failure_at,last_failure_reason) VALUES($1,1,false,$2,$3)
		ON CONFLICT (tool_name) DO UPDATE SET consecutive_failures = tool_failures.consecutive_failures + 1, last_failure_at=$2, last_failure_reason=$3`,
		toolName, now, reason)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "RecordToolFailure", err)
	}
	return s.GetToolFailure(ctx, toolName)
}

func (s *Store) RecordToolSuccess(ctx context.Context, toolName string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO tool_failures(tool_name,consecutive_failures,broken,last_failure_at,last_failure_reason) VALUES($1,0,false,NULL,NULL)
		ON CONFLICT (tool_name) DO UPDATE SET consecutive_failures=0, broken=false`, toolName)
	if err != nil {
		return storage.NewError(storage.KindQuery, "RecordToolSuccess", err)
	}
	return nil
}

func (s *Store) GetToolFailure(ctx context.Context, toolName string) (*models.ToolFailure, error) {
	row := s.pool.QueryRow(ctx, `SELECT tool_name,consecutive_failures,broken,last_failure_at,last_failure_reason FROM tool_failures WHERE tool_name=$1`, toolName)
	return scanToolFailure(row)
}

func (s *Store) ListBrokenTools(ctx context.Context) ([]*models.ToolFailure, error) {
	rows, err := s.pool.Query(ctx, `SELECT tool_name,consecutive_failures,broken,last_failure_at,last_failure_reason FROM tool_failures WHERE broken=true`)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListBrokenTools", err)
	}
	defer rows.Close()
	var out []*models.ToolFailure
	for rows.Next() {
		tf, err := scanToolFailure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tf)
	}
	return out, rows.Err()
}

func (s *Store) ListFailingTools(ctx context.Context, threshold int) ([]*models.ToolFailure, error) {
	rows, err := s.pool.Query(ctx, `SELECT tool_name,consecutive_failures,broken,last_failure_at,last_failure_reason FROM tool_failures WHERE broken=false AND consecutive_failures>=$1`, threshold)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListFailingTools", err)
	}
	defer rows.Close()
	var out []*models.ToolFailure
	for rows.Next() {
		tf, err := scanToolFailure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tf)
	}
	return out, rows.Err()
}

func (s *Store) MarkBroken(ctx context.Context, toolName string, threshold int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE tool_failures SET broken=true WHERE tool_name=$1 AND consecutive_failures>=$2 AND broken=false`, toolName, threshold)
	if err != nil {
		return false, storage.NewError(storage.KindQuery, "MarkBroken", err)
	}
	return tag.RowsAffected() > 0, nil
}

// -- routines ---------------------------------------------------------------

const routineCols = `id,user_id,name,trigger_kind,cron_expr,regex_pattern,action,cooldown_ns,enabled,last_fired_at,run_count,created_at`

func scanRoutine(row pgx.Row) (*models.Routine, error) {
	var r models.Routine
	var cronExpr, regexPattern *string
	var lastFired *time.Time
	var cooldownNs int64
	if err := row.Scan(&r.ID, &r.UserID, &r.Name, &r.TriggerKind, &cronExpr, &regexPattern, &r.SystemPrompt, &cooldownNs, &r.Enabled, &lastFired, &r.RunCount, &r.CreatedAt); err != nil {
		if isNoRows(err) {
			return nil, storage.NewError(storage.KindNotFound, "GetRoutine", nil)
		}
		return nil, storage.NewError(storage.KindQuery, "GetRoutine", err)
	}
	if cronExpr != nil {
		r.CronExpr = *cronExpr
	}
	if regexPattern != nil {
		r.RegexPattern = *regexPattern
	}
	r.Cooldown = time.Duration(cooldownNs)
	r.LastFiredAt = fromNullTime(lastFired)
	return &r, nil
}

func (s *Store) CreateRoutine(ctx context.Context, r *models.Routine) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO routines(`+routineCols+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, r.UserID, r.Name, r.TriggerKind, nullStr(r.CronExpr), nullStr(r.RegexPattern), r.SystemPrompt,
		r.Cooldown.Nanoseconds(), r.Enabled, nullTime(r.LastFiredAt), r.RunCount, r.CreatedAt.UTC())
	if err != nil {
		return storage.NewError(storage.KindConstraint, "CreateRoutine", err)
	}
	return nil
}

func (s *Store) GetRoutine(ctx context.Context, id string) (*models.Routine, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+routineCols+` FROM routines WHERE id=$1`, id)
	return scanRoutine(row)
}

func (s *Store) ListRoutines(ctx context.Context, userID string, enabledOnly bool) ([]*models.Routine, error) {
	query := `SELECT ` + routineCols + ` FROM routines WHERE user_id=$1`
	if enabledOnly {
		query += ` AND enabled=true`
	}
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListRoutines", err)
	}
	defer rows.Close()
	var out []*models.Routine
	for rows.Next() {
		r, err := scanRoutine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRoutine(ctx context.Context, r *models.Routine) error {
	tag, err := s.pool.Exec(ctx, `UPDATE routines SET name=$1,trigger_kind=$2,cron_expr=$3,regex_pattern=$4,action=$5,cooldown_ns=$6,enabled=$7,last_fired_at=$8,run_count=$9 WHERE id=$10`,
		r.Name, r.TriggerKind, nullStr(r.CronExpr), nullStr(r.RegexPattern), r.SystemPrompt, r.Cooldown.Nanoseconds(), r.Enabled, nullTime(r.LastFiredAt), r.RunCount, r.ID)
	if err != nil {
		return storage.NewError(storage.KindQuery, "UpdateRoutine", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.NewError(storage.KindNotFound, "UpdateRoutine", nil)
	}
	return nil
}

func (s *Store) DeleteRoutine(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM routines WHERE id=$1`, id)
	if err != nil {
		return storage.NewError(storage.KindQuery, "DeleteRoutine", err)
	}
	return nil
}

func (s *Store) RecordRoutineRun(ctx context.Context, run *models.RoutineRun) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO routine_runs(id,routine_id,job_id,success,error,fired_at) VALUES($1,$2,$3,$4,$5,$6)`,
		run.ID, run.RoutineID, nullStr(run.JobID), run.Success, nullStr(run.Error), run.FiredAt.UTC())
	if err != nil {
		return storage.NewError(storage.KindConstraint, "RecordRoutineRun", err)
	}
	return nil
}

func (s *Store) ListRoutineRuns(ctx context.Context, routineID string, limit int) ([]*models.RoutineRun, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := s.pool.Query(ctx, `SELECT id,routine_id,job_id,success,error,fired_at FROM routine_runs WHERE routine_id=$1 ORDER BY fired_at DESC LIMIT $2`, routineID, limit)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListRoutineRuns", err)
	}
	defer rows.Close()
	var out []*models.RoutineRun
	for rows.Next() {
		var run models.RoutineRun
		var jobID, errMsg *string
		if err := rows.Scan(&run.ID, &run.RoutineID, &jobID, &run.Success, &errMsg, &run.FiredAt); err != nil {
			return nil, storage.NewError(storage.KindQuery, "ListRoutineRuns", err)
		}
		if jobID != nil {
			run.JobID = *jobID
		}
		if errMsg != nil {
			run.Error = *errMsg
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}

// -- settings -----------------------------------------------------------

func (s *Store) GetSetting(ctx context.Context, userID, key string) (*models.Setting, error) {
	var st models.Setting
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT user_id,key,value,updated_at FROM settings WHERE user_id=$1 AND key=$2`, userID, key).
		Scan(&st.UserID, &st.Key, &value, &st.UpdatedAt)
	if isNoRows(err) {
		return nil, storage.NewError(storage.KindNotFound, "GetSetting", nil)
	}
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "GetSetting", err)
	}
	_ = json.Unmarshal(value, &st.Value)
	return &st, nil
}

func (s *Store) ListSettings(ctx context.Context, userID string) (map[string]any, error) {
	rows, err := s.pool.Query(ctx, `SELECT key,value FROM settings WHERE user_id=$1`, userID)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListSettings", err)
	}
	defer rows.Close()
	out := make(map[string]any)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, storage.NewError(storage.KindQuery, "ListSettings", err)
		}
		var v any
		_ = json.Unmarshal(value, &v)
		out[key] = v
	}
	return out, rows.Err()
}

func (s *Store) PutSetting(ctx context.Context, st *models.Setting) error {
	value, _ := json.Marshal(st.Value)
	_, err := s.pool.Exec(ctx, `INSERT INTO settings(user_id,key,value,updated_at) VALUES($1,$2,$3,$4)
		ON CONFLICT (user_id,key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		st.UserID, st.Key, value, st.UpdatedAt.UTC())
	if err != nil {
		return storage.NewError(storage.KindQuery, "PutSetting", err)
	}
	return nil
}

func (s *Store) PutSettingsBulk(ctx context.Context, userID string, values map[string]any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storage.NewError(storage.KindPool, "PutSettingsBulk", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM settings WHERE user_id=$1`, userID); err != nil {
		return storage.NewError(storage.KindQuery, "PutSettingsBulk", err)
	}
	now := time.Now().UTC()
	for k, v := range values {
		encoded, _ := json.Marshal(v)
		if _, err := tx.Exec(ctx, `INSERT INTO settings(user_id,key,value,updated_at) VALUES($1,$2,$3,$4)`, userID, k, encoded, now); err != nil {
			return storage.NewError(storage.KindQuery, "PutSettingsBulk", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return storage.NewError(storage.KindQuery, "PutSettingsBulk", err)
	}
	return nil
}

func (s *Store) DeleteSetting(ctx context.Context, userID, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM settings WHERE user_id=$1 AND key=$2`, userID, key)
	if err != nil {
		return storage.NewError(storage.KindQuery, "DeleteSetting", err)
	}
	return nil
}

// -- workspace documents / chunks / search -------------------------------

const documentCols = `id,user_id,path,content,importance,access_count,last_accessed_at,event_date,source_url,tags,created_at,updated_at`

func scanDocument(row pgx.Row) (*models.MemoryDocument, error) {
	var d models.MemoryDocument
	var sourceURL *string
	var tags []byte
	if err := row.Scan(&d.ID, &d.UserID, &d.Path, &d.Content, &d.Importance, &d.AccessCount, &d.LastAccessedAt, &d.EventDate, &sourceURL, &tags, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if isNoRows(err) {
			return nil, storage.NewError(storage.KindNotFound, "GetDocument", nil)
		}
		return nil, storage.NewError(storage.KindQuery, "GetDocument", err)
	}
	if sourceURL != nil {
		d.SourceURL = *sourceURL
	}
	_ = json.Unmarshal(tags, &d.Tags)
	return &d, nil
}

// PutDocument upserts d, taking a row lock on any existing (user_id,path)
// row first so concurrent writers to the same path serialize rather than
// interleave chunk replacement.
func (s *Store) PutDocument(ctx context.Context, d *models.MemoryDocument) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storage.NewError(storage.KindPool, "PutDocument", err)
	}
	defer tx.Rollback(ctx)

	var existingID string
	err = tx.QueryRow(ctx, `SELECT id FROM documents WHERE user_id=$1 AND path=$2 FOR UPDATE`, d.UserID, d.Path).Scan(&existingID)
	if err != nil && !isNoRows(err) {
		return storage.NewError(storage.KindQuery, "PutDocument", err)
	}

	tags, _ := json.Marshal(d.Tags)
	_, err = tx.Exec(ctx, `INSERT INTO documents(`+documentCols+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (user_id,path) DO UPDATE SET content=excluded.content, importance=excluded.importance,
			access_count=excluded.access_count, last_accessed_at=excluded.last_accessed_at, event_date=excluded.event_date,
			source_url=excluded.source_url, tags=excluded.tags, updated_at=excluded.updated_at`,
		d.ID, d.UserID, d.Path, d.Content, d.Importance, d.AccessCount, d.LastAccessedAt, d.EventDate, nullStr(d.SourceURL), tags, d.CreatedAt.UTC(), d.UpdatedAt.UTC())
	if err != nil {
		return storage.NewError(storage.KindConstraint, "PutDocument", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storage.NewError(storage.KindQuery, "PutDocument", err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, userID, path string) (*models.MemoryDocument, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+documentCols+` FROM documents WHERE user_id=$1 AND path=$2`, userID, path)
	return scanDocument(row)
}

func (s *Store) GetDocumentByID(ctx context.Context, id string) (*models.MemoryDocument, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+documentCols+` FROM documents WHERE id=$1`, id)
	return scanDocument(row)
}

func (s *Store) ListDocuments(ctx context.Context, userID, pathPrefix string) ([]*models.MemoryDocument, error) {
	query := `SELECT ` + documentCols + ` FROM documents WHERE user_id=$1`
	args := []any{userID}
	if pathPrefix != "" {
		args = append(args, pathPrefix+"%")
		query += fmt.Sprintf(` AND path LIKE $%d`, len(args))
	}
	query += ` ORDER BY path`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListDocuments", err)
	}
	defer rows.Close()
	var out []*models.MemoryDocument
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) DeleteDocument(ctx context.Context, userID, path string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storage.NewError(storage.KindPool, "DeleteDocument", err)
	}
	defer tx.Rollback(ctx)
	var id string
	err = tx.QueryRow(ctx, `SELECT id FROM documents WHERE user_id=$1 AND path=$2`, userID, path).Scan(&id)
	if isNoRows(err) {
		return storage.NewError(storage.KindNotFound, "DeleteDocument", nil)
	}
	if err != nil {
		return storage.NewError(storage.KindQuery, "DeleteDocument", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id=$1`, id); err != nil {
		return storage.NewError(storage.KindQuery, "DeleteDocument", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE id=$1`, id); err != nil {
		return storage.NewError(storage.KindQuery, "DeleteDocument", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storage.NewError(storage.KindQuery, "DeleteDocument", err)
	}
	return nil
}

func (s *Store) TouchDocumentAccess(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE documents SET access_count = access_count + 1, last_accessed_at = $1 WHERE id=$2`, time.Now().UTC(), id)
	if err != nil {
		return storage.NewError(storage.KindQuery, "TouchDocumentAccess", err)
	}
	return nil
}

func (s *Store) ReplaceChunks(ctx context.Context, documentID string, chunks []*models.MemoryChunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storage.NewError(storage.KindPool, "ReplaceChunks", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id=$1`, documentID); err != nil {
		return storage.NewError(storage.KindQuery, "ReplaceChunks", err)
	}
	for _, c := range chunks {
		vec := vectorLiteral(c.Embedding)
		if _, err := tx.Exec(ctx, `INSERT INTO chunks(id,document_id,chunk_index,content,embedding,created_at) VALUES($1,$2,$3,$4,$5::vector,$6)`,
			c.ID, documentID, c.ChunkIndex, c.Content, vec, c.CreatedAt.UTC()); err != nil {
			return storage.NewError(storage.KindConstraint, "ReplaceChunks", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return storage.NewError(storage.KindQuery, "ReplaceChunks", err)
	}
	return nil
}

func (s *Store) ListChunks(ctx context.Context, documentID string) ([]*models.MemoryChunk, error) {
	rows, err := s.pool.Query(ctx, `SELECT id,document_id,chunk_index,content,embedding,created_at FROM chunks WHERE document_id=$1 ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListChunks", err)
	}
	defer rows.Close()
	var out []*models.MemoryChunk
	for rows.Next() {
		c, err := scanChunkRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanChunkRow(rows pgx.Rows) (*models.MemoryChunk, error) {
	var c models.MemoryChunk
	var vec *string
	if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &vec, &c.CreatedAt); err != nil {
		return nil, storage.NewError(storage.KindQuery, "scanChunkRow", err)
	}
	if vec != nil {
		c.Embedding = parseVectorLiteral(*vec)
	}
	return &c, nil
}

func parseVectorLiteral(lit string) []float32 {
	lit = strings.TrimPrefix(strings.TrimSuffix(lit, "]"), "[")
	if lit == "" {
		return nil
	}
	parts := strings.Split(lit, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		var f float64
		fmt.Sscanf(p, "%g", &f)
		out = append(out, float32(f))
	}
	return out
}

func filterClause(filters models.SearchFilters, startArg int, args []any) (string, []any, int) {
	var sb strings.Builder
	n := startArg
	if filters.PathPrefix != "" {
		args = append(args, filters.PathPrefix+"%")
		n++
		sb.WriteString(fmt.Sprintf(" AND d.path LIKE $%d", n))
	}
	if filters.SpaceID != "" {
		args = append(args, filters.SpaceID)
		n++
		sb.WriteString(fmt.Sprintf(" AND EXISTS (SELECT 1 FROM spaces sp WHERE sp.id=$%d AND sp.document_ids @> to_jsonb(d.id::text))", n))
	}
	return sb.String(), args, n
}

// LexicalSearch uses Postgres's tsvector/GIN full-text index with
// plainto_tsquery, ranked by ts_rank — the indexed counterpart to the
// SQLite dialect's FTS5 bm25() ranking.
func (s *Store) LexicalSearch(ctx context.Context, userID, query string, limit int, filters models.SearchFilters) ([]storage.RankedChunk, error) {
	if limit <= 0 {
		limit = 50
	}
	args := []any{userID, query}
	clause, args, _ := filterClause(filters, len(args), args)
	args = append(args, limit)
	sql := fmt.Sprintf(`SELECT c.id, c.document_id FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE d.user_id=$1 AND c.content_tsv @@ plainto_tsquery('english', $2)%s
		ORDER BY ts_rank(c.content_tsv, plainto_tsquery('english', $2)) DESC LIMIT $%d`, clause, len(args))
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "LexicalSearch", err)
	}
	defer rows.Close()
	var out []storage.RankedChunk
	rank := 1
	for rows.Next() {
		var chunkID, docID string
		if err := rows.Scan(&chunkID, &docID); err != nil {
			return nil, storage.NewError(storage.KindQuery, "LexicalSearch", err)
		}
		out = append(out, storage.RankedChunk{ChunkID: chunkID, DocumentID: docID, Rank: rank})
		rank++
	}
	return out, rows.Err()
}

// VectorSearch orders by pgvector's cosine-distance operator (<=>), the
// indexed counterpart to the SQLite dialect's brute-force cosine scan.
func (s *Store) VectorSearch(ctx context.Context, userID string, queryEmbedding []float32, limit int, filters models.SearchFilters) ([]storage.RankedChunk, error) {
	if limit <= 0 {
		limit = 50
	}
	vec := vectorLiteral(queryEmbedding)
	if vec == nil {
		return nil, nil
	}
	args := []any{userID, *vec}
	clause, args, _ := filterClause(filters, len(args), args)
	args = append(args, limit)
	sql := fmt.Sprintf(`SELECT c.id, c.document_id FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE d.user_id=$1 AND c.embedding IS NOT NULL%s
		ORDER BY c.embedding <=> $2::vector LIMIT $%d`, clause, len(args))
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "VectorSearch", err)
	}
	defer rows.Close()
	var out []storage.RankedChunk
	rank := 1
	for rows.Next() {
		var chunkID, docID string
		if err := rows.Scan(&chunkID, &docID); err != nil {
			return nil, storage.NewError(storage.KindQuery, "VectorSearch", err)
		}
		out = append(out, storage.RankedChunk{ChunkID: chunkID, DocumentID: docID, Rank: rank})
		rank++
	}
	return out, rows.Err()
}

// -- connections / spaces / profile entries ---------------------------------

func (s *Store) CreateConnection(ctx context.Context, c *models.MemoryConnection) error {
	if c.SourceID == c.TargetID {
		return storage.NewError(storage.KindConstraint, "CreateConnection", fmt.Errorf("self-loop connection rejected"))
	}
	meta, _ := json.Marshal(c.Metadata)
	_, err := s.pool.Exec(ctx, `INSERT INTO connections(id,source_id,target_id,connection_type,strength,metadata,created_at) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		c.ID, c.SourceID, c.TargetID, c.Type, c.Strength, meta, c.CreatedAt.UTC())
	if err != nil {
		return storage.NewError(storage.KindConstraint, "CreateConnection", err)
	}
	return nil
}

// ListConnections performs a depth-bounded, cycle-safe breadth-first walk
// from documentID over both edge directions, clamping maxDepth to [1,10]
// to match the in-process workspace manager's traversal bound.
func (s *Store) ListConnections(ctx context.Context, documentID string, maxDepth int) ([]*models.MemoryConnection, error) {
	if maxDepth <= 0 {
		maxDepth = 1
	}
	if maxDepth > 10 {
		maxDepth = 10
	}
	visited := map[string]bool{documentID: true}
	frontier := []string{documentID}
	var out []*models.MemoryConnection
	seenEdge := map[string]bool{}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		placeholders := make([]string, len(frontier))
		args := make([]any, len(frontier))
		for i, id := range frontier {
			args[i] = id
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
		sql := fmt.Sprintf(`SELECT id,source_id,target_id,connection_type,strength,metadata,created_at FROM connections WHERE source_id IN (%s) OR target_id IN (%s)`,
			strings.Join(placeholders, ","), strings.Join(placeholders, ","))
		rows, err := s.pool.Query(ctx, sql, append(append([]any{}, args...), args...)...)
		if err != nil {
			return nil, storage.NewError(storage.KindQuery, "ListConnections", err)
		}
		var next []string
		for rows.Next() {
			var c models.MemoryConnection
			var meta []byte
			if err := rows.Scan(&c.ID, &c.SourceID, &c.TargetID, &c.Type, &c.Strength, &meta, &c.CreatedAt); err != nil {
				rows.Close()
				return nil, storage.NewError(storage.KindQuery, "ListConnections", err)
			}
			_ = json.Unmarshal(meta, &c.Metadata)
			if !seenEdge[c.ID] {
				seenEdge[c.ID] = true
				out = append(out, &c)
			}
			for _, n := range []string{c.SourceID, c.TargetID} {
				if !visited[n] {
					visited[n] = true
					next = append(next, n)
				}
			}
		}
		rows.Close()
		frontier = next
	}
	return out, nil
}

func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM connections WHERE id=$1`, id)
	if err != nil {
		return storage.NewError(storage.KindQuery, "DeleteConnection", err)
	}
	return nil
}

func (s *Store) CreateSpace(ctx context.Context, sp *models.MemorySpace) error {
	ids, _ := json.Marshal(sp.DocumentIDs)
	_, err := s.pool.Exec(ctx, `INSERT INTO spaces(id,user_id,name,document_ids,created_at) VALUES($1,$2,$3,$4,$5)`,
		sp.ID, sp.UserID, sp.Name, ids, sp.CreatedAt.UTC())
	if err != nil {
		return storage.NewError(storage.KindConstraint, "CreateSpace", err)
	}
	return nil
}

func scanSpace(row pgx.Row) (*models.MemorySpace, error) {
	var sp models.MemorySpace
	var ids []byte
	if err := row.Scan(&sp.ID, &sp.UserID, &sp.Name, &ids, &sp.CreatedAt); err != nil {
		if isNoRows(err) {
			return nil, storage.NewError(storage.KindNotFound, "GetSpace", nil)
		}
		return nil, storage.NewError(storage.KindQuery, "GetSpace", err)
	}
	_ = json.Unmarshal(ids, &sp.DocumentIDs)
	return &sp, nil
}

func (s *Store) GetSpace(ctx context.Context, userID, name string) (*models.MemorySpace, error) {
	row := s.pool.QueryRow(ctx, `SELECT id,user_id,name,document_ids,created_at FROM spaces WHERE user_id=$1 AND name=$2`, userID, name)
	return scanSpace(row)
}

func (s *Store) ListSpaces(ctx context.Context, userID string) ([]*models.MemorySpace, error) {
	rows, err := s.pool.Query(ctx, `SELECT id,user_id,name,document_ids,created_at FROM spaces WHERE user_id=$1 ORDER BY name`, userID)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListSpaces", err)
	}
	defer rows.Close()
	var out []*models.MemorySpace
	for rows.Next() {
		sp, err := scanSpace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (s *Store) AddToSpace(ctx context.Context, spaceID, documentID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storage.NewError(storage.KindPool, "AddToSpace", err)
	}
	defer tx.Rollback(ctx)
	var ids []byte
	if err := tx.QueryRow(ctx, `SELECT document_ids FROM spaces WHERE id=$1`, spaceID).Scan(&ids); err != nil {
		if isNoRows(err) {
			return storage.NewError(storage.KindNotFound, "AddToSpace", nil)
		}
		return storage.NewError(storage.KindQuery, "AddToSpace", err)
	}
	var list []string
	_ = json.Unmarshal(ids, &list)
	for _, id := range list {
		if id == documentID {
			return tx.Commit(ctx)
		}
	}
	list = append(list, documentID)
	encoded, _ := json.Marshal(list)
	if _, err := tx.Exec(ctx, `UPDATE spaces SET document_ids=$1 WHERE id=$2`, encoded, spaceID); err != nil {
		return storage.NewError(storage.KindQuery, "AddToSpace", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storage.NewError(storage.KindQuery, "AddToSpace", err)
	}
	return nil
}

func (s *Store) PutProfileEntry(ctx context.Context, e *models.UserProfileEntry) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO profile_entries(user_id,key,profile_type,value,confidence,source,updated_at) VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (user_id,key) DO UPDATE SET profile_type=excluded.profile_type, value=excluded.value,
			confidence=excluded.confidence, source=excluded.source, updated_at=excluded.updated_at`,
		e.UserID, e.Key, e.Type, e.Value, e.Confidence, nullStr(e.Source), e.UpdatedAt.UTC())
	if err != nil {
		return storage.NewError(storage.KindQuery, "PutProfileEntry", err)
	}
	return nil
}

func (s *Store) GetProfileEntry(ctx context.Context, userID, key string) (*models.UserProfileEntry, error) {
	var e models.UserProfileEntry
	var source *string
	err := s.pool.QueryRow(ctx, `SELECT user_id,key,profile_type,value,confidence,source,updated_at FROM profile_entries WHERE user_id=$1 AND key=$2`, userID, key).
		Scan(&e.UserID, &e.Key, &e.Type, &e.Value, &e.Confidence, &source, &e.UpdatedAt)
	if isNoRows(err) {
		return nil, storage.NewError(storage.KindNotFound, "GetProfileEntry", nil)
	}
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "GetProfileEntry", err)
	}
	if source != nil {
		e.Source = *source
	}
	return &e, nil
}

func (s *Store) ListProfileEntries(ctx context.Context, userID string, profileType models.ProfileType) ([]*models.UserProfileEntry, error) {
	query := `SELECT user_id,key,profile_type,value,confidence,source,updated_at FROM profile_entries WHERE user_id=$1`
	args := []any{userID}
	if profileType != "" {
		args = append(args, profileType)
		query += fmt.Sprintf(` AND profile_type=$%d`, len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storage.NewError(storage.KindQuery, "ListProfileEntries", err)
	}
	defer rows.Close()
	var out []*models.UserProfileEntry
	for rows.Next() {
		var e models.UserProfileEntry
		var source *string
		if err := rows.Scan(&e.UserID, &e.Key, &e.Type, &e.Value, &e.Confidence, &source, &e.UpdatedAt); err != nil {
			return nil, storage.NewError(storage.KindQuery, "ListProfileEntries", err)
		}
		if source != nil {
			e.Source = *source
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
