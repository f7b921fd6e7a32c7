package storage

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielsimonjr/ironclaw/pkg/models"
)

// MemoryPort is an in-memory Port implementation. It backs `--no-db` CLI
// operation and the property-suite's reference fixture that both the
// SQLite and Postgres dialects are checked against.
type MemoryPort struct {
	mu sync.RWMutex

	sessions map[string]*models.Session
	threads  map[string]*models.Thread
	turns    map[string]map[int]*models.Turn // threadID -> turnNumber -> turn

	jobs        map[string]*models.Job
	jobEvents   map[string][]*models.JobEvent
	sandboxJobs map[string]*models.SandboxJob

	llmCalls    []*models.LlmCallRecord
	estimations map[string][]*models.EstimationSnapshot

	toolFailures map[string]*models.ToolFailure

	routines    map[string]*models.Routine
	routineRuns map[string][]*models.RoutineRun

	settings map[string]map[string]any // userID -> key -> value

	documents   map[string]*models.MemoryDocument // id -> doc
	docsByPath  map[string]string                 // userID|path -> id
	chunks      map[string][]*models.MemoryChunk  // documentID -> chunks
	connections map[string]*models.MemoryConnection
	spaces      map[string]*models.MemorySpace
	profiles    map[string]map[string]*models.UserProfileEntry // userID -> key -> entry
}

// NewMemoryPort constructs an empty in-memory Port.
func NewMemoryPort() *MemoryPort {
	return &MemoryPort{
		sessions:     make(map[string]*models.Session),
		threads:      make(map[string]*models.Thread),
		turns:        make(map[string]map[int]*models.Turn),
		jobs:         make(map[string]*models.Job),
		jobEvents:    make(map[string][]*models.JobEvent),
		sandboxJobs:  make(map[string]*models.SandboxJob),
		estimations:  make(map[string][]*models.EstimationSnapshot),
		toolFailures: make(map[string]*models.ToolFailure),
		routines:     make(map[string]*models.Routine),
		routineRuns:  make(map[string][]*models.RoutineRun),
		settings:     make(map[string]map[string]any),
		documents:    make(map[string]*models.MemoryDocument),
		docsByPath:   make(map[string]string),
		chunks:       make(map[string][]*models.MemoryChunk),
		connections:  make(map[string]*models.MemoryConnection),
		spaces:       make(map[string]*models.MemorySpace),
		profiles:     make(map[string]map[string]*models.UserProfileEntry),
	}
}

func (p *MemoryPort) Close() error { return nil }

// -- conversations --------------------------------------------------------

func (p *MemoryPort) CreateSession(_ context.Context, s *models.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[s.ID]; ok {
		return NewError(KindConstraint, "CreateSession", nil)
	}
	cp := *s
	p.sessions[s.ID] = &cp
	return nil
}

func (p *MemoryPort) GetSession(_ context.Context, id string) (*models.Session, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[id]
	if !ok {
		return nil, NewError(KindNotFound, "GetSession", nil)
	}
	cp := *s
	return &cp, nil
}

func (p *MemoryPort) GetSessionByUser(_ context.Context, userID string) (*models.Session, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.sessions {
		if s.UserID == userID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, NewError(KindNotFound, "GetSessionByUser", nil)
}

func (p *MemoryPort) UpdateSession(_ context.Context, s *models.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[s.ID]; !ok {
		return NewError(KindNotFound, "UpdateSession", nil)
	}
	cp := *s
	p.sessions[s.ID] = &cp
	return nil
}

func (p *MemoryPort) ListIdleSessions(_ context.Context, idleSince int64) ([]*models.Session, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cutoff := time.Unix(idleSince, 0)
	var out []*models.Session
	for _, s := range p.sessions {
		if s.LastActiveAt.Before(cutoff) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (p *MemoryPort) DeleteSession(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, id)
	return nil
}

func (p *MemoryPort) CreateThread(_ context.Context, t *models.Thread) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.threads[t.ID]; ok {
		return NewError(KindConstraint, "CreateThread", nil)
	}
	cp := *t
	p.threads[t.ID] = &cp
	p.turns[t.ID] = make(map[int]*models.Turn)
	return nil
}

func (p *MemoryPort) GetThread(_ context.Context, id string) (*models.Thread, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.threads[id]
	if !ok {
		return nil, NewError(KindNotFound, "GetThread", nil)
	}
	cp := *t
	return &cp, nil
}

func (p *MemoryPort) ListThreadsBySession(_ context.Context, sessionID string) ([]*models.Thread, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*models.Thread
	for _, t := range p.threads {
		if t.SessionID == sessionID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (p *MemoryPort) UpdateThread(_ context.Context, t *models.Thread) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.threads[t.ID]; !ok {
		return NewError(KindNotFound, "UpdateThread", nil)
	}
	cp := *t
	p.threads[t.ID] = &cp
	return nil
}

func (p *MemoryPort) OwnsThread(_ context.Context, userID, threadID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.threads[threadID]
	if !ok {
		return false, NewError(KindNotFound, "OwnsThread", nil)
	}
	return t.UserID == userID, nil
}

func (p *MemoryPort) CreateTurn(_ context.Context, t *models.Turn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	byNum, ok := p.turns[t.ThreadID]
	if !ok {
		byNum = make(map[int]*models.Turn)
		p.turns[t.ThreadID] = byNum
	}
	if _, exists := byNum[t.TurnNumber]; exists {
		return NewError(KindConstraint, "CreateTurn", nil)
	}
	cp := *t
	byNum[t.TurnNumber] = &cp
	return nil
}

func (p *MemoryPort) GetTurn(_ context.Context, threadID string, turnNumber int) (*models.Turn, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	byNum, ok := p.turns[threadID]
	if !ok {
		return nil, NewError(KindNotFound, "GetTurn", nil)
	}
	t, ok := byNum[turnNumber]
	if !ok {
		return nil, NewError(KindNotFound, "GetTurn", nil)
	}
	cp := *t
	return &cp, nil
}

func (p *MemoryPort) ListTurns(_ context.Context, threadID string, limit, offset int) ([]*models.Turn, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	byNum := p.turns[threadID]
	nums := make([]int, 0, len(byNum))
	for n := range byNum {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	var out []*models.Turn
	for i, n := range nums {
		if i < offset {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *byNum[n]
		out = append(out, &cp)
	}
	return out, nil
}

func (p *MemoryPort) UpdateTurn(_ context.Context, t *models.Turn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	byNum, ok := p.turns[t.ThreadID]
	if !ok {
		return NewError(KindNotFound, "UpdateTurn", nil)
	}
	if _, exists := byNum[t.TurnNumber]; !exists {
		return NewError(KindNotFound, "UpdateTurn", nil)
	}
	cp := *t
	byNum[t.TurnNumber] = &cp
	return nil
}

func (p *MemoryPort) CountTurns(_ context.Context, threadID string) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.turns[threadID]), nil
}

func (p *MemoryPort) AppendAction(_ context.Context, turnID string, a models.Action) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, byNum := range p.turns {
		for _, t := range byNum {
			if t.ID == turnID {
				t.Actions = append(t.Actions, a)
				return nil
			}
		}
	}
	return NewError(KindNotFound, "AppendAction", nil)
}

func (p *MemoryPort) ListActions(_ context.Context, turnID string) ([]models.Action, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, byNum := range p.turns {
		for _, t := range byNum {
			if t.ID == turnID {
				out := make([]models.Action, len(t.Actions))
				copy(out, t.Actions)
				return out, nil
			}
		}
	}
	return nil, NewError(KindNotFound, "ListActions", nil)
}

// -- jobs -------------------------------------------------------------

func (p *MemoryPort) CreateJob(_ context.Context, j *models.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.jobs[j.ID]; ok {
		return NewError(KindConstraint, "CreateJob", nil)
	}
	cp := *j
	p.jobs[j.ID] = &cp
	return nil
}

func (p *MemoryPort) GetJob(_ context.Context, id string) (*models.Job, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	j, ok := p.jobs[id]
	if !ok {
		return nil, NewError(KindNotFound, "GetJob", nil)
	}
	cp := *j
	return &cp, nil
}

func (p *MemoryPort) ListJobs(_ context.Context, userID string, states []models.JobState, limit, offset int) ([]*models.Job, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stateSet := make(map[models.JobState]bool, len(states))
	for _, s := range states {
		stateSet[s] = true
	}
	var all []*models.Job
	for _, j := range p.jobs {
		if userID != "" && j.UserID != userID {
			continue
		}
		if len(stateSet) > 0 && !stateSet[j.State] {
			continue
		}
		cp := *j
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, k int) bool { return all[i].CreatedAt.Before(all[k].CreatedAt) })
	if offset > len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (p *MemoryPort) UpdateJob(_ context.Context, j *models.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	existing, ok := p.jobs[j.ID]
	if !ok {
		return NewError(KindNotFound, "UpdateJob", nil)
	}
	if !existing.State.CanTransition(j.State) && existing.State != j.State {
		return NewError(KindConstraint, "UpdateJob: illegal transition "+string(existing.State)+"->"+string(j.State), nil)
	}
	cp := *j
	p.jobs[j.ID] = &cp
	return nil
}

func (p *MemoryPort) OwnsJob(_ context.Context, userID, jobID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	j, ok := p.jobs[jobID]
	if !ok {
		return false, NewError(KindNotFound, "OwnsJob", nil)
	}
	return j.UserID == userID, nil
}

func (p *MemoryPort) ListStuckCandidates(_ context.Context, lastActivityBefore int64) ([]*models.Job, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cutoff := time.Unix(lastActivityBefore, 0)
	var out []*models.Job
	for _, j := range p.jobs {
		if j.State == models.JobInProgress && j.LastActivityAt.Before(cutoff) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (p *MemoryPort) AppendJobEvent(_ context.Context, e *models.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *e
	p.jobEvents[e.JobID] = append(p.jobEvents[e.JobID], &cp)
	return nil
}

func (p *MemoryPort) ListJobEvents(_ context.Context, jobID string, limit, offset int) ([]*models.JobEvent, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	all := p.jobEvents[jobID]
	if offset > len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	out := make([]*models.JobEvent, len(all))
	copy(out, all)
	return out, nil
}

func (p *MemoryPort) UpsertSandboxJob(_ context.Context, sj *models.SandboxJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *sj
	p.sandboxJobs[sj.JobID] = &cp
	return nil
}

func (p *MemoryPort) GetSandboxJob(_ context.Context, jobID string) (*models.SandboxJob, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sj, ok := p.sandboxJobs[jobID]
	if !ok {
		return nil, NewError(KindNotFound, "GetSandboxJob", nil)
	}
	cp := *sj
	return &cp, nil
}

// -- llm calls / estimations -------------------------------------------

func (p *MemoryPort) RecordLlmCall(_ context.Context, r *models.LlmCallRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *r
	p.llmCalls = append(p.llmCalls, &cp)
	return nil
}

func (p *MemoryPort) ListLlmCalls(_ context.Context, threadID string, limit, offset int) ([]*models.LlmCallRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var matches []*models.LlmCallRecord
	for _, r := range p.llmCalls {
		if r.ThreadID == threadID {
			cp := *r
			matches = append(matches, &cp)
		}
	}
	if offset > len(matches) {
		return nil, nil
	}
	matches = matches[offset:]
	if limit > 0 && limit < len(matches) {
		matches = matches[:limit]
	}
	return matches, nil
}

func (p *MemoryPort) SumLlmCost(_ context.Context, threadID string) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var sum float64
	for _, r := range p.llmCalls {
		if r.ThreadID == threadID {
			sum += r.CostUSD
		}
	}
	return sum, nil
}

func (p *MemoryPort) RecordEstimation(_ context.Context, e *models.EstimationSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *e
	p.estimations[e.UserID] = append(p.estimations[e.UserID], &cp)
	return nil
}

func (p *MemoryPort) LatestEstimation(_ context.Context, userID string) (*models.EstimationSnapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	list := p.estimations[userID]
	if len(list) == 0 {
		return nil, NewError(KindNotFound, "LatestEstimation", nil)
	}
	latest := list[0]
	for _, e := range list[1:] {
		if e.PeriodEnd.After(latest.PeriodEnd) {
			latest = e
		}
	}
	cp := *latest
	return &cp, nil
}

// -- tool failures -------------------------------------------------------

func (p *MemoryPort) RecordToolFailure(_ context.Context, toolName, reason string) (*models.ToolFailure, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.toolFailures[toolName]
	if !ok {
		f = &models.ToolFailure{ToolName: toolName}
		p.toolFailures[toolName] = f
	}
	f.ConsecutiveFailures++
	f.LastFailureAt = time.Now().UTC()
	f.LastFailureReason = reason
	cp := *f
	return &cp, nil
}

func (p *MemoryPort) RecordToolSuccess(_ context.Context, toolName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.toolFailures[toolName]; ok {
		f.ConsecutiveFailures = 0
		f.Broken = false
	}
	return nil
}

func (p *MemoryPort) GetToolFailure(_ context.Context, toolName string) (*models.ToolFailure, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, ok := p.toolFailures[toolName]
	if !ok {
		return nil, NewError(KindNotFound, "GetToolFailure", nil)
	}
	cp := *f
	return &cp, nil
}

func (p *MemoryPort) ListBrokenTools(_ context.Context) ([]*models.ToolFailure, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*models.ToolFailure
	for _, f := range p.toolFailures {
		if f.Broken {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ListFailingTools returns tools at or above threshold consecutive
// failures that aren't marked broken yet.
func (p *MemoryPort) ListFailingTools(_ context.Context, threshold int) ([]*models.ToolFailure, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*models.ToolFailure
	for _, f := range p.toolFailures {
		if !f.Broken && f.ConsecutiveFailures >= threshold {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

// MarkBroken flags a tool as broken once its consecutive failures exceed
// threshold; used by internal/background's self-repair task.
func (p *MemoryPort) MarkBroken(_ context.Context, toolName string, threshold int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.toolFailures[toolName]
	if !ok || f.ConsecutiveFailures < threshold {
		return false, nil
	}
	f.Broken = true
	return true, nil
}

// -- routines -------------------------------------------------------------

func (p *MemoryPort) CreateRoutine(_ context.Context, r *models.Routine) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *r
	p.routines[r.ID] = &cp
	return nil
}

func (p *MemoryPort) GetRoutine(_ context.Context, id string) (*models.Routine, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.routines[id]
	if !ok {
		return nil, NewError(KindNotFound, "GetRoutine", nil)
	}
	cp := *r
	return &cp, nil
}

func (p *MemoryPort) ListRoutines(_ context.Context, userID string, enabledOnly bool) ([]*models.Routine, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*models.Routine
	for _, r := range p.routines {
		if userID != "" && r.UserID != userID {
			continue
		}
		if enabledOnly && !r.Enabled {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (p *MemoryPort) UpdateRoutine(_ context.Context, r *models.Routine) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.routines[r.ID]; !ok {
		return NewError(KindNotFound, "UpdateRoutine", nil)
	}
	cp := *r
	p.routines[r.ID] = &cp
	return nil
}

func (p *MemoryPort) DeleteRoutine(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.routines, id)
	return nil
}

func (p *MemoryPort) RecordRoutineRun(_ context.Context, run *models.RoutineRun) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *run
	p.routineRuns[run.RoutineID] = append(p.routineRuns[run.RoutineID], &cp)
	return nil
}

func (p *MemoryPort) ListRoutineRuns(_ context.Context, routineID string, limit int) ([]*models.RoutineRun, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	all := p.routineRuns[routineID]
	if limit > 0 && limit < len(all) {
		all = all[len(all)-limit:]
	}
	out := make([]*models.RoutineRun, len(all))
	copy(out, all)
	return out, nil
}

// -- settings -------------------------------------------------------------

func (p *MemoryPort) GetSetting(_ context.Context, userID, key string) (*models.Setting, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	values, ok := p.settings[userID]
	if !ok {
		return nil, NewError(KindNotFound, "GetSetting", nil)
	}
	v, ok := values[key]
	if !ok {
		return nil, NewError(KindNotFound, "GetSetting", nil)
	}
	return &models.Setting{UserID: userID, Key: key, Value: v}, nil
}

func (p *MemoryPort) ListSettings(_ context.Context, userID string) (map[string]any, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]any)
	for k, v := range p.settings[userID] {
		out[k] = v
	}
	return out, nil
}

func (p *MemoryPort) PutSetting(_ context.Context, s *models.Setting) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	values, ok := p.settings[s.UserID]
	if !ok {
		values = make(map[string]any)
		p.settings[s.UserID] = values
	}
	values[s.Key] = s.Value
	return nil
}

func (p *MemoryPort) PutSettingsBulk(_ context.Context, userID string, values map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	dst := make(map[string]any, len(values))
	for k, v := range values {
		dst[k] = v
	}
	p.settings[userID] = dst
	return nil
}

func (p *MemoryPort) DeleteSetting(_ context.Context, userID, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.settings[userID], key)
	return nil
}

// -- workspace --------------------------------------------------------

func docKey(userID, path string) string { return userID + "|" + path }

func (p *MemoryPort) PutDocument(_ context.Context, d *models.MemoryDocument) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *d
	p.documents[d.ID] = &cp
	p.docsByPath[docKey(d.UserID, d.Path)] = d.ID
	return nil
}

func (p *MemoryPort) GetDocument(_ context.Context, userID, path string) (*models.MemoryDocument, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.docsByPath[docKey(userID, path)]
	if !ok {
		return nil, NewError(KindNotFound, "GetDocument", nil)
	}
	cp := *p.documents[id]
	return &cp, nil
}

func (p *MemoryPort) GetDocumentByID(_ context.Context, id string) (*models.MemoryDocument, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.documents[id]
	if !ok {
		return nil, NewError(KindNotFound, "GetDocumentByID", nil)
	}
	cp := *d
	return &cp, nil
}

func (p *MemoryPort) ListDocuments(_ context.Context, userID, pathPrefix string) ([]*models.MemoryDocument, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*models.MemoryDocument
	for _, d := range p.documents {
		if d.UserID != userID {
			continue
		}
		if pathPrefix != "" && !strings.HasPrefix(d.Path, pathPrefix) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (p *MemoryPort) DeleteDocument(_ context.Context, userID, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := docKey(userID, path)
	id, ok := p.docsByPath[key]
	if !ok {
		return NewError(KindNotFound, "DeleteDocument", nil)
	}
	delete(p.docsByPath, key)
	delete(p.documents, id)
	delete(p.chunks, id)
	return nil
}

func (p *MemoryPort) TouchDocumentAccess(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.documents[id]
	if !ok {
		return NewError(KindNotFound, "TouchDocumentAccess", nil)
	}
	d.AccessCount++
	d.LastAccessedAt = time.Now().UTC()
	return nil
}

func (p *MemoryPort) ReplaceChunks(_ context.Context, documentID string, chunks []*models.MemoryChunk) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]*models.MemoryChunk, len(chunks))
	for i, c := range chunks {
		dup := *c
		cp[i] = &dup
	}
	p.chunks[documentID] = cp
	return nil
}

func (p *MemoryPort) ListChunks(_ context.Context, documentID string) ([]*models.MemoryChunk, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	all := p.chunks[documentID]
	out := make([]*models.MemoryChunk, len(all))
	copy(out, all)
	return out, nil
}

// LexicalSearch implements a simple token-overlap ranking over all chunks
// for userID, standing in for the backend's native full-text index (the
// SQLite dialect uses FTS5, the Postgres dialect uses tsvector — see
// internal/storage/sqlite and internal/storage/postgres).
func (p *MemoryPort) LexicalSearch(_ context.Context, userID, query string, limit int, filters models.SearchFilters) ([]RankedChunk, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	type scored struct {
		chunkID, docID string
		score          float64
	}
	var hits []scored
	for docID, doc := range p.documents {
		if doc.UserID != userID {
			continue
		}
		if !matchesFilters(doc, filters) {
			continue
		}
		for _, c := range p.chunks[docID] {
			score := lexicalScore(terms, tokenize(c.Content))
			if score > 0 {
				hits = append(hits, scored{chunkID: c.ID, docID: docID, score: score})
			}
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].chunkID < hits[j].chunkID
	})
	if limit > 0 && limit < len(hits) {
		hits = hits[:limit]
	}
	out := make([]RankedChunk, len(hits))
	for i, h := range hits {
		out[i] = RankedChunk{ChunkID: h.chunkID, DocumentID: h.docID, Rank: i + 1}
	}
	return out, nil
}

// ErrVectorUnsupported is returned by VectorSearch when the backend has no
// vector index configured.
var ErrVectorUnsupported = NewError(KindQuery, "VectorSearch", nil)

func (p *MemoryPort) VectorSearch(_ context.Context, userID string, queryEmbedding []float32, limit int, filters models.SearchFilters) ([]RankedChunk, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(queryEmbedding) == 0 {
		return nil, nil
	}

	type scored struct {
		chunkID, docID string
		sim            float64
	}
	var hits []scored
	for docID, doc := range p.documents {
		if doc.UserID != userID {
			continue
		}
		if !matchesFilters(doc, filters) {
			continue
		}
		for _, c := range p.chunks[docID] {
			if len(c.Embedding) == 0 {
				continue
			}
			sim := cosineSimilarity(queryEmbedding, c.Embedding)
			hits = append(hits, scored{chunkID: c.ID, docID: docID, sim: sim})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].sim != hits[j].sim {
			return hits[i].sim > hits[j].sim
		}
		return hits[i].chunkID < hits[j].chunkID
	})
	if limit > 0 && limit < len(hits) {
		hits = hits[:limit]
	}
	out := make([]RankedChunk, len(hits))
	for i, h := range hits {
		out[i] = RankedChunk{ChunkID: h.chunkID, DocumentID: h.docID, Rank: i + 1}
	}
	return out, nil
}

func matchesFilters(d *models.MemoryDocument, f models.SearchFilters) bool {
	if f.PathPrefix != "" && !strings.HasPrefix(d.Path, f.PathPrefix) {
		return false
	}
	if len(f.Tags) > 0 {
		tagSet := make(map[string]bool, len(d.Tags))
		for _, t := range d.Tags {
			tagSet[t] = true
		}
		for _, want := range f.Tags {
			if !tagSet[want] {
				return false
			}
		}
	}
	return true
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	return fields
}

func lexicalScore(queryTerms, docTerms []string) float64 {
	if len(docTerms) == 0 {
		return 0
	}
	counts := make(map[string]int, len(docTerms))
	for _, t := range docTerms {
		counts[t]++
	}
	var score float64
	for _, qt := range queryTerms {
		if n, ok := counts[qt]; ok {
			score += float64(n)
		}
	}
	return score
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
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
	if x <= 0 {
		return 0
	}
	z := x
	for i := 0; i < 20; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

func (p *MemoryPort) CreateConnection(_ context.Context, c *models.MemoryConnection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.SourceID == c.TargetID {
		return NewError(KindConstraint, "CreateConnection: source==target", nil)
	}
	for _, existing := range p.connections {
		if existing.SourceID == c.SourceID && existing.TargetID == c.TargetID && existing.Type == c.Type {
			return NewError(KindConstraint, "CreateConnection: duplicate", nil)
		}
	}
	cp := *c
	p.connections[c.ID] = &cp
	return nil
}

func (p *MemoryPort) ListConnections(_ context.Context, documentID string, maxDepth int) ([]*models.MemoryConnection, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if maxDepth <= 0 {
		maxDepth = 1
	}
	if maxDepth > 10 {
		maxDepth = 10
	}
	visited := map[string]bool{documentID: true}
	frontier := []string{documentID}
	var out []*models.MemoryConnection
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			for _, c := range p.connections {
				if c.SourceID != id {
					continue
				}
				cp := *c
				out = append(out, &cp)
				if !visited[c.TargetID] {
					visited[c.TargetID] = true
					next = append(next, c.TargetID)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

func (p *MemoryPort) DeleteConnection(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.connections, id)
	return nil
}

func (p *MemoryPort) CreateSpace(_ context.Context, s *models.MemorySpace) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.spaces {
		if existing.UserID == s.UserID && existing.Name == s.Name {
			return NewError(KindConstraint, "CreateSpace: duplicate name", nil)
		}
	}
	cp := *s
	p.spaces[s.ID] = &cp
	return nil
}

func (p *MemoryPort) GetSpace(_ context.Context, userID, name string) (*models.MemorySpace, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.spaces {
		if s.UserID == userID && s.Name == name {
			cp := *s
			return &cp, nil
		}
	}
	return nil, NewError(KindNotFound, "GetSpace", nil)
}

func (p *MemoryPort) ListSpaces(_ context.Context, userID string) ([]*models.MemorySpace, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*models.MemorySpace
	for _, s := range p.spaces {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (p *MemoryPort) AddToSpace(_ context.Context, spaceID, documentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.spaces[spaceID]
	if !ok {
		return NewError(KindNotFound, "AddToSpace", nil)
	}
	for _, id := range s.DocumentIDs {
		if id == documentID {
			return nil
		}
	}
	s.DocumentIDs = append(s.DocumentIDs, documentID)
	return nil
}

func (p *MemoryPort) PutProfileEntry(_ context.Context, e *models.UserProfileEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	byKey, ok := p.profiles[e.UserID]
	if !ok {
		byKey = make(map[string]*models.UserProfileEntry)
		p.profiles[e.UserID] = byKey
	}
	cp := *e
	byKey[e.Key] = &cp
	return nil
}

func (p *MemoryPort) GetProfileEntry(_ context.Context, userID, key string) (*models.UserProfileEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	byKey, ok := p.profiles[userID]
	if !ok {
		return nil, NewError(KindNotFound, "GetProfileEntry", nil)
	}
	e, ok := byKey[key]
	if !ok {
		return nil, NewError(KindNotFound, "GetProfileEntry", nil)
	}
	cp := *e
	return &cp, nil
}

func (p *MemoryPort) ListProfileEntries(_ context.Context, userID string, profileType models.ProfileType) ([]*models.UserProfileEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*models.UserProfileEntry
	for _, e := range p.profiles[userID] {
		if profileType != "" && e.Type != profileType {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// -- migrations (no-op for the in-memory dialect) ------------------------

func (p *MemoryPort) CurrentVersion(_ context.Context) (int, bool, error) {
	return 0, true, nil
}

func (p *MemoryPort) Up(_ context.Context) error { return nil }

var _ Port = (*MemoryPort)(nil)

// formatInt64 is a small helper kept local to avoid pulling in strconv at
// every call site across this file.
func formatInt64(v int64) string { return strconv.FormatInt(v, 10) }
