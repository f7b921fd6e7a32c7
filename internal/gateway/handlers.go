package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/channel"
	"github.com/danielsimonjr/ironclaw/internal/tools"
	"github.com/danielsimonjr/ironclaw/pkg/models"
)

// DefaultUserID is the single-user partition key the gateway acts as.
const DefaultUserID = "local"

type chatSendRequest struct {
	Content  string `json:"content"`
	ThreadID string `json:"thread_id,omitempty"`
}

// handleChatSend accepts a UserInput submission and returns 202 with the
// message id; the result streams out over /api/chat/events.
func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req chatSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "invalid_params", "content is required")
		return
	}
	msg := channel.IncomingMessage{
		ID:               models.NewID(),
		ChannelName:      ChannelName,
		UserID:           DefaultUserID,
		Content:          req.Content,
		ExternalThreadID: req.ThreadID,
		ReceivedAt:       time.Now().UTC(),
	}
	if !s.push(msg) {
		writeError(w, http.StatusServiceUnavailable, "channel", "gateway channel not started")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": msg.ID})
}

type approvalRequest struct {
	RequestID string `json:"request_id"`
	ThreadID  string `json:"thread_id"`
	Decision  string `json:"decision"` // approve | always | deny
}

// handleChatApproval resolves a pending approval by replaying the
// decision through the normal submission path, so the gateway gets
// exactly the agent loop's approval semantics.
func (s *Server) handleChatApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}
	var content string
	switch req.Decision {
	case "approve":
		content = "yes"
	case "always":
		content = "always"
	case "deny":
		content = "no"
	default:
		writeError(w, http.StatusBadRequest, "invalid_params", "decision must be approve, always, or deny")
		return
	}
	if _, ok := tools.ParseApprovalResponse(content); !ok {
		writeError(w, http.StatusBadRequest, "invalid_params", "unparseable decision")
		return
	}
	msg := channel.IncomingMessage{
		ID:               models.NewID(),
		ChannelName:      ChannelName,
		UserID:           DefaultUserID,
		Content:          content,
		ExternalThreadID: req.ThreadID,
		ReceivedAt:       time.Now().UTC(),
		Metadata:         map[string]string{"request_id": req.RequestID},
	}
	if !s.push(msg) {
		writeError(w, http.StatusServiceUnavailable, "channel", "gateway channel not started")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": msg.ID})
}

// push delivers msg into the fan-in stream the Manager consumes; false
// when Start has not run yet.
func (s *Server) push(msg channel.IncomingMessage) bool {
	ch := s.incoming
	if ch == nil {
		return false
	}
	select {
	case ch <- msg:
		return true
	default:
		return false
	}
}

// handleChatEvents streams status and turn events for one thread as SSE.
func (s *Server) handleChatEvents(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("thread_id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "channel", "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.hub.subscribe(threadID)
	defer s.hub.unsubscribe(threadID, sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleMemoryGet reads one workspace document by path.
func (s *Server) handleMemoryGet(w http.ResponseWriter, r *http.Request) {
	path := "/" + r.PathValue("path")
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	doc, err := s.Workspace.GetDocument(ctx, DefaultUserID, path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "workspace", err.Error())
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, "not_found", "document not found")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type memorySearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// handleMemorySearch runs a hybrid search over the workspace.
func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	var req memorySearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeError(w, http.StatusBadRequest, "invalid_params", "query is required")
		return
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var embedding []float32
	if s.Embed != nil {
		if vec, err := s.Embed.Embed(ctx, req.Query); err == nil {
			embedding = vec
		}
	}
	results, err := s.Workspace.Search(ctx, DefaultUserID, req.Query, embedding, req.Limit, models.SearchFilters{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleJobsList lists the caller's jobs, newest first.
func (s *Server) handleJobsList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	jobs, err := s.Store.ListJobs(ctx, DefaultUserID, nil, limit, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "persistence", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// jobForRequest loads the job named in the path after an ownership check;
// a job owned by someone else reads as not authorized, not as missing.
func (s *Server) jobForRequest(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	id := r.PathValue("id")
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	owns, err := s.Store.OwnsJob(ctx, DefaultUserID, id)
	if err != nil || !owns {
		writeError(w, http.StatusForbidden, "not_authorized", "not authorized for this job")
		return nil, false
	}
	job, err := s.Store.GetJob(ctx, id)
	if err != nil {
		writeError(w, http.StatusForbidden, "not_authorized", "not authorized for this job")
		return nil, false
	}
	return job, true
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobForRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobForRequest(w, r)
	if !ok {
		return
	}
	if job.State.IsTerminal() {
		writeError(w, http.StatusConflict, "invalid_transition", fmt.Sprintf("job is already %s", job.State))
		return
	}
	now := time.Now().UTC()
	job.State = models.JobCancelled
	job.CompletedAt = now
	job.LastActivityAt = now
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := s.Store.UpdateJob(ctx, job); err != nil {
		writeError(w, http.StatusInternalServerError, "persistence", err.Error())
		return
	}
	if s.Scheduler != nil {
		s.Scheduler.Cancel(job.ID)
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobRestart(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobForRequest(w, r)
	if !ok {
		return
	}
	if !job.State.CanTransition(models.JobInProgress) {
		writeError(w, http.StatusConflict, "invalid_transition", fmt.Sprintf("cannot restart a %s job", job.State))
		return
	}
	now := time.Now().UTC()
	job.State = models.JobInProgress
	job.StartedAt = now
	job.LastActivityAt = now
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := s.Store.UpdateJob(ctx, job); err != nil {
		writeError(w, http.StatusInternalServerError, "persistence", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type followupRequest struct {
	Prompt string `json:"prompt"`
}

// handleJobFollowup records a follow-up prompt against the job; the
// self-repair/worker machinery picks it up from the event log.
func (s *Server) handleJobFollowup(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobForRequest(w, r)
	if !ok {
		return
	}
	var req followupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "invalid_params", "prompt is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	event := &models.JobEvent{
		ID:        models.NewID(),
		JobID:     job.ID,
		Kind:      "followup",
		Payload:   map[string]any{"prompt": req.Prompt},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Store.AppendJobEvent(ctx, event); err != nil {
		writeError(w, http.StatusInternalServerError, "persistence", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"event_id": event.ID})
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobForRequest(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	events, err := s.Store.ListJobEvents(ctx, job.ID, limit, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "persistence", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeError never includes stack traces or internal identifiers; those
// stay in logs.
func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Kind: kind, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// maxProjectFileBytes bounds a single project-file read.
const maxProjectFileBytes = 1 << 20

// projectFilePath confines a requested relative path to the job's
// project directory.
func projectFilePath(job *models.Job, rel string) (string, bool) {
	if job.ProjectDir == "" {
		return "", false
	}
	clean := filepath.Clean("/" + rel)
	full := filepath.Join(job.ProjectDir, clean)
	root := filepath.Clean(job.ProjectDir) + string(filepath.Separator)
	if !strings.HasPrefix(full+string(filepath.Separator), root) && full != filepath.Clean(job.ProjectDir) {
		return "", false
	}
	return full, true
}

// handleJobFiles lists the job's project directory (one level).
func (s *Server) handleJobFiles(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobForRequest(w, r)
	if !ok {
		return
	}
	if job.ProjectDir == "" {
		writeJSON(w, http.StatusOK, map[string]any{"files": []string{}})
		return
	}
	entries, err := os.ReadDir(job.ProjectDir)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "project directory unavailable")
		return
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		files = append(files, name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

// handleJobFileRead returns one project file, bounded in size and
// confined to the project directory.
func (s *Server) handleJobFileRead(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobForRequest(w, r)
	if !ok {
		return
	}
	full, ok := projectFilePath(job, r.PathValue("path"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_params", "path escapes the project directory")
		return
	}
	f, err := os.Open(full)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "file not found")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxProjectFileBytes))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "execution", "read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": r.PathValue("path"), "content": string(data)})
}
