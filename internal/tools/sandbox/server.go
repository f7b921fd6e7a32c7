package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/llm"
	"github.com/danielsimonjr/ironclaw/internal/net/ssrf"
	"github.com/danielsimonjr/ironclaw/internal/storage"
	"github.com/danielsimonjr/ironclaw/pkg/models"
)

// SecretProvider resolves a named credential for a job iff that name is in
// the job's declared allowlist.
type SecretProvider interface {
	Resolve(ctx context.Context, jobID, name string) (value string, allowed bool, err error)
}

// CompletionHandler runs a job's termination, recording its result and
// releasing any held resources (e.g. a container runner's cleanup).
type CompletionHandler func(ctx context.Context, jobID string, result CompletionResult) error

// CompletionResult is the body of POST /worker/{job_id}/complete.
type CompletionResult struct {
	Success bool           `json:"success"`
	Output  string         `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Server is the orchestrator-side HTTP surface a sandboxed worker calls
// back into. None of the routes is public: every request carries
// `Authorization: Bearer <token>` verified in constant time against the
// job's live TokenStore entry.
type Server struct {
	Tokens     *TokenStore
	LLM        llm.Provider
	Secrets    SecretProvider
	Store      storage.Port
	OnComplete CompletionHandler
	// Proxy is the host-run egress proxy all worker outbound HTTP is
	// routed through; nil refuses every egress request.
	Proxy *ssrf.Proxy
}

// NewServer constructs a Server. secrets and onComplete may be nil in
// configurations that don't need them (e.g. tests).
func NewServer(tokens *TokenStore, provider llm.Provider, store storage.Port, secrets SecretProvider, onComplete CompletionHandler) *Server {
	return &Server{Tokens: tokens, LLM: provider, Secrets: secrets, Store: store, OnComplete: onComplete}
}

// Handler returns the mux routing all five endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /worker/{job_id}/llm/complete", s.withAuth(s.handleLLMComplete))
	mux.HandleFunc("GET /worker/{job_id}/secret/{name}", s.withAuth(s.handleSecret))
	mux.HandleFunc("POST /worker/{job_id}/status", s.withAuth(s.handleStatus))
	mux.HandleFunc("POST /worker/{job_id}/events", s.withAuth(s.handleEvents))
	mux.HandleFunc("POST /worker/{job_id}/complete", s.withAuth(s.handleComplete))
	mux.HandleFunc("POST /worker/{job_id}/proxy", s.withAuth(s.handleProxy))
	return mux
}

// withAuth verifies the job-scoped bearer token before delegating to next.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := r.PathValue("job_id")
		token := bearerToken(r)
		if jobID == "" || token == "" || !s.Tokens.Verify(jobID, token) {
			writeError(w, http.StatusUnauthorized, "missing_token", "invalid or expired bearer token")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

// handleLLMComplete proxies a completion request so the worker process
// never holds LLM provider credentials.
func (s *Server) handleLLMComplete(w http.ResponseWriter, r *http.Request) {
	var req llm.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}
	var (
		resp *llm.Response
		err  error
	)
	if len(req.Tools) > 0 {
		resp, err = s.LLM.CompleteWithTools(r.Context(), &req)
	} else {
		resp, err = s.LLM.Complete(r.Context(), &req)
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, "proxy", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSecret returns a credential iff name is in the job's declared
// allowlist; otherwise NotAuthorized.
func (s *Server) handleSecret(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	name := r.PathValue("name")
	if s.Secrets == nil {
		writeError(w, http.StatusForbidden, "not_authorized", "no secret provider configured")
		return
	}
	value, allowed, err := s.Secrets.Resolve(r.Context(), jobID, name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "secret", err.Error())
		return
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "not_authorized", fmt.Sprintf("secret %q is not in this job's allowlist", name))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "value": value})
}

// handleStatus records worker-reported progress as a structured job event.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.recordEvent(w, r, "status")
}

// handleEvents appends to the job's event log.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.recordEvent(w, r, "event")
}

func (s *Server) recordEvent(w http.ResponseWriter, r *http.Request, kind string) {
	jobID := r.PathValue("job_id")
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}
	if s.Store != nil {
		event := &models.JobEvent{
			ID:        models.NewID(),
			JobID:     jobID,
			Kind:      kind,
			Payload:   payload,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.Store.AppendJobEvent(r.Context(), event); err != nil {
			writeError(w, http.StatusInternalServerError, "execution", err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleComplete is the final result and termination call; it revokes the
// job's token once OnComplete returns.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	var result CompletionResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}
	if s.OnComplete != nil {
		if err := s.OnComplete(r.Context(), jobID, result); err != nil {
			writeError(w, http.StatusInternalServerError, "execution", err.Error())
			return
		}
	}
	s.Tokens.Revoke(jobID)
	w.WriteHeader(http.StatusOK)
}

// proxyRequestBody is the body of POST /worker/{job_id}/proxy: one
// outbound HTTP request the worker wants forwarded through the host's
// egress proxy.
type proxyRequestBody struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

type proxyResponseBody struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// handleProxy forwards one outbound request through the egress proxy,
// which enforces the host allowlist, SSRF rules, redirect/CONNECT
// refusal, and leak scanning of the URL, headers, and both bodies.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if s.Proxy == nil {
		writeError(w, http.StatusForbidden, "not_authorized", "no egress proxy configured for this host")
		return
	}
	var req proxyRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	outReq, err := http.NewRequestWithContext(r.Context(), method, req.URL, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}
	for name, value := range req.Headers {
		outReq.Header.Set(name, value)
	}

	resp, err := s.Proxy.Forward(r.Context(), outReq)
	if err != nil {
		var blocked *ssrf.BlockedError
		if errors.As(err, &blocked) || errors.Is(err, ssrf.ErrRedirectBlocked) {
			writeError(w, http.StatusForbidden, "sandbox", err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, "external_service", err.Error())
		return
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "external_service", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, proxyResponseBody{Status: resp.StatusCode, Body: string(respBody)})
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Kind: kind, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
