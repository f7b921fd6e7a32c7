// Package gateway implements the optional web gateway: a thin HTTP
// adapter over the core that submits UserInput, resolves pending
// approvals, streams StatusUpdate/turn events over SSE, and exposes
// workspace search and job management. Submissions are async: POST
// returns 202 with a message id and results stream over SSE.
package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/channel"
	"github.com/danielsimonjr/ironclaw/internal/observability"
	"github.com/danielsimonjr/ironclaw/internal/scheduler"
	"github.com/danielsimonjr/ironclaw/internal/session"
	"github.com/danielsimonjr/ironclaw/internal/storage"
	"github.com/danielsimonjr/ironclaw/internal/tools"
	"github.com/danielsimonjr/ironclaw/internal/workspace"
	"github.com/danielsimonjr/ironclaw/internal/workspace/embeddings"
)

// ChannelName is the channel.IncomingMessage/OutgoingResponse routing key
// the gateway registers itself under with the channel.Manager, so worker
// status events addressed to this channel land back on the right SSE hub.
const ChannelName = "gateway"

// Server is both an HTTP handler and a channel.Channel: the worker loop
// calls Respond/SendStatus on it exactly as it would any other channel,
// and those calls fan out to whichever SSE subscribers are watching the
// relevant thread.
type Server struct {
	Sessions  *session.Manager
	Scheduler *scheduler.Scheduler
	Worker    *scheduler.Worker
	Gate      *tools.Gate
	Store     storage.Port
	Workspace *workspace.Manager
	Embed     embeddings.Provider
	Metrics   *observability.Metrics
	Logger    *observability.Logger

	// AuthToken gates every route except /api/health. An empty AuthToken
	// disables auth entirely, for local/--no-db style development.
	AuthToken string

	// RateLimit throttles every route (including /api/health) per
	// client key. Nil disables rate limiting.
	RateLimit *RateLimiter

	hub      *sseHub
	incoming chan channel.IncomingMessage
}

// NewServer constructs a Server. Call Handler to obtain the mux, and
// register the Server itself with a channel.Manager so the worker's
// Respond/SendStatus calls reach subscribed SSE clients.
func NewServer(sessions *session.Manager, sched *scheduler.Scheduler, worker *scheduler.Worker, gate *tools.Gate, store storage.Port, ws *workspace.Manager, embed embeddings.Provider, authToken string) *Server {
	return &Server{
		Sessions:  sessions,
		Scheduler: sched,
		Worker:    worker,
		Gate:      gate,
		Store:     store,
		Workspace: ws,
		Embed:     embed,
		AuthToken: authToken,
		hub:       newSSEHub(),
	}
}

// Handler returns the mux routing every HTTP surface endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.Handle("POST /api/chat/send", s.withAuth(s.handleChatSend))
	mux.Handle("POST /api/chat/approval", s.withAuth(s.handleChatApproval))
	mux.Handle("GET /api/chat/events", s.withAuthQuery(s.handleChatEvents))

	mux.Handle("GET /api/memory/{path...}", s.withAuth(s.handleMemoryGet))
	mux.Handle("POST /api/memory/search", s.withAuth(s.handleMemorySearch))

	mux.Handle("GET /api/jobs", s.withAuth(s.handleJobsList))
	mux.Handle("GET /api/jobs/{id}", s.withAuth(s.handleJobGet))
	mux.Handle("POST /api/jobs/{id}/cancel", s.withAuth(s.handleJobCancel))
	mux.Handle("POST /api/jobs/{id}/restart", s.withAuth(s.handleJobRestart))
	mux.Handle("POST /api/jobs/{id}/followup", s.withAuth(s.handleJobFollowup))
	mux.Handle("GET /api/jobs/{id}/events", s.withAuth(s.handleJobEvents))
	mux.Handle("GET /api/jobs/{id}/files", s.withAuth(s.handleJobFiles))
	mux.Handle("GET /api/jobs/{id}/files/{path...}", s.withAuth(s.handleJobFileRead))

	if s.RateLimit != nil {
		return s.RateLimit.Middleware(mux)
	}
	return mux
}

// withAuth wraps next with a constant-time bearer-token check against the
// Authorization header.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(bearerFromHeader(r)) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

// withAuthQuery additionally accepts the token via the ?token= query
// parameter, percent-decoded before comparison.
func (s *Server) withAuthQuery(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerFromHeader(r)
		if token == "" {
			if raw := r.URL.Query().Get("token"); raw != "" {
				if decoded, err := url.QueryUnescape(raw); err == nil {
					token = decoded
				}
			}
		}
		if !s.authorized(token) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

func (s *Server) authorized(token string) bool {
	if s.AuthToken == "" {
		return true
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.AuthToken)) == 1
}

func bearerFromHeader(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Name implements channel.Channel.
func (s *Server) Name() string { return ChannelName }

// Start implements channel.Channel. The gateway never produces messages on
// its own stream; HTTP handlers push directly into channel.Manager via the
// shared incoming channel returned here, so Start just hands that back.
func (s *Server) Start(ctx context.Context) (<-chan channel.IncomingMessage, error) {
	ch := make(chan channel.IncomingMessage, 64)
	s.incoming = ch
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// Respond implements channel.Channel: the worker's final text answer is
// published as a "turn_completed" SSE event to the originating thread.
func (s *Server) Respond(ctx context.Context, incoming *channel.IncomingMessage, resp channel.OutgoingResponse) error {
	// Subscribers key their stream on the external thread id they sent
	// with; fall back to the internal id for synthesized messages.
	key := incoming.ExternalThreadID
	if key == "" {
		key = resp.ThreadID
	}
	s.hub.publish(key, sseEvent{Event: "turn_completed", Data: map[string]any{
		"thread_id": resp.ThreadID,
		"content":   resp.Content,
	}})
	return nil
}

// SendStatus implements channel.Channel: every StatusUpdate is relayed
// verbatim as a "status" SSE event, preserving the generation order the
// worker loop emits them in.
func (s *Server) SendStatus(ctx context.Context, incoming *channel.IncomingMessage, status channel.StatusUpdate) error {
	s.hub.publish(incoming.ExternalThreadID, sseEvent{Event: "status", Data: status})
	return nil
}

func (s *Server) HealthCheck(ctx context.Context) error { return nil }

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.closeAll()
	return nil
}

var _ channel.Channel = (*Server)(nil)

// requestTimeout bounds handlers that synchronously touch storage.
const requestTimeout = 10 * time.Second
