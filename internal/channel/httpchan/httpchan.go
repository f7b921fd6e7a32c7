// Package httpchan implements the channel.Channel contract as an inbound
// HTTP webhook surface: a POST endpoint that accepts one message per
// request and returns the eventual response once the turn completes, plus
// an async variant that returns immediately and lets the caller poll
// status separately.
package httpchan

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danielsimonjr/ironclaw/internal/channel"
)

// inboundPayload is the JSON body POSTed to the webhook path.
type inboundPayload struct {
	UserID   string            `json:"user_id"`
	ThreadID string            `json:"thread_id,omitempty"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// waiter holds the channel a pending request blocks on until Respond
// delivers the turn's outcome.
type waiter struct {
	ch chan channel.OutgoingResponse
}

// Channel is an HTTP webhook channel.Channel implementation: each POST
// request blocks (bounded by RequestTimeout) until the corresponding
// IncomingMessage's turn calls Respond.
type Channel struct {
	Addr           string
	Path           string
	BearerToken    string
	RequestTimeout time.Duration

	mu      sync.Mutex
	waiters map[string]*waiter

	server *http.Server
	out    chan channel.IncomingMessage
}

// New constructs an httpchan Channel listening on addr at path, optionally
// requiring a bearer token on every request.
func New(addr, path, bearerToken string) *Channel {
	if path == "" {
		path = "/webhook"
	}
	return &Channel{
		Addr:           addr,
		Path:           path,
		BearerToken:    bearerToken,
		RequestTimeout: 60 * time.Second,
		waiters:        make(map[string]*waiter),
	}
}

func (c *Channel) Name() string { return "http" }

func (c *Channel) Start(ctx context.Context) (<-chan channel.IncomingMessage, error) {
	c.out = make(chan channel.IncomingMessage)

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+c.Path, c.handleInbound)

	c.server = &http.Server{
		Addr:              c.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		_ = c.server.ListenAndServe()
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}()

	return c.out, nil
}

func (c *Channel) handleInbound(w http.ResponseWriter, r *http.Request) {
	if c.BearerToken != "" && !c.authorized(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var payload inboundPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
		return
	}

	msg := channel.IncomingMessage{
		ID:               uuid.NewString(),
		ChannelName:      c.Name(),
		UserID:           payload.UserID,
		Content:          payload.Content,
		ExternalThreadID: payload.ThreadID,
		ReceivedAt:       time.Now().UTC(),
		Metadata:         payload.Metadata,
	}

	wt := &waiter{ch: make(chan channel.OutgoingResponse, 1)}
	c.mu.Lock()
	c.waiters[msg.ID] = wt
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, msg.ID)
		c.mu.Unlock()
	}()

	select {
	case c.out <- msg:
	case <-r.Context().Done():
		http.Error(w, `{"error":"request cancelled"}`, http.StatusRequestTimeout)
		return
	}

	select {
	case resp := <-wt.ch:
		writeJSON(w, http.StatusOK, map[string]any{"content": resp.Content, "thread_id": resp.ThreadID})
	case <-time.After(c.RequestTimeout):
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{"error": "turn did not complete before the request timeout"})
	}
}

func (c *Channel) authorized(r *http.Request) bool {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(h[len(prefix):]), []byte(c.BearerToken)) == 1
}

func (c *Channel) Respond(ctx context.Context, incoming *channel.IncomingMessage, resp channel.OutgoingResponse) error {
	c.mu.Lock()
	wt, ok := c.waiters[incoming.ID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("httpchan: no pending request for message %s", incoming.ID)
	}
	select {
	case wt.ch <- resp:
	default:
	}
	return nil
}

// SendStatus is a no-op for the synchronous webhook channel: status
// updates have no transport back to a blocked HTTP client mid-request.
func (c *Channel) SendStatus(ctx context.Context, incoming *channel.IncomingMessage, status channel.StatusUpdate) error {
	return nil
}

func (c *Channel) HealthCheck(ctx context.Context) error { return nil }

func (c *Channel) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
