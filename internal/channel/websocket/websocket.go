// Package websocket implements the channel.Channel contract over
// persistent WebSocket connections: one long-lived net/http server
// accepts connections, a read loop per connection turns client frames
// into channel.IncomingMessages, and Respond/SendStatus write back to
// the originating connection. Broadcast snapshots the connection set
// before writing so a slow peer never holds the lock.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/danielsimonjr/ironclaw/internal/channel"
)

// clientFrame is one JSON frame received from a connected client.
type clientFrame struct {
	UserID   string            `json:"user_id"`
	ThreadID string            `json:"thread_id,omitempty"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// serverFrame is one JSON frame written back to a connection, tagged by
// Type so a single socket can carry both final responses and interstitial
// status updates.
type serverFrame struct {
	Type     string            `json:"type"`
	Content  string            `json:"content,omitempty"`
	ThreadID string            `json:"thread_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Status   *statusFrame      `json:"status,omitempty"`
}

type statusFrame struct {
	Kind          string `json:"kind"`
	Text          string `json:"text,omitempty"`
	ToolName      string `json:"tool_name,omitempty"`
	Success       bool   `json:"success,omitempty"`
	Preview       string `json:"preview,omitempty"`
	JobID         string `json:"job_id,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
	Tool          string `json:"tool,omitempty"`
	ParamsPreview string `json:"params_preview,omitempty"`
	Extension     string `json:"extension,omitempty"`
	Message       string `json:"message,omitempty"`
}

// connection is a single connected client's state. id is keyed by the
// IncomingMessage.ID of the message currently awaiting a response, letting
// Respond/SendStatus locate the right socket.
type connection struct {
	id   string
	conn *websocket.Conn
}

// Channel is a WebSocket channel.Channel implementation.
type Channel struct {
	Addr         string
	Path         string
	WriteTimeout time.Duration
	// InsecureSkipVerify disables WebSocket origin checking; set true only
	// for local/dev deployments until an origin allowlist is configured.
	InsecureSkipVerify bool

	mu          sync.RWMutex
	byMessageID map[string]*connection

	server *http.Server
	out    chan channel.IncomingMessage
}

// New constructs a WebSocket Channel listening on addr at path.
func New(addr, path string) *Channel {
	if path == "" {
		path = "/ws"
	}
	return &Channel{
		Addr:         addr,
		Path:         path,
		WriteTimeout: 5 * time.Second,
		byMessageID:  make(map[string]*connection),
	}
}

func (c *Channel) Name() string { return "websocket" }

func (c *Channel) Start(ctx context.Context) (<-chan channel.IncomingMessage, error) {
	c.out = make(chan channel.IncomingMessage)

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+c.Path, func(w http.ResponseWriter, r *http.Request) {
		c.handleConnection(ctx, w, r)
	})

	c.server = &http.Server{
		Addr:              c.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() { _ = c.server.ListenAndServe() }()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}()

	return c.out, nil
}

func (c *Channel) handleConnection(parentCtx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: c.InsecureSkipVerify,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.writeRaw(ctx, conn, serverFrame{Type: "error", Content: "invalid frame: " + err.Error()})
			continue
		}

		msg := channel.IncomingMessage{
			ID:               uuid.NewString(),
			ChannelName:      c.Name(),
			UserID:           frame.UserID,
			Content:          frame.Content,
			ExternalThreadID: frame.ThreadID,
			ReceivedAt:       time.Now().UTC(),
			Metadata:         frame.Metadata,
		}

		c.mu.Lock()
		c.byMessageID[msg.ID] = &connection{id: msg.ID, conn: conn}
		c.mu.Unlock()

		select {
		case c.out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Channel) connFor(incoming *channel.IncomingMessage) (*websocket.Conn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cn, ok := c.byMessageID[incoming.ID]
	if !ok {
		return nil, false
	}
	return cn.conn, true
}

func (c *Channel) Respond(ctx context.Context, incoming *channel.IncomingMessage, resp channel.OutgoingResponse) error {
	conn, ok := c.connFor(incoming)
	if !ok {
		return fmt.Errorf("websocket: no connection for message %s", incoming.ID)
	}
	defer func() {
		c.mu.Lock()
		delete(c.byMessageID, incoming.ID)
		c.mu.Unlock()
	}()
	return c.writeRaw(ctx, conn, serverFrame{
		Type:     "response",
		Content:  resp.Content,
		ThreadID: resp.ThreadID,
		Metadata: resp.Metadata,
	})
}

func (c *Channel) SendStatus(ctx context.Context, incoming *channel.IncomingMessage, status channel.StatusUpdate) error {
	conn, ok := c.connFor(incoming)
	if !ok {
		return nil
	}
	return c.writeRaw(ctx, conn, serverFrame{
		Type: "status",
		Status: &statusFrame{
			Kind:          string(status.Kind),
			Text:          status.Text,
			ToolName:      status.ToolName,
			Success:       status.Success,
			Preview:       status.Preview,
			JobID:         status.JobID,
			RequestID:     status.RequestID,
			Tool:          status.Tool,
			ParamsPreview: status.ParamsPreview,
			Extension:     status.Extension,
			Message:       status.Message,
		},
	})
}

// writeRaw marshals and writes frame to conn with a bounded write timeout
// so a single slow or dead peer cannot stall the caller.
func (c *Channel) writeRaw(ctx context.Context, conn *websocket.Conn, frame serverFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("websocket: write failed", "error", err)
		return err
	}
	return nil
}

func (c *Channel) HealthCheck(ctx context.Context) error { return nil }

func (c *Channel) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}
