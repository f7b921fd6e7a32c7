package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/danielsimonjr/ironclaw/internal/channel"
)

func newTestServer(t *testing.T, ch *Channel) (*httptest.Server, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		ch.handleConnection(ctx, w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, cancel
}

func TestChannelRoundTrip(t *testing.T) {
	ch := New("127.0.0.1:0", "/ws")
	ch.InsecureSkipVerify = true
	ch.WriteTimeout = time.Second
	out := make(chan channel.IncomingMessage, 1)
	ch.out = out

	srv, cancel := newTestServer(t, ch)
	defer cancel()

	wsURL := "ws" + srv.URL[len("http"):] + "/ws"
	conn, _, err := websocket.Dial(context.Background(), wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	frame, _ := json.Marshal(clientFrame{UserID: "u1", Content: "hello"})
	if err := conn.Write(context.Background(), websocket.MessageText, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := <-out
	if msg.Content != "hello" || msg.UserID != "u1" {
		t.Fatalf("unexpected incoming message: %+v", msg)
	}

	if err := ch.Respond(context.Background(), &msg, channel.OutgoingResponse{Content: "hi", ThreadID: "t1"}); err != nil {
		t.Fatalf("respond: %v", err)
	}

	readCtx, readCancel := context.WithTimeout(context.Background(), time.Second)
	defer readCancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var sf serverFrame
	if err := json.Unmarshal(data, &sf); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sf.Type != "response" || sf.Content != "hi" {
		t.Fatalf("unexpected server frame: %+v", sf)
	}
}

func TestChannelSendStatus(t *testing.T) {
	ch := New("127.0.0.1:0", "/ws")
	ch.InsecureSkipVerify = true
	ch.WriteTimeout = time.Second
	out := make(chan channel.IncomingMessage, 1)
	ch.out = out

	srv, cancel := newTestServer(t, ch)
	defer cancel()

	wsURL := "ws" + srv.URL[len("http"):] + "/ws"
	conn, _, err := websocket.Dial(context.Background(), wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	frame, _ := json.Marshal(clientFrame{UserID: "u1", Content: "hello"})
	if err := conn.Write(context.Background(), websocket.MessageText, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := <-out

	if err := ch.SendStatus(context.Background(), &msg, channel.StatusUpdate{
		Kind:     channel.StatusToolStarted,
		ToolName: "shell",
	}); err != nil {
		t.Fatalf("send status: %v", err)
	}

	readCtx, readCancel := context.WithTimeout(context.Background(), time.Second)
	defer readCancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var sf serverFrame
	if err := json.Unmarshal(data, &sf); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sf.Type != "status" || sf.Status == nil || sf.Status.ToolName != "shell" {
		t.Fatalf("unexpected server frame: %+v", sf)
	}
}

func TestSendStatusWithoutConnectionIsNoop(t *testing.T) {
	ch := New("127.0.0.1:0", "/ws")
	incoming := &channel.IncomingMessage{ID: "nonexistent"}
	if err := ch.SendStatus(context.Background(), incoming, channel.StatusUpdate{Kind: channel.StatusThinking}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}
