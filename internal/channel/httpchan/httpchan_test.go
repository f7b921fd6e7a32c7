package httpchan

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/channel"
)

func TestChannelRoundTrip(t *testing.T) {
	ch := New("127.0.0.1:0", "/webhook", "")
	ch.RequestTimeout = time.Second

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", ch.handleInbound)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out := make(chan channel.IncomingMessage, 1)
	ch.out = out

	go func() {
		msg := <-out
		if msg.Content != "hello" {
			t.Errorf("content = %q, want hello", msg.Content)
		}
		_ = ch.Respond(context.Background(), &msg, channel.OutgoingResponse{Content: "hi there", ThreadID: "t1"})
	}()

	body, _ := json.Marshal(inboundPayload{UserID: "u1", Content: "hello"})
	resp, err := http.Post(srv.URL+"/webhook", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["content"] != "hi there" {
		t.Errorf("content = %v, want 'hi there'", decoded["content"])
	}
}

func TestChannelRequiresBearerToken(t *testing.T) {
	ch := New("127.0.0.1:0", "/webhook", "s3cret")
	ch.out = make(chan channel.IncomingMessage, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", ch.handleInbound)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	body, _ := json.Marshal(inboundPayload{UserID: "u1", Content: "hello"})

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhook", bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without a token", resp.StatusCode)
	}

	req2, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhook", bytes.NewReader(body))
	req2.Header.Set("Authorization", "Bearer wrong")
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 with wrong token", resp2.StatusCode)
	}
}

func TestChannelRespondWithoutWaiterErrors(t *testing.T) {
	ch := New("127.0.0.1:0", "/webhook", "")
	incoming := &channel.IncomingMessage{ID: "nonexistent"}
	if err := ch.Respond(context.Background(), incoming, channel.OutgoingResponse{}); err == nil {
		t.Fatal("expected error responding to an unknown message id")
	}
}

func TestChannelTimesOutWithoutResponse(t *testing.T) {
	ch := New("127.0.0.1:0", "/webhook", "")
	ch.RequestTimeout = 20 * time.Millisecond
	out := make(chan channel.IncomingMessage, 1)
	ch.out = out

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", ch.handleInbound)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	go func() { <-out }() // drain but never respond

	body, _ := json.Marshal(inboundPayload{UserID: "u1", Content: "hello"})
	resp, err := http.Post(srv.URL+"/webhook", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504 on request timeout", resp.StatusCode)
	}
}
