package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/danielsimonjr/ironclaw/internal/session"
	"github.com/danielsimonjr/ironclaw/internal/storage"
	"github.com/danielsimonjr/ironclaw/internal/tools"
	"github.com/danielsimonjr/ironclaw/internal/workspace"
)

func newTestGateway(t *testing.T, authToken string) (*Server, *httptest.Server) {
	t.Helper()
	store := storage.NewMemoryPort()
	sessions := session.NewManager(store)
	ws := workspace.NewManager(store, workspace.ChunkerConfig{TargetSize: 200}, nil)
	srv := NewServer(sessions, nil, nil, tools.NewGate(nil), store, ws, nil, authToken)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if _, err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	return srv, ts
}

func TestHealthIsUnauthenticated(t *testing.T) {
	_, ts := newTestGateway(t, "secret-token")
	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}
}

func TestRoutesRequireBearer(t *testing.T) {
	_, ts := newTestGateway(t, "secret-token")

	resp, err := http.Post(ts.URL+"/api/chat/send", "application/json", strings.NewReader(`{"content":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated send = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/chat/send", strings.NewReader(`{"content":"hi"}`))
	req.Header.Set("Authorization", "Bearer wrong-token")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d, want 401", resp2.StatusCode)
	}

	req3, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/chat/send", strings.NewReader(`{"content":"hi"}`))
	req3.Header.Set("Authorization", "Bearer secret-token")
	resp3, err := http.DefaultClient.Do(req3)
	if err != nil {
		t.Fatal(err)
	}
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusAccepted {
		t.Fatalf("valid token = %d, want 202", resp3.StatusCode)
	}
}

func TestSSEQueryTokenPercentDecoded(t *testing.T) {
	// A token containing '+' must survive percent-encoding in the query
	// parameter.
	token := "se+cret"
	_, ts := newTestGateway(t, token)

	u := ts.URL + "/api/chat/events?thread_id=t1&token=" + url.QueryEscape(url.QueryEscape(token))
	// The handler percent-decodes the raw query value once beyond the
	// transport decoding, so double-escaping round-trips exactly once.
	req, _ := http.NewRequest(http.MethodGet, u, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req = req.WithContext(ctx)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("SSE with encoded query token = %d, want 200", resp.StatusCode)
	}
	cancel()
}

func TestChatSendReturnsMessageID(t *testing.T) {
	_, ts := newTestGateway(t, "")
	resp, err := http.Post(ts.URL+"/api/chat/send", "application/json", strings.NewReader(`{"content":"hello","thread_id":"t1"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
}

func TestJobOwnershipRendersNotAuthorized(t *testing.T) {
	srv, ts := newTestGateway(t, "")
	_ = srv
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/jobs/does-not-exist", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	// Missing and foreign jobs are indistinguishable to the caller.
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}
