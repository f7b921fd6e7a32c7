package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/llm/providers"
	"github.com/danielsimonjr/ironclaw/internal/storage"
)

func TestTokenIssueAndVerify(t *testing.T) {
	s := NewTokenStore()
	token, err := s.Issue("job1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(token) < MinTokenBytes*2 {
		t.Fatalf("token %d hex chars, want >= %d", len(token), MinTokenBytes*2)
	}
	if !s.Verify("job1", token) {
		t.Fatal("freshly issued token rejected")
	}
	if s.Verify("job1", token+"x") {
		t.Fatal("tampered token accepted")
	}
	if s.Verify("job2", token) {
		t.Fatal("token accepted for the wrong job")
	}
}

func TestTokenExpiry(t *testing.T) {
	s := NewTokenStore()
	token, err := s.Issue("job1", time.Nanosecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if s.Verify("job1", token) {
		t.Fatal("expired token accepted")
	}
}

func TestTokenRevocation(t *testing.T) {
	s := NewTokenStore()
	token, _ := s.Issue("job1", time.Minute)
	s.Revoke("job1")
	if s.Verify("job1", token) {
		t.Fatal("revoked token accepted")
	}
	s.Purge()
	if s.Verify("job1", token) {
		t.Fatal("purged token accepted")
	}
}

func TestTokensAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		tok, err := GenerateToken()
		if err != nil {
			t.Fatal(err)
		}
		if seen[tok] {
			t.Fatal("duplicate token generated")
		}
		seen[tok] = true
	}
}

type allowlistSecrets struct {
	values  map[string]string
	allowed map[string]bool
}

func (s *allowlistSecrets) Resolve(_ context.Context, jobID, name string) (string, bool, error) {
	if !s.allowed[name] {
		return "", false, nil
	}
	return s.values[name], true, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *TokenStore, string) {
	t.Helper()
	tokens := NewTokenStore()
	token, err := tokens.Issue("job1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	secrets := &allowlistSecrets{
		values:  map[string]string{"api_key": "s3cr3t"},
		allowed: map[string]bool{"api_key": true},
	}
	srv := NewServer(tokens, providers.NewStubProvider("stub"), storage.NewMemoryPort(), secrets, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, tokens, token
}

func doRequest(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServerRejectsMissingToken(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := doRequest(t, http.MethodPost, ts.URL+"/worker/job1/status", "", `{"step":"x"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestServerRejectsExpiredToken(t *testing.T) {
	ts, tokens, _ := newTestServer(t)
	expired, _ := tokens.Issue("job2", time.Nanosecond)
	time.Sleep(10 * time.Millisecond)
	resp := doRequest(t, http.MethodPost, ts.URL+"/worker/job2/status", expired, `{}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestServerSecretAllowlist(t *testing.T) {
	ts, _, token := newTestServer(t)

	resp := doRequest(t, http.MethodGet, ts.URL+"/worker/job1/secret/api_key", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("allowed secret: status = %d", resp.StatusCode)
	}
	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["value"] != "s3cr3t" {
		t.Fatalf("value = %q", got["value"])
	}

	resp = doRequest(t, http.MethodGet, ts.URL+"/worker/job1/secret/other_key", token, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("undeclared secret: status = %d, want 403", resp.StatusCode)
	}
}

func TestServerLLMProxy(t *testing.T) {
	ts, _, token := newTestServer(t)
	body := `{"Model":"m","Messages":[{"Role":"user","Content":"ping"}]}`
	resp := doRequest(t, http.MethodPost, ts.URL+"/worker/job1/llm/complete", token, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestServerCompleteRevokesToken(t *testing.T) {
	tokens := NewTokenStore()
	token, _ := tokens.Issue("job1", time.Minute)
	completed := false
	srv := NewServer(tokens, providers.NewStubProvider("stub"), storage.NewMemoryPort(), nil, func(ctx context.Context, jobID string, result CompletionResult) error {
		completed = true
		return nil
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp := doRequest(t, http.MethodPost, ts.URL+"/worker/job1/complete", token, `{"success":true,"output":"done"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !completed {
		t.Fatal("OnComplete not invoked")
	}
	if tokens.Verify("job1", token) {
		t.Fatal("token still valid after terminal completion")
	}
}

func TestServerEventAppended(t *testing.T) {
	tokens := NewTokenStore()
	token, _ := tokens.Issue("job1", time.Minute)
	store := storage.NewMemoryPort()
	srv := NewServer(tokens, providers.NewStubProvider("stub"), store, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp := doRequest(t, http.MethodPost, ts.URL+"/worker/job1/events", token, `{"note":"hi"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	events, err := store.ListJobEvents(context.Background(), "job1", 10, 0)
	if err != nil || len(events) != 1 {
		t.Fatalf("events = %v, %v", events, err)
	}
}
