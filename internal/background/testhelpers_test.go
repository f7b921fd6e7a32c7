package background

import (
	"context"
	"log/slog"
	"testing"

	"github.com/danielsimonjr/ironclaw/internal/channel"
	"github.com/danielsimonjr/ironclaw/internal/llm"
	"github.com/danielsimonjr/ironclaw/internal/safety"
	"github.com/danielsimonjr/ironclaw/internal/scheduler"
	"github.com/danielsimonjr/ironclaw/internal/session"
	"github.com/danielsimonjr/ironclaw/internal/storage"
	"github.com/danielsimonjr/ironclaw/internal/tools"
	"github.com/danielsimonjr/ironclaw/internal/workspace"
	"github.com/danielsimonjr/ironclaw/internal/workspace/embeddings"
)

// stubLLM is a fixed-response llm.Provider stand-in: every completion
// returns Text unconditionally, exercising the worker's no-tool-call
// completion path that background tasks rely on.
type stubLLM struct {
	text string
}

func (s *stubLLM) Name() string { return "stub" }

func (s *stubLLM) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: s.text}, nil
}

func (s *stubLLM) CompleteWithTools(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: s.text}, nil
}

func (s *stubLLM) CostPerToken(model string) (float64, float64) { return 0, 0 }

// testRig bundles everything runSystemTurn needs, backed entirely by the
// in-memory storage port so no sandbox, LLM API, or filesystem is touched.
type testRig struct {
	store    *storage.MemoryPort
	sessions *session.Manager
	worker   *scheduler.Worker
}

func newTestRig(t *testing.T, responseText string) *testRig {
	t.Helper()
	store := storage.NewMemoryPort()
	sessions := session.NewManager(store)
	pipeline, err := safety.New(safety.DefaultConfig())
	if err != nil {
		t.Fatalf("safety.New: %v", err)
	}
	ws := workspace.NewManager(store, workspace.DefaultChunkerConfig(), embeddings.NewLocal())
	worker := &scheduler.Worker{
		LLM:       &stubLLM{text: responseText},
		Registry:  tools.NewRegistry(),
		Gate:      tools.NewGate(nil),
		Safety:    pipeline,
		Store:     store,
		Workspace: ws,
		Channels:  channel.NewManager(16),
		Sessions:  sessions,
		Budget:    session.DefaultContextBudget(),
		Model:     "stub-model",
	}
	return &testRig{store: store, sessions: sessions, worker: worker}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
