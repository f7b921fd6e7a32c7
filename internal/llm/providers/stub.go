package providers

import (
	"context"
	"strings"

	"github.com/danielsimonjr/ironclaw/internal/llm"
)

// StubProvider is a deterministic, dependency-free provider for tests and
// fixture construction, echoing the last user message back as the
// response text unless a canned response has been queued.
type StubProvider struct {
	name    string
	Queue   []llm.Response
	LastReq *llm.Request
	CostIn  float64
	CostOut float64
}

// NewStubProvider returns a stub named name (defaults to "stub").
func NewStubProvider(name string) *StubProvider {
	if name == "" {
		name = "stub"
	}
	return &StubProvider{name: name}
}

func (s *StubProvider) Name() string { return s.name }

func (s *StubProvider) CostPerToken(model string) (float64, float64) { return s.CostIn, s.CostOut }

// Enqueue schedules resp to be returned by the next Complete(WithTools) call.
func (s *StubProvider) Enqueue(resp llm.Response) {
	s.Queue = append(s.Queue, resp)
}

func (s *StubProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return s.respond(req)
}

func (s *StubProvider) CompleteWithTools(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return s.respond(req)
}

func (s *StubProvider) respond(req *llm.Request) (*llm.Response, error) {
	s.LastReq = req
	if len(s.Queue) > 0 {
		resp := s.Queue[0]
		s.Queue = s.Queue[1:]
		resp.Provider = s.name
		if resp.FinishReason == "" {
			resp.FinishReason = llm.FinishStop
		}
		return &resp, nil
	}
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	return &llm.Response{
		Provider:     s.name,
		Model:        req.Model,
		Text:         strings.TrimSpace(last),
		FinishReason: llm.FinishStop,
		InputTokens:  len(strings.Fields(last)),
		OutputTokens: len(strings.Fields(last)),
	}, nil
}
