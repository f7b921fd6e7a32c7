package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

type scriptedProvider struct {
	name  string
	errs  []error // popped per call; nil entry means success
	calls int
}

func (p *scriptedProvider) Name() string                           { return p.name }
func (p *scriptedProvider) CostPerToken(string) (float64, float64) { return 0.001, 0.002 }

func (p *scriptedProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Response{Provider: p.name, Text: "ok", FinishReason: FinishStop}, nil
}

func (p *scriptedProvider) CompleteWithTools(ctx context.Context, req *Request) (*Response, error) {
	return p.Complete(ctx, req)
}

func TestFailoverFallsBackToSecondary(t *testing.T) {
	p1 := &scriptedProvider{name: "p1", errs: []error{errors.New("boom")}}
	p2 := &scriptedProvider{name: "p2"}
	f := NewFailover(FailoverConfig{BaseCooldown: time.Second, MaxCooldown: time.Minute, MaxRetries: 3}, p1, p2)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return base }

	resp, err := f.Complete(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Provider != "p2" {
		t.Fatalf("served by %s, want p2", resp.Provider)
	}

	st := f.states["p1"]
	if st.consecutiveFailures != 1 {
		t.Fatalf("p1 failures = %d, want 1", st.consecutiveFailures)
	}
	if got, want := st.cooldownUntil, base.Add(time.Second); !got.Equal(want) {
		t.Fatalf("p1 cooldown = %v, want %v", got, want)
	}
}

func TestFailoverCooldownDoubles(t *testing.T) {
	p1 := &scriptedProvider{name: "p1", errs: []error{errors.New("one"), errors.New("two")}}
	p2 := &scriptedProvider{name: "p2"}
	f := NewFailover(FailoverConfig{BaseCooldown: time.Second, MaxCooldown: time.Minute, MaxRetries: 3}, p1, p2)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	f.now = func() time.Time { return now }

	if _, err := f.Complete(context.Background(), &Request{}); err != nil {
		t.Fatalf("first call: %v", err)
	}

	// Let p1's cooldown elapse so it is tried (and fails) again.
	now = base.Add(2 * time.Second)
	if _, err := f.Complete(context.Background(), &Request{}); err != nil {
		t.Fatalf("second call: %v", err)
	}

	st := f.states["p1"]
	if st.consecutiveFailures != 2 {
		t.Fatalf("p1 failures = %d, want 2", st.consecutiveFailures)
	}
	if got, want := st.cooldownUntil, now.Add(2*time.Second); !got.Equal(want) {
		t.Fatalf("p1 cooldown = %v, want %v (2*base)", got, want)
	}
}

func TestFailoverSuccessResetsCounter(t *testing.T) {
	p1 := &scriptedProvider{name: "p1", errs: []error{errors.New("boom"), nil}}
	f := NewFailover(FailoverConfig{BaseCooldown: time.Second, MaxCooldown: time.Minute, MaxRetries: 3}, p1)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	f.now = func() time.Time { return now }

	if _, err := f.Complete(context.Background(), &Request{}); err == nil {
		t.Fatal("expected failure with only p1 in cooldown-free chain erroring")
	}

	now = base.Add(5 * time.Second)
	if _, err := f.Complete(context.Background(), &Request{}); err != nil {
		t.Fatalf("second call should succeed: %v", err)
	}
	st := f.states["p1"]
	if st.consecutiveFailures != 0 {
		t.Fatalf("p1 failures = %d after success, want 0", st.consecutiveFailures)
	}
}

func TestFailoverSkipsCoolingProvider(t *testing.T) {
	p1 := &scriptedProvider{name: "p1", errs: []error{errors.New("boom")}}
	p2 := &scriptedProvider{name: "p2"}
	f := NewFailover(FailoverConfig{BaseCooldown: time.Minute, MaxCooldown: 5 * time.Minute, MaxRetries: 3}, p1, p2)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return base }

	if _, err := f.Complete(context.Background(), &Request{}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	callsBefore := p1.calls
	if _, err := f.Complete(context.Background(), &Request{}); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if p1.calls != callsBefore {
		t.Fatalf("p1 was called while cooling down")
	}
}

func TestFailoverCooldownCap(t *testing.T) {
	p1 := &scriptedProvider{name: "p1", errs: []error{
		errors.New("1"), errors.New("2"), errors.New("3"), errors.New("4"),
	}}
	f := NewFailover(FailoverConfig{BaseCooldown: 2 * time.Minute, MaxCooldown: 5 * time.Minute, MaxRetries: 3}, p1)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	f.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, _ = f.Complete(context.Background(), &Request{})
		now = now.Add(10 * time.Minute)
	}
	st := f.states["p1"]
	if got := st.cooldownUntil.Sub(now.Add(-10 * time.Minute)); got > 5*time.Minute {
		t.Fatalf("cooldown %v exceeds 5m cap", got)
	}
}

func TestFailoverNoProviders(t *testing.T) {
	f := NewFailover(FailoverConfig{})
	_, err := f.Complete(context.Background(), &Request{})
	var noProviders *ErrNoProviders
	if !errors.As(err, &noProviders) {
		t.Fatalf("err = %v, want ErrNoProviders", err)
	}
}
