package llm

import "fmt"

// Kind is the closed LLM error taxonomy here: request, rate-limit,
// context-length, auth, session, model-unavailable.
type Kind string

const (
	KindRequest          Kind = "request"
	KindRateLimit        Kind = "rate_limit"
	KindContextLength    Kind = "context_length"
	KindAuth             Kind = "auth"
	KindSession          Kind = "session"
	KindModelUnavailable Kind = "model_unavailable"
)

// Error wraps a provider failure with its taxonomy Kind and the
// originating provider name, so the failover layer can decide whether a
// failure is retriable without parsing provider-specific error strings.
type Error struct {
	Kind     Kind
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("llm(%s): %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("llm: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError constructs an *Error.
func NewError(kind Kind, provider, message string, cause error) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message, Err: cause}
}

// Retriable reports whether the failover orchestrator should try the next
// provider after this error, as opposed to surfacing it immediately.
// Auth failures are configuration problems, not transient capacity
// problems, so they are not retried across providers by cooldown alone
// but are still counted as failures (a misconfigured key should not be
// retried forever against the same provider either).
func (e *Error) Retriable() bool {
	switch e.Kind {
	case KindRateLimit, KindRequest, KindModelUnavailable:
		return true
	default:
		return false
	}
}
