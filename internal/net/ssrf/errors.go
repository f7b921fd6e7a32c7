// Package ssrf validates hostnames, IP addresses, and outbound requests to
// prevent a sandboxed tool or worker from reaching internal infrastructure
// through an otherwise-legitimate-looking HTTP call.
package ssrf

// BlockedError is returned when a hostname, IP address, or request is
// rejected by an SSRF protection rule.
type BlockedError struct {
	Message string
}

func (e *BlockedError) Error() string { return e.Message }

// NewBlockedError constructs a BlockedError with the given message.
func NewBlockedError(message string) *BlockedError {
	return &BlockedError{Message: message}
}
