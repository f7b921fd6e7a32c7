package safety

// sizeGate truncates content over maxBytes, attaching a "truncated"
// warning rather than failing the pipeline.
func sizeGate(content string, maxBytes int) (string, []Warning, bool) {
	if maxBytes <= 0 || len(content) <= maxBytes {
		return content, nil, false
	}
	truncated := content[:maxBytes]
	return truncated, []Warning{{
		Stage: "size_gate", Pattern: "max_length_exceeded",
		Severity: SeverityLow, Action: ActionWarn,
		Detail: "content truncated to configured maximum",
	}}, true
}
