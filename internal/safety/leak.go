package safety

import (
	"net/url"
	"regexp"
	"strings"
)

// leakPattern is one entry in the fixed credential-shape library. Name is
// a stable identifier used in warnings and in DetectSecrets.
type leakPattern struct {
	Name     string
	Re       *regexp.Regexp
	Severity Severity
	Action   Action
}

// builtinLeakPatterns covers the credential shapes enumerates: API
// key prefixes, bearer tokens, JWT anatomy, PEM headers, provider-specific
// key formats, email-style identifiers, and database URLs with embedded
// credentials.
var builtinLeakPatterns = []leakPattern{
	{"api_key_assignment", regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]?[\w-]{20,}['"]?`), SeverityHigh, ActionRedact},
	{"bearer_token", regexp.MustCompile(`(?i)bearer\s+[\w\-.]{10,}`), SeverityHigh, ActionRedact},
	{"jwt", regexp.MustCompile(`eyJ[\w-]+\.eyJ[\w-]+\.[\w-]+`), SeverityCritical, ActionBlock},
	{"pem_private_key", regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`), SeverityCritical, ActionBlock},
	{"aws_access_key_id", regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`), SeverityCritical, ActionBlock},
	{"aws_secret", regexp.MustCompile(`(?i)(aws|amazon).{0,20}?(key|secret|token)\s*[:=]\s*['"]?[\w/+=]{20,}['"]?`), SeverityHigh, ActionRedact},
	{"generic_secret_assignment", regexp.MustCompile(`(?i)(password|passwd|secret|token)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`), SeverityMedium, ActionRedact},
	{"slack_token", regexp.MustCompile(`xox[baprs]-[0-9A-Za-z-]{10,}`), SeverityHigh, ActionBlock},
	{"github_token", regexp.MustCompile(`gh[pousr]_[0-9A-Za-z]{30,}`), SeverityHigh, ActionBlock},
	{"db_connection_string", regexp.MustCompile(`(?i)(postgres|postgresql|mysql|mongodb(?:\+srv)?|redis):\/\/[^:\s]+:[^@\s]+@[^\s'"]+`), SeverityCritical, ActionBlock},
	{"email_identifier", regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[a-z]{2,}\b`), SeverityLow, ActionWarn},
}

// entropyLikePattern flags long hex/base64 runs that look like random key
// material even without a recognizable prefix.
var (
	hexEntropyPattern    = regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`)
	base64EntropyPattern = regexp.MustCompile(`\b[A-Za-z0-9+/]{40,}={0,2}\b`)
)

// LeakDetector scans content for credential-shaped substrings.
type LeakDetector struct {
	Patterns []leakPattern
}

// NewLeakDetector returns a detector preloaded with the builtin pattern
// library.
func NewLeakDetector() *LeakDetector {
	return &LeakDetector{Patterns: builtinLeakPatterns}
}

// leakHit is one matched pattern with its resolved span of text.
type leakHit struct {
	pattern leakPattern
	match   string
}

func (d *LeakDetector) scan(content string) []leakHit {
	var hits []leakHit
	for _, p := range d.Patterns {
		for _, m := range p.Re.FindAllString(content, -1) {
			hits = append(hits, leakHit{p, m})
		}
	}
	for _, m := range hexEntropyPattern.FindAllString(content, -1) {
		hits = append(hits, leakHit{leakPattern{"high_entropy_hex", hexEntropyPattern, SeverityMedium, ActionRedact}, m})
	}
	for _, m := range base64EntropyPattern.FindAllString(content, -1) {
		hits = append(hits, leakHit{leakPattern{"high_entropy_base64", base64EntropyPattern, SeverityMedium, ActionRedact}, m})
	}
	return hits
}

// scanHeadersAndParams re-scans decoded HTTP header values and URL query
// parameters so percent-encoded or differently-cased secrets are still
// caught.
func (d *LeakDetector) scanHeadersAndParams(rawURL string, headers map[string]string) []leakHit {
	var hits []leakHit
	if u, err := url.Parse(rawURL); err == nil {
		for _, values := range u.Query() {
			for _, v := range values {
				if decoded, err := url.QueryUnescape(v); err == nil {
					hits = append(hits, d.scan(decoded)...)
				}
			}
		}
	}
	for _, value := range headers {
		if decoded, err := url.QueryUnescape(value); err == nil {
			hits = append(hits, d.scan(decoded)...)
		} else {
			hits = append(hits, d.scan(value)...)
		}
	}
	return hits
}

// Apply runs the leak-detection stage: for each hit it classifies
// severity/action, redacting or blocking per the worst-cased action seen.
// Direction decides what a Block-action hit does: Outbound content is
// blocked entirely (the secret must never leave the host), while the same
// hit on Inbound content is redacted in place so the turn can continue.
func (d *LeakDetector) Apply(direction Direction, content string) (string, []Warning, TerminalAction) {
	hits := d.scan(content)
	return d.apply(direction, content, hits)
}

// ApplyRequest is Apply extended to also scan a URL's query parameters
// and a set of header values, for the egress-proxy leg of the pipeline.
func (d *LeakDetector) ApplyRequest(direction Direction, content, rawURL string, headers map[string]string) (string, []Warning, TerminalAction) {
	hits := d.scan(content)
	hits = append(hits, d.scanHeadersAndParams(rawURL, headers)...)
	return d.apply(direction, content, hits)
}

func (d *LeakDetector) apply(direction Direction, content string, hits []leakHit) (string, []Warning, TerminalAction) {
	if len(hits) == 0 {
		return content, nil, TerminalAllow
	}
	var warnings []Warning
	out := content
	blocked := false
	for _, h := range hits {
		warnings = append(warnings, Warning{
			Stage: "leak_detection", Pattern: h.pattern.Name,
			Severity: h.pattern.Severity, Action: h.pattern.Action,
			Detail: "matched " + h.pattern.Name,
		})
		switch h.pattern.Action {
		case ActionBlock:
			if direction == Outbound {
				blocked = true
			} else {
				out = strings.ReplaceAll(out, h.match, "[REDACTED]")
			}
		case ActionRedact:
			out = strings.ReplaceAll(out, h.match, "[REDACTED]")
		}
	}
	if blocked {
		return blockedPlaceholder, warnings, TerminalBlocked
	}
	if out != content {
		return out, warnings, TerminalRedacted
	}
	return out, warnings, TerminalAllow
}

// DetectSecrets returns the distinct pattern names matched in content,
// for logging/alerting call sites that don't need the full pipeline.
func DetectSecrets(content string) []string {
	if content == "" {
		return nil
	}
	seen := map[string]bool{}
	var names []string
	for _, p := range builtinLeakPatterns {
		if p.Re.MatchString(content) && !seen[p.Name] {
			seen[p.Name] = true
			names = append(names, p.Name)
		}
	}
	return names
}
