package safety

import "regexp"

// PolicyRule is one entry in the ordered rule list stage 5
// evaluates. Rules are checked in order; the first Block or Redact match
// wins.
type PolicyRule struct {
	Name     string
	Re       *regexp.Regexp
	Severity Severity
	Action   Action
}

// builtinPolicyRules covers path-traversal variants, system-sensitive
// path prefixes, shell-injection idioms, SQL-injection shapes,
// crypto-key shapes, and base64 payloads above a threshold.
var builtinPolicyRules = []PolicyRule{
	{"path_traversal_dotdot", regexp.MustCompile(`\.\./|\.\.\\`), SeverityHigh, ActionBlock},
	{"path_traversal_encoded", regexp.MustCompile(`(?i)%2e%2e(%2f|%5c|/)`), SeverityHigh, ActionBlock},
	{"path_traversal_double_encoded", regexp.MustCompile(`(?i)%252e%252e`), SeverityHigh, ActionBlock},
	{"path_null_byte", regexp.MustCompile(`\x00`), SeverityHigh, ActionBlock},
	{"sensitive_path_prefix", regexp.MustCompile(`(?i)^(/etc/|/proc/|/sys/|/root/\.ssh|~/\.ssh|/var/run/secrets)`), SeverityHigh, ActionBlock},
	{"shell_pipe_to_shell", regexp.MustCompile(`(?i)\|\s*(sh|bash|zsh|ksh)\b`), SeverityCritical, ActionBlock},
	{"shell_command_substitution", regexp.MustCompile("(\\$\\(|`)"), SeverityHigh, ActionBlock},
	{"shell_chained_command", regexp.MustCompile(`;\s*(rm|curl|wget|nc|chmod|dd)\b`), SeverityHigh, ActionBlock},
	{"sql_injection_tautology", regexp.MustCompile(`(?i)\bor\s+1\s*=\s*1\b`), SeverityHigh, ActionBlock},
	{"sql_injection_stacked", regexp.MustCompile(`(?i);\s*(drop|delete|truncate)\s+table\b`), SeverityCritical, ActionBlock},
	{"sql_injection_union", regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`), SeverityHigh, ActionBlock},
	{"crypto_private_key_shape", regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`), SeverityCritical, ActionBlock},
	{"base64_payload_large", regexp.MustCompile(`\b[A-Za-z0-9+/]{256,}={0,2}\b`), SeverityMedium, ActionWarn},
}

// Policy evaluates content against an ordered rule list.
type Policy struct {
	Rules []PolicyRule
}

// NewPolicy returns a Policy preloaded with the builtin rule set.
func NewPolicy() *Policy {
	return &Policy{Rules: builtinPolicyRules}
}

// Apply evaluates content against the rule list in order, returning on
// the first Block; Warn/Redact matches accumulate and evaluation
// continues so every applicable warning is reported.
func (p *Policy) Apply(content string) (string, []Warning, TerminalAction) {
	var warnings []Warning
	out := content
	for _, rule := range p.Rules {
		if !rule.Re.MatchString(out) {
			continue
		}
		warnings = append(warnings, Warning{
			Stage: "policy", Pattern: rule.Name, Severity: rule.Severity,
			Action: rule.Action, Detail: "matched policy rule " + rule.Name,
		})
		switch rule.Action {
		case ActionBlock:
			return blockedPlaceholder, warnings, TerminalBlocked
		case ActionRedact:
			out = rule.Re.ReplaceAllString(out, "[REDACTED]")
		}
	}
	if out != content {
		return out, warnings, TerminalRedacted
	}
	return out, warnings, TerminalAllow
}
