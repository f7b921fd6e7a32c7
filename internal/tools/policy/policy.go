// Package policy governs which external binaries the shell-style tool
// may invoke, and which tool-name patterns a session auto-allows,
// requires approval for, or denies outright.
package policy

import "strings"

// NormalizeTool lowercases and trims a tool or binary name before pattern
// matching, matching the comparisons the approval gate performs.
func NormalizeTool(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Matches reports whether name matches pattern, supporting an exact match,
// a trailing "*" prefix wildcard, a leading "*" suffix wildcard, or the
// single "*" match-everything pattern.
func Matches(pattern, name string) bool {
	pattern = NormalizeTool(pattern)
	name = NormalizeTool(name)
	if pattern == "" || name == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if pattern == name {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(name, strings.TrimPrefix(pattern, "*"))
	}
	return false
}

// MatchesAny reports whether name matches any pattern in patterns.
func MatchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if Matches(p, name) {
			return true
		}
	}
	return false
}

// defaultAllowedBinaries is the enforced-by-default allowlist of external
// binaries the shell tool may invoke.
var defaultAllowedBinaries = []string{
	"cat", "head", "tail", "wc", "sort", "uniq", "grep", "ls", "find",
	"echo", "pwd", "date", "sed", "awk", "diff", "git", "go", "curl",
}

// BinaryAllowlist governs which external binaries the shell tool may
// invoke. Enforced defaults to true; a caller must set
// AcknowledgeDisabled to turn enforcement off, mirroring the safety
// pipeline's injection-check acknowledgement requirement.
type BinaryAllowlist struct {
	Allowed             []string
	Enforced            bool
	AcknowledgeDisabled bool
}

// NewBinaryAllowlist returns an allowlist preloaded with the builtin safe
// binaries and enforcement on.
func NewBinaryAllowlist() *BinaryAllowlist {
	return &BinaryAllowlist{Allowed: append([]string(nil), defaultAllowedBinaries...), Enforced: true}
}

// Validate returns an error if the allowlist configuration tries to
// disable enforcement without an explicit acknowledgement.
func (a *BinaryAllowlist) Validate() error {
	if !a.Enforced && !a.AcknowledgeDisabled {
		return &ErrEnforcementDisabled{}
	}
	return nil
}

// ErrEnforcementDisabled is returned by Validate when enforcement is off
// without acknowledgement.
type ErrEnforcementDisabled struct{}

func (e *ErrEnforcementDisabled) Error() string {
	return "policy: binary allowlist enforcement cannot be disabled without AcknowledgeDisabled"
}

// IsAllowed reports whether binary may be invoked. When enforcement is
// off (and acknowledged), every binary is allowed.
func (a *BinaryAllowlist) IsAllowed(binary string) bool {
	if !a.Enforced {
		return true
	}
	return MatchesAny(a.Allowed, binary)
}

// ToolAccessPolicy combines an allow/deny/require-approval list for
// deciding what a given session may invoke, independent of the binary
// allowlist used specifically for the shell tool's command argument.
type ToolAccessPolicy struct {
	Allow           []string
	Deny            []string
	RequireApproval []string
}

// Decision is the outcome of evaluating a tool name against a
// ToolAccessPolicy.
type Decision string

const (
	DecisionAllow    Decision = "allow"
	DecisionDeny     Decision = "deny"
	DecisionApproval Decision = "approval"
)

// Evaluate checks denylist first, then allowlist, then require-approval,
// defaulting to DecisionAllow when nothing matches (the registry's own
// per-tool RequiresApproval flag is the primary gate; this policy layer
// lets an operator additionally restrict or escalate specific tools).
func (p *ToolAccessPolicy) Evaluate(toolName string) Decision {
	if p == nil {
		return DecisionAllow
	}
	if MatchesAny(p.Deny, toolName) {
		return DecisionDeny
	}
	if MatchesAny(p.RequireApproval, toolName) {
		return DecisionApproval
	}
	if len(p.Allow) > 0 && !MatchesAny(p.Allow, toolName) {
		return DecisionDeny
	}
	return DecisionAllow
}
