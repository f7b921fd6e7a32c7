package safety

import (
	"context"
	"fmt"
)

// Config controls the pipeline's tunable bounds. Every stage is always
// present; Config has no "enabled" flags for the stages themselves, only
// for their thresholds, because forbids globally disabling a stage
// at runtime.
type Config struct {
	MaxContentBytes int
	// AcknowledgeInjectionCheckDisabled must be true for NewPipeline to
	// accept InjectionCheckDisabled; a config that disables injection
	// checking without the explicit acknowledgement fails startup.
	InjectionCheckDisabled            bool
	AcknowledgeInjectionCheckDisabled bool
	MaxWhitespaceRatio                float64
	MaxRepeatRun                      int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxContentBytes:    256 * 1024,
		MaxWhitespaceRatio: 0.9,
		MaxRepeatRun:       200,
	}
}

// Pipeline is the five-stage bidirectional safety pipeline: size gate,
// leak detection, sanitizer, validator, policy.
type Pipeline struct {
	cfg       Config
	leak      *LeakDetector
	sanitizer *Sanitizer
	validator *Validator
	policy    *Policy
}

// New constructs a Pipeline, refusing to start if cfg tries to disable
// injection checking without the explicit acknowledgement flag.
func New(cfg Config) (*Pipeline, error) {
	if cfg.InjectionCheckDisabled && !cfg.AcknowledgeInjectionCheckDisabled {
		return nil, fmt.Errorf("safety: injection checking cannot be disabled without AcknowledgeInjectionCheckDisabled")
	}
	if cfg.MaxWhitespaceRatio <= 0 {
		cfg.MaxWhitespaceRatio = 0.9
	}
	if cfg.MaxRepeatRun <= 0 {
		cfg.MaxRepeatRun = 200
	}
	v := NewValidator()
	v.MaxWhitespaceRatio = cfg.MaxWhitespaceRatio
	v.MaxRepeatRun = cfg.MaxRepeatRun

	sanitizer := NewSanitizer()
	if cfg.InjectionCheckDisabled {
		sanitizer.Patterns = nil
	}

	return &Pipeline{
		cfg:       cfg,
		leak:      NewLeakDetector(),
		sanitizer: sanitizer,
		validator: v,
		policy:    NewPolicy(),
	}, nil
}

// Scan runs content through all five stages in order, short-circuiting
// on the first Block verdict. direction only changes behavior at the
// leak-detection stage: a Critical leak on Outbound content blocks the
// call entirely, while the same finding on Inbound content is redacted
// so the turn can continue.
func (p *Pipeline) Scan(direction Direction, content string) Result {
	var warnings []Warning

	content, w, truncated := sizeGate(content, p.cfg.MaxContentBytes)
	warnings = append(warnings, w...)
	modified := truncated

	leakOut, leakWarnings, leakVerdict := p.leak.Apply(direction, content)
	warnings = append(warnings, leakWarnings...)
	if leakVerdict == TerminalBlocked {
		return Result{Content: leakOut, Warnings: warnings, WasModified: true, TerminalAction: TerminalBlocked}
	}
	if leakOut != content {
		modified = true
		content = leakOut
	}

	sanitized, sanitizeWarnings, sanitizedChanged := p.sanitizer.Apply(content)
	warnings = append(warnings, sanitizeWarnings...)
	if sanitizedChanged {
		modified = true
		content = sanitized
	}

	if ok, vw := p.validator.Apply(content); !ok {
		warnings = append(warnings, *vw)
		if vw.Action == ActionBlock {
			return Result{Content: blockedPlaceholder, Warnings: warnings, WasModified: true, TerminalAction: TerminalBlocked}
		}
	}

	policyOut, policyWarnings, policyVerdict := p.policy.Apply(content)
	warnings = append(warnings, policyWarnings...)
	if policyVerdict == TerminalBlocked {
		return Result{Content: policyOut, Warnings: warnings, WasModified: true, TerminalAction: TerminalBlocked}
	}
	if policyOut != content {
		modified = true
		content = policyOut
	}

	terminal := TerminalAllow
	if modified {
		terminal = TerminalRedacted
	}
	return Result{Content: content, Warnings: warnings, WasModified: modified, TerminalAction: terminal}
}

// ScanBytes adapts Pipeline to ssrf.BodyScanner so the egress proxy can
// share the same leak detector used for in-process tool output.
func (p *Pipeline) ScanBytes(_ context.Context, content []byte) (bool, string) {
	result := p.Scan(Outbound, string(content))
	return result.TerminalAction == TerminalBlocked, firstBlockReason(result.Warnings)
}

// ScanRequest adapts Pipeline to ssrf.RequestScanner: the egress proxy's
// outbound leg runs the full pipeline over the body and the leak stage
// over the URL's query parameters and header values, so a secret hidden
// in either (case-folded, percent-encoded or not) never leaves the host.
func (p *Pipeline) ScanRequest(_ context.Context, rawURL string, headers map[string]string, body []byte) (bool, string) {
	_, warnings, verdict := p.leak.ApplyRequest(Outbound, string(body), rawURL, headers)
	if verdict == TerminalBlocked {
		return true, firstBlockReason(warnings)
	}
	result := p.Scan(Outbound, string(body))
	return result.TerminalAction == TerminalBlocked, firstBlockReason(result.Warnings)
}

func firstBlockReason(warnings []Warning) string {
	for _, w := range warnings {
		if w.Action == ActionBlock {
			return w.Pattern
		}
	}
	return "blocked"
}
