package policy

import "testing"

func TestMatchesPatterns(t *testing.T) {
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"*", "anything", true},
		{"shell", "shell", true},
		{"shell", "Shell", true},
		{"read_*", "read_file", true},
		{"read_*", "write_file", false},
		{"*_file", "read_file", true},
	}
	for _, c := range cases {
		if got := Matches(c.pattern, c.name); got != c.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", c.pattern, c.name, got, c.want)
		}
	}
}

func TestBinaryAllowlistDefaultEnforced(t *testing.T) {
	a := NewBinaryAllowlist()
	if !a.Enforced {
		t.Fatal("expected enforcement to default to true")
	}
	if err := a.Validate(); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
	if !a.IsAllowed("cat") {
		t.Fatal("expected cat to be allowed by default")
	}
	if a.IsAllowed("rm") {
		t.Fatal("expected rm not to be allowed by default")
	}
}

func TestBinaryAllowlistRejectsDisablingWithoutAcknowledgement(t *testing.T) {
	a := NewBinaryAllowlist()
	a.Enforced = false
	if err := a.Validate(); err == nil {
		t.Fatal("expected disabling enforcement without acknowledgement to fail validation")
	}
	a.AcknowledgeDisabled = true
	if err := a.Validate(); err != nil {
		t.Fatalf("expected disabling enforcement with acknowledgement to validate, got %v", err)
	}
	if !a.IsAllowed("rm") {
		t.Fatal("expected every binary to be allowed once enforcement is disabled")
	}
}

func TestToolAccessPolicyEvaluate(t *testing.T) {
	p := &ToolAccessPolicy{
		Allow:           []string{"read_*", "shell"},
		Deny:            []string{"shell"},
		RequireApproval: []string{"write_*"},
	}
	if got := p.Evaluate("shell"); got != DecisionDeny {
		t.Errorf("expected deny to take precedence, got %v", got)
	}
	if got := p.Evaluate("write_file"); got != DecisionApproval {
		t.Errorf("expected write_file to require approval, got %v", got)
	}
	if got := p.Evaluate("read_file"); got != DecisionAllow {
		t.Errorf("expected read_file to be allowed, got %v", got)
	}
	if got := p.Evaluate("unknown_tool"); got != DecisionDeny {
		t.Errorf("expected a non-empty allowlist to deny unlisted tools, got %v", got)
	}
}
