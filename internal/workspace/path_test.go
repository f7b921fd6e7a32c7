package workspace

import "testing"

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "/notes/today.md", want: "/notes/today.md"},
		{in: "notes/today.md", want: "/notes/today.md"},
		{in: "/a//b/./c", want: "/a/b/c"},
		{in: "/a/../../etc/passwd", wantErr: true},
		{in: "../foo", wantErr: true},
		{in: "..\\/foo", wantErr: true},
		{in: "/%2e%2e%2ffoo", wantErr: true},
		{in: "/%252e%252e/foo", wantErr: true},
		{in: "/with\x00null", wantErr: true},
		{in: `\windows\style`, wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := NormalizePath(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("NormalizePath(%q) = %q, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizePath(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIsIdentityPathCaseInsensitive(t *testing.T) {
	for _, p := range []string{"/IDENTITY.md", "/identity.md", "/Soul.MD", "/agents.md", "/USER.md"} {
		norm, err := NormalizePath(p)
		if err != nil {
			t.Fatalf("NormalizePath(%q): %v", p, err)
		}
		if !IsIdentityPath(norm) {
			t.Errorf("IsIdentityPath(%q) = false, want true", norm)
		}
	}
	if IsIdentityPath("/identity.md.bak") {
		t.Error("near-miss name must not match identity set")
	}
	if IsIdentityPath("/notes/identity.md") {
		t.Error("nested path must not match identity set")
	}
}
