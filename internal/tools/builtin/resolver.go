// Package builtin implements the orchestrator-safe and developer tools
// every registry registers before any workspace- or job-specific tool:
// echo, time, json, http, shell, and the file operations.
package builtin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PathResolver confines a workspace-relative path to Root, rejecting any
// path that would escape it via "..", an absolute override, or a symlink
// trick resolved at Join time.
type PathResolver struct {
	Root string
}

// Resolve returns an absolute, cleaned path guaranteed to fall under Root.
func (r PathResolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	target := filepath.Join(rootAbs, clean)
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return targetAbs, nil
}
