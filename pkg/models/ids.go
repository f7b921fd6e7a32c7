// Package models defines the core IronClaw data model shared across
// persistence, workspace, safety, tool-dispatch, and scheduling packages.
package models

import "github.com/google/uuid"

// NewID returns a fresh random identifier in the canonical UUID form used
// for every entity in the data model.
func NewID() string {
	return uuid.NewString()
}
