package session

import (
	"sync"

	"github.com/danielsimonjr/ironclaw/pkg/models"
)

// UndoManager records a per-thread ordered stack of committed turns.
// Undo moves the top committed turn to the redo stack without deleting
// it; Redo pops it back; Clear empties both stacks.
type UndoManager struct {
	mu   sync.Mutex
	done []*models.Turn
	redo []*models.Turn
}

// NewUndoManager returns an empty undo/redo history.
func NewUndoManager() *UndoManager {
	return &UndoManager{}
}

// Push records a newly committed turn.
func (u *UndoManager) Push(t *models.Turn) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.done = append(u.done, t)
	u.redo = nil // a new committed turn invalidates any pending redo
}

// Undo moves the most recently committed turn to the redo stack and
// returns it. Returns nil if there is nothing to undo.
func (u *UndoManager) Undo() *models.Turn {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.done) == 0 {
		return nil
	}
	t := u.done[len(u.done)-1]
	u.done = u.done[:len(u.done)-1]
	u.redo = append(u.redo, t)
	return t
}

// Redo pops the most recently undone turn back onto the committed stack
// and returns it. Returns nil if there is nothing to redo.
func (u *UndoManager) Redo() *models.Turn {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.redo) == 0 {
		return nil
	}
	t := u.redo[len(u.redo)-1]
	u.redo = u.redo[:len(u.redo)-1]
	u.done = append(u.done, t)
	return t
}

// Clear empties both stacks.
func (u *UndoManager) Clear() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.done = nil
	u.redo = nil
}
