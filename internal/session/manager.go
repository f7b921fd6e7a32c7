// Package session provides channel-keyed thread resolution, submission
// text classification, per-thread undo history, and context-budget
// compaction. Threads resolve through a per-key-locked
// (user, channel, external thread) map.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/danielsimonjr/ironclaw/internal/storage"
	"github.com/danielsimonjr/ironclaw/pkg/models"
)

// routeKey uniquely identifies one external conversation thread.
type routeKey struct {
	UserID           string
	ChannelName      string
	ExternalThreadID string
}

func (k routeKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.UserID, k.ChannelName, k.ExternalThreadID)
}

// Manager maps (user_id, channel_name, external_thread_id) to an internal
// thread, resolving or creating sessions/threads under a concurrency-safe
// map with double-checked insertion so two first-messages racing
// for the same route never create duplicate threads.
type Manager struct {
	store storage.ConversationStore

	mu     sync.Mutex // guards routes and per-key locks; held briefly
	routes map[routeKey]string
	locks  map[routeKey]*sync.Mutex

	undoMu sync.Mutex
	undo   map[string]*UndoManager // threadID -> undo history

	autoMu sync.Mutex
	auto   map[string]*AutoApproved // sessionID -> auto-approved set mirror
}

// AutoApproved mirrors tools.AutoApprovedSet without importing the tools
// package, avoiding an import cycle (tools' Gate already depends on the
// approval primitives; session only needs to persist/restore the names).
type AutoApproved struct {
	mu    sync.RWMutex
	names map[string]bool
}

func NewAutoApproved() *AutoApproved { return &AutoApproved{names: make(map[string]bool)} }

func (a *AutoApproved) Add(name string) { a.mu.Lock(); defer a.mu.Unlock(); a.names[name] = true }
func (a *AutoApproved) Contains(name string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.names[name]
}
func (a *AutoApproved) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.names))
	for n := range a.names {
		out = append(out, n)
	}
	return out
}

// NewManager constructs a Manager backed by store.
func NewManager(store storage.ConversationStore) *Manager {
	return &Manager{
		store:  store,
		routes: make(map[routeKey]string),
		locks:  make(map[routeKey]*sync.Mutex),
		undo:   make(map[string]*UndoManager),
		auto:   make(map[string]*AutoApproved),
	}
}

func (m *Manager) keyLock(k routeKey) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[k]
	if !ok {
		l = &sync.Mutex{}
		m.locks[k] = l
	}
	return l
}

// Resolve returns the thread for (userID, channelName, externalThreadID),
// creating a session and thread on first contact. Double-checked locking:
// the fast path takes only the map's own lock; a miss takes a per-key
// lock before re-checking and creating, so concurrent first messages for
// the same route serialize onto exactly one created thread.
func (m *Manager) Resolve(ctx context.Context, userID, channelName, externalThreadID string) (*models.Session, *models.Thread, error) {
	key := routeKey{UserID: userID, ChannelName: channelName, ExternalThreadID: externalThreadID}

	m.mu.Lock()
	threadID, ok := m.routes[key]
	m.mu.Unlock()
	if ok {
		return m.loadByThread(ctx, threadID)
	}

	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	threadID, ok = m.routes[key]
	m.mu.Unlock()
	if ok {
		return m.loadByThread(ctx, threadID)
	}

	sess, err := m.store.GetSessionByUser(ctx, userID)
	if err != nil && !storage.IsNotFound(err) {
		return nil, nil, err
	}
	var thread *models.Thread
	if sess == nil {
		thread = models.NewThread("", userID)
		sess = models.NewSession(userID, thread.ID)
		thread.SessionID = sess.ID
		if err := m.store.CreateSession(ctx, sess); err != nil {
			return nil, nil, err
		}
		if err := m.store.CreateThread(ctx, thread); err != nil {
			return nil, nil, err
		}
	} else {
		thread = models.NewThread(sess.ID, userID)
		if err := m.store.CreateThread(ctx, thread); err != nil {
			return nil, nil, err
		}
		sess.ActiveThreadID = thread.ID
		if err := m.store.UpdateSession(ctx, sess); err != nil {
			return nil, nil, err
		}
	}

	m.mu.Lock()
	m.routes[key] = thread.ID
	m.mu.Unlock()

	return sess, thread, nil
}

func (m *Manager) loadByThread(ctx context.Context, threadID string) (*models.Session, *models.Thread, error) {
	thread, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, nil, err
	}
	sess, err := m.store.GetSession(ctx, thread.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return sess, thread, nil
}

// UndoFor returns (creating if needed) the per-thread undo manager.
func (m *Manager) UndoFor(threadID string) *UndoManager {
	m.undoMu.Lock()
	defer m.undoMu.Unlock()
	u, ok := m.undo[threadID]
	if !ok {
		u = NewUndoManager()
		m.undo[threadID] = u
	}
	return u
}

// AutoApprovedFor returns (creating if needed) the per-session
// auto-approved tool-name set.
func (m *Manager) AutoApprovedFor(sessionID string) *AutoApproved {
	m.autoMu.Lock()
	defer m.autoMu.Unlock()
	a, ok := m.auto[sessionID]
	if !ok {
		a = NewAutoApproved()
		m.auto[sessionID] = a
	}
	return a
}

// TransitionThread validates and applies a thread state change against
// the transition table, persisting the result.
func (m *Manager) TransitionThread(ctx context.Context, thread *models.Thread, next models.ThreadState) error {
	if !validTransition(thread.State, next) {
		return fmt.Errorf("session: illegal thread transition %s -> %s", thread.State, next)
	}
	thread.State = next
	return m.store.UpdateThread(ctx, thread)
}

// UnloadSession drops sessionID's in-memory route, undo-history, and
// auto-approved-tool state.
// The next message on any of the session's routes re-resolves from the
// store via Resolve's normal miss path.
func (m *Manager) UnloadSession(ctx context.Context, sess *models.Session) error {
	threads, err := m.store.ListThreadsBySession(ctx, sess.ID)
	if err != nil {
		return err
	}

	threadIDs := make(map[string]bool, len(threads))
	for _, t := range threads {
		threadIDs[t.ID] = true
	}

	m.mu.Lock()
	for key, threadID := range m.routes {
		if threadIDs[threadID] {
			delete(m.routes, key)
			delete(m.locks, key)
		}
	}
	m.mu.Unlock()

	m.undoMu.Lock()
	for threadID := range threadIDs {
		delete(m.undo, threadID)
	}
	m.undoMu.Unlock()

	m.autoMu.Lock()
	delete(m.auto, sess.ID)
	m.autoMu.Unlock()

	return nil
}

func validTransition(cur, next models.ThreadState) bool {
	switch next {
	case models.ThreadStopped:
		return true // any state -> Stopped on Interrupt
	case models.ThreadProcessing:
		return cur == models.ThreadIdle || cur == models.ThreadWaitingApproval
	case models.ThreadWaitingApproval:
		return cur == models.ThreadProcessing
	case models.ThreadIdle:
		return cur == models.ThreadWaitingApproval || cur == models.ThreadProcessing || cur == models.ThreadStopped
	default:
		return false
	}
}
