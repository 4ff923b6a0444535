package browser

import (
	"context"
	"fmt"
	"sync"
)

// Manager tracks active browser sessions for a runtime.
type Manager struct {
	runtime  Runtime
	sessions map[string]Session
	mu       sync.Mutex
}

// NewManager creates a Manager backed by the provided runtime.
func NewManager(runtime Runtime) *Manager {
	return &Manager{
		runtime:  runtime,
		sessions: make(map[string]Session),
	}
}

// CreateSession allocates a new worker-side session and registers it. The
// worker assigns the session id.
func (m *Manager) CreateSession(ctx context.Context) (Session, error) {
	if m == nil || m.runtime == nil {
		return nil, ErrUnavailable
	}

	sess, err := m.runtime.NewSession(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[sess.ID()]; exists {
		// Worker handed out a duplicate id; refuse rather than shadow the
		// existing handle.
		_ = sess.Close()
		return nil, fmt.Errorf("session already exists: %s", sess.ID())
	}
	m.sessions[sess.ID()] = sess
	return sess, nil
}

// GetSession returns a session by ID.
func (m *Manager) GetSession(sessionID string) (Session, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// CloseSession closes and removes a session.
func (m *Manager) CloseSession(sessionID string) error {
	if m == nil {
		return ErrUnavailable
	}
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok || sess == nil {
		return ErrSessionClosed
	}
	return sess.Close()
}

// SessionCount returns the number of tracked sessions.
func (m *Manager) SessionCount() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// InvalidateAll drops every tracked session without contacting the worker.
// Used after a worker restart, which orphans all outstanding session ids.
func (m *Manager) InvalidateAll() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.sessions = make(map[string]Session)
	m.mu.Unlock()
}

// Close closes all sessions and releases the runtime.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	sessions := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]Session)
	m.mu.Unlock()

	var lastErr error
	for _, sess := range sessions {
		if sess == nil {
			continue
		}
		if err := sess.Close(); err != nil {
			lastErr = err
		}
	}
	if m.runtime != nil {
		if err := m.runtime.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
