package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle describes the session a caller should attach its next model call to.
// FirstCall signals that the full fixed context (persona, memory summary)
// must be sent; later calls on the same session stay lightweight.
type Handle struct {
	Key       string
	SessionID string
	CallCount int
	FirstCall bool
	CreatedAt time.Time
}

type state struct {
	sessionID string
	callCount int
	createdAt time.Time
}

// Manager hands out per-key conversation sessions and rotates them once the
// call budget is exhausted, so context growth stays bounded. Rotation is
// invisible to the caller; it just sees FirstCall again.
type Manager struct {
	MaxCalls int
	Now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*state
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Acquire returns the handle for one upcoming call on the keyed conversation,
// creating or rotating the underlying session as needed. The returned handle
// already counts the call.
func (m *Manager) Acquire(key string) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		m.sessions = map[string]*state{}
	}
	st, ok := m.sessions[key]
	if !ok || (m.MaxCalls > 0 && st.callCount >= m.MaxCalls) {
		st = &state{sessionID: uuid.NewString(), createdAt: m.now()}
		m.sessions[key] = st
	}
	st.callCount++
	return Handle{
		Key:       key,
		SessionID: st.sessionID,
		CallCount: st.callCount,
		FirstCall: st.callCount == 1,
		CreatedAt: st.createdAt,
	}
}

// Peek reports the current session for a key without consuming a call.
// ok is false when the key has no session yet.
func (m *Manager) Peek(key string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[key]
	if !ok {
		return Handle{}, false
	}
	return Handle{
		Key:       key,
		SessionID: st.sessionID,
		CallCount: st.callCount,
		CreatedAt: st.createdAt,
	}, true
}

// Reset discards the session for a key, forcing a fresh one on next Acquire.
func (m *Manager) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
}
