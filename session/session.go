// Package session holds conversation state between orchestration runs. The
// engine itself is stateless per run; a Store gives hosts a place to keep
// transcripts keyed by conversation id, with per-conversation serialization
// so two concurrent runs cannot interleave one transcript.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolmesh/toolmesh/model"
)

// Session is one conversation's accumulated transcript.
type Session struct {
	ID        string          `json:"id"`
	Messages  []model.Message `json:"messages"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewSession allocates an empty session. An empty id gets a generated one.
func NewSession(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	return &Session{ID: id, CreatedAt: now, UpdatedAt: now}
}

// Clone returns a deep enough copy that callers can read and extend it
// without racing the store.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Messages = make([]model.Message, len(s.Messages))
	copy(cp.Messages, s.Messages)
	return &cp
}

// Store is the conversation persistence boundary.
type Store interface {
	// Get returns a clone of an existing session or lazily creates one.
	Get(sessionID string) (*Session, error)
	// Replace stores a clone of the given transcript wholesale.
	Replace(session *Session) error
	// Append adds messages to an existing or newly created session.
	Append(sessionID string, messages ...model.Message) error
	// Delete removes a session. Missing ids are a no-op.
	Delete(sessionID string)
}

// InMemoryStore is a volatile Store keeping sessions in a process-local
// map. It is safe for concurrent access and best suited for tests and
// single-process hosts. Each returned session is cloned to prevent external
// mutation of internal state.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	// locks serializes turns per conversation independently of the map lock.
	locks map[string]*sync.Mutex
}

// Interface compliance (compile-time assertion)
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore constructs an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Get returns an existing session (clone) or creates a new one lazily.
func (s *InMemoryStore) Get(sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess.Clone(), nil
	}
	return s.createLocked(sessionID).Clone(), nil
}

// Replace stores a clone of the provided session snapshot.
func (s *InMemoryStore) Replace(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := session.Clone()
	cp.UpdatedAt = time.Now()
	s.sessions[cp.ID] = cp
	return nil
}

// Append adds messages to an existing or newly created session.
func (s *InMemoryStore) Append(sessionID string, messages ...model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = s.createLocked(sessionID)
	}
	sess.Messages = append(sess.Messages, messages...)
	sess.UpdatedAt = time.Now()
	return nil
}

// Delete removes a session and its turn lock.
func (s *InMemoryStore) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	delete(s.locks, sessionID)
}

// LockTurn acquires the per-conversation turn lock, creating it on first
// use. The returned function releases it. Hosts wrap each orchestration run
// in LockTurn so concurrent requests against the same conversation are
// serialized while different conversations proceed in parallel.
func (s *InMemoryStore) LockTurn(sessionID string) func() {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// createLocked allocates and stores a new session; caller must already hold
// the store lock.
func (s *InMemoryStore) createLocked(sessionID string) *Session {
	sess := NewSession(sessionID)
	s.sessions[sess.ID] = sess
	return sess
}
