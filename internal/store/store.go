// Package store persists estimator sessions. The memory store backs tests
// and single-instance deployments; the Redis store is the production backend.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/matthew-callmother/estimator/internal/session"
)

// ErrNotFound is returned when no session exists under the given id.
var ErrNotFound = errors.New("store: session not found")

// SessionStore is the persistence boundary for sessions.
type SessionStore interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	Put(ctx context.Context, sess *session.Session) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps sessions in process memory. Sessions pass through JSON
// on the way in and out so callers see the same serialization behavior as
// the Redis store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]byte)}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	data, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("store: decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *MemoryStore) Put(ctx context.Context, sess *session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("store: encode session %s: %w", sess.ID, err)
	}
	s.mu.Lock()
	s.sessions[sess.ID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}
