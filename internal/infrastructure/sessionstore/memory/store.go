package memory

import (
	"context"
	"sync"

	"github.com/kirillkom/document-uploader/internal/core/domain"
)

// Store keeps transfer sessions for the lifetime of the process.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]domain.TransferSession
}

func New() *Store {
	return &Store{sessions: make(map[string]domain.TransferSession)}
}

func (s *Store) Get(_ context.Context, signature string) (domain.TransferSession, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[signature]
	return sess, ok, nil
}

func (s *Store) Put(_ context.Context, session domain.TransferSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.Signature] = session
	return nil
}

func (s *Store) Delete(_ context.Context, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, signature)
	return nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
