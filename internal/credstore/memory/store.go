package memory

import (
	"sync"

	"github.com/rentora/internal/credstore"
)

// Store — реализация credstore.Store в памяти для тестов.
type Store struct {
	mu    sync.Mutex
	creds *credstore.Credentials
}

func New() *Store { return &Store{} }

func (s *Store) Load() (*credstore.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds == nil {
		return nil, nil
	}
	c := *s.creds
	return &c, nil
}

func (s *Store) Save(c *credstore.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.creds = &cp
	return nil
}

func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = nil
	return nil
}
