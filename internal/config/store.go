package config

import (
	"sync"
	"time"
)

// Store holds the current QueryConfig. Set replaces it wholesale; there is
// no merging across calls.
type Store struct {
	mu        sync.RWMutex
	cfg       QueryConfig
	updatedAt time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{}
}

// Set replaces the stored configuration
func (s *Store) Set(cfg QueryConfig) {
	cfg = cfg.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.updatedAt = time.Now()
}

// Get returns a snapshot of the stored configuration
func (s *Store) Get() QueryConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// UpdatedAt returns when Set was last called, or the zero time
func (s *Store) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}
