// Package settings persists the session identity a tab last connected
// with, so a reloaded tab can resume its room without re-entering a code.
package settings

import (
	"context"
	"sync"
)

// Identity is the room membership a tab connects with.
type Identity struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	URL    string `json:"url"`
}

// Store saves and loads per-tab identities.
type Store interface {
	Save(ctx context.Context, tabID string, id Identity) error
	Load(ctx context.Context, tabID string) (Identity, bool, error)
	Delete(ctx context.Context, tabID string) error
}

// MemoryStore is the in-process Store used when Redis is not configured.
type MemoryStore struct {
	mu  sync.RWMutex
	ids map[string]Identity
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]Identity)}
}

func (s *MemoryStore) Save(_ context.Context, tabID string, id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[tabID] = id
	return nil
}

func (s *MemoryStore) Load(_ context.Context, tabID string) (Identity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.ids[tabID]
	return id, ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, tabID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, tabID)
	return nil
}
