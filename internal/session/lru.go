package session

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// LRUStore keeps sessions in a bounded in-memory LRU cache. When full, the
// least recently used session is evicted.
type LRUStore struct {
	cache *lru.Cache
}

// NewLRUStore creates a store holding up to capacity sessions
func NewLRUStore(capacity int) (*LRUStore, error) {
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	return &LRUStore{cache: cache}, nil
}

// Put implements Store
func (s *LRUStore) Put(ctx context.Context, sess Session) error {
	s.cache.Add(sess.ID, sess)
	return nil
}

// Get implements Store
func (s *LRUStore) Get(ctx context.Context, id string) (Session, error) {
	v, ok := s.cache.Get(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	return v.(Session), nil
}

// Delete implements Store
func (s *LRUStore) Delete(ctx context.Context, id string) error {
	s.cache.Remove(id)
	return nil
}

// Len returns the number of cached sessions
func (s *LRUStore) Len() int {
	return s.cache.Len()
}
