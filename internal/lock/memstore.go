package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps locks in process memory. Used in tests and when the
// engine runs without a database (dry-run mode).
type MemoryStore struct {
	mu    sync.Mutex
	locks map[string]Lock
}

// NewMemoryStore creates an empty in-memory lock store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: make(map[string]Lock)}
}

func (s *MemoryStore) TryAcquire(_ context.Context, lock Lock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.locks[lock.Name]; ok && cur.ExpiresAt.After(lock.AcquiredAt) {
		return false, nil
	}
	s.locks[lock.Name] = lock
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, name, holderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.locks[name]
	if !ok || cur.HolderID != holderID {
		return ErrNotHolder
	}
	delete(s.locks, name)
	return nil
}

func (s *MemoryStore) Renew(_ context.Context, name, holderID string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.locks[name]
	if !ok || cur.HolderID != holderID {
		return false, nil
	}
	cur.ExpiresAt = expiresAt
	s.locks[name] = cur
	return true, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for name, cur := range s.locks {
		if cur.ExpiresAt.Before(now) {
			delete(s.locks, name)
			removed++
		}
	}
	return removed, nil
}

// Held reports whether a lock is currently held and unexpired.
func (s *MemoryStore) Held(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.locks[name]
	return ok && cur.ExpiresAt.After(time.Now().UTC())
}

var _ Store = (*MemoryStore)(nil)
