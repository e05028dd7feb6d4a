package kstate

import (
	"context"
	"sync"
)

type rowKey struct {
	scanner, id, destination string
}

// MemoryStore is an in-process Store. It does not survive restarts.
type MemoryStore struct {
	mu     sync.RWMutex
	rows   map[rowKey]Record
	closed bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[rowKey]Record)}
}

func (s *MemoryStore) Lookup(ctx context.Context, scanner, id string) ([]Record, error) {
	r, ok, err := s.Get(ctx, scanner, id, "")
	if err != nil || !ok {
		return nil, err
	}
	return []Record{r}, nil
}

func (s *MemoryStore) Get(_ context.Context, scanner, id, destination string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record{}, false, ErrClosed
	}
	r, ok := s.rows[rowKey{scanner, id, destination}]
	return r, ok, nil
}

func (s *MemoryStore) Upsert(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	k := rowKey{r.Scanner, r.ID, r.Destination}
	s.rows[k] = r.Merge(s.rows[k])
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of rows.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

var _ Store = (*MemoryStore)(nil)
