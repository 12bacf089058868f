// Package store provides document-store backends for the query cache:
// in-memory, SQLite, PostgreSQL, and Redis.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/CreativeUnicorns/querycache"
)

// MemoryStore implements the Store interface using in-memory maps. Useful for
// testing or single-process deployments where durability is not required.
type MemoryStore struct {
	mu          sync.RWMutex
	headers     map[string]*querycache.Header // logical key -> header
	collections map[string][]any              // collection name -> ordered items
}

// NewMemoryStore creates a new instance of MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		headers:     make(map[string]*querycache.Header),
		collections: make(map[string][]any),
	}
}

func headerKey(clientID string, searchParams []byte) string {
	return clientID + "\x00" + string(searchParams)
}

// FindHeader looks up the header for a logical cache key.
// It returns querycache.ErrNotFound if no header exists.
func (s *MemoryStore) FindHeader(_ context.Context, clientID string, searchParams []byte) (*querycache.Header, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	header, ok := s.headers[headerKey(clientID, searchParams)]
	if !ok {
		return nil, querycache.ErrNotFound
	}

	// Return a copy to prevent modification of the stored header.
	headerCopy := *header
	return &headerCopy, nil
}

// FindOrCreateHeader atomically resolves the header for a logical cache key,
// inserting defaults when no header exists yet. An existing header is
// returned untouched.
func (s *MemoryStore) FindOrCreateHeader(_ context.Context, clientID string, searchParams []byte, defaults *querycache.Header) (*querycache.Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := headerKey(clientID, searchParams)
	if header, ok := s.headers[key]; ok {
		headerCopy := *header
		return &headerCopy, nil
	}

	stored := *defaults
	s.headers[key] = &stored

	headerCopy := stored
	return &headerCopy, nil
}

// SetTotalElements records the total result count on a header. It is a no-op
// when the header no longer exists.
func (s *MemoryStore) SetTotalElements(_ context.Context, clientID string, searchParams []byte, total int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	header, ok := s.headers[headerKey(clientID, searchParams)]
	if !ok {
		return nil
	}
	header.TotalElements = &total
	return nil
}

// DeleteExpiredHeaders removes and returns every header expiring before asOf.
func (s *MemoryStore) DeleteExpiredHeaders(_ context.Context, asOf time.Time) ([]querycache.Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []querycache.Header
	for key, header := range s.headers {
		if header.ExpiresAt.Before(asOf) {
			expired = append(expired, *header)
			delete(s.headers, key)
		}
	}
	return expired, nil
}

// InsertItems appends items to a collection in order, creating the collection
// on first insert.
func (s *MemoryStore) InsertItems(_ context.Context, collection string, items []any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.collections[collection] = append(s.collections[collection], items...)
	return nil
}

// Items returns the [skip, skip+limit) window of a collection in insertion
// order. A missing collection reads as empty, not as an error.
func (s *MemoryStore) Items(_ context.Context, collection string, skip, limit int) ([]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.collections[collection]
	if skip >= len(all) {
		return []any{}, nil
	}

	end := skip + limit
	if end > len(all) {
		end = len(all)
	}

	window := make([]any, end-skip)
	copy(window, all[skip:end])
	return window, nil
}

// CountItems reports how many items a collection currently holds.
func (s *MemoryStore) CountItems(_ context.Context, collection string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.collections[collection])), nil
}

// DropCollection removes a collection and its items. Dropping a missing
// collection is a no-op.
func (s *MemoryStore) DropCollection(_ context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.collections, collection)
	return nil
}

// Close clears all state. MemoryStore holds no external resources.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.headers = make(map[string]*querycache.Header)
	s.collections = make(map[string][]any)
	return nil
}
