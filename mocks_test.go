package querycache

import (
	"context"
	"sync"
	"time"
)

// MockStore implements the Store interface for testing, with switches to
// force failures on individual operations.
type MockStore struct {
	mu          sync.Mutex
	headers     map[string]*Header
	collections map[string][]any
	closed      bool

	forceFindOrCreateErr error
	forceInsertErr       error
	forceCountErr        error

	findOrCreateCalls int
	insertCalls       int
}

func NewMockStore() *MockStore {
	return &MockStore{
		headers:     make(map[string]*Header),
		collections: make(map[string][]any),
	}
}

func mockKey(clientID string, searchParams []byte) string {
	return clientID + "\x00" + string(searchParams)
}

func (m *MockStore) FindHeader(_ context.Context, clientID string, searchParams []byte) (*Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreUnavailable
	}

	header, ok := m.headers[mockKey(clientID, searchParams)]
	if !ok {
		return nil, ErrNotFound
	}
	headerCopy := *header
	return &headerCopy, nil
}

func (m *MockStore) FindOrCreateHeader(_ context.Context, clientID string, searchParams []byte, defaults *Header) (*Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.findOrCreateCalls++
	if m.closed {
		return nil, ErrStoreUnavailable
	}
	if m.forceFindOrCreateErr != nil {
		return nil, m.forceFindOrCreateErr
	}

	key := mockKey(clientID, searchParams)
	if header, ok := m.headers[key]; ok {
		headerCopy := *header
		return &headerCopy, nil
	}

	stored := *defaults
	m.headers[key] = &stored
	headerCopy := stored
	return &headerCopy, nil
}

func (m *MockStore) SetTotalElements(_ context.Context, clientID string, searchParams []byte, total int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreUnavailable
	}

	header, ok := m.headers[mockKey(clientID, searchParams)]
	if !ok {
		return nil
	}
	header.TotalElements = &total
	return nil
}

func (m *MockStore) DeleteExpiredHeaders(_ context.Context, asOf time.Time) ([]Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreUnavailable
	}

	var expired []Header
	for key, header := range m.headers {
		if header.ExpiresAt.Before(asOf) {
			expired = append(expired, *header)
			delete(m.headers, key)
		}
	}
	return expired, nil
}

func (m *MockStore) InsertItems(_ context.Context, collection string, items []any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.insertCalls++
	if m.closed {
		return ErrStoreUnavailable
	}
	if m.forceInsertErr != nil {
		return m.forceInsertErr
	}

	m.collections[collection] = append(m.collections[collection], items...)
	return nil
}

func (m *MockStore) Items(_ context.Context, collection string, skip, limit int) ([]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreUnavailable
	}

	all := m.collections[collection]
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

func (m *MockStore) CountItems(_ context.Context, collection string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreUnavailable
	}
	if m.forceCountErr != nil {
		return 0, m.forceCountErr
	}
	return int64(len(m.collections[collection])), nil
}

func (m *MockStore) DropCollection(_ context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreUnavailable
	}
	delete(m.collections, collection)
	return nil
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// headerFor exposes the stored header to assertions.
func (m *MockStore) headerFor(clientID string, searchParams []byte) *Header {
	m.mu.Lock()
	defer m.mu.Unlock()

	header, ok := m.headers[mockKey(clientID, searchParams)]
	if !ok {
		return nil
	}
	headerCopy := *header
	return &headerCopy
}

func (m *MockStore) collectionLen(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.collections[collection])
}

// countingSource wraps a slice source and records how often Next is called.
type countingSource struct {
	mu    sync.Mutex
	items []any
	pos   int
	calls int
}

func newCountingSource(items []any) *countingSource {
	return &countingSource{items: items}
}

func (s *countingSource) Next(_ context.Context) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.pos >= len(s.items) {
		return nil, false, nil
	}
	item := s.items[s.pos]
	s.pos++
	return item, true, nil
}

func (s *countingSource) invocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// MockLogger collects log messages for assertions.
type MockLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *MockLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *MockLogger) Debug(msg string, _ ...any) { l.record(msg) }
func (l *MockLogger) Info(msg string, _ ...any)  { l.record(msg) }
func (l *MockLogger) Warn(msg string, _ ...any)  { l.record(msg) }
func (l *MockLogger) Error(msg string, _ ...any) { l.record(msg) }
func (l *MockLogger) SetLevel(_ LogLevel)        {}

func (l *MockLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, msg := range l.messages {
		if msg == substr {
			return true
		}
	}
	return false
}
