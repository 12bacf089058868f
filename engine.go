// engine.go
package querycache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Engine coordinates header lookup, result materialization, pagination, and
// expiry for cached queries. It is safe for concurrent use.
type Engine struct {
	mu     sync.RWMutex
	config *Config

	// flight serializes populations per cache key so concurrent requests for
	// the same cold key trigger a single fetch.
	flight singleflight.Group

	// draining tracks collections with a background drain in flight so a
	// later request cannot start a duplicate continuation.
	drainMu  sync.Mutex
	draining map[string]struct{}

	wg     sync.WaitGroup
	stop   chan struct{}
	closed bool
}

// New creates an Engine configured by the given options. WithStore is
// mandatory; all other options have defaults.
func New(opts ...Option) (*Engine, error) {
	cfg := &Config{
		logger:  NewDefaultLogger(),
		encoder: NewDefaultKeyEncoder(),
		ttl:     DefaultTTL,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.store == nil {
		return nil, fmt.Errorf("%w: a store backend is required", ErrInvalidInput)
	}

	e := &Engine{
		config:   cfg,
		draining: make(map[string]struct{}),
		stop:     make(chan struct{}),
	}

	if cfg.sweepInterval > 0 {
		e.wg.Add(1)
		go e.sweeper()
	}

	return e, nil
}

// GetOrCreatePage resolves one page of results for the given client and query
// request. On a cache hit the page is answered from the store without
// touching the fetch source. On a miss the source is drained far enough to
// cover the requested page; the remainder is drained by a detached background
// continuation that updates the header's total element count on completion.
//
// Fetch-source failures degrade to an empty page rather than propagating;
// store failures are returned to the caller.
func (e *Engine) GetOrCreatePage(ctx context.Context, clientID string, page, size int, request any, source FetchSource) (*ResultPage, error) {
	if clientID == "" || page < 0 || size <= 0 || source == nil {
		return nil, ErrInvalidInput
	}
	if e.isClosed() {
		return nil, ErrEngineClosed
	}

	searchParams, err := e.config.encoder.Encode(request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query request: %w", err)
	}

	key := cacheKey(clientID, searchParams)
	v, err, shared := e.flight.Do(key, func() (any, error) {
		return e.resolve(ctx, clientID, searchParams, page, size, source)
	})
	if err != nil {
		return nil, err
	}

	result := v.(*ResultPage)
	if shared && (result.Page != page || result.Size != size) {
		// Collapsed into a concurrent request for a different window of the
		// same key. The shared call did the populating; answer this caller's
		// own window from the store.
		return e.readWindow(ctx, clientID, searchParams, page, size, source)
	}
	return result, nil
}

// readWindow answers one page for a request whose population ran under a
// concurrent flight for the same key.
func (e *Engine) readWindow(ctx context.Context, clientID string, searchParams []byte, page, size int, source FetchSource) (*ResultPage, error) {
	header, err := e.config.store.FindHeader(ctx, clientID, searchParams)
	if errors.Is(err, ErrNotFound) {
		// Swept between flights; resolve afresh.
		return e.resolve(ctx, clientID, searchParams, page, size, source)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve header: %w", err)
	}

	count, err := e.config.store.CountItems(ctx, header.CollectionName)
	if err != nil {
		return nil, fmt.Errorf("failed to count collection %q: %w", header.CollectionName, err)
	}
	return e.readPage(ctx, header, page, size, count)
}

// resolve runs inside the per-key single flight.
func (e *Engine) resolve(ctx context.Context, clientID string, searchParams []byte, page, size int, source FetchSource) (*ResultPage, error) {
	now := time.Now()
	defaults := &Header{
		CollectionName: newCollectionName(),
		ClientID:       clientID,
		SearchParams:   searchParams,
		CreatedAt:      now,
		ExpiresAt:      now.Add(e.config.ttl),
	}

	header, err := e.config.store.FindOrCreateHeader(ctx, clientID, searchParams, defaults)
	if errors.Is(err, ErrDuplicateKey) {
		// A concurrent creation won the race; the find must now succeed.
		header, err = e.config.store.FindHeader(ctx, clientID, searchParams)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve header: %w", err)
	}

	count, err := e.config.store.CountItems(ctx, header.CollectionName)
	if err != nil {
		return nil, fmt.Errorf("failed to count collection %q: %w", header.CollectionName, err)
	}

	need := int64(page+1) * int64(size)
	complete := header.TotalElements != nil && count >= *header.TotalElements
	if count >= need || complete {
		return e.readPage(ctx, header, page, size, count)
	}

	if e.isDraining(header.CollectionName) {
		// A population for this key is already in flight; answer from what is
		// persisted so far instead of double-fetching.
		return e.readPage(ctx, header, page, size, count)
	}

	return e.populate(ctx, header, source, page, size, count)
}

// SetTotalElements records the total result count for a cached query, for
// callers that already know it. It is a no-op if the header has expired or
// was never created. Concurrent writers are last-write-wins.
func (e *Engine) SetTotalElements(ctx context.Context, clientID string, request any, total int64) error {
	if clientID == "" || total < 0 {
		return ErrInvalidInput
	}
	if e.isClosed() {
		return ErrEngineClosed
	}

	searchParams, err := e.config.encoder.Encode(request)
	if err != nil {
		return fmt.Errorf("failed to encode query request: %w", err)
	}

	if err := e.config.store.SetTotalElements(ctx, clientID, searchParams, total); err != nil {
		return fmt.Errorf("failed to set total elements: %w", err)
	}
	return nil
}

// SweepExpired removes every header whose expiry time has passed as of asOf,
// along with its backing collection. The header is deleted before its
// collection is dropped so no reader can observe a header without a
// collection. It returns the number of headers removed.
func (e *Engine) SweepExpired(ctx context.Context, asOf time.Time) (int, error) {
	if e.isClosed() {
		return 0, ErrEngineClosed
	}

	expired, err := e.config.store.DeleteExpiredHeaders(ctx, asOf)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired headers: %w", err)
	}

	for _, header := range expired {
		if err := e.config.store.DropCollection(ctx, header.CollectionName); err != nil {
			e.config.logger.Error("Failed to drop expired collection",
				"collection", header.CollectionName, "client_id", header.ClientID, "error", err)
		}
	}

	if len(expired) > 0 {
		e.config.logger.Info("Swept expired cached queries", "count", len(expired))
	}
	return len(expired), nil
}

// Close stops the background sweeper, waits for in-flight background drains
// to finish, and closes the store.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.stop)
	e.mu.Unlock()

	e.wg.Wait()
	return e.config.store.Close()
}

// sweeper periodically removes expired headers until the engine is closed.
func (e *Engine) sweeper() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := e.sweepNow(); err != nil {
				e.config.logger.Error("Expiry sweep failed", "error", err)
			}
		case <-e.stop:
			return
		}
	}
}

// sweepNow is the sweeper-goroutine variant of SweepExpired; it bypasses the
// closed check so a sweep racing Close does not log a spurious error.
func (e *Engine) sweepNow() (int, error) {
	ctx := context.Background()
	expired, err := e.config.store.DeleteExpiredHeaders(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	for _, header := range expired {
		if err := e.config.store.DropCollection(ctx, header.CollectionName); err != nil {
			e.config.logger.Error("Failed to drop expired collection",
				"collection", header.CollectionName, "error", err)
		}
	}
	return len(expired), nil
}

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

func (e *Engine) isDraining(collection string) bool {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()
	_, ok := e.draining[collection]
	return ok
}

// newCollectionName generates a fresh backing-collection name. Names are
// never reused, even for the same logical key after expiry.
func newCollectionName() string {
	return "qc_" + uuid.NewString()
}
