// store/store.go
package store

import (
	"context"
	"time"

	"github.com/CreativeUnicorns/querycache"
)

// Store mirrors querycache.Store so backends in this package can be used
// without importing the root package at the call site.
type Store interface {
	FindHeader(ctx context.Context, clientID string, searchParams []byte) (*querycache.Header, error)
	FindOrCreateHeader(ctx context.Context, clientID string, searchParams []byte, defaults *querycache.Header) (*querycache.Header, error)
	SetTotalElements(ctx context.Context, clientID string, searchParams []byte, total int64) error
	DeleteExpiredHeaders(ctx context.Context, asOf time.Time) ([]querycache.Header, error)

	InsertItems(ctx context.Context, collection string, items []any) error
	Items(ctx context.Context, collection string, skip, limit int) ([]any, error)
	CountItems(ctx context.Context, collection string) (int64, error)
	DropCollection(ctx context.Context, collection string) error

	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*RedisStore)(nil)

	_ querycache.Store = (Store)(nil)
)
