// Package querycache defines the interfaces for storage, key encoding, and
// logging used by the query cache engine.
package querycache

import (
	"context"
	"time"
)

// Store defines the methods required of a document-store backend.
//
// Headers are looked up by their logical cache key (clientID, searchParams);
// result items live in named backing collections created implicitly by the
// first insert. FindOrCreateHeader must be atomic: concurrent calls for the
// same key converge on a single header without overwriting an existing
// header's collection name or timestamps.
type Store interface {
	FindHeader(ctx context.Context, clientID string, searchParams []byte) (*Header, error)
	FindOrCreateHeader(ctx context.Context, clientID string, searchParams []byte, defaults *Header) (*Header, error)
	SetTotalElements(ctx context.Context, clientID string, searchParams []byte, total int64) error
	DeleteExpiredHeaders(ctx context.Context, asOf time.Time) ([]Header, error)

	InsertItems(ctx context.Context, collection string, items []any) error
	Items(ctx context.Context, collection string, skip, limit int) ([]any, error)
	CountItems(ctx context.Context, collection string) (int64, error)
	DropCollection(ctx context.Context, collection string) error

	Close() error
}

// KeyEncoder serializes an arbitrary query-request value into a canonical
// byte sequence. Logically identical requests must always encode to identical
// bytes, independent of map iteration order.
type KeyEncoder interface {
	Encode(request any) ([]byte, error)
}

// FetchSource is a lazy, possibly unbounded sequence of result items supplied
// by the caller. Next returns the next item, or ok=false once the source is
// exhausted. A non-nil error terminates the sequence.
type FetchSource interface {
	Next(ctx context.Context) (item any, ok bool, err error)
}
