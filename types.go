// Package querycache defines the core types used by the query cache engine.
package querycache

import (
	"time"
)

// DefaultTTL is the lifetime of a cached query before it becomes eligible for
// the expiry sweep.
const DefaultTTL = 30 * time.Minute

// Header is the registry record for one cached query. Exactly one header
// exists per (ClientID, SearchParams) pair at any time.
type Header struct {
	// CollectionName names the backing collection holding this query's
	// materialized results. Generated fresh on creation, never reused.
	CollectionName string `json:"collection_name"`
	// ClientID is the opaque identifier of the requesting client or tenant.
	ClientID string `json:"client_id"`
	// SearchParams is the canonical encoding of the query request value.
	// Together with ClientID it forms the logical cache key.
	SearchParams []byte `json:"search_params"`
	// TotalElements is nil until the full result set size is known, which
	// happens when the background drain completes or a caller reports it.
	TotalElements *int64 `json:"total_elements,omitempty"`
	// CreatedAt and ExpiresAt bound the header's lifetime;
	// ExpiresAt = CreatedAt + TTL.
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ResultPage is one page of materialized results. The cache-hit and
// cache-miss paths return the same shape.
type ResultPage struct {
	Page int `json:"page"`
	Size int `json:"size"`
	// HasNextPage is a heuristic while population is incomplete: it reflects
	// only the items persisted so far. It is exact once TotalElements is set.
	HasNextPage bool `json:"has_next_page"`
	// TotalElements is nil while the total result count is still unknown.
	TotalElements *int64 `json:"total_elements,omitempty"`
	Items         []any  `json:"items"`
}

// Config holds the internal configuration for an Engine instance. It is
// populated by applying functional Options when a new Engine is created
// with New().
type Config struct {
	store         Store
	logger        Logger
	encoder       KeyEncoder
	ttl           time.Duration
	sweepInterval time.Duration
}

// Option configures an Engine instance.
type Option func(*Config)

// WithStore sets the Store backend the engine persists headers and result
// collections to. This option is mandatory.
func WithStore(s Store) Option {
	return func(c *Config) {
		c.store = s
	}
}

// WithLogger sets the Logger used by the engine. Defaults to a slog-backed
// logger writing JSON to stderr.
func WithLogger(l Logger) Option {
	return func(c *Config) {
		c.logger = l
	}
}

// WithKeyEncoder overrides the encoder used to canonicalize query requests.
func WithKeyEncoder(e KeyEncoder) Option {
	return func(c *Config) {
		c.encoder = e
	}
}

// WithTTL sets the lifetime of a cached query before it is eligible for the
// expiry sweep. Defaults to DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.ttl = ttl
	}
}

// WithSweepInterval enables the background expiry sweeper, running once per
// interval until the engine is closed. Zero leaves the sweeper off; callers
// may still sweep on demand with SweepExpired.
func WithSweepInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.sweepInterval = interval
	}
}
