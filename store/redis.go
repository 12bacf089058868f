// store/redis.go
package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/CreativeUnicorns/querycache"
)

// defaultKeyGrace is how long Redis keys outlive their header's expiry. It is
// a safety net behind the sweeper, not the primary expiry mechanism.
const defaultKeyGrace = time.Hour

// redisClient is the subset of redis.Client commands the store uses. Narrowed
// to an interface so tests can substitute a mock client.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Close() error
}

// RedisStore implements the Store interface using Redis. Headers are msgpack
// blobs, backing collections are lists, and an expiry-indexed sorted set
// feeds the sweep.
type RedisStore struct {
	client   redisClient
	prefix   string
	keyGrace time.Duration

	// colExpiry tracks each collection's header expiry so item-list TTLs can
	// follow the configured header lifetime instead of a fixed default.
	mu        sync.Mutex
	colExpiry map[string]time.Time
}

// NewRedisStore initializes a new RedisStore connected to addr.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{
		client:    client,
		prefix:    "qc:",
		keyGrace:  defaultKeyGrace,
		colExpiry: make(map[string]time.Time),
	}, nil
}

func (s *RedisStore) rememberExpiry(collection string, expiresAt time.Time) {
	s.mu.Lock()
	s.colExpiry[collection] = expiresAt
	s.mu.Unlock()
}

func (s *RedisStore) forgetExpiry(collection string) {
	s.mu.Lock()
	delete(s.colExpiry, collection)
	s.mu.Unlock()
}

func (s *RedisStore) headerRedisKey(clientID string, searchParams []byte) string {
	return s.prefix + "hdr:" + clientID + ":" + base64.RawURLEncoding.EncodeToString(searchParams)
}

func (s *RedisStore) collectionKey(collection string) string {
	return s.prefix + "col:" + collection
}

func (s *RedisStore) expiryIndexKey() string {
	return s.prefix + "hdr_expiry"
}

// FindHeader retrieves the header for a logical cache key.
// It returns querycache.ErrNotFound if no header exists.
func (s *RedisStore) FindHeader(ctx context.Context, clientID string, searchParams []byte) (*querycache.Header, error) {
	return s.getHeader(ctx, s.headerRedisKey(clientID, searchParams))
}

func (s *RedisStore) getHeader(ctx context.Context, key string) (*querycache.Header, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, querycache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get header from redis: %w", err)
	}

	var header querycache.Header
	if err := msgpack.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("failed to unmarshal header: %w", err)
	}
	return &header, nil
}

// FindOrCreateHeader atomically resolves the header for a logical cache key.
// SETNX decides the race: the loser reads the winner's header.
func (s *RedisStore) FindOrCreateHeader(ctx context.Context, clientID string, searchParams []byte, defaults *querycache.Header) (*querycache.Header, error) {
	key := s.headerRedisKey(clientID, searchParams)

	data, err := msgpack.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}

	grace := time.Until(defaults.ExpiresAt) + s.keyGrace
	created, err := s.client.SetNX(ctx, key, data, grace).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create header in redis: %w", err)
	}

	if !created {
		header, err := s.getHeader(ctx, key)
		if err != nil {
			return nil, err
		}
		s.rememberExpiry(header.CollectionName, header.ExpiresAt)
		return header, nil
	}
	s.rememberExpiry(defaults.CollectionName, defaults.ExpiresAt)

	if err := s.client.ZAdd(ctx, s.expiryIndexKey(), redis.Z{
		Score:  float64(defaults.ExpiresAt.Unix()),
		Member: key,
	}).Err(); err != nil {
		return nil, fmt.Errorf("failed to index header expiry: %w", err)
	}

	headerCopy := *defaults
	return &headerCopy, nil
}

// SetTotalElements records the total result count on a header. It is a no-op
// when the header no longer exists. Concurrent writers are last-write-wins.
func (s *RedisStore) SetTotalElements(ctx context.Context, clientID string, searchParams []byte, total int64) error {
	key := s.headerRedisKey(clientID, searchParams)

	header, err := s.getHeader(ctx, key)
	if errors.Is(err, querycache.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	header.TotalElements = &total
	data, err := msgpack.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	if err := s.client.Set(ctx, key, data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to update header in redis: %w", err)
	}
	return nil
}

// DeleteExpiredHeaders removes and returns every header expiring before asOf.
// The expiry sorted set is a second-resolution candidate index; the decoded
// header's ExpiresAt decides.
func (s *RedisStore) DeleteExpiredHeaders(ctx context.Context, asOf time.Time) ([]querycache.Header, error) {
	candidates, err := s.client.ZRangeByScore(ctx, s.expiryIndexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(asOf.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query expiry index: %w", err)
	}

	var expired []querycache.Header
	for _, key := range candidates {
		header, err := s.getHeader(ctx, key)
		if errors.Is(err, querycache.ErrNotFound) {
			// Key already gone (redis-side TTL); drop the index entry.
			if err := s.client.ZRem(ctx, s.expiryIndexKey(), key).Err(); err != nil {
				return expired, fmt.Errorf("failed to prune expiry index: %w", err)
			}
			continue
		}
		if err != nil {
			return expired, err
		}
		if !header.ExpiresAt.Before(asOf) {
			continue
		}

		if err := s.client.Del(ctx, key).Err(); err != nil {
			return expired, fmt.Errorf("failed to delete header from redis: %w", err)
		}
		if err := s.client.ZRem(ctx, s.expiryIndexKey(), key).Err(); err != nil {
			return expired, fmt.Errorf("failed to prune expiry index: %w", err)
		}
		s.forgetExpiry(header.CollectionName)
		expired = append(expired, *header)
	}
	return expired, nil
}

// InsertItems appends items to a collection list in order.
func (s *RedisStore) InsertItems(ctx context.Context, collection string, items []any) error {
	if len(items) == 0 {
		return nil
	}

	encoded := make([]interface{}, 0, len(items))
	for _, item := range items {
		data, err := msgpack.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item: %w", err)
		}
		encoded = append(encoded, data)
	}

	key := s.collectionKey(collection)
	if err := s.client.RPush(ctx, key, encoded...).Err(); err != nil {
		return fmt.Errorf("failed to push items to redis: %w", err)
	}

	// Safety-net TTL following the header's lifetime; the sweeper is the
	// primary cleanup path.
	ttl := querycache.DefaultTTL + s.keyGrace
	s.mu.Lock()
	if expiresAt, ok := s.colExpiry[collection]; ok {
		ttl = time.Until(expiresAt) + s.keyGrace
	}
	s.mu.Unlock()

	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set collection ttl: %w", err)
	}
	return nil
}

// Items returns the [skip, skip+limit) window of a collection in insertion
// order. A missing collection reads as empty.
func (s *RedisStore) Items(ctx context.Context, collection string, skip, limit int) ([]any, error) {
	if limit <= 0 {
		return []any{}, nil
	}

	raw, err := s.client.LRange(ctx, s.collectionKey(collection), int64(skip), int64(skip+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read items from redis: %w", err)
	}

	items := make([]any, 0, len(raw))
	for _, data := range raw {
		var item any
		if err := msgpack.Unmarshal([]byte(data), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal item: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

// CountItems reports how many items a collection currently holds.
func (s *RedisStore) CountItems(ctx context.Context, collection string) (int64, error) {
	count, err := s.client.LLen(ctx, s.collectionKey(collection)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count items in redis: %w", err)
	}
	return count, nil
}

// DropCollection removes a collection list.
func (s *RedisStore) DropCollection(ctx context.Context, collection string) error {
	if err := s.client.Del(ctx, s.collectionKey(collection)).Err(); err != nil {
		return fmt.Errorf("failed to drop collection in redis: %w", err)
	}
	s.forgetExpiry(collection)
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
