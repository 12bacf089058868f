package store

import (
	"context"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CreativeUnicorns/querycache"
)

// MockRedisClient is an in-memory stand-in for the redis commands the store
// uses.
type MockRedisClient struct {
	data  map[string]string
	lists map[string][]string
	zsets map[string]map[string]float64
	ttls  map[string]time.Duration
}

func NewMockRedisClient() *MockRedisClient {
	return &MockRedisClient{
		data:  make(map[string]string),
		lists: make(map[string][]string),
		zsets: make(map[string]map[string]float64),
		ttls:  make(map[string]time.Duration),
	}
}

func toString(value interface{}) string {
	switch v := value.(type) {
	case []byte:
		return string(v)
	case string:
		return v
	default:
		return ""
	}
}

func (m *MockRedisClient) Get(_ context.Context, key string) *redis.StringCmd {
	val, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(val, nil)
}

func (m *MockRedisClient) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	m.data[key] = toString(value)
	return redis.NewStatusResult("OK", nil)
}

func (m *MockRedisClient) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	if _, ok := m.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = toString(value)
	return redis.NewBoolResult(true, nil)
}

func (m *MockRedisClient) RPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	for _, v := range values {
		m.lists[key] = append(m.lists[key], toString(v))
	}
	return redis.NewIntResult(int64(len(m.lists[key])), nil)
}

func (m *MockRedisClient) LRange(_ context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	list := m.lists[key]
	if start >= int64(len(list)) {
		return redis.NewStringSliceResult([]string{}, nil)
	}
	if stop >= int64(len(list)) {
		stop = int64(len(list)) - 1
	}
	return redis.NewStringSliceResult(list[start:stop+1], nil)
}

func (m *MockRedisClient) LLen(_ context.Context, key string) *redis.IntCmd {
	return redis.NewIntResult(int64(len(m.lists[key])), nil)
}

func (m *MockRedisClient) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var removed int64
	for _, key := range keys {
		if _, ok := m.data[key]; ok {
			delete(m.data, key)
			removed++
		}
		if _, ok := m.lists[key]; ok {
			delete(m.lists, key)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func (m *MockRedisClient) ZAdd(_ context.Context, key string, members ...redis.Z) *redis.IntCmd {
	if m.zsets[key] == nil {
		m.zsets[key] = make(map[string]float64)
	}
	for _, z := range members {
		m.zsets[key][toString(z.Member)] = z.Score
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (m *MockRedisClient) ZRangeByScore(_ context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	max, err := strconv.ParseFloat(opt.Max, 64)
	if err != nil {
		return redis.NewStringSliceResult(nil, err)
	}

	var members []string
	for member, score := range m.zsets[key] {
		if score <= max {
			members = append(members, member)
		}
	}
	sort.Strings(members)
	return redis.NewStringSliceResult(members, nil)
}

func (m *MockRedisClient) ZRem(_ context.Context, key string, members ...interface{}) *redis.IntCmd {
	var removed int64
	for _, member := range members {
		if _, ok := m.zsets[key][toString(member)]; ok {
			delete(m.zsets[key], toString(member))
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func (m *MockRedisClient) Expire(_ context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	m.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (m *MockRedisClient) Close() error {
	return nil
}

func newMockRedisStore() (*RedisStore, *MockRedisClient) {
	client := NewMockRedisClient()
	return &RedisStore{
		client:    client,
		prefix:    "qc:",
		keyGrace:  defaultKeyGrace,
		colExpiry: make(map[string]time.Time),
	}, client
}

func TestRedisStore_FindOrCreateHeader(t *testing.T) {
	s, _ := newMockRedisStore()
	defer func() { require.NoError(t, s.Close()) }()

	ctx := context.Background()
	params := []byte("struct:{Term:espresso}")

	created, err := s.FindOrCreateHeader(ctx, "c1", params, testHeader("col_1", "c1", params, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "col_1", created.CollectionName)

	// The losing creator observes the original header.
	again, err := s.FindOrCreateHeader(ctx, "c1", params, testHeader("col_2", "c1", params, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "col_1", again.CollectionName)
	assert.True(t, created.CreatedAt.Equal(again.CreatedAt))
}

func TestRedisStore_FindHeader(t *testing.T) {
	s, _ := newMockRedisStore()
	defer func() { require.NoError(t, s.Close()) }()

	ctx := context.Background()
	params := []byte("params")

	_, err := s.FindHeader(ctx, "c1", params)
	assert.ErrorIs(t, err, querycache.ErrNotFound)

	_, err = s.FindOrCreateHeader(ctx, "c1", params, testHeader("col_1", "c1", params, time.Hour))
	require.NoError(t, err)

	found, err := s.FindHeader(ctx, "c1", params)
	require.NoError(t, err)
	assert.Equal(t, "col_1", found.CollectionName)
	assert.Equal(t, params, found.SearchParams)
}

func TestRedisStore_SetTotalElements(t *testing.T) {
	s, _ := newMockRedisStore()
	defer func() { require.NoError(t, s.Close()) }()

	ctx := context.Background()
	params := []byte("params")

	// Missing header is a silent no-op.
	require.NoError(t, s.SetTotalElements(ctx, "c1", params, 10))

	_, err := s.FindOrCreateHeader(ctx, "c1", params, testHeader("col_1", "c1", params, time.Hour))
	require.NoError(t, err)

	require.NoError(t, s.SetTotalElements(ctx, "c1", params, 10))
	header, err := s.FindHeader(ctx, "c1", params)
	require.NoError(t, err)
	require.NotNil(t, header.TotalElements)
	assert.Equal(t, int64(10), *header.TotalElements)
}

func TestRedisStore_ItemsRoundTrip(t *testing.T) {
	s, _ := newMockRedisStore()
	defer func() { require.NoError(t, s.Close()) }()

	ctx := context.Background()

	items, err := s.Items(ctx, "missing", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	// An empty batch is a no-op, not a malformed RPUSH.
	require.NoError(t, s.InsertItems(ctx, "col_1", nil))
	require.NoError(t, s.InsertItems(ctx, "col_1", []any{}))

	require.NoError(t, s.InsertItems(ctx, "col_1", []any{"a", "b", "c"}))
	require.NoError(t, s.InsertItems(ctx, "col_1", []any{"d", "e"}))

	count, err := s.CountItems(ctx, "col_1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	window, err := s.Items(ctx, "col_1", 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []any{"b", "c", "d"}, window)

	window, err = s.Items(ctx, "col_1", 4, 10)
	require.NoError(t, err)
	assert.Equal(t, []any{"e"}, window)
}

func TestRedisStore_CollectionTTLFollowsHeader(t *testing.T) {
	s, client := newMockRedisStore()
	defer func() { require.NoError(t, s.Close()) }()

	ctx := context.Background()
	params := []byte("params")

	// A header living well past the default TTL: its item list must not be
	// expired out from under it.
	_, err := s.FindOrCreateHeader(ctx, "c1", params, testHeader("col_1", "c1", params, 3*time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.InsertItems(ctx, "col_1", []any{"a"}))

	ttl := client.ttls[s.collectionKey("col_1")]
	assert.Greater(t, ttl, 3*time.Hour)
	assert.LessOrEqual(t, ttl, 3*time.Hour+s.keyGrace)

	// A collection this store never saw a header for falls back to the
	// default safety net.
	require.NoError(t, s.InsertItems(ctx, "col_unknown", []any{"a"}))
	assert.Equal(t, querycache.DefaultTTL+s.keyGrace, client.ttls[s.collectionKey("col_unknown")])

	// The losing side of the create race learns the expiry too.
	other := newOtherStore(client)
	_, err = other.FindOrCreateHeader(ctx, "c1", params, testHeader("col_2", "c1", params, time.Minute))
	require.NoError(t, err)
	require.NoError(t, other.InsertItems(ctx, "col_1", []any{"b"}))
	assert.Greater(t, client.ttls[s.collectionKey("col_1")], 2*time.Hour)
}

// newOtherStore wraps the same mock client in a second store instance, as a
// stand-in for another process sharing the redis deployment.
func newOtherStore(client *MockRedisClient) *RedisStore {
	return &RedisStore{
		client:    client,
		prefix:    "qc:",
		keyGrace:  defaultKeyGrace,
		colExpiry: make(map[string]time.Time),
	}
}

func TestRedisStore_DropCollection(t *testing.T) {
	s, _ := newMockRedisStore()
	defer func() { require.NoError(t, s.Close()) }()

	ctx := context.Background()
	require.NoError(t, s.InsertItems(ctx, "col_1", []any{"a"}))
	require.NoError(t, s.DropCollection(ctx, "col_1"))

	count, err := s.CountItems(ctx, "col_1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRedisStore_DeleteExpiredHeaders(t *testing.T) {
	s, client := newMockRedisStore()
	defer func() { require.NoError(t, s.Close()) }()

	ctx := context.Background()
	_, err := s.FindOrCreateHeader(ctx, "c1", []byte("old"), testHeader("col_old", "c1", []byte("old"), -time.Minute))
	require.NoError(t, err)
	_, err = s.FindOrCreateHeader(ctx, "c1", []byte("new"), testHeader("col_new", "c1", []byte("new"), time.Hour))
	require.NoError(t, err)

	removed, err := s.DeleteExpiredHeaders(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "col_old", removed[0].CollectionName)

	_, err = s.FindHeader(ctx, "c1", []byte("old"))
	assert.ErrorIs(t, err, querycache.ErrNotFound)
	_, err = s.FindHeader(ctx, "c1", []byte("new"))
	assert.NoError(t, err)

	// The expiry index no longer references the removed header.
	assert.NotContains(t, client.zsets[s.expiryIndexKey()], s.headerRedisKey("c1", []byte("old")))

	removed, err = s.DeleteExpiredHeaders(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, removed)
}
