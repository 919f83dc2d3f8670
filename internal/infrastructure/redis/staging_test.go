package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-chem-api/internal/pkg/id"
)

// testClient talks to an in-process miniredis, or to a real server when
// REDIS_TEST_ADDR is set.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, rdb.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestStagingStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStagingStore(testClient(t), "test:"+id.New()+":")

	require.NoError(t, s.Put(ctx, "k", []byte("v"), time.Minute))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	_, ok, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStagingStore_DeleteIfEqual(t *testing.T) {
	ctx := context.Background()
	s := NewStagingStore(testClient(t), "test:"+id.New()+":")
	require.NoError(t, s.Put(ctx, "code", []byte("123456"), time.Minute))

	ok, err := s.DeleteIfEqual(ctx, "code", []byte("000000"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.DeleteIfEqual(ctx, "code", []byte("123456"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.DeleteIfEqual(ctx, "code", []byte("123456"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStagingStore_PutIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := NewStagingStore(testClient(t), "test:"+id.New()+":")

	ok, err := s.PutIfAbsent(ctx, "lease", []byte("a"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.PutIfAbsent(ctx, "lease", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStagingStore_EntriesExpire(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := NewStagingStore(rdb, "reg:")

	require.NoError(t, s.Put(ctx, "alice@example.com", []byte("profile"), 300*time.Second))
	assert.Equal(t, 300*time.Second, mr.TTL("reg:alice@example.com"))

	mr.FastForward(301 * time.Second)
	_, ok, err := s.Get(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	// An expired lease can be taken again.
	ok, err = s.PutIfAbsent(ctx, "lease", []byte("a"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(2 * time.Minute)
	ok, err = s.PutIfAbsent(ctx, "lease", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStagingStore_UnreachableIsUnavailable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	s := NewStagingStore(rdb, "")

	_, _, err := s.Get(context.Background(), "k")
	require.Error(t, err)
	assert.ErrorContains(t, err, "temporary storage unavailable")
}

func TestQueue_ClaimAckRequeue(t *testing.T) {
	ctx := context.Background()
	prefix := "test:" + id.New() + ":"
	q := NewQueue(testClient(t), prefix+"queue", prefix+"processing")

	require.NoError(t, q.Enqueue(ctx, "j1"))
	got, ok, err := q.Claim(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "j1", got)

	n, err := q.RequeueStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, ok, err = q.Claim(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "j1", got)
	require.NoError(t, q.Ack(ctx, "j1"))

	n, err = q.RequeueStale(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}
