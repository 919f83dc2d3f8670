// Package redis holds the Redis-backed staging store and job queue.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/go-chem-api/internal/domain"
	"github.com/go-chem-api/internal/staging"
)

var _ staging.Store = (*StagingStore)(nil)

// compareAndDelete removes KEYS[1] only when it holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// StagingStore keeps staged entries as plain string keys with a native TTL,
// so expiry is handled by Redis itself.
type StagingStore struct {
	client redis.Cmdable
	prefix string
}

func NewStagingStore(client redis.Cmdable, prefix string) *StagingStore {
	return &StagingStore{client: client, prefix: prefix}
}

func (s *StagingStore) key(k string) string { return s.prefix + k }

func (s *StagingStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return domain.Unavailable("staging put", err)
	}
	return nil
}

func (s *StagingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, domain.Unavailable("staging get", err)
	}
	return v, true, nil
}

func (s *StagingStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return domain.Unavailable("staging delete", err)
	}
	return nil
}

func (s *StagingStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, domain.Unavailable("staging put-if-absent", err)
	}
	return ok, nil
}

func (s *StagingStore) DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := compareAndDelete.Run(ctx, s.client, []string{s.key(key)}, value).Int64()
	if err != nil {
		return false, domain.Unavailable("staging delete-if-equal", err)
	}
	return n == 1, nil
}
