package kv

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps values as plain redis strings under prefix.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

var _ Store = &RedisStore{}

// NewRedisStore connects to addr, which may be host:port or a redis:// URL.
func NewRedisStore(ctx context.Context, addr, prefix string) (*RedisStore, error) {
	opts := &redis.Options{Addr: addr}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, errors.Wrap(err, "redis store: parse url")
		}
		opts = parsed
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "redis store: ping %s", addr)
	}
	return NewRedisStoreFromClient(rdb, prefix), nil
}

func NewRedisStoreFromClient(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "redis store: get %s", key)
	}
	return data, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	return errors.Wrapf(s.rdb.Set(ctx, s.prefix+key, value, 0).Err(), "redis store: set %s", key)
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return errors.Wrapf(s.rdb.Del(ctx, s.prefix+key).Err(), "redis store: delete %s", key)
}

func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	out := []string{}
	iter := s.rdb.Scan(ctx, 0, s.prefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "redis store: scan")
	}
	sort.Strings(out)
	return out, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
