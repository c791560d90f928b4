// Package kv is the key/value persistence behind settings and conversation history.
package kv

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("kv: key not found")

// Store holds opaque values under string keys. Implementations are safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys lists the keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

type Config struct {
	Driver string `yaml:"driver"`
	// DSN is the sqlite file path.
	DSN       string `yaml:"dsn"`
	RedisAddr string `yaml:"redis_addr"`
	// RedisPrefix namespaces every key written to redis.
	RedisPrefix string `yaml:"redis_prefix"`
}

func DefaultConfig() Config {
	return Config{Driver: DriverMemory, RedisAddr: "localhost:6379", RedisPrefix: "tubechat:"}
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		dsn, err := SQLiteFileDSN(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(dsn)
	case DriverRedis:
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPrefix)
	}
	return nil, errors.Errorf("kv: unknown driver %q", cfg.Driver)
}
