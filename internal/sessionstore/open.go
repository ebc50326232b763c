package sessionstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jxucoder/assistchat/internal/config"
)

// Catalog is a shared Backend that can also enumerate and drop its handles.
type Catalog interface {
	Backend
	List(ctx context.Context) ([]*Handle, error)
	DeleteAll(ctx context.Context) (int64, error)
	Purge(ctx context.Context, now time.Time) (int64, error)
	Close() error
}

// RedisPrefix namespaces keyed handles in a shared Redis.
const RedisPrefix = "assistchat:"

// Open returns the configured shared backend: Redis when an address is set,
// the SQLite database otherwise.
func Open(cfg *config.Config) (Catalog, error) {
	if cfg.RedisEnabled() {
		return NewRedisBackend(DialRedis(cfg.RedisAddr), RedisPrefix), nil
	}
	b, err := NewSQLiteBackend(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening session database: %w", err)
	}
	return b, nil
}

// Factory returns a constructor for per-key stores on backend.
func Factory(backend Backend, opts ...Option) func(key string) Store {
	return func(key string) Store {
		return New(backend, key, opts...)
	}
}
