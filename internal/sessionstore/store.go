// Package sessionstore persists the single thread handle a conversation needs
// to survive reloads and restarts.
//
// The store is a best-effort cache: the assistant service is authoritative, so
// backend failures are logged and swallowed rather than returned. Every read
// validates the handle and clears anything malformed it finds.
package sessionstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CookieName is the key the browser-facing store uses.
const CookieName = "threadId"

// DefaultTTL is the retention window applied on every write.
const DefaultTTL = 7 * 24 * time.Hour

// ErrNotFound is returned by a Backend when no value exists for a key.
var ErrNotFound = errors.New("session handle not found")

// Store holds one optional thread handle.
type Store interface {
	// Read returns the persisted handle, or false if it is missing, expired or
	// malformed. A malformed value is cleared as a side effect.
	Read(ctx context.Context) (string, bool)
	// Write persists id for the retention window, replacing any previous value.
	Write(ctx context.Context, id string)
	// Clear removes the handle unconditionally.
	Clear(ctx context.Context)
}

// Backend is the raw key/value persistence behind a KeyedStore.
// A zero expiresAt from Get means the backend enforces expiry itself.
type Backend interface {
	Get(ctx context.Context, key string) (value string, expiresAt time.Time, err error)
	Set(ctx context.Context, key, value string, expiresAt time.Time) error
	Delete(ctx context.Context, key string) error
}

// Valid reports whether id can be used as a thread handle. Empty and
// whitespace-only values are rejected, as are the "undefined" and "null"
// strings that serialization bugs tend to leave behind.
func Valid(id string) bool {
	switch strings.TrimSpace(id) {
	case "", "undefined", "null":
		return false
	}
	return true
}

// KeyedStore is a Store bound to one key of a Backend.
type KeyedStore struct {
	backend Backend
	key     string
	ttl     time.Duration
	now     func() time.Time
	logger  zerolog.Logger
}

// Option configures a KeyedStore.
type Option func(*KeyedStore)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *KeyedStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *KeyedStore) { s.now = now }
}

// WithLogger sets the logger used to report swallowed backend failures.
func WithLogger(l zerolog.Logger) Option {
	return func(s *KeyedStore) { s.logger = l }
}

// New returns a Store for key on backend.
func New(backend Backend, key string, opts ...Option) *KeyedStore {
	s := &KeyedStore{
		backend: backend,
		key:     key,
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "sessionstore").Str("key", key).Logger()
	return s
}

// Key returns the backend key this store is bound to.
func (s *KeyedStore) Key() string { return s.key }

func (s *KeyedStore) Read(ctx context.Context) (string, bool) {
	value, expiresAt, err := s.backend.Get(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		return "", false
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("reading session handle")
		return "", false
	}
	if !expiresAt.IsZero() && !s.now().Before(expiresAt) {
		s.logger.Debug().Msg("session handle expired")
		s.Clear(ctx)
		return "", false
	}
	if !Valid(value) {
		s.logger.Debug().Str("value", value).Msg("discarding malformed session handle")
		s.Clear(ctx)
		return "", false
	}
	return strings.TrimSpace(value), true
}

func (s *KeyedStore) Write(ctx context.Context, id string) {
	if !Valid(id) {
		s.Clear(ctx)
		return
	}
	if err := s.backend.Set(ctx, s.key, strings.TrimSpace(id), s.now().Add(s.ttl)); err != nil {
		s.logger.Warn().Err(err).Msg("writing session handle")
	}
}

func (s *KeyedStore) Clear(ctx context.Context) {
	if err := s.backend.Delete(ctx, s.key); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Warn().Err(err).Msg("clearing session handle")
	}
}
