package sessionstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func TestValid(t *testing.T) {
	for _, id := range []string{"", " ", "\t\n", "undefined", "null", " null "} {
		assert.False(t, Valid(id), "%q should be invalid", id)
	}
	for _, id := range []string{"thread_abc", "sess_abc", "x"} {
		assert.True(t, Valid(id), "%q should be valid", id)
	}
}

func TestReadMissing(t *testing.T) {
	s := New(NewMemoryBackend(), CookieName)
	_, ok := s.Read(context.Background())
	assert.False(t, ok)
}

func TestWriteThenRead(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend(), CookieName)

	s.Write(ctx, "thread_abc")
	got, ok := s.Read(ctx)
	require.True(t, ok)
	assert.Equal(t, "thread_abc", got)

	s.Write(ctx, "thread_def")
	got, ok = s.Read(ctx)
	require.True(t, ok)
	assert.Equal(t, "thread_def", got)
}

func TestReadClearsMalformedValues(t *testing.T) {
	for _, bad := range []string{"", "   ", "undefined", "null"} {
		t.Run(bad, func(t *testing.T) {
			ctx := context.Background()
			backend := NewMemoryBackend()
			require.NoError(t, backend.Set(ctx, CookieName, bad, time.Now().Add(time.Hour)))

			s := New(backend, CookieName)
			_, ok := s.Read(ctx)
			assert.False(t, ok)

			_, _, err := backend.Get(ctx, CookieName)
			assert.ErrorIs(t, err, ErrNotFound, "malformed value should be cleared")
		})
	}
}

func TestWriteInvalidClears(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s := New(backend, CookieName)

	s.Write(ctx, "thread_abc")
	s.Write(ctx, "null")

	_, _, err := backend.Get(ctx, CookieName)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetentionWindow(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	backend := NewMemoryBackend()
	s := New(backend, CookieName, WithClock(clock.Now))

	s.Write(ctx, "thread_abc")
	_, expiresAt, err := backend.Get(ctx, CookieName)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(7*24*time.Hour), expiresAt)

	clock.Advance(7*24*time.Hour - time.Second)
	_, ok := s.Read(ctx)
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = s.Read(ctx)
	assert.False(t, ok)

	_, _, err = backend.Get(ctx, CookieName)
	assert.ErrorIs(t, err, ErrNotFound, "expired value should be cleared")
}

func TestCustomTTL(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := New(NewMemoryBackend(), "k", WithClock(clock.Now), WithTTL(time.Hour))

	s.Write(ctx, "thread_abc")
	clock.Advance(time.Hour)
	_, ok := s.Read(ctx)
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend(), CookieName)
	s.Write(ctx, "thread_abc")
	s.Clear(ctx)
	_, ok := s.Read(ctx)
	assert.False(t, ok)

	// Clearing an empty store is fine.
	s.Clear(ctx)
}

type failingBackend struct{}

func (failingBackend) Get(context.Context, string) (string, time.Time, error) {
	return "", time.Time{}, errors.New("disk on fire")
}
func (failingBackend) Set(context.Context, string, string, time.Time) error {
	return errors.New("disk on fire")
}
func (failingBackend) Delete(context.Context, string) error { return errors.New("disk on fire") }

func TestBackendFailuresAreSilent(t *testing.T) {
	ctx := context.Background()
	s := New(failingBackend{}, CookieName)

	assert.NotPanics(t, func() {
		s.Write(ctx, "thread_abc")
		s.Clear(ctx)
	})
	_, ok := s.Read(ctx)
	assert.False(t, ok)
}
