package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackendExpiry(t *testing.T) {
	m, err := NewMemoryBackend(8)
	require.NoError(t, err)

	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))

	now = now.Add(time.Minute)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, m.Len())

	require.NoError(t, m.Set(ctx, "forever", []byte("v"), 0))
	now = now.Add(1000 * time.Hour)
	_, err = m.Get(ctx, "forever")
	assert.NoError(t, err)
}

func TestMemoryBackendBound(t *testing.T) {
	m, err := NewMemoryBackend(2)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Minute))
	}

	_, err = m.Get(ctx, "k0")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"k1", "k2"}, m.Keys())
}

func TestMemoryBackendCopiesValues(t *testing.T) {
	m, err := NewMemoryBackend(0)
	require.NoError(t, err)
	ctx := context.Background()

	buf := []byte("abc")
	require.NoError(t, m.Set(ctx, "k", buf, 0))
	buf[0] = 'x'

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	got[1] = 'y'
	again, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again))
}

func TestMemoryBackendEvictAndDelete(t *testing.T) {
	m, err := NewMemoryBackend(4)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), 0))

	m.Evict("a")
	require.NoError(t, m.Delete(ctx, "b"))
	require.NoError(t, m.Delete(ctx, "never-set"))

	_, err = m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryBackendCancelledContext(t *testing.T) {
	m, err := NewMemoryBackend(4)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = m.Set(ctx, "k", []byte("v"), 0)
	assert.True(t, IsUnavailable(err))
}
