package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisDedup(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()
	d := NewRedisDedup(client)

	holder, ok, err := d.Reserve(ctx, "rider-1:abc", "ride-1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ride-1", string(holder))

	holder, ok, err = d.Reserve(ctx, "rider-1:abc", "ride-2", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "ride-1", string(holder))

	// Only the holder can release.
	require.NoError(t, d.Release(ctx, "rider-1:abc", "ride-2"))
	assert.True(t, mr.Exists("ride:dedup:rider-1:abc"))
	require.NoError(t, d.Release(ctx, "rider-1:abc", "ride-1"))
	assert.False(t, mr.Exists("ride:dedup:rider-1:abc"))

	_, ok, err = d.Reserve(ctx, "rider-1:abc", "ride-3", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(31 * time.Second)
	_, ok, err = d.Reserve(ctx, "rider-1:abc", "ride-4", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "reservation expires with the window")
}

func TestMemoryDedup_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	d := NewMemoryDedup()
	d.now = func() time.Time { return now }

	_, ok, _ := d.Reserve(ctx, "k", "a", time.Second)
	assert.True(t, ok)
	holder, ok, _ := d.Reserve(ctx, "k", "b", time.Second)
	assert.False(t, ok)
	assert.Equal(t, "a", string(holder))

	now = now.Add(2 * time.Second)
	_, ok, _ = d.Reserve(ctx, "k", "b", time.Second)
	assert.True(t, ok)
}

func TestLedgerWithRedisDedup(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	l := New(NewMemoryStore(), NewRedisDedup(client), defaultTestConfig(), nil)
	first, err := l.Create(ctx, sampleRequest("rider-redis"))
	require.NoError(t, err)
	second, err := l.Create(ctx, sampleRequest("rider-redis"))
	assert.ErrorIs(t, err, ErrDuplicateRequest)
	assert.Equal(t, first.ID, second.ID)
}
