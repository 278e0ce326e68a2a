package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/content-quality/internal/core"
)

func newManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewManager(client, Config{
		TTL:           time.Second,
		MaxRetries:    1,
		RetryInterval: time.Millisecond,
	}, nil), server
}

func TestAcquireAndRelease(t *testing.T) {
	manager, _ := newManager(t)
	ctx := context.Background()

	lock, err := manager.Acquire(ctx, "rewrite:v1")
	require.NoError(t, err)

	// Held lock blocks a second acquirer.
	_, err = manager.Acquire(ctx, "rewrite:v1")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindConflict))

	require.NoError(t, lock.Release(ctx))

	again, err := manager.Acquire(ctx, "rewrite:v1")
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestDistinctKeysDoNotContend(t *testing.T) {
	manager, _ := newManager(t)
	ctx := context.Background()

	first, err := manager.Acquire(ctx, "rewrite:v1")
	require.NoError(t, err)
	second, err := manager.Acquire(ctx, "rewrite:v2")
	require.NoError(t, err)
	require.NoError(t, first.Release(ctx))
	require.NoError(t, second.Release(ctx))
}

func TestExpiredLockIsReacquirable(t *testing.T) {
	manager, server := newManager(t)
	ctx := context.Background()

	lock, err := manager.Acquire(ctx, "rewrite:v1")
	require.NoError(t, err)

	server.FastForward(2 * time.Second)

	again, err := manager.Acquire(ctx, "rewrite:v1")
	require.NoError(t, err)

	// Releasing the stale handle is a no-op; the new owner keeps the key.
	require.NoError(t, lock.Release(ctx))
	_, err = manager.Acquire(ctx, "rewrite:v1")
	assert.True(t, core.IsKind(err, core.KindConflict))
	require.NoError(t, again.Release(ctx))
}

func TestNilClientDisablesLocking(t *testing.T) {
	manager := NewManager(nil, DefaultConfig(), nil)
	ctx := context.Background()

	first, err := manager.Acquire(ctx, "anything")
	require.NoError(t, err)
	second, err := manager.Acquire(ctx, "anything")
	require.NoError(t, err)
	require.NoError(t, first.Release(ctx))
	require.NoError(t, second.Release(ctx))
}
