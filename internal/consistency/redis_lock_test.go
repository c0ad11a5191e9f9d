package consistency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telemed-scheduling/internal/scheduling"
)

func newRedisLock(t *testing.T) (*RedisLockService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLockService(client, 5*time.Second), mr
}

func TestRedisLockAcquireRelease(t *testing.T) {
	locks, mr := newRedisLock(t)
	ctx := context.Background()

	handle, err := locks.Acquire(ctx, "lock:clinician:abc", 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:clinician:abc"))

	require.NoError(t, locks.Release(ctx, handle))
	assert.False(t, mr.Exists("lock:clinician:abc"))
}

func TestRedisLockContention(t *testing.T) {
	locks, _ := newRedisLock(t)
	ctx := context.Background()

	held, err := locks.Acquire(ctx, "lock:clinician:abc", 100*time.Millisecond)
	require.NoError(t, err)

	_, err = locks.Acquire(ctx, "lock:clinician:abc", 100*time.Millisecond)
	assert.ErrorIs(t, err, scheduling.ErrLockTimeout)

	require.NoError(t, locks.Release(ctx, held))

	// Released key is immediately claimable again.
	again, err := locks.Acquire(ctx, "lock:clinician:abc", 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, locks.Release(ctx, again))
}

func TestRedisLockReleaseIsIdempotent(t *testing.T) {
	locks, _ := newRedisLock(t)
	ctx := context.Background()

	handle, err := locks.Acquire(ctx, "lock:clinician:abc", 100*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, locks.Release(ctx, handle))
	require.NoError(t, locks.Release(ctx, handle))
	require.NoError(t, locks.Release(ctx, nil))
}

func TestRedisLockReleaseOnlyOwnToken(t *testing.T) {
	locks, mr := newRedisLock(t)
	ctx := context.Background()

	stale, err := locks.Acquire(ctx, "lock:clinician:abc", 100*time.Millisecond)
	require.NoError(t, err)

	// Simulate lease expiry and takeover by another worker.
	mr.FastForward(6 * time.Second)
	fresh, err := locks.Acquire(ctx, "lock:clinician:abc", 100*time.Millisecond)
	require.NoError(t, err)

	// The stale handle must not free the new holder's lock.
	require.NoError(t, locks.Release(ctx, stale))
	assert.True(t, mr.Exists("lock:clinician:abc"))

	require.NoError(t, locks.Release(ctx, fresh))
	assert.False(t, mr.Exists("lock:clinician:abc"))
}

func TestMemoryLockContention(t *testing.T) {
	locks := NewMemoryLockService()
	ctx := context.Background()

	held, err := locks.Acquire(ctx, "k", 50*time.Millisecond)
	require.NoError(t, err)

	_, err = locks.Acquire(ctx, "k", 50*time.Millisecond)
	assert.ErrorIs(t, err, scheduling.ErrLockTimeout)

	require.NoError(t, locks.Release(ctx, held))
	require.NoError(t, locks.Release(ctx, held))

	again, err := locks.Acquire(ctx, "k", 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, locks.Release(ctx, again))
}
