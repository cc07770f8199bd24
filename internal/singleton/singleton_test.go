package singleton

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, string) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, fmt.Sprintf("redis://%s", mr.Addr())
}

func TestAcquireSetsLockKey(t *testing.T) {
	mr, url := newTestRedis(t)

	lease, err := Acquire(context.Background(), url, time.Second)
	require.NoError(t, err)
	defer lease.Release(context.Background())

	assert.True(t, mr.Exists(lockKey))
}

func TestAcquireFailsWhenAlreadyHeld(t *testing.T) {
	mr, url := newTestRedis(t)

	first, err := Acquire(context.Background(), url, time.Second)
	require.NoError(t, err)
	defer first.Release(context.Background())

	_, err = Acquire(context.Background(), url, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already holds the leader lock")

	_ = mr
}

func TestReleaseDropsKeyWhenStillOwner(t *testing.T) {
	mr, url := newTestRedis(t)

	lease, err := Acquire(context.Background(), url, time.Second)
	require.NoError(t, err)

	require.NoError(t, lease.Release(context.Background()))
	assert.False(t, mr.Exists(lockKey))
}

func TestReleaseLeavesKeyWhenNoLongerOwner(t *testing.T) {
	mr, url := newTestRedis(t)

	lease, err := Acquire(context.Background(), url, time.Second)
	require.NoError(t, err)

	// simulate another process having since taken over the lock after this
	// lease's ttl lapsed
	mr.Set(lockKey, "someone-elses-token")

	require.NoError(t, lease.Release(context.Background()))
	assert.True(t, mr.Exists(lockKey), "release must not drop a lock it no longer owns")
	v, _ := mr.Get(lockKey)
	assert.Equal(t, "someone-elses-token", v)
}

func TestAcquireAfterReleaseSucceeds(t *testing.T) {
	_, url := newTestRedis(t)

	first, err := Acquire(context.Background(), url, time.Second)
	require.NoError(t, err)
	require.NoError(t, first.Release(context.Background()))

	second, err := Acquire(context.Background(), url, time.Second)
	require.NoError(t, err)
	require.NoError(t, second.Release(context.Background()))
}
