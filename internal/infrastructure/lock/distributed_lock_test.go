package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestDistributedLock_Exclusive(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	first := NewNegotiationLock(client, "u1", "TXN100001", "channel_u1")
	second := NewNegotiationLock(client, "u1", "TXN100001", "channel_u1")

	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// 非持有者不能释放
	assert.ErrorIs(t, second.Unlock(ctx), ErrLockExpired)

	require.NoError(t, first.Unlock(ctx))
	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDistributedLock_LockRetriesThenFails(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	holder := NewEscalationLock(client, "channel_u2")
	require.NoError(t, holder.Lock(ctx, time.Millisecond, 1))

	waiter := NewEscalationLock(client, "channel_u2")
	assert.ErrorIs(t, waiter.Lock(ctx, time.Millisecond, 3), ErrLockFailed)
}

func TestDistributedLock_ExpiredLockCanBeTaken(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	holder := NewEscalationLock(client, "channel_u3")
	require.NoError(t, holder.Lock(ctx, time.Millisecond, 1))

	mr.FastForward(31 * time.Second)

	waiter := NewEscalationLock(client, "channel_u3")
	require.NoError(t, waiter.Lock(ctx, time.Millisecond, 1))
	assert.ErrorIs(t, holder.Unlock(ctx), ErrLockExpired)
}

func TestDistributedLock_RedisDown(t *testing.T) {
	client, mr := newTestClient(t)
	mr.Close()

	err := NewEscalationLock(client, "channel_u4").Lock(context.Background(), time.Millisecond, 2)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrLockFailed)
}
