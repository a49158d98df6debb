package idempotency_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rainyctl/rainy-cloud/idempotency"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) (*idempotency.Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return idempotency.NewManager(rdb, time.Hour), mr
}

func TestManager_ReserveCompleteReplay(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	id, reserved, err := m.Reserve(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Zero(t, id)

	_, _, err = m.Reserve(ctx, "k1")
	assert.ErrorIs(t, err, idempotency.ErrInProgress)

	require.NoError(t, m.Complete(ctx, "k1", 42))
	id, reserved, err = m.Reserve(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.EqualValues(t, 42, id)
}

func TestManager_ReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	_, reserved, err := m.Reserve(ctx, "k2")
	require.NoError(t, err)
	require.True(t, reserved)
	require.NoError(t, m.Release(ctx, "k2"))

	_, reserved, err = m.Reserve(ctx, "k2")
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestManager_KeysExpire(t *testing.T) {
	ctx := context.Background()
	m, mr := newManager(t)

	require.NoError(t, m.Complete(ctx, "k3", 7))
	mr.FastForward(2 * time.Hour)

	_, reserved, err := m.Reserve(ctx, "k3")
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestManager_QuarantineBlocksRetries(t *testing.T) {
	ctx := context.Background()
	m, mr := newManager(t)

	_, reserved, err := m.Reserve(ctx, "k1")
	require.NoError(t, err)
	require.True(t, reserved)
	require.NoError(t, m.Quarantine(ctx, "k1", "run-9"))

	mr.FastForward(48 * time.Hour)
	_, reserved, err = m.Reserve(ctx, "k1")
	assert.ErrorIs(t, err, idempotency.ErrQuarantined)
	assert.Contains(t, err.Error(), "run-9")
	assert.False(t, reserved)
}
