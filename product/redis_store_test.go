package product_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rainyctl/rainy-cloud/product"
	rclient "github.com/rainyctl/rainy-cloud/redis"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ product.Store = (*product.RedisStore)(nil)

func newRedisStore(t *testing.T) *product.RedisStore {
	t.Helper()
	store, _ := newRedisStoreWithServer(t)
	return store
}

func newRedisStoreWithServer(t *testing.T) (*product.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := rclient.NewClient(context.Background(), mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := product.NewRedisStore(client)
	require.NoError(t, err)
	return store, mr
}

func TestRedisStore_StockLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newRedisStore(t)
	require.NoError(t, store.Save(ctx, &product.Product{ID: 1, Name: "keyboard", Price: decimal.RequireFromString("10.00"), Stock: 5}))

	p, err := store.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "keyboard", p.Name)
	assert.True(t, decimal.NewFromInt(10).Equal(p.Price))

	require.NoError(t, store.DecrementStock(ctx, 1, 2))
	assert.ErrorIs(t, store.DecrementStock(ctx, 1, 10), product.ErrInsufficientStock)
	assert.ErrorIs(t, store.DecrementStock(ctx, 7, 1), product.ErrInsufficientStock)

	p, err = store.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Stock)

	require.NoError(t, store.IncrementStock(ctx, 1, 2))
	assert.ErrorIs(t, store.IncrementStock(ctx, 7, 1), product.ErrNotFound)

	p, err = store.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, p.Stock)

	_, err = store.GetByID(ctx, 7)
	assert.ErrorIs(t, err, product.ErrNotFound)
}

func TestRedisStore_ConcurrentDecrementNeverOversells(t *testing.T) {
	ctx := context.Background()
	store := newRedisStore(t)
	require.NoError(t, store.Save(ctx, &product.Product{ID: 1, Name: "keyboard", Price: decimal.NewFromInt(10), Stock: 3}))

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.DecrementStock(ctx, 1, 1) == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 3, ok.Load())
	p, err := store.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Stock)
}

func TestRedisStore_WarmUp(t *testing.T) {
	ctx := context.Background()
	source := newGormStore(t,
		product.Product{ID: 1, Name: "keyboard", Price: decimal.NewFromInt(10), Stock: 5},
		product.Product{ID: 2, Name: "mouse", Price: decimal.RequireFromString("4.50"), Stock: 9},
	)
	store := newRedisStore(t)

	n, err := store.WarmUp(ctx, source)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	products, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "mouse", products[1].Name)
	assert.True(t, decimal.RequireFromString("4.5").Equal(products[1].Price))
}

func TestRedisStore_WarmUpAfterRestartKeepsSoldStock(t *testing.T) {
	ctx := context.Background()
	source := newGormStore(t, product.Product{ID: 1, Name: "keyboard", Price: decimal.NewFromInt(10), Stock: 5})
	store := newRedisStore(t)

	sold := 0
	for round := 0; round < 2; round++ {
		// 每一轮模拟一次商品服务启动
		_, err := store.WarmUp(ctx, source)
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			if store.DecrementStock(ctx, 1, 1) == nil {
				sold++
			}
		}
	}
	assert.Equal(t, 5, sold)

	n, err := store.WarmUp(ctx, source)
	require.NoError(t, err)
	assert.Zero(t, n)
	p, err := store.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, p.Stock)
}

func TestRedisStore_KeysShareHashSlot(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStoreWithServer(t)
	require.NoError(t, store.Save(ctx, &product.Product{ID: 1, Name: "keyboard", Price: decimal.NewFromInt(10), Stock: 5}))
	require.NoError(t, store.Deduct(ctx, "run-1", 1, 1))

	// 同一个哈希标签，集群模式下事务和脚本不会跨 slot
	keys := mr.Keys()
	require.NotEmpty(t, keys)
	for _, k := range keys {
		assert.True(t, strings.HasPrefix(k, "{product}:"), k)
	}
}
