package product_test

import (
	"context"
	"testing"

	"github.com/rainyctl/rainy-cloud/product"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 两种实现共用同一组操作号语义测试
func stockStores(t *testing.T) map[string]func(t *testing.T) product.Store {
	return map[string]func(t *testing.T) product.Store{
		"gorm": func(t *testing.T) product.Store {
			return newGormStore(t, product.Product{ID: 1, Name: "keyboard", Price: decimal.NewFromInt(10), Stock: 5})
		},
		"redis": func(t *testing.T) product.Store {
			store := newRedisStore(t)
			require.NoError(t, store.Save(context.Background(), &product.Product{ID: 1, Name: "keyboard", Price: decimal.NewFromInt(10), Stock: 5}))
			return store
		},
	}
}

func stockOf(t *testing.T, store product.Store) int {
	t.Helper()
	p, err := store.GetByID(context.Background(), 1)
	require.NoError(t, err)
	return p.Stock
}

func TestStore_DeductIsIdempotentPerOp(t *testing.T) {
	for name, open := range stockStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)

			require.NoError(t, store.Deduct(ctx, "run-1", 1, 2))
			require.NoError(t, store.Deduct(ctx, "run-1", 1, 2), "replay must succeed without deducting twice")
			assert.Equal(t, 3, stockOf(t, store))

			assert.ErrorIs(t, store.Deduct(ctx, "run-2", 1, 10), product.ErrInsufficientStock)
			assert.ErrorIs(t, store.Deduct(ctx, "run-3", 99, 1), product.ErrInsufficientStock)
			assert.Equal(t, 3, stockOf(t, store))
		})
	}
}

func TestStore_RestoreIsIdempotentPerOp(t *testing.T) {
	for name, open := range stockStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)

			require.NoError(t, store.Deduct(ctx, "run-1", 1, 2))
			require.NoError(t, store.Restore(ctx, "run-1", 1, 2))
			require.NoError(t, store.Restore(ctx, "run-1", 1, 2))
			assert.Equal(t, 5, stockOf(t, store))

			// 回补后同号扣减不再生效
			assert.ErrorIs(t, store.Deduct(ctx, "run-1", 1, 2), product.ErrOperationRevoked)
			assert.Equal(t, 5, stockOf(t, store))
		})
	}
}

func TestStore_RestoreBeforeDeductRevokesOp(t *testing.T) {
	for name, open := range stockStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)

			// 扣减结果未知时的回补：没有扣减记录，不加库存
			require.NoError(t, store.Restore(ctx, "run-late", 1, 2))
			assert.Equal(t, 5, stockOf(t, store))

			assert.ErrorIs(t, store.Deduct(ctx, "run-late", 1, 2), product.ErrOperationRevoked)
			assert.Equal(t, 5, stockOf(t, store))
		})
	}
}

func TestStore_RestoreAfterInsufficientStockIsNoop(t *testing.T) {
	for name, open := range stockStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)

			require.ErrorIs(t, store.Deduct(ctx, "run-1", 1, 10), product.ErrInsufficientStock)
			require.NoError(t, store.Restore(ctx, "run-1", 1, 10))
			assert.Equal(t, 5, stockOf(t, store))
		})
	}
}
