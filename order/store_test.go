package order_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/rainyctl/rainy-cloud/order"
	"github.com/rainyctl/rainy-cloud/testdb"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newStore(t *testing.T) (order.Store, *gorm.DB) {
	t.Helper()
	db := testdb.Open(t)
	store, err := order.NewGormStore(db)
	require.NoError(t, err)
	return store, db
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

func TestGormStore_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	id, err := store.InsertHeader(ctx, &order.Header{UserID: 1, ShippingName: "DIO", ShippingAddress: "Cairo, Egypt", TotalAmount: decimal.NewFromInt(20)})
	require.NoError(t, err)
	assert.Positive(t, id)

	require.NoError(t, store.InsertLine(ctx, &order.Line{OrderID: id, ProductID: 1, ProductName: "keyboard", UnitPrice: decimal.NewFromInt(10), Quantity: 2}))

	h, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.UserID)
	assert.True(t, decimal.NewFromInt(20).Equal(h.TotalAmount))
	require.Len(t, h.Lines, 1)
	assert.Equal(t, 2, h.Lines[0].Quantity)
	assert.Equal(t, "keyboard", h.Lines[0].ProductName)

	_, err = store.Get(ctx, id+100)
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestGormStore_InsertLineRequiresOrderID(t *testing.T) {
	store, _ := newStore(t)
	err := store.InsertLine(context.Background(), &order.Line{ProductID: 1, Quantity: 1})
	assert.Error(t, err)
}

func TestGormStore_DeleteOrderIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, db := newStore(t)

	// 只有订单头、没有订单行的情况也必须能删除
	headerOnly, err := store.InsertHeader(ctx, &order.Header{UserID: 1, TotalAmount: decimal.NewFromInt(10)})
	require.NoError(t, err)

	full, err := store.InsertHeader(ctx, &order.Header{UserID: 2, TotalAmount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	require.NoError(t, store.InsertLine(ctx, &order.Line{OrderID: full, ProductID: 1, UnitPrice: decimal.NewFromInt(10), Quantity: 1}))

	require.NoError(t, store.DeleteOrder(ctx, headerOnly))
	require.NoError(t, store.DeleteOrder(ctx, full))
	require.NoError(t, store.DeleteOrder(ctx, full))

	assert.Zero(t, countRows(t, db, &order.Header{}))
	assert.Zero(t, countRows(t, db, &order.Line{}))
}

func TestGormStore_TransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	store, db := newStore(t)

	boom := errors.New("boom")
	err := store.Transaction(ctx, func(tx order.Store) error {
		id, err := tx.InsertHeader(ctx, &order.Header{UserID: 1, TotalAmount: decimal.NewFromInt(10)})
		if err != nil {
			return err
		}
		if err := tx.InsertLine(ctx, &order.Line{OrderID: id, ProductID: 1, UnitPrice: decimal.NewFromInt(10), Quantity: 1}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, countRows(t, db, &order.Header{}))
	assert.Zero(t, countRows(t, db, &order.Line{}))
}
