package order

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Store 定义了订单头和订单行的持久化操作
type Store interface {
	// InsertHeader 立即分配 ID，同一流程的后续步骤可以直接引用
	InsertHeader(ctx context.Context, h *Header) (int64, error)
	// InsertLine 要求 OrderID 已经分配
	InsertLine(ctx context.Context, l *Line) error
	// DeleteOrder 删除订单头及其所有订单行，订单不存在时不报错
	DeleteOrder(ctx context.Context, orderID int64) error
	Get(ctx context.Context, orderID int64) (*Header, error)
	// Transaction 在一个本地事务中执行 fn，fn 收到的 Store 绑定在该事务上
	Transaction(ctx context.Context, fn func(tx Store) error) error
}

type gormStore struct {
	db *gorm.DB
}

// NewGormStore 创建 GORM 实现，并确保表结构存在
func NewGormStore(db *gorm.DB) (Store, error) {
	if err := db.AutoMigrate(&Header{}, &Line{}); err != nil {
		return nil, errors.Wrap(err, "migrate order tables")
	}
	return &gormStore{db: db}, nil
}

func (s *gormStore) InsertHeader(ctx context.Context, h *Header) (int64, error) {
	h.ID = 0
	if err := s.db.WithContext(ctx).Omit("Lines").Create(h).Error; err != nil {
		return 0, errors.Wrap(err, "insert order header")
	}
	return h.ID, nil
}

func (s *gormStore) InsertLine(ctx context.Context, l *Line) error {
	if l.OrderID <= 0 {
		return errors.New("order line requires an assigned order id")
	}
	if l.Quantity <= 0 {
		return errors.New("order line quantity must be positive")
	}
	return errors.Wrap(s.db.WithContext(ctx).Create(l).Error, "insert order line")
}

func (s *gormStore) DeleteOrder(ctx context.Context, orderID int64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("order_id = ?", orderID).Delete(&Line{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", orderID).Delete(&Header{}).Error
	})
	return errors.Wrapf(err, "delete order %d", orderID)
}

func (s *gormStore) Get(ctx context.Context, orderID int64) (*Header, error) {
	var h Header
	err := s.db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("id asc") }).
		Where("id = ?", orderID).
		Take(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get order %d", orderID)
	}
	return &h, nil
}

func (s *gormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx})
	})
}
