package product

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Store 定义了对商品库存的操作接口
type Store interface {
	GetByID(ctx context.Context, id int64) (*Product, error)
	// DecrementStock 原子地条件扣减库存，库存不足或商品不存在时返回 ErrInsufficientStock
	DecrementStock(ctx context.Context, id int64, count int) error
	// IncrementStock 是扣减的补偿操作
	IncrementStock(ctx context.Context, id int64, count int) error
	// Deduct 按操作号幂等地扣减库存：同一个 opID 重放只生效一次
	Deduct(ctx context.Context, opID string, id int64, count int) error
	// Restore 按操作号回补 Deduct 扣掉的库存；opID 从未扣减过时留下作废记录，
	// 之后迟到的同号 Deduct 返回 ErrOperationRevoked
	Restore(ctx context.Context, opID string, id int64, count int) error
	List(ctx context.Context) ([]Product, error)
	Save(ctx context.Context, p *Product) error
}

// gormStore 是 Store 接口的 GORM 实现
type gormStore struct {
	db *gorm.DB
}

// NewGormStore 创建一个新的 GORM Store 实例，并确保 product 表存在
func NewGormStore(db *gorm.DB) (Store, error) {
	if err := db.AutoMigrate(&Product{}, &StockOp{}); err != nil {
		return nil, errors.Wrap(err, "migrate product table")
	}
	return &gormStore{db: db}, nil
}

func (s *gormStore) GetByID(ctx context.Context, id int64) (*Product, error) {
	var p Product
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get product %d", id)
	}
	return &p, nil
}

func (s *gormStore) DecrementStock(ctx context.Context, id int64, count int) error {
	if count <= 0 {
		return ErrInvalidCount
	}
	// 检查和扣减在同一条 UPDATE 中完成，由数据库保证原子性
	res := s.db.WithContext(ctx).Model(&Product{}).
		Where("id = ? AND stock >= ?", id, count).
		UpdateColumn("stock", gorm.Expr("stock - ?", count))
	if res.Error != nil {
		return errors.Wrapf(res.Error, "decrement stock of product %d", id)
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientStock
	}
	return nil
}

func (s *gormStore) IncrementStock(ctx context.Context, id int64, count int) error {
	if count <= 0 {
		return ErrInvalidCount
	}
	res := s.db.WithContext(ctx).Model(&Product{}).
		Where("id = ?", id).
		UpdateColumn("stock", gorm.Expr("stock + ?", count))
	if res.Error != nil {
		return errors.Wrapf(res.Error, "increment stock of product %d", id)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormStore) List(ctx context.Context) ([]Product, error) {
	var products []Product
	err := s.db.WithContext(ctx).Order("id asc").Find(&products).Error
	return products, errors.Wrap(err, "list products")
}

func (s *gormStore) Save(ctx context.Context, p *Product) error {
	return errors.Wrap(s.db.WithContext(ctx).Save(p).Error, "save product")
}
