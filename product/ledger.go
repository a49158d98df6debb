package product

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OpState 是一次库存操作在台账中的状态
type OpState string

const (
	OpDeducted OpState = "DEDUCTED"
	OpRestored OpState = "RESTORED"
	// OpRevoked 表示回补先于扣减到达（或扣减从未生效），该操作号作废
	OpRevoked OpState = "REVOKED"
)

// StockOp 对应 stock_op 表，以 op_id 为主键记录每个操作号的最终状态
type StockOp struct {
	OpID      string    `gorm:"primaryKey;type:varchar(64)"`
	ProductID int64     `gorm:"not null"`
	Count     int       `gorm:"not null"`
	State     OpState   `gorm:"type:varchar(16);not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (StockOp) TableName() string {
	return "stock_op"
}

func (s *gormStore) Deduct(ctx context.Context, opID string, id int64, count int) error {
	if count <= 0 {
		return ErrInvalidCount
	}
	if opID == "" {
		return s.DecrementStock(ctx, id, count)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 主键冲突说明该操作号已经处理过，交给下面读台账判断
		if err := tx.Create(&StockOp{OpID: opID, ProductID: id, Count: count, State: OpDeducted}).Error; err != nil {
			return err
		}
		res := tx.Model(&Product{}).
			Where("id = ? AND stock >= ?", id, count).
			UpdateColumn("stock", gorm.Expr("stock - ?", count))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientStock
		}
		return nil
	})
	if err == nil || errors.Is(err, ErrInsufficientStock) {
		return err
	}

	op, lerr := s.op(ctx, opID)
	if lerr != nil {
		return errors.Wrapf(err, "deduct stock of product %d", id)
	}
	if op.State == OpDeducted {
		return nil
	}
	return ErrOperationRevoked
}

func (s *gormStore) Restore(ctx context.Context, opID string, id int64, count int) error {
	if count <= 0 {
		return ErrInvalidCount
	}
	if opID == "" {
		return s.IncrementStock(ctx, id, count)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		restored, err := restoreDeducted(tx, opID)
		if err != nil || restored {
			return err
		}
		// 没有可回补的扣减：写入作废记录，挡住迟到的扣减
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&StockOp{OpID: opID, ProductID: id, Count: count, State: OpRevoked})
		if res.Error != nil || res.RowsAffected > 0 {
			return res.Error
		}
		// 作废记录没写进去，说明并发的扣减刚刚提交，再回补一次
		_, err = restoreDeducted(tx, opID)
		return err
	})
	return errors.Wrapf(err, "restore stock for op %s", opID)
}

// restoreDeducted 把 DEDUCTED 状态的操作改为 RESTORED 并加回库存，返回是否发生了回补
func restoreDeducted(tx *gorm.DB, opID string) (bool, error) {
	res := tx.Model(&StockOp{}).
		Where("op_id = ? AND state = ?", opID, OpDeducted).
		Update("state", OpRestored)
	if res.Error != nil || res.RowsAffected == 0 {
		return false, res.Error
	}

	var op StockOp
	if err := tx.Where("op_id = ?", opID).Take(&op).Error; err != nil {
		return false, err
	}
	inc := tx.Model(&Product{}).
		Where("id = ?", op.ProductID).
		UpdateColumn("stock", gorm.Expr("stock + ?", op.Count))
	if inc.Error != nil {
		return false, inc.Error
	}
	if inc.RowsAffected == 0 {
		return false, ErrNotFound
	}
	return true, nil
}

func (s *gormStore) op(ctx context.Context, opID string) (*StockOp, error) {
	var op StockOp
	if err := s.db.WithContext(ctx).Where("op_id = ?", opID).Take(&op).Error; err != nil {
		return nil, err
	}
	return &op, nil
}
