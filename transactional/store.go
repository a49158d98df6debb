package transactional

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Store 定义了对事务消息表的操作接口
type Store interface {
	// CreateInTx 在调用方的数据库事务中创建一条消息记录
	CreateInTx(ctx context.Context, tx *gorm.DB, msg *Message) error
	// FindPendingMessages 查找待发送的消息：从未尝试过的，或上次失败距今超过 retryAfter 的
	FindPendingMessages(ctx context.Context, limit int, retryAfter time.Duration) ([]*Message, error)
	// UpdateStatus 更新消息的状态和重试次数
	UpdateStatus(ctx context.Context, id int64, status Status, newRetryCount int) error
}

// gormStore 是 Store 接口的 GORM 实现
type gormStore struct {
	db *gorm.DB
}

// NewGormStore 创建一个新的 GORM Store 实例，并确保消息表存在
func NewGormStore(db *gorm.DB) (Store, error) {
	if err := db.AutoMigrate(&Message{}); err != nil {
		return nil, errors.Wrap(err, "migrate transactional_messages")
	}
	return &gormStore{db: db}, nil
}

func (s *gormStore) CreateInTx(ctx context.Context, tx *gorm.DB, msg *Message) error {
	return errors.Wrap(tx.WithContext(ctx).Create(msg).Error, "create transactional message")
}

func (s *gormStore) FindPendingMessages(ctx context.Context, limit int, retryAfter time.Duration) ([]*Message, error) {
	var messages []*Message
	// 多实例并发转发由 Forwarder 上的分布式锁保证互斥，这里只按状态筛选
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Where("retry_count = 0 OR updated_at < ?", time.Now().Add(-retryAfter)).
		Order("id asc").
		Limit(limit).
		Find(&messages).Error
	return messages, errors.Wrap(err, "find pending messages")
}

func (s *gormStore) UpdateStatus(ctx context.Context, id int64, status Status, newRetryCount int) error {
	err := s.db.WithContext(ctx).Model(&Message{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":      status,
		"retry_count": newRetryCount,
		"updated_at":  time.Now(),
	}).Error
	return errors.Wrapf(err, "update message %d", id)
}
