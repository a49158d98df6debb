// Package idempotency 用 Redis 记录 Idempotency-Key 与订单号的映射，
// 同一个 key 的重复下单请求直接返回第一次创建的订单。
package idempotency

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ErrInProgress 表示同一个 key 的请求正在处理中
var ErrInProgress = errors.New("idempotency: request with this key is in progress")

// ErrQuarantined 表示该 key 对应的流程补偿失败，等待人工对账，不允许用同一个 key 重试
var ErrQuarantined = errors.New("idempotency: request with this key ended inconsistent")

const (
	keyPrefix        = "order_idem:"
	pendingPrefix    = "PENDING:"
	quarantinePrefix = "INCONSISTENT:"
)

// Manager 管理幂等键
type Manager struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewManager 创建一个新的幂等键管理器
func NewManager(client redis.UniversalClient, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{client: client, ttl: ttl}
}

// Reserve 占用 key。
// 返回 (0, true, nil) 表示调用方获得了执行权；(orderID, false, nil) 表示该 key 已经完成过；
// key 被其他请求占用但尚未完成时返回 ErrInProgress。
func (m *Manager) Reserve(ctx context.Context, key string) (int64, bool, error) {
	// key: "order_idem:abc", value: "PENDING:<uuid>" 或订单号
	ok, err := m.client.SetNX(ctx, keyPrefix+key, pendingPrefix+uuid.NewString(), m.ttl).Result()
	if err != nil {
		return 0, false, errors.Wrap(err, "reserve idempotency key")
	}
	if ok {
		return 0, true, nil
	}

	val, err := m.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		// 刚好过期或被释放，重新抢一次
		return m.Reserve(ctx, key)
	} else if err != nil {
		return 0, false, errors.Wrap(err, "read idempotency key")
	}
	if strings.HasPrefix(val, pendingPrefix) {
		return 0, false, ErrInProgress
	}
	if strings.HasPrefix(val, quarantinePrefix) {
		return 0, false, errors.Wrap(ErrQuarantined, strings.TrimPrefix(val, quarantinePrefix))
	}
	orderID, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "corrupt idempotency value %q", val)
	}
	return orderID, false, nil
}

// Complete 记录 key 对应的订单号
func (m *Manager) Complete(ctx context.Context, key string, orderID int64) error {
	return errors.Wrap(m.client.Set(ctx, keyPrefix+key, strconv.FormatInt(orderID, 10), m.ttl).Err(), "complete idempotency key")
}

// Quarantine 把 key 标记为不一致并记下 run ID。
// 不设过期时间，由对账完成后手工删除，避免客户端重试时再扣一次库存。
func (m *Manager) Quarantine(ctx context.Context, key, runID string) error {
	return errors.Wrap(m.client.Set(ctx, keyPrefix+key, quarantinePrefix+runID, 0).Err(), "quarantine idempotency key")
}

// Release 释放 key（下单失败时调用），允许客户端用同一个 key 重试
func (m *Manager) Release(ctx context.Context, key string) error {
	return errors.Wrap(m.client.Del(ctx, keyPrefix+key).Err(), "release idempotency key")
}
