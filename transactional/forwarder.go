package transactional

import (
	"context"
	"time"

	"github.com/rainyctl/rainy-cloud/logger"
)

// Locker 是跨实例互斥锁，*zookeeper.DistributedLock 实现了它
type Locker interface {
	Lock() error
	Unlock() error
}

// Forwarder 是一个后台任务，负责周期性地转发待发送的消息
type Forwarder struct {
	service  *Service
	interval time.Duration
	locker   Locker
}

// NewForwarder 创建一个新的消息转发器。locker 为 nil 时不做跨实例互斥。
func NewForwarder(service *Service, interval time.Duration, locker Locker) *Forwarder {
	return &Forwarder{
		service:  service,
		interval: interval,
		locker:   locker,
	}
}

// Start 启动转发器。它会阻塞直到上下文被取消。
func (f *Forwarder) Start(ctx context.Context) error {
	log := logger.Ctx(ctx)
	log.Info().Dur("interval", f.interval).Msg("starting transactional message forwarder")
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping transactional message forwarder")
			return nil
		case <-ticker.C:
			if err := f.Tick(ctx); err != nil {
				log.Error().Err(err).Msg("error during message forwarding cycle")
			}
		}
	}
}

// Tick 执行一轮转发；持有锁期间其他实例的转发器会等待
func (f *Forwarder) Tick(ctx context.Context) error {
	if f.locker != nil {
		if err := f.locker.Lock(); err != nil {
			return err
		}
		defer func() {
			if err := f.locker.Unlock(); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("failed to release forwarder lock")
			}
		}()
	}
	_, err := f.service.ForwardPendingMessages(ctx)
	return err
}
