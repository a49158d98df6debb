package transactional

import (
	"context"
	"time"

	"github.com/rainyctl/rainy-cloud/logger"
	"github.com/rainyctl/rainy-cloud/mq"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Writer 是 *kafka.Writer 的最小接口，测试中可以替换
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Options 控制转发批量和重试
type Options struct {
	BatchSize  int
	MaxRetries int
	RetryAfter time.Duration
}

// Service 封装了事务性消息的核心逻辑
type Service struct {
	store  Store
	writer Writer
	opts   Options
}

// NewService 创建一个新的事务性消息服务
func NewService(store Store, writer Writer, opts Options) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = time.Minute
	}
	return &Service{
		store:  store,
		writer: writer,
		opts:   opts,
	}
}

// SendInTx 在业务事务中保存待发送的消息。
// 这是给业务代码调用的核心方法。
func (s *Service) SendInTx(ctx context.Context, tx *gorm.DB, topic, key string, payload []byte) error {
	msg := &Message{
		Topic:        topic,
		Key:          key,
		Payload:      payload,
		TraceHeaders: encodeTrace(ctx),
		Status:       StatusPending,
	}
	return s.store.CreateInTx(ctx, tx, msg)
}

// ForwardPendingMessages 查找并转发待处理的消息，返回本轮成功转发的条数。
// 这个方法应该被一个后台任务周期性地调用。
func (s *Service) ForwardPendingMessages(ctx context.Context) (int, error) {
	log := logger.Ctx(ctx)

	messages, err := s.store.FindPendingMessages(ctx, s.opts.BatchSize, s.opts.RetryAfter)
	if err != nil {
		log.Error().Err(err).Msg("failed to find pending messages")
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}

	log.Info().Int("count", len(messages)).Msg("found pending transactional messages to forward")

	tracer := otel.Tracer("transactional-forwarder")
	sent := 0
	for _, msg := range messages {
		kafkaMsg := kafka.Message{
			Topic: msg.Topic,
			Key:   []byte(msg.Key),
			Value: msg.Payload,
		}

		// 转发 span 挂在写入消息的那次请求下面，消费者拿到的是同一条 trace
		spanCtx, span := tracer.Start(msg.traceContext(ctx), "forward_message", trace.WithSpanKind(trace.SpanKindProducer))
		mq.InjectTraceContext(spanCtx, &kafkaMsg.Headers)
		err := s.writer.WriteMessages(spanCtx, kafkaMsg)
		span.End()

		if err != nil {
			retries := msg.RetryCount + 1
			status := StatusPending
			if retries >= s.opts.MaxRetries {
				status = StatusFailed
			}
			log.Error().Err(err).Int64("msg_id", msg.ID).Int("retry_count", retries).Str("status", string(status)).Msg("failed to write message to kafka")
			if uerr := s.store.UpdateStatus(ctx, msg.ID, status, retries); uerr != nil {
				log.Error().Err(uerr).Int64("msg_id", msg.ID).Msg("failed to update message status")
			}
			continue
		}

		log.Info().Int64("msg_id", msg.ID).Str("topic", msg.Topic).Msg("successfully forwarded message")
		if uerr := s.store.UpdateStatus(ctx, msg.ID, StatusSent, msg.RetryCount); uerr != nil {
			log.Error().Err(uerr).Int64("msg_id", msg.ID).Msg("failed to update message status")
			continue
		}
		sent++
	}

	return sent, nil
}
