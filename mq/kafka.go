package mq

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// KafkaHeaderCarrier 实现了 opentelemetry.TextMapCarrier 接口
// 它允许我们将追踪上下文注入和提取到 Kafka 消息的 Header 中
type KafkaHeaderCarrier []kafka.Header

// Get 返回与给定键关联的值。
func (c KafkaHeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set 设置键值对，已存在的键会被覆盖
func (c *KafkaHeaderCarrier) Set(key, value string) {
	for i := range *c {
		if (*c)[i].Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

// Keys 返回 carrier 中所有的键。
func (c KafkaHeaderCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}

// NewOutboxWriter 创建一个同步的 Kafka 生产者。
// Topic 不在 Writer 上设置，由每条消息自己携带；同步写入保证发件箱只在 broker 确认后标记 SENT。
func NewOutboxWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// InjectTraceContext 将当前的 OpenTelemetry 追踪上下文注入到 Kafka 消息的 Headers 中
func InjectTraceContext(ctx context.Context, headers *[]kafka.Header) {
	propagator := otel.GetTextMapPropagator()
	carrier := KafkaHeaderCarrier(*headers)
	propagator.Inject(ctx, &carrier)
	*headers = carrier
}
