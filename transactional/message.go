package transactional

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Status 定义了事务消息的状态
type Status string

const (
	// StatusPending 待发送状态，消息已在本地数据库，等待转发
	StatusPending Status = "PENDING"
	// StatusSent 已发送状态，消息已成功发送到消息队列
	StatusSent Status = "SENT"
	// StatusFailed 超过最大重试次数后标记为此状态，需要人工介入
	StatusFailed Status = "FAILED"
)

// Message 是发件箱中的一条待投递事件，和业务数据在同一个本地事务里写入
type Message struct {
	ID      int64  `gorm:"primaryKey"`
	Topic   string `gorm:"type:varchar(255);not null"`
	Key     string `gorm:"type:varchar(255)"`
	Payload []byte `gorm:"type:blob;not null"`
	// TraceHeaders 是写入时请求链路的 W3C 传播头(JSON)，转发时据此续上同一条 trace
	TraceHeaders string    `gorm:"type:varchar(1024)"`
	Status       Status    `gorm:"type:varchar(20);not null;index"`
	RetryCount   int       `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

func (Message) TableName() string {
	return "transactional_messages"
}

func encodeTrace(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return ""
	}
	b, err := json.Marshal(carrier)
	if err != nil {
		return ""
	}
	return string(b)
}

// traceContext 把消息里记录的链路恢复到 ctx 上；没有记录或解析失败时原样返回
func (m *Message) traceContext(ctx context.Context) context.Context {
	if m.TraceHeaders == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{}
	if err := json.Unmarshal([]byte(m.TraceHeaders), &carrier); err != nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
