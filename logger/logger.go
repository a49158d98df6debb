package logger

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Logger 是一个全局的、配置好的 zerolog 实例。
// 未调用 Init 之前它是一个 Nop logger，库代码和单元测试可以直接使用。
var Logger = zerolog.Nop()

// Init 使用标准输出初始化全局 Logger
func Init(serviceName string) {
	InitWithWriter(serviceName, os.Stdout)
}

// InitWithWriter 允许指定输出目标，测试中可以传入 bytes.Buffer
func InitWithWriter(serviceName string, w io.Writer) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs // 使用毫秒级时间戳
	zerolog.LevelFieldName = "level"
	zerolog.MessageFieldName = "msg"
	zerolog.TimestampFieldName = "ts"

	Logger = zerolog.New(w).With().
		Timestamp().
		Str("service_name", serviceName).
		Logger()
}

// Ctx 返回一个带有从 context 中提取的追踪信息的子 logger。
// 这是将日志与链路追踪关联起来的关键。
func Ctx(ctx context.Context) *zerolog.Logger {
	log := Logger

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		log = log.With().
			Str("trace_id", span.SpanContext().TraceID().String()).
			Str("span_id", span.SpanContext().SpanID().String()).
			Logger()
	}
	return &log
}
