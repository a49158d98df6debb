package mq_test

import (
	"context"
	"testing"

	"github.com/rainyctl/rainy-cloud/mq"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestKafkaHeaderCarrier(t *testing.T) {
	c := mq.KafkaHeaderCarrier{}
	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("a", "3")

	assert.Equal(t, "3", c.Get("a"))
	assert.Equal(t, "", c.Get("missing"))
	assert.ElementsMatch(t, []string{"a", "b"}, c.Keys())
}

func TestInjectTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "produce")
	defer span.End()

	headers := []kafka.Header{{Key: "traceparent", Value: []byte("stale")}}
	mq.InjectTraceContext(ctx, &headers)

	require.Len(t, headers, 1)
	carrier := mq.KafkaHeaderCarrier(headers)
	assert.Contains(t, carrier.Get("traceparent"), span.SpanContext().TraceID().String())
}
