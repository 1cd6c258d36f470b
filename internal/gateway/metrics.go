package gateway

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type gatewayMetrics struct {
	retries  metric.Int64Counter
	requests metric.Int64Counter
	generate metric.Float64Histogram
}

func newGatewayMetrics(log *slog.Logger) *gatewayMetrics {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/gateway")
	m := &gatewayMetrics{}
	var err error
	if m.retries, err = meter.Int64Counter("loqa.gateway.load.retries",
		metric.WithDescription("Model loads restarted after a stalled download")); err != nil {
		log.Warn("failed to create retry counter", slogError(err))
	}
	if m.requests, err = meter.Int64Counter("loqa.gateway.requests",
		metric.WithDescription("Requests sent to the inference host")); err != nil {
		log.Warn("failed to create request counter", slogError(err))
	}
	if m.generate, err = meter.Float64Histogram("loqa.gateway.generate.duration",
		metric.WithDescription("Inference time per generated chunk"),
		metric.WithUnit("s")); err != nil {
		log.Warn("failed to create generate histogram", slogError(err))
	}
	return m
}

func (m *gatewayMetrics) countRetry(ctx context.Context) {
	if m.retries != nil {
		m.retries.Add(ctx, 1)
	}
}

func (m *gatewayMetrics) countRequest(ctx context.Context, msgType string) {
	if m.requests != nil {
		m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
	}
}

func (m *gatewayMetrics) recordGenerate(ctx context.Context, d time.Duration) {
	if m.generate != nil {
		m.generate.Record(ctx, d.Seconds())
	}
}
