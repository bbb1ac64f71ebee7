package observability

import (
	"context"
	"log/slog"

	"github.com/honeynil/PropertyTransactionService/internal/infrastructure/observability"
	"github.com/prometheus/client_golang/prometheus"
)

// Setup installs logging, registers metrics and starts tracing. The returned
// function flushes and stops the tracer provider.
func Setup(ctx context.Context, serviceName, otlpEndpoint string) (func(context.Context) error, error) {
	observability.InitLogger(slog.LevelInfo)
	observability.InitMetrics(prometheus.DefaultRegisterer)
	return observability.InitTracing(ctx, serviceName, otlpEndpoint)
}
