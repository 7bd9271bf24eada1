package cli

import (
	"context"
	"fmt"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/petal-labs/sessionflow/config"
	sfotel "github.com/petal-labs/sessionflow/otel"
	"github.com/petal-labs/sessionflow/runtime"
)

// telemetry holds the engine hooks fed by OpenTelemetry.
type telemetry struct {
	handlers  []runtime.EventHandler
	decorator runtime.EventEmitterDecorator
	shutdown  func(context.Context) error
}

// setupTelemetry always records metrics on the global meter provider. Traces
// are exported over OTLP/HTTP only when an endpoint is configured.
func setupTelemetry(ctx context.Context, cfg config.TelemetryConfig) (*telemetry, error) {
	tel := &telemetry{shutdown: func(context.Context) error { return nil }}

	metrics, err := sfotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter("sessionflow"))
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	tel.handlers = append(tel.handlers, metrics.Handle)

	if cfg.OTLPEndpoint == "" {
		return tel, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
	if err != nil {
		return nil, fmt.Errorf("creating otlp exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
		)),
	)
	otelapi.SetTracerProvider(tp)

	tracing := sfotel.NewTracingHandler(tp.Tracer("sessionflow"))
	tel.handlers = append(tel.handlers, tracing.Handle)
	tel.decorator = sfotel.Decorator(tracing)
	tel.shutdown = tp.Shutdown
	return tel, nil
}
