package observability

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/signalsfoundry/opensand-dama/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"

	defaultOTLPEndpoint = "localhost:4317"
	tracerName          = "github.com/signalsfoundry/opensand-dama"
)

// TracingConfig selects the span exporter of a DAMA process. Role tells the
// NCC spans from the terminal ones when both export to the same collector.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Role        string
	Exporter    string
	Endpoint    string
	SampleRatio float64
}

// Validate reports settings InitTracing cannot honour.
func (c TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch strings.ToLower(c.Exporter) {
	case "", ExporterStdout, ExporterOTLP:
	default:
		return fmt.Errorf("tracing: unsupported exporter %q", c.Exporter)
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("tracing: sample ratio %v outside [0, 1]", c.SampleRatio)
	}
	return nil
}

// ShutdownFunc flushes the spans still buffered by the provider.
type ShutdownFunc func(context.Context) error

// InitTracing installs the global tracer provider and propagators. When
// tracing is disabled a noop provider is installed and the returned
// ShutdownFunc does nothing.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (ShutdownFunc, error) {
	if log == nil {
		log = logging.Noop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		log.Debug(ctx, "tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cmp.Or(cfg.ServiceName, "opensand-dama")),
		attribute.String("service.namespace", "opensand"),
	}
	if cfg.Role != "" {
		attrs = append(attrs, attribute.String("dama.role", cfg.Role))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cmp.Or(cfg.Exporter, ExporterStdout)),
		logging.String("role", cfg.Role),
		logging.Any("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	if strings.ToLower(cfg.Exporter) == ExporterOTLP {
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(cmp.Or(cfg.Endpoint, defaultOTLPEndpoint)),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
		return otlptrace.New(ctx, client)
	}
	return stdouttrace.New(
		stdouttrace.WithWriter(os.Stderr),
		stdouttrace.WithPrettyPrint(),
		stdouttrace.WithoutTimestamps(),
	)
}

// Shutdown flushes spans with a bounded timeout. Errors are logged, not
// returned, since it runs on the exit path.
func (f ShutdownFunc) Shutdown(ctx context.Context, timeout time.Duration, log logging.Logger) {
	if f == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := f(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn(ctx, "tracing shutdown failed", logging.Error(err))
	}
}

// Tracer returns the tracer used by the DAMA packages. It follows whatever
// provider InitTracing installed.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
