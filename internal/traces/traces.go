// Package traces provides OpenTelemetry tracing for scans and assessments.
package traces

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName  = "github.com/mbd888/tokensentry"
	serviceName = "tokensentry"
)

// Config selects the exporter and sampling.
type Config struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables tracing.
	Endpoint       string
	ServiceVersion string
	// SampleRatio is the fraction of root traces kept. Values outside
	// (0, 1) sample everything.
	SampleRatio float64
}

func (c Config) sampler() sdktrace.Sampler {
	if c.SampleRatio <= 0 || c.SampleRatio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
}

// Init installs the global tracer provider and returns its shutdown
// function, which flushes buffered spans.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	version := cfg.ServiceVersion
	if version == "" {
		version = "dev"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// StartSpan starts a span on the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail records err on span and marks it failed. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func Token(addr common.Address) attribute.KeyValue {
	return attribute.String("token.address", addr.Hex())
}

func TokenSymbol(symbol string) attribute.KeyValue {
	return attribute.String("token.symbol", symbol)
}

func Block(n uint64) attribute.KeyValue {
	return attribute.Int64("block.number", int64(n))
}

func Candidates(n int) attribute.KeyValue {
	return attribute.Int("block.candidates", n)
}

func Factor(f string) attribute.KeyValue {
	return attribute.String("risk.factor", f)
}

func Score(s int) attribute.KeyValue {
	return attribute.Int("risk.score", s)
}

func Classification(c string) attribute.KeyValue {
	return attribute.String("risk.classification", c)
}

func Degraded(n int) attribute.KeyValue {
	return attribute.Int("risk.degraded", n)
}
