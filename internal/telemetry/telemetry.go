// Package telemetry wires OpenTelemetry traces, metrics and logs for the
// auction engine, and defines the engine's counters.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jensholdgaard/nft-auction-engine/internal/config"
)

const shutdownTimeout = 10 * time.Second

// Provider holds all telemetry providers for shutdown.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	Logger         *slog.Logger
}

// Setup initializes OpenTelemetry traces, metrics and logs exported over
// OTLP/HTTP. With no endpoint configured it returns a local provider whose
// logger writes JSON to stderr and whose spans and metrics stay in process.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (*Provider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	if cfg.OTLPEndpoint == "" {
		return local(res, cfg.LogLevel), nil
	}

	traceExp, err := otlptracehttp.New(ctx, exporterOptions(cfg,
		otlptracehttp.WithEndpoint, otlptracehttp.WithInsecure)...)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	metricExp, err := otlpmetrichttp.New(ctx, exporterOptions(cfg,
		otlpmetrichttp.WithEndpoint, otlpmetrichttp.WithInsecure)...)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}
	logExp, err := otlploghttp.New(ctx, exporterOptions(cfg,
		otlploghttp.WithEndpoint, otlploghttp.WithInsecure)...)
	if err != nil {
		return nil, fmt.Errorf("creating log exporter: %w", err)
	}

	p := &Provider{
		TracerProvider: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExp),
			sdktrace.WithResource(res),
		),
		MeterProvider: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
			sdkmetric.WithResource(res),
		),
		LoggerProvider: sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
			sdklog.WithResource(res),
		),
	}
	p.Logger = otelslog.NewLogger(cfg.ServiceName, otelslog.WithLoggerProvider(p.LoggerProvider))
	p.install()
	return p, nil
}

// exporterOptions builds the endpoint options shared by the three OTLP
// exporters, whose option types differ only by package.
func exporterOptions[O any](cfg config.TelemetryConfig, endpoint func(string) O, insecure func() O) []O {
	opts := []O{endpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, insecure())
	}
	return opts
}

func local(res *resource.Resource, level string) *Provider {
	p := &Provider{
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithResource(res)),
		MeterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)),
		LoggerProvider: sdklog.NewLoggerProvider(sdklog.WithResource(res)),
		Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: ParseLevel(level),
		})),
	}
	p.install()
	return p
}

func (p *Provider) install() {
	otel.SetTracerProvider(p.TracerProvider)
	otel.SetMeterProvider(p.MeterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// ParseLevel maps a config log level to slog; unknown values yield info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Shutdown flushes and stops every provider, joining their errors.
func (p *Provider) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error
	if err := p.TracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
	}
	if err := p.MeterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("meter shutdown: %w", err))
	}
	if err := p.LoggerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("logger shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// NewNopProvider returns a no-op provider for testing.
func NewNopProvider() *Provider {
	return &Provider{
		TracerProvider: sdktrace.NewTracerProvider(),
		MeterProvider:  sdkmetric.NewMeterProvider(),
		LoggerProvider: sdklog.NewLoggerProvider(),
		Logger:         slog.Default(),
	}
}
