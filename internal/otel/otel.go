// Package otel provides OpenTelemetry setup for a single provider
// invocation.
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"github.com/terrpan/garm-provider-pm2/internal/buildinfo"
)

// Config holds OpenTelemetry configuration.
type Config struct {
	// Enabled controls whether OTLP push (traces + metrics) is active.
	Enabled bool

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool

	// StdOut also prints traces and metrics for debugging.  They go to
	// DebugWriter, never to standard output.
	StdOut      bool
	DebugWriter io.Writer

	// MetricsTextfile, when set, enables a Prometheus reader whose
	// registry is written to this path in text format on shutdown.
	MetricsTextfile string
}

// SetupOTelSDK configures the OpenTelemetry SDK with the given service
// name and returns a shutdown function.  The process is short-lived, so
// shutdown flushes every exporter and writes the metrics textfile; it
// must run before exit.
func SetupOTelSDK(
	ctx context.Context,
	serviceName string,
	cfg Config,
) (shutdown func(context.Context) error, err error) {
	var shutdownFuncs []func(context.Context) error

	// Composite shutdown function that calls all registered cleanup functions.
	shutdown = func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	handleErr := func(inErr error) {
		err = errors.Join(inErr, shutdown(ctx))
	}

	if !cfg.Enabled && !cfg.StdOut && cfg.MetricsTextfile == "" {
		return shutdown, nil
	}

	if cfg.DebugWriter == nil {
		cfg.DebugWriter = os.Stderr
	}

	// Schemaless: resource.Default carries the SDK's own schema URL.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(buildinfo.Version),
		),
	)
	if err != nil {
		handleErr(err)
		return
	}

	if cfg.Enabled || cfg.StdOut {
		tracerProvider, tErr := newTraceProvider(ctx, res, cfg)
		if tErr != nil {
			handleErr(tErr)
			return
		}
		shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
		otel.SetTracerProvider(tracerProvider)
	}

	if cfg.Enabled || cfg.StdOut || cfg.MetricsTextfile != "" {
		meterProvider, registry, mErr := newMeterProvider(ctx, res, cfg)
		if mErr != nil {
			handleErr(mErr)
			return
		}
		// Flush the provider before the registry is written.
		shutdownFuncs = append(shutdownFuncs, meterProvider.ForceFlush)
		if registry != nil {
			path := cfg.MetricsTextfile
			shutdownFuncs = append(shutdownFuncs, func(context.Context) error {
				if err := prometheus.WriteToTextfile(path, registry); err != nil {
					return fmt.Errorf("writing metrics textfile %s: %w", path, err)
				}
				return nil
			})
		}
		shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
		otel.SetMeterProvider(meterProvider)
	}

	return
}

// newTraceProvider creates a TracerProvider with the OTLP HTTP exporter
// and/or the debug exporter.  Spans are exported synchronously: a
// batcher would lose them when the process exits.
func newTraceProvider(ctx context.Context, res *resource.Resource, cfg Config) (*trace.TracerProvider, error) {
	var exporters []trace.SpanExporter

	if cfg.Enabled {
		opts := []otlptracehttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}

		traceExporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, traceExporter)
	}

	if cfg.StdOut {
		stdoutExporter, err := stdouttrace.New(
			stdouttrace.WithWriter(cfg.DebugWriter),
			stdouttrace.WithPrettyPrint(),
		)
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, stdoutExporter)
	}

	providerOpts := []trace.TracerProviderOption{
		trace.WithResource(res),
	}
	for _, exp := range exporters {
		providerOpts = append(providerOpts, trace.WithSyncer(exp))
	}

	return trace.NewTracerProvider(providerOpts...), nil
}

// newMeterProvider creates a MeterProvider with the configured readers.
// The returned registry is non-nil when the Prometheus reader is
// active.
//
// Readers are added based on configuration:
//   - OTLP metric reader: when cfg.Enabled is true
//   - Debug metric reader: when cfg.StdOut is true
//   - Prometheus reader: when cfg.MetricsTextfile is set
func newMeterProvider(ctx context.Context, res *resource.Resource, cfg Config) (*metric.MeterProvider, *prometheus.Registry, error) {
	var readers []metric.Reader

	if cfg.Enabled {
		opts := []otlpmetrichttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}

		metricExporter, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		readers = append(readers, metric.NewPeriodicReader(metricExporter,
			metric.WithInterval(10*time.Second)))
	}

	if cfg.StdOut {
		stdoutExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.DebugWriter))
		if err != nil {
			return nil, nil, err
		}
		readers = append(readers, metric.NewPeriodicReader(stdoutExporter,
			metric.WithInterval(10*time.Second)))
	}

	var registry *prometheus.Registry
	if cfg.MetricsTextfile != "" {
		registry = prometheus.NewRegistry()
		promExp, err := promexporter.New(promexporter.WithRegisterer(registry))
		if err != nil {
			return nil, nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		readers = append(readers, promExp)
	}

	providerOpts := []metric.Option{
		metric.WithResource(res),
	}
	for _, reader := range readers {
		providerOpts = append(providerOpts, metric.WithReader(reader))
	}

	return metric.NewMeterProvider(providerOpts...), registry, nil
}
