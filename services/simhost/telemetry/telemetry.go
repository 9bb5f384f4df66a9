// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
)

var (
	// ErrNilContext is returned by Init when ctx is nil.
	ErrNilContext = errors.New("telemetry: nil context")

	// ErrUnknownExporter is returned for an unsupported exporter name.
	ErrUnknownExporter = errors.New("telemetry: unknown exporter")
)

// ExporterNone disables a signal.
const ExporterNone = "none"

// Config is the telemetry section of the host configuration.
type Config struct {
	ServiceName    string `json:"service_name" yaml:"service_name"`
	ServiceVersion string `json:"service_version" yaml:"service_version"`

	// Environment "development" samples every trace; anything else samples 1%.
	Environment string `json:"environment" yaml:"environment"`

	TraceExporter  string `json:"trace_exporter" yaml:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string `json:"metric_exporter" yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`

	// OTLPEndpoint is host:port of the OTLP gRPC receiver.
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPInsecure bool   `json:"otlp_insecure" yaml:"otlp_insecure"`
}

// DefaultConfig returns the telemetry defaults of a local host: Prometheus
// metrics, no tracing. SIMHOST_ENV, OTEL_TRACES_EXPORTER,
// OTEL_METRICS_EXPORTER and OTEL_EXPORTER_OTLP_ENDPOINT override them.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "simhost",
		ServiceVersion: "1.0.0",
		Environment:    getEnvOr("SIMHOST_ENV", "development"),
		TraceExporter:  getEnvOr("OTEL_TRACES_EXPORTER", ExporterNone),
		MetricExporter: getEnvOr("OTEL_METRICS_EXPORTER", "prometheus"),
		OTLPEndpoint:   getEnvOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   true,
	}
}

// spanExporters builds the span exporter for each TraceExporter name.
var spanExporters = map[string]func(context.Context, Config) (trace.SpanExporter, error){
	"otlp": func(ctx context.Context, cfg Config) (trace.SpanExporter, error) {
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent(cfg.ServiceName + "/" + cfg.ServiceVersion)),
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	},
	"stdout": func(context.Context, Config) (trace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	},
}

// metricReaders builds the reader for each MetricExporter name. The second
// result is the scrape handler, if the reader has one.
var metricReaders = map[string]func() (metric.Reader, http.Handler, error){
	"prometheus": func() (metric.Reader, http.Handler, error) {
		reg := prometheus.NewRegistry()
		exporter, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, nil, err
		}
		return exporter, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
	},
	"stdout": func() (metric.Reader, http.Handler, error) {
		exporter, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, nil, err
		}
		return metric.NewPeriodicReader(exporter), nil, nil
	},
}

var (
	scrapeMu      sync.RWMutex
	scrapeHandler http.Handler
)

// MetricsHandler returns the scrape handler installed by the last Init, or
// nil unless that Init selected the prometheus exporter.
func MetricsHandler() http.Handler {
	scrapeMu.RLock()
	defer scrapeMu.RUnlock()
	return scrapeHandler
}

// Init installs the global tracer and meter providers for cfg.
//
// Description:
//
//	An empty or "none" exporter leaves the corresponding global no-op
//	provider in place. If the second provider fails, the first is shut down
//	before returning. Prometheus metrics use a registry owned by this Init,
//	so Init may be called again (tests, config reload).
//
// Outputs:
//
//	shutdown - Flushes and stops the installed providers.
//	error - ErrNilContext, ErrUnknownExporter or an exporter error.
//
// Thread Safety:
//
//	Call from one goroutine at startup.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	var stops []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var errs []error
		for _, stop := range stops {
			errs = append(errs, stop(ctx))
		}
		return errors.Join(errs...)
	}

	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	if enabled(cfg.TraceExporter) {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		otel.SetTracerProvider(tp)
		stops = append(stops, tp.Shutdown)
	}

	var handler http.Handler
	if enabled(cfg.MetricExporter) {
		build, ok := metricReaders[cfg.MetricExporter]
		if !ok {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("init meter: %w: %s", ErrUnknownExporter, cfg.MetricExporter)
		}
		reader, h, err := build()
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("init meter: %s exporter: %w", cfg.MetricExporter, err)
		}
		mp := metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(reader))
		otel.SetMeterProvider(mp)
		stops = append(stops, mp.Shutdown)
		handler = h
	}

	scrapeMu.Lock()
	scrapeHandler = handler
	scrapeMu.Unlock()

	return shutdown, nil
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*trace.TracerProvider, error) {
	build, ok := spanExporters[cfg.TraceExporter]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}
	exporter, err := build(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s exporter: %w", cfg.TraceExporter, err)
	}

	// Every pipeline frame is a span.
	sampler := trace.ParentBased(trace.TraceIDRatioBased(0.01))
	if cfg.Environment == "development" {
		sampler = trace.AlwaysSample()
	}

	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(sampler),
	), nil
}

func enabled(exporter string) bool {
	return exporter != "" && exporter != ExporterNone
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
