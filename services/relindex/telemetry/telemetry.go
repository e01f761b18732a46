// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry traces and metrics for relindex.
//
// The index, codec and persist packages call otel.Tracer and otel.Meter
// directly. Until Init installs providers those are no-ops, so library
// users pay nothing unless they opt in.
//
// Exporters are picked by configuration, not code:
//
//	traces:  otlp | stdout | none
//	metrics: prometheus | stdout | none
//
// With the prometheus exporter, MetricsHandler serves /metrics from a
// registry private to the Provider.
package telemetry

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	// ErrNilContext is returned when Init receives a nil context.
	ErrNilContext = errors.New("context must not be nil")

	// ErrUnknownExporter is returned for an exporter name Init does not know.
	ErrUnknownExporter = errors.New("unknown exporter")
)

// Config controls telemetry.
type Config struct {
	// ServiceName identifies this process in traces and metrics.
	ServiceName string `yaml:"service_name" toml:"service_name" validate:"required"`

	// ServiceVersion is reported as service.version.
	ServiceVersion string `yaml:"service_version" toml:"service_version"`

	// TraceExporter is "otlp", "stdout" or "none".
	TraceExporter string `yaml:"trace_exporter" toml:"trace_exporter" validate:"oneof=otlp stdout none"`

	// MetricExporter is "prometheus", "stdout" or "none".
	MetricExporter string `yaml:"metric_exporter" toml:"metric_exporter" validate:"oneof=prometheus stdout none"`

	// OTLPEndpoint is the OTLP gRPC receiver for traces.
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`

	// OTLPInsecure disables TLS to the OTLP receiver.
	OTLPInsecure bool `yaml:"otlp_insecure" toml:"otlp_insecure"`

	// MetricsAddr is where `relindex watch` serves /metrics.
	MetricsAddr string `yaml:"metrics_addr" toml:"metrics_addr" validate:"omitempty,hostname_port"`

	// Output receives stdout exporter output. Nil means os.Stderr.
	Output io.Writer `yaml:"-" toml:"-"`
}

// DefaultConfig returns telemetry off, with the endpoints it would use.
//
// Environment variables override defaults:
//   - OTEL_TRACES_EXPORTER
//   - OTEL_METRICS_EXPORTER
//   - OTEL_EXPORTER_OTLP_ENDPOINT
func DefaultConfig() Config {
	return Config{
		ServiceName:    "relindex",
		ServiceVersion: "1.0.0",
		TraceExporter:  getEnvOr("OTEL_TRACES_EXPORTER", "none"),
		MetricExporter: getEnvOr("OTEL_METRICS_EXPORTER", "none"),
		OTLPEndpoint:   getEnvOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   true,
		MetricsAddr:    "127.0.0.1:9464",
	}
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Provider owns the installed trace and meter providers.
type Provider struct {
	shutdownFuncs  []func(context.Context) error
	metricsHandler http.Handler
}

// Init installs global trace and meter providers per cfg.
//
// Description:
//
//	After Init returns, otel.Tracer and otel.Meter calls anywhere in the
//	process export through the configured exporters. Exporters set to
//	"none" leave the corresponding global untouched.
//
// Outputs:
//
//	*Provider - Call Shutdown on exit to flush exporters.
//	error - ErrNilContext, ErrUnknownExporter, or an exporter failure.
//
// Thread Safety: Call once at startup.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	p := &Provider{}
	if cfg.TraceExporter != "none" && cfg.TraceExporter != "" {
		tp, conn, err := initTracer(ctx, cfg, res, out)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		otel.SetTracerProvider(tp)
		p.shutdownFuncs = append(p.shutdownFuncs, tp.Shutdown)
		if conn != nil {
			p.shutdownFuncs = append(p.shutdownFuncs, func(context.Context) error {
				return conn.Close()
			})
		}
	}

	if cfg.MetricExporter != "none" && cfg.MetricExporter != "" {
		mp, handler, err := initMeter(cfg, res, out)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("init meter: %w", err)
		}
		otel.SetMeterProvider(mp)
		p.metricsHandler = handler
		p.shutdownFuncs = append(p.shutdownFuncs, mp.Shutdown)
	}
	return p, nil
}

// Shutdown flushes and stops every installed provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdownFuncs {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdownFuncs = nil
	return errors.Join(errs...)
}

// MetricsHandler returns the /metrics handler, or nil unless the
// prometheus exporter is active.
func (p *Provider) MetricsHandler() http.Handler {
	return p.metricsHandler
}

// initTracer builds the tracer provider. For otlp it also returns the gRPC
// connection the exporter owns; close it after the provider shuts down.
func initTracer(ctx context.Context, cfg Config, res *resource.Resource, out io.Writer) (*sdktrace.TracerProvider, *grpc.ClientConn, error) {
	var exporter sdktrace.SpanExporter
	var conn *grpc.ClientConn
	var err error

	switch cfg.TraceExporter {
	case "otlp":
		conn, err = newOTLPConn(cfg)
		if err != nil {
			return nil, nil, err
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			_ = conn.Close()
		}
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(out))
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("create exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), conn, nil
}

// newOTLPConn creates the collector client. It does not dial; the exporter
// connects on first export.
func newOTLPConn(cfg Config) (*grpc.ClientConn, error) {
	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if cfg.OTLPInsecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("create otlp client %s: %w", cfg.OTLPEndpoint, err)
	}
	return conn, nil
}

func initMeter(cfg Config, res *resource.Resource, out io.Writer) (*sdkmetric.MeterProvider, http.Handler, error) {
	switch cfg.MetricExporter {
	case "prometheus":
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		exporter, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		), handler, nil

	case "stdout":
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(out))
		if err != nil {
			return nil, nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		), nil, nil

	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.MetricExporter)
	}
}
