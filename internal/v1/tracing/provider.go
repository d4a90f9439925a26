// Package tracing wires the optional OTLP trace exporter. When no collector
// is configured the process never calls InitTracer and the global otel API
// stays a no-op.
package tracing

import (
	"context"
	"crypto/tls"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/concord-im/concord/internal/v1/errs"
)

// InitTracer dials the collector over TLS and installs the batching trace
// provider and W3C trace-context propagation as process globals. The caller
// owns Shutdown. insecureSkipVerify accepts self-signed collector
// certificates; local deployments only.
func InitTracer(ctx context.Context, serviceName, collectorAddr string, insecureSkipVerify bool) (*sdktrace.TracerProvider, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if insecureSkipVerify {
		tlsCfg.InsecureSkipVerify = true
	}

	conn, err := grpc.NewClient(collectorAddr, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstream, "otlp_dial_failed", "cannot reach the trace collector", err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstream, "otlp_exporter_failed", "trace exporter setup failed", err)
	}

	// Empty schema URL: resource.Default carries its own and Merge rejects
	// two that differ.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("",
			semconv.ServiceName(serviceName),
			semconv.ServiceNamespace("concord"),
		),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "otlp_resource_failed", "trace resource assembly failed", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}
