package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"erpexport/lib/configutil"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const report_otel_setup = "otel.setup"

const (
	ProtocolHttp = "http"
	ProtocolGrpc = "grpc"
)

// OtlpConfig is the `otlp` section of telemetry.json5. Traces and metrics
// go to the same collector.
type OtlpConfig struct {
	// Protocol is "http" (the default) or "grpc".
	Protocol string `json:"protocol"`
	// Endpoint is a url, ex. http://127.0.0.1:4318.
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"headers"`
	// MetricIntervalSeconds of 0 means 5.
	MetricIntervalSeconds int `json:"metric_interval_seconds"`
}

type Config struct {
	Otlp OtlpConfig `json:"otlp"`
}

func (c OtlpConfig) protocol() (string, error) {
	switch c.Protocol {
	case "", ProtocolHttp:
		return ProtocolHttp, nil
	case ProtocolGrpc:
		return ProtocolGrpc, nil
	}
	return "", fmt.Errorf("unknown otlp protocol %q", c.Protocol)
}

func (c OtlpConfig) metricInterval() time.Duration {
	if c.MetricIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.MetricIntervalSeconds) * time.Second
}

// Otel holds the installed global providers of one process run.
type Otel struct {
	TracerProvider *trace.TracerProvider
	MeterProvider  *metric.MeterProvider
}

// Shutdown flushes pending spans and metrics.
func (o Otel) Shutdown(ctx context.Context) error {
	var errs []error
	if o.TracerProvider != nil {
		errs = append(errs, o.TracerProvider.Shutdown(ctx))
	}
	if o.MeterProvider != nil {
		errs = append(errs, o.MeterProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// SetupFromEnv looks for telemetry.json5 in the working directory and its
// parents. os.ErrNotExist means there is none and otel stays a no-op.
func SetupFromEnv(ctx context.Context, serviceName string, tel API) (Otel, error) {
	config, err := configutil.ReadRecursively[Config]("telemetry.json5")
	if err != nil {
		return Otel{}, err
	}
	return Setup(ctx, serviceName, config, tel)
}

// Setup installs global trace and meter providers exporting over OTLP.
func Setup(ctx context.Context, serviceName string, config Config, tel API) (Otel, error) {
	protocol, err := config.Otlp.protocol()
	if err != nil {
		return Otel{}, err
	}
	if config.Otlp.Endpoint == "" {
		return Otel{}, fmt.Errorf("otlp endpoint is not set")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return Otel{}, err
	}

	spans, err := newSpanExporter(ctx, protocol, config.Otlp)
	if err != nil {
		tel.ReportBroken(report_otel_setup, "traces", err)
		return Otel{}, err
	}
	metrics, err := newMetricExporter(ctx, protocol, config.Otlp)
	if err != nil {
		tel.ReportBroken(report_otel_setup, "metrics", err)
		spans.Shutdown(ctx)
		return Otel{}, err
	}

	o := Otel{
		TracerProvider: trace.NewTracerProvider(
			trace.WithBatcher(spans),
			trace.WithResource(r),
		),
		MeterProvider: metric.NewMeterProvider(
			metric.WithReader(metric.NewPeriodicReader(metrics, metric.WithInterval(config.Otlp.metricInterval()))),
			metric.WithResource(r),
		),
	}
	otel.SetTracerProvider(o.TracerProvider)
	otel.SetMeterProvider(o.MeterProvider)
	tel.ReportDebug("otel exporting", protocol, config.Otlp.Endpoint)
	return o, nil
}

func newSpanExporter(ctx context.Context, protocol string, c OtlpConfig) (trace.SpanExporter, error) {
	if protocol == ProtocolGrpc {
		return otlptracegrpc.New(ctx, otlptracegrpc.WithEndpointURL(c.Endpoint), otlptracegrpc.WithHeaders(c.Headers))
	}
	return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(c.Endpoint), otlptracehttp.WithHeaders(c.Headers))
}

func newMetricExporter(ctx context.Context, protocol string, c OtlpConfig) (metric.Exporter, error) {
	if protocol == ProtocolGrpc {
		return otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpointURL(c.Endpoint), otlpmetricgrpc.WithHeaders(c.Headers))
	}
	return otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(c.Endpoint), otlpmetrichttp.WithHeaders(c.Headers))
}
