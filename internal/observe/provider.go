package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "voxrelay".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// OTLPEndpoint, when set, adds OTLP/gRPC exporters for spans and
	// metrics pointed at this host:port.
	OTLPEndpoint string

	// OTLPInsecure dials the collector without TLS.
	OTLPInsecure bool

	// TraceExporter overrides the span exporter. Without it and without an
	// OTLP endpoint, spans are recorded but never exported.
	TraceExporter sdktrace.SpanExporter
}

// Providers is the result of [InitProvider].
type Providers struct {
	// MeterProvider is the SDK meter provider backing [DefaultMetrics].
	MeterProvider *sdkmetric.MeterProvider

	// Registry is the Prometheus registry the exporter bridge writes to.
	Registry *prometheus.Registry

	shutdown []func(context.Context) error
}

// MetricsHandler returns an [http.Handler] serving the registry in the
// Prometheus text format.
func (p *Providers) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and closes all exporters. Call it in a defer from main().
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if e := fn(ctx); e != nil {
			errs = append(errs, e)
		}
	}
	return errors.Join(errs...)
}

// InitProvider initialises the OTel SDK with the given config. It sets up:
//
//   - A [sdkmetric.MeterProvider] with a Prometheus exporter writing to a
//     dedicated registry, scraped via [Providers.MetricsHandler].
//   - With an OTLP endpoint, a periodic OTLP/gRPC metric reader next to it.
//   - A [sdktrace.TracerProvider] exporting through TraceExporter or, failing
//     that, OTLP/gRPC. With neither, spans stay in process.
//
// Both providers are registered as the global OTel providers.
//
// The global [DefaultMetrics] instance is bound to whichever meter provider is
// global on its first use, so call InitProvider before anything records.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Providers, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voxrelay"
	}

	// Build the resource describing this service.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	p := &Providers{Registry: prometheus.NewRegistry()}

	// --- Metrics: Prometheus exporter bridge, plus OTLP push ---
	promExp, err := promexporter.New(promexporter.WithRegisterer(p.Registry))
	if err != nil {
		return nil, err
	}
	mpOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	}
	traceExp := cfg.TraceExporter
	if cfg.OTLPEndpoint != "" {
		metricExp, err := otlpmetricgrpc.New(ctx, otlpMetricOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("observe: otlp metric exporter: %w", err)
		}
		mpOpts = append(mpOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
		if traceExp == nil {
			if traceExp, err = otlptracegrpc.New(ctx, otlpTraceOptions(cfg)...); err != nil {
				_ = metricExp.Shutdown(ctx)
				return nil, fmt.Errorf("observe: otlp trace exporter: %w", err)
			}
		}
	}

	mp := sdkmetric.NewMeterProvider(mpOpts...)
	otel.SetMeterProvider(mp)
	p.MeterProvider = mp
	p.shutdown = append(p.shutdown, mp.Shutdown)

	// --- Traces ---
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if traceExp != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(traceExp))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	p.shutdown = append(p.shutdown, tp.Shutdown)

	return p, nil
}

func otlpTraceOptions(cfg ProviderConfig) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return opts
}

func otlpMetricOptions(cfg ProviderConfig) []otlpmetricgrpc.Option {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return opts
}
