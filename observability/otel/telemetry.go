package otel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"blockbatch/config"
	"blockbatch/core/events"
)

const (
	defaultEndpoint = "localhost:4318"
	meterName       = "blockbatch/escrow"
	exportInterval  = 15 * time.Second
)

// Config selects the OTLP exporters for the escrow daemon.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Telemetry      config.TelemetryConfig
	// MetricReader replaces the OTLP metric exporter when set.
	MetricReader sdkmetric.Reader
}

// Telemetry owns the daemon's trace and meter providers. It doubles as an
// event emitter that counts escrow and milestone lifecycle events.
type Telemetry struct {
	tracer *sdktrace.TracerProvider
	meter  *sdkmetric.MeterProvider
	events metric.Int64Counter
	legs   metric.Int64Counter
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func serviceResource(cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(host))
	}
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

// Start installs the global providers selected by cfg. The propagator is
// always installed so inbound trace context flows into request spans even
// when nothing is exported.
func Start(ctx context.Context, cfg Config) (*Telemetry, error) {
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return nil, fmt.Errorf("service name required for telemetry")
	}
	endpoint := cfg.Telemetry.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	res, err := serviceResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	t := &Telemetry{}
	if cfg.Telemetry.Traces {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if cfg.Telemetry.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if headers := ParseHeaders(cfg.Telemetry.Headers); len(headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(headers))
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		t.tracer = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler(cfg.Telemetry.SampleRatio)),
			sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(2*time.Second)),
		)
		otel.SetTracerProvider(t.tracer)
	}

	reader := cfg.MetricReader
	if reader == nil && cfg.Telemetry.Metrics {
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
		if cfg.Telemetry.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		if headers := ParseHeaders(cfg.Telemetry.Headers); len(headers) > 0 {
			opts = append(opts, otlpmetrichttp.WithHeaders(headers))
		}
		exporter, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			_ = t.Shutdown(ctx)
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))
	}
	if reader != nil {
		t.meter = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
		otel.SetMeterProvider(t.meter)
	}

	meter := otel.GetMeterProvider().Meter(meterName)
	if t.meter != nil {
		meter = t.meter.Meter(meterName)
	}
	if t.events, err = meter.Int64Counter("escrow.lifecycle.events",
		metric.WithDescription("Escrow and milestone lifecycle events by type.")); err != nil {
		return nil, fmt.Errorf("create event counter: %w", err)
	}
	if t.legs, err = meter.Int64Counter("escrow.bank.transfers",
		metric.WithDescription("Committed ledger transfer legs by token.")); err != nil {
		return nil, fmt.Errorf("create transfer counter: %w", err)
	}
	return t, nil
}

// Emit counts an event. Ledger transfers are counted per token.
func (t *Telemetry) Emit(evt events.Event) {
	if t == nil || t.events == nil || evt == nil {
		return
	}
	ctx := context.Background()
	t.events.Add(ctx, 1, metric.WithAttributes(attribute.String("type", evt.EventType())))
	if transfer, ok := evt.(events.Transfer); ok && t.legs != nil {
		token := strings.ToUpper(strings.TrimSpace(transfer.Token))
		t.legs.Add(ctx, 1, metric.WithAttributes(attribute.String("token", token)))
	}
}

// Shutdown flushes and stops the providers in reverse start order.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.meter != nil {
		errs = append(errs, t.meter.Shutdown(ctx))
	}
	if t.tracer != nil {
		errs = append(errs, t.tracer.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// ParseHeaders converts an OTLP header list (key=value,foo=bar) into a map.
// Entries without a key are ignored.
func ParseHeaders(raw string) map[string]string {
	headers := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}
