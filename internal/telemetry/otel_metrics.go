package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
)

const meterName = "github.com/yuuki/rdmadriver/poller"

// Metrics holds the completion path instruments.
type Metrics struct {
	shutdown func(context.Context) error

	descriptorCounter  metric.Int64Counter
	droppedCounter     metric.Int64Counter
	trackerDoneCounter metric.Int64Counter
	resolvedCounter    metric.Int64Counter
	retryCounter       metric.Int64Counter
	retryDelay         metric.Float64Histogram
}

// NewMetrics exports to the OTLP collector at collectorAddr. The scheme picks
// the exporter: grpc (default), grpcs, http or https.
func NewMetrics(ctx context.Context, instanceID, collectorAddr string) (*Metrics, error) {
	scheme, endpoint := "grpc", collectorAddr
	if strings.Contains(collectorAddr, "://") {
		parsedURL, err := url.Parse(collectorAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse otel-collector-addr '%s': %w", collectorAddr, err)
		}
		scheme, endpoint = strings.ToLower(parsedURL.Scheme), parsedURL.Host
	}
	if endpoint == "" {
		return nil, fmt.Errorf("otel-collector-addr '%s' is missing a host", collectorAddr)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("rdma-driver"),
			semconv.ServiceVersion("0.1.0"),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch scheme {
	case "grpc", "grpcs":
		opts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithDialOption(grpc.WithUserAgent("rdma-driver/0.1.0")),
		}
		if scheme == "grpc" {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err = otlpmetricgrpc.New(ctx, opts...)
	case "http", "https":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
		if scheme == "http" {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exporter, err = otlpmetrichttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP exporter protocol scheme: '%s' in %s", scheme, collectorAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", scheme, endpoint, err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))),
	)
	otel.SetMeterProvider(provider)
	return newMetrics(provider, provider.Shutdown)
}

// NewMetricsWithReader builds metrics on a local reader. Tests use it with a
// ManualReader.
func NewMetricsWithReader(reader sdkmetric.Reader) (*Metrics, error) {
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return newMetrics(provider, provider.Shutdown)
}

// NewNoopMetrics records nothing.
func NewNoopMetrics() *Metrics {
	m, err := newMetrics(noop.NewMeterProvider(), func(context.Context) error { return nil })
	if err != nil {
		// noop instruments never fail to build
		panic(err)
	}
	return m
}

func newMetrics(provider metric.MeterProvider, shutdown func(context.Context) error) (*Metrics, error) {
	meter := provider.Meter(meterName)
	m := &Metrics{shutdown: shutdown}

	var err error
	if m.descriptorCounter, err = meter.Int64Counter(
		"rdmadriver.descriptors",
		metric.WithDescription("To-host work descriptors consumed by the poller"),
		metric.WithUnit("{descriptor}"),
	); err != nil {
		return nil, err
	}
	if m.droppedCounter, err = meter.Int64Counter(
		"rdmadriver.descriptors.dropped",
		metric.WithDescription("Descriptors dropped without effect"),
		metric.WithUnit("{descriptor}"),
	); err != nil {
		return nil, err
	}
	if m.trackerDoneCounter, err = meter.Int64Counter(
		"rdmadriver.receives.completed",
		metric.WithDescription("Multi-packet receives whose packets all arrived"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, err
	}
	if m.resolvedCounter, err = meter.Int64Counter(
		"rdmadriver.operations.resolved",
		metric.WithDescription("Operation contexts completed"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}
	if m.retryCounter, err = meter.Int64Counter(
		"rdmadriver.retries",
		metric.WithDescription("Retransmissions scheduled after a negative acknowledgement"),
		metric.WithUnit("{retry}"),
	); err != nil {
		return nil, err
	}
	if m.retryDelay, err = meter.Float64Histogram(
		"rdmadriver.retry.delay",
		metric.WithDescription("Backoff delay before a retransmission"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordDescriptor counts a consumed descriptor by kind.
func (m *Metrics) RecordDescriptor(ctx context.Context, kind string) {
	m.descriptorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDropped counts a descriptor that had no effect.
func (m *Metrics) RecordDropped(ctx context.Context, reason string) {
	m.droppedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTrackerComplete counts a fully received message.
func (m *Metrics) RecordTrackerComplete(ctx context.Context, isReadResp bool) {
	m.trackerDoneCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("read_response", isReadResp)))
}

// RecordResolved counts a completed operation context by outcome.
func (m *Metrics) RecordResolved(ctx context.Context, outcome string) {
	m.resolvedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRetry counts a scheduled retransmission and its backoff delay.
func (m *Metrics) RecordRetry(ctx context.Context, delay time.Duration) {
	m.retryCounter.Add(ctx, 1)
	m.retryDelay.Record(ctx, float64(delay.Microseconds())/1000.0)
}

// Shutdown flushes and stops the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.shutdown(ctx)
}
