// Package telemetry wires OpenTelemetry tracing and metrics. Until
// SetupInstrumentation installs exporters, spans and counters go to the
// global no-op providers.
package telemetry

import (
	"context"
	"errors"
	"log"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "polyfield-edm"

// GetTracer returns the tracer used for station operations.
func GetTracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// GetMeter returns the meter used for device counters.
func GetMeter() metric.Meter {
	return otel.Meter(instrumentationName)
}

// Counters are created on first use against the global meter, so they
// follow a provider installed later.
type Counters struct {
	RawReads            metric.Int64Counter
	ReadFailures        metric.Int64Counter
	ToleranceRejections metric.Int64Counter
	EdgeVerifications   metric.Int64Counter
	Throws              metric.Int64Counter
	WindReadings        metric.Int64Counter
}

var (
	countersOnce sync.Once
	counters     Counters
)

func counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		log.Printf("telemetry: counter %s: %v", name, err)
	}
	return c
}

// Metrics returns the process-wide counters.
func Metrics() *Counters {
	countersOnce.Do(func() {
		m := GetMeter()
		counters = Counters{
			RawReads:            counter(m, "edm_raw_reads_total", "Raw instrument readings decoded"),
			ReadFailures:        counter(m, "edm_read_failures_total", "Instrument reads that failed"),
			ToleranceRejections: counter(m, "edm_tolerance_rejections_total", "Double reads rejected for disagreeing distances"),
			EdgeVerifications:   counter(m, "calibration_edge_verifications_total", "Circle edge verifications by outcome"),
			Throws:              counter(m, "throws_measured_total", "Throw measurements produced"),
			WindReadings:        counter(m, "wind_readings_total", "Wind values read"),
		}
	})
	return &counters
}

// Add increments c when it exists.
func Add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SetupInstrumentation installs OTLP/HTTP trace and metric exporters
// pointed at endpoint (e.g. "http://localhost:4318"). An empty endpoint
// leaves the no-op providers in place. The returned function flushes and
// shuts the providers down.
func SetupInstrumentation(ctx context.Context, serviceName, endpoint string) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if endpoint == "" {
		return noop, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return noop, errors.New("telemetry: invalid OTLP endpoint " + endpoint)
	}

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(u.Host)}
	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(u.Host)}
	if u.Scheme != "https" {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}

	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return noop, err
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return noop, errors.Join(err, traceExp.Shutdown(ctx))
	}

	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	log.Printf("telemetry: exporting to %s as %s", endpoint, serviceName)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
