// Package observability wires the ambient stack this repository shares
// with the teacher it is adapted from: structured logging (logrus),
// distributed tracing (OpenTelemetry), Prometheus metrics, and a
// websocket push channel for live Snapshot state.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TracingConfig configures the OpenTelemetry exporter the scheduler's
// task.execute spans (spec §4.F [DOMAIN-STACK]) and the control
// plane's HTTP spans are sent to.
type TracingConfig struct {
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	ExporterType   string  `yaml:"exporter_type"` // "jaeger", "otlp", "stdout", "none"
	JaegerEndpoint string  `yaml:"jaeger_endpoint"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SampleRate     float64 `yaml:"sample_rate"`
	Environment    string  `yaml:"environment"`
}

// DefaultTracingConfig returns a stdout-exporting, fully-sampled
// configuration suitable for local development.
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		ServiceName:    "gpusched",
		ServiceVersion: "0.1.0",
		ExporterType:   "stdout",
		JaegerEndpoint: "http://localhost:14268/api/traces",
		OTLPEndpoint:   "http://localhost:4318/v1/traces",
		SampleRate:     1.0,
		Environment:    "development",
	}
}

// TracingService owns the OpenTelemetry tracer the scheduler and
// control plane share.
type TracingService struct {
	config   *TracingConfig
	provider *trace.TracerProvider
	tracer   oteltrace.Tracer
	enabled  bool
	logger   *logrus.Entry
}

// NewTracingService builds the exporter named by config.ExporterType
// and returns a TracingService wrapping it. A nil config defaults to
// DefaultTracingConfig.
func NewTracingService(config *TracingConfig, logger *logrus.Entry) (*TracingService, error) {
	if config == nil {
		config = DefaultTracingConfig()
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	ts := &TracingService{config: config, enabled: config.ExporterType != "none", logger: logger}
	if !ts.enabled {
		ts.logger.Info("tracing disabled (exporter_type: none)")
		return ts, nil
	}

	if err := ts.initialize(); err != nil {
		return nil, fmt.Errorf("observability: initialize tracing: %w", err)
	}
	ts.logger.WithField("exporter", config.ExporterType).Info("tracing initialized")
	return ts, nil
}

func (ts *TracingService) initialize() error {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(ts.config.ServiceName),
			semconv.ServiceVersionKey.String(ts.config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(ts.config.Environment),
		),
		resource.WithFromEnv(),
	)
	if err != nil {
		return fmt.Errorf("create resource: %w", err)
	}

	var exporter trace.SpanExporter
	switch ts.config.ExporterType {
	case "jaeger":
		exporter, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(ts.config.JaegerEndpoint)))
	case "otlp":
		exporter, err = otlptrace.New(context.Background(), otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(ts.config.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		))
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return fmt.Errorf("unsupported exporter type: %s", ts.config.ExporterType)
	}
	if err != nil {
		return fmt.Errorf("create exporter: %w", err)
	}

	ts.provider = trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(ts.config.SampleRate)),
	)
	otel.SetTracerProvider(ts.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	ts.tracer = otel.Tracer(ts.config.ServiceName)
	return nil
}

// Tracer returns the underlying OpenTelemetry tracer, or a no-op
// tracer if tracing is disabled.
func (ts *TracingService) Tracer() oteltrace.Tracer {
	if !ts.enabled {
		return oteltrace.NewNoopTracerProvider().Tracer(ts.config.ServiceName)
	}
	return ts.tracer
}

// Shutdown flushes and stops the tracer provider.
func (ts *TracingService) Shutdown(ctx context.Context) error {
	if !ts.enabled || ts.provider == nil {
		return nil
	}
	return ts.provider.Shutdown(ctx)
}

// HTTPMiddleware wraps an http.Handler with a span per request,
// grounded on the teacher's TraceMiddleware (pkg/observability's
// original tracing.go); used by pkg/control's route handlers.
func (ts *TracingService) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ts.enabled {
				next.ServeHTTP(w, r)
				return
			}

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			spanName := fmt.Sprintf("http.%s %s", r.Method, r.URL.Path)
			ctx, span := ts.tracer.Start(ctx, spanName,
				oteltrace.WithSpanKind(oteltrace.SpanKindServer),
				oteltrace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.route", r.URL.Path),
				),
			)
			defer span.End()

			rw := &statusRecordingWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(
				attribute.Int("http.status_code", rw.statusCode),
				attribute.Int64("http.duration_ms", time.Since(start).Milliseconds()),
			)
			if rw.statusCode >= 400 {
				span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", rw.statusCode))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

type statusRecordingWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecordingWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
