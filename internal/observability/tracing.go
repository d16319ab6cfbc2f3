package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // otlp, zipkin, jaeger
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	ZipkinEndpoint string  `yaml:"zipkin_endpoint"`
	JaegerEndpoint string  `yaml:"jaeger_endpoint"`
	SampleRate     float64 `yaml:"sample_rate"` // 0.0 to 1.0
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
}

// TracerProvider wraps the OpenTelemetry tracer; disabled tracing yields a
// noop tracer so call sites never branch.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider builds the tracer provider for the configured exporter
// and installs it as the global otel provider.
func NewTracerProvider(config TracingConfig) (*TracerProvider, error) {
	if !config.Enabled {
		return &TracerProvider{
			tracer: noop.NewTracerProvider().Tracer("myagent"),
		}, nil
	}

	if config.ServiceName == "" {
		config.ServiceName = "myagent-server"
	}
	if config.SampleRate <= 0 || config.SampleRate > 1.0 {
		config.SampleRate = 1.0
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch config.Exporter {
	case "otlp":
		endpoint := config.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exporter, err = otlptracehttp.New(
			context.Background(),
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "zipkin":
		endpoint := config.ZipkinEndpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		exporter, err = zipkin.New(endpoint)
	case "jaeger":
		endpoint := config.JaegerEndpoint
		if endpoint == "" {
			endpoint = "http://localhost:14268/api/traces"
		}
		exporter, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", config.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", config.Exporter, err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer("myagent"),
	}, nil
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the underlying tracer.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// StartSpan starts a span with the given attributes.
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tp.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Span names used across the server.
const (
	SpanPipelinePlan      = "myagent.pipeline.plan"
	SpanPipelineSolveTask = "myagent.pipeline.solve_task"
	SpanPipelineAggregate = "myagent.pipeline.aggregate"
	SpanSessionMessage    = "myagent.session.message"
	SpanWSConnection      = "myagent.ws.connection"
)

// Attribute keys used across the server.
const (
	AttrSessionID = "myagent.session_id"
	AttrStepID    = "myagent.step_id"
	AttrTaskKey   = "myagent.task_key"
	AttrAgent     = "myagent.agent"
	AttrModel     = "myagent.llm.model"
	AttrEvent     = "myagent.event"
	AttrStatus    = "myagent.status"
	AttrError     = "myagent.error"
)

// SessionAttrs builds session attribution attributes.
func SessionAttrs(sessionID string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String(AttrSessionID, sessionID)}
}

// TaskAttrs builds solver-task attribution attributes.
func TaskAttrs(sessionID, taskKey string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSessionID, sessionID),
		attribute.String(AttrTaskKey, taskKey),
	}
}

// AgentAttrs builds agent attribution attributes.
func AgentAttrs(agentName string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String(AttrAgent, agentName)}
}

// StatusAttrs builds a status attribute.
func StatusAttrs(status string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String(AttrStatus, status)}
}

// ErrorAttrs builds error attributes, or nil for a nil error.
func ErrorAttrs(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.Bool(AttrError, true),
		attribute.String("error.message", err.Error()),
	}
}
