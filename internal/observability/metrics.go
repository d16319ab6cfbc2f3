package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/JasonDZS/myagent-sub001/internal/shared/logging"
)

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// MetricsCollector owns the otel meter and the Prometheus scrape endpoint.
// A disabled collector has nil instruments; every recording method checks,
// so callers never branch on whether metrics are on.
type MetricsCollector struct {
	meter metric.Meter

	// Event flow
	eventsEnqueued metric.Int64Counter
	eventsSent     metric.Int64Counter

	// Session lifecycle
	sessionsActive    metric.Int64UpDownCounter
	connectionsActive metric.Int64UpDownCounter

	// Pipeline
	solverRuns    metric.Int64Counter
	stageDuration metric.Float64Histogram

	// LLM / tool usage reported by agents
	llmRequests     metric.Int64Counter
	llmTokensInput  metric.Int64Counter
	llmTokensOutput metric.Int64Counter
	toolExecutions  metric.Int64Counter
	toolDuration    metric.Float64Histogram

	prometheusServer *http.Server
	logger           logging.Logger
}

// NewMetricsCollector builds the collector and, when a port is configured,
// starts the Prometheus scrape server.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	collector := &MetricsCollector{logger: logging.NewComponentLogger("metrics")}
	if !config.Enabled {
		return collector, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("myagent")
	collector.meter = meter

	if collector.eventsEnqueued, err = meter.Int64Counter(
		"myagent.outbound.enqueued.total",
		metric.WithDescription("Events accepted into outbound queues"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("create enqueued counter: %w", err)
	}

	if collector.eventsSent, err = meter.Int64Counter(
		"myagent.outbound.sent.total",
		metric.WithDescription("Events written to transports"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("create sent counter: %w", err)
	}

	if collector.sessionsActive, err = meter.Int64UpDownCounter(
		"myagent.sessions.active",
		metric.WithDescription("Open agent sessions"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, fmt.Errorf("create sessions gauge: %w", err)
	}

	if collector.connectionsActive, err = meter.Int64UpDownCounter(
		"myagent.connections.active",
		metric.WithDescription("Open WebSocket connections"),
		metric.WithUnit("{connection}"),
	); err != nil {
		return nil, fmt.Errorf("create connections gauge: %w", err)
	}

	if collector.solverRuns, err = meter.Int64Counter(
		"myagent.solver.runs.total",
		metric.WithDescription("Solver task attempts by terminal status"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, fmt.Errorf("create solver counter: %w", err)
	}

	if collector.stageDuration, err = meter.Float64Histogram(
		"myagent.pipeline.stage.duration",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create stage histogram: %w", err)
	}

	if collector.llmRequests, err = meter.Int64Counter(
		"myagent.llm.requests.total",
		metric.WithDescription("LLM calls reported by agents"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("create llm counter: %w", err)
	}

	if collector.llmTokensInput, err = meter.Int64Counter(
		"myagent.llm.tokens.input",
		metric.WithDescription("Input tokens reported by agents"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, fmt.Errorf("create input tokens counter: %w", err)
	}

	if collector.llmTokensOutput, err = meter.Int64Counter(
		"myagent.llm.tokens.output",
		metric.WithDescription("Output tokens reported by agents"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, fmt.Errorf("create output tokens counter: %w", err)
	}

	if collector.toolExecutions, err = meter.Int64Counter(
		"myagent.tool.executions.total",
		metric.WithDescription("Tool executions reported by agents"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, fmt.Errorf("create tool counter: %w", err)
	}

	if collector.toolDuration, err = meter.Float64Histogram(
		"myagent.tool.duration",
		metric.WithDescription("Tool execution duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create tool histogram: %w", err)
	}

	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("start prometheus server: %w", err)
		}
	}
	return collector, nil
}

// StartPrometheusServer exposes /metrics on the given port.
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		m.logger.Info("prometheus metrics listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("prometheus server error: %v", err)
		}
	}()
	return nil
}

// Shutdown stops the scrape server.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordEventEnqueued counts an event accepted into an outbound queue.
func (m *MetricsCollector) RecordEventEnqueued(ctx context.Context, eventName string, coalesced bool) {
	if m == nil || m.eventsEnqueued == nil {
		return
	}
	m.eventsEnqueued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", eventName),
		attribute.Bool("coalesced", coalesced),
	))
}

// RecordEventSent counts an event written to a transport.
func (m *MetricsCollector) RecordEventSent(ctx context.Context, eventName string) {
	if m == nil || m.eventsSent == nil {
		return
	}
	m.eventsSent.Add(ctx, 1, metric.WithAttributes(attribute.String("event", eventName)))
}

// AddActiveSessions moves the active-session gauge by delta (±1).
func (m *MetricsCollector) AddActiveSessions(ctx context.Context, delta int64) {
	if m == nil || m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Add(ctx, delta)
}

// AddActiveConnections moves the active-connection gauge by delta (±1).
func (m *MetricsCollector) AddActiveConnections(ctx context.Context, delta int64) {
	if m == nil || m.connectionsActive == nil {
		return
	}
	m.connectionsActive.Add(ctx, delta)
}

// RecordSolverRun counts a solver attempt reaching a terminal status.
func (m *MetricsCollector) RecordSolverRun(ctx context.Context, status string) {
	if m == nil || m.solverRuns == nil {
		return
	}
	m.solverRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordStageDuration records how long a pipeline stage took.
func (m *MetricsCollector) RecordStageDuration(ctx context.Context, stage string, d time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordLLMUsage counts one LLM call with its token usage.
func (m *MetricsCollector) RecordLLMUsage(ctx context.Context, model string, inputTokens, outputTokens int) {
	if m == nil || m.llmRequests == nil {
		return
	}
	modelAttr := metric.WithAttributes(attribute.String("model", model))
	m.llmRequests.Add(ctx, 1, modelAttr)
	m.llmTokensInput.Add(ctx, int64(inputTokens), modelAttr)
	m.llmTokensOutput.Add(ctx, int64(outputTokens), modelAttr)
}

// RecordToolExecution counts one tool run.
func (m *MetricsCollector) RecordToolExecution(ctx context.Context, toolName string, success bool, d time.Duration) {
	if m == nil || m.toolExecutions == nil {
		return
	}
	status := "ok"
	if !success {
		status = "error"
	}
	m.toolExecutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool_name", toolName),
		attribute.String("status", status),
	))
	m.toolDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("tool_name", toolName)))
}
