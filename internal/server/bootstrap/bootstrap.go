// Package bootstrap assembles the server in stages: logging, observability,
// the stats aggregator, the plan/solve agent wiring, then the WebSocket
// server itself. Optional stages (tracing, metrics export) degrade with a
// warning instead of failing startup.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JasonDZS/myagent-sub001/internal/app/plansolve"
	"github.com/JasonDZS/myagent-sub001/internal/config"
	"github.com/JasonDZS/myagent-sub001/internal/observability"
	"github.com/JasonDZS/myagent-sub001/internal/presets"
	"github.com/JasonDZS/myagent-sub001/internal/server/outbound"
	"github.com/JasonDZS/myagent-sub001/internal/server/session"
	"github.com/JasonDZS/myagent-sub001/internal/server/ws"
	"github.com/JasonDZS/myagent-sub001/internal/shared/logging"
	"github.com/JasonDZS/myagent-sub001/internal/stats"
)

// App is the assembled server with the subsystems it must tear down.
type App struct {
	Config  *config.Config
	Logger  logging.Logger
	Server  *ws.Server
	Stats   *stats.Aggregator
	Tracer  *observability.TracerProvider
	Metrics *observability.MetricsCollector
}

// Build wires every subsystem from the configuration. The factory argument
// overrides the default preset-backed agent wiring; pass nil to use it.
func Build(cfg *config.Config, factory ws.AgentFactory) (*App, error) {
	logger := logging.New("server", logging.WithLevel(logging.ParseLevel(cfg.Logging.Level)))

	// Observability is optional: a broken exporter should not keep the
	// server down.
	tracer, err := observability.NewTracerProvider(cfg.Observability.Tracing)
	if err != nil {
		logger.Warn("tracing disabled: %v", err)
		tracer, _ = observability.NewTracerProvider(observability.TracingConfig{})
	}
	metrics, err := observability.NewMetricsCollector(cfg.Observability.Metrics)
	if err != nil {
		logger.Warn("metrics disabled: %v", err)
		metrics = nil
	}

	aggregator := stats.Default()
	if metrics != nil {
		aggregator.ForwardTo(metrics)
	}

	if factory == nil {
		factory = DefaultAgentFactory(cfg, logger, aggregator, tracer, metrics)
	}

	server, err := ws.New(ws.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		EventNamespace:    cfg.Server.EventNamespace,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		SessionHistory:    cfg.Server.SessionHistory,
		Outbound: outbound.Config{
			MaxQueueSize:   cfg.Outbound.MaxQueueSize,
			CoalesceWindow: cfg.Outbound.CoalesceWindow(),
			CoalesceEvents: cfg.Outbound.CoalesceEvents,
		},
	}, factory,
		ws.WithLogger(logger),
		ws.WithStats(aggregator),
		ws.WithMetrics(metrics),
		ws.WithQueueMetrics(observability.NewQueueMetrics()),
		ws.WithTracer(tracer),
	)
	if err != nil {
		return nil, fmt.Errorf("build server: %w", err)
	}

	return &App{
		Config:  cfg,
		Logger:  logger,
		Server:  server,
		Stats:   aggregator,
		Tracer:  tracer,
		Metrics: metrics,
	}, nil
}

// DefaultAgentFactory binds each new session to a preset-backed plan/solve
// pipeline configured from the pipeline section.
func DefaultAgentFactory(cfg *config.Config, logger logging.Logger, aggregator *stats.Aggregator,
	tracer *observability.TracerProvider, metrics *observability.MetricsCollector) ws.AgentFactory {
	return func(host *session.Session, hints map[string]any) (session.Runner, error) {
		pipeline := plansolve.NewPipeline(cfg.Pipeline.Name,
			&presets.Planner{}, &presets.Solver{},
			plansolve.WithConcurrency(cfg.Pipeline.Concurrency),
			plansolve.WithAggregator(presets.CountAggregator()),
			plansolve.WithLogger(logging.WithComponent(logger, "pipeline")),
			plansolve.WithStats(aggregator),
			plansolve.WithTracer(tracer),
			plansolve.WithMetrics(metrics),
		)
		return plansolve.NewSessionAgent(host, pipeline,
			plansolve.WithRequireConfirmation(cfg.Pipeline.RequirePlanConfirmation),
			plansolve.WithConfirmTimeout(cfg.Pipeline.PlanConfirmationTimeout),
			plansolve.WithBroadcastTasks(cfg.Pipeline.BroadcastTasks),
			plansolve.WithSessionAgentLogger(logging.WithComponent(logger, "session-agent")),
		), nil
	}
}

// Run starts the app and blocks until SIGINT/SIGTERM, then shuts everything
// down in reverse order.
func (a *App) Run() error {
	if err := a.Server.Start(); err != nil {
		return err
	}
	if a.Metrics != nil && a.Config.Observability.Metrics.Enabled {
		if err := a.Metrics.StartPrometheusServer(a.Config.Observability.Metrics.PrometheusPort); err != nil {
			a.Logger.Warn("prometheus endpoint unavailable: %v", err)
		}
	}
	a.Logger.Info("server up on %s (namespace %q)", a.Server.Addr(), a.Config.Server.EventNamespace)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	a.Logger.Info("received %s, shutting down", sig)

	return a.Shutdown()
}

// Shutdown tears subsystems down with a deadline.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := a.Server.Shutdown(ctx)
	if a.Metrics != nil {
		if mErr := a.Metrics.Shutdown(ctx); mErr != nil {
			a.Logger.Warn("metrics shutdown: %v", mErr)
		}
	}
	if a.Tracer != nil {
		if tErr := a.Tracer.Shutdown(ctx); tErr != nil {
			a.Logger.Warn("tracer shutdown: %v", tErr)
		}
	}
	return err
}
