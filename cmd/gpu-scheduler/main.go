// Command gpu-scheduler runs the control plane: a pkg/registry.Registry
// of Scheduler Instances fronted by the pkg/control HTTP surface.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nodepool/gpusched/pkg/control"
	"github.com/nodepool/gpusched/pkg/gpu"
	"github.com/nodepool/gpusched/pkg/observability"
	"github.com/nodepool/gpusched/pkg/registry"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "control-plane listen address")
		logLevel    = flag.String("log-level", "info", "log level (panic,fatal,error,warn,info,debug,trace)")
		logFormat   = flag.String("log-format", "text", "log format (text or json)")
		tracingType = flag.String("tracing", "none", "tracing exporter (jaeger, otlp, stdout, none)")
	)
	flag.Parse()

	logger := observability.NewLogger(&observability.LoggingConfig{Level: *logLevel, Format: *logFormat})
	entry := observability.WithComponent(logger, "gpu-scheduler")

	tracingCfg := observability.DefaultTracingConfig()
	tracingCfg.ExporterType = *tracingType
	tracer, err := observability.NewTracingService(tracingCfg, observability.WithComponent(logger, "tracing"))
	if err != nil {
		log.Fatalf("initialize tracing: %v", err)
	}

	probe := gpu.NewNvidiaSMIProbe()
	metrics := observability.NewMetrics(nil)
	hub := observability.NewHub(observability.WithComponent(logger, "websocket"))
	logs := control.NewMapLogBinding()

	reg := registry.New(registry.Deps{
		Probe:      probe,
		LogBinding: logs,
		Metrics:    metrics,
		Snapshots:  hub,
		Logger:     observability.WithComponent(logger, "registry"),
		Tracer:     tracer.Tracer(),
	})

	server := control.NewServer(*addr, control.Deps{
		Registry: reg,
		Hub:      hub,
		Metrics:  metrics,
		Logs:     logs,
		Tracer:   tracer,
		Logger:   entry,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		entry.Info("received shutdown signal, stopping")
		cancel()
	}()

	if err := server.ListenAndServe(ctx); err != nil {
		entry.WithError(err).Fatal("control plane exited with error")
	}
}
