package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/errwatch/internal/config"
	"github.com/fyrsmithlabs/errwatch/internal/gateway"
	"github.com/fyrsmithlabs/errwatch/internal/http"
	"github.com/fyrsmithlabs/errwatch/internal/logging"
	"github.com/fyrsmithlabs/errwatch/internal/metrics"
	"github.com/fyrsmithlabs/errwatch/internal/telemetry"
)

// serveCmd runs the ingest API and the analysis worker.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingest API and analysis worker",
	Long: `Start the errwatch HTTP server and, when analysis.scheduling.enabled is
set, the periodic analysis worker. SIGINT or SIGTERM shuts both down
gracefully: the server drains in-flight requests and the worker finishes
its current batch within server.shutdown_timeout.

Examples:
  # Run with a config file
  errwatch serve --config errwatch.yaml

  # Override the port from the environment
  ERRWATCH_SERVER__PORT=9292 errwatch serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logging.Sync(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

// serve blocks until ctx is canceled or the HTTP server fails.
//
// Startup order:
//  1. telemetry and Prometheus collectors
//  2. store, audit queue, notification bus (+ NATS sink)
//  3. capture, gateway, remediation workflow and worker
//  4. HTTP server
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	tel, err := telemetry.New(ctx, cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if h := a.gateway.HealthCheck(ctx); h.Status != gateway.HealthHealthy {
		logger.Warn("reasoning endpoint not ready, analyses will fail until it is",
			zap.String("status", string(h.Status)),
			zap.String("detail", h.Detail))
	}

	if cfg.Analysis.Scheduling.Enabled {
		if err := a.worker.Start(ctx); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
	}

	server, err := http.NewServer(http.Deps{
		Reporter: a.reporter,
		Store:    a.store,
		Worker:   a.worker,
		Gateway:  a.gateway,
	}, logger.Named("http"), &http.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		IngestRate:     cfg.Server.IngestRate,
		IngestBurst:    cfg.Server.IngestBurst,
		SeverityGate:   cfg.Runtime.SeverityGate,
		MinOccurrences: cfg.Analysis.Thresholds.MinOccurrences,
	})
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-serverErr:
		if runErr != nil {
			runErr = fmt.Errorf("http server: %w", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown incomplete", zap.Error(err))
	}
	if err := a.close(shutdownCtx); err != nil {
		logger.Warn("component shutdown incomplete", zap.Error(err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown incomplete", zap.Error(err))
	}

	logger.Info("errwatch stopped")
	return runErr
}
