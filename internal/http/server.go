// Package http exposes error ingestion, report queries and worker control
// over HTTP.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/errwatch/internal/capture"
	"github.com/fyrsmithlabs/errwatch/internal/gateway"
	"github.com/fyrsmithlabs/errwatch/internal/store"
	"github.com/fyrsmithlabs/errwatch/internal/worker"
)

// Reporter ingests error occurrences.
type Reporter interface {
	Report(ctx context.Context, raw capture.RawError, rc capture.ReportContext) (*capture.Result, error)
	CaptureRecovered(ctx context.Context, recovered any, rc capture.ReportContext) (string, error)
}

// ReportReader is the read side of the store.
type ReportReader interface {
	GetReport(ctx context.Context, id string) (*store.ErrorReport, error)
	PendingReports(ctx context.Context, severities []string, minOccurrences, limit int) ([]*store.ErrorReport, error)
	Summary(ctx context.Context) (*store.Summary, error)
	ListActions(ctx context.Context, errorID string) ([]*store.ErrorAction, error)
	Ping(ctx context.Context) error
}

// BatchRunner triggers one analysis batch.
type BatchRunner interface {
	RunBatch(ctx context.Context) (*worker.BatchResult, error)
	Running() bool
}

// HealthProber probes the reasoning endpoint.
type HealthProber interface {
	HealthCheck(ctx context.Context) gateway.Health
}

// Deps are the server's collaborators. Worker and Gateway may be nil.
type Deps struct {
	Reporter Reporter
	Store    ReportReader
	Worker   BatchRunner
	Gateway  HealthProber

	// Gatherer backs GET /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// Server provides HTTP endpoints for errwatch.
type Server struct {
	echo     *echo.Echo
	reporter Reporter
	store    ReportReader
	worker   BatchRunner
	gateway  HealthProber
	limiter  *serviceLimiter
	logger   *zap.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// IngestRate is the per-service ingest rate in reports per second.
	// Zero disables ingest throttling.
	IngestRate  float64
	IngestBurst int

	// SeverityGate and MinOccurrences select what GET /pending lists.
	SeverityGate   []string
	MinOccurrences int
}

const (
	defaultPendingLimit = 50
	maxPendingLimit     = 500
	maxBodyBytes        = "1M"
)

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Reporter == nil {
		return nil, fmt.Errorf("reporter cannot be nil")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host:           "localhost",
			Port:           9191,
			SeverityGate:   []string{"critical", "error"},
			MinOccurrences: 3,
		}
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		reporter: deps.Reporter,
		store:    deps.Store,
		worker:   deps.Worker,
		gateway:  deps.Gateway,
		limiter:  newServiceLimiter(cfg.IngestRate, cfg.IngestBurst),
		logger:   logger,
		config:   cfg,
	}

	// Middleware
	e.Use(s.recoverAndReport())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(maxBodyBytes))
	e.Use(requestMetrics())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", responseStatus(c, err)),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s.registerRoutes(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes(metricsHandler http.Handler) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(metricsHandler))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/errors", s.handleReport)
	v1.GET("/errors/pending", s.handlePending)
	v1.GET("/errors/summary", s.handleSummary)
	v1.GET("/errors/:id", s.handleGetReport)
	v1.GET("/errors/:id/actions", s.handleActions)
	v1.POST("/worker/run", s.handleRunBatch)
}

// recoverAndReport turns a handler panic into a 500 and reports it through
// the capture pipeline so errwatch tracks its own faults.
func (s *Server) recoverAndReport() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					panic(p)
				}
				req := c.Request()
				s.logger.Error("handler panicked",
					zap.String("method", req.Method),
					zap.String("path", c.Path()),
					zap.Any("panic", p),
				)
				ctx := context.WithoutCancel(req.Context())
				if _, rerr := s.reporter.CaptureRecovered(ctx, p, capture.ReportContext{
					Service:   "errwatch",
					Component: "http",
					Metadata:  map[string]any{"method": req.Method, "route": c.Path()},
				}); rerr != nil {
					s.logger.Warn("failed to report recovered panic", zap.Error(rerr))
				}
				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns nil after a graceful Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
