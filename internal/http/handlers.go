package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/errwatch/internal/capture"
	"github.com/fyrsmithlabs/errwatch/internal/gateway"
	"github.com/fyrsmithlabs/errwatch/internal/metrics"
	"github.com/fyrsmithlabs/errwatch/internal/store"
	"github.com/fyrsmithlabs/errwatch/internal/worker"
)

// handleReport records one error occurrence.
func (s *Server) handleReport(c echo.Context) error {
	var req ReportRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid report request", zap.Error(err))
		metrics.ObserveIngest("", "", metrics.IngestInvalid)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	severity := capture.InferSeverity(req.Severity, req.Type, req.Message)
	if req.Service == "" {
		metrics.ObserveIngest("", severity, metrics.IngestInvalid)
		return echo.NewHTTPError(http.StatusBadRequest, "service field is required")
	}
	if req.Type == "" && req.Message == "" {
		metrics.ObserveIngest(req.Service, severity, metrics.IngestInvalid)
		return echo.NewHTTPError(http.StatusBadRequest, "type or message field is required")
	}

	if !s.limiter.allow(req.Service) {
		metrics.ObserveIngest(req.Service, severity, metrics.IngestThrottled)
		c.Response().Header().Set("Retry-After", strconv.Itoa(s.limiter.retryAfter()))
		return echo.NewHTTPError(http.StatusTooManyRequests, "ingest rate exceeded for service "+req.Service)
	}

	res, err := s.reporter.Report(c.Request().Context(), capture.RawError{
		Type:     req.Type,
		Message:  req.Message,
		Stack:    req.Stack,
		Severity: req.Severity,
	}, capture.ReportContext{
		Service:     req.Service,
		Component:   req.Component,
		Environment: req.Environment,
		Metadata:    req.Metadata,
		OccurredAt:  req.OccurredAt,
	})
	if err != nil {
		metrics.ObserveIngest(req.Service, severity, metrics.IngestFailed)
		s.logger.Error("failed to record error report", zap.String("service", req.Service), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to record error report")
	}
	metrics.ObserveIngest(req.Service, res.Report.Severity, metrics.IngestAccepted)

	r := res.Report
	return c.JSON(http.StatusAccepted, ReportResponse{
		ID:              r.ID,
		ErrorHash:       r.ErrorHash,
		Severity:        r.Severity,
		OccurrenceCount: r.OccurrenceCount,
		Status:          r.Status,
		NeedsAnalysis:   res.NeedsAnalysis,
	})
}

// handlePending lists reports waiting for analysis, most frequent first.
func (s *Server) handlePending(c echo.Context) error {
	limit := defaultPendingLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxPendingLimit)
	}

	reports, err := s.store.PendingReports(c.Request().Context(), s.config.SeverityGate, s.config.MinOccurrences, limit)
	if err != nil {
		s.logger.Error("failed to list pending reports", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list pending reports")
	}
	if reports == nil {
		reports = []*store.ErrorReport{}
	}
	return c.JSON(http.StatusOK, PendingResponse{Reports: reports, Count: len(reports)})
}

func (s *Server) handleSummary(c echo.Context) error {
	sum, err := s.store.Summary(c.Request().Context())
	if err != nil {
		s.logger.Error("failed to build summary", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to build summary")
	}
	return c.JSON(http.StatusOK, sum)
}

func (s *Server) handleGetReport(c echo.Context) error {
	r, err := s.store.GetReport(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.lookupError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleActions(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := s.store.GetReport(ctx, id); err != nil {
		return s.lookupError(err)
	}
	actions, err := s.store.ListActions(ctx, id)
	if err != nil {
		s.logger.Error("failed to list actions", zap.String("error.id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list actions")
	}
	if actions == nil {
		actions = []*store.ErrorAction{}
	}
	return c.JSON(http.StatusOK, ActionsResponse{ErrorID: id, Actions: actions})
}

func (s *Server) lookupError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "error report not found")
	}
	s.logger.Error("failed to load error report", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "failed to load error report")
}

// handleRunBatch runs one analysis batch and returns its summary.
func (s *Server) handleRunBatch(c echo.Context) error {
	if s.worker == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "analysis worker not configured")
	}
	res, err := s.worker.RunBatch(c.Request().Context())
	switch {
	case errors.Is(err, worker.ErrBatchInProgress):
		return echo.NewHTTPError(http.StatusConflict, "analysis batch already in progress")
	case err != nil && res == nil:
		s.logger.Error("manual analysis batch failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "analysis batch failed")
	case err != nil:
		s.logger.Warn("manual analysis batch interrupted", zap.Error(err))
	}
	return c.JSON(http.StatusOK, res)
}

// handleHealth combines the store ping with the gateway probe. A failing
// store is unhealthy; a degraded or unreachable gateway only degrades.
func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	resp := HealthResponse{Status: StatusHealthy, Store: "ok"}

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("store health check failed", zap.Error(err))
		resp.Status = StatusUnhealthy
		resp.Store = "unreachable"
	}

	if s.gateway != nil {
		h := s.gateway.HealthCheck(ctx)
		resp.Gateway = &h
		if h.Status != gateway.HealthHealthy && resp.Status == StatusHealthy {
			resp.Status = StatusDegraded
		}
	}

	if s.worker != nil {
		resp.Worker = &WorkerStatus{BatchRunning: s.worker.Running()}
	}

	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}
