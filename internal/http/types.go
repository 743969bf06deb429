package http

import (
	"time"

	"github.com/fyrsmithlabs/errwatch/internal/gateway"
	"github.com/fyrsmithlabs/errwatch/internal/store"
)

// ReportRequest is the request body for POST /api/v1/errors.
type ReportRequest struct {
	Type        string         `json:"type"`
	Message     string         `json:"message"`
	Stack       string         `json:"stack,omitempty"`
	Severity    string         `json:"severity,omitempty"`
	Service     string         `json:"service"`
	Component   string         `json:"component,omitempty"`
	Environment string         `json:"environment,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at,omitempty"`
}

// ReportResponse is the response body for POST /api/v1/errors.
type ReportResponse struct {
	ID              string       `json:"id"`
	ErrorHash       string       `json:"error_hash"`
	Severity        string       `json:"severity"`
	OccurrenceCount int64        `json:"occurrence_count"`
	Status          store.Status `json:"status"`
	NeedsAnalysis   bool         `json:"needs_analysis"`
}

// PendingResponse is the response body for GET /api/v1/errors/pending.
type PendingResponse struct {
	Reports []*store.ErrorReport `json:"reports"`
	Count   int                  `json:"count"`
}

// ActionsResponse is the response body for GET /api/v1/errors/:id/actions.
type ActionsResponse struct {
	ErrorID string               `json:"error_id"`
	Actions []*store.ErrorAction `json:"actions"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string          `json:"status"`
	Store   string          `json:"store"`
	Gateway *gateway.Health `json:"gateway,omitempty"`
	Worker  *WorkerStatus   `json:"worker,omitempty"`
}

// WorkerStatus describes the analysis worker in health responses.
type WorkerStatus struct {
	BatchRunning bool `json:"batch_running"`
}

// Overall health values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)
