package store

import (
	"encoding/json"
	"time"
)

// Status is the analysis lifecycle state of an ErrorReport.
//
// Reports move new → analyzing → analyzed. A failed analysis moves
// analyzing → new so the next batch retries it.
type Status string

const (
	StatusNew       Status = "new"
	StatusAnalyzing Status = "analyzing"
	StatusAnalyzed  Status = "analyzed"
)

// ErrorReport is one deduplicated fault, keyed by ErrorHash.
type ErrorReport struct {
	ID        string `json:"id"`
	ErrorHash string `json:"error_hash"`
	ErrorType string `json:"error_type"`

	// Severity is one of critical, error, warning, info.
	Severity   string `json:"severity"`
	Message    string `json:"message"`
	StackTrace string `json:"stack_trace,omitempty"`
	Component  string `json:"component,omitempty"`
	Service    string `json:"service"`

	// Context is the redacted, size-bounded metadata of the latest occurrence.
	Context     map[string]any `json:"context,omitempty"`
	Environment string         `json:"environment,omitempty"`

	// OccurrenceCount only increases.
	OccurrenceCount int64     `json:"occurrence_count"`
	Status          Status    `json:"status"`
	FirstOccurrence time.Time `json:"first_occurrence"`
	LastOccurrence  time.Time `json:"last_occurrence"`

	// AnalysisResult holds the gateway's analysis once Status is analyzed.
	AnalysisResult json.RawMessage `json:"analysis_result,omitempty"`
}

// EventLog is an append-only audit entry.
type EventLog struct {
	ID        int64          `json:"id"`
	ErrorID   string         `json:"error_id,omitempty"`
	Service   string         `json:"service"`
	Attribute string         `json:"attribute"`
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Action status values.
const (
	ActionPending   = "pending"
	ActionCompleted = "completed"
	ActionFailed    = "failed"
	ActionSkipped   = "skipped"
)

// ErrorAction is the outcome chosen for an analyzed report. At most one
// action exists per (ErrorReportID, ActionType).
type ErrorAction struct {
	ID              string    `json:"id"`
	ErrorReportID   string    `json:"error_report_id"`
	ActionType      string    `json:"action_type"`
	ActionStatus    string    `json:"action_status"`
	Recommendation  string    `json:"recommendation"`
	ConfidenceScore float64   `json:"confidence_score"`
	CommitMessage   string    `json:"commit_message,omitempty"`
	RelatedFiles    []string  `json:"related_files,omitempty"`
	TicketID        string    `json:"ticket_id,omitempty"`
	Branch          string    `json:"branch,omitempty"`
	CommitSHA       string    `json:"commit_sha,omitempty"`
	ReviewURL       string    `json:"review_url,omitempty"`
	Detail          string    `json:"detail,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Ticket is a tracking record for a mid-confidence finding.
type Ticket struct {
	ID            string    `json:"id"`
	ErrorReportID string    `json:"error_report_id"`
	System        string    `json:"system"`
	Title         string    `json:"title"`
	Body          string    `json:"body"`
	Labels        []string  `json:"labels,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Summary rolls up reports for dashboards and the summary endpoint.
type Summary struct {
	TotalReports     int64            `json:"total_reports"`
	TotalOccurrences int64            `json:"total_occurrences"`
	ByStatus         map[Status]int64 `json:"by_status"`
	BySeverity       map[string]int64 `json:"by_severity"`
	ActionsByType    map[string]int64 `json:"actions_by_type"`
	Tickets          int64            `json:"tickets"`
}
