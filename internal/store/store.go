// Package store persists error reports, audit events, actions and tickets.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned when a report does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStatusConflict is returned when a compare-and-set status transition
	// finds the report in a different state.
	ErrStatusConflict = errors.New("status conflict")
)

// Store is the persistence contract. All methods are safe for concurrent use.
type Store interface {
	// UpsertReport inserts r or, when its hash already exists, increments the
	// stored occurrence count in the same statement. Returns the stored row.
	UpsertReport(ctx context.Context, r *ErrorReport) (*ErrorReport, error)
	GetReport(ctx context.Context, id string) (*ErrorReport, error)
	GetReportByHash(ctx context.Context, hash string) (*ErrorReport, error)

	// UpdateStatus moves a report from one status to another atomically.
	UpdateStatus(ctx context.Context, id string, from, to Status) error

	// SaveAnalysis stores the result of an analyzing report and marks it analyzed.
	SaveAnalysis(ctx context.Context, id string, result json.RawMessage) error

	// PendingReports lists new reports eligible for analysis, most frequent
	// first, then oldest first.
	PendingReports(ctx context.Context, severities []string, minOccurrences, limit int) ([]*ErrorReport, error)
	Summary(ctx context.Context) (*Summary, error)

	AppendEvent(ctx context.Context, e EventLog) error
	ListEvents(ctx context.Context, errorID string, limit int) ([]EventLog, error)

	UpsertAction(ctx context.Context, a *ErrorAction) (*ErrorAction, error)
	ListActions(ctx context.Context, errorID string) ([]*ErrorAction, error)

	// CreateTicket is idempotent on ticket ID.
	CreateTicket(ctx context.Context, t *Ticket) error
	ListTickets(ctx context.Context, errorID string) ([]*Ticket, error)

	Ping(ctx context.Context) error
	Close() error
}
