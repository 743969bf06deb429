// Package capture turns raw failures into deduplicated, redacted error
// reports and decides when a report is ready for analysis.
package capture

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/errwatch/internal/logging"
	"github.com/fyrsmithlabs/errwatch/internal/metrics"
	"github.com/fyrsmithlabs/errwatch/internal/notify"
	"github.com/fyrsmithlabs/errwatch/internal/secrets"
	"github.com/fyrsmithlabs/errwatch/internal/store"
)

// RawError is a failure as reported by a service.
type RawError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	// Severity is optional; it is inferred when empty or unrecognized.
	Severity string `json:"severity,omitempty"`
}

// ReportContext describes where a failure happened.
type ReportContext struct {
	Service     string         `json:"service"`
	Component   string         `json:"component,omitempty"`
	Environment string         `json:"environment,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at,omitempty"`
}

// Options holds the escalation gate.
type Options struct {
	SeverityGate   []string
	MinOccurrences int
	Environment    string
}

// ReportStore persists reports.
type ReportStore interface {
	UpsertReport(ctx context.Context, r *store.ErrorReport) (*store.ErrorReport, error)
}

// AuditSink accepts audit entries without blocking.
type AuditSink interface {
	Enqueue(e store.EventLog) bool
}

// Result is the outcome of one ReportError call.
type Result struct {
	Report        *store.ErrorReport
	NeedsAnalysis bool
}

// Reporter captures errors.
type Reporter struct {
	store     ReportStore
	redactor  *secrets.Redactor
	publisher notify.Publisher
	audit     AuditSink
	logger    *zap.Logger
	gate      map[string]bool
	minOcc    int64
	env       string
	now       func() time.Time
}

// NewReporter creates a Reporter. publisher and audit may be nil.
func NewReporter(opts Options, st ReportStore, redactor *secrets.Redactor, publisher notify.Publisher, audit AuditSink, logger *zap.Logger) *Reporter {
	if publisher == nil {
		publisher = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	gate := make(map[string]bool, len(opts.SeverityGate))
	for _, s := range opts.SeverityGate {
		gate[s] = true
	}
	minOcc := int64(opts.MinOccurrences)
	if minOcc < 1 {
		minOcc = 1
	}
	return &Reporter{
		store:     st,
		redactor:  redactor,
		publisher: publisher,
		audit:     audit,
		logger:    logger,
		gate:      gate,
		minOcc:    minOcc,
		env:       opts.Environment,
		now:       time.Now,
	}
}

// ReportError records one occurrence and returns the report ID.
func (r *Reporter) ReportError(ctx context.Context, raw RawError, rc ReportContext) (string, error) {
	res, err := r.Report(ctx, raw, rc)
	if err != nil {
		return "", err
	}
	return res.Report.ID, nil
}

// Report records one occurrence and returns the stored report.
func (r *Reporter) Report(ctx context.Context, raw RawError, rc ReportContext) (*Result, error) {
	if raw.Message == "" && raw.Type == "" {
		return nil, errors.New("error type or message is required")
	}
	if rc.Service == "" {
		return nil, errors.New("service is required")
	}

	ctx, span := otel.Tracer("errwatch/capture").Start(ctx, "capture.Report")
	defer span.End()

	errType := raw.Type
	if errType == "" {
		errType = "Error"
	}
	message := r.redactor.RedactString(raw.Message)
	stack := r.redactor.RedactString(raw.Stack)
	metadata := r.redactor.RedactMap(rc.Metadata)

	component := rc.Component
	if component == "" {
		component = InferComponent(stack)
	}
	severity := InferSeverity(raw.Severity, errType, message)
	hash := ComputeHash(errType, message, component, stack)

	env := rc.Environment
	if env == "" {
		env = r.env
	}
	at := rc.OccurredAt
	if at.IsZero() {
		at = r.now()
	}

	span.SetAttributes(
		attribute.String("error.hash", hash),
		attribute.String("error.service", rc.Service),
		attribute.String("error.severity", severity),
	)

	stored, err := r.store.UpsertReport(ctx, &store.ErrorReport{
		ErrorHash:      hash,
		ErrorType:      errType,
		Severity:       severity,
		Message:        message,
		StackTrace:     stack,
		Component:      component,
		Service:        rc.Service,
		Context:        metadata,
		Environment:    env,
		LastOccurrence: at,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		return nil, fmt.Errorf("failed to persist error report: %w", err)
	}

	metrics.ObserveReport(severity)
	ctx = logging.WithErrorRef(ctx, logging.ErrorRef{ID: stored.ID, Hash: hash, Service: rc.Service})
	logging.Ctx(ctx, r.logger).Info("error reported",
		zap.String("severity", severity),
		zap.String("component", component),
		zap.Int64("occurrences", stored.OccurrenceCount))

	r.publish(notify.KindReported, stored, map[string]any{"occurrence_count": stored.OccurrenceCount})
	r.auditEntry(stored, "reported", fmt.Sprintf("occurrence %d", stored.OccurrenceCount), nil)

	needs := r.ShouldTriggerAnalysis(stored)
	if needs {
		r.publish(notify.KindNeedsAnalysis, stored, map[string]any{"occurrence_count": stored.OccurrenceCount})
		r.auditEntry(stored, "needsAnalysis", "eligible for analysis", nil)
	}
	return &Result{Report: stored, NeedsAnalysis: needs}, nil
}

// ShouldTriggerAnalysis reports whether report is severe enough, frequent
// enough and still new.
func (r *Reporter) ShouldTriggerAnalysis(report *store.ErrorReport) bool {
	if report == nil {
		return false
	}
	return r.gate[report.Severity] &&
		report.OccurrenceCount >= r.minOcc &&
		report.Status == store.StatusNew
}

// MarkAnalyzed announces a completed analysis.
func (r *Reporter) MarkAnalyzed(ctx context.Context, report *store.ErrorReport, confidence float64) {
	ctx = logging.WithErrorRef(ctx, logging.ErrorRef{ID: report.ID, Hash: report.ErrorHash, Service: report.Service})
	logging.Ctx(ctx, r.logger).Info("error analyzed", zap.Float64("confidence", confidence))
	r.publish(notify.KindAnalyzed, report, map[string]any{"confidence": confidence})
	r.auditEntry(report, "analyzed", "analysis stored", map[string]any{"confidence": confidence})
}

// CaptureRecovered reports a value returned by recover() as a critical error
// with the current goroutine's stack.
func (r *Reporter) CaptureRecovered(ctx context.Context, recovered any, rc ReportContext) (string, error) {
	raw := RawError{
		Type:     "panic",
		Severity: "critical",
		Stack:    panicStack(debug.Stack()),
	}
	switch v := recovered.(type) {
	case error:
		raw.Type = fmt.Sprintf("panic(%T)", v)
		raw.Message = v.Error()
	case string:
		raw.Message = v
	default:
		raw.Message = fmt.Sprintf("%v", v)
	}
	return r.ReportError(ctx, raw, rc)
}

// panicStack drops the goroutine header and the frames above the panic call
// so the hash depends on where the panic happened, not on how it was caught.
func panicStack(stack []byte) string {
	lines := strings.Split(string(stack), "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "panic(") && i+2 <= len(lines) {
			return strings.Join(lines[i+2:], "\n")
		}
	}
	if len(lines) > 1 && strings.HasPrefix(lines[0], "goroutine ") {
		return strings.Join(lines[1:], "\n")
	}
	return string(stack)
}

func (r *Reporter) publish(kind notify.Kind, report *store.ErrorReport, payload map[string]any) {
	r.publisher.Publish(notify.Event{
		Kind:      kind,
		ErrorID:   report.ID,
		ErrorHash: report.ErrorHash,
		Service:   report.Service,
		Payload:   payload,
	})
}

func (r *Reporter) auditEntry(report *store.ErrorReport, status, message string, metadata map[string]any) {
	if r.audit == nil {
		return
	}
	r.audit.Enqueue(store.EventLog{
		ErrorID:   report.ID,
		Service:   report.Service,
		Attribute: "status",
		Status:    status,
		Message:   message,
		Metadata:  metadata,
		Timestamp: r.now(),
	})
}
