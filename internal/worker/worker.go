// Package worker drives pending error reports through analysis and turns
// each analysis into an action: a log entry, a ticket or a remediation run.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/errwatch/internal/config"
	"github.com/fyrsmithlabs/errwatch/internal/gateway"
	"github.com/fyrsmithlabs/errwatch/internal/logging"
	"github.com/fyrsmithlabs/errwatch/internal/metrics"
	"github.com/fyrsmithlabs/errwatch/internal/notify"
	"github.com/fyrsmithlabs/errwatch/internal/remediation"
	"github.com/fyrsmithlabs/errwatch/internal/store"
)

var (
	// ErrBatchInProgress is returned by RunBatch while another batch runs.
	ErrBatchInProgress = errors.New("analysis batch already in progress")

	// ErrAlreadyRunning is returned by Start on a running worker.
	ErrAlreadyRunning = errors.New("worker already running")
)

// Store is the persistence the worker needs.
type Store interface {
	PendingReports(ctx context.Context, severities []string, minOccurrences, limit int) ([]*store.ErrorReport, error)
	UpdateStatus(ctx context.Context, id string, from, to store.Status) error
	SaveAnalysis(ctx context.Context, id string, result json.RawMessage) error
	UpsertAction(ctx context.Context, a *store.ErrorAction) (*store.ErrorAction, error)
	CreateTicket(ctx context.Context, t *store.Ticket) error
}

// Analyzer is the reasoning gateway.
type Analyzer interface {
	AnalyzeError(ctx context.Context, d gateway.ErrorDetails) (*gateway.Analysis, error)
	GenerateFix(ctx context.Context, d gateway.ErrorDetails, a *gateway.Analysis) (*gateway.Fix, error)
	GenerateCommitMessage(ctx context.Context, cc gateway.CommitContext) (string, error)
}

// Remediator runs the remediation workflow.
type Remediator interface {
	Execute(ctx context.Context, req remediation.Request) (*remediation.Result, error)
}

// Announcer announces completed analyses.
type Announcer interface {
	MarkAnalyzed(ctx context.Context, report *store.ErrorReport, confidence float64)
}

// AuditSink accepts audit entries without blocking.
type AuditSink interface {
	Enqueue(e store.EventLog) bool
}

// Config is the worker's slice of the configuration.
type Config struct {
	Interval     time.Duration
	BatchSize    int
	SeverityGate []string
	Thresholds   config.ThresholdsConfig
	Actions      config.ActionsConfig
	ApplyFixes   bool
	NotesDir     string
}

// ConfigFrom extracts the worker configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Interval:     cfg.Analysis.Scheduling.Interval,
		BatchSize:    cfg.Analysis.Scheduling.BatchSize,
		SeverityGate: cfg.Runtime.SeverityGate,
		Thresholds:   cfg.Analysis.Thresholds,
		Actions:      cfg.Actions,
		ApplyFixes:   cfg.Workflow.ApplyFixes,
		NotesDir:     cfg.Workflow.NotesDir,
	}
}

// Deps are the worker's collaborators. Remediator, Announcer, Publisher
// and Audit may be nil.
type Deps struct {
	Store      Store
	Analyzer   Analyzer
	Remediator Remediator
	Announcer  Announcer
	Publisher  notify.Publisher
	Audit      AuditSink
	Logger     *zap.Logger
}

// Worker polls for pending reports and processes them one at a time.
type Worker struct {
	cfg        Config
	store      Store
	analyzer   Analyzer
	remediator Remediator
	announcer  Announcer
	publisher  notify.Publisher
	audit      AuditSink
	logger     *zap.Logger
	gate       map[string]bool
	now        func() time.Time

	// busy guards against overlapping batches.
	busy atomic.Bool

	mu    sync.Mutex
	stop  chan struct{}
	done  chan struct{}
	abort context.CancelFunc
}

// New creates a worker.
func New(cfg Config, deps Deps) (*Worker, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Analyzer == nil {
		return nil, errors.New("analyzer is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.NotesDir == "" {
		cfg.NotesDir = ".errwatch/fixes"
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	gate := make(map[string]bool, len(cfg.SeverityGate))
	for _, s := range cfg.SeverityGate {
		gate[s] = true
	}

	return &Worker{
		cfg:        cfg,
		store:      deps.Store,
		analyzer:   deps.Analyzer,
		remediator: deps.Remediator,
		announcer:  deps.Announcer,
		publisher:  deps.Publisher,
		audit:      deps.Audit,
		logger:     deps.Logger.Named("worker"),
		gate:       gate,
		now:        time.Now,
	}, nil
}

// Start launches the poll loop. Ticks that arrive while a batch is still
// running are skipped. The loop ends when ctx is done or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stop != nil {
		return ErrAlreadyRunning
	}

	batchCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.abort = abort

	w.logger.Info("analysis worker started",
		zap.Duration("interval", w.cfg.Interval),
		zap.Int("batch_size", w.cfg.BatchSize),
	)
	w.publish(notify.KindWorkerStarted, nil, map[string]any{"interval": w.cfg.Interval.String()})

	go w.loop(ctx, batchCtx, w.stop, w.done)
	return nil
}

// Stop ends the poll loop and waits for an in-flight batch to finish. If
// ctx expires first the batch is canceled and ctx.Err() is returned.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	stop, done, abort := w.stop, w.done, w.abort
	w.stop, w.done, w.abort = nil, nil, nil
	w.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		abort()
		<-done
		err = ctx.Err()
	}
	abort()

	w.logger.Info("analysis worker stopped")
	w.publish(notify.KindWorkerStopped, nil, nil)
	return err
}

// Running reports whether a batch is in progress.
func (w *Worker) Running() bool {
	return w.busy.Load()
}

func (w *Worker) loop(ctx, batchCtx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			w.release(stop)
			return
		case <-ticker.C:
			w.tick(batchCtx)
		}
	}
}

// release clears the run state of a loop that ended because its context
// was done, so Start can be called again.
func (w *Worker) release(stop <-chan struct{}) {
	w.mu.Lock()
	if w.stop == nil || w.stop != stop {
		w.mu.Unlock()
		return
	}
	abort := w.abort
	w.stop, w.done, w.abort = nil, nil, nil
	w.mu.Unlock()

	abort()
	w.logger.Info("analysis worker stopped", zap.String("reason", "context done"))
	w.publish(notify.KindWorkerStopped, nil, nil)
}

func (w *Worker) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("analysis batch panicked, recovering",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			metrics.ObserveBatch(metrics.OutcomeFailed)
			w.publish(notify.KindBatchFailed, nil, map[string]any{"error": fmt.Sprint(r)})
		}
	}()

	if _, err := w.RunBatch(ctx); err != nil {
		if errors.Is(err, ErrBatchInProgress) {
			w.logger.Debug("previous batch still running, skipping tick")
			return
		}
		w.logger.Warn("analysis batch failed", zap.Error(err))
	}
}

// ItemStatus is the outcome of one report within a batch.
type ItemStatus string

const (
	ItemAnalyzed ItemStatus = "analyzed"
	ItemFailed   ItemStatus = "failed"
	ItemSkipped  ItemStatus = "skipped"
)

// ItemResult describes what happened to one report.
type ItemResult struct {
	ErrorID    string     `json:"error_id"`
	ErrorHash  string     `json:"error_hash"`
	Status     ItemStatus `json:"status"`
	Confidence float64    `json:"confidence,omitempty"`
	Action     string     `json:"action,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// BatchResult summarizes one batch.
type BatchResult struct {
	Selected int            `json:"selected"`
	Analyzed int            `json:"analyzed"`
	Failed   int            `json:"failed"`
	Skipped  int            `json:"skipped"`
	Actions  map[string]int `json:"actions"`
	Items    []ItemResult   `json:"items"`
	Duration time.Duration  `json:"duration"`
}

func (b *BatchResult) add(item ItemResult) {
	b.Items = append(b.Items, item)
	switch item.Status {
	case ItemAnalyzed:
		b.Analyzed++
	case ItemFailed:
		b.Failed++
	case ItemSkipped:
		b.Skipped++
	}
	if item.Action != "" {
		b.Actions[item.Action]++
	}
}

// RunBatch processes up to BatchSize pending reports sequentially. A
// failing report is reset for retry and never aborts the rest of the batch.
// Returns ErrBatchInProgress when another batch is running.
func (w *Worker) RunBatch(ctx context.Context) (*BatchResult, error) {
	if !w.busy.CompareAndSwap(false, true) {
		return nil, ErrBatchInProgress
	}
	defer w.busy.Store(false)

	ctx, span := otel.Tracer("errwatch/worker").Start(ctx, "worker.RunBatch")
	defer span.End()

	start := w.now()
	reports, err := w.store.PendingReports(ctx, w.cfg.SeverityGate, w.cfg.Thresholds.MinOccurrences, w.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select pending failed")
		metrics.ObserveBatch(metrics.OutcomeFailed)
		w.publish(notify.KindBatchFailed, nil, map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("select pending reports: %w", err)
	}

	res := &BatchResult{Selected: len(reports), Actions: map[string]int{}}
	for _, r := range reports {
		if ctx.Err() != nil {
			break
		}
		res.add(w.processSafely(ctx, r))
	}
	res.Duration = w.now().Sub(start)

	span.SetAttributes(
		attribute.Int("batch.selected", res.Selected),
		attribute.Int("batch.analyzed", res.Analyzed),
		attribute.Int("batch.failed", res.Failed),
	)
	metrics.ObserveBatch(metrics.OutcomeSuccess)
	if res.Selected > 0 {
		w.logger.Info("analysis batch completed",
			zap.Int("selected", res.Selected),
			zap.Int("analyzed", res.Analyzed),
			zap.Int("failed", res.Failed),
			zap.Int("skipped", res.Skipped),
			zap.Duration("duration", res.Duration),
		)
	}
	w.publish(notify.KindBatchCompleted, nil, map[string]any{
		"selected": res.Selected,
		"analyzed": res.Analyzed,
		"failed":   res.Failed,
		"skipped":  res.Skipped,
	})
	return res, ctx.Err()
}

// processSafely isolates a panicking item from the rest of the batch.
func (w *Worker) processSafely(ctx context.Context, r *store.ErrorReport) (item ItemResult) {
	defer func() {
		if p := recover(); p != nil {
			w.logger.Error("report processing panicked",
				zap.String("error.id", r.ID),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
			w.resetToNew(ctx, r)
			item = ItemResult{ErrorID: r.ID, ErrorHash: r.ErrorHash, Status: ItemFailed, Error: fmt.Sprint(p)}
		}
	}()
	return w.process(ctx, r)
}

func (w *Worker) process(ctx context.Context, r *store.ErrorReport) ItemResult {
	item := ItemResult{ErrorID: r.ID, ErrorHash: r.ErrorHash}
	ctx = logging.WithErrorRef(ctx, logging.ErrorRef{ID: r.ID, Hash: r.ErrorHash, Service: r.Service})
	log := logging.Ctx(ctx, w.logger)

	if !w.gate[r.Severity] {
		item.Status = ItemSkipped
		return item
	}

	if err := w.store.UpdateStatus(ctx, r.ID, store.StatusNew, store.StatusAnalyzing); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			item.Status = ItemSkipped
			return item
		}
		log.Warn("failed to claim report", zap.Error(err))
		item.Status, item.Error = ItemFailed, err.Error()
		return item
	}
	r.Status = store.StatusAnalyzing
	w.auditEntry(r, "status", "analyzing", "analysis started", nil)

	details := detailsFor(r)
	analysis, err := w.analyzer.AnalyzeError(ctx, details)
	if err == nil {
		var data json.RawMessage
		if data, err = analysis.JSON(); err == nil {
			err = w.store.SaveAnalysis(ctx, r.ID, data)
		}
	}
	if err != nil {
		log.Warn("analysis failed, report returned to queue", zap.Error(err))
		w.resetToNew(ctx, r)
		w.auditEntry(r, "status", "new", "analysis failed", map[string]any{"error": err.Error()})
		item.Status, item.Error = ItemFailed, err.Error()
		return item
	}
	r.Status = store.StatusAnalyzed

	item.Status = ItemAnalyzed
	item.Confidence = analysis.Confidence
	if w.announcer != nil {
		w.announcer.MarkAnalyzed(ctx, r, analysis.Confidence)
	} else {
		w.publish(notify.KindAnalyzed, r, map[string]any{"confidence": analysis.Confidence})
	}

	item.Action = DetermineAction(analysis.Confidence, w.cfg.Actions.EnabledTypes, w.cfg.Thresholds)
	switch item.Action {
	case config.ActionGeneratePR:
		w.generatePR(ctx, r, details, analysis)
	case config.ActionCreateTicket:
		w.createTicket(ctx, r, analysis)
	case config.ActionLogOnly:
		w.logOnly(ctx, r, analysis)
	default:
		log.Info("no action enabled for analysis", zap.Float64("confidence", analysis.Confidence))
	}
	return item
}

// resetToNew returns a claimed report to the queue. It runs even when ctx
// is canceled so an aborted batch does not strand reports in analyzing.
func (w *Worker) resetToNew(ctx context.Context, r *store.ErrorReport) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.store.UpdateStatus(ctx, r.ID, store.StatusAnalyzing, store.StatusNew); err != nil && !errors.Is(err, store.ErrStatusConflict) {
		logging.Ctx(ctx, w.logger).Error("failed to reset report status", zap.String("error.id", r.ID), zap.Error(err))
		return
	}
	r.Status = store.StatusNew
}

func detailsFor(r *store.ErrorReport) gateway.ErrorDetails {
	return gateway.ErrorDetails{
		ErrorHash:       r.ErrorHash,
		ErrorType:       r.ErrorType,
		Message:         r.Message,
		StackTrace:      r.StackTrace,
		Component:       r.Component,
		Service:         r.Service,
		Severity:        r.Severity,
		OccurrenceCount: int(r.OccurrenceCount),
		Context:         r.Context,
	}
}

func (w *Worker) publish(kind notify.Kind, r *store.ErrorReport, payload map[string]any) {
	e := notify.Event{Kind: kind, Payload: payload, At: w.now()}
	if r != nil {
		e.ErrorID, e.ErrorHash, e.Service = r.ID, r.ErrorHash, r.Service
	}
	w.publisher.Publish(e)
}

func (w *Worker) auditEntry(r *store.ErrorReport, attr, status, message string, metadata map[string]any) {
	if w.audit == nil {
		return
	}
	w.audit.Enqueue(store.EventLog{
		ErrorID:   r.ID,
		Service:   r.Service,
		Attribute: attr,
		Status:    status,
		Message:   message,
		Metadata:  metadata,
		Timestamp: w.now(),
	})
}
