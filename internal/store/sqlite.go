package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/errwatch/internal/config"
	"github.com/fyrsmithlabs/errwatch/internal/errs"

	_ "modernc.org/sqlite"
)

const reportColumns = `id, error_hash, error_type, severity, message, stack_trace, component, service,
	context_json, environment, occurrence_count, status, first_occurrence, last_occurrence, analysis_result`

const actionColumns = `id, error_report_id, action_type, action_status, recommendation, confidence_score,
	commit_message, related_files, ticket_id, branch, commit_sha, review_url, detail, created_at, updated_at`

// SQLite implements Store on the pure Go modernc.org/sqlite driver.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens the database named by cfg.DSN and ensures the schema.
// File databases run in WAL mode; every connection gets the configured busy
// timeout so concurrent writers wait instead of failing.
func OpenSQLite(ctx context.Context, cfg config.StorageConfig) (*SQLite, error) {
	dsn, memory := sqliteDSN(cfg)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errs.Transient("ping sqlite", err)
	}
	s, err := NewSQLite(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an open database and ensures the schema.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := ensureSchema(db); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func sqliteDSN(cfg config.StorageConfig) (string, bool) {
	dsn := cfg.DSN
	memory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
	if dsn == ":memory:" {
		dsn = "file::memory:"
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=busy_timeout(" + strconv.FormatInt(busy.Milliseconds(), 10) + ")&_pragma=foreign_keys(1)"
	if !memory {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	return dsn, memory
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS error_reports (
			id TEXT PRIMARY KEY,
			error_hash TEXT NOT NULL UNIQUE,
			error_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			stack_trace TEXT NOT NULL DEFAULT '',
			component TEXT NOT NULL DEFAULT '',
			service TEXT NOT NULL,
			context_json TEXT,
			environment TEXT NOT NULL DEFAULT '',
			occurrence_count INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'new',
			first_occurrence INTEGER NOT NULL,
			last_occurrence INTEGER NOT NULL,
			analysis_result TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_error_reports_pending
			ON error_reports(status, severity, occurrence_count DESC, first_occurrence ASC);

		CREATE TABLE IF NOT EXISTS error_event_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			error_id TEXT NOT NULL DEFAULT '',
			service TEXT NOT NULL DEFAULT '',
			attribute TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			metadata_json TEXT,
			ts INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_error_event_log_error ON error_event_log(error_id);

		CREATE TABLE IF NOT EXISTS error_actions (
			id TEXT PRIMARY KEY,
			error_report_id TEXT NOT NULL REFERENCES error_reports(id),
			action_type TEXT NOT NULL,
			action_status TEXT NOT NULL,
			recommendation TEXT NOT NULL DEFAULT '',
			confidence_score REAL NOT NULL DEFAULT 0,
			commit_message TEXT NOT NULL DEFAULT '',
			related_files TEXT,
			ticket_id TEXT NOT NULL DEFAULT '',
			branch TEXT NOT NULL DEFAULT '',
			commit_sha TEXT NOT NULL DEFAULT '',
			review_url TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(error_report_id, action_type)
		);

		CREATE TABLE IF NOT EXISTS error_tickets (
			id TEXT PRIMARY KEY,
			error_report_id TEXT NOT NULL REFERENCES error_reports(id),
			system TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			labels TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_error_tickets_report ON error_tickets(error_report_id);
	`)
	return err
}

// UpsertReport inserts or increments in one statement so concurrent
// duplicates from several service instances never double-insert.
func (s *SQLite) UpsertReport(ctx context.Context, r *ErrorReport) (*ErrorReport, error) {
	if r == nil || r.ErrorHash == "" {
		return nil, errors.New("report with error hash is required")
	}
	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	at := r.LastOccurrence
	if at.IsZero() {
		at = s.now()
	}
	ctxJSON, err := encodeJSON(r.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to encode context: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO error_reports (
			id, error_hash, error_type, severity, message, stack_trace, component, service,
			context_json, environment, occurrence_count, status, first_occurrence, last_occurrence
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(error_hash) DO UPDATE SET
			occurrence_count = error_reports.occurrence_count + 1,
			last_occurrence = MAX(error_reports.last_occurrence, excluded.last_occurrence),
			context_json = excluded.context_json
		RETURNING `+reportColumns,
		id, r.ErrorHash, r.ErrorType, r.Severity, r.Message, r.StackTrace, r.Component, r.Service,
		ctxJSON, r.Environment, string(StatusNew), at.UnixNano(), at.UnixNano(),
	)
	stored, err := scanReport(row)
	if err != nil {
		return nil, errs.Transient("upsert report", err)
	}
	return stored, nil
}

// GetReport returns the report with id.
func (s *SQLite) GetReport(ctx context.Context, id string) (*ErrorReport, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM error_reports WHERE id = ?`, id)
	return s.oneReport(row, "get report")
}

// GetReportByHash returns the report with the given error hash.
func (s *SQLite) GetReportByHash(ctx context.Context, hash string) (*ErrorReport, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM error_reports WHERE error_hash = ?`, hash)
	return s.oneReport(row, "get report by hash")
}

func (s *SQLite) oneReport(row *sql.Row, op string) (*ErrorReport, error) {
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errs.Transient(op, err)
	}
	return r, nil
}

// UpdateStatus performs a compare-and-set transition.
func (s *SQLite) UpdateStatus(ctx context.Context, id string, from, to Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE error_reports SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return errs.Transient("update status", err)
	}
	return s.checkTransition(ctx, res, id)
}

// SaveAnalysis stores result on an analyzing report and marks it analyzed.
func (s *SQLite) SaveAnalysis(ctx context.Context, id string, result json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE error_reports SET analysis_result = ?, status = ? WHERE id = ? AND status = ?`,
		string(result), string(StatusAnalyzed), id, string(StatusAnalyzing))
	if err != nil {
		return errs.Transient("save analysis", err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLite) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Transient("rows affected", err)
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM error_reports WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return errs.Transient("check report", err)
	}
	return ErrStatusConflict
}

// PendingReports lists new reports at or above minOccurrences whose
// severity is in severities.
func (s *SQLite) PendingReports(ctx context.Context, severities []string, minOccurrences, limit int) ([]*ErrorReport, error) {
	if len(severities) == 0 || limit <= 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(severities)), ",")
	args := []any{string(StatusNew), minOccurrences}
	for _, sev := range severities {
		args = append(args, sev)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reportColumns+`
		FROM error_reports
		WHERE status = ? AND occurrence_count >= ? AND severity IN (`+placeholders+`)
		ORDER BY occurrence_count DESC, first_occurrence ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, errs.Transient("pending reports", err)
	}
	defer rows.Close()

	var out []*ErrorReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, errs.Transient("scan report", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Transient("pending reports", err)
	}
	return out, nil
}

// Summary aggregates report, action and ticket counts.
func (s *SQLite) Summary(ctx context.Context) (*Summary, error) {
	sum := &Summary{
		ByStatus:      make(map[Status]int64),
		BySeverity:    make(map[string]int64),
		ActionsByType: make(map[string]int64),
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(occurrence_count), 0) FROM error_reports`,
	).Scan(&sum.TotalReports, &sum.TotalOccurrences); err != nil {
		return nil, errs.Transient("summary totals", err)
	}

	groups := []struct {
		query string
		put   func(key string, n int64)
	}{
		{`SELECT status, COUNT(*) FROM error_reports GROUP BY status`, func(k string, n int64) { sum.ByStatus[Status(k)] = n }},
		{`SELECT severity, COUNT(*) FROM error_reports GROUP BY severity`, func(k string, n int64) { sum.BySeverity[k] = n }},
		{`SELECT action_type, COUNT(*) FROM error_actions GROUP BY action_type`, func(k string, n int64) { sum.ActionsByType[k] = n }},
	}
	for _, g := range groups {
		if err := s.groupCounts(ctx, g.query, g.put); err != nil {
			return nil, err
		}
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM error_tickets`).Scan(&sum.Tickets); err != nil {
		return nil, errs.Transient("summary tickets", err)
	}
	return sum, nil
}

func (s *SQLite) groupCounts(ctx context.Context, query string, put func(string, int64)) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return errs.Transient("summary", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int64
		)
		if err := rows.Scan(&key, &n); err != nil {
			return errs.Transient("summary", err)
		}
		put(key, n)
	}
	return rows.Err()
}

// AppendEvent appends an audit entry.
func (s *SQLite) AppendEvent(ctx context.Context, e EventLog) error {
	meta, err := encodeJSON(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO error_event_log (error_id, service, attribute, status, message, metadata_json, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ErrorID, e.Service, e.Attribute, e.Status, e.Message, meta, ts.UnixNano())
	return errs.Transient("append event", err)
}

// ListEvents returns the newest events first. An empty errorID lists all events.
func (s *SQLite) ListEvents(ctx context.Context, errorID string, limit int) ([]EventLog, error) {
	query := `SELECT id, error_id, service, attribute, status, message, metadata_json, ts FROM error_event_log`
	var args []any
	if errorID != "" {
		query += ` WHERE error_id = ?`
		args = append(args, errorID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Transient("list events", err)
	}
	defer rows.Close()

	var events []EventLog
	for rows.Next() {
		var (
			e    EventLog
			meta sql.NullString
			ts   int64
		)
		if err := rows.Scan(&e.ID, &e.ErrorID, &e.Service, &e.Attribute, &e.Status, &e.Message, &meta, &ts); err != nil {
			return nil, errs.Transient("scan event", err)
		}
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &e.Metadata)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Transient("list events", err)
	}
	return events, nil
}

// UpsertAction inserts a or replaces the existing action of the same type
// for the same report. The stored row is returned.
func (s *SQLite) UpsertAction(ctx context.Context, a *ErrorAction) (*ErrorAction, error) {
	if a == nil || a.ErrorReportID == "" || a.ActionType == "" {
		return nil, errors.New("action with report id and type is required")
	}
	id := a.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := a.ActionStatus
	if status == "" {
		status = ActionPending
	}
	files, err := encodeJSON(a.RelatedFiles)
	if err != nil {
		return nil, fmt.Errorf("failed to encode related files: %w", err)
	}
	now := s.now().UnixNano()

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO error_actions (
			id, error_report_id, action_type, action_status, recommendation, confidence_score,
			commit_message, related_files, ticket_id, branch, commit_sha, review_url, detail, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(error_report_id, action_type) DO UPDATE SET
			action_status = excluded.action_status,
			recommendation = excluded.recommendation,
			confidence_score = excluded.confidence_score,
			commit_message = excluded.commit_message,
			related_files = excluded.related_files,
			ticket_id = excluded.ticket_id,
			branch = excluded.branch,
			commit_sha = excluded.commit_sha,
			review_url = excluded.review_url,
			detail = excluded.detail,
			updated_at = excluded.updated_at
		RETURNING `+actionColumns,
		id, a.ErrorReportID, a.ActionType, status, a.Recommendation, a.ConfidenceScore,
		a.CommitMessage, files, a.TicketID, a.Branch, a.CommitSHA, a.ReviewURL, a.Detail, now, now,
	)
	stored, err := scanAction(row)
	if err != nil {
		return nil, errs.Transient("upsert action", err)
	}
	return stored, nil
}

// ListActions returns the actions recorded for a report.
func (s *SQLite) ListActions(ctx context.Context, errorID string) ([]*ErrorAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM error_actions WHERE error_report_id = ? ORDER BY created_at ASC`, errorID)
	if err != nil {
		return nil, errs.Transient("list actions", err)
	}
	defer rows.Close()

	var out []*ErrorAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, errs.Transient("scan action", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Transient("list actions", err)
	}
	return out, nil
}

// CreateTicket stores t. Re-creating an existing ticket ID is a no-op.
func (s *SQLite) CreateTicket(ctx context.Context, t *Ticket) error {
	if t == nil || t.ID == "" {
		return errors.New("ticket id is required")
	}
	labels, err := encodeJSON(t.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}
	created := t.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO error_tickets (id, error_report_id, system, title, body, labels, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		t.ID, t.ErrorReportID, t.System, t.Title, t.Body, labels, created.UnixNano())
	return errs.Transient("create ticket", err)
}

// ListTickets returns the tickets recorded for a report.
func (s *SQLite) ListTickets(ctx context.Context, errorID string) ([]*Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, error_report_id, system, title, body, labels, created_at
		FROM error_tickets WHERE error_report_id = ? ORDER BY created_at ASC`, errorID)
	if err != nil {
		return nil, errs.Transient("list tickets", err)
	}
	defer rows.Close()

	var out []*Ticket
	for rows.Next() {
		var (
			t       Ticket
			labels  sql.NullString
			created int64
		)
		if err := rows.Scan(&t.ID, &t.ErrorReportID, &t.System, &t.Title, &t.Body, &labels, &created); err != nil {
			return nil, errs.Transient("scan ticket", err)
		}
		if labels.Valid && labels.String != "" {
			_ = json.Unmarshal([]byte(labels.String), &t.Labels)
		}
		t.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Transient("list tickets", err)
	}
	return out, nil
}

// Ping checks database connectivity.
func (s *SQLite) Ping(ctx context.Context) error {
	return errs.Transient("ping sqlite", s.db.PingContext(ctx))
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(row scanner) (*ErrorReport, error) {
	var (
		r        ErrorReport
		ctxJSON  sql.NullString
		status   string
		first    int64
		last     int64
		analysis sql.NullString
	)
	if err := row.Scan(
		&r.ID, &r.ErrorHash, &r.ErrorType, &r.Severity, &r.Message, &r.StackTrace, &r.Component, &r.Service,
		&ctxJSON, &r.Environment, &r.OccurrenceCount, &status, &first, &last, &analysis,
	); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.FirstOccurrence = time.Unix(0, first).UTC()
	r.LastOccurrence = time.Unix(0, last).UTC()
	if ctxJSON.Valid && ctxJSON.String != "" {
		_ = json.Unmarshal([]byte(ctxJSON.String), &r.Context)
	}
	if analysis.Valid && analysis.String != "" {
		r.AnalysisResult = json.RawMessage(analysis.String)
	}
	return &r, nil
}

func scanAction(row scanner) (*ErrorAction, error) {
	var (
		a       ErrorAction
		files   sql.NullString
		created int64
		updated int64
	)
	if err := row.Scan(
		&a.ID, &a.ErrorReportID, &a.ActionType, &a.ActionStatus, &a.Recommendation, &a.ConfidenceScore,
		&a.CommitMessage, &files, &a.TicketID, &a.Branch, &a.CommitSHA, &a.ReviewURL, &a.Detail, &created, &updated,
	); err != nil {
		return nil, err
	}
	if files.Valid && files.String != "" {
		_ = json.Unmarshal([]byte(files.String), &a.RelatedFiles)
	}
	a.CreatedAt = time.Unix(0, created).UTC()
	a.UpdatedAt = time.Unix(0, updated).UTC()
	return &a, nil
}

// encodeJSON returns nil for empty values so the column stays NULL.
func encodeJSON(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
