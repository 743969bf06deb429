package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/errwatch/internal/config"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	cfg := config.Default().Storage
	cfg.DSN = ":memory:"
	s, err := OpenSQLite(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleReport(hash string) *ErrorReport {
	return &ErrorReport{
		ErrorHash:  hash,
		ErrorType:  "TypeError",
		Severity:   "error",
		Message:    "cannot read property 'id' of undefined",
		StackTrace: "at handler (src/orders/checkout.ts:10:5)",
		Component:  "orders/checkout",
		Service:    "shop-api",
		Context:    map[string]any{"route": "/checkout"},
	}
}

func TestUpsertReport_DeduplicatesByHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var first *ErrorReport
	for i := 1; i <= 5; i++ {
		r, err := s.UpsertReport(ctx, sampleReport("hash-a"))
		require.NoError(t, err)
		assert.Equal(t, int64(i), r.OccurrenceCount)
		if first == nil {
			first = r
		}
		assert.Equal(t, first.ID, r.ID)
	}

	sum, err := s.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.TotalReports)
	assert.Equal(t, int64(5), sum.TotalOccurrences)
}

func TestUpsertReport_ConcurrentDuplicates(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default().Storage
	cfg.DSN = "file:" + filepath.Join(dir, "errwatch.db")
	s, err := OpenSQLite(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpsertReport(context.Background(), sampleReport("hash-concurrent"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	r, err := s.GetReportByHash(context.Background(), "hash-concurrent")
	require.NoError(t, err)
	assert.Equal(t, int64(n), r.OccurrenceCount)

	sum, err := s.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.TotalReports)
}

func TestUpsertReport_KeepsFirstOccurrence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := sampleReport("hash-t")
	r.LastOccurrence = t0
	_, err := s.UpsertReport(ctx, r)
	require.NoError(t, err)

	r2 := sampleReport("hash-t")
	r2.LastOccurrence = t0.Add(time.Hour)
	r2.Context = map[string]any{"route": "/cart"}
	stored, err := s.UpsertReport(ctx, r2)
	require.NoError(t, err)

	assert.Equal(t, t0, stored.FirstOccurrence)
	assert.Equal(t, t0.Add(time.Hour), stored.LastOccurrence)
	assert.Equal(t, "/cart", stored.Context["route"])
	assert.Equal(t, StatusNew, stored.Status)
}

func TestGetReport_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetReport(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatus_CompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r, err := s.UpsertReport(ctx, sampleReport("hash-cas"))
	require.NoError(t, err)

	require.NoError(t, s.UpdateStatus(ctx, r.ID, StatusNew, StatusAnalyzing))
	assert.ErrorIs(t, s.UpdateStatus(ctx, r.ID, StatusNew, StatusAnalyzing), ErrStatusConflict)
	assert.ErrorIs(t, s.UpdateStatus(ctx, "missing", StatusNew, StatusAnalyzing), ErrNotFound)

	// failure path resets for retry
	require.NoError(t, s.UpdateStatus(ctx, r.ID, StatusAnalyzing, StatusNew))
}

func TestSaveAnalysis(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r, err := s.UpsertReport(ctx, sampleReport("hash-an"))
	require.NoError(t, err)

	result := json.RawMessage(`{"root_cause":"nil order","confidence":0.8}`)
	assert.ErrorIs(t, s.SaveAnalysis(ctx, r.ID, result), ErrStatusConflict, "must be analyzing first")

	require.NoError(t, s.UpdateStatus(ctx, r.ID, StatusNew, StatusAnalyzing))
	require.NoError(t, s.SaveAnalysis(ctx, r.ID, result))

	got, err := s.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAnalyzed, got.Status)
	assert.JSONEq(t, string(result), string(got.AnalysisResult))

	// analyzed reports keep counting but are not reopened
	again, err := s.UpsertReport(ctx, sampleReport("hash-an"))
	require.NoError(t, err)
	assert.Equal(t, StatusAnalyzed, again.Status)
	assert.Equal(t, int64(2), again.OccurrenceCount)
}

func TestPendingReports_FilterAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	add := func(hash, severity string, count int, firstSeen time.Time) {
		for i := 0; i < count; i++ {
			r := sampleReport(hash)
			r.Severity = severity
			r.LastOccurrence = firstSeen
			_, err := s.UpsertReport(ctx, r)
			require.NoError(t, err)
		}
	}
	add("old-3", "error", 3, base)
	add("new-3", "error", 3, base.Add(time.Hour))
	add("crit-5", "critical", 5, base.Add(2*time.Hour))
	add("warn-9", "warning", 9, base)
	add("err-1", "error", 1, base)

	pending, err := s.PendingReports(ctx, []string{"critical", "error"}, 3, 10)
	require.NoError(t, err)

	var hashes []string
	for _, r := range pending {
		hashes = append(hashes, r.ErrorHash)
	}
	assert.Equal(t, []string{"crit-5", "old-3", "new-3"}, hashes)

	limited, err := s.PendingReports(ctx, []string{"critical", "error"}, 3, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "crit-5", limited[0].ErrorHash)

	none, err := s.PendingReports(ctx, nil, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, EventLog{
			ErrorID:   "e1",
			Service:   "shop-api",
			Attribute: "status",
			Status:    fmt.Sprintf("step-%d", i),
			Metadata:  map[string]any{"i": float64(i)},
		}))
	}
	require.NoError(t, s.AppendEvent(ctx, EventLog{Attribute: "worker", Status: "started"}))

	events, err := s.ListEvents(ctx, "e1", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "step-2", events[0].Status)
	assert.Equal(t, float64(2), events[0].Metadata["i"])

	all, err := s.ListEvents(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestUpsertAction_OnePerType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r, err := s.UpsertReport(ctx, sampleReport("hash-act"))
	require.NoError(t, err)

	first, err := s.UpsertAction(ctx, &ErrorAction{
		ErrorReportID:   r.ID,
		ActionType:      "generate_pr",
		Recommendation:  "guard nil order",
		ConfidenceScore: 0.95,
		RelatedFiles:    []string{"src/orders/checkout.ts"},
	})
	require.NoError(t, err)
	assert.Equal(t, ActionPending, first.ActionStatus)

	second, err := s.UpsertAction(ctx, &ErrorAction{
		ErrorReportID: r.ID,
		ActionType:    "generate_pr",
		ActionStatus:  ActionCompleted,
		Branch:        "fix/errwatch-abcd1234",
		CommitSHA:     "deadbeef",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = s.UpsertAction(ctx, &ErrorAction{ErrorReportID: r.ID, ActionType: "log_only"})
	require.NoError(t, err)

	actions, err := s.ListActions(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "fix/errwatch-abcd1234", actions[0].Branch)
	assert.Equal(t, ActionCompleted, actions[0].ActionStatus)
}

func TestCreateTicket_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r, err := s.UpsertReport(ctx, sampleReport("hash-tkt"))
	require.NoError(t, err)

	ticket := &Ticket{ID: "ERR-ABCD1234", ErrorReportID: r.ID, System: "ERR", Title: "TypeError in orders", Labels: []string{"errwatch"}}
	require.NoError(t, s.CreateTicket(ctx, ticket))
	require.NoError(t, s.CreateTicket(ctx, ticket))

	tickets, err := s.ListTickets(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, []string{"errwatch"}, tickets[0].Labels)

	sum, err := s.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Tickets)
}

func TestSQLiteDSN(t *testing.T) {
	dsn, memory := sqliteDSN(config.StorageConfig{DSN: ":memory:", BusyTimeout: 2 * time.Second})
	assert.True(t, memory)
	assert.Equal(t, "file::memory:?_pragma=busy_timeout(2000)&_pragma=foreign_keys(1)", dsn)

	dsn, memory = sqliteDSN(config.StorageConfig{DSN: "file:errwatch.db?cache=shared"})
	assert.False(t, memory)
	assert.Contains(t, dsn, "&_pragma=journal_mode(WAL)")
	assert.Contains(t, dsn, "busy_timeout(5000)")
}
