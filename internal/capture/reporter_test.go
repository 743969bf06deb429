package capture

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/errwatch/internal/config"
	"github.com/fyrsmithlabs/errwatch/internal/notify"
	"github.com/fyrsmithlabs/errwatch/internal/secrets"
	"github.com/fyrsmithlabs/errwatch/internal/store"
)

type recordingAudit struct {
	mu      sync.Mutex
	entries []store.EventLog
}

func (a *recordingAudit) Enqueue(e store.EventLog) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return true
}

func (a *recordingAudit) statuses() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.entries {
		out = append(out, e.Status)
	}
	return out
}

type fixture struct {
	reporter *Reporter
	store    *store.SQLite
	bus      *notify.Bus
	audit    *recordingAudit
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	storageCfg := config.Default().Storage
	storageCfg.DSN = ":memory:"
	st, err := store.OpenSQLite(context.Background(), storageCfg)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	redactor, err := secrets.New(config.Default().Security.Redaction)
	require.NoError(t, err)

	bus := notify.NewBus(nil)
	t.Cleanup(bus.Close)
	audit := &recordingAudit{}

	return &fixture{
		reporter: NewReporter(opts, st, redactor, bus, audit, nil),
		store:    st,
		bus:      bus,
		audit:    audit,
	}
}

func defaultOptions() Options {
	return Options{SeverityGate: []string{"critical", "error"}, MinOccurrences: 3, Environment: "test"}
}

var checkoutFault = RawError{
	Type:    "TypeError",
	Message: "Cannot read properties of undefined (reading 'id')",
	Stack: `TypeError: Cannot read properties of undefined (reading 'id')
    at Object.handle (/app/node_modules/express/lib/router/layer.js:95:5)
    at checkout (/app/src/orders/checkout.ts:42:17)`,
}

func TestReportError_DeduplicatesToOneRow(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := f.reporter.ReportError(ctx, checkoutFault, ReportContext{Service: "shop-api"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	report, err := f.store.GetReport(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, int64(4), report.OccurrenceCount)
	assert.Equal(t, "orders/checkout", report.Component)
	assert.Equal(t, "error", report.Severity)
	assert.Equal(t, "test", report.Environment)

	sum, err := f.store.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.TotalReports)
}

func TestReport_MinOccurrencesThreshold(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	sub := f.bus.Subscribe(16, notify.KindNeedsAnalysis)

	for i := 1; i <= 2; i++ {
		res, err := f.reporter.Report(ctx, checkoutFault, ReportContext{Service: "shop-api"})
		require.NoError(t, err)
		assert.False(t, res.NeedsAnalysis, "occurrence %d", i)
	}
	assert.Len(t, sub.C(), 0)

	res, err := f.reporter.Report(ctx, checkoutFault, ReportContext{Service: "shop-api"})
	require.NoError(t, err)
	assert.True(t, res.NeedsAnalysis)
	require.Len(t, sub.C(), 1)

	e := <-sub.C()
	assert.Equal(t, res.Report.ID, e.ErrorID)
	assert.Contains(t, f.audit.statuses(), "needsAnalysis")
}

func TestReport_WarningNeverTriggers(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()

	warn := RawError{Type: "DeprecationWarning", Message: "Buffer() is deprecated"}
	for i := 0; i < 10; i++ {
		res, err := f.reporter.Report(ctx, warn, ReportContext{Service: "shop-api"})
		require.NoError(t, err)
		assert.Equal(t, "warning", res.Report.Severity)
		assert.False(t, res.NeedsAnalysis)
	}
}

func TestShouldTriggerAnalysis(t *testing.T) {
	r := NewReporter(defaultOptions(), nil, nil, nil, nil, nil)
	tests := []struct {
		name   string
		report *store.ErrorReport
		want   bool
	}{
		{"eligible", &store.ErrorReport{Severity: "error", OccurrenceCount: 3, Status: store.StatusNew}, true},
		{"critical above threshold", &store.ErrorReport{Severity: "critical", OccurrenceCount: 10, Status: store.StatusNew}, true},
		{"below threshold", &store.ErrorReport{Severity: "error", OccurrenceCount: 2, Status: store.StatusNew}, false},
		{"warning", &store.ErrorReport{Severity: "warning", OccurrenceCount: 100, Status: store.StatusNew}, false},
		{"analyzing", &store.ErrorReport{Severity: "error", OccurrenceCount: 5, Status: store.StatusAnalyzing}, false},
		{"analyzed", &store.ErrorReport{Severity: "error", OccurrenceCount: 5, Status: store.StatusAnalyzed}, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.ShouldTriggerAnalysis(tt.report))
		})
	}
}

func TestReport_RedactsBeforeStorage(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()

	res, err := f.reporter.Report(ctx,
		RawError{Type: "AuthError", Message: "login failed password=hunter2secret"},
		ReportContext{Service: "auth", Metadata: map[string]any{"password": "s3cr3t123", "user": "alice"}},
	)
	require.NoError(t, err)

	stored, err := f.store.GetReport(ctx, res.Report.ID)
	require.NoError(t, err)
	assert.NotContains(t, stored.Message, "hunter2secret")

	data, err := json.Marshal(stored.Context)
	require.NoError(t, err)
	assert.Contains(t, string(data), "s3cr***REDACTED***")
	assert.NotContains(t, string(data), "3t123")
}

func TestReport_Validation(t *testing.T) {
	f := newFixture(t, defaultOptions())
	_, err := f.reporter.Report(context.Background(), RawError{}, ReportContext{Service: "x"})
	require.Error(t, err)
	_, err = f.reporter.Report(context.Background(), RawError{Message: "boom"}, ReportContext{})
	require.Error(t, err)
}

func TestCaptureRecovered(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()

	var id string
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				var err error
				id, err = f.reporter.CaptureRecovered(ctx, rec, ReportContext{Service: "errwatch"})
				require.NoError(t, err)
			}
		}()
		panic(errors.New("index out of range"))
	}()

	require.NotEmpty(t, id)
	report, err := f.store.GetReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "critical", report.Severity)
	assert.Equal(t, "index out of range", report.Message)
	assert.Contains(t, report.ErrorType, "panic")
	assert.False(t, strings.HasPrefix(report.StackTrace, "goroutine "))
	assert.Contains(t, report.StackTrace, "TestCaptureRecovered")
}

func TestMarkAnalyzed_PublishesAndAudits(t *testing.T) {
	f := newFixture(t, defaultOptions())
	sub := f.bus.Subscribe(4, notify.KindAnalyzed)

	report := &store.ErrorReport{ID: "r1", ErrorHash: "abc", Service: "shop-api"}
	f.reporter.MarkAnalyzed(context.Background(), report, 0.8)

	require.Len(t, sub.C(), 1)
	e := <-sub.C()
	assert.Equal(t, 0.8, e.Payload["confidence"])
	assert.Equal(t, []string{"analyzed"}, f.audit.statuses())
}
