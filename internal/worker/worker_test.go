package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/errwatch/internal/config"
	"github.com/fyrsmithlabs/errwatch/internal/errs"
	"github.com/fyrsmithlabs/errwatch/internal/gateway"
	"github.com/fyrsmithlabs/errwatch/internal/logging"
	"github.com/fyrsmithlabs/errwatch/internal/notify"
	"github.com/fyrsmithlabs/errwatch/internal/remediation"
	"github.com/fyrsmithlabs/errwatch/internal/store"
	"github.com/fyrsmithlabs/errwatch/internal/telemetry"
)

type fakeAnalyzer struct {
	mu         sync.Mutex
	analyze    func(ctx context.Context, d gateway.ErrorDetails) (*gateway.Analysis, error)
	commitMsg  string
	commitErr  error
	fix        *gateway.Fix
	analyzed   []string
	fixesAsked int
}

func (f *fakeAnalyzer) AnalyzeError(ctx context.Context, d gateway.ErrorDetails) (*gateway.Analysis, error) {
	f.mu.Lock()
	f.analyzed = append(f.analyzed, d.ErrorHash)
	analyze := f.analyze
	f.mu.Unlock()
	return analyze(ctx, d)
}

func (f *fakeAnalyzer) GenerateFix(_ context.Context, _ gateway.ErrorDetails, _ *gateway.Analysis) (*gateway.Fix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixesAsked++
	if f.fix == nil {
		return nil, errors.New("no fix")
	}
	return f.fix, nil
}

func (f *fakeAnalyzer) GenerateCommitMessage(context.Context, gateway.CommitContext) (string, error) {
	return f.commitMsg, f.commitErr
}

func confidenceByHash(m map[string]float64) func(context.Context, gateway.ErrorDetails) (*gateway.Analysis, error) {
	return func(_ context.Context, d gateway.ErrorDetails) (*gateway.Analysis, error) {
		c, ok := m[d.ErrorHash]
		if !ok {
			return nil, fmt.Errorf("unexpected hash %s", d.ErrorHash)
		}
		return &gateway.Analysis{
			RootCause:      "root cause of " + d.ErrorHash,
			SuggestedFixes: []string{"fix " + d.ErrorHash},
			RelatedFiles:   []string{"src/" + d.ErrorHash + ".ts"},
			Confidence:     c,
		}, nil
	}
}

type fakeRemediator struct {
	mu       sync.Mutex
	requests []remediation.Request
	err      error
}

func (f *fakeRemediator) Execute(_ context.Context, req remediation.Request) (*remediation.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return &remediation.Result{Branch: remediation.BranchName("fix/errwatch-", req.ErrorHash)}, f.err
	}
	return &remediation.Result{
		Branch:        remediation.BranchName("fix/errwatch-", req.ErrorHash),
		Commit:        "0123456789abcdef0123456789abcdef01234567",
		ReviewRequest: &remediation.ReviewResult{URL: "https://github.com/acme/api/pull/3", Tool: "fake"},
		Skipped:       []string{"push: push disabled"},
	}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(e notify.Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *recordingPublisher) kinds() []notify.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]notify.Kind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []store.EventLog
}

func (a *recordingAudit) Enqueue(e store.EventLog) bool {
	a.mu.Lock()
	a.entries = append(a.entries, e)
	a.mu.Unlock()
	return true
}

func newTestStore(t *testing.T) *store.SQLite {
	t.Helper()
	cfg := config.Default().Storage
	cfg.DSN = ":memory:"
	s, err := store.OpenSQLite(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seed reports hash count times and returns the stored report.
func seed(t *testing.T, st *store.SQLite, hash, severity string, count int) *store.ErrorReport {
	t.Helper()
	var r *store.ErrorReport
	for i := 0; i < count; i++ {
		var err error
		r, err = st.UpsertReport(context.Background(), &store.ErrorReport{
			ErrorHash: hash,
			ErrorType: "TypeError",
			Severity:  severity,
			Message:   "cannot read property 'id' of undefined",
			Component: "services/user",
			Service:   "api",
		})
		require.NoError(t, err)
	}
	return r
}

func testConfig() Config {
	cfg := ConfigFrom(config.Default())
	cfg.Interval = 10 * time.Millisecond
	return cfg
}

type harness struct {
	store      *store.SQLite
	analyzer   *fakeAnalyzer
	remediator *fakeRemediator
	publisher  *recordingPublisher
	audit      *recordingAudit
	logs       *logging.TestLogger
	worker     *Worker
}

func newHarness(t *testing.T, cfg Config, analyze func(context.Context, gateway.ErrorDetails) (*gateway.Analysis, error)) *harness {
	t.Helper()
	h := &harness{
		store:      newTestStore(t),
		analyzer:   &fakeAnalyzer{analyze: analyze, commitMsg: "fix(user): guard missing user\n\nAdds a nil check."},
		remediator: &fakeRemediator{},
		publisher:  &recordingPublisher{},
		audit:      &recordingAudit{},
		logs:       logging.NewTestLogger(),
	}
	w, err := New(cfg, Deps{
		Store:      h.store,
		Analyzer:   h.analyzer,
		Remediator: h.remediator,
		Publisher:  h.publisher,
		Audit:      h.audit,
		Logger:     h.logs.Logger,
	})
	require.NoError(t, err)
	h.worker = w
	return h
}

func (h *harness) actionsFor(t *testing.T, id string) map[string]*store.ErrorAction {
	t.Helper()
	list, err := h.store.ListActions(context.Background(), id)
	require.NoError(t, err)
	out := make(map[string]*store.ErrorAction, len(list))
	for _, a := range list {
		out[a.ActionType] = a
	}
	return out
}

func TestRunBatch_ActionsFollowConfidence(t *testing.T) {
	h := newHarness(t, testConfig(), confidenceByHash(map[string]float64{
		"aaaaaaaa11": 0.95,
		"bbbbbbbb22": 0.75,
		"cccccccc33": 0.5,
	}))
	pr := seed(t, h.store, "aaaaaaaa11", "critical", 5)
	ticket := seed(t, h.store, "bbbbbbbb22", "error", 4)
	logged := seed(t, h.store, "cccccccc33", "error", 3)

	res, err := h.worker.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Selected)
	assert.Equal(t, 3, res.Analyzed)
	assert.Equal(t, map[string]int{
		config.ActionGeneratePR:   1,
		config.ActionCreateTicket: 1,
		config.ActionLogOnly:      1,
	}, res.Actions)

	// most frequent first
	assert.Equal(t, []string{"aaaaaaaa11", "bbbbbbbb22", "cccccccc33"}, h.analyzer.analyzed)

	prAction := h.actionsFor(t, pr.ID)[config.ActionGeneratePR]
	require.NotNil(t, prAction)
	assert.Equal(t, store.ActionCompleted, prAction.ActionStatus)
	assert.Equal(t, "fix/errwatch-aaaaaaaa", prAction.Branch)
	assert.Equal(t, "https://github.com/acme/api/pull/3", prAction.ReviewURL)
	assert.Equal(t, "push: push disabled", prAction.Detail)
	assert.Contains(t, prAction.CommitMessage, "fix(user): guard missing user")
	assert.Contains(t, prAction.CommitMessage, "Error-Hash: aaaaaaaa11")

	require.Len(t, h.remediator.requests, 1)
	req := h.remediator.requests[0]
	require.Len(t, req.Files, 1)
	assert.Equal(t, ".errwatch/fixes/aaaaaaaa.md", req.Files[0].Path)
	assert.Contains(t, string(req.Files[0].Content), "root cause of aaaaaaaa11")
	assert.Equal(t, "user", req.Message.Scope)

	ticketAction := h.actionsFor(t, ticket.ID)[config.ActionCreateTicket]
	require.NotNil(t, ticketAction)
	assert.Equal(t, "ERR-BBBBBBBB", ticketAction.TicketID)
	tickets, err := h.store.ListTickets(context.Background(), ticket.ID)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, []string{"errwatch", "automated"}, tickets[0].Labels)
	assert.Equal(t, "[api] TypeError: cannot read property 'id' of undefined", tickets[0].Title)

	logAction := h.actionsFor(t, logged.ID)[config.ActionLogOnly]
	require.NotNil(t, logAction)
	assert.Equal(t, "fix cccccccc33", logAction.Recommendation)

	for _, r := range []*store.ErrorReport{pr, ticket, logged} {
		got, err := h.store.GetReport(context.Background(), r.ID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusAnalyzed, got.Status)
		assert.NotEmpty(t, got.AnalysisResult)
	}

	kinds := h.publisher.kinds()
	assert.Contains(t, kinds, notify.KindAnalyzed)
	assert.Contains(t, kinds, notify.KindTicketCreated)
	assert.Contains(t, kinds, notify.KindActionCreated)
	assert.Equal(t, notify.KindBatchCompleted, kinds[len(kinds)-1])
}

func TestRunBatch_FailureResetsAndContinues(t *testing.T) {
	h := newHarness(t, testConfig(), func(_ context.Context, d gateway.ErrorDetails) (*gateway.Analysis, error) {
		if d.ErrorHash == "failing000" {
			return nil, &errs.TimeoutError{Operation: "gateway generate", Timeout: time.Second}
		}
		return &gateway.Analysis{RootCause: "x", Confidence: 0.5}, nil
	})
	failing := seed(t, h.store, "failing000", "error", 9)
	ok := seed(t, h.store, "ok00000000", "error", 3)

	res, err := h.worker.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Analyzed)
	assert.Contains(t, res.Items[0].Error, "exceeded timeout")

	got, err := h.store.GetReport(context.Background(), failing.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusNew, got.Status)

	got, err = h.store.GetReport(context.Background(), ok.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAnalyzed, got.Status)

	h.logs.AssertLogged(t, zapcore.WarnLevel, "analysis failed")

	var statuses []string
	for _, e := range h.audit.entries {
		if e.ErrorID == failing.ID {
			statuses = append(statuses, e.Status)
		}
	}
	assert.Equal(t, []string{"analyzing", "new"}, statuses)

	// the failed report is retried on the next batch
	res, err = h.worker.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Selected)
	assert.Equal(t, failing.ID, res.Items[0].ErrorID)
}

func TestRunBatch_PanicIsIsolated(t *testing.T) {
	h := newHarness(t, testConfig(), func(_ context.Context, d gateway.ErrorDetails) (*gateway.Analysis, error) {
		if d.ErrorHash == "panics0000" {
			panic("analyzer exploded")
		}
		return &gateway.Analysis{RootCause: "x", Confidence: 0.5}, nil
	})
	boom := seed(t, h.store, "panics0000", "critical", 5)
	seed(t, h.store, "fine000000", "critical", 3)

	res, err := h.worker.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Analyzed)

	got, err := h.store.GetReport(context.Background(), boom.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusNew, got.Status)
}

func TestRunBatch_SkipsSeverityOutsideGate(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, confidenceByHash(map[string]float64{"crit000000": 0.5}))
	seed(t, h.store, "crit000000", "critical", 3)
	seed(t, h.store, "warn000000", "warning", 50)

	res, err := h.worker.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Selected)
	assert.Equal(t, []string{"crit000000"}, h.analyzer.analyzed)
}

func TestRunBatch_CommitMessageFailureIsNonFatal(t *testing.T) {
	h := newHarness(t, testConfig(), confidenceByHash(map[string]float64{"abcdef1234": 0.97}))
	h.analyzer.commitErr = errors.New("endpoint down")
	r := seed(t, h.store, "abcdef1234", "error", 3)

	_, err := h.worker.RunBatch(context.Background())
	require.NoError(t, err)

	a := h.actionsFor(t, r.ID)[config.ActionGeneratePR]
	require.NotNil(t, a)
	assert.Equal(t, store.ActionCompleted, a.ActionStatus)
	assert.Empty(t, a.CommitMessage)

	require.Len(t, h.remediator.requests, 1)
	assert.Equal(t, "automated remediation for error abcdef12", h.remediator.requests[0].Message.Subject)
}

func TestRunBatch_RemediationFailureMarksAction(t *testing.T) {
	h := newHarness(t, testConfig(), confidenceByHash(map[string]float64{"abcdef1234": 0.97}))
	h.remediator.err = &errs.WorkflowPreconditionError{Path: "/repo", Reason: "working tree has 1 uncommitted change(s)"}
	r := seed(t, h.store, "abcdef1234", "error", 3)

	res, err := h.worker.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Analyzed)

	a := h.actionsFor(t, r.ID)[config.ActionGeneratePR]
	require.NotNil(t, a)
	assert.Equal(t, store.ActionFailed, a.ActionStatus)
	assert.Contains(t, a.Detail, "uncommitted")
}

func TestRunBatch_ApplyFixWritesTargetFile(t *testing.T) {
	cfg := testConfig()
	cfg.ApplyFixes = true
	h := newHarness(t, cfg, confidenceByHash(map[string]float64{"abcdef1234": 0.97}))
	h.analyzer.fix = &gateway.Fix{
		FilePath:    "src/abcdef1234.ts",
		FixedCode:   "export const user = null;\n",
		Explanation: "guard",
		TestCases:   []string{"returns 404 for unknown user"},
	}
	seed(t, h.store, "abcdef1234", "error", 3)

	_, err := h.worker.RunBatch(context.Background())
	require.NoError(t, err)

	require.Len(t, h.remediator.requests, 1)
	files := h.remediator.requests[0].Files
	require.Len(t, files, 2)
	assert.Equal(t, "src/abcdef1234.ts", files[0].Path)
	assert.Equal(t, "export const user = null;\n", string(files[0].Content))
	assert.Contains(t, string(files[1].Content), "returns 404 for unknown user")
}

func TestRunBatch_OverlapGuard(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, testConfig(), func(context.Context, gateway.ErrorDetails) (*gateway.Analysis, error) {
		<-release
		return &gateway.Analysis{RootCause: "x", Confidence: 0.1}, nil
	})
	seed(t, h.store, "slow000000", "error", 3)

	done := make(chan error, 1)
	go func() {
		_, err := h.worker.RunBatch(context.Background())
		done <- err
	}()

	require.Eventually(t, h.worker.Running, time.Second, 5*time.Millisecond)
	_, err := h.worker.RunBatch(context.Background())
	assert.ErrorIs(t, err, ErrBatchInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, h.worker.Running())
}

func TestWorker_StartStop(t *testing.T) {
	h := newHarness(t, testConfig(), confidenceByHash(map[string]float64{"tick000000": 0.5}))
	seed(t, h.store, "tick000000", "error", 3)

	require.NoError(t, h.worker.Start(context.Background()))
	assert.ErrorIs(t, h.worker.Start(context.Background()), ErrAlreadyRunning)

	require.Eventually(t, func() bool {
		h.analyzer.mu.Lock()
		defer h.analyzer.mu.Unlock()
		return len(h.analyzer.analyzed) == 1
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.worker.Stop(ctx))
	require.NoError(t, h.worker.Stop(ctx))

	kinds := h.publisher.kinds()
	assert.Equal(t, notify.KindWorkerStarted, kinds[0])
	assert.Equal(t, notify.KindWorkerStopped, kinds[len(kinds)-1])
	assert.Contains(t, kinds, notify.KindBatchCompleted)
}

func TestWorker_RestartsAfterContextDone(t *testing.T) {
	h := newHarness(t, testConfig(), confidenceByHash(nil))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.worker.Start(ctx))
	cancel()

	require.Eventually(t, func() bool {
		return slices.Contains(h.publisher.kinds(), notify.KindWorkerStopped)
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.worker.Start(context.Background()))
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, h.worker.Stop(stopCtx))

	assert.Equal(t, []notify.Kind{
		notify.KindWorkerStarted, notify.KindWorkerStopped,
		notify.KindWorkerStarted, notify.KindWorkerStopped,
	}, workerKinds(h.publisher.kinds()))
}

func workerKinds(kinds []notify.Kind) []notify.Kind {
	var out []notify.Kind
	for _, k := range kinds {
		if k == notify.KindWorkerStarted || k == notify.KindWorkerStopped {
			out = append(out, k)
		}
	}
	return out
}

func TestWorker_StopAbortsAfterDeadline(t *testing.T) {
	entered := make(chan struct{})
	var once sync.Once
	h := newHarness(t, testConfig(), func(ctx context.Context, _ gateway.ErrorDetails) (*gateway.Analysis, error) {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r := seed(t, h.store, "stuck00000", "error", 3)

	require.NoError(t, h.worker.Start(context.Background()))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("batch never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.worker.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := h.store.GetReport(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusNew, got.Status)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(testConfig(), Deps{Analyzer: &fakeAnalyzer{}})
	require.Error(t, err)
	_, err = New(testConfig(), Deps{Store: newTestStore(t)})
	require.Error(t, err)
}

func TestRunBatch_RecordsSpan(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	defer tt.InstallGlobal()()

	h := newHarness(t, testConfig(), confidenceByHash(map[string]float64{"span000000": 0.5}))
	seed(t, h.store, "span000000", "error", 3)

	_, err := h.worker.RunBatch(context.Background())
	require.NoError(t, err)

	tt.AssertSpanExists(t, "worker.RunBatch")
	tt.AssertSpanAttribute(t, "worker.RunBatch", "batch.selected", int64(1))
	tt.AssertSpanAttribute(t, "worker.RunBatch", "batch.analyzed", int64(1))
}
