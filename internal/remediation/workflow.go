package remediation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing/object"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/errwatch/internal/config"
	"github.com/fyrsmithlabs/errwatch/internal/errs"
	"github.com/fyrsmithlabs/errwatch/internal/ignore"
	"github.com/fyrsmithlabs/errwatch/internal/logging"
)

const hashPrefixLen = 8

// FileChange is a file to write into the working copy before committing.
type FileChange struct {
	// Path is relative to the repository root.
	Path    string
	Content []byte
}

// Request is one remediation run.
type Request struct {
	ErrorHash string
	Files     []FileChange
	Message   CommitMessage
	// ReviewTitle and ReviewBody default to the commit subject and body.
	ReviewTitle string
	ReviewBody  string
}

// Result reports what a run did.
type Result struct {
	Branch        string        `json:"branch"`
	BaseBranch    string        `json:"base_branch,omitempty"`
	BranchExisted bool          `json:"branch_existed"`
	Commit        string        `json:"commit,omitempty"`
	Staged        []string      `json:"staged,omitempty"`
	Pushed        bool          `json:"pushed"`
	ReviewRequest *ReviewResult `json:"review_request,omitempty"`
	Skipped       []string      `json:"skipped,omitempty"`
	Errors        []string      `json:"errors,omitempty"`
}

func (r *Result) skip(step, reason string) {
	r.Skipped = append(r.Skipped, step+": "+reason)
}

// Workflow runs remediation against one working copy. It is safe for
// concurrent use; runs are serialized.
type Workflow struct {
	mu       sync.Mutex
	cfg      config.WorkflowConfig
	token    config.Secret
	base     string
	reviewer ReviewRequester
	open     urlOpener
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithReviewer replaces the reviewer chosen from configuration.
func WithReviewer(r ReviewRequester) Option {
	return func(w *Workflow) { w.reviewer = r }
}

// WithURLOpener replaces the OS URL handler used for desktop hand-off.
func WithURLOpener(open func(ctx context.Context, target string) error) Option {
	return func(w *Workflow) { w.open = open }
}

// WithClock replaces time.Now for commit timestamps.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// New creates a workflow. The reviewer follows cfg.ReviewTool unless
// WithReviewer is given.
func New(cfg config.WorkflowConfig, gh config.GitHubConfig, logger *zap.Logger, opts ...Option) (*Workflow, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RepoPath == "" {
		cfg.RepoPath = "."
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "fix/errwatch-"
	}
	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}

	w := &Workflow{
		cfg:    cfg,
		token:  gh.Token,
		base:   gh.BaseBranch,
		open:   openURL,
		now:    time.Now,
		logger: logger.Named("remediation"),
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.reviewer == nil {
		switch cfg.ReviewTool {
		case ReviewToolGH, "":
			w.reviewer = NewGHCLI(w.logger)
		case ReviewToolAPI:
			api, err := NewGitHubAPI(context.Background(), gh, nil, w.logger)
			if err != nil {
				return nil, fmt.Errorf("configure github review requester: %w", err)
			}
			w.reviewer = api
		case ReviewToolNone:
		default:
			return nil, fmt.Errorf("unknown review tool %q", cfg.ReviewTool)
		}
	}
	return w, nil
}

// BranchName returns the remediation branch for an error hash.
func BranchName(prefix, errorHash string) string {
	h := errorHash
	if len(h) > hashPrefixLen {
		h = h[:hashPrefixLen]
	}
	return prefix + strings.ToLower(h)
}

// CheckPreconditions verifies the configured path is a git working copy
// and, unless dirty trees are allowed, that it is clean.
func (w *Workflow) CheckPreconditions(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.prepare(ctx)
	return err
}

// CreateBranch checks out the remediation branch for errorHash, creating
// it from the base branch when it does not exist. Calling it again reuses
// the branch.
func (w *Workflow) CreateBranch(ctx context.Context, errorHash string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	wc, err := w.prepare(ctx)
	if err != nil {
		return "", err
	}
	name := BranchName(w.cfg.BranchPrefix, errorHash)
	_, from, err := wc.resolveBase(w.base, w.cfg.Remote)
	if err != nil {
		return "", err
	}
	if _, err := wc.checkoutBranch(name, from); err != nil {
		return "", err
	}
	return name, nil
}

// Commit stages paths and commits them with msg. An empty staged diff
// returns ErrNothingToCommit.
func (w *Workflow) Commit(ctx context.Context, paths []string, msg CommitMessage) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	wc, err := openWorkingCopy(w.cfg.RepoPath)
	if err != nil {
		return "", err
	}
	return wc.commit(paths, msg.String(), w.author())
}

// Execute runs branch, write, commit-or-stage, push, review and desktop
// hand-off in order. Critical failures are returned; the rest are
// collected on the Result.
//
// Every run branches from the base branch and leaves HEAD where it found
// it, except in stage-only mode where the staged changes stay checked out
// on the remediation branch. Files written by a run that fails are
// discarded.
func (w *Workflow) Execute(ctx context.Context, req Request) (*Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ctx, span := otel.Tracer("errwatch/remediation").Start(ctx, "remediation.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("error.hash", req.ErrorHash))

	log := logging.Ctx(ctx, w.logger).With(zap.String("error.hash", req.ErrorHash))
	res := &Result{}

	var (
		wc      *workingCopy
		written []string
	)
	fail := func(op string, err error) (*Result, error) {
		if len(written) > 0 {
			if derr := wc.discard(written); derr != nil {
				w.recordHigh(res, log, "discard_files", derr)
			}
		}
		werr := errs.NewWorkflowError(op, errs.SeverityCritical, err, "")
		res.Errors = append(res.Errors, errs.FormatForResult(op, err))
		span.RecordError(werr)
		span.SetStatus(codes.Error, op+" failed")
		log.Error("remediation step failed", zap.String("step", op), zap.Error(err))
		return res, werr
	}

	if req.ErrorHash == "" {
		return fail("validate", errors.New("error hash required"))
	}

	wc, err := w.prepare(ctx)
	if err != nil {
		return fail("preconditions", err)
	}

	orig, err := wc.repo.Head()
	if err != nil {
		return fail("preconditions", fmt.Errorf("git rev-parse HEAD: %w", err))
	}
	restore := true
	defer func() {
		if !restore {
			return
		}
		if err := wc.restoreHead(orig); err != nil {
			w.recordHigh(res, log, "restore_head", err)
		}
	}()

	base, from, err := wc.resolveBase(w.base, w.cfg.Remote)
	if err != nil {
		return fail("create_branch", err)
	}
	res.BaseBranch = base

	res.Branch = BranchName(w.cfg.BranchPrefix, req.ErrorHash)
	existed, err := wc.checkoutBranch(res.Branch, from)
	if err != nil {
		return fail("create_branch", err)
	}
	res.BranchExisted = existed
	if existed && res.BaseBranch == res.Branch {
		res.BaseBranch = ""
	}
	log.Info("remediation branch ready", zap.String("branch", res.Branch), zap.Bool("reused", existed))

	guard, err := ignore.NewParser([]string{ignore.DefaultIgnoreFile}, w.cfg.ProtectedPaths).Load(wc.root)
	if err != nil {
		return fail("write_files", fmt.Errorf("read protected paths: %w", err))
	}
	for _, f := range req.Files {
		if guard.Match(f.Path) {
			return fail("write_files", fmt.Errorf("%w: %s", ErrProtectedPath, f.Path))
		}
	}

	paths := make([]string, 0, len(req.Files))
	for _, f := range req.Files {
		written = append(written, f.Path)
		if err := wc.writeFile(f.Path, f.Content); err != nil {
			return fail("write_files", err)
		}
		paths = append(paths, f.Path)
	}

	msg := req.Message
	if msg.IsZero() {
		msg = DefaultCommitMessage(req.ErrorHash)
	}

	if !w.cfg.AutoCommit {
		if err := wc.stage(paths); err != nil {
			return fail("stage", err)
		}
		res.Staged = paths
		restore = false
		res.skip("commit", "auto_commit disabled")
		res.skip("push", "no commit")
		res.skip("review_request", "no commit")
		w.handoff(ctx, wc.root, res, log)
		return res, nil
	}

	commit, err := wc.commit(paths, msg.String(), w.author())
	switch {
	case errors.Is(err, ErrNothingToCommit):
		res.skip("commit", "nothing to commit")
		if head, herr := wc.headCommit(); herr == nil {
			res.Commit = head
		}
	case err != nil:
		return fail("commit", err)
	default:
		res.Commit = commit
		log.Info("remediation committed", zap.String("commit", commit))
	}
	span.SetAttributes(attribute.String("git.commit", res.Commit))

	if w.cfg.Push {
		if err := wc.push(ctx, w.cfg.Remote, res.Branch, w.token.Value()); err != nil {
			w.recordHigh(res, log, "push", err)
		} else {
			res.Pushed = true
		}
	} else {
		res.skip("push", "push disabled")
	}

	w.requestReview(ctx, wc.root, req, msg, res, log)
	w.handoff(ctx, wc.root, res, log)
	return res, nil
}

// prepare opens the working copy and enforces the clean-tree rule.
func (w *Workflow) prepare(ctx context.Context) (*workingCopy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wc, err := openWorkingCopy(w.cfg.RepoPath)
	if err != nil {
		return nil, err
	}
	if w.cfg.AllowDirty {
		return wc, nil
	}
	dirty, err := wc.dirtyFiles()
	if err != nil {
		return nil, &errs.WorkflowPreconditionError{Path: wc.root, Reason: "cannot read status", Err: err}
	}
	if len(dirty) > 0 {
		return nil, &errs.WorkflowPreconditionError{
			Path:   wc.root,
			Reason: fmt.Sprintf("working tree has %d uncommitted change(s): %s", len(dirty), strings.Join(firstN(dirty, 5), ", ")),
		}
	}
	return wc, nil
}

// requestReview opens the pull request; it stays a draft while
// require_approval is set.
func (w *Workflow) requestReview(ctx context.Context, root string, req Request, msg CommitMessage, res *Result, log *zap.Logger) {
	switch {
	case !w.cfg.DraftReview:
		res.skip("review_request", "draft_review disabled")
		return
	case w.reviewer == nil:
		res.skip("review_request", "no review tool configured")
		return
	}

	title := req.ReviewTitle
	if title == "" {
		title = msg.String()
		title, _, _ = strings.Cut(title, "\n")
	}
	body := req.ReviewBody
	if body == "" {
		body = msg.Body
	}

	rr, err := w.reviewer.RequestReview(ctx, ReviewRequest{
		RepoPath: root,
		Branch:   res.Branch,
		Base:     res.BaseBranch,
		Title:    title,
		Body:     body,
		Draft:    w.cfg.RequireApproval,
	})
	var unavailable *errs.ExternalToolUnavailableError
	switch {
	case errors.As(err, &unavailable):
		res.skip("review_request", unavailable.Error())
		log.Warn("review tool unavailable, skipping review request", zap.String("tool", unavailable.Tool))
	case err != nil:
		w.recordHigh(res, log, "review_request", err)
	default:
		res.ReviewRequest = rr
		log.Info("review requested", zap.String("url", rr.URL), zap.String("tool", rr.Tool))
	}
}

func (w *Workflow) handoff(ctx context.Context, root string, res *Result, log *zap.Logger) {
	if !w.cfg.DesktopHandoff {
		return
	}
	if err := w.open(ctx, DesktopURL(root)); err != nil {
		werr := errs.NewWorkflowError("desktop_handoff", errs.SeverityLow, err, root)
		log.Warn("desktop hand-off failed", zap.Error(werr))
	}
}

func (w *Workflow) recordHigh(res *Result, log *zap.Logger, op string, err error) {
	werr := errs.NewWorkflowError(op, errs.SeverityHigh, err, res.Branch)
	res.Errors = append(res.Errors, errs.FormatForResult(op, err))
	log.Error("remediation step failed", zap.String("step", op), zap.Error(werr))
}

func (w *Workflow) author() *object.Signature {
	return signature(w.cfg.AuthorName, w.cfg.AuthorEmail, w.now())
}

// DefaultCommitMessage is used when no generated message is available.
func DefaultCommitMessage(errorHash string) CommitMessage {
	h := errorHash
	if len(h) > hashPrefixLen {
		h = h[:hashPrefixLen]
	}
	return CommitMessage{
		Type:    "fix",
		Subject: "automated remediation for error " + h,
		Footer:  "Error-Hash: " + errorHash,
	}
}

func firstN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
