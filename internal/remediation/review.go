package remediation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/errwatch/internal/config"
	"github.com/fyrsmithlabs/errwatch/internal/errs"
)

// Review tools.
const (
	ReviewToolGH   = "gh"
	ReviewToolAPI  = "api"
	ReviewToolNone = "none"
)

// ReviewRequest describes a pull request to open.
type ReviewRequest struct {
	RepoPath string
	Branch   string
	Base     string
	Title    string
	Body     string
	Draft    bool
}

// ReviewResult identifies an opened pull request.
type ReviewResult struct {
	URL    string `json:"url"`
	Number int    `json:"number,omitempty"`
	Tool   string `json:"tool"`
}

// ReviewRequester opens review requests.
type ReviewRequester interface {
	RequestReview(ctx context.Context, req ReviewRequest) (*ReviewResult, error)
}

// commandRunner runs a command in dir and returns its combined output.
type commandRunner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// GHCLI opens pull requests with the GitHub CLI.
type GHCLI struct {
	binary   string
	lookPath func(string) (string, error)
	run      commandRunner
	logger   *zap.Logger
}

// NewGHCLI creates a requester that shells out to gh.
func NewGHCLI(logger *zap.Logger) *GHCLI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GHCLI{
		binary:   "gh",
		lookPath: exec.LookPath,
		run:      runCommand,
		logger:   logger,
	}
}

// RequestReview runs `gh pr create`. A missing binary returns
// *errs.ExternalToolUnavailableError.
func (g *GHCLI) RequestReview(ctx context.Context, req ReviewRequest) (*ReviewResult, error) {
	bin, err := g.lookPath(g.binary)
	if err != nil {
		return nil, &errs.ExternalToolUnavailableError{Tool: g.binary, Err: err}
	}

	args := []string{"pr", "create", "--head", req.Branch, "--title", req.Title, "--body", req.Body}
	if req.Base != "" {
		args = append(args, "--base", req.Base)
	}
	if req.Draft {
		args = append(args, "--draft")
	}

	out, err := g.run(ctx, req.RepoPath, bin, args...)
	if err != nil {
		return nil, fmt.Errorf("gh pr create: %w: %s", err, strings.TrimSpace(string(out)))
	}

	return &ReviewResult{URL: lastURL(string(out)), Tool: ReviewToolGH}, nil
}

// lastURL returns the last line of gh output that parses as an http(s) URL.
func lastURL(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if u, err := url.Parse(line); err == nil && (u.Scheme == "https" || u.Scheme == "http") && u.Host != "" {
			return line
		}
	}
	return ""
}

// GitHubAPI opens pull requests through the GitHub REST API.
type GitHubAPI struct {
	client *github.Client
	owner  string
	repo   string
	base   string
	retry  *RetryConfig
	logger *zap.Logger
}

// NewGitHubClient creates a GitHub client authenticated with token.
func NewGitHubClient(ctx context.Context, token config.Secret) (*github.Client, error) {
	if !token.IsSet() {
		return nil, fmt.Errorf("GitHub token not set")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	tc := oauth2.NewClient(ctx, ts)
	return github.NewClient(tc), nil
}

// NewGitHubAPI creates an API requester. client may be nil, in which case
// one is built from cfg.Token.
func NewGitHubAPI(ctx context.Context, cfg config.GitHubConfig, client *github.Client, logger *zap.Logger) (*GitHubAPI, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, errors.New("github owner and repo required")
	}
	if client == nil {
		c, err := NewGitHubClient(ctx, cfg.Token)
		if err != nil {
			return nil, err
		}
		client = c
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitHubAPI{
		client: client,
		owner:  cfg.Owner,
		repo:   cfg.Repo,
		base:   cfg.BaseBranch,
		retry:  DefaultRetryConfig(),
		logger: logger,
	}, nil
}

// RequestReview creates the pull request, retrying rate limits and server
// errors.
func (g *GitHubAPI) RequestReview(ctx context.Context, req ReviewRequest) (*ReviewResult, error) {
	base := req.Base
	if g.base != "" {
		base = g.base
	}
	if base == "" {
		base = "main"
	}

	var pr *github.PullRequest
	_, err := retryGitHubOperation(ctx, g.retry, g.logger, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = g.client.PullRequests.Create(ctx, g.owner, g.repo, &github.NewPullRequest{
			Title: github.String(req.Title),
			Head:  github.String(req.Branch),
			Base:  github.String(base),
			Body:  github.String(req.Body),
			Draft: github.Bool(req.Draft),
		})
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}

	return &ReviewResult{URL: pr.GetHTMLURL(), Number: pr.GetNumber(), Tool: ReviewToolAPI}, nil
}
