package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/errwatch/internal/config"
	"github.com/fyrsmithlabs/errwatch/internal/errs"
	"github.com/fyrsmithlabs/errwatch/internal/logging"
	"github.com/fyrsmithlabs/errwatch/internal/metrics"
	"github.com/fyrsmithlabs/errwatch/internal/secrets"
)

const (
	maxResponseBytes = 4 << 20
	maxContextBytes  = 2048
)

// Client talks to one reasoning endpoint.
type Client struct {
	cfg        config.GatewayConfig
	httpClient *http.Client
	limiter    *Limiter
	templates  Templates
	redactor   *secrets.Redactor
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock replaces time.Now for the rate limiter.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a gateway client. The redactor may be nil.
func New(cfg config.GatewayConfig, redactor *secrets.Redactor, logger *zap.Logger, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway base_url required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("gateway model required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.GeneratePath == "" {
		cfg.GeneratePath = "/api/generate"
	}
	if cfg.ModelsPath == "" {
		cfg.ModelsPath = "/api/tags"
	}

	templates, err := NewTemplates(cfg.Templates)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		templates:  templates,
		redactor:   redactor,
		logger:     logger.Named("gateway"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.limiter = NewLimiter(cfg.MaxRequestsPerMinute, cfg.MaxConcurrent, c.now)
	return c, nil
}

// Limiter exposes the client's rate limiter.
func (c *Client) Limiter() *Limiter {
	return c.limiter
}

// AnalyzeError asks for a root-cause analysis. An unstructured answer is
// returned as a fallback analysis with low confidence, not as an error.
func (c *Client) AnalyzeError(ctx context.Context, d ErrorDetails) (*Analysis, error) {
	prompt, err := c.templates.Render(TemplateErrorAnalysis, detailVars(d))
	if err != nil {
		return nil, err
	}

	text, model, err := c.generate(ctx, TemplateErrorAnalysis, prompt)
	if err != nil {
		return nil, err
	}

	analysis, perr := parseAnalysis(text)
	if perr != nil {
		logging.Ctx(ctx, c.logger).Warn("unstructured analysis response, using fallback",
			zap.String("error.hash", d.ErrorHash),
			zap.Error(perr),
		)
	}
	analysis.Model = model
	return analysis, nil
}

// GenerateFix asks for a code change resolving an analyzed error.
func (c *Client) GenerateFix(ctx context.Context, d ErrorDetails, a *Analysis) (*Fix, error) {
	vars := detailVars(d)
	if a != nil {
		vars["root_cause"] = a.RootCause
		vars["suggested_fixes"] = bulletList(a.SuggestedFixes)
		vars["related_files"] = bulletList(a.RelatedFiles)
	}
	prompt, err := c.templates.Render(TemplateFixGeneration, vars)
	if err != nil {
		return nil, err
	}

	text, _, err := c.generate(ctx, TemplateFixGeneration, prompt)
	if err != nil {
		return nil, err
	}

	fix, perr := parseFix(text)
	if perr != nil {
		logging.Ctx(ctx, c.logger).Warn("unstructured fix response, using fallback",
			zap.String("error.hash", d.ErrorHash),
			zap.Error(perr),
		)
	}
	return fix, nil
}

// GenerateCommitMessage asks for a conventional commit message.
func (c *Client) GenerateCommitMessage(ctx context.Context, cc CommitContext) (string, error) {
	prompt, err := c.templates.Render(TemplateCommitMessage, map[string]string{
		"error_hash": cc.ErrorHash,
		"error_type": cc.ErrorType,
		"message":    cc.Message,
		"component":  cc.Component,
		"root_cause": cc.RootCause,
		"files":      strings.Join(cc.Files, ", "),
	})
	if err != nil {
		return "", err
	}

	text, _, err := c.generate(ctx, TemplateCommitMessage, prompt)
	if err != nil {
		return "", err
	}
	msg := cleanCommitMessage(text)
	if msg == "" {
		return "", fmt.Errorf("%w: empty commit message", errs.ErrMalformedResponse)
	}
	return msg, nil
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"max_output_tokens"`
	TopP            float64 `json:"top_p"`
}

type generateResponse struct {
	Response        string `json:"response"`
	Model           string `json:"model"`
	EvalCount       int    `json:"eval_count"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	TotalDuration   int64  `json:"total_duration"`
}

// generate performs one rate-limited, time-bounded call and logs the
// exchange regardless of outcome.
func (c *Client) generate(ctx context.Context, requestType, prompt string) (string, string, error) {
	ctx, span := otel.Tracer("errwatch/gateway").Start(ctx, "gateway."+requestType)
	defer span.End()
	span.SetAttributes(
		attribute.String("gateway.request_type", requestType),
		attribute.String("gateway.model", c.cfg.Model),
	)

	redacted := false
	if c.redactor.Enabled() {
		var findings []secrets.Finding
		prompt, findings = c.redactor.Redact(prompt)
		redacted = true
		span.SetAttributes(attribute.Int("gateway.redaction_findings", len(findings)))
	}

	start := time.Now()
	text, resp, err := c.call(ctx, prompt)
	duration := time.Since(start)

	c.audit(ctx, requestType, prompt, redacted, resp, duration, err)
	metrics.ObserveAnalysis(requestType, outcomeOf(err), duration)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate failed")
		return "", "", err
	}
	model := resp.Model
	if model == "" {
		model = c.cfg.Model
	}
	return text, model, nil
}

func (c *Client) call(ctx context.Context, prompt string) (string, *generateResponse, error) {
	release, err := c.limiter.Acquire()
	if err != nil {
		return "", nil, err
	}
	defer release()

	body, err := json.Marshal(generateRequest{
		Model:  c.cfg.Model,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature:     c.cfg.Temperature,
			MaxOutputTokens: c.cfg.MaxOutputTokens,
			TopP:            c.cfg.TopP,
		},
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.url(c.cfg.GeneratePath), bytes.NewReader(body))
	if err != nil {
		return "", nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey.IsSet() {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey.Value())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, c.classify(ctx, callCtx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", nil, c.classify(ctx, callCtx, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", nil, &errs.RateLimitError{
			Kind:       errs.LimitUpstream,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return "", nil, errs.Transient("gateway generate", fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 200)))
	case resp.StatusCode != http.StatusOK:
		return "", nil, fmt.Errorf("gateway generate: status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		// Some proxies return plain text; hand it to the tolerant parser.
		return string(data), &generateResponse{}, nil
	}
	return out.Response, &out, nil
}

// classify maps a transport failure. Expiry of the per-call deadline is a
// timeout; cancellation by the caller is returned as is.
func (c *Client) classify(parent, callCtx context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &errs.TimeoutError{Operation: "gateway generate", Timeout: c.cfg.Timeout}
	}
	return errs.Transient("gateway generate", err)
}

func (c *Client) audit(ctx context.Context, requestType, prompt string, redacted bool, resp *generateResponse, d time.Duration, err error) {
	log := logging.Ctx(ctx, c.logger)
	fields := []zap.Field{
		zap.String("request_type", requestType),
		zap.String("model", c.cfg.Model),
		zap.Bool("redacted", redacted),
		zap.Duration("duration", d),
		zap.Bool("success", err == nil),
		zap.Int("prompt_chars", len(prompt)),
	}
	if resp != nil {
		fields = append(fields,
			zap.Int("tokens", resp.EvalCount+resp.PromptEvalCount),
			zap.Int("prompt_tokens", resp.PromptEvalCount),
			zap.Int("completion_tokens", resp.EvalCount),
		)
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	log.Info("gateway exchange", fields...)

	if ce := log.Check(logging.TraceLevel, "gateway prompt"); ce != nil {
		ce.Write(zap.String("request_type", requestType), zap.String("prompt", prompt))
	}
}

type modelsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// HealthCheck probes the model listing endpoint. It reports problems in the
// returned Health and never fails.
func (c *Client) HealthCheck(ctx context.Context) (h Health) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			h = Health{Status: HealthUnhealthy, Detail: fmt.Sprintf("health check panicked: %v", r)}
		}
		h.Latency = time.Since(start)
	}()

	timeout := min(c.cfg.Timeout, 10*time.Second)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(c.cfg.ModelsPath), nil)
	if err != nil {
		return Health{Status: HealthUnhealthy, Detail: err.Error()}
	}
	if c.cfg.APIKey.IsSet() {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey.Value())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Health{Status: HealthUnhealthy, Detail: fmt.Sprintf("endpoint unreachable: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Health{Status: HealthUnhealthy, Detail: fmt.Sprintf("model listing returned status %d", resp.StatusCode)}
	}

	var models modelsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&models); err != nil {
		return Health{Status: HealthDegraded, Detail: fmt.Sprintf("unreadable model listing: %v", err)}
	}

	h = Health{Status: HealthHealthy, Models: make([]string, 0, len(models.Models))}
	found := false
	for _, m := range models.Models {
		h.Models = append(h.Models, m.Name)
		if m.Name == c.cfg.Model || strings.HasPrefix(m.Name, c.cfg.Model+":") {
			found = true
		}
	}
	if !found {
		h.Status = HealthDegraded
		h.Detail = fmt.Sprintf("model %q not available", c.cfg.Model)
	}
	return h
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

func detailVars(d ErrorDetails) map[string]string {
	return map[string]string{
		"error_hash":       d.ErrorHash,
		"error_type":       d.ErrorType,
		"message":          d.Message,
		"stack_trace":      d.StackTrace,
		"component":        d.Component,
		"service":          d.Service,
		"severity":         d.Severity,
		"occurrence_count": strconv.Itoa(d.OccurrenceCount),
		"context":          contextJSON(d.Context),
	}
}

func contextJSON(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "{}"
	}
	return truncate(string(data), maxContextBytes)
}

func bulletList(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, it := range items {
		b.WriteString("- ")
		b.WriteString(it)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, errs.ErrRateLimitExceeded):
		return metrics.OutcomeRateLimited
	case errors.Is(err, errs.ErrAnalysisTimeout):
		return metrics.OutcomeTimeout
	}
	return metrics.OutcomeFailed
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
