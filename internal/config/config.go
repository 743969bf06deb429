// Package config provides configuration loading for errwatch.
//
// Configuration is assembled from hardcoded defaults, an optional YAML file
// and ERRWATCH_* environment variables (see LoadWithFile). Each component
// receives its own section and validates it; there is no global config.
package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
)

// Severity levels recognized by the severity gate.
const (
	SeverityCritical = "critical"
	SeverityError    = "error"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Action types recognized by actions.enabled_types.
const (
	ActionLogOnly      = "log_only"
	ActionCreateTicket = "create_ticket"
	ActionGeneratePR   = "generate_pr"
)

// Config holds the complete errwatch configuration.
type Config struct {
	Runtime   RuntimeConfig   `koanf:"runtime"`
	Analysis  AnalysisConfig  `koanf:"analysis"`
	Actions   ActionsConfig   `koanf:"actions"`
	Workflow  WorkflowConfig  `koanf:"workflow"`
	Security  SecurityConfig  `koanf:"security"`
	Storage   StorageConfig   `koanf:"storage"`
	Gateway   GatewayConfig   `koanf:"gateway"`
	Server    ServerConfig    `koanf:"server"`
	Notify    NotifyConfig    `koanf:"notify"`
	GitHub    GitHubConfig    `koanf:"github"`
	Audit     AuditConfig     `koanf:"audit"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// RuntimeConfig controls which captured errors are eligible for escalation.
type RuntimeConfig struct {
	SeverityGate []string `koanf:"severity_gate"`
	Environment  string   `koanf:"environment"`
}

// AnalysisConfig groups worker scheduling and decision thresholds.
type AnalysisConfig struct {
	Scheduling SchedulingConfig `koanf:"scheduling"`
	Thresholds ThresholdsConfig `koanf:"thresholds"`
}

// SchedulingConfig controls the analysis worker poll loop.
type SchedulingConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Interval  time.Duration `koanf:"interval"`
	BatchSize int           `koanf:"batch_size"`
}

// ThresholdsConfig holds escalation and decision thresholds.
type ThresholdsConfig struct {
	MinOccurrences    int     `koanf:"min_occurrences"`
	MinConfidence     float64 `koanf:"min_confidence"`
	AutoFixConfidence float64 `koanf:"auto_fix_confidence"`
}

// ActionsConfig controls which outcomes the worker may produce.
type ActionsConfig struct {
	EnabledTypes []string        `koanf:"enabled_types"`
	Ticketing    TicketingConfig `koanf:"ticketing"`
}

// TicketingConfig describes the ticket records created for mid-confidence findings.
type TicketingConfig struct {
	System string   `koanf:"system"`
	Labels []string `koanf:"labels"`
}

// WorkflowConfig controls the remediation workflow.
type WorkflowConfig struct {
	RepoPath        string `koanf:"repo_path"`
	BranchPrefix    string `koanf:"branch_prefix"`
	AutoCommit      bool   `koanf:"auto_commit"`
	RequireApproval bool   `koanf:"require_approval"`
	DraftReview     bool   `koanf:"draft_review"`
	DesktopHandoff  bool   `koanf:"desktop_handoff"`
	AllowDirty      bool   `koanf:"allow_dirty"`
	Push            bool   `koanf:"push"`
	Remote          string `koanf:"remote"`
	ReviewTool      string `koanf:"review_tool"` // gh, api, none
	ApplyFixes      bool   `koanf:"apply_fixes"`
	NotesDir        string `koanf:"notes_dir"`
	AuthorName      string `koanf:"author_name"`
	AuthorEmail     string `koanf:"author_email"`

	// ProtectedPaths are gitignore patterns remediation never writes;
	// .errwatchignore at the repository root adds more.
	ProtectedPaths []string `koanf:"protected_paths"`
}

// SecurityConfig groups data-protection settings.
type SecurityConfig struct {
	Redaction RedactionConfig `koanf:"redaction"`
}

// RedactionConfig controls secret masking before storage or transmission.
type RedactionConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Patterns       []string `koanf:"patterns"`
	CustomPatterns []string `koanf:"custom_patterns"`
	BlockedKeys    []string `koanf:"blocked_keys"`
	MaxDepth       int      `koanf:"max_depth"`
	MaxKeys        int      `koanf:"max_keys"`
	MaxValueLen    int      `koanf:"max_value_len"`
	Gitleaks       bool     `koanf:"gitleaks"`
}

// StorageConfig configures the relational store.
type StorageConfig struct {
	Driver       string        `koanf:"driver"`
	DSN          string        `koanf:"dsn"`
	MaxOpenConns int           `koanf:"max_open_conns"`
	BusyTimeout  time.Duration `koanf:"busy_timeout"`
}

// GatewayConfig configures the reasoning endpoint client.
type GatewayConfig struct {
	BaseURL              string            `koanf:"base_url"`
	GeneratePath         string            `koanf:"generate_path"`
	ModelsPath           string            `koanf:"models_path"`
	Model                string            `koanf:"model"`
	APIKey               Secret            `koanf:"api_key"`
	Timeout              time.Duration     `koanf:"timeout"`
	MaxRequestsPerMinute int               `koanf:"max_requests_per_minute"`
	MaxConcurrent        int               `koanf:"max_concurrent"`
	Temperature          float64           `koanf:"temperature"`
	MaxOutputTokens      int               `koanf:"max_output_tokens"`
	TopP                 float64           `koanf:"top_p"`
	Templates            map[string]string `koanf:"templates"`
}

// ServerConfig holds HTTP ingest server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	IngestRate      float64       `koanf:"ingest_rate"`
	IngestBurst     int           `koanf:"ingest_burst"`
}

// NotifyConfig configures external notification delivery.
type NotifyConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	BufferSize    int    `koanf:"buffer_size"`
}

// GitHubConfig configures the API-based review requester.
type GitHubConfig struct {
	Token      Secret `koanf:"token"`
	Owner      string `koanf:"owner"`
	Repo       string `koanf:"repo"`
	BaseBranch string `koanf:"base_branch"`
}

// AuditConfig configures the asynchronous audit queue.
type AuditConfig struct {
	QueueSize int `koanf:"queue_size"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig configures OpenTelemetry export. Disabled by default
// for installs without a collector.
type TelemetryConfig struct {
	Enabled        bool          `koanf:"enabled"`
	Endpoint       string        `koanf:"endpoint"`
	Protocol       string        `koanf:"protocol"` // grpc or http/protobuf
	Insecure       bool          `koanf:"insecure"`
	ServiceName    string        `koanf:"service_name"`
	ServiceVersion string        `koanf:"service_version"`
	SamplingRate   float64       `koanf:"sampling_rate"`
	MetricsEnabled bool          `koanf:"metrics_enabled"`
	ExportInterval time.Duration `koanf:"export_interval"`
}

// Default returns a configuration with production-ready defaults.
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			SeverityGate: []string{SeverityCritical, SeverityError},
			Environment:  "production",
		},
		Analysis: AnalysisConfig{
			Scheduling: SchedulingConfig{
				Enabled:   true,
				Interval:  5 * time.Minute,
				BatchSize: 10,
			},
			Thresholds: ThresholdsConfig{
				MinOccurrences:    3,
				MinConfidence:     0.7,
				AutoFixConfidence: 0.9,
			},
		},
		Actions: ActionsConfig{
			EnabledTypes: []string{ActionLogOnly, ActionCreateTicket, ActionGeneratePR},
			Ticketing: TicketingConfig{
				System: "ERR",
				Labels: []string{"errwatch", "automated"},
			},
		},
		Workflow: WorkflowConfig{
			RepoPath:        ".",
			BranchPrefix:    "fix/errwatch-",
			AutoCommit:      true,
			RequireApproval: true,
			DraftReview:     true,
			Remote:          "origin",
			ReviewTool:      "gh",
			NotesDir:        ".errwatch/fixes",
			AuthorName:      "errwatch",
			AuthorEmail:     "errwatch@localhost",
			ProtectedPaths:  []string{".git/", ".github/workflows/", ".errwatchignore"},
		},
		Security: SecurityConfig{
			Redaction: RedactionConfig{
				Enabled: true,
				Patterns: []string{
					"password", "secret", "token", "api_key", "apikey",
					"authorization", "credential", "private_key",
				},
				BlockedKeys: []string{
					"password", "passwd", "secret", "token", "api_key", "apikey",
					"authorization", "auth", "credential", "private_key", "cookie", "session",
				},
				MaxDepth:    8,
				MaxKeys:     100,
				MaxValueLen: 4096,
			},
		},
		Storage: StorageConfig{
			Driver:       "sqlite",
			DSN:          "file:errwatch.db",
			MaxOpenConns: 4,
			BusyTimeout:  5 * time.Second,
		},
		Gateway: GatewayConfig{
			BaseURL:              "http://localhost:11434",
			GeneratePath:         "/api/generate",
			ModelsPath:           "/api/tags",
			Model:                "codellama:13b",
			Timeout:              60 * time.Second,
			MaxRequestsPerMinute: 10,
			MaxConcurrent:        2,
			Temperature:          0.2,
			MaxOutputTokens:      2048,
			TopP:                 0.9,
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9191,
			ShutdownTimeout: 10 * time.Second,
			IngestRate:      50,
			IngestBurst:     100,
		},
		Notify: NotifyConfig{
			SubjectPrefix: "errwatch",
			BufferSize:    64,
		},
		GitHub: GitHubConfig{
			BaseBranch: "main",
		},
		Audit: AuditConfig{
			QueueSize: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:       "localhost:4317",
			Protocol:       "grpc",
			Insecure:       true,
			ServiceName:    "errwatch",
			ServiceVersion: "dev",
			SamplingRate:   1.0,
			MetricsEnabled: true,
			ExportInterval: 15 * time.Second,
		},
	}
}

// Validate validates every section.
func (c *Config) Validate() error {
	validators := []func() error{
		c.Runtime.Validate,
		c.Analysis.Validate,
		c.Actions.Validate,
		c.Workflow.Validate,
		c.Security.Redaction.Validate,
		c.Storage.Validate,
		c.Gateway.Validate,
		c.Server.Validate,
		c.Telemetry.Validate,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the severity gate.
func (r *RuntimeConfig) Validate() error {
	for _, s := range r.SeverityGate {
		if !IsSeverity(s) {
			return fmt.Errorf("runtime.severity_gate: unknown severity %q", s)
		}
	}
	return nil
}

// IsSeverity reports whether s is a recognized severity.
func IsSeverity(s string) bool {
	switch s {
	case SeverityCritical, SeverityError, SeverityWarning, SeverityInfo:
		return true
	}
	return false
}

// Validate checks scheduling and thresholds.
func (a *AnalysisConfig) Validate() error {
	if a.Scheduling.Enabled && a.Scheduling.Interval <= 0 {
		return errors.New("analysis.scheduling.interval must be positive")
	}
	if a.Scheduling.BatchSize <= 0 {
		return fmt.Errorf("analysis.scheduling.batch_size must be positive, got %d", a.Scheduling.BatchSize)
	}
	t := a.Thresholds
	if t.MinOccurrences < 1 {
		return fmt.Errorf("analysis.thresholds.min_occurrences must be >= 1, got %d", t.MinOccurrences)
	}
	if t.MinConfidence < 0 || t.MinConfidence > 1 {
		return fmt.Errorf("analysis.thresholds.min_confidence must be in [0,1], got %v", t.MinConfidence)
	}
	if t.AutoFixConfidence < 0 || t.AutoFixConfidence > 1 {
		return fmt.Errorf("analysis.thresholds.auto_fix_confidence must be in [0,1], got %v", t.AutoFixConfidence)
	}
	if t.AutoFixConfidence < t.MinConfidence {
		return errors.New("analysis.thresholds.auto_fix_confidence must be >= min_confidence")
	}
	return nil
}

// Validate checks enabled action types.
func (a *ActionsConfig) Validate() error {
	for _, t := range a.EnabledTypes {
		switch t {
		case ActionLogOnly, ActionCreateTicket, ActionGeneratePR:
		default:
			return fmt.Errorf("actions.enabled_types: unknown action %q", t)
		}
	}
	if a.Ticketing.System == "" {
		return errors.New("actions.ticketing.system is required")
	}
	return nil
}

// Enabled reports whether the action type is enabled.
func (a *ActionsConfig) Enabled(actionType string) bool {
	for _, t := range a.EnabledTypes {
		if t == actionType {
			return true
		}
	}
	return false
}

var branchPrefixPattern = regexp.MustCompile(`^[A-Za-z0-9._/-]*$`)

// Validate checks the workflow section.
func (w *WorkflowConfig) Validate() error {
	if !branchPrefixPattern.MatchString(w.BranchPrefix) || strings.Contains(w.BranchPrefix, "..") {
		return fmt.Errorf("workflow.branch_prefix contains invalid characters: %q", w.BranchPrefix)
	}
	switch w.ReviewTool {
	case "", "gh", "api", "none":
	default:
		return fmt.Errorf("workflow.review_tool must be gh, api or none, got %q", w.ReviewTool)
	}
	return nil
}

// Validate checks redaction patterns compile and limits are sane.
func (r *RedactionConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	for _, p := range r.CustomPatterns {
		if len(p) > 1000 {
			return fmt.Errorf("redaction pattern too long (max 1000 chars): %q", p)
		}
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
	}
	if r.MaxDepth < 0 {
		return fmt.Errorf("security.redaction.max_depth must be >= 0, got %d", r.MaxDepth)
	}
	return nil
}

// Validate checks the storage section.
func (s *StorageConfig) Validate() error {
	if s.Driver != "sqlite" {
		return fmt.Errorf("storage.driver %q not supported", s.Driver)
	}
	if s.DSN == "" {
		return errors.New("storage.dsn is required")
	}
	return nil
}

// Validate checks the gateway section.
func (g *GatewayConfig) Validate() error {
	if g.BaseURL == "" {
		return errors.New("gateway.base_url is required")
	}
	if g.Model == "" {
		return errors.New("gateway.model is required")
	}
	if g.Timeout <= 0 {
		return errors.New("gateway.timeout must be positive")
	}
	if g.MaxRequestsPerMinute <= 0 {
		return errors.New("gateway.max_requests_per_minute must be positive")
	}
	if g.MaxConcurrent <= 0 {
		return errors.New("gateway.max_concurrent must be positive")
	}
	return nil
}

// Validate checks the server section.
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", s.Port)
	}
	if s.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	return nil
}

// Validate checks the telemetry section. Nothing is checked when disabled.
func (t *TelemetryConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	if t.Endpoint == "" {
		return errors.New("telemetry.endpoint is required when telemetry is enabled")
	}
	if t.ServiceName == "" {
		return errors.New("telemetry.service_name is required when telemetry is enabled")
	}
	switch t.Protocol {
	case "", "grpc", "http/protobuf":
	default:
		return fmt.Errorf("telemetry.protocol must be grpc or http/protobuf, got %q", t.Protocol)
	}
	if t.Insecure && !isLocalEndpoint(t.Endpoint) {
		return errors.New("telemetry.insecure is only allowed for local endpoints")
	}
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		return fmt.Errorf("telemetry.sampling_rate must be in [0,1], got %v", t.SamplingRate)
	}
	if t.MetricsEnabled && t.ExportInterval <= 0 {
		return errors.New("telemetry.export_interval must be positive when metrics are enabled")
	}
	return nil
}

// isLocalEndpoint reports whether a host[:port] endpoint is a loopback address.
func isLocalEndpoint(endpoint string) bool {
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}
