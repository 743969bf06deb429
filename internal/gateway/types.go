package gateway

import (
	"encoding/json"
	"time"
)

// FallbackConfidence is assigned when the endpoint answer cannot be parsed.
const FallbackConfidence = 0.1

// ErrorDetails is the error context sent to the reasoning endpoint.
type ErrorDetails struct {
	ErrorHash       string
	ErrorType       string
	Message         string
	StackTrace      string
	Component       string
	Service         string
	Severity        string
	OccurrenceCount int
	Context         map[string]any
}

// Analysis is a parsed root-cause analysis.
type Analysis struct {
	RootCause      string   `json:"root_cause"`
	SuggestedFixes []string `json:"suggested_fixes"`
	RelatedFiles   []string `json:"related_files"`
	Confidence     float64  `json:"confidence"`
	// Fallback is set when the answer was not structured and RootCause holds
	// the raw text.
	Fallback bool   `json:"fallback,omitempty"`
	Model    string `json:"model,omitempty"`
}

// JSON encodes the analysis for persistence.
func (a *Analysis) JSON() (json.RawMessage, error) {
	return json.Marshal(a)
}

// Fix is a generated code change.
type Fix struct {
	FilePath    string   `json:"file_path"`
	FixedCode   string   `json:"fixed_code"`
	Explanation string   `json:"explanation"`
	TestCases   []string `json:"test_cases"`
	Fallback    bool     `json:"fallback,omitempty"`
}

// CommitContext describes a change for commit message generation.
type CommitContext struct {
	ErrorHash string
	ErrorType string
	Message   string
	Component string
	RootCause string
	Files     []string
}

// HealthStatus is the coarse endpoint state.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Health is the result of a liveness probe.
type Health struct {
	Status  HealthStatus  `json:"status"`
	Models  []string      `json:"models,omitempty"`
	Detail  string        `json:"detail,omitempty"`
	Latency time.Duration `json:"latency"`
}
