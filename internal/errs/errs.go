// Package errs defines the error taxonomy shared by errwatch components.
//
// Every type here works with errors.Is and errors.As. Callers branch on the
// category rather than on message text:
//
//   - TransientIOError: storage or network failure, retryable by the caller.
//   - RateLimitError (ErrRateLimitExceeded): the gateway refused a call; back off.
//   - TimeoutError (ErrAnalysisTimeout): the reasoning endpoint exceeded its deadline.
//   - ErrMalformedResponse: recovered inside the gateway, never returned.
//   - WorkflowPreconditionError: remediation cannot run against this working copy.
//   - ExternalToolUnavailableError: an optional CLI is missing; degrade and continue.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for category checks with errors.Is.
var (
	ErrTransientIO       = errors.New("transient i/o failure")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrAnalysisTimeout   = errors.New("analysis timed out")
	ErrMalformedResponse = errors.New("malformed analysis response")
	ErrPrecondition      = errors.New("workflow precondition failed")
	ErrToolUnavailable   = errors.New("external tool unavailable")
)

// TransientIOError wraps a storage or network failure.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// Is matches ErrTransientIO.
func (e *TransientIOError) Is(target error) bool { return target == ErrTransientIO }

// Transient wraps err as a TransientIOError. A nil err returns nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientIOError{Op: op, Err: err}
}

// RateLimitKind identifies which limit refused the call.
type RateLimitKind string

const (
	LimitWindow      RateLimitKind = "window"
	LimitConcurrency RateLimitKind = "concurrency"
	// LimitUpstream means the reasoning endpoint itself answered 429.
	LimitUpstream RateLimitKind = "upstream"
)

// RateLimitError reports a refused gateway call.
type RateLimitError struct {
	Kind RateLimitKind
	// Limit is the configured ceiling for Kind.
	Limit int
	// RetryAfter is the time until the oldest request leaves the window.
	// Zero for concurrency refusals.
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	switch e.Kind {
	case LimitConcurrency:
		return fmt.Sprintf("rate limit exceeded: %d concurrent requests in flight", e.Limit)
	case LimitUpstream:
		return fmt.Sprintf("rate limit exceeded: reasoning endpoint returned 429 (retry after %s)", e.RetryAfter)
	}
	return fmt.Sprintf("rate limit exceeded: %d requests per minute (retry after %s)", e.Limit, e.RetryAfter)
}

// Is matches ErrRateLimitExceeded.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimitExceeded }

// TimeoutError reports a reasoning call that exceeded its deadline.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded timeout of %s", e.Operation, e.Timeout)
}

// Is matches ErrAnalysisTimeout.
func (e *TimeoutError) Is(target error) bool { return target == ErrAnalysisTimeout }

// WorkflowPreconditionError reports a working copy the remediation workflow
// refuses to touch. Fatal to that run; not retried.
type WorkflowPreconditionError struct {
	Path   string
	Reason string
	Err    error
}

func (e *WorkflowPreconditionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("workflow precondition failed for %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("workflow precondition failed for %s: %s", e.Path, e.Reason)
}

func (e *WorkflowPreconditionError) Unwrap() error { return e.Err }

// Is matches ErrPrecondition.
func (e *WorkflowPreconditionError) Is(target error) bool { return target == ErrPrecondition }

// ExternalToolUnavailableError reports a missing optional CLI.
type ExternalToolUnavailableError struct {
	Tool string
	Err  error
}

func (e *ExternalToolUnavailableError) Error() string {
	return fmt.Sprintf("external tool %q unavailable: %v", e.Tool, e.Err)
}

func (e *ExternalToolUnavailableError) Unwrap() error { return e.Err }

// Is matches ErrToolUnavailable.
func (e *ExternalToolUnavailableError) Is(target error) bool { return target == ErrToolUnavailable }
