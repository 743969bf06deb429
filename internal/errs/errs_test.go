package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCategories(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"transient", Transient("upsert report", context.DeadlineExceeded), ErrTransientIO},
		{"rate limit", &RateLimitError{Kind: LimitWindow, Limit: 10, RetryAfter: time.Second}, ErrRateLimitExceeded},
		{"timeout", &TimeoutError{Operation: "error_analysis", Timeout: time.Minute}, ErrAnalysisTimeout},
		{"precondition", &WorkflowPreconditionError{Path: "/repo", Reason: "dirty worktree"}, ErrPrecondition},
		{"tool", &ExternalToolUnavailableError{Tool: "gh", Err: errors.New("not found")}, ErrToolUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("worker: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.NotEmpty(t, tt.err.Error())
		})
	}
}

func TestTransient_NilPassthrough(t *testing.T) {
	assert.NoError(t, Transient("ping", nil))
}

func TestTransient_KeepsCause(t *testing.T) {
	err := Transient("ping", context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)

	var tio *TransientIOError
	assert.True(t, errors.As(err, &tio))
	assert.Equal(t, "ping", tio.Op)
}

func TestRateLimitError_Message(t *testing.T) {
	assert.Contains(t, (&RateLimitError{Kind: LimitConcurrency, Limit: 2}).Error(), "2 concurrent")
	assert.Contains(t, (&RateLimitError{Kind: LimitWindow, Limit: 10}).Error(), "10 requests per minute")
}

func TestWorkflowError(t *testing.T) {
	cause := errors.New("exit status 1")
	err := NewWorkflowError("create_review", SeverityHigh, cause, "branch fix/errwatch-abcd1234")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "create_review failed: exit status 1 (branch fix/errwatch-abcd1234)", err.Error())
	assert.Equal(t, "commit: boom", FormatForResult("commit", errors.New("boom")))

	var we *WorkflowError
	assert.True(t, errors.As(fmt.Errorf("execute: %w", err), &we))
	assert.Equal(t, SeverityHigh, we.Severity)
}
