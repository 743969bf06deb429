package gateway

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/errwatch/internal/errs"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLimiter_WindowRefusesEleventhCall(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(10, 2, clock.Now)

	for i := 0; i < 10; i++ {
		release, err := l.Acquire()
		require.NoError(t, err, "call %d", i+1)
		release()
		clock.Advance(time.Second)
	}

	_, err := l.Acquire()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrRateLimitExceeded))

	var rl *errs.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, errs.LimitWindow, rl.Kind)
	assert.Equal(t, 10, rl.Limit)
	assert.Equal(t, 50*time.Second, rl.RetryAfter)

	// the first call leaves the window 60s after it was made
	clock.Advance(50 * time.Second)
	release, err := l.Acquire()
	require.NoError(t, err)
	release()
	assert.Equal(t, 10, l.InWindow())
}

func TestLimiter_ConcurrencyCeiling(t *testing.T) {
	l := NewLimiter(100, 2, newFakeClock().Now)

	r1, err := l.Acquire()
	require.NoError(t, err)
	r2, err := l.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 2, l.InFlight())

	_, err = l.Acquire()
	var rl *errs.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, errs.LimitConcurrency, rl.Kind)

	r1()
	r1()
	assert.Equal(t, 1, l.InFlight())

	r3, err := l.Acquire()
	require.NoError(t, err)
	r2()
	r3()
	assert.Equal(t, 0, l.InFlight())
}

func TestLimiter_RefusedCallsDoNotConsumeWindow(t *testing.T) {
	l := NewLimiter(5, 1, newFakeClock().Now)

	release, err := l.Acquire()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.Acquire()
		require.Error(t, err)
	}
	release()
	assert.Equal(t, 1, l.InWindow())
}

func TestLimiter_ConcurrentAcquire(t *testing.T) {
	l := NewLimiter(50, 50, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire(); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, admitted)
}
