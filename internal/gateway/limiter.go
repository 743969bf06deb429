package gateway

import (
	"sync"
	"time"

	"github.com/fyrsmithlabs/errwatch/internal/errs"
)

const limiterWindow = time.Minute

// Limiter enforces a sliding 60 second request window and a concurrency
// ceiling. It never queues: a call over either limit is refused at once.
type Limiter struct {
	mu     sync.Mutex
	max    int
	stamps []time.Time
	sem    chan struct{}
	now    func() time.Time
}

// NewLimiter creates a limiter. A nil clock uses time.Now.
func NewLimiter(maxPerMinute, maxConcurrent int, now func() time.Time) *Limiter {
	if maxPerMinute <= 0 {
		maxPerMinute = 1
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		max: maxPerMinute,
		sem: make(chan struct{}, maxConcurrent),
		now: now,
	}
}

// Acquire admits one call. The returned release must be called exactly when
// the call finishes; calling it more than once is harmless.
func (l *Limiter) Acquire() (release func(), err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)
	if len(l.stamps) >= l.max {
		return nil, &errs.RateLimitError{
			Kind:       errs.LimitWindow,
			Limit:      l.max,
			RetryAfter: l.stamps[0].Add(limiterWindow).Sub(now),
		}
	}

	select {
	case l.sem <- struct{}{}:
	default:
		return nil, &errs.RateLimitError{Kind: errs.LimitConcurrency, Limit: cap(l.sem)}
	}

	l.stamps = append(l.stamps, now)
	var once sync.Once
	return func() {
		once.Do(func() { <-l.sem })
	}, nil
}

// InWindow returns the number of calls admitted in the last 60 seconds.
func (l *Limiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.stamps)
}

// InFlight returns the number of admitted calls not yet released.
func (l *Limiter) InFlight() int {
	return len(l.sem)
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-limiterWindow)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}
