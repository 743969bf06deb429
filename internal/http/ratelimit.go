package http

import (
	"math"
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedServices bounds the limiter map. Past it the map is reset,
// which briefly refills every bucket.
const maxTrackedServices = 4096

// serviceLimiter keeps one token bucket per reporting service so a noisy
// service cannot starve the others.
type serviceLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newServiceLimiter(perSecond float64, burst int) *serviceLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &serviceLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// allow takes one token for service. A nil limiter allows everything.
func (l *serviceLimiter) allow(service string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[service]
	if !ok {
		if len(l.limiters) >= maxTrackedServices {
			l.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[service] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// retryAfter is the time one token takes to refill, in whole seconds.
func (l *serviceLimiter) retryAfter() int {
	if l == nil {
		return 0
	}
	return max(1, int(math.Ceil(1/float64(l.limit))))
}
