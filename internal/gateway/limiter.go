package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// deviceLimiter keeps one token bucket per device.
type deviceLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// newDeviceLimiter returns nil when perSecond is not positive, which disables limiting.
func newDeviceLimiter(perSecond float64, burst int) *deviceLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &deviceLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (l *deviceLimiter) get(deviceID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[deviceID]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[deviceID] = limiter
	}
	return limiter
}

// Allow reports whether deviceID may make a request now.
func (l *deviceLimiter) Allow(deviceID string) bool {
	if l == nil {
		return true
	}
	return l.get(deviceID).Allow()
}

// Forget drops the bucket of a deleted device.
func (l *deviceLimiter) Forget(deviceID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.limiters, deviceID)
	l.mu.Unlock()
}
