package ipc

import (
	"sync"

	"golang.org/x/time/rate"
)

// keyedLimiter gives each consumer label its own token bucket, so one busy
// window cannot starve the others.
type keyedLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// newKeyedLimiter returns nil when rps is not positive, which disables
// limiting.
func newKeyedLimiter(rps float64, burst int) *keyedLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &keyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether a request for key may proceed now.
func (k *keyedLimiter) Allow(key string) bool {
	if k == nil {
		return true
	}
	return k.get(key).Allow()
}

func (k *keyedLimiter) get(key string) *rate.Limiter {
	k.mu.RLock()
	l, ok := k.limiters[key]
	k.mu.RUnlock()
	if ok {
		return l
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if l, ok = k.limiters[key]; ok {
		return l
	}
	l = rate.NewLimiter(k.limit, k.burst)
	k.limiters[key] = l
	return l
}

// Forget drops the bucket for key once its last connection is gone.
func (k *keyedLimiter) Forget(key string) {
	if k == nil {
		return
	}
	k.mu.Lock()
	delete(k.limiters, key)
	k.mu.Unlock()
}
