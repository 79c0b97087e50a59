// Package ratelimit provides the per-key token bucket applied to inbound
// chat traffic.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter tracks one token bucket per key. The default shape is 20 requests
// per 60 seconds with the full window as burst.
type Limiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New creates a Limiter allowing requests per window.
func New(requests int, window time.Duration) *Limiter {
	if requests <= 0 {
		requests = 20
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		limit:   rate.Limit(float64(requests) / window.Seconds()),
		burst:   requests,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow consumes one token for key. When denied it returns how long the
// caller must wait before the next token is available.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	bucket := l.bucket(key)

	r := bucket.Reserve()
	if !r.OK() {
		return false, time.Second
	}
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}
	return b
}

// Reset drops the bucket for key, refilling it on next use.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}
