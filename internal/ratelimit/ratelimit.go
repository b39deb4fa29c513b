// Package ratelimit protects the ingest surface from signal floods.
package ratelimit

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// IngestLimiter applies a token bucket per remote host to the signal
// ingest endpoints.
type IngestLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	perSec   rate.Limit
	burst    int
	maxHosts int
}

// NewIngestLimiter builds a limiter allowing perSec requests per
// second with the given burst per remote host.
func NewIngestLimiter(perSec float64, burst int) *IngestLimiter {
	return &IngestLimiter{
		buckets:  make(map[string]*rate.Limiter),
		perSec:   rate.Limit(perSec),
		burst:    burst,
		maxHosts: 1024,
	}
}

// Allow reports whether a request from host may pass.
func (l *IngestLimiter) Allow(host string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[host]
	if !ok {
		if len(l.buckets) >= l.maxHosts {
			// Drop all buckets rather than track unbounded hosts.
			l.buckets = make(map[string]*rate.Limiter)
		}
		b = rate.NewLimiter(l.perSec, l.burst)
		l.buckets[host] = b
	}
	return b.Allow()
}

// Middleware rejects over-limit requests with 429.
func (l *IngestLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r.RemoteAddr) {
			http.Error(w, `{"error":"rate_limited","message":"too many signals"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
