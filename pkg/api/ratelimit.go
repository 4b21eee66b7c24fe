package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/lookout/pkg/log"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RateLimiter applies a token bucket per client IP to producer and
// handshake traffic
type RateLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*clientLimiter

	logger zerolog.Logger
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perSecond requests per client IP with the given
// burst. A non-positive perSecond returns nil, which disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
		limiters: make(map[string]*clientLimiter),
		logger:   log.WithComponent("ratelimit"),
	}
}

// Allow reports whether a request from ip may proceed
func (l *RateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	c, ok := l.limiters[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = c
	}
	c.lastSeen = l.now()
	l.mu.Unlock()

	if !c.limiter.Allow() {
		l.logger.Warn().Str("client", ip).Msg("rate limit exceeded")
		return false
	}
	return true
}

// Cleanup forgets clients idle for longer than the idle window and
// returns how many were removed
func (l *RateLimiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.idle)
	removed := 0
	for ip, c := range l.limiters {
		if c.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
			removed++
		}
	}
	return removed
}

// Run calls Cleanup every interval until ctx is done
func (l *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Cleanup(); n > 0 {
				l.logger.Debug().Int("removed", n).Msg("idle rate limiters removed")
			}
		}
	}
}

// Len returns the number of tracked clients
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Middleware rejects requests over the limit with 429. It runs after
// chi's RealIP, so RemoteAddr already holds the client address.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
