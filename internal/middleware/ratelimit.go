// Package middleware provides the HTTP middleware shared by the advisor
// servers.
package middleware

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"killchain-advisor/internal/config"
)

// RateLimiter keeps one token bucket per client IP. A client may spend
// RequestsPerIP+BurstSize requests at once; tokens refill at RequestsPerIP
// per WindowSize. Idle clients are dropped by a cleanup loop.
type RateLimiter struct {
	cfg      config.RateLimitConfig
	every    rate.Limit
	burst    int
	exempt   map[string]bool
	logger   *slog.Logger
	mu       sync.Mutex
	clients  map[string]*client
	stop     chan struct{}
	stopOnce sync.Once

	allowed atomic.Uint64
	limited atomic.Uint64
}

type client struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter and starts its cleanup loop when
// CleanupPeriod is set.
func NewRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	window := cfg.WindowSize
	if window <= 0 {
		window = time.Minute
	}
	rl := &RateLimiter{
		cfg:     cfg,
		every:   rate.Limit(float64(cfg.RequestsPerIP) / window.Seconds()),
		burst:   cfg.RequestsPerIP + cfg.BurstSize,
		exempt:  make(map[string]bool, len(cfg.ExemptPaths)),
		logger:  logger,
		clients: make(map[string]*client),
		stop:    make(chan struct{}),
	}
	for _, path := range cfg.ExemptPaths {
		rl.exempt[path] = true
	}
	if cfg.CleanupPeriod > 0 {
		go rl.cleanupLoop()
	}
	return rl
}

// Limit is the largest number of requests a fresh client may make at once.
func (rl *RateLimiter) Limit() int {
	return rl.burst
}

// Allow takes one token for ip. It reports whether the request may
// proceed, the whole tokens left and when the next token is available.
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Time) {
	now := time.Now()

	rl.mu.Lock()
	c, ok := rl.clients[ip]
	if !ok {
		c = &client{bucket: rate.NewLimiter(rl.every, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()

	allowed := c.bucket.AllowN(now, 1)
	tokens := c.bucket.TokensAt(now)
	if allowed {
		rl.allowed.Add(1)
	} else {
		rl.limited.Add(1)
	}
	return allowed, max(0, int(tokens)), now.Add(rl.untilNextToken(tokens))
}

func (rl *RateLimiter) untilNextToken(tokens float64) time.Duration {
	if tokens >= 1 {
		return 0
	}
	if rl.every <= 0 {
		return rl.cfg.WindowSize
	}
	return time.Duration((1 - tokens) / float64(rl.every) * float64(time.Second))
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			rl.cleanup(now)
		case <-rl.stop:
			return
		}
	}
}

// cleanup drops clients idle for longer than one window. Their buckets
// would be full again, so forgetting them changes nothing.
func (rl *RateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-rl.cfg.WindowSize)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for ip, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.clients))
	}
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// IsExempt reports whether path bypasses the limiter.
func (rl *RateLimiter) IsExempt(path string) bool {
	return rl.exempt[path]
}

// Stats returns the limiter counters.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	tracked := len(rl.clients)
	rl.mu.Unlock()
	return RateLimiterStats{
		TrackedIPs: tracked,
		Allowed:    rl.allowed.Load(),
		Limited:    rl.limited.Load(),
	}
}

// RateLimiterStats holds rate limiter counters.
type RateLimiterStats struct {
	TrackedIPs int    `json:"tracked_ips"`
	Allowed    uint64 `json:"allowed"`
	Limited    uint64 `json:"limited"`
}

// RateLimit returns middleware that applies rl per client IP. It sets the
// X-RateLimit-* headers and answers 429 when the limit is exceeded.
func RateLimit(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.cfg.Enabled || rl.IsExempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			ip := ClientIP(r, rl.cfg.TrustProxy)
			allowed, remaining, resetTime := rl.Allow(ip)

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.Limit()))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetTime.Unix()))

			if !allowed {
				rl.logger.Warn("rate limit exceeded",
					"ip", ip,
					"path", r.URL.Path,
					"method", r.Method,
				)

				retryAfter := int(time.Until(resetTime).Seconds()) + 1
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the client IP from the request. With trustProxy the
// rightmost X-Forwarded-For entry wins, since it was written by the proxy
// closest to us.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				if ip := strings.TrimSpace(parts[i]); ip != "" {
					return ip
				}
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
