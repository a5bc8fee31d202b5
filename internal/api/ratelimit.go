package api

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// rateWindow is the length of one fixed rate limit window.
const rateWindow = time.Minute

// RateLimiter counts requests per key in fixed windows.
type RateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	windows map[string]*window
}

type window struct {
	start time.Time
	used  int
}

// NewRateLimiter creates an empty limiter. Stale windows are dropped by
// RunCleanup.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		window:  rateWindow,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// Allow takes one request from key's budget of limit per window. When the
// budget is spent it reports false and how long until the window resets.
func (rl *RateLimiter) Allow(key string, limit int) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) >= rl.window {
		rl.windows[key] = &window{start: now, used: 1}
		return true, 0
	}
	if w.used >= limit {
		return false, w.start.Add(rl.window).Sub(now)
	}
	w.used++
	return true, 0
}

// RunCleanup drops expired windows every interval until ctx is done.
func (rl *RateLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-2 * rl.window)
	for k, w := range rl.windows {
		if w.start.Before(cutoff) {
			delete(rl.windows, k)
		}
	}
}

// rateLimit rejects requests whose key has spent its budget with 429 and a
// Retry-After header.
func rateLimit(rl *RateLimiter, limit int, key func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			ok, retry := rl.Allow(k, limit)
			if !ok {
				logFor(r.Context()).Warn("rate limited", "key", k, "path", r.URL.Path)
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
				writeError(w, r, http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// limitByIP limits the login endpoints by client address.
func limitByIP(rl *RateLimiter, limit int) func(http.Handler) http.Handler {
	return rateLimit(rl, limit, func(r *http.Request) string {
		return "ip:" + clientIP(r)
	})
}

// limitByWorker limits authenticated requests by worker. It runs after
// requireWorker.
func limitByWorker(rl *RateLimiter, limit int) func(http.Handler) http.Handler {
	return rateLimit(rl, limit, func(r *http.Request) string {
		return "worker:" + strconv.FormatInt(workerFromContext(r.Context()), 10)
	})
}

// clientIP returns the first address of X-Forwarded-For, or the remote host.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
