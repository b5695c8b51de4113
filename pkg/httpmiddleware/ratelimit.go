package httpmiddleware

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig configures the sliding window rate limiter.
type RateLimitConfig struct {
	// Max is the number of requests allowed per window and key.
	Max int
	// Window is the length of one window.
	Window time.Duration
	// KeyFunc picks the bucket of a request. Defaults to ClientIP.
	KeyFunc func(*http.Request) string
	// Skip exempts matching requests, e.g. health probes.
	Skip func(*http.Request) bool
}

// bucket counts requests of the current window and the one before it.
type bucket struct {
	start time.Time
	prev  float64
	curr  float64
}

type limiter struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
}

func newLimiter(cfg RateLimitConfig) *limiter {
	return &limiter{
		max:     cfg.Max,
		window:  cfg.Window,
		buckets: make(map[string]*bucket),
	}
}

// take counts one request for key when it fits. The previous window is
// weighted by how much of it still overlaps the sliding window.
func (l *limiter) take(key string, now time.Time) (remaining int, resetAt time.Time, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := now.Truncate(l.window)
	b, found := l.buckets[key]
	switch {
	case !found:
		b = &bucket{start: start}
		l.buckets[key] = b
	case start.Sub(b.start) >= 2*l.window:
		b.start, b.prev, b.curr = start, 0, 0
	case start.After(b.start):
		b.start, b.prev, b.curr = start, b.curr, 0
	}

	overlap := 1 - now.Sub(b.start).Seconds()/l.window.Seconds()
	used := b.prev*math.Max(overlap, 0) + b.curr
	resetAt = b.start.Add(l.window)
	if used >= float64(l.max) {
		return 0, resetAt, false
	}

	b.curr++
	return max(int(float64(l.max)-used-1), 0), resetAt, true
}

// evict drops buckets that saw no traffic for two windows.
func (l *limiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		if now.Sub(b.start) >= 2*l.window {
			delete(l.buckets, key)
		}
	}
}

func (l *limiter) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.evict(now)
		}
	}
}

// RateLimit enforces a per-key sliding window limit. Rejected requests get
// 429 with a JSON body in the API error format. Every counted response
// carries the X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset
// headers.
func RateLimit(cfg RateLimitConfig) Middleware {
	return rateLimit(cfg, newLimiter(cfg))
}

// RateLimitWithCleanup is RateLimit plus a goroutine that evicts idle
// buckets until ctx is done.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := newLimiter(cfg)
	go l.evictLoop(ctx)
	return rateLimit(cfg, l)
}

func rateLimit(cfg RateLimitConfig, l *limiter) Middleware {
	keyOf := cfg.KeyFunc
	if keyOf == nil {
		keyOf = ClientIP
	}
	limit := strconv.Itoa(cfg.Max)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Skip != nil && cfg.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			remaining, resetAt, ok := l.take(keyOf(r), time.Now())
			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
			if ok {
				next.ServeHTTP(w, r)
				return
			}

			retry := max(time.Until(resetAt), 0)
			h.Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code":    http.StatusTooManyRequests,
				"message": "rate limit exceeded",
			})
		})
	}
}

// ClientIP keys by the first X-Forwarded-For hop, then X-Real-IP, then the
// connection address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// identityRoots are the path prefixes whose next segment is a cart or order
// owner.
var identityRoots = []string{"/api/cart/", "/api/orders/"}

func ownerOf(r *http.Request) (string, bool) {
	for _, root := range identityRoots {
		rest, ok := strings.CutPrefix(r.URL.Path, root)
		if !ok {
			continue
		}
		owner, _, _ := strings.Cut(rest, "/")
		if owner != "" && owner != "status" {
			return owner, true
		}
	}
	return "", false
}

// IdentityKey keys cart and order requests by client IP and the owner
// segment of the path, so that one shopper cannot exhaust the budget of
// others behind the same proxy. Owners are chosen by the client: an
// IdentityKey limiter must sit behind a ClientIP limiter, which bounds the
// address as a whole.
func IdentityKey(r *http.Request) string {
	ip := ClientIP(r)
	if owner, ok := ownerOf(r); ok {
		return ip + "|identity:" + owner
	}
	return ip
}

// WithoutIdentity reports whether r has no cart or order owner. Use it as
// the Skip of an IdentityKey limiter.
func WithoutIdentity(r *http.Request) bool {
	_, ok := ownerOf(r)
	return !ok
}

// SkipPaths exempts requests whose path equals one of paths.
func SkipPaths(paths ...string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		for _, p := range paths {
			if r.URL.Path == p {
				return true
			}
		}
		return false
	}
}
