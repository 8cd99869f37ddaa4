package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Asupkay/vibe-platform/internal/errors"
	"github.com/Asupkay/vibe-platform/internal/httputil"
	"github.com/Asupkay/vibe-platform/internal/logging"
)

// =============================================================================
// Token bucket per caller
// =============================================================================

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per caller (authenticated handle, else client IP).
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	logger   *logging.Logger
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(requestsPerSecond float64, burst int, logger *logging.Logger) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		logger:   logger,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// Handler returns the rate limiting middleware handler
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := CallerHandle(r.Context())
		if key == "" {
			key = clientIP(r)
		}

		if !rl.getLimiter(key).Allow() {
			rl.logger.LogSecurityEvent(r.Context(), "rate_limit_exceeded", map[string]interface{}{
				"key":    key,
				"path":   r.URL.Path,
				"method": r.Method,
			})
			httputil.WriteServiceError(w, r, errors.RateLimitExceeded(rl.burst, "1s"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Cleanup drops limiters idle for longer than maxIdle. It returns the number removed.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for key, e := range rl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// =============================================================================
// Fixed window per handle
// =============================================================================

// Counter is a shared fixed-window counter, such as kv.Store.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// WindowDecision is the outcome of WindowLimiter.Allow.
type WindowDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// WindowLimiter enforces limit actions per window per key across instances.
type WindowLimiter struct {
	counter Counter
	action  string
	limit   int
	window  time.Duration
	now     func() time.Time
}

// NewWindowLimiter creates a limiter for action.
func NewWindowLimiter(counter Counter, action string, limit int, window time.Duration) *WindowLimiter {
	return &WindowLimiter{counter: counter, action: action, limit: limit, window: window, now: time.Now}
}

// Allow counts one attempt by handle.
func (l *WindowLimiter) Allow(ctx context.Context, handle string) (WindowDecision, error) {
	key := "ratelimit:" + l.action + ":" + cleanHandle(handle)
	n, ttl, err := l.counter.Incr(ctx, key, l.window)
	if err != nil {
		return WindowDecision{}, errors.Unavailable("rate limiter unavailable", err)
	}
	remaining := l.limit - int(n)
	if remaining < 0 {
		remaining = 0
	}
	return WindowDecision{
		Allowed:   int(n) <= l.limit,
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   l.now().Add(ttl),
	}, nil
}

// SetHeaders writes the X-RateLimit-* headers for d.
func (d WindowDecision) SetHeaders(w http.ResponseWriter) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// Err returns the rate limit error for a rejected decision, nil otherwise.
func (d WindowDecision) Err(window string) error {
	if d.Allowed {
		return nil
	}
	return errors.RateLimitExceeded(d.Limit, window).
		WithDetails("reset_at", d.ResetAt.UTC().Format(time.RFC3339))
}
