package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdle = 10 * time.Minute

// limiters hands out one token bucket per key and forgets idle keys.
type limiters struct {
	mu          sync.Mutex
	perMinute   int
	m           map[string]*limiterEntry
	lastCleanup time.Time
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newLimiters(perMinute int) *limiters {
	return &limiters{perMinute: perMinute, m: make(map[string]*limiterEntry)}
}

func (l *limiters) allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	if now.Sub(l.lastCleanup) > limiterIdle {
		l.lastCleanup = now
		for k, e := range l.m {
			if now.Sub(e.seen) > limiterIdle {
				delete(l.m, k)
			}
		}
	}
	e, ok := l.m[key]
	if !ok {
		// A full minute's budget up front, refilled evenly.
		e = &limiterEntry{lim: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60), l.perMinute)}
		l.m[key] = e
	}
	e.seen = now
	l.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

func tooMany(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "60")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":"rate limit exceeded"}`))
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// RateLimitByIP limits N requests per minute per client IP. Use for public routes (no auth).
func RateLimitByIP(requestsPerMinute int) func(next http.Handler) http.Handler {
	l := newLimiters(requestsPerMinute)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requestsPerMinute > 0 && !l.allow("ip:"+clientIP(r)) {
				tooMany(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit limits N requests per minute per user (by UserID from ctx).
func RateLimit(requestsPerMinute int) func(next http.Handler) http.Handler {
	l := newLimiters(requestsPerMinute)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := UserID(r.Context())
			if !ok || requestsPerMinute <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			if !l.allow(id.String()) {
				tooMany(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
