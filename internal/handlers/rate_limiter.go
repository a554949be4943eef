package handlers

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/platform/httpx"
)

const limiterIdleTTL = 10 * time.Minute

// clientLimiter keeps one token bucket per client key. Buckets idle for longer than
// limiterIdleTTL are dropped on the next insert.
type clientLimiter struct {
	limit rate.Limit
	burst int
	clock func() time.Time

	mu      sync.Mutex
	clients map[string]*clientBucket
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(perMinute int, clock func() time.Time) *clientLimiter {
	if perMinute <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &clientLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   perMinute,
		clock:   clock,
		clients: make(map[string]*clientBucket),
	}
}

// reserve reports whether the request may proceed and, if not, how long to wait.
func (l *clientLimiter) reserve(key string) (bool, time.Duration) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	bucket, ok := l.clients[key]
	if !ok {
		l.pruneLocked(now)
		bucket = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = bucket
	}
	bucket.lastSeen = now
	l.mu.Unlock()

	if bucket.limiter.AllowN(now, 1) {
		return true, 0
	}
	delay := time.Duration(float64(time.Second) / float64(l.limit))
	return false, delay
}

func (l *clientLimiter) pruneLocked(now time.Time) {
	for key, bucket := range l.clients {
		if now.Sub(bucket.lastSeen) > limiterIdleTTL {
			delete(l.clients, key)
		}
	}
}

// RateLimit returns middleware limiting each client IP to perMinute requests with a
// burst of the same size. A non-positive limit disables limiting.
func RateLimit(perMinute int, clock func() time.Time) func(http.Handler) http.Handler {
	limiter := newClientLimiter(perMinute, clock)
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter := limiter.reserve(clientKey(r))
			if !allowed {
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests).WithRetryAfter(retryAfter))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
