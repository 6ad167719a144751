package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxClients bounds the number of tracked clients
	DefaultMaxClients = 10000
	// DefaultIdleTTL drops buckets of clients idle for this long
	DefaultIdleTTL = 10 * time.Minute
)

// Limiter keeps one token bucket per client key. Buckets live in an
// expirable LRU so idle clients do not accumulate.
type Limiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	rps      rate.Limit
	burst    int
	denied   http.Handler
}

// NewLimiter creates a new rate limiter
// rps: requests per second
// burst: maximum burst size
func NewLimiter(rps float64, burst int) *Limiter {
	return NewLimiterWithSize(rps, burst, DefaultMaxClients, DefaultIdleTTL)
}

// NewLimiterWithSize bounds the tracked clients to maxClients, each kept for ttl
func NewLimiterWithSize(rps float64, burst, maxClients int, ttl time.Duration) *Limiter {
	return &Limiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](maxClients, nil, ttl),
		rps:      rate.Limit(rps),
		burst:    burst,
		denied: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		}),
	}
}

// WithDeniedHandler replaces the response written for limited requests
func (l *Limiter) WithDeniedHandler(h http.Handler) *Limiter {
	l.denied = h
	return l
}

// GetLimiter returns a rate limiter for the given key (e.g., IP address or API key)
func (l *Limiter) GetLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
	}
	// re-adding refreshes the idle TTL
	l.limiters.Add(key, limiter)
	return limiter
}

// Allow checks if a request should be allowed
func (l *Limiter) Allow(key string) bool {
	return l.GetLimiter(key).Allow()
}

// Clients returns the number of tracked client buckets
func (l *Limiter) Clients() int {
	return l.limiters.Len()
}

// Middleware creates an HTTP middleware for rate limiting
func (l *Limiter) Middleware(keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(keyFunc(r)) {
				l.denied.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IPKeyFunc extracts the client IP, preferring the first X-Forwarded-For hop
func IPKeyFunc(r *http.Request) string {
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

// APIKeyFunc keys on the Authorization header, falling back to the client IP
func APIKeyFunc(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return h
	}
	return IPKeyFunc(r)
}
