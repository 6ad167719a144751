package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiter(t *testing.T) {
	// With rate.NewLimiter(10, 2), the limiter starts with 2 tokens in the bucket
	limiter := NewLimiter(10, 2)

	if !limiter.Allow("test-key") {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow("test-key") {
		t.Error("Second request should be allowed")
	}
	if limiter.Allow("test-key") {
		t.Error("Third request should be rate limited")
	}

	// Wait for token refill (10 req/s = 100ms per token)
	time.Sleep(150 * time.Millisecond)

	if !limiter.Allow("test-key") {
		t.Error("Request after waiting should be allowed")
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	limiter := NewLimiter(1, 1)

	if !limiter.Allow("a") || !limiter.Allow("b") {
		t.Fatal("first request per key should be allowed")
	}
	if limiter.Allow("a") {
		t.Error("second request for a should be limited")
	}
}

func TestLimiterBoundsClients(t *testing.T) {
	limiter := NewLimiterWithSize(10, 1, 2, time.Minute)

	for _, k := range []string{"a", "b", "c"} {
		limiter.Allow(k)
	}
	if got := limiter.Clients(); got != 2 {
		t.Errorf("Clients() = %d, want 2", got)
	}
}

func TestMiddleware(t *testing.T) {
	limiter := NewLimiter(10, 2)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := limiter.Middleware(func(r *http.Request) string { return "test-key" })(handler)

	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i, code := range want {
		rr := httptest.NewRecorder()
		wrapped.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/test", nil))
		if rr.Code != code {
			t.Errorf("request %d: got status %d, want %d", i+1, rr.Code, code)
		}
	}
}

func TestDeniedHandler(t *testing.T) {
	limiter := NewLimiter(1, 1).WithDeniedHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	wrapped := limiter.Middleware(IPKeyFunc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	var last int
	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		wrapped.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		last = rr.Code
	}
	if last != http.StatusServiceUnavailable {
		t.Errorf("got %d, want custom denied status", last)
	}
}

func TestIPKeyFunc(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	if got := IPKeyFunc(r); got != "10.0.0.1" {
		t.Errorf("IPKeyFunc() = %q", got)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := IPKeyFunc(r); got != "203.0.113.9" {
		t.Errorf("IPKeyFunc() with XFF = %q", got)
	}
}
