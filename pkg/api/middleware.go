package api

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/yolotrain/pkg/auth"
	"github.com/psantana5/yolotrain/pkg/logging"
	"github.com/psantana5/yolotrain/pkg/ratelimit"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

type ctxKey struct{}

// RequestID returns the id assigned to the request, if any
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// statusRecorder captures the response status for logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func accessLogMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			fields := map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rec.status,
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  RequestID(r.Context()),
			}
			switch {
			case rec.status >= 500:
				logger.Error("Request failed", fields)
			case rec.status >= 400:
				logger.Warn("Request rejected", fields)
			default:
				logger.Debug("Request handled", fields)
			}
		})
	}
}

func recoverMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("Handler panicked", map[string]interface{}{
						"path":  r.URL.Path,
						"panic": fmt.Sprint(p),
						"stack": string(debug.Stack()),
					})
					writeError(w, r, http.StatusInternalServerError, ErrNameInternal, "Internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// publicPaths are served without an API key
var publicPaths = map[string]bool{
	"/":       true,
	"/health": true,
}

func authMiddleware(v *auth.KeyVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			switch err := v.VerifyRequest(r); err {
			case nil:
				next.ServeHTTP(w, r)
			case auth.ErrMissingKey:
				w.Header().Set("WWW-Authenticate", `Bearer realm="yolotrain"`)
				writeError(w, r, http.StatusUnauthorized, ErrNameAuthentication, "Missing API key")
			default:
				w.Header().Set("WWW-Authenticate", `Bearer realm="yolotrain"`)
				writeError(w, r, http.StatusUnauthorized, ErrNameAuthentication, "Invalid API key")
			}
		})
	}
}

func rateLimitMiddleware(l *ratelimit.Limiter) func(http.Handler) http.Handler {
	l.WithDeniedHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusTooManyRequests, ErrNameResourceLimit, "Resource limit exceeded: too many requests")
	}))
	limited := l.Middleware(ratelimit.APIKeyFunc)
	return func(next http.Handler) http.Handler {
		withLimit := limited(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			withLimit.ServeHTTP(w, r)
		})
	}
}
