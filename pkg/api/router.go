package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/psantana5/yolotrain/pkg/auth"
	"github.com/psantana5/yolotrain/pkg/logging"
	"github.com/psantana5/yolotrain/pkg/ratelimit"
	"github.com/psantana5/yolotrain/pkg/tracing"
)

// Instrumenter wraps handlers with request metrics
type Instrumenter interface {
	Middleware(next http.Handler) http.Handler
}

// RouterOptions selects the middleware chain around the handler. Nil
// fields disable the corresponding layer.
type RouterOptions struct {
	Logger      *logging.Logger
	Verifier    *auth.KeyVerifier
	Limiter     *ratelimit.Limiter
	Metrics     Instrumenter
	Tracing     *tracing.Provider
	CORSOrigins []string
}

// NewRouter assembles the routes and middleware into the server handler
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithComponent("http")

	r := mux.NewRouter()
	r.Use(requestIDMiddleware, recoverMiddleware(logger))
	if opts.Tracing != nil {
		r.Use(tracing.HTTPMiddleware(opts.Tracing))
	}
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(accessLogMiddleware(logger))
	if opts.Verifier != nil && opts.Verifier.Enabled() {
		r.Use(authMiddleware(opts.Verifier))
	}
	if opts.Limiter != nil {
		r.Use(rateLimitMiddleware(opts.Limiter))
	}
	h.RegisterRoutes(r)

	if len(opts.CORSOrigins) == 0 {
		return r
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: true,
	})
	return c.Handler(r)
}
