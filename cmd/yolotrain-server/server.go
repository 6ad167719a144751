package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/yolotrain/pkg/api"
	"github.com/psantana5/yolotrain/pkg/auth"
	"github.com/psantana5/yolotrain/pkg/cleanup"
	"github.com/psantana5/yolotrain/pkg/config"
	"github.com/psantana5/yolotrain/pkg/dataset"
	"github.com/psantana5/yolotrain/pkg/fanout"
	"github.com/psantana5/yolotrain/pkg/logging"
	"github.com/psantana5/yolotrain/pkg/metrics"
	"github.com/psantana5/yolotrain/pkg/ratelimit"
	"github.com/psantana5/yolotrain/pkg/relay"
	"github.com/psantana5/yolotrain/pkg/shutdown"
	"github.com/psantana5/yolotrain/pkg/store"
	tlsutil "github.com/psantana5/yolotrain/pkg/tls"
	"github.com/psantana5/yolotrain/pkg/tracing"
	"github.com/psantana5/yolotrain/pkg/trainer"
	"github.com/psantana5/yolotrain/pkg/training"
	"github.com/psantana5/yolotrain/pkg/workerpool"
)

const mb = 1024 * 1024

// run wires every component from settings and serves until a signal arrives
func run(ctx context.Context, s *config.Settings) error {
	logger := logging.NewLogger(logging.ParseLevel(s.LogLevel), strings.EqualFold(s.LogFormat, "json"))
	defer logger.Sync()

	logger.Info("Starting YOLO training server", map[string]interface{}{
		"version":        version,
		"addr":           s.APIAddr(),
		"training_dir":   s.TrainingDir,
		"max_concurrent": s.MaxConcurrentTrainings,
		"store":          s.Store.Type,
		"trainer":        s.Trainer.Type,
	})

	sd := shutdown.New(s.ShutdownTimeout, logger)

	tp, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "yolotrain",
		ServiceVersion: version,
		Environment:    s.Tracing.Environment,
		OTLPEndpoint:   s.Tracing.Endpoint,
		Enabled:        s.Tracing.Enabled,
	}, logger)
	if err != nil {
		return err
	}
	sd.Register("tracing", tp.Shutdown)

	jobs, err := store.NewStore(store.Config{
		Type:            s.Store.Type,
		DSN:             s.Store.DSN,
		Path:            s.Store.Path,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to open job registry: %w", err)
	}
	sd.Register("store", shutdown.CloseResource(jobs, "store"))
	if s.Store.Type == "" || s.Store.Type == "memory" {
		logger.Warn("Using in-memory job registry; jobs will not survive a restart")
	}

	m := metrics.New()
	hub := fanout.NewHub(jobs, logger).WithObserver(m)
	manager, err := training.NewManager(training.Config{
		WorkDir: s.TrainingDir,
		Limits: dataset.Limits{
			MaxEntries:    s.MaxArchiveEntries,
			MaxTotalSize:  uint64(s.MaxArchiveSizeMB) * mb,
			MaxNameLength: s.MaxFilenameLength,
		},
		MaxUploadBytes: int64(s.MaxUploadSizeMB) * mb,
		WeightsDir:     s.WeightsDir,
	}, training.Deps{
		Store:    jobs,
		Relay:    relay.New(s.RelayInterval, relay.WithWake(s.RelayWake), relay.WithLogger(logger), relay.WithObserver(m)),
		Hub:      hub,
		Pool:     workerpool.New(s.MaxConcurrentTrainings).WithObserver(m),
		Trainer:  newTrainer(s, logger),
		Logger:   logger,
		Recorder: m,
		Tracer:   tp.Tracer(),
	})
	if err != nil {
		return err
	}
	sd.Register("training", manager.Shutdown)

	janitor := cleanup.NewCleanupManager(cleanup.CleanupConfig{
		Enabled:         s.Retention > 0,
		Retention:       s.Retention,
		CleanupInterval: s.CleanupInterval,
		VacuumInterval:  24 * time.Hour,
	}, manager, vacuumerOf(jobs), logger)
	janitor.Start()
	sd.Register("cleanup", func(context.Context) error {
		janitor.Stop()
		return nil
	})

	verifier, err := auth.NewKeyVerifier(s.APIKeys, s.APIKeyHashes)
	if err != nil {
		return err
	}
	if verifier.Enabled() {
		logger.Info("API key authentication enabled")
	} else {
		logger.Warn("API key authentication disabled; set api_keys to require a key")
	}

	var limiter *ratelimit.Limiter
	if s.RateLimit.RPS > 0 {
		limiter = ratelimit.NewLimiter(s.RateLimit.RPS, s.RateLimit.Burst)
	}

	// the base64 archive inflates the body by a third
	handler := api.NewHandler(manager,
		api.WithLogger(logger),
		api.WithVersion(version),
		api.WithMaxBodyBytes(int64(s.MaxUploadSizeMB)*mb*4/3+64*1024),
		api.WithAllowedOrigins(s.CORS),
	)
	srv := &http.Server{
		Addr: s.APIAddr(),
		Handler: api.NewRouter(handler, api.RouterOptions{
			Logger:      logger,
			Verifier:    verifier,
			Limiter:     limiter,
			Metrics:     m,
			Tracing:     tp,
			CORSOrigins: s.CORS,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	useTLS, err := configureTLS(srv, s, logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("API server listening", map[string]interface{}{"addr": srv.Addr, "tls": useTLS})
		var err error
		if useTLS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	sd.Register("api server", shutdown.StopHTTPServer(srv, "api"))

	if s.MetricsPort > 0 {
		msrv := newMetricsServer(s, manager, jobs, m)
		go func() {
			logger.Info("Metrics server listening", map[string]interface{}{"addr": msrv.Addr})
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		sd.Register("metrics server", shutdown.StopHTTPServer(msrv, "metrics"))
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	failure := make(chan error, 1)
	go func() {
		select {
		case err := <-errCh:
			logger.Error("Server failed", map[string]interface{}{"error": err.Error()})
			failure <- err
			cancel()
		case <-waitCtx.Done():
		}
	}()
	sd.Wait(waitCtx)

	if failed := sd.Shutdown(); failed > 0 {
		return fmt.Errorf("%d shutdown steps failed", failed)
	}
	select {
	case err := <-failure:
		return err
	default:
		return nil
	}
}

func newTrainer(s *config.Settings, logger *logging.Logger) trainer.Trainer {
	if s.Trainer.Type == "command" {
		return &trainer.Command{Path: s.Trainer.Command, Args: s.Trainer.Args, Logger: logger}
	}
	return &trainer.Simulated{EpochDelay: s.Trainer.EpochDelay, Artifacts: true}
}

func vacuumerOf(st store.Store) cleanup.Vacuumer {
	if v, ok := st.(cleanup.Vacuumer); ok {
		return v
	}
	return nil
}

func configureTLS(srv *http.Server, s *config.Settings, logger *logging.Logger) (bool, error) {
	if !s.TLS.Enabled() {
		return false, nil
	}
	if s.TLS.SelfSigned {
		created, err := tlsutil.EnsureCert(s.TLS.Cert, s.TLS.Key, "yolotrain", "localhost", "127.0.0.1")
		if err != nil {
			return false, fmt.Errorf("failed to generate certificate: %w", err)
		}
		if created {
			logger.Info("Generated self-signed certificate", map[string]interface{}{"cert": s.TLS.Cert, "key": s.TLS.Key})
		}
	}
	cfg, err := tlsutil.LoadServerConfig(s.TLS.Cert, s.TLS.Key)
	if err != nil {
		return false, err
	}
	srv.TLSConfig = cfg
	return true, nil
}

func newMetricsServer(s *config.Settings, manager *training.Manager, jobs store.Store, m *metrics.Metrics) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", metrics.NewExporter(jobs, m)).Methods("GET")
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if err := jobs.HealthCheck(); err != nil {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		fmt.Fprintf(w, `{"status":%q,"active_jobs":%d}`, status, manager.ActiveJobs())
	}).Methods("GET")

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.APIHost, s.MetricsPort),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
