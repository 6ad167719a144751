package training

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/psantana5/yolotrain/pkg/dataset"
	"github.com/psantana5/yolotrain/pkg/fanout"
	"github.com/psantana5/yolotrain/pkg/logging"
	"github.com/psantana5/yolotrain/pkg/models"
	"github.com/psantana5/yolotrain/pkg/relay"
	"github.com/psantana5/yolotrain/pkg/store"
	"github.com/psantana5/yolotrain/pkg/trainer"
	"github.com/psantana5/yolotrain/pkg/workerpool"
)

// errSkip aborts a registry update that no longer applies, such as an epoch
// callback arriving after the job was stopped.
var errSkip = errors.New("update skipped")

// Recorder receives job lifecycle metrics
type Recorder interface {
	JobStarted()
	JobFinished(status models.JobStatus, duration time.Duration)
	EpochCompleted()
	DatasetRejected(rule string)
}

type nopRecorder struct{}

func (nopRecorder) JobStarted()                                 {}
func (nopRecorder) JobFinished(models.JobStatus, time.Duration) {}
func (nopRecorder) EpochCompleted()                             {}
func (nopRecorder) DatasetRejected(string)                      {}

// Config holds orchestrator settings
type Config struct {
	WorkDir        string
	Limits         dataset.Limits
	MaxUploadBytes int64
	WeightsDir     string
	MaxLogLines    int
}

// Deps are the collaborators a Manager drives
type Deps struct {
	Store    store.Store
	Relay    *relay.Relay
	Hub      *fanout.Hub
	Pool     *workerpool.Pool
	Trainer  trainer.Trainer
	Logger   *logging.Logger
	Recorder Recorder
	Tracer   trace.Tracer
}

// Manager owns the lifecycle of training jobs: it validates requests,
// extracts datasets, dispatches training to the worker pool and relays
// progress to subscribers.
type Manager struct {
	cfg      Config
	store    store.Store
	relay    *relay.Relay
	hub      *fanout.Hub
	pool     *workerpool.Pool
	trainer  trainer.Trainer
	logger   *logging.Logger
	recorder Recorder
	tracer   trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires a Manager and creates its working directory
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Store == nil || deps.Relay == nil || deps.Hub == nil || deps.Pool == nil || deps.Trainer == nil {
		return nil, fmt.Errorf("training manager requires store, relay, hub, pool and trainer")
	}
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("training manager requires a work directory")
	}
	if cfg.Limits == (dataset.Limits{}) {
		cfg.Limits = dataset.DefaultLimits()
	}
	if cfg.MaxLogLines <= 0 {
		cfg.MaxLogLines = 1000
	}
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	m := &Manager{
		cfg:      cfg,
		store:    deps.Store,
		relay:    deps.Relay,
		hub:      deps.Hub,
		pool:     deps.Pool,
		trainer:  deps.Trainer,
		logger:   deps.Logger,
		recorder: deps.Recorder,
		tracer:   deps.Tracer,
	}
	if m.logger == nil {
		m.logger = logging.Nop()
	}
	m.logger = m.logger.WithComponent("training")
	if m.recorder == nil {
		m.recorder = nopRecorder{}
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer("github.com/psantana5/yolotrain/pkg/training")
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

// JobDir returns the directory holding a job's dataset and outputs
func (m *Manager) JobDir(jobID string) string {
	return filepath.Join(m.cfg.WorkDir, jobID)
}

// validID rejects ids that could not have been issued by the registry,
// keeping request paths from reaching outside the work directory.
func validID(jobID string) bool {
	_, err := uuid.Parse(jobID)
	return err == nil && !strings.ContainsAny(jobID, `/\`)
}

// Start validates the request, creates a pending job and launches it in the
// background. Invalid configuration and rejected archives are returned
// before any job exists.
func (m *Manager) Start(ctx context.Context, cfg models.TrainingConfig, archiveB64 string) (string, error) {
	ctx, span := m.tracer.Start(ctx, "training.start")
	defer span.End()

	if err := cfg.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid configuration")
		return "", err
	}

	data, err := m.decodeArchive(archiveB64)
	if err == nil {
		_, err = dataset.Inspect(data, m.cfg.Limits)
	}
	if err != nil {
		m.recorder.DatasetRejected(dataset.RuleOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "dataset rejected")
		return "", err
	}

	job, err := m.store.CreateJob(cfg.Name, cfg.Epochs)
	if err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}
	if err := os.MkdirAll(m.JobDir(job.ID), 0755); err != nil {
		if derr := m.store.DeleteJob(job.ID); derr != nil {
			m.logger.Error("Failed to roll back job after directory error", map[string]interface{}{
				"job_id": job.ID,
				"error":  derr.Error(),
			})
		}
		return "", fmt.Errorf("failed to create job directory: %w", err)
	}
	span.SetAttributes(attribute.String("job.id", job.ID))

	m.logger.Info("Training job created", map[string]interface{}{
		"job_id": job.ID,
		"name":   cfg.Name,
		"model":  cfg.ModelName(),
		"epochs": cfg.Epochs,
	})
	m.recorder.JobStarted()

	m.wg.Add(1)
	go m.run(job.ID, cfg, data)
	return job.ID, nil
}

func (m *Manager) decodeArchive(archiveB64 string) ([]byte, error) {
	archiveB64 = strings.TrimSpace(archiveB64)
	if i := strings.Index(archiveB64, ","); i >= 0 && strings.HasPrefix(archiveB64, "data:") {
		archiveB64 = archiveB64[i+1:]
	}
	if archiveB64 == "" {
		return nil, dataset.NewValidationError(dataset.RuleManifest, "dataset archive is empty")
	}
	if m.cfg.MaxUploadBytes > 0 && int64(base64.StdEncoding.DecodedLen(len(archiveB64))) > m.cfg.MaxUploadBytes+2 {
		return nil, dataset.NewValidationError(dataset.RuleUpload,
			fmt.Sprintf("upload exceeds %d MB", m.cfg.MaxUploadBytes/(1024*1024)))
	}
	data, err := base64.StdEncoding.DecodeString(archiveB64)
	if err != nil {
		return nil, dataset.NewExtractionError(dataset.RuleCorrupt, "invalid base64 encoding")
	}
	if m.cfg.MaxUploadBytes > 0 && int64(len(data)) > m.cfg.MaxUploadBytes {
		return nil, dataset.NewValidationError(dataset.RuleUpload,
			fmt.Sprintf("upload exceeds %d MB", m.cfg.MaxUploadBytes/(1024*1024)))
	}
	return data, nil
}

// run supervises the relay pump and the job execution for one job
func (m *Manager) run(jobID string, cfg models.TrainingConfig, data []byte) {
	defer m.wg.Done()

	ctx, span := m.tracer.Start(m.ctx, "training.run", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("job.model", cfg.ModelName()),
		attribute.Int("job.epochs", cfg.Epochs),
	))
	defer span.End()

	var g errgroup.Group
	g.Go(func() error {
		return m.relay.Run(m.ctx, jobID, m.store, m.hub)
	})
	g.Go(func() error {
		m.execute(ctx, jobID, cfg, data)
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("Relay pump failed", map[string]interface{}{"job_id": jobID, "error": err.Error()})
	}

	if job, err := m.store.GetJob(jobID); err == nil {
		span.SetAttributes(attribute.String("job.status", string(job.Status)))
		if job.Status == models.JobStatusFailed {
			span.SetStatus(codes.Error, job.Error)
		}
	}
}

func (m *Manager) execute(ctx context.Context, jobID string, cfg models.TrainingConfig, data []byte) {
	started := time.Now()
	logger := m.logger.WithField("job_id", jobID)

	_, err := m.store.UpdateJob(jobID, func(j *models.Job) error {
		if err := j.TransitionTo(models.JobStatusRunning, "submitted to worker pool"); err != nil {
			return err
		}
		m.relay.Push(jobID, models.NewStatusMessage(jobID, j.Status, j.Progress))
		m.appendLog(j, "Extracting dataset...")
		return nil
	})
	if err != nil {
		logger.Info("Job not started", map[string]interface{}{"reason": err.Error()})
		m.finish(jobID, started)
		return
	}

	res := m.pool.Submit(ctx, func(ctx context.Context) error {
		return m.train(ctx, jobID, cfg, data)
	})
	<-res.Done()

	if err := res.Err(); errors.Is(err, errSkip) {
		logger.Info("Job left running state before a worker slot was free")
	} else if err != nil {
		m.fail(jobID, err)
	} else {
		m.complete(jobID)
	}
	m.finish(jobID, started)
}

func (m *Manager) train(ctx context.Context, jobID string, cfg models.TrainingConfig, data []byte) error {
	// stopped or deleted while queued for a slot
	if job, err := m.store.GetJob(jobID); err != nil || job.Status != models.JobStatusRunning {
		return errSkip
	}

	jobDir := m.JobDir(jobID)
	datasetDir, err := dataset.Extract(data, jobDir, m.cfg.Limits)
	if err != nil {
		m.recorder.DatasetRejected(dataset.RuleOf(err))
		return err
	}
	dataYAML, err := dataset.WriteDataYAML(datasetDir)
	if err != nil {
		return err
	}

	req := trainer.Request{
		JobID:      jobID,
		Model:      m.resolveModel(cfg),
		DataYAML:   dataYAML,
		ProjectDir: jobDir,
		Config:     cfg,
	}
	m.logger.Info("Dataset ready, starting trainer", map[string]interface{}{
		"job_id": jobID,
		"data":   dataYAML,
		"model":  req.Model,
	})
	return m.trainer.Train(ctx, req, &callbacks{m: m, jobID: jobID, defaultLR: cfg.LearningRate})
}

// resolveModel prefers a local copy of the pretrained weights
func (m *Manager) resolveModel(cfg models.TrainingConfig) string {
	name := cfg.ModelName()
	if m.cfg.WeightsDir != "" {
		p := filepath.Join(m.cfg.WeightsDir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return name
}

func (m *Manager) complete(jobID string) {
	_, err := m.store.UpdateJob(jobID, func(j *models.Job) error {
		return j.TransitionTo(models.JobStatusCompleted, "training finished")
	})
	if err != nil {
		m.logger.Info("Training returned after job left running state", map[string]interface{}{
			"job_id": jobID,
			"reason": err.Error(),
		})
		return
	}
	m.logger.Info("Training completed", map[string]interface{}{"job_id": jobID})
}

// fail records err on the job and relays it. The error event is pushed
// inside the update so it is only emitted when the transition applies.
func (m *Manager) fail(jobID string, cause error) {
	msg := cause.Error()
	_, err := m.store.UpdateJob(jobID, func(j *models.Job) error {
		if err := j.TransitionTo(models.JobStatusFailed, "training failed"); err != nil {
			return err
		}
		j.Error = msg
		m.relay.Push(jobID, models.NewErrorMessage(jobID, msg))
		return nil
	})
	if err != nil {
		m.logger.Info("Training error after job left running state", map[string]interface{}{
			"job_id": jobID,
			"error":  msg,
		})
		return
	}
	m.logger.Error("Training failed", map[string]interface{}{"job_id": jobID, "error": msg})
}

func (m *Manager) finish(jobID string, started time.Time) {
	if job, err := m.store.GetJob(jobID); err == nil {
		m.recorder.JobFinished(job.Status, time.Since(started))
	}
}

// appendLog records a log line on the job and relays it; caller is inside an update
func (m *Manager) appendLog(j *models.Job, line string) {
	j.Logs = append(j.Logs, line)
	if over := len(j.Logs) - m.cfg.MaxLogLines; over > 0 {
		j.Logs = j.Logs[over:]
	}
	m.relay.Push(j.ID, models.NewLogMessage(j.ID, line))
}

// Stop moves a pending or running job to stopped. It does not interrupt a
// trainer that is already running: the call keeps its worker slot until it
// returns, and its further callbacks are ignored.
func (m *Manager) Stop(jobID string) bool {
	if !validID(jobID) {
		return false
	}
	_, err := m.store.UpdateJob(jobID, func(j *models.Job) error {
		if !models.IsActiveState(j.Status) {
			return errSkip
		}
		return j.TransitionTo(models.JobStatusStopped, "stop requested")
	})
	if err != nil {
		return false
	}
	m.logger.Info("Training job stopped", map[string]interface{}{"job_id": jobID})
	return true
}

// Get returns a snapshot of the job
func (m *Manager) Get(jobID string) (*models.Job, error) {
	if !validID(jobID) {
		return nil, store.ErrJobNotFound
	}
	return m.store.GetJob(jobID)
}

// List returns all jobs
func (m *Manager) List() ([]*models.Job, error) {
	return m.store.ListJobs()
}

// ActiveJobs counts pending and running jobs
func (m *Manager) ActiveJobs() int {
	jobs, err := m.store.ListJobs()
	if err != nil {
		return 0
	}
	n := 0
	for _, j := range jobs {
		if models.IsActiveState(j.Status) {
			n++
		}
	}
	return n
}

// Subscribe registers sub for a job's live messages
func (m *Manager) Subscribe(jobID string, sub fanout.Subscriber) error {
	if !validID(jobID) {
		return store.ErrJobNotFound
	}
	return m.hub.Register(jobID, sub)
}

// Unsubscribe removes sub
func (m *Manager) Unsubscribe(jobID string, sub fanout.Subscriber) {
	m.hub.Unregister(jobID, sub)
}

// Cleanup deletes a job's registry entry, subscribers and directory.
// The entry goes first so no lookup observes a half-deleted job. Cleaning up
// an unknown job is a no-op.
func (m *Manager) Cleanup(jobID string) error {
	if !validID(jobID) {
		return nil
	}
	if job, err := m.store.GetJob(jobID); err == nil && models.IsActiveState(job.Status) {
		m.logger.Warn("Deleting active job; its trainer keeps running until it returns", map[string]interface{}{
			"job_id": jobID,
		})
	}
	if err := m.store.DeleteJob(jobID); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	m.hub.CloseJob(jobID)
	m.relay.Forget(jobID)

	if err := m.removeDir(jobID); err != nil {
		return err
	}
	m.logger.Info("Training job deleted", map[string]interface{}{"job_id": jobID})
	return nil
}

// removeDir renames the job directory out of the way before deleting it
func (m *Manager) removeDir(jobID string) error {
	dir := m.JobDir(jobID)
	tomb := filepath.Join(m.cfg.WorkDir, ".deleted-"+jobID+"-"+uuid.NewString()[:8])
	if err := os.Rename(dir, tomb); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		tomb = dir
	}
	if err := os.RemoveAll(tomb); err != nil {
		return fmt.Errorf("failed to remove job directory: %w", err)
	}
	return nil
}

// Results summarizes metrics and output artifacts for a job
func (m *Manager) Results(jobID string) (*models.Results, error) {
	job, err := m.Get(jobID)
	if err != nil {
		return nil, err
	}

	runDir := filepath.Join(m.JobDir(jobID), trainer.RunName)
	exists := func(parts ...string) bool {
		_, err := os.Stat(filepath.Join(append([]string{runDir}, parts...)...))
		return err == nil
	}

	res := &models.Results{
		JobID:   job.ID,
		Status:  job.Status,
		Metrics: job.Metrics,
		Files: models.Artifacts{
			ResultsChart:    exists("results.png"),
			ConfusionMatrix: exists("confusion_matrix.png"),
			BestModel:       exists("weights", "best.pt"),
			LastModel:       exists("weights", "last.pt"),
			ResultsCSV:      exists("results.csv"),
		},
	}
	for _, mt := range job.Metrics {
		if res.BestEpoch == 0 || mt.MAP50_95 > res.BestMAP50_95 {
			res.BestEpoch = mt.Epoch
			res.BestMAP50_95 = mt.MAP50_95
		}
	}
	return res, nil
}

// Shutdown waits for running trainings until ctx expires, then cancels them
// and stops every relay pump.
func (m *Manager) Shutdown(ctx context.Context) error {
	poolErr := m.pool.Close(ctx)
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("training goroutines did not exit")
	}
	return poolErr
}
