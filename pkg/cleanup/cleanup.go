package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/yolotrain/pkg/logging"
	"github.com/psantana5/yolotrain/pkg/models"
)

// CleanupConfig defines retention policies and cleanup intervals
type CleanupConfig struct {
	Enabled         bool
	Retention       time.Duration // terminal jobs older than this are deleted
	CleanupInterval time.Duration
	VacuumInterval  time.Duration // 0 disables vacuum
}

// DefaultConfig returns the defaults; retention stays off until configured
func DefaultConfig() CleanupConfig {
	return CleanupConfig{
		Enabled:         false,
		Retention:       7 * 24 * time.Hour,
		CleanupInterval: 10 * time.Minute,
		VacuumInterval:  24 * time.Hour,
	}
}

// Jobs is the job registry the janitor prunes. Cleanup must remove a job's
// on-disk data along with its record.
type Jobs interface {
	List() ([]*models.Job, error)
	Cleanup(id string) error
}

// Vacuumer is implemented by stores that support compaction
type Vacuumer interface {
	Vacuum() error
}

// CleanupManager deletes finished jobs past their retention period
type CleanupManager struct {
	config   CleanupConfig
	jobs     Jobs
	vacuumer Vacuumer
	logger   *logging.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats CleanupStats
}

// CleanupStats tracks cleanup operations
type CleanupStats struct {
	LastCleanupTime     time.Time
	LastVacuumTime      time.Time
	TotalJobsDeleted    int64
	TotalVacuumRuns     int64
	LastCleanupDuration time.Duration
}

// NewCleanupManager creates a new cleanup manager. vacuumer may be nil.
func NewCleanupManager(config CleanupConfig, jobs Jobs, vacuumer Vacuumer, logger *logging.Logger) *CleanupManager {
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CleanupManager{
		config:   config,
		jobs:     jobs,
		vacuumer: vacuumer,
		logger:   logger.WithComponent("cleanup"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the automatic cleanup process
func (cm *CleanupManager) Start() {
	if !cm.config.Enabled || cm.config.Retention <= 0 {
		cm.logger.Info("Cleanup manager disabled")
		return
	}

	cm.logger.Info("Starting cleanup manager", map[string]interface{}{
		"retention": cm.config.Retention.String(),
		"interval":  cm.config.CleanupInterval.String(),
	})

	cm.wg.Add(1)
	go cm.loop(cm.config.CleanupInterval, cm.CleanupNow)
	if cm.vacuumer != nil && cm.config.VacuumInterval > 0 {
		cm.wg.Add(1)
		go cm.loop(cm.config.VacuumInterval, cm.VacuumNow)
	}
}

// Stop gracefully stops the cleanup manager
func (cm *CleanupManager) Stop() {
	cm.cancel()
	cm.wg.Wait()
	cm.logger.Info("Cleanup manager stopped")
}

func (cm *CleanupManager) loop(interval time.Duration, run func() int) {
	defer cm.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// CleanupNow deletes every expired terminal job and returns how many went
func (cm *CleanupManager) CleanupNow() int {
	start := cm.now()
	cutoff := start.Add(-cm.config.Retention)

	jobs, err := cm.jobs.List()
	if err != nil {
		cm.logger.Error("Failed to list jobs for cleanup", map[string]interface{}{"error": err})
		return 0
	}

	deleted := 0
	for _, job := range jobs {
		if !models.IsTerminalState(job.Status) {
			continue
		}
		// CompletedAt if available, otherwise CreatedAt
		ref := job.CreatedAt
		if job.CompletedAt != nil {
			ref = *job.CompletedAt
		}
		if !ref.Before(cutoff) {
			continue
		}
		if err := cm.jobs.Cleanup(job.ID); err != nil {
			cm.logger.Warn("Failed to delete expired job", map[string]interface{}{
				"job_id": job.ID,
				"error":  err,
			})
			continue
		}
		deleted++
	}

	cm.mu.Lock()
	cm.stats.LastCleanupTime = cm.now()
	cm.stats.LastCleanupDuration = cm.now().Sub(start)
	cm.stats.TotalJobsDeleted += int64(deleted)
	cm.mu.Unlock()

	if deleted > 0 {
		cm.logger.Info("Expired jobs deleted", map[string]interface{}{"count": deleted})
	}
	return deleted
}

// VacuumNow compacts the store; it returns 1 on success
func (cm *CleanupManager) VacuumNow() int {
	if cm.vacuumer == nil {
		return 0
	}
	if err := cm.vacuumer.Vacuum(); err != nil {
		cm.logger.Error("Database vacuum failed", map[string]interface{}{"error": err})
		return 0
	}
	cm.mu.Lock()
	cm.stats.LastVacuumTime = cm.now()
	cm.stats.TotalVacuumRuns++
	cm.mu.Unlock()
	return 1
}

// GetStats returns current cleanup statistics
func (cm *CleanupManager) GetStats() CleanupStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.stats
}
