package store

import (
	"errors"
	"time"

	"github.com/psantana5/yolotrain/pkg/models"
)

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// Mutator changes a job in place. Returning an error aborts the update and
// leaves the stored job untouched.
type Mutator func(job *models.Job) error

// Store is the job registry. Every method is safe for concurrent use and
// returned jobs are copies owned by the caller.
type Store interface {
	CreateJob(name string, totalEpochs int) (*models.Job, error)
	GetJob(id string) (*models.Job, error)
	// UpdateJob applies fn atomically and returns the updated job
	UpdateJob(id string, fn Mutator) (*models.Job, error)
	// DeleteJob removes the job; deleting an absent job is not an error
	DeleteJob(id string) error
	// ListJobs returns all jobs ordered by creation time
	ListJobs() ([]*models.Job, error)

	HealthCheck() error
	Close() error
}

// Config holds registry backend configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // Connection string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SQLite specific
	Path string
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "memory", "":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "sqlite":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "yolotrain.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedDatabase
	}
}

func newJob(id, name string, totalEpochs int) *models.Job {
	return &models.Job{
		ID:          id,
		Name:        name,
		Status:      models.JobStatusPending,
		TotalEpochs: totalEpochs,
		Metrics:     []models.Metrics{},
		Logs:        []string{},
		CreatedAt:   time.Now().UTC(),
	}
}
