package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/psantana5/yolotrain/pkg/models"
)

// sqlJobs implements the job registry on database/sql. The SQLite and
// PostgreSQL stores differ only in placeholders, row locking and schema types.
type sqlJobs struct {
	db         *sql.DB
	postgres   bool
	lockClause string
}

const jobColumns = `id, name, status, progress, current_epoch, total_epochs,
	metrics, logs, created_at, started_at, completed_at, error, state_transitions`

// bind rewrites ? placeholders to $n for PostgreSQL
func (s *sqlJobs) bind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job                        models.Job
		status                     string
		metrics, logs, transitions string
		startedAt, completedAt     sql.NullTime
		errMsg                     sql.NullString
	)
	err := row.Scan(&job.ID, &job.Name, &status, &job.Progress, &job.CurrentEpoch, &job.TotalEpochs,
		&metrics, &logs, &job.CreatedAt, &startedAt, &completedAt, &errMsg, &transitions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Status = models.JobStatus(status)
	job.Error = errMsg.String
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if err := unmarshalColumn(metrics, &job.Metrics); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(logs, &job.Logs); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(transitions, &job.StateTransitions); err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

func unmarshalColumn(raw string, v interface{}) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}

func jobArgs(job *models.Job) ([]interface{}, error) {
	metrics, err := json.Marshal(job.Metrics)
	if err != nil {
		return nil, err
	}
	logs, err := json.Marshal(job.Logs)
	if err != nil {
		return nil, err
	}
	transitions, err := json.Marshal(job.StateTransitions)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		job.Name, string(job.Status), job.Progress, job.CurrentEpoch, job.TotalEpochs,
		string(metrics), string(logs), job.CreatedAt, nullTime(job.StartedAt), nullTime(job.CompletedAt),
		job.Error, string(transitions),
	}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// CreateJob inserts a new pending job
func (s *sqlJobs) CreateJob(name string, totalEpochs int) (*models.Job, error) {
	job := newJob(uuid.New().String(), name, totalEpochs)
	args, err := jobArgs(job)
	if err != nil {
		return nil, err
	}

	query := s.bind(`INSERT INTO jobs (` + jobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.Exec(query, append([]interface{}{job.ID}, args...)...); err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	return job.Clone(), nil
}

// GetJob retrieves a job by ID
func (s *sqlJobs) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(s.bind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	return scanJob(row)
}

// UpdateJob reads, mutates and writes the job inside one transaction
func (s *sqlJobs) UpdateJob(id string, fn Mutator) (*models.Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRow(s.bind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`+s.lockClause), id))
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}

	args, err := jobArgs(job)
	if err != nil {
		return nil, err
	}
	query := s.bind(`UPDATE jobs SET name = ?, status = ?, progress = ?, current_epoch = ?, total_epochs = ?,
		metrics = ?, logs = ?, created_at = ?, started_at = ?, completed_at = ?, error = ?, state_transitions = ?
		WHERE id = ?`)
	if _, err := tx.Exec(query, append(args, id)...); err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job update: %w", err)
	}
	return job.Clone(), nil
}

// DeleteJob removes a job
func (s *sqlJobs) DeleteJob(id string) error {
	if _, err := s.db.Exec(s.bind(`DELETE FROM jobs WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// ListJobs returns all jobs ordered by creation time
func (s *sqlJobs) ListJobs() ([]*models.Job, error) {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// HealthCheck pings the database
func (s *sqlJobs) HealthCheck() error {
	return s.db.Ping()
}

// Close closes the database connection
func (s *sqlJobs) Close() error {
	return s.db.Close()
}
