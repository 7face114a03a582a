package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lyzr/modelrelay/common/models"
)

// Querier is the slice of pgxpool.Pool the repository needs
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS job_history (
	job_id       TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	repository   TEXT,
	download_id  TEXT,
	target_path  TEXT,
	status       TEXT NOT NULL,
	failure      TEXT,
	error        TEXT,
	progress     INTEGER NOT NULL,
	total_files  INTEGER NOT NULL DEFAULT 0,
	size_total   BIGINT,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL,
	log          JSONB NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS job_history_repository_idx ON job_history (repository, finished_at DESC);
`

// HistoryEntry is one finished job as stored
type HistoryEntry struct {
	JobID      string        `json:"jobId"`
	Kind       models.Kind   `json:"kind"`
	Repository string        `json:"repository,omitempty"`
	DownloadID string        `json:"downloadId,omitempty"`
	TargetPath string        `json:"targetPath,omitempty"`
	Status     models.Status `json:"status"`
	Failure    string        `json:"failure,omitempty"`
	Error      string        `json:"error,omitempty"`
	Progress   int           `json:"progress"`
	TotalFiles int           `json:"totalFiles"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
}

// JobHistoryRepository keeps an audit trail of terminal jobs
type JobHistoryRepository struct {
	db Querier
}

// NewJobHistoryRepository creates a new job history repository
func NewJobHistoryRepository(db Querier) *JobHistoryRepository {
	return &JobHistoryRepository{db: db}
}

// Migrate creates the table if it does not exist
func (r *JobHistoryRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate job history: %w", err)
	}
	return nil
}

// Record stores a terminal job. Recording the same job twice keeps the first row.
func (r *JobHistoryRepository) Record(ctx context.Context, job *models.Job) error {
	if !job.Status.IsTerminal() {
		return fmt.Errorf("job %s is not terminal (%s)", job.ID, job.Status)
	}

	logJSON, err := json.Marshal(job.Log)
	if err != nil {
		return fmt.Errorf("failed to marshal job log: %w", err)
	}

	var repository *string
	if job.Repo != nil {
		repository = &job.Repo.FullName
	}
	var sizeTotal *int64
	if job.Size != nil {
		sizeTotal = &job.Size.Total
	}

	query := `
		INSERT INTO job_history (job_id, kind, repository, download_id, target_path, status, failure, error,
			progress, total_files, size_total, started_at, finished_at, log)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (job_id) DO NOTHING
	`

	_, err = r.db.Exec(
		ctx,
		query,
		job.ID,
		string(job.Kind),
		repository,
		job.DownloadID,
		job.TargetPath,
		string(job.Status),
		string(job.Failure),
		job.Error,
		job.Progress,
		job.TotalFiles,
		sizeTotal,
		job.StartTime,
		job.UpdatedAt,
		logJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to record job history: %w", err)
	}

	return nil
}

// ListByRepository returns the most recent finished jobs for a repository
func (r *JobHistoryRepository) ListByRepository(ctx context.Context, fullName string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT job_id, kind, COALESCE(repository, ''), COALESCE(download_id, ''), COALESCE(target_path, ''),
			status, COALESCE(failure, ''), COALESCE(error, ''), progress, total_files, started_at, finished_at
		FROM job_history
		WHERE repository = $1
		ORDER BY finished_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, fullName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list job history: %w", err)
	}
	defer rows.Close()

	entries := []HistoryEntry{}
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(
			&e.JobID,
			&e.Kind,
			&e.Repository,
			&e.DownloadID,
			&e.TargetPath,
			&e.Status,
			&e.Failure,
			&e.Error,
			&e.Progress,
			&e.TotalFiles,
			&e.StartedAt,
			&e.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job history: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
